package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobsweep/jobsweep/internal/backoff"
	"github.com/jobsweep/jobsweep/internal/collector"
	"github.com/jobsweep/jobsweep/internal/dedupe"
	"github.com/jobsweep/jobsweep/internal/detect"
	"github.com/jobsweep/jobsweep/internal/fetchcache"
	"github.com/jobsweep/jobsweep/internal/proxy"
	"github.com/jobsweep/jobsweep/internal/runmetrics"
	"github.com/jobsweep/jobsweep/internal/solver"
)

// scriptedPage is a mutable fake tab: tests flip title/url to simulate
// challenge pages appearing and clearing.
type scriptedPage struct {
	title   string
	url     string
	content string
	navErrs []error
	navs    []string
}

func (p *scriptedPage) Title(context.Context) (string, error) { return p.title, nil }

func (p *scriptedPage) URL(context.Context) (string, error) { return p.url, nil }

func (p *scriptedPage) QuerySelector(context.Context, string) (bool, error) { return false, nil }

func (p *scriptedPage) IsVisible(context.Context, string) (bool, error) { return false, nil }

func (p *scriptedPage) InnerText(context.Context, string) (string, error) { return "", nil }

func (p *scriptedPage) Evaluate(_ context.Context, _ string, out any) error {
	if out != nil {
		return json.Unmarshal([]byte(`null`), out)
	}
	return nil
}

func (p *scriptedPage) AddInitScript(context.Context, string) error { return nil }

func (p *scriptedPage) Navigate(_ context.Context, url string) error {
	p.navs = append(p.navs, url)
	if len(p.navErrs) > 0 {
		err := p.navErrs[0]
		p.navErrs = p.navErrs[1:]
		return err
	}
	return nil
}
func (p *scriptedPage) Reload(context.Context) error { return nil }

func (p *scriptedPage) Screenshot(context.Context, string) error { return nil }

func (p *scriptedPage) Content(context.Context) (string, error) { return p.content, nil }

type promptFunc func(ctx context.Context, query, url, reason string) (solver.Decision, error)

func (f promptFunc) PromptBlocked(ctx context.Context, query, url, reason string) (solver.Decision, error) {
	return f(ctx, query, url, reason)
}

func newTestSession(t *testing.T, cfg Config, page *scriptedPage, resolver *solver.Resolver, proxies *proxy.Manager) (*Session, *[]time.Duration) {
	t.Helper()
	runmetrics.Init()
	dir := t.TempDir()
	store, err := dedupe.Open(filepath.Join(dir, "seen.jsonl"), nil)
	require.NoError(t, err)

	if cfg.Board == "" {
		cfg.Board = "indeed"
	}
	s := New(cfg, Deps{
		Page:     page,
		Detect:   detect.Default(),
		Resolver: resolver,
		Backoff:  backoff.New(time.Second, 4*time.Second),
		Proxies:  proxies,
		Dedupe:   store,
		Cache:    fetchcache.New[collector.DetailResult](),
		Metrics:  runmetrics.NewMetrics(cfg.Board, nil),
		Checkpnt: runmetrics.NewCheckpointer(filepath.Join(dir, "checkpoint.json"), 2, nil),
		ChlLog:   runmetrics.OpenChallengeLog(filepath.Join(dir, "challenges.json")),
	})

	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	s.randInt = func(n int64) int64 { return n / 2 }
	return s, &slept
}

func unresolvableResolver() *solver.Resolver {
	// Token backend with no client configured: every episode ends
	// unresolved without external calls.
	return solver.New(solver.Config{Backends: []string{solver.BackendToken}}, nil, nil, nil, nil, nil)
}

func TestEnsureClearWhenPageClear(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{title: "Software Engineer Jobs", url: "https://www.indeed.com/jobs?q=go"}
	s, _ := newTestSession(t, Config{}, page, unresolvableResolver(), nil)
	s.deps.Backoff.OnChallenge()

	require.NoError(t, s.EnsureClear(context.Background()))
	require.Equal(t, 0, s.deps.Backoff.Consecutive())
	require.Zero(t, s.deps.Metrics.Counter("challenges"))
}

func TestNavigateRetriesNavigationFaults(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{
		title: "Software Engineer Jobs",
		url:   "https://www.indeed.com/jobs?q=go",
		navErrs: []error{
			&collector.PageError{Op: "navigate", Kind: collector.KindNavigation, Err: errors.New("net::ERR_CONNECTION_RESET")},
		},
	}
	s, _ := newTestSession(t, Config{NavMaxRetries: 2}, page, unresolvableResolver(), nil)

	require.NoError(t, s.Navigate(context.Background(), "https://www.indeed.com/jobs?q=go"))
	require.Len(t, page.navs, 2)
}

func TestNavigateStopsOnNonRetryableFault(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{
		navErrs: []error{
			&collector.PageError{Op: "navigate", Kind: collector.KindDetached, Err: errors.New("target closed")},
		},
	}
	s, _ := newTestSession(t, Config{NavMaxRetries: 3}, page, unresolvableResolver(), nil)

	err := s.Navigate(context.Background(), "https://www.indeed.com/jobs?q=go")
	require.Error(t, err)
	require.Len(t, page.navs, 1)
}

func TestEnsureClearManualResolution(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{title: "Just a moment...", url: "https://www.indeed.com/jobs?q=go", content: "<html></html>"}
	prompter := promptFunc(func(_ context.Context, _, _, _ string) (solver.Decision, error) {
		page.title = "Software Engineer Jobs"
		return solver.DecisionRetry, nil
	})
	resolver := solver.New(solver.Config{Backends: []string{solver.BackendManual}}, nil, nil, prompter, nil, nil)
	s, _ := newTestSession(t, Config{MaxChallengeRetries: 3}, page, resolver, nil)

	require.NoError(t, s.EnsureClear(context.Background()))
	require.Equal(t, int64(1), s.deps.Metrics.Counter("challenges"))
	require.Equal(t, int64(1), s.deps.Metrics.Counter("challenges_solved"))
}

func TestEnsureClearAutoClearSkipsSolver(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{title: "Just a moment...", url: "https://www.indeed.com/jobs?q=go"}
	prompter := promptFunc(func(_ context.Context, _, _, _ string) (solver.Decision, error) {
		t.Fatal("solver consulted for a self-clearing challenge")
		return solver.DecisionAbort, nil
	})
	resolver := solver.New(solver.Config{Backends: []string{solver.BackendManual}}, nil, nil, prompter, nil, nil)
	s, _ := newTestSession(t, Config{AutoClearWait: 10 * time.Second, MaxChallengeRetries: 3}, page, resolver, nil)
	s.sleep = func(context.Context, time.Duration) error {
		page.title = "Software Engineer Jobs"
		return nil
	}

	require.NoError(t, s.EnsureClear(context.Background()))
	require.Equal(t, int64(1), s.deps.Metrics.Counter("challenges"))
}

func TestEnsureClearRequestsRotation(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{title: "Just a moment...", url: "https://www.indeed.com/jobs?q=go"}
	proxies := proxy.New(proxy.Settings{
		Enabled:               true,
		Server:                "proxy.example.com:8080",
		RotateAfterChallenges: 1,
	}, nil)
	s, _ := newTestSession(t, Config{MaxChallengeRetries: 5}, page, unresolvableResolver(), proxies)

	err := s.EnsureClear(context.Background())
	require.ErrorIs(t, err, ErrRotateRequired)
	require.True(t, proxies.NeedsRotation())
	require.Equal(t, int64(1), s.deps.Metrics.Counter("rotations_requested"))
}

func TestEnsureClearBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{title: "Just a moment...", url: "https://www.indeed.com/jobs?q=go"}
	s, slept := newTestSession(t, Config{MaxChallengeRetries: 3}, page, unresolvableResolver(), nil)

	err := s.EnsureClear(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRotateRequired)
	// Capped exponential: 1s, 2s, 4s against a 4s cap.
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
	require.Equal(t, int64(3), s.deps.Metrics.Counter("challenges"))
}

func TestSolveBackendLabels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason string
		want   string
	}{
		{"token:turnstile", "token"},
		{"token_exhausted", "token"},
		{"injection_failed", "token"},
		{"clearance", "clearance"},
		{"clearance_unhealthy", "clearance"},
		{"manual", "manual"},
		{"skip", "skip"},
		{"unresolved", "none"},
		{"", "none"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, solveBackend(tc.reason), "reason %q", tc.reason)
	}
}

func TestFetchDetailMemoizesPerURL(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{}
	s, _ := newTestSession(t, Config{}, page, unresolvableResolver(), nil)

	calls := 0
	fn := func() (collector.DetailResult, error) {
		calls++
		return collector.DetailResult{Salary: "$150,000"}, nil
	}
	first, err := s.FetchDetail(context.Background(), "https://www.indeed.com/viewjob?jk=abc", fn)
	require.NoError(t, err)
	second, err := s.FetchDetail(context.Background(), "https://www.indeed.com/viewjob?jk=abc#frag", fn)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, first, second)
}

func TestFetchDetailHonorsSkipFlag(t *testing.T) {
	t.Parallel()

	skip := solver.NewSkipFlag(0)
	skip.Mark()
	resolver := solver.New(solver.Config{}, nil, nil, nil, skip, nil)
	s, _ := newTestSession(t, Config{}, &scriptedPage{}, resolver, nil)

	result, err := s.FetchDetail(context.Background(), "https://www.indeed.com/viewjob?jk=abc", func() (collector.DetailResult, error) {
		t.Fatal("fetch invoked while the run skip flag is set")
		return collector.DetailResult{}, nil
	})
	require.NoError(t, err)
	require.Zero(t, result)
	require.Equal(t, int64(1), s.deps.Metrics.Counter("detail_fetches_skipped"))
}

func TestRecordJobsFiltersAndCheckpoints(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, Config{}, &scriptedPage{}, unresolvableResolver(), nil)
	s.SetQuery(collector.SearchQuery{Keyword: "golang", Location: "Remote", Board: "indeed"})

	jobs := []collector.Job{
		{Source: "indeed", Title: "Go Engineer", Company: "Acme", Location: "Remote", ExternalID: "jk1"},
		{Source: "indeed", Title: "Go Engineer", Company: "Acme", Location: "Remote", ExternalID: "jk1"},
		{Source: "indeed", Title: "Platform Engineer", Company: "Initech", Location: "Remote", ExternalID: "jk2"},
	}
	fresh, err := s.RecordJobs(jobs)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	require.Equal(t, int64(2), s.deps.Metrics.Counter("collected"))
	require.Equal(t, int64(1), s.deps.Metrics.Counter("duplicates"))
	require.Equal(t, 2, s.deps.Checkpnt.Total())
}

func TestHumanDelayStaysInWindow(t *testing.T) {
	t.Parallel()

	s, slept := newTestSession(t, Config{DelayMin: 2 * time.Second, DelayMax: 6 * time.Second}, &scriptedPage{}, unresolvableResolver(), nil)

	require.NoError(t, s.HumanDelay(context.Background()))
	require.Len(t, *slept, 1)
	require.GreaterOrEqual(t, (*slept)[0], 2*time.Second)
	require.Less(t, (*slept)[0], 6*time.Second)
}

func TestFinalizeWritesSummaryAndFlushes(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, Config{}, &scriptedPage{}, unresolvableResolver(), nil)
	s.SetQuery(collector.SearchQuery{Keyword: "golang", Board: "indeed"})
	_, err := s.RecordJobs([]collector.Job{
		{Source: "indeed", Title: "Go Engineer", Company: "Acme", ExternalID: "jk1"},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	summary, err := s.Finalize(filepath.Join(dir, "run-{timestamp}.json"))
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Counters["collected"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
