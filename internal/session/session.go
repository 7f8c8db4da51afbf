// Package session drives one collection run: it owns the challenge
// handling loop around every navigation, threads results through the
// fetch cache and dedupe store, and persists checkpoints and metrics.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jobsweep/jobsweep/internal/backoff"
	"github.com/jobsweep/jobsweep/internal/collector"
	"github.com/jobsweep/jobsweep/internal/dedupe"
	"github.com/jobsweep/jobsweep/internal/detect"
	"github.com/jobsweep/jobsweep/internal/fetchcache"
	"github.com/jobsweep/jobsweep/internal/proxy"
	"github.com/jobsweep/jobsweep/internal/runmetrics"
	"github.com/jobsweep/jobsweep/internal/solver"
)

// ErrRotateRequired tells the caller the current network identity is
// burned: tear down the browser, rotate the proxy session and relaunch.
var ErrRotateRequired = errors.New("proxy rotation required")

// Config tunes the session loop.
type Config struct {
	Board string
	// AutoClearWait polls for self-clearing challenges before engaging
	// a solver.
	AutoClearWait       time.Duration
	MaxChallengeRetries int
	NavMaxRetries       int
	DelayMin            time.Duration
	DelayMax            time.Duration
	SnapshotPrefix      string
}

// Deps carries the collaborators a Session drives. Snapshots may be nil.
type Deps struct {
	Page      collector.BrowserPage
	Context   collector.BrowserContext
	Detect    detect.Config
	Resolver  *solver.Resolver
	Backoff   *backoff.Controller
	Proxies   *proxy.Manager
	Dedupe    *dedupe.Store
	Cache     *fetchcache.Cache[collector.DetailResult]
	Metrics   *runmetrics.Metrics
	Checkpnt  *runmetrics.Checkpointer
	ChlLog    *runmetrics.ChallengeLog
	Snapshots collector.SnapshotStore
	Logger    *zap.Logger
}

// Session owns the state of one run against one browser page.
type Session struct {
	cfg  Config
	deps Deps

	currentQuery collector.SearchQuery
	scopeKey     string

	sleep   func(context.Context, time.Duration) error
	randInt func(int64) int64
}

// New builds a Session.
func New(cfg Config, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxChallengeRetries <= 0 {
		cfg.MaxChallengeRetries = 3
	}
	if cfg.NavMaxRetries < 0 {
		cfg.NavMaxRetries = 0
	}
	return &Session{
		cfg:     cfg,
		deps:    deps,
		sleep:   sleepCtx,
		randInt: rand.Int63n,
	}
}

// SetQuery records the search in progress; it scopes checkpoints,
// challenge events and per-query proxy affinity.
func (s *Session) SetQuery(q collector.SearchQuery) {
	s.currentQuery = q
	s.scopeKey = q.String()
	if s.deps.Checkpnt != nil {
		s.deps.Checkpnt.SetQuery(q.String())
	}
}

// ScopeKey returns the proxy scope key for the current query.
func (s *Session) ScopeKey() string { return s.scopeKey }

// Navigate drives the page to url with bounded retries on navigation
// faults, then runs the challenge loop until the page is clear.
func (s *Session) Navigate(ctx context.Context, url string) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.NavMaxRetries; attempt++ {
		if attempt > 0 {
			// Navigation retries jitter independently of challenge backoff.
			if err := s.sleep(ctx, time.Duration(s.randInt(int64(2*time.Second)))+time.Second); err != nil {
				return err
			}
		}
		err := s.deps.Page.Navigate(ctx, url)
		if err == nil {
			runmetrics.ObservePage(s.cfg.Board, "ok")
			return s.EnsureClear(ctx)
		}
		lastErr = err
		var pageErr *collector.PageError
		if !errors.As(err, &pageErr) || (pageErr.Kind != collector.KindNavigation && pageErr.Kind != collector.KindTimeout) {
			break
		}
		s.deps.Logger.Warn("navigation failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	runmetrics.ObservePage(s.cfg.Board, "nav_error")
	return fmt.Errorf("navigate %s: %w", url, lastErr)
}

// EnsureClear classifies the current page and works through challenges
// until it is clear, the episode budget is exhausted, or the identity
// needs rotating. Returns nil when clear.
func (s *Session) EnsureClear(ctx context.Context) error {
	for episode := 0; episode < s.cfg.MaxChallengeRetries; episode++ {
		signal := detect.Snapshot(ctx, s.deps.Page, s.deps.Detect)
		verdict := detect.Classify(signal, s.deps.Detect)
		if !verdict.Blocked {
			s.deps.Backoff.OnClear()
			return nil
		}

		s.recordChallenge(ctx, signal, verdict)

		if s.waitAutoClear(ctx) {
			s.deps.Logger.Info("challenge cleared on its own", zap.String("reason", verdict.Reason))
			continue
		}

		solveStart := time.Now()
		outcome, err := s.deps.Resolver.Resolve(ctx, signal, s.deps.Page, s.deps.Context)
		if err != nil {
			if errors.Is(err, collector.ErrAborted) {
				return err
			}
			return fmt.Errorf("resolve challenge: %w", err)
		}
		if outcome.Attempted || outcome.OK {
			status := "failed"
			if outcome.OK {
				status = "solved"
			}
			runmetrics.ObserveSolve(solveBackend(outcome.Reason), status, time.Since(solveStart))
		}
		if outcome.Attempted {
			s.deps.Metrics.Inc("solve_attempts", 1)
		}
		if outcome.OK {
			s.deps.Metrics.Inc("challenges_solved", 1)
			s.recordProxyOutcome(true)
			continue
		}
		if outcome.Reason == "skip" {
			// Collection continues without optional fetches; the page
			// itself stays blocked, so report that to the caller.
			return fmt.Errorf("challenge skipped at %s", signal.URL)
		}

		if s.recordProxyOutcome(false) {
			return ErrRotateRequired
		}

		s.deps.Backoff.OnChallenge()
		delay := s.deps.Backoff.Delay()
		runmetrics.ObserveBackoff(delay)
		s.deps.Logger.Warn("challenge unresolved, backing off",
			zap.Duration("delay", delay),
			zap.Int("consecutive", s.deps.Backoff.Consecutive()),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("challenge persisted after %d episodes", s.cfg.MaxChallengeRetries)
}

// FetchDetail memoizes fn per URL. When the run-scoped skip flag is
// set, fetches are bypassed and an empty result is returned.
func (s *Session) FetchDetail(ctx context.Context, url string, fn func() (collector.DetailResult, error)) (collector.DetailResult, error) {
	if s.deps.Resolver.Skip().Skipped() {
		s.deps.Metrics.Inc("detail_fetches_skipped", 1)
		return collector.DetailResult{}, nil
	}
	before, _ := s.deps.Cache.Stats()
	result, err := s.deps.Cache.GetOrFetch(url, fn)
	after, _ := s.deps.Cache.Stats()
	if after > before {
		runmetrics.ObserveDetailCache("hit")
	} else {
		runmetrics.ObserveDetailCache("miss")
	}
	return result, err
}

// RecordJobs filters duplicates, checkpoints the fresh items and
// updates counters. Returns the fresh subset.
func (s *Session) RecordJobs(jobs []collector.Job) ([]collector.Job, error) {
	fresh, dups := s.deps.Dedupe.FilterNew(jobs)
	for range fresh {
		runmetrics.ObserveJob("collected")
	}
	for range dups {
		runmetrics.ObserveJob("duplicate")
	}
	s.deps.Metrics.Inc("collected", int64(len(fresh)))
	s.deps.Metrics.Inc("duplicates", int64(len(dups)))
	if s.deps.Checkpnt != nil && len(fresh) > 0 {
		if err := s.deps.Checkpnt.Add(fresh...); err != nil {
			return fresh, fmt.Errorf("checkpoint: %w", err)
		}
	}
	return fresh, nil
}

// HumanDelay pauses between interactions with jitter inside the
// configured window.
func (s *Session) HumanDelay(ctx context.Context) error {
	if s.cfg.DelayMax <= 0 {
		return nil
	}
	window := int64(s.cfg.DelayMax - s.cfg.DelayMin)
	delay := s.cfg.DelayMin
	if window > 0 {
		delay += time.Duration(s.randInt(window))
	}
	return s.sleep(ctx, delay)
}

// Finalize writes the terminal checkpoint, flushes the dedupe log and
// persists the run summary. Safe to call after an abort; state already
// recorded is preserved.
func (s *Session) Finalize(metricsPathTemplate string) (runmetrics.Summary, error) {
	if s.deps.Checkpnt != nil {
		if err := s.deps.Checkpnt.Finalize(); err != nil {
			return runmetrics.Summary{}, fmt.Errorf("final checkpoint: %w", err)
		}
		s.deps.Metrics.SetGauge("total_collected", float64(s.deps.Checkpnt.Total()))
	}
	if err := s.deps.Dedupe.Flush(); err != nil {
		return runmetrics.Summary{}, fmt.Errorf("flush dedupe log: %w", err)
	}
	hits, misses := s.deps.Cache.Stats()
	if hits+misses > 0 {
		s.deps.Metrics.SetGauge("detail_cache_hit_rate", float64(hits)/float64(hits+misses))
	}
	summary, path, err := s.deps.Metrics.WriteJSON(metricsPathTemplate)
	if err != nil {
		return summary, err
	}
	s.deps.Logger.Info("run finalized",
		zap.String("summary_path", path),
		zap.Int64("collected", summary.Counters["collected"]),
		zap.Int64("challenges", summary.Counters["challenges"]),
	)
	return summary, nil
}

func (s *Session) recordChallenge(ctx context.Context, signal collector.PageSignal, verdict collector.Verdict) {
	s.deps.Metrics.Inc("challenges", 1)
	runmetrics.ObserveChallenge(verdict.Reason)
	if s.deps.Metrics.Counter("challenges") == 1 {
		s.deps.Metrics.SetGauge("first_challenge_at_item", float64(s.checkpointTotal()))
	}
	s.deps.Metrics.RecordEvent("challenge", map[string]any{
		"query":  s.currentQuery.String(),
		"url":    signal.URL,
		"reason": verdict.Reason,
	})
	if s.deps.ChlLog != nil {
		if err := s.deps.ChlLog.Append(s.currentQuery.String(), signal.URL, verdict.Reason); err != nil {
			s.deps.Logger.Warn("challenge log append failed", zap.Error(err))
		}
	}
	s.archiveSnapshot(ctx, verdict.Reason)
}

// archiveSnapshot saves the blocked page's HTML for offline diagnosis.
// Best effort; failures never interfere with the run.
func (s *Session) archiveSnapshot(ctx context.Context, reason string) {
	if s.deps.Snapshots == nil {
		return
	}
	html, err := s.deps.Page.Content(ctx)
	if err != nil {
		return
	}
	name := fmt.Sprintf("%s/%s/challenge-%d.html",
		s.cfg.SnapshotPrefix, s.deps.Metrics.RunID(), s.deps.Metrics.Counter("challenges"))
	uri, err := s.deps.Snapshots.PutObject(ctx, name, "text/html; charset=utf-8", []byte(html))
	if err != nil {
		s.deps.Logger.Warn("snapshot archive failed", zap.Error(err))
		return
	}
	s.deps.Logger.Debug("blocked page archived", zap.String("uri", uri), zap.String("reason", reason))
}

// waitAutoClear polls classification for up to the configured window;
// many JS challenges clear without intervention.
func (s *Session) waitAutoClear(ctx context.Context) bool {
	if s.cfg.AutoClearWait <= 0 {
		return false
	}
	deadline := time.Now().Add(s.cfg.AutoClearWait)
	for time.Now().Before(deadline) {
		if err := s.sleep(ctx, 2*time.Second); err != nil {
			return false
		}
		verdict := detect.Check(ctx, s.deps.Page, s.deps.Detect)
		if !verdict.Blocked {
			return true
		}
	}
	return false
}

// solveBackend maps a resolve reason to the backend label used by the
// solve metrics. Injection failures belong to the token backend: the
// token was obtained, applying it is part of the same attempt.
func solveBackend(reason string) string {
	switch {
	case strings.HasPrefix(reason, "token"), reason == "injection_failed":
		return "token"
	case strings.HasPrefix(reason, "clearance"):
		return "clearance"
	case reason == "manual":
		return "manual"
	case reason == "skip":
		return "skip"
	default:
		return "none"
	}
}

// recordProxyOutcome feeds the rotate-on-consecutive-challenges policy.
func (s *Session) recordProxyOutcome(solved bool) (needsRotation bool) {
	if s.deps.Proxies == nil {
		return false
	}
	needs := s.deps.Proxies.RecordChallenge(solved)
	if needs {
		s.deps.Metrics.Inc("rotations_requested", 1)
	}
	return needs
}

func (s *Session) checkpointTotal() int {
	if s.deps.Checkpnt == nil {
		return 0
	}
	return s.deps.Checkpnt.Total()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
