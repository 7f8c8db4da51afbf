// Package main wires the jobsweep collection pipeline: browser, proxy
// sessions, challenge resolution, persistence and the ops server. The
// binary sweeps the search URLs given on the command line; per-site
// result extraction plugs in through the session API.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	backoffctl "github.com/jobsweep/jobsweep/internal/backoff"
	"github.com/jobsweep/jobsweep/internal/browser"
	"github.com/jobsweep/jobsweep/internal/collector"
	"github.com/jobsweep/jobsweep/internal/config"
	"github.com/jobsweep/jobsweep/internal/dedupe"
	"github.com/jobsweep/jobsweep/internal/detect"
	"github.com/jobsweep/jobsweep/internal/fetchcache"
	collyfetcher "github.com/jobsweep/jobsweep/internal/fetcher/colly"
	"github.com/jobsweep/jobsweep/internal/logging"
	"github.com/jobsweep/jobsweep/internal/ops"
	"github.com/jobsweep/jobsweep/internal/proxy"
	"github.com/jobsweep/jobsweep/internal/publish"
	"github.com/jobsweep/jobsweep/internal/runmetrics"
	"github.com/jobsweep/jobsweep/internal/session"
	"github.com/jobsweep/jobsweep/internal/solver"
	"github.com/jobsweep/jobsweep/internal/store/gcs"
	"github.com/jobsweep/jobsweep/internal/store/local"
	"github.com/jobsweep/jobsweep/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	keyword := flag.String("keyword", "", "Search keyword for run labeling")
	location := flag.String("location", "", "Search location for run labeling")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	urls := flag.Args()
	if len(urls) == 0 {
		logger.Fatal("no search URLs given")
	}

	runmetrics.Init()
	metrics := runmetrics.NewMetrics(cfg.Board.Name, logger.Named("metrics"))

	if cfg.Server.Enabled {
		opsServer := ops.NewServer(metrics, logger.Named("ops"))
		go func() {
			if err := opsServer.ListenAndServe(ctx, cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server error", zap.Error(err))
				stop()
			}
		}()
	}

	seen, err := dedupe.Open(cfg.Dedupe.Path, logger.Named("dedupe"))
	if err != nil {
		logger.Fatal("open dedupe log failed", zap.Error(err))
	}
	checkpnt := runmetrics.NewCheckpointer(cfg.Checkpoint.Path, cfg.Checkpoint.Interval, logger.Named("checkpoint"))
	chlLog := runmetrics.OpenChallengeLog(challengeLogPath(cfg.Metrics.PathTemplate))

	snapshots, err := buildSnapshotStore(ctx, cfg)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}

	proxies := proxy.New(proxy.Settings{
		Enabled:               cfg.Proxy.Enabled,
		Provider:              cfg.Proxy.Provider,
		Server:                cfg.Proxy.Server,
		Username:              cfg.Proxy.Username,
		Password:              cfg.Proxy.Password,
		UsernameTemplate:      cfg.Proxy.UsernameTemplate,
		Sticky:                cfg.Proxy.Sticky,
		Scope:                 cfg.Proxy.Scope,
		PoolSize:              cfg.Proxy.PoolSize,
		SessionTTL:            cfg.SessionTTL(),
		RotateAfterChallenges: cfg.Proxy.RotateAfterChallenges,
	}, logger.Named("proxy"))

	resolver := buildResolver(cfg, logger)

	var clearanceFetcher *collyfetcher.Fetcher
	if cfg.Fetcher.Enabled {
		clearanceFetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   time.Duration(cfg.Fetcher.TimeoutSec) * time.Second,
		})
		resolver.OnClearance = func(c *solver.Clearance) {
			clearanceFetcher.ApplyClearance(c.Cookies, c.UserAgent)
		}
	}

	query := collector.SearchQuery{Keyword: *keyword, Location: *location, Board: cfg.Board.Name}
	cache := fetchcache.New[collector.DetailResult]()

	sweep := func() (*session.Session, *browser.Browser, error) {
		desc := proxies.ProxyFor(query.String())
		if desc != nil {
			resolver.ProxyURL = desc.URL()
		}
		b, err := browser.Launch(ctx, browser.Config{
			Headless:          cfg.Browser.Headless,
			UserAgent:         cfg.Browser.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
			NavRatePerDomain:  cfg.Browser.NavRatePerDomain,
		}, desc, logger.Named("browser"))
		if err != nil {
			return nil, nil, fmt.Errorf("launch browser: %w", err)
		}
		page, err := b.NewPage(ctx)
		if err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("open page: %w", err)
		}
		if err := solver.InstallRenderHook(ctx, page); err != nil {
			logger.Warn("render hook install failed", zap.Error(err))
		}

		s := session.New(session.Config{
			Board:               cfg.Board.Name,
			AutoClearWait:       time.Duration(cfg.Session.AutoClearWaitSec) * time.Second,
			MaxChallengeRetries: cfg.Session.MaxChallengeRetries,
			NavMaxRetries:       cfg.Session.NavMaxRetries,
			DelayMin:            time.Duration(cfg.Delays.MinMs) * time.Millisecond,
			DelayMax:            time.Duration(cfg.Delays.MaxMs) * time.Millisecond,
			SnapshotPrefix:      cfg.Snapshot.Prefix,
		}, session.Deps{
			Page:      page,
			Context:   page,
			Detect:    detect.Default(),
			Resolver:  resolver,
			Backoff:   backoffctl.New(time.Duration(cfg.Backoff.BaseSeconds)*time.Second, time.Duration(cfg.Backoff.MaxSeconds)*time.Second),
			Proxies:   proxies,
			Dedupe:    seen,
			Cache:     cache,
			Metrics:   metrics,
			Checkpnt:  checkpnt,
			ChlLog:    chlLog,
			Snapshots: snapshots,
			Logger:    logger.Named("session"),
		})
		s.SetQuery(query)
		return s, b, nil
	}

	s, b, err := sweep()
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	remaining := urls
	for len(remaining) > 0 && ctx.Err() == nil {
		url := remaining[0]
		err := s.Navigate(ctx, url)
		switch {
		case err == nil:
			remaining = remaining[1:]
			if delayErr := s.HumanDelay(ctx); delayErr != nil {
				remaining = nil
			}

		case errors.Is(err, session.ErrRotateRequired):
			logger.Warn("rotating proxy session and relaunching browser")
			b.Close()
			b = nil
			proxies.PerformRotation(query.String())
			runmetrics.ObserveRotation()
			newSession, newBrowser, launchErr := sweep()
			if launchErr != nil {
				logger.Error("relaunch after rotation failed", zap.Error(launchErr))
				remaining = nil
				continue
			}
			s, b = newSession, newBrowser

		case errors.Is(err, collector.ErrAborted):
			logger.Warn("run aborted by operator", zap.String("url", url))
			remaining = nil

		default:
			logger.Error("sweep failed for url", zap.String("url", url), zap.Error(err))
			remaining = remaining[1:]
		}
	}
	if b != nil {
		b.Close()
	}

	summary, err := s.Finalize(cfg.Metrics.PathTemplate)
	if err != nil {
		logger.Error("finalize failed", zap.Error(err))
	}

	archivePostings(ctx, cfg, metrics.RunID(), checkpnt.Items(), logger)
	publishSummary(ctx, cfg, summary, logger)

	logger.Info("sweep complete",
		zap.Int64("collected", summary.Counters["collected"]),
		zap.Int64("challenges", summary.Counters["challenges"]),
		zap.Int("rotations", proxies.Stats().TotalRotations),
	)
}

func buildResolver(cfg config.Config, logger *zap.Logger) *solver.Resolver {
	var token *solver.TokenClient
	if cfg.Solver.APIKey != "" {
		token = solver.NewTokenClient(solver.TokenConfig{
			APIKey:       cfg.Solver.APIKey,
			BaseURL:      cfg.Solver.BaseURL,
			PollInterval: time.Duration(cfg.Solver.PollIntervalSec) * time.Second,
			Timeout:      time.Duration(cfg.Solver.TimeoutSec) * time.Second,
			UserAgent:    cfg.Browser.UserAgent,
		}, nil)
	}
	var clearance *solver.ClearanceClient
	if cfg.Solver.ClearanceURL != "" {
		clearance = solver.NewClearanceClient(solver.ClearanceConfig{
			BaseURL:    cfg.Solver.ClearanceURL,
			MaxTimeout: time.Duration(cfg.Solver.ClearanceTimeoutSec) * time.Second,
		}, nil)
	}
	skip := solver.NewSkipFlag(cfg.Solver.SkipEscalationThresh)
	// The manual backend needs an operator at a terminal; without one
	// the resolver skips it entirely rather than reading EOF as retry.
	var prompter solver.Prompter
	if stdinInteractive(os.Stdin.Stat()) {
		prompter = terminalPrompter{}
	}
	return solver.New(solver.Config{
		Backends:    cfg.Solver.Backends,
		MaxAttempts: cfg.Solver.MaxAttempts,
	}, token, clearance, prompter, skip, logger.Named("solver"))
}

// stdinInteractive reports whether stdin is a character device.
func stdinInteractive(fi os.FileInfo, err error) bool {
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func buildSnapshotStore(ctx context.Context, cfg config.Config) (collector.SnapshotStore, error) {
	switch cfg.Snapshot.Provider {
	case "", "none":
		return nil, nil
	case "local":
		return local.New(local.Config{BaseDir: cfg.Snapshot.BaseDir})
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Snapshot.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown snapshot provider %q", cfg.Snapshot.Provider)
	}
}

func archivePostings(ctx context.Context, cfg config.Config, runID string, jobs []collector.Job, logger *zap.Logger) {
	if cfg.Postgres.DSN == "" || len(jobs) == 0 {
		return
	}
	store, err := postgres.NewPostingStore(ctx, postgres.PostingStoreConfig{
		DSN:      cfg.Postgres.DSN,
		Table:    cfg.Postgres.Table,
		MaxConns: cfg.Postgres.MaxConns,
	})
	if err != nil {
		logger.Error("posting store init failed", zap.Error(err))
		return
	}
	defer store.Close()
	if err := store.RecordPostings(ctx, runID, jobs); err != nil {
		logger.Error("posting archive failed", zap.Error(err))
		return
	}
	logger.Info("postings archived", zap.Int("count", len(jobs)))
}

func publishSummary(ctx context.Context, cfg config.Config, summary runmetrics.Summary, logger *zap.Logger) {
	if cfg.Publish.ProjectID == "" || cfg.Publish.TopicName == "" {
		return
	}
	client, err := pubsub.NewClient(ctx, cfg.Publish.ProjectID)
	if err != nil {
		logger.Error("pubsub client init failed", zap.Error(err))
		return
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed", zap.Error(closeErr))
		}
	}()
	publisher, err := publish.NewFromClient(client, cfg.Publish.TopicName)
	if err != nil {
		logger.Error("publisher init failed", zap.Error(err))
		return
	}
	defer publisher.Stop()
	id, err := publisher.Publish(ctx, summary, map[string]string{
		"board":  summary.Board,
		"run_id": summary.RunID,
	})
	if err != nil {
		logger.Error("summary publish failed", zap.Error(err))
		return
	}
	logger.Info("run summary published", zap.String("message_id", id))
}

// challengeLogPath derives the durable challenge log location from the
// metrics path template: same directory, fixed name.
func challengeLogPath(pathTemplate string) string {
	dir := "data"
	if i := strings.LastIndexByte(pathTemplate, '/'); i > 0 {
		dir = pathTemplate[:i]
	}
	return dir + "/challenges.json"
}

// terminalPrompter asks the operator what to do with a blocked page.
type terminalPrompter struct{}

func (terminalPrompter) PromptBlocked(ctx context.Context, query, url, reason string) (solver.Decision, error) {
	fmt.Printf("\nBlocked on %s (%s)\nquery: %s\n[r]etry / [s]kip optional fetches / [a]bort? ", url, reason, query)
	answers := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answers <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case <-ctx.Done():
		return solver.DecisionAbort, ctx.Err()
	case answer := <-answers:
		switch answer {
		case "s", "skip":
			return solver.DecisionSkip, nil
		case "a", "abort":
			return solver.DecisionAbort, nil
		default:
			return solver.DecisionRetry, nil
		}
	}
}
