// Package solver resolves challenge pages through configurable
// backends: a token-solving HTTP API for CAPTCHA widgets, a
// full-challenge clearance service for whole-page interstitials, a
// manual operator prompt, and a run-scoped skip policy.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// Backend names accepted in configuration.
const (
	BackendToken     = "token"
	BackendClearance = "clearance"
	BackendManual    = "manual"
	BackendSkip      = "skip"
)

// Config selects and orders the resolver backends.
type Config struct {
	// Backends in fallback order. A token backend with a discovered
	// sitekey always runs before non-token backends regardless of the
	// configured order.
	Backends []string
	// MaxAttempts bounds token solve attempts per challenge episode.
	MaxAttempts int
}

// Resolver dispatches blocked pages to the configured backends.
type Resolver struct {
	cfg       Config
	token     *TokenClient
	clearance *ClearanceClient
	prompter  Prompter
	skip      *SkipFlag
	logger    *zap.Logger

	// ProxyURL routes the clearance service through the session's
	// proxy. Updated by the session on rotation.
	ProxyURL string

	// OnClearance, when set, receives every successfully applied
	// clearance so plain-HTTP fetchers can reuse its cookies.
	OnClearance func(*Clearance)

	sleep func(context.Context, time.Duration) error
}

// New builds a Resolver. Nil clients disable their backend; a nil
// prompter disables manual.
func New(cfg Config, token *TokenClient, clearance *ClearanceClient, prompter Prompter, skip *SkipFlag, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = []string{BackendToken, BackendClearance, BackendSkip}
	}
	if skip == nil {
		skip = NewSkipFlag(0)
	}
	return &Resolver{
		cfg:       cfg,
		token:     token,
		clearance: clearance,
		prompter:  prompter,
		skip:      skip,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Skip exposes the run-scoped skip flag.
func (r *Resolver) Skip() *SkipFlag { return r.skip }

// Resolve attempts to clear a blocked page. Backends run in configured
// order; each episode is bounded, never looped forever. The returned
// outcome reports whether any billable solve call was made. ErrAborted
// is returned when the operator (or the escalation policy) terminates
// the run.
func (r *Resolver) Resolve(ctx context.Context, signal collector.PageSignal, page collector.BrowserPage, bctx collector.BrowserContext) (collector.SolveOutcome, error) {
	outcome := collector.SolveOutcome{}

	for _, backend := range r.orderedBackends(ctx, page) {
		switch backend {
		case BackendToken:
			result, ok := r.resolveToken(ctx, signal, page)
			outcome.Attempted = outcome.Attempted || result.Attempted
			if ok {
				result.Attempted = outcome.Attempted
				return result, nil
			}

		case BackendClearance:
			result, ok := r.resolveClearance(ctx, signal, page, bctx)
			outcome.Attempted = outcome.Attempted || result.Attempted
			if ok {
				result.Attempted = outcome.Attempted
				return result, nil
			}

		case BackendManual:
			if r.prompter == nil {
				continue
			}
			decision, err := r.prompter.PromptBlocked(ctx, "", signal.URL, signal.Title)
			if err != nil {
				return outcome, fmt.Errorf("manual prompt: %w", err)
			}
			switch decision {
			case DecisionRetry:
				outcome.OK = true
				outcome.Reason = "manual"
				return outcome, nil
			case DecisionSkip:
				if r.skip.Mark() {
					return outcome, collector.ErrAborted
				}
				outcome.Reason = "skip"
				return outcome, nil
			case DecisionAbort:
				return outcome, collector.ErrAborted
			}

		case BackendSkip:
			if r.skip.Mark() {
				return outcome, collector.ErrAborted
			}
			outcome.Reason = "skip"
			r.logger.Warn("challenge skipped, optional fetches disabled for the run",
				zap.String("url", signal.URL),
				zap.Int("skips", r.skip.Count()),
			)
			return outcome, nil
		}
	}

	if outcome.Reason == "" {
		outcome.Reason = "unresolved"
	}
	return outcome, nil
}

// orderedBackends returns the configured backend order, hoisting the
// token backend to the front when it is viable for this page: an
// automatic solver with a discovered sitekey is always attempted first.
func (r *Resolver) orderedBackends(ctx context.Context, page collector.BrowserPage) []string {
	hasToken := false
	for _, b := range r.cfg.Backends {
		if b == BackendToken {
			hasToken = true
		}
	}
	if !hasToken || !r.token.Configured() {
		return r.cfg.Backends
	}
	if !DetectWidget(ctx, page).Found() {
		return r.cfg.Backends
	}
	ordered := []string{BackendToken}
	for _, b := range r.cfg.Backends {
		if b != BackendToken {
			ordered = append(ordered, b)
		}
	}
	return ordered
}

// resolveToken runs the widget solve loop. Returns ok=false to fall
// through to the next backend; an injection failure also falls through
// because the widget may be a full-challenge interstitial in disguise.
func (r *Resolver) resolveToken(ctx context.Context, signal collector.PageSignal, page collector.BrowserPage) (collector.SolveOutcome, bool) {
	outcome := collector.SolveOutcome{}
	if !r.token.Configured() {
		return outcome, false
	}
	widget := DetectWidget(ctx, page)
	if !widget.Found() {
		// No sitekey is not a failure; the next backend gets its turn.
		return outcome, false
	}

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		token, err := r.token.Solve(ctx, widget, signal.URL)
		if err == nil {
			outcome.Attempted = true
			if injErr := InjectToken(ctx, page, widget, token); injErr != nil {
				r.logger.Warn("token obtained but injection failed",
					zap.String("widget", widget.Kind),
					zap.Error(injErr),
				)
				outcome.Reason = "injection_failed"
				return outcome, false
			}
			outcome.OK = true
			outcome.Reason = "token:" + widget.Kind
			r.logger.Info("challenge solved via token backend",
				zap.String("widget", widget.Kind),
				zap.Duration("took", time.Since(start)),
				zap.Int("attempt", attempt),
			)
			return outcome, true
		}

		outcome.Attempted = true
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome.Reason = "token_canceled"
			return outcome, false
		}
		r.logger.Warn("token solve attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Error(err),
		)
		if attempt < r.cfg.MaxAttempts {
			if err := r.sleep(ctx, solveRetryDelay(attempt)); err != nil {
				outcome.Reason = "token_canceled"
				return outcome, false
			}
		}
	}
	outcome.Reason = "token_exhausted"
	return outcome, false
}

func (r *Resolver) resolveClearance(ctx context.Context, signal collector.PageSignal, page collector.BrowserPage, bctx collector.BrowserContext) (collector.SolveOutcome, bool) {
	outcome := collector.SolveOutcome{}
	if !r.clearance.Configured() || bctx == nil {
		return outcome, false
	}
	if !r.clearance.Healthy(ctx) {
		r.logger.Warn("clearance service unhealthy, skipping backend")
		outcome.Reason = "clearance_unhealthy"
		return outcome, false
	}

	start := time.Now()
	clearance, err := r.clearance.Solve(ctx, signal.URL, r.ProxyURL)
	outcome.Attempted = true
	if err != nil {
		r.logger.Warn("clearance solve failed", zap.Error(err))
		outcome.Reason = "clearance_failed"
		return outcome, false
	}
	if err := r.clearance.Apply(ctx, bctx, page, clearance); err != nil {
		r.logger.Warn("clearance apply failed", zap.Error(err))
		outcome.Reason = "clearance_apply_failed"
		return outcome, false
	}
	if r.OnClearance != nil {
		r.OnClearance(clearance)
	}
	outcome.OK = true
	outcome.Reason = "clearance"
	r.logger.Info("challenge solved via clearance backend",
		zap.Duration("took", time.Since(start)),
		zap.Int("cookies", len(clearance.Cookies)),
	)
	return outcome, true
}

// solveRetryDelay spaces token solve attempts: min(5*2^(n-1), 30)s plus
// up to a second of jitter.
func solveRetryDelay(attempt int) time.Duration {
	delay := 5 * time.Second << (attempt - 1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay + time.Duration(rand.Int63n(int64(time.Second)))
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
