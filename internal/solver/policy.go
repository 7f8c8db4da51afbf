package solver

import "context"

// Decision is the operator's choice when a block is surfaced manually.
type Decision int

// Operator decisions.
const (
	// DecisionRetry resumes the pipeline; the caller re-classifies the
	// page (the operator presumably cleared the challenge by hand).
	DecisionRetry Decision = iota
	// DecisionSkip continues the run with optional detail fetches
	// bypassed from here on.
	DecisionSkip
	// DecisionAbort terminates the run, preserving checkpointed state.
	DecisionAbort
)

// Prompter surfaces a block to an operator and waits for a decision.
// Implementations are only viable on interactive input; a nil Prompter
// disables the manual backend.
type Prompter interface {
	PromptBlocked(ctx context.Context, query, url, reason string) (Decision, error)
}

// SkipFlag is run-scoped state flipped by the skip backend. Once set,
// optional detail fetches are bypassed for the rest of the run; the run
// itself continues.
type SkipFlag struct {
	skipped bool
	count   int
	// escalateAfter aborts the run after this many skip-worthy blocks.
	// Zero disables auto-escalation.
	escalateAfter int
}

// NewSkipFlag builds the flag with an optional escalation threshold.
func NewSkipFlag(escalateAfter int) *SkipFlag {
	return &SkipFlag{escalateAfter: escalateAfter}
}

// Mark flips the flag and reports whether the escalation threshold has
// been reached.
func (f *SkipFlag) Mark() (shouldAbort bool) {
	f.skipped = true
	f.count++
	return f.escalateAfter > 0 && f.count >= f.escalateAfter
}

// Skipped reports whether optional fetches are bypassed.
func (f *SkipFlag) Skipped() bool { return f.skipped }

// Count returns how many skip-worthy blocks the run has recorded.
func (f *SkipFlag) Count() int { return f.count }
