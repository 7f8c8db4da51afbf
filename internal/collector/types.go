package collector

import "time"

// Job is a collected job posting. Fields beyond the identity set
// (Source/Title/Company/Location/Link) are optional and filled in by
// site collectors or detail fetches.
type Job struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location,omitempty"`
	Link        string    `json:"link,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	Salary      string    `json:"salary,omitempty"`
	JobType     string    `json:"job_type,omitempty"`
	Description string    `json:"description,omitempty"`
	DatePosted  string    `json:"date_posted,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// HasSalary reports whether a salary was captured for the posting.
func (j Job) HasSalary() bool {
	return j.Salary != ""
}

// SearchQuery identifies one search a run executes against a board.
type SearchQuery struct {
	Keyword  string
	Location string
	Board    string
}

// String renders the query the way it is recorded in checkpoints and
// challenge events.
func (q SearchQuery) String() string {
	if q.Location == "" {
		return q.Keyword
	}
	return q.Keyword + " @ " + q.Location
}

// DetailResult is the outcome of an optional detail-page fetch. Absent
// fields are a legal terminal state distinct from a failed fetch; the
// fetch error, when any, travels separately through the cache.
type DetailResult struct {
	Salary      string
	JobType     string
	Description string
	CompanyName string
	DatePosted  string
}

// PageSignal is a read-only snapshot of a controlled page, constructed
// fresh per check and never reused across navigations.
type PageSignal struct {
	Title         string
	URL           string
	MarkerPresent map[string]bool
	MarkerVisible map[string]bool
	BodyText      string
}

// Verdict classifies a PageSignal as clear or blocked.
type Verdict struct {
	Blocked bool
	// Reason is a stable machine-readable tag, e.g. "title:just a
	// moment..." or "selector:cf-turnstile". Empty when clear.
	Reason string
}

// Clear is the verdict for an unblocked page.
func Clear() Verdict {
	return Verdict{}
}

// Blocked builds a blocked verdict carrying the matched reason tag.
func Blocked(reason string) Verdict {
	return Verdict{Blocked: true, Reason: reason}
}

// SolveOutcome reports a challenge resolution attempt. Attempted is true
// whenever a billable or external solve call was made, regardless of
// whether it succeeded; it drives cost accounting and fallback policy.
type SolveOutcome struct {
	OK        bool
	Reason    string
	Attempted bool
}
