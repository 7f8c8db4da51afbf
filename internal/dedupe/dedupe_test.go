package dedupe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobsweep/jobsweep/internal/collector"
)

func TestStableKey_TrackingParamsIgnored(t *testing.T) {
	t.Parallel()

	a := collector.Job{
		Source: "indeed",
		Title:  "Go Engineer",
		Link:   "https://www.indeed.com/viewjob?jk=abc123&from=serp&tk=xyz",
	}
	b := collector.Job{
		Source: "indeed",
		Title:  "Go Engineer",
		Link:   "https://www.indeed.com/viewjob?jk=abc123&from=email&vjs=3",
	}
	require.Equal(t, Hash(a), Hash(b))

	c := collector.Job{
		Source: "indeed",
		Title:  "Go Engineer",
		Link:   "https://www.indeed.com/viewjob?jk=other999",
	}
	require.NotEqual(t, Hash(a), Hash(c))
}

func TestStableKey_Preference(t *testing.T) {
	t.Parallel()

	// Explicit external id beats everything.
	job := collector.Job{
		Source:     "glassdoor",
		ExternalID: "gd-42",
		Link:       "https://www.glassdoor.com/job?jobListingId=777",
		Title:      "SRE",
	}
	require.Equal(t, "glassdoor|id:gd-42", StableKey(job))

	// Link posting id next.
	job.ExternalID = ""
	require.Equal(t, "glassdoor|link:jobListingId=777", StableKey(job))

	// Composite fallback is lowercased.
	job.Link = ""
	job.Company = "Acme Corp"
	job.Location = "Remote"
	require.Equal(t, "glassdoor|sre|acme corp|remote", StableKey(job))
}

func TestFilterNew_WithinBatchAndAcrossRuns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seen.jsonl")
	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, store.Known())

	jobs := []collector.Job{
		{Source: "indeed", Title: "Go Engineer", Company: "Acme", Location: "Remote"},
		{Source: "indeed", Title: "Go Engineer", Company: "Acme", Location: "Remote"},
		{Source: "indeed", Title: "Rust Engineer", Company: "Acme", Location: "Remote"},
	}
	fresh, dups := store.FilterNew(jobs)
	require.Len(t, fresh, 2)
	require.Len(t, dups, 1)
	require.NoError(t, store.Flush())

	// A second run loading the same log sees nothing new.
	second, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, second.Known())
	fresh, dups = second.FilterNew(jobs)
	require.Empty(t, fresh)
	require.Len(t, dups, 3)
}

func TestOpen_ToleratesCorruptLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seen.jsonl")
	content := `{"hash":"aaa","title":"kept"}
not json at all
{"no_hash":true}

{"hash":"bbb"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, store.Known())
}

func TestFlush_NoNewRecordsIsNoop(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "seen.jsonl")
	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Flush())

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}
