package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jobsweep/jobsweep/internal/collector"
	"github.com/jobsweep/jobsweep/internal/dedupe"
)

func TestRecordPostingsInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostingStoreWithPool(mock, "postings")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := collector.Job{
		Source:      "indeed",
		Title:       "Go Engineer",
		Company:     "Acme",
		Location:    "Remote",
		Link:        "https://www.indeed.com/viewjob?jk=abc123",
		Salary:      "$150k",
		CollectedAt: now,
	}

	mock.ExpectExec("INSERT INTO postings").
		WithArgs(
			dedupe.Hash(job),
			"run-1",
			job.Source,
			job.Title,
			job.Company,
			job.Location,
			job.Link,
			job.ExternalID,
			job.Salary,
			job.JobType,
			job.Description,
			job.DatePosted,
			job.CollectedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordPostings(context.Background(), "run-1", []collector.Job{job}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostingStoreWithPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPostingStoreWithPool(nil, "postings")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostingStoreWithPool(mock, "bad-table;drop")
	require.Error(t, err)

	store, err := NewPostingStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "postings", store.table)
}

func TestRecordPostings_RequiresRunID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostingStoreWithPool(mock, "postings")
	require.NoError(t, err)
	require.Error(t, store.RecordPostings(context.Background(), "", nil))
}
