// Package dedupe filters previously collected jobs across runs using an
// append-only hash log on disk.
package dedupe

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/jobsweep/jobsweep/internal/collector"
	"github.com/jobsweep/jobsweep/internal/extract"
)

// record is one line of the JSONL log. Only hash matters for filtering;
// the rest is kept for offline inspection of the log.
type record struct {
	Hash        string `json:"hash"`
	Link        string `json:"link,omitempty"`
	Title       string `json:"title,omitempty"`
	Company     string `json:"company,omitempty"`
	Location    string `json:"location,omitempty"`
	Source      string `json:"source,omitempty"`
	CollectedAt string `json:"collected_at,omitempty"`
}

// Store keeps the set of seen job hashes for a run and persists new ones
// to the log when the run finishes.
type Store struct {
	path   string
	seen   map[string]struct{}
	fresh  []collector.Job
	logger *zap.Logger
	now    func() time.Time
}

// Open loads the hash log at path. A missing file is an empty history.
// Corrupt lines are skipped, not fatal: losing a line only risks one
// duplicate, while failing the run loses the whole pass.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		seen:   make(map[string]struct{}),
		logger: logger,
		now:    time.Now,
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dedupe log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var bad int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Hash == "" {
			bad++
			continue
		}
		s.seen[rec.Hash] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dedupe log: %w", err)
	}
	if bad > 0 {
		logger.Warn("dedupe log contained unreadable lines", zap.Int("skipped", bad))
	}
	logger.Debug("loaded dedupe history", zap.String("path", path), zap.Int("hashes", len(s.seen)))
	return s, nil
}

// Known reports how many hashes are loaded.
func (s *Store) Known() int { return len(s.seen) }

// FilterNew splits jobs into unseen and duplicate sets, marking the
// unseen ones as seen so repeats inside the same batch also dedupe.
func (s *Store) FilterNew(jobs []collector.Job) (fresh, dups []collector.Job) {
	for _, job := range jobs {
		h := Hash(job)
		if _, ok := s.seen[h]; ok {
			dups = append(dups, job)
			continue
		}
		s.seen[h] = struct{}{}
		s.fresh = append(s.fresh, job)
		fresh = append(fresh, job)
	}
	return fresh, dups
}

// Flush appends all jobs accepted since the last flush to the log,
// holding a file lock so concurrent runs against the same log do not
// interleave partial lines.
func (s *Store) Flush() error {
	if len(s.fresh) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create dedupe dir: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock dedupe log: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dedupe log for append: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, job := range s.fresh {
		rec := record{
			Hash:        Hash(job),
			Link:        job.Link,
			Title:       job.Title,
			Company:     job.Company,
			Location:    job.Location,
			Source:      job.Source,
			CollectedAt: s.now().UTC().Format(time.RFC3339),
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode dedupe record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append dedupe record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush dedupe log: %w", err)
	}
	s.logger.Info("dedupe log updated", zap.Int("appended", len(s.fresh)))
	s.fresh = nil
	return nil
}

// Hash returns the stable identity hash for a job.
func Hash(job collector.Job) string {
	digest := sha256.Sum256([]byte(StableKey(job)))
	return hex.EncodeToString(digest[:])
}

// linkIDParams maps a host fragment to the query parameter that carries
// the board's posting id. Tracking parameters on the same links churn
// between fetches, so only the id participates in identity.
var linkIDParams = []struct {
	host  string
	param string
}{
	{"indeed", "jk"},
	{"glassdoor", "jobListingId"},
	{"glassdoor", "jl"},
}

// StableKey derives the identity string hashed for dedupe. Preference
// order: explicit external id, then a posting id recognized in the
// link, then a composite of source, title, company and location.
func StableKey(job collector.Job) string {
	key, _ := extract.Chain(
		func() (string, bool) {
			id := strings.TrimSpace(job.ExternalID)
			if id == "" {
				return "", false
			}
			return job.Source + "|id:" + id, true
		},
		func() (string, bool) {
			id := linkPostingID(job.Link)
			if id == "" {
				return "", false
			}
			return job.Source + "|link:" + id, true
		},
		func() (string, bool) {
			return strings.ToLower(strings.Join([]string{
				job.Source, job.Title, job.Company, job.Location,
			}, "|")), true
		},
	)
	return key
}

func linkPostingID(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	query := u.Query()
	for _, candidate := range linkIDParams {
		if !strings.Contains(host, candidate.host) {
			continue
		}
		if v := query.Get(candidate.param); v != "" {
			return candidate.param + "=" + v
		}
	}
	return ""
}
