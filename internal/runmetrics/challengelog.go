package runmetrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ChallengeEntry is one detected challenge in the durable log.
type ChallengeEntry struct {
	Sequence  int    `json:"sequence"`
	Query     string `json:"query"`
	URL       string `json:"url"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// ChallengeLog appends challenge encounters to a JSON array file that
// survives across runs. The file is rewritten whole on each append; the
// log stays small enough that this is cheaper than maintaining
// append-safe framing.
type ChallengeLog struct {
	path    string
	entries []ChallengeEntry
	now     func() time.Time
}

// OpenChallengeLog loads the existing log at path, starting empty when
// the file is missing or unreadable.
func OpenChallengeLog(path string) *ChallengeLog {
	log := &ChallengeLog{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if err == nil {
		var entries []ChallengeEntry
		if json.Unmarshal(data, &entries) == nil {
			log.entries = entries
		}
	}
	return log
}

// Append records a challenge and persists the log.
func (l *ChallengeLog) Append(query, url, reason string) error {
	l.entries = append(l.entries, ChallengeEntry{
		Sequence:  len(l.entries) + 1,
		Query:     query,
		URL:       url,
		Reason:    reason,
		Timestamp: l.now().UTC().Format(time.RFC3339),
	})
	return l.write()
}

// Len returns the number of recorded challenges.
func (l *ChallengeLog) Len() int { return len(l.entries) }

func (l *ChallengeLog) write() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create challenge log dir: %w", err)
	}
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode challenge log: %w", err)
	}
	if err := writeFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("write challenge log: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename so a
// crash mid-write never leaves a truncated file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
