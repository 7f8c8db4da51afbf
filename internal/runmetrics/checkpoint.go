package runmetrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// checkpointPayload is the on-disk checkpoint shape. Each write replaces
// the whole file so a resume only ever sees a complete snapshot.
type checkpointPayload struct {
	Timestamp       string          `json:"timestamp"`
	TotalCollected  int             `json:"total_collected"`
	TotalWithSalary int             `json:"total_with_salary"`
	CurrentQuery    string          `json:"current_query"`
	Items           []collector.Job `json:"items"`
}

// Checkpointer persists collected items at a fixed interval. Writes
// happen only on exact interval boundaries and on Finalize, so a run
// that dies between boundaries loses at most interval-1 items.
type Checkpointer struct {
	path     string
	interval int
	items    []collector.Job
	query    string
	writes   int
	logger   *zap.Logger
	now      func() time.Time
}

// NewCheckpointer writes checkpoints to path every interval items. A
// non-positive interval disables interval writes; Finalize still writes.
func NewCheckpointer(path string, interval int, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		path:     path,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// SetQuery records the query in progress for the next checkpoint.
func (c *Checkpointer) SetQuery(query string) {
	c.query = query
}

// Add appends items and writes a checkpoint when the running total
// crosses an interval boundary.
func (c *Checkpointer) Add(items ...collector.Job) error {
	for _, item := range items {
		c.items = append(c.items, item)
		if c.interval > 0 && len(c.items)%c.interval == 0 {
			if err := c.write(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finalize writes the terminal checkpoint covering everything collected.
func (c *Checkpointer) Finalize() error {
	return c.write()
}

// Total returns the number of items accumulated so far.
func (c *Checkpointer) Total() int { return len(c.items) }

// Writes returns how many checkpoint files have been written.
func (c *Checkpointer) Writes() int { return c.writes }

// Items returns the accumulated items. The returned slice is shared;
// callers must not mutate it.
func (c *Checkpointer) Items() []collector.Job { return c.items }

func (c *Checkpointer) write() error {
	withSalary := 0
	for _, item := range c.items {
		if item.HasSalary() {
			withSalary++
		}
	}
	payload := checkpointPayload{
		Timestamp:       c.now().UTC().Format(time.RFC3339),
		TotalCollected:  len(c.items),
		TotalWithSalary: withSalary,
		CurrentQuery:    c.query,
		Items:           c.items,
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := writeFileAtomic(c.path, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	c.writes++
	c.logger.Debug("checkpoint written",
		zap.String("path", c.path),
		zap.Int("total", len(c.items)),
		zap.String("query", c.query),
	)
	return nil
}
