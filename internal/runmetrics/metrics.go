// Package runmetrics records per-run counters, gauges and events, and
// persists them as JSON artifacts next to the collected data. The
// Prometheus collectors in this package cover the live /metrics surface;
// the Metrics type covers the durable per-run summary.
package runmetrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is a timestamped run event. Extra fields are flattened into the
// serialized object alongside the timestamp and kind.
type Event struct {
	At     time.Time
	Kind   string
	Fields map[string]any
}

// MarshalJSON flattens Fields into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		obj[k] = v
	}
	obj["t"] = e.At.UTC().Format(time.RFC3339)
	obj["kind"] = e.Kind
	return json.Marshal(obj)
}

// Summary is the finalized shape written to disk and published at the
// end of a run.
type Summary struct {
	Board           string             `json:"board"`
	RunID           string             `json:"run_id"`
	StartedAt       time.Time          `json:"started_at"`
	EndedAt         time.Time          `json:"ended_at"`
	DurationSeconds float64            `json:"duration_seconds"`
	Counters        map[string]int64   `json:"counters"`
	Gauges          map[string]float64 `json:"gauges"`
	Events          []Event            `json:"events"`
}

// Metrics accumulates counters, gauges and events for one run.
type Metrics struct {
	board     string
	runID     string
	startedAt time.Time
	endedAt   time.Time
	counters  map[string]int64
	gauges    map[string]float64
	events    []Event
	logger    *zap.Logger
	now       func() time.Time
}

// NewMetrics starts a run record for the given board.
func NewMetrics(board string, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		board:    board,
		runID:    uuid.NewString(),
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		logger:   logger,
		now:      time.Now,
	}
	m.startedAt = m.now().UTC()
	return m
}

// RunID returns the run's unique id.
func (m *Metrics) RunID() string { return m.runID }

// Inc adds delta to the named counter.
func (m *Metrics) Inc(name string, delta int64) {
	m.counters[name] += delta
}

// Counter returns the current value of the named counter.
func (m *Metrics) Counter(name string) int64 {
	return m.counters[name]
}

// SetGauge records the latest value for the named gauge.
func (m *Metrics) SetGauge(name string, value float64) {
	m.gauges[name] = value
}

// RecordEvent appends a timestamped event with the given fields.
func (m *Metrics) RecordEvent(kind string, fields map[string]any) {
	m.events = append(m.events, Event{At: m.now().UTC(), Kind: kind, Fields: fields})
}

// Snapshot returns the summary as of now without ending the run. Used
// by the ops server's live view.
func (m *Metrics) Snapshot() Summary {
	now := m.now().UTC()
	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return Summary{
		Board:           m.board,
		RunID:           m.runID,
		StartedAt:       m.startedAt,
		EndedAt:         now,
		DurationSeconds: now.Sub(m.startedAt).Seconds(),
		Counters:        counters,
		Gauges:          gauges,
		Events:          append([]Event(nil), m.events...),
	}
}

// Finalize stamps the end time and returns the summary. Further updates
// after Finalize are not reflected in the returned value.
func (m *Metrics) Finalize() Summary {
	m.endedAt = m.now().UTC()
	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return Summary{
		Board:           m.board,
		RunID:           m.runID,
		StartedAt:       m.startedAt,
		EndedAt:         m.endedAt,
		DurationSeconds: m.endedAt.Sub(m.startedAt).Seconds(),
		Counters:        counters,
		Gauges:          gauges,
		Events:          append([]Event(nil), m.events...),
	}
}

// WriteJSON finalizes the run and writes the summary to pathTemplate.
// A "{timestamp}" placeholder in the template is replaced with the end
// time in a filename-safe layout.
func (m *Metrics) WriteJSON(pathTemplate string) (Summary, string, error) {
	summary := m.Finalize()
	path := strings.ReplaceAll(pathTemplate, "{timestamp}", summary.EndedAt.Format("20060102-150405"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return summary, "", fmt.Errorf("create metrics dir: %w", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return summary, "", fmt.Errorf("encode run summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return summary, "", fmt.Errorf("write run summary: %w", err)
	}
	m.logger.Info("run summary written",
		zap.String("path", path),
		zap.String("run_id", summary.RunID),
		zap.Float64("duration_seconds", summary.DurationSeconds),
	)
	return summary, path, nil
}

// CounterNames returns the counter names in sorted order, for logging.
func (m *Metrics) CounterNames() []string {
	names := make([]string, 0, len(m.counters))
	for name := range m.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
