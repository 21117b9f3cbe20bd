package sentinel

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MetricsLogRow is one admission-audit row. Column order matches the
// CSV header written by CSVMetricsLog.
type MetricsLogRow struct {
	TeamID     string
	Timestamp  time.Time
	Agent      string
	Tokens     int
	Credits    int
	WallTimeMs int64
	Model      string
	ToolCall   string
	ExitStatus string
}

func (r MetricsLogRow) columns() []string {
	return []string{
		r.TeamID,
		r.Timestamp.Format(time.RFC3339Nano),
		r.Agent,
		fmt.Sprintf("%d", r.Tokens),
		fmt.Sprintf("%d", r.Credits),
		fmt.Sprintf("%d", r.WallTimeMs),
		r.Model,
		r.ToolCall,
		r.ExitStatus,
	}
}

var metricsLogHeader = []string{
	"team_id", "timestamp", "agent", "tokens", "credits",
	"wall_time_ms", "model", "tool_call", "exit_status",
}

// MetricsLogWriter appends one audit row per admission decision.
type MetricsLogWriter interface {
	Append(row MetricsLogRow) error
}

// CSVMetricsLog appends rows to a CSV file, writing the header once on
// first creation. All writes are serialized through mu — the Sentinel
// itself may call Append from several goroutines concurrently.
type CSVMetricsLog struct {
	mu   sync.Mutex
	path string
}

// NewCSVMetricsLog opens (creating if necessary) the CSV file at path
// for appending audit rows.
func NewCSVMetricsLog(path string) (*CSVMetricsLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics log directory: %w", err)
	}
	return &CSVMetricsLog{path: path}, nil
}

// Append writes one row, prefixing a header the first time the file is
// created.
func (c *CSVMetricsLog) Append(row MetricsLogRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	writeHeader := false
	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		writeHeader = true
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(metricsLogHeader); err != nil {
			return fmt.Errorf("write metrics log header: %w", err)
		}
	}
	if err := w.Write(row.columns()); err != nil {
		return fmt.Errorf("write metrics log row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// NullMetricsLog discards every row. Useful when an audit trail isn't
// wanted, e.g. in unit tests.
type NullMetricsLog struct{}

func (NullMetricsLog) Append(MetricsLogRow) error { return nil }
