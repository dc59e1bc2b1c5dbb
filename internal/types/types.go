package types

import (
	"context"
	"time"
)

// Row is one extracted record keyed by source column name.
type Row map[string]any

// TableSpec describes how one source table is synced into the warehouse.
// Specs come from the config file and are validated once at startup.
type TableSpec struct {
	Source          string   `yaml:"source"`
	Destination     string   `yaml:"destination"`
	PrimaryKey      []string `yaml:"primary_key"`
	WatermarkColumn string   `yaml:"watermark_column"`
	BatchSize       int      `yaml:"batch_size"`
	DependsOn       []string `yaml:"depends_on"`
}

// Batch is one page of rows pulled from a single source table, ordered by
// the watermark column ascending. MaxWatermark is the greatest watermark
// value among the rows and is the only value safe to persist once the
// batch is committed.
type Batch struct {
	Table        string
	Columns      []string
	Rows         []Row
	MaxWatermark time.Time
}

// Len returns the number of rows in the batch. A nil batch is empty.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Status is the terminal state of one table inside a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome records how one table fared during a run.
type Outcome struct {
	Table     string `json:"table"`
	Status    Status `json:"status"`
	Rows      int64  `json:"rows_processed"`
	Pages     int    `json:"pages,omitempty"`
	ErrorKind Kind   `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Source pulls pages of changed rows from one source table.
type Source interface {
	// FetchPage returns rows whose watermark column is strictly greater
	// than since, ordered ascending. A full page is widened so that rows
	// sharing the boundary watermark value are never split across pages.
	// An empty batch means nothing is left beyond since.
	FetchPage(ctx context.Context, spec TableSpec, since time.Time) (*Batch, error)
	// Count reports how many rows are pending beyond since.
	Count(ctx context.Context, spec TableSpec, since time.Time) (int64, error)
}

// Warehouse is the destination database holding synced tables and their
// watermarks.
type Warehouse interface {
	// EnsureSchema creates the destination schema and the watermark table
	// when they do not exist yet.
	EnsureSchema(ctx context.Context) error
	// Begin opens a session for one destination table, holding the table's
	// advisory lock until the session is closed.
	Begin(ctx context.Context, destTable string) (TableSession, error)
}

// TableSession guards one table's sync cycle. Sessions hold a pinned
// connection so the advisory lock survives for the whole cycle.
type TableSession interface {
	// Watermark returns the stored high-water mark for the table, or the
	// configured epoch when the table has never been synced.
	Watermark(ctx context.Context) (time.Time, error)
	// ApplyBatch upserts one page of rows and advances the watermark in a
	// single transaction. runRows is the running row total for this run,
	// persisted alongside the watermark. It returns the number of rows
	// written.
	ApplyBatch(ctx context.Context, spec TableSpec, batch *Batch, runRows int64) (int64, error)
	// Close releases the advisory lock and the pinned connection.
	Close(ctx context.Context) error
}
