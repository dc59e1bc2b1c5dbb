package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"github.com/mehmetymw/delta2dwh/internal/config"
	"github.com/mehmetymw/delta2dwh/internal/types"
)

// RunStatus is the aggregated result of one run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Summary is the structured record of one run, logged at the end and
// optionally published to a notification topic. The invoking scheduler
// reads the exit status; everything richer lives here.
type Summary struct {
	RunID       string          `json:"run_id"`
	Status      RunStatus       `json:"status"`
	DryRun      bool            `json:"dry_run,omitempty"`
	FullRefresh bool            `json:"full_refresh,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	TotalRows   int64           `json:"total_rows"`
	Tables      []types.Outcome `json:"tables"`
}

// Succeeded reports whether every table committed.
func (s *Summary) Succeeded() bool {
	return s.Status == RunSucceeded
}

// FailedTables lists the tables that ended the run failed.
func (s *Summary) FailedTables() []string {
	var out []string
	for _, t := range s.Tables {
		if t.Status == types.StatusFailed {
			out = append(out, t.Table)
		}
	}
	return out
}

// Options configure one pipeline run.
type Options struct {
	Tables      []types.TableSpec
	Workers     int
	Retry       config.Retry
	Epoch       time.Time
	DryRun      bool
	FullRefresh bool
}

// Pipeline sequences extract, load and watermark advancement for every
// configured table and aggregates the per-table outcomes into one run
// summary. Tables are grouped into dependency waves; tables inside a wave
// have no ordering constraints between them and may run in parallel.
type Pipeline struct {
	source    types.Source
	warehouse types.Warehouse
	opts      Options
	runID     string
	clock     clock.Clock
	logger    *zap.Logger
}

// New assembles a pipeline over an already-connected source and warehouse.
func New(source types.Source, warehouse types.Warehouse, opts Options, clk clock.Clock, logger *zap.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	runID := uuid.NewString()
	return &Pipeline{
		source:    source,
		warehouse: warehouse,
		opts:      opts,
		runID:     runID,
		clock:     clk,
		logger:    logger.With(zap.String("run_id", runID)),
	}
}

// Run executes one sync of every configured table and never returns a
// partially filled summary: each table ends the run succeeded, failed or
// skipped. A canceled context stops the run between tables and pages;
// tables that already committed keep their advanced watermarks.
func (p *Pipeline) Run(ctx context.Context) *Summary {
	started := p.clock.Now().UTC()
	p.logger.Info("sync run starting",
		zap.Int("tables", len(p.opts.Tables)),
		zap.Int("workers", p.opts.Workers),
		zap.Bool("dry_run", p.opts.DryRun),
		zap.Bool("full_refresh", p.opts.FullRefresh))

	outcomes := make(map[string]types.Outcome, len(p.opts.Tables))

	if !p.opts.DryRun {
		err := p.withRetry(ctx, p.logger.With(zap.String("op", "ensure schema")), func() error {
			return p.warehouse.EnsureSchema(ctx)
		})
		if err != nil {
			p.logger.Error("destination schema setup failed", zap.Error(err))
			for _, spec := range p.opts.Tables {
				outcomes[spec.Destination] = types.Outcome{
					Table:     spec.Destination,
					Status:    types.StatusFailed,
					ErrorKind: types.KindOf(err),
					Error:     "ensure schema: " + err.Error(),
				}
			}
			return p.finish(started, outcomes)
		}
	}

	for table, deps := range unselectedDeps(p.opts.Tables) {
		p.logger.Warn("dependency not selected for this run, assuming it is current",
			zap.String("table", table),
			zap.Strings("depends_on", deps))
	}

	for _, wave := range plan(p.opts.Tables) {
		runnable := make([]types.TableSpec, 0, len(wave))
		for _, spec := range wave {
			if reason := p.skipReason(ctx, spec, outcomes); reason != "" {
				p.logger.Warn("table skipped",
					zap.String("table", spec.Destination),
					zap.String("reason", reason))
				outcomes[spec.Destination] = types.Outcome{
					Table:  spec.Destination,
					Status: types.StatusSkipped,
					Error:  reason,
				}
				continue
			}
			runnable = append(runnable, spec)
		}
		for _, out := range p.runWave(ctx, runnable) {
			outcomes[out.Table] = out
		}
	}

	return p.finish(started, outcomes)
}

// skipReason decides whether a table must not run: the run was canceled,
// or a dependency it declared did not commit. Dependencies outside the
// selected set are assumed current.
func (p *Pipeline) skipReason(ctx context.Context, spec types.TableSpec, outcomes map[string]types.Outcome) string {
	if ctx.Err() != nil {
		return "run canceled"
	}
	for _, dep := range spec.DependsOn {
		out, selected := outcomes[dep]
		if !selected {
			continue
		}
		if out.Status != types.StatusSucceeded {
			return fmt.Sprintf("dependency %s did not commit", dep)
		}
	}
	return ""
}

// runWave syncs one wave of mutually independent tables on a bounded
// worker pool.
func (p *Pipeline) runWave(ctx context.Context, wave []types.TableSpec) []types.Outcome {
	if len(wave) == 0 {
		return nil
	}
	workers := p.opts.Workers
	if workers > len(wave) {
		workers = len(wave)
	}

	jobs := make(chan types.TableSpec)
	results := make(chan types.Outcome, len(wave))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				results <- p.syncTable(ctx, spec)
			}
		}()
	}
	for _, spec := range wave {
		jobs <- spec
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]types.Outcome, 0, len(wave))
	for o := range results {
		out = append(out, o)
	}
	return out
}

// tableProgress carries committed work across retry attempts so a resumed
// attempt keeps counting from what earlier attempts durably applied.
type tableProgress struct {
	rows  int64
	pages int
}

// syncTable runs one table's full extract-load cycle under the retry
// policy. Each attempt is a fresh session that resumes from the stored
// watermark, so retrying after a dead connection or a crashed attempt
// redoes at most one uncommitted page.
func (p *Pipeline) syncTable(ctx context.Context, spec types.TableSpec) types.Outcome {
	out := types.Outcome{Table: spec.Destination}
	if ctx.Err() != nil {
		out.Status = types.StatusSkipped
		out.Error = "run canceled"
		return out
	}

	log := p.logger.With(zap.String("table", spec.Destination))
	prog := &tableProgress{}
	err := p.withRetry(ctx, log, func() error {
		return p.syncAttempt(ctx, spec, prog, log)
	})

	out.Rows = prog.rows
	out.Pages = prog.pages
	if err != nil {
		out.Status = types.StatusFailed
		out.ErrorKind = types.KindOf(err)
		out.Error = err.Error()
		log.Error("table sync failed",
			zap.String("kind", string(out.ErrorKind)),
			zap.Int64("rows_committed", out.Rows),
			zap.Error(err))
		return out
	}
	out.Status = types.StatusSucceeded
	return out
}

// syncAttempt is one pass over a table: take the session, find the
// starting watermark, then page through the delta until the extractor
// runs dry. Every page commits its rows and its watermark together, so
// the stored watermark always describes durably loaded data.
func (p *Pipeline) syncAttempt(ctx context.Context, spec types.TableSpec, prog *tableProgress, log *zap.Logger) error {
	session, err := p.warehouse.Begin(ctx, spec.Destination)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			log.Warn("session close failed", zap.Error(cerr))
		}
	}()

	since := p.opts.Epoch
	if p.opts.FullRefresh {
		// A fresh full-refresh attempt re-delivers every row, so the
		// running totals restart with it.
		prog.rows, prog.pages = 0, 0
	} else {
		if since, err = session.Watermark(ctx); err != nil {
			return err
		}
	}
	log.Info("table sync starting", zap.Time("since", since))

	if p.opts.DryRun {
		pending, err := p.source.Count(ctx, spec, since)
		if err != nil {
			return err
		}
		prog.rows = pending
		log.Info("dry run", zap.Int64("pending_rows", pending))
		return nil
	}

	for {
		batch, err := p.source.FetchPage(ctx, spec, since)
		if err != nil {
			return err
		}
		if batch.Len() == 0 {
			break
		}
		n, err := session.ApplyBatch(ctx, spec, batch, prog.rows)
		if err != nil {
			return err
		}
		prog.rows += n
		prog.pages++
		since = batch.MaxWatermark
		log.Debug("page committed",
			zap.Int("page", prog.pages),
			zap.Int64("rows", n),
			zap.Time("watermark", since))
	}

	log.Info("table committed",
		zap.Int64("rows", prog.rows),
		zap.Int("pages", prog.pages),
		zap.Time("watermark", since))
	return nil
}

// withRetry runs fn under the configured policy: bounded attempts with a
// fixed delay, matching the invoking scheduler's own retry cadence.
// Schema and constraint failures are fatal immediately; only transient
// failures burn attempts. Cancellation stops the wait between attempts.
func (p *Pipeline) withRetry(ctx context.Context, log *zap.Logger, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:         fn,
		IsFatalError: func(err error) bool { return !types.Retryable(err) },
		NotifyFunc: func(err error, attempt int) {
			log.Warn("attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.opts.Retry.Attempts),
				zap.Error(err))
		},
		Attempts: p.opts.Retry.Attempts,
		Delay:    p.opts.Retry.Delay(),
		Clock:    p.clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}

func (p *Pipeline) finish(started time.Time, outcomes map[string]types.Outcome) *Summary {
	s := &Summary{
		RunID:       p.runID,
		DryRun:      p.opts.DryRun,
		FullRefresh: p.opts.FullRefresh,
		StartedAt:   started,
		CompletedAt: p.clock.Now().UTC(),
	}
	for _, spec := range p.opts.Tables {
		out := outcomes[spec.Destination]
		s.Tables = append(s.Tables, out)
		s.TotalRows += out.Rows
	}
	s.Status = summaryStatus(s.Tables)

	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.Bool("dry_run", s.DryRun),
		zap.Int64("total_rows", s.TotalRows),
		zap.Duration("elapsed", s.CompletedAt.Sub(s.StartedAt)),
		zap.Any("tables", s.Tables),
	}
	if s.Succeeded() {
		p.logger.Info("sync run completed", fields...)
	} else {
		p.logger.Error("sync run completed with failures", fields...)
	}
	return s
}

func summaryStatus(outcomes []types.Outcome) RunStatus {
	committed := 0
	for _, o := range outcomes {
		if o.Status == types.StatusSucceeded {
			committed++
		}
	}
	switch committed {
	case len(outcomes):
		return RunSucceeded
	case 0:
		return RunFailed
	default:
		return RunPartial
	}
}
