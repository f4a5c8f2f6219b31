// Package harvest drives tasks through the catalog and turns pages into
// deduplicated, scored, checkpointed records.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roperkevin/jewishbooks/catalog"
	"github.com/roperkevin/jewishbooks/checkpoint"
	"github.com/roperkevin/jewishbooks/dedup"
	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/pipeline"
	"github.com/roperkevin/jewishbooks/scoring"
)

// Fetcher retrieves one catalog page. *catalog.Client satisfies it.
type Fetcher interface {
	FetchPage(ctx context.Context, req models.PageRequest) (*catalog.Page, error)
}

// RawSink receives one models.RawBook per valid candidate.
// *pipeline.JSONWriter satisfies it.
type RawSink interface {
	Append(v any) error
}

// Deps are the collaborators a Coordinator drives. Raw is optional.
type Deps struct {
	Fetcher    Fetcher
	Store      dedup.Store
	Scorer     *scoring.Scorer
	Checkpoint checkpoint.Appender
	Pipeline   *pipeline.Pipeline
	Raw        RawSink
	Logger     *slog.Logger
	Metrics    *Metrics
	Now        func() time.Time
}

// Options tune a run.
type Options struct {
	Concurrency     int
	PageSize        int
	MaxPerTask      int
	MaxPageFailures int
	DryRun          bool

	StopFile         string
	StopPollInterval time.Duration
	MaxRuntime       time.Duration

	SnapshotInterval time.Duration
	SnapshotPath     string
	SnapshotFormat   string
	ProgressInterval time.Duration

	// RunID is stamped on run events. A UUID is generated when empty.
	RunID string
}

// Coordinator runs a set of tasks with a bounded worker pool.
type Coordinator struct {
	fetcher  Fetcher
	store    dedup.Store
	scorer   *scoring.Scorer
	journal  checkpoint.Appender
	pipeline *pipeline.Pipeline
	raw      RawSink
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	opts     Options

	cancel context.CancelCauseFunc

	requests   atomic.Int64
	pageErrors atomic.Int64
	tasksDone  atomic.Int64

	mu         sync.Mutex
	seen       int
	accepted   int
	duplicates int
	rejected   map[string]int
	fatal      error
}

// New validates deps and fills option defaults.
func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("dedup store is required")
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if deps.Checkpoint == nil {
		deps.Checkpoint = checkpoint.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.MaxPerTask <= 0 {
		opts.MaxPerTask = 2000
	}
	if opts.MaxPageFailures <= 0 {
		opts.MaxPageFailures = 3
	}
	if opts.SnapshotFormat == "" {
		opts.SnapshotFormat = pipeline.FormatCSV
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	return &Coordinator{
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		scorer:   deps.Scorer,
		journal:  deps.Checkpoint,
		pipeline: deps.Pipeline,
		raw:      deps.Raw,
		logger:   deps.Logger.With(slog.String("run_id", opts.RunID)),
		metrics:  deps.Metrics,
		now:      deps.Now,
		opts:     opts,
		rejected: make(map[string]int),
	}, nil
}

// RunID identifies this run in the checkpoint.
func (c *Coordinator) RunID() string {
	return c.opts.RunID
}

// Run dispatches every task not completed in state. Graceful stops (signal,
// stop marker, max runtime) return a nil error; quota exhaustion and
// checkpoint, dedup or output failures return an error matching ErrAborted.
func (c *Coordinator) Run(ctx context.Context, tasks []models.Task, state checkpoint.State) (*models.HarvestResult, error) {
	result := &models.HarvestResult{
		RunID:     c.opts.RunID,
		StartTime: c.now(),
		Outcomes:  make([]models.TaskOutcome, len(tasks)),
	}

	if err := c.store.Seed(ctx, state.AcceptedList()); err != nil {
		return c.finish(result, fmt.Errorf("seed dedup store: %w", err)), fmt.Errorf("%w: seed dedup store: %w", ErrAborted, err)
	}
	restored := c.pipeline.Seed(state.RecordList())

	var pending []int
	for i, t := range tasks {
		result.Outcomes[i] = models.TaskOutcome{Task: t, State: models.TaskPending}
		if state.IsCompleted(t.ID) {
			result.Outcomes[i].State = models.TaskSkipped
			c.metrics.incTask(models.TaskSkipped.String())
			continue
		}
		pending = append(pending, i)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.cancel = cancel

	if err := c.record(checkpoint.Event{Type: checkpoint.EventRunStarted}); err != nil {
		return c.finish(result, err), fmt.Errorf("%w: %w", ErrAborted, err)
	}

	c.logger.Info("harvest started",
		slog.Int("tasks", len(tasks)),
		slog.Int("pending", len(pending)),
		slog.Int("skipped", len(tasks)-len(pending)),
		slog.Int("restored_records", restored),
		slog.Int("workers", c.opts.Concurrency),
	)

	if c.opts.MaxRuntime > 0 {
		timer := time.AfterFunc(c.opts.MaxRuntime, func() { cancel(ErrMaxRuntime) })
		defer timer.Stop()
	}

	var loops sync.WaitGroup
	loopsDone := make(chan struct{})
	if c.opts.StopFile != "" {
		w := &stopWatcher{path: c.opts.StopFile, poll: c.opts.StopPollInterval, logger: c.logger}
		loops.Add(1)
		go func() {
			defer loops.Done()
			w.watch(runCtx, func() { cancel(ErrStopFile) })
		}()
	}
	if c.opts.SnapshotInterval > 0 && c.opts.SnapshotPath != "" {
		loops.Add(1)
		go func() {
			defer loops.Done()
			c.snapshotLoop(loopsDone)
		}()
	}
	if c.opts.ProgressInterval > 0 {
		loops.Add(1)
		go func() {
			defer loops.Done()
			c.progressLoop(runCtx, loopsDone, len(pending))
		}()
	}

	jobs := make(chan int)
	go func() {
		defer close(jobs)
		for _, idx := range pending {
			select {
			case <-runCtx.Done():
				return
			case jobs <- idx:
			}
		}
	}()

	var workers sync.WaitGroup
	for i := 0; i < c.opts.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for idx := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				outcome := c.runTask(runCtx, tasks[idx])
				result.Outcomes[idx] = outcome
				c.tasksDone.Add(1)
				c.metrics.incTask(outcome.State.String())
			}
		}()
	}
	workers.Wait()

	close(loopsDone)
	cancelCause := context.Cause(runCtx)
	if runCtx.Err() == nil {
		cancelCause = nil
	}
	cancel(nil)
	loops.Wait()

	result.StopReason = stopReason(cancelCause)
	if err := c.record(checkpoint.Event{Type: checkpoint.EventRunStopped, Reason: result.StopReason}); err != nil && c.fatalErr() == nil {
		c.setFatal(err)
	}

	c.finish(result, nil)
	c.logger.Info("harvest finished",
		slog.String("stop_reason", result.StopReason),
		slog.Int("accepted", result.Accepted),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("requests", result.Requests),
		slog.Duration("duration", result.Duration()),
	)

	if errors.Is(cancelCause, ErrAborted) {
		return result, cancelCause
	}
	if err := c.fatalErr(); err != nil {
		return result, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return result, nil
}

func (c *Coordinator) finish(result *models.HarvestResult, fatal error) *models.HarvestResult {
	c.mu.Lock()
	result.Seen = c.seen
	result.Accepted = c.accepted
	result.Duplicates = c.duplicates
	result.Rejected = make(map[string]int, len(c.rejected))
	for k, v := range c.rejected {
		result.Rejected[k] = v
	}
	c.mu.Unlock()

	result.Requests = int(c.requests.Load())
	result.PageErrors = int(c.pageErrors.Load())
	result.EndTime = c.now()
	if fatal != nil && result.StopReason == "" {
		result.StopReason = "fatal_error"
	}
	return result
}

// abort stops the run with a fatal cause.
func (c *Coordinator) abort(err error) {
	c.setFatal(err)
	if c.cancel != nil {
		c.cancel(fmt.Errorf("%w: %w", ErrAborted, err))
	}
}

func (c *Coordinator) setFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
}

func (c *Coordinator) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *Coordinator) record(e checkpoint.Event) error {
	e.RunID = c.opts.RunID
	if e.TS.IsZero() {
		e.TS = checkpoint.Timestamp{Time: c.now()}
	}
	if err := c.journal.Append(e); err != nil {
		return fmt.Errorf("append %s: %w", e.Type, err)
	}
	return nil
}

func (c *Coordinator) snapshotLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.SnapshotInterval)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n := c.pipeline.Len()
			if n == last {
				continue
			}
			records := c.pipeline.Records()
			pipeline.SortByRank(records)
			if err := pipeline.WriteSnapshot(c.opts.SnapshotPath, c.opts.SnapshotFormat, records); err != nil {
				c.logger.Warn("snapshot failed", slog.String("path", c.opts.SnapshotPath), slog.Any("error", err))
				continue
			}
			last = n
			c.metrics.incSnapshot()
			c.logger.Debug("snapshot written", slog.String("path", c.opts.SnapshotPath), slog.Int("records", n))
		}
	}
}

func (c *Coordinator) progressLoop(ctx context.Context, done <-chan struct{}, total int) {
	ticker := time.NewTicker(c.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			seen, accepted, dups := c.seen, c.accepted, c.duplicates
			c.mu.Unlock()
			unique := c.pipeline.Len()
			c.metrics.setUnique(unique)
			c.logger.Info("harvest progress",
				slog.Int64("tasks_done", c.tasksDone.Load()),
				slog.Int("tasks_total", total),
				slog.Int64("requests", c.requests.Load()),
				slog.Int64("page_errors", c.pageErrors.Load()),
				slog.Int("seen", seen),
				slog.Int("accepted", accepted),
				slog.Int("duplicates", dups),
				slog.Int("unique", unique),
				slog.Bool("stopping", ctx.Err() != nil),
			)
		}
	}
}
