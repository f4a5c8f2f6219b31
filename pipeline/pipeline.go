// Package pipeline holds accepted records for a run and streams them to an
// output writer in batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roperkevin/jewishbooks/config"
	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when writers do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// drainTimeout bounds how long Close waits for in-flight batches.
var drainTimeout = 30 * time.Second

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []*models.ScoredRecord) error
	Close() error
	Validate() error
}

// Pipeline buffers accepted records in memory and, when a writer is set,
// streams them to it through worker goroutines.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	recordCh  chan *models.ScoredRecord
	batchSize int
	logger    *slog.Logger

	wg sync.WaitGroup

	bufMu   sync.RWMutex
	records []models.ScoredRecord
	index   map[string]int
	// pending holds sources reported before their record arrived.
	pending map[string][]string

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline. writer may be nil, in which case records
// are only buffered.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	batchSize := 64
	if cfg != nil && cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Pipeline{
		ctx:       ctx,
		writer:    writer,
		recordCh:  make(chan *models.ScoredRecord, 512),
		batchSize: batchSize,
		logger:    slog.Default().With(slog.String("component", "pipeline")),
		index:     make(map[string]int),
		pending:   make(map[string][]string),
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines. It is a no-op without a writer.
func (p *Pipeline) Start(workers int) {
	if p.writer == nil {
		return
	}
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Seed buffers records restored from a checkpoint. They are not streamed
// again because the writer already received them in an earlier run.
func (p *Pipeline) Seed(records []models.ScoredRecord) int {
	added := 0
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	for _, rec := range records {
		if rec.ISBN13 == "" {
			continue
		}
		if _, ok := p.index[rec.ISBN13]; ok {
			continue
		}
		p.store(rec)
		added++
	}
	return added
}

// Process buffers records and enqueues them for the writer.
func (p *Pipeline) Process(records ...*models.ScoredRecord) error {
	if len(records) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if !p.accept(rec) {
			continue
		}
		if p.writer == nil {
			continue
		}
		if err := p.enqueue(rec); err != nil {
			return err
		}
	}
	return nil
}

// Sighting records that source returned isbn again. The buffered record
// gains the source; nothing is streamed. When the record has not arrived
// yet the source is held until it does. It reports whether source was new.
func (p *Pipeline) Sighting(isbn, source string) bool {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	if i, ok := p.index[isbn]; ok {
		rec := &p.records[i]
		var added bool
		rec.Sources, added = addSource(rec.Sources, source)
		rec.SeenCount = len(rec.Sources)
		return added
	}
	var added bool
	p.pending[isbn], added = addSource(p.pending[isbn], source)
	return added
}

// store appends rec to the buffer and folds in held sources. Callers hold bufMu.
func (p *Pipeline) store(rec models.ScoredRecord) {
	rec.Sources = append([]string(nil), rec.Sources...)
	sort.Strings(rec.Sources)
	for _, src := range p.pending[rec.ISBN13] {
		rec.Sources, _ = addSource(rec.Sources, src)
	}
	delete(p.pending, rec.ISBN13)
	if len(rec.Sources) > rec.SeenCount {
		rec.SeenCount = len(rec.Sources)
	}
	p.index[rec.ISBN13] = len(p.records)
	p.records = append(p.records, rec)
}

// addSource inserts src into the sorted set sources.
func addSource(sources []string, src string) ([]string, bool) {
	if src == "" {
		return sources, false
	}
	i := sort.SearchStrings(sources, src)
	if i < len(sources) && sources[i] == src {
		return sources, false
	}
	sources = append(sources, "")
	copy(sources[i+1:], sources[i:])
	sources[i] = src
	return sources, true
}

// Records returns a copy of the buffered records in arrival order.
func (p *Pipeline) Records() []models.ScoredRecord {
	p.bufMu.RLock()
	defer p.bufMu.RUnlock()
	out := make([]models.ScoredRecord, len(p.records))
	copy(out, p.records)
	for i := range out {
		out[i].Sources = append([]string(nil), out[i].Sources...)
	}
	return out
}

// Len returns the number of buffered records.
func (p *Pipeline) Len() int {
	p.bufMu.RLock()
	defer p.bufMu.RUnlock()
	return len(p.records)
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		return fmt.Errorf("%w after %s", ErrPipelineCloseTimeout, drainTimeout)
	}
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until the pipeline
// closes or its context ends.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_records"].(int64)
				written := metrics["written_records"].(int64)
				validation := metrics["validation_errors"].(map[string]int)
				p.logger.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Int64("written", written),
					slog.Int("validation_errors", len(validation)),
				)
			case <-p.shutdown:
				return
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.ScoredRecord, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		p.metrics.addWritten(len(batch))
		batch = batch[:0]
		return nil
	}

	for rec := range p.recordCh {
		batch = append(batch, rec)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) accept(rec *models.ScoredRecord) bool {
	if err := parser.ValidateRecord(&rec.RawRecord); err != nil {
		p.metrics.addValidation("invalid_record")
		return false
	}

	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	if _, ok := p.index[rec.ISBN13]; ok {
		p.metrics.addValidation("duplicate_isbn")
		return false
	}
	p.store(*rec)

	p.metrics.incrementProcessed()
	return true
}

func (p *Pipeline) enqueue(rec *models.ScoredRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.recordCh <- rec:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.logger.Error("pipeline writer failed", slog.Any("error", err))
	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	written    int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addWritten(n int) {
	m.mu.Lock()
	m.written += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"written_records":   m.written,
		"validation_errors": copyValidation,
	}
}
