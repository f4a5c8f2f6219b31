package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roperkevin/jewishbooks/catalog"
	"github.com/roperkevin/jewishbooks/checkpoint"
	"github.com/roperkevin/jewishbooks/dedup"
	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/pipeline"
	"github.com/roperkevin/jewishbooks/scoring"
	"github.com/roperkevin/jewishbooks/tasks"
)

const overlapISBN = "9780805211280"

type fetchFunc func(ctx context.Context, req models.PageRequest) (*catalog.Page, error)

// recordingFetcher serialises calls through fn and remembers every request.
type recordingFetcher struct {
	mu    sync.Mutex
	calls []models.PageRequest
	fn    fetchFunc
}

func (f *recordingFetcher) FetchPage(ctx context.Context, req models.PageRequest) (*catalog.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *recordingFetcher) terms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, string(c.Endpoint)+":"+c.Term)
	}
	return out
}

func bookJSON(isbn, title string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"isbn13":    isbn,
		"title":     title,
		"authors":   []string{"Franz Kafka"},
		"publisher": "Schocken Books",
		"subjects":  []string{"Jewish fiction"},
		"language":  "en",
	})
	return raw
}

func page(books ...json.RawMessage) *catalog.Page {
	return &catalog.Page{Total: len(books), Books: books}
}

func newTask(s models.Strategy, term, lang string) models.Task {
	t := models.Task{Strategy: s, Language: lang}
	switch s.Endpoint() {
	case models.EndpointPublisher:
		t.Query.Publisher = term
	case models.EndpointSubject:
		t.Query.Subject = term
	default:
		t.Query.Text = term
	}
	t.ID = tasks.TaskID(t)
	return t
}

type harness struct {
	fetcher  *recordingFetcher
	store    *dedup.MemoryStore
	pipeline *pipeline.Pipeline
	journal  *checkpoint.Log
	metrics  *Metrics
	dir      string
}

func newHarness(t *testing.T, fn fetchFunc) *harness {
	t.Helper()
	dir := t.TempDir()
	journal, err := checkpoint.Open(filepath.Join(dir, "checkpoint.ndjson"), checkpoint.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	return &harness{
		fetcher:  &recordingFetcher{fn: fn},
		store:    dedup.NewMemoryStore(),
		pipeline: pipeline.NewPipeline(context.Background(), nil, nil),
		journal:  journal,
		metrics:  NewMetrics(),
		dir:      dir,
	}
}

func (h *harness) coordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = 10
	}
	c, err := New(Deps{
		Fetcher:    h.fetcher,
		Store:      h.store,
		Scorer:     scoring.NewScorer(scoring.DefaultWeights()),
		Checkpoint: h.journal,
		Pipeline:   h.pipeline,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    h.metrics,
	}, opts)
	require.NoError(t, err)
	return c
}

func (h *harness) state(t *testing.T) checkpoint.State {
	t.Helper()
	state, _, err := checkpoint.LoadState(h.journal.Path())
	require.NoError(t, err)
	return state
}

func (h *harness) events(t *testing.T) []checkpoint.Event {
	t.Helper()
	data, err := os.ReadFile(h.journal.Path())
	require.NoError(t, err)
	var events []checkpoint.Event
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e checkpoint.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	return events
}

func (h *harness) eventTypes(t *testing.T) []checkpoint.EventType {
	t.Helper()
	var types []checkpoint.EventType
	for _, e := range h.events(t) {
		types = append(types, e.Type)
	}
	return types
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)

	c, err := New(Deps{
		Fetcher:  &recordingFetcher{},
		Store:    dedup.NewMemoryStore(),
		Scorer:   scoring.NewScorer(scoring.DefaultWeights()),
		Pipeline: pipeline.NewPipeline(context.Background(), nil, nil),
	}, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.RunID())
	assert.Equal(t, 1, c.opts.Concurrency)
	assert.Equal(t, 3, c.opts.MaxPageFailures)
}

func TestRunOverlappingStrategiesAcceptOnce(t *testing.T) {
	h := newHarness(t, func(_ context.Context, req models.PageRequest) (*catalog.Page, error) {
		switch req.Endpoint {
		case models.EndpointPublisher:
			return page(bookJSON(overlapISBN, "The Trial"), bookJSON("9780000000002", "Jewish Humor")), nil
		case models.EndpointSubject:
			return page(bookJSON("0805211284", "The Trial"), bookJSON(overlapISBN, "The Trial")), nil
		default:
			return page(bookJSON(overlapISBN, "The Trial"), bookJSON("12", "Broken")), nil
		}
	})
	taskList := []models.Task{
		newTask(models.StrategyPublisherSeed, "Schocken", ""),
		newTask(models.StrategySubjectSeed, "Judaism", ""),
		newTask(models.StrategyBaseQuery, "kafka", ""),
	}

	c := h.coordinator(t, Options{Concurrency: 3})
	result, err := c.Run(context.Background(), taskList, checkpoint.NewState())
	require.NoError(t, err)

	assert.Equal(t, "completed", result.StopReason)
	assert.Equal(t, 3, result.CountByState()[models.TaskCompleted])
	assert.Equal(t, 6, result.Seen)
	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 2, result.Duplicates)
	assert.Equal(t, 1, result.Rejected["missing_isbn"])
	assert.Equal(t, 3, result.Requests)

	records := h.pipeline.Records()
	require.Len(t, records, 3)
	count := 0
	for _, r := range records {
		if r.ISBN13 == overlapISBN {
			count++
			assert.NotEmpty(t, r.TaskID)
			assert.False(t, r.DiscoveredAt.IsZero())
		}
	}
	assert.Equal(t, 1, count)

	wantSources := []string{"base_query:kafka", "publisher_seed:Schocken", "subject_seed:Judaism"}
	for _, r := range records {
		if r.ISBN13 == overlapISBN {
			assert.Equal(t, wantSources, r.Sources)
			assert.Equal(t, 3, r.SeenCount)
		}
	}

	acceptedEvents := 0
	for _, e := range h.events(t) {
		if e.Type == checkpoint.EventRecordAccepted && e.ISBN == overlapISBN {
			acceptedEvents++
			require.NotNil(t, e.Record)
			assert.Equal(t, c.RunID(), e.RunID)
		}
	}
	assert.Equal(t, 1, acceptedEvents)

	state := h.state(t)
	assert.Len(t, state.CompletedTasks, 3)
	assert.Equal(t, []string{"9780000000002", "9780805211280", "9780805211283"}, state.AcceptedList())
	assert.Equal(t, 1, state.Runs)
	assert.Equal(t, "completed", state.LastStopReason)
	for _, r := range state.RecordList() {
		if r.ISBN13 == overlapISBN {
			assert.Equal(t, wantSources, r.Sources)
			assert.Equal(t, 3, r.SeenCount)
		}
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.RecordsAccepted))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Duplicates))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.TasksTotal.WithLabelValues("completed")))
}

func TestRunResumeDispatchesOnlyIncompleteTasks(t *testing.T) {
	h := newHarness(t, func(_ context.Context, req models.PageRequest) (*catalog.Page, error) {
		return page(bookJSON(overlapISBN, "The Trial")), nil
	})
	a := newTask(models.StrategyBaseQuery, "alpha", "")
	b := newTask(models.StrategyBaseQuery, "beta", "")
	cTask := newTask(models.StrategyBaseQuery, "gamma", "")

	prior := checkpoint.NewState()
	prior = checkpoint.Fold(prior, checkpoint.ForTask(checkpoint.EventTaskCompleted, a))
	prior = checkpoint.Fold(prior, checkpoint.ForTask(checkpoint.EventTaskCompleted, b))
	rec := models.ScoredRecord{RawRecord: models.RawRecord{ISBN13: overlapISBN, Title: "The Trial"}}
	accepted := checkpoint.ForTask(checkpoint.EventRecordAccepted, a)
	accepted.ISBN, accepted.Record = overlapISBN, &rec
	prior = checkpoint.Fold(prior, accepted)

	c := h.coordinator(t, Options{Concurrency: 2})
	result, err := c.Run(context.Background(), []models.Task{a, b, cTask}, prior)
	require.NoError(t, err)

	assert.Equal(t, []string{"search:gamma"}, h.fetcher.terms())
	assert.Equal(t, models.TaskSkipped, result.Outcomes[0].State)
	assert.Equal(t, models.TaskSkipped, result.Outcomes[1].State)
	assert.Equal(t, models.TaskCompleted, result.Outcomes[2].State)

	// The resumed ISBN is already known, so the page yields only a duplicate.
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 1, result.Duplicates)
	require.Equal(t, 1, h.pipeline.Len())

	// The new sighting is merged into the restored record and journaled.
	restored := h.pipeline.Records()[0]
	assert.Equal(t, []string{"base_query:alpha", "base_query:gamma"}, restored.Sources)
	assert.Equal(t, 2, restored.SeenCount)
	assert.Contains(t, h.eventTypes(t), checkpoint.EventRecordSeen)
}

func TestRunStopMarkerPresentAtStart(t *testing.T) {
	h := newHarness(t, func(context.Context, models.PageRequest) (*catalog.Page, error) {
		return page(bookJSON(overlapISBN, "The Trial")), nil
	})
	marker := filepath.Join(h.dir, "STOP")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	c := h.coordinator(t, Options{StopFile: marker, StopPollInterval: 10 * time.Millisecond})
	result, err := c.Run(context.Background(), []models.Task{
		newTask(models.StrategyBaseQuery, "alpha", ""),
		newTask(models.StrategyBaseQuery, "beta", ""),
	}, checkpoint.NewState())
	require.NoError(t, err)

	assert.Equal(t, "stop_file", result.StopReason)
	assert.Empty(t, h.fetcher.terms())
	for _, o := range result.Outcomes {
		assert.Contains(t, []models.TaskState{models.TaskPending, models.TaskStopped}, o.State)
	}
	assert.Empty(t, h.state(t).CompletedTasks)
}

func TestRunStopMarkerBetweenPages(t *testing.T) {
	var marker string
	h := newHarness(t, func(_ context.Context, req models.PageRequest) (*catalog.Page, error) {
		if req.Page == 1 {
			_ = os.WriteFile(marker, []byte("stop"), 0o644)
		}
		books := make([]json.RawMessage, 0, 2)
		for i := 0; i < 2; i++ {
			books = append(books, bookJSON(fmt.Sprintf("978000000%02d%02d", req.Page, i), "Jewish Humor"))
		}
		return page(books...), nil
	})
	marker = filepath.Join(h.dir, "STOP")

	c := h.coordinator(t, Options{PageSize: 2, StopFile: marker, StopPollInterval: time.Hour})
	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "humor", "")}, checkpoint.NewState())
	require.NoError(t, err)

	assert.Equal(t, "stop_file", result.StopReason)
	assert.Len(t, h.fetcher.terms(), 1)
	assert.Equal(t, models.TaskStopped, result.Outcomes[0].State)
	assert.Equal(t, 2, result.Accepted)

	state := h.state(t)
	assert.Empty(t, state.CompletedTasks)
	assert.Len(t, state.AcceptedISBNs, 2)
}

func TestRunQuotaAbortsRun(t *testing.T) {
	h := newHarness(t, func(context.Context, models.PageRequest) (*catalog.Page, error) {
		return nil, &catalog.QuotaError{Message: "Daily request limit reached"}
	})
	taskList := []models.Task{
		newTask(models.StrategyBaseQuery, "alpha", ""),
		newTask(models.StrategyBaseQuery, "beta", ""),
	}

	c := h.coordinator(t, Options{Concurrency: 1})
	result, err := c.Run(context.Background(), taskList, checkpoint.NewState())
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrQuotaExhausted)
	assert.ErrorIs(t, err, ErrAborted)

	assert.Equal(t, "quota_exhausted", result.StopReason)
	assert.Equal(t, models.TaskAborted, result.Outcomes[0].State)
	assert.Equal(t, models.TaskPending, result.Outcomes[1].State)

	types := h.eventTypes(t)
	assert.Contains(t, types, checkpoint.EventQuotaExhausted)
	assert.Equal(t, checkpoint.EventRunStopped, types[len(types)-1])
	assert.Equal(t, 1, h.state(t).QuotaHits)
}

func TestRunQuotaLetsInFlightPageFinish(t *testing.T) {
	slowStarted := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req models.PageRequest) (*catalog.Page, error) {
		if req.Term == "quota" {
			<-slowStarted
			return nil, &catalog.QuotaError{Message: "Daily request limit reached"}
		}
		close(slowStarted)
		// Hold the response until the abort has cancelled the run.
		<-ctx.Done()
		return page(bookJSON(overlapISBN, "The Trial")), nil
	})
	taskList := []models.Task{
		newTask(models.StrategyBaseQuery, "slow", ""),
		newTask(models.StrategyBaseQuery, "quota", ""),
	}

	c := h.coordinator(t, Options{Concurrency: 2})
	result, err := c.Run(context.Background(), taskList, checkpoint.NewState())
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrQuotaExhausted)

	assert.Equal(t, models.TaskCompleted, result.Outcomes[0].State)
	assert.Equal(t, models.TaskAborted, result.Outcomes[1].State)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, h.pipeline.Len())

	state := h.state(t)
	assert.Equal(t, []string{overlapISBN}, state.AcceptedList())
	assert.True(t, state.IsCompleted(taskList[0].ID))
	assert.False(t, state.IsCompleted(taskList[1].ID))
}

func TestRunWritesRawDump(t *testing.T) {
	h := newHarness(t, func(context.Context, models.PageRequest) (*catalog.Page, error) {
		return page(
			bookJSON(overlapISBN, "The Trial"),
			bookJSON("0805211284", "The Castle"),
			bookJSON(overlapISBN, "The Trial"),
			bookJSON("", "No Key"),
		), nil
	})
	rawPath := filepath.Join(h.dir, "raw.jsonl")
	raw, err := pipeline.NewJSONWriter(rawPath)
	require.NoError(t, err)

	c, err := New(Deps{
		Fetcher:    h.fetcher,
		Store:      h.store,
		Scorer:     scoring.NewScorer(scoring.DefaultWeights()),
		Checkpoint: h.journal,
		Pipeline:   h.pipeline,
		Raw:        raw,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{PageSize: 10})
	require.NoError(t, err)
	task := newTask(models.StrategySubjectSeed, "Judaism", "en")
	_, err = c.Run(context.Background(), []models.Task{task}, checkpoint.NewState())
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	data, err := os.ReadFile(rawPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// Every valid candidate is dumped, duplicates included.
	require.Len(t, lines, 3)

	var first models.RawBook
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "raw_book", first.Type)
	assert.Equal(t, task.ID, first.TaskID)
	assert.Equal(t, models.EndpointSubject, first.Endpoint)
	assert.Equal(t, "Judaism", first.Query)
	assert.Equal(t, "en", first.Language)
	assert.Equal(t, 1, first.Page)
	assert.Equal(t, overlapISBN, first.ISBN13)
	assert.Positive(t, first.RelevanceScore)
	assert.JSONEq(t, string(bookJSON(overlapISBN, "The Trial")), string(first.Book))

	var second models.RawBook
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "9780805211283", second.ISBN13)
}

func TestRunPublisherFallsBackToSearch(t *testing.T) {
	h := newHarness(t, func(_ context.Context, req models.PageRequest) (*catalog.Page, error) {
		if req.Endpoint == models.EndpointPublisher {
			return nil, &catalog.ClientError{Status: http.StatusNotFound, Message: "Not Found"}
		}
		return page(bookJSON(overlapISBN, "The Trial")), nil
	})

	c := h.coordinator(t, Options{})
	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyPublisherSeed, "Schocken", "")}, checkpoint.NewState())
	require.NoError(t, err)

	out := result.Outcomes[0]
	assert.Equal(t, models.TaskCompleted, out.State)
	assert.True(t, out.Fallback)
	assert.Equal(t, 1, out.Accepted)
	assert.Equal(t, []string{"publisher:Schocken", "search:Schocken"}, h.fetcher.terms())
	assert.Contains(t, h.eventTypes(t), checkpoint.EventTaskFallback)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.FallbacksTotal))
}

func TestRunUnauthorizedDoesNotFallBack(t *testing.T) {
	h := newHarness(t, func(context.Context, models.PageRequest) (*catalog.Page, error) {
		return nil, &catalog.ClientError{Status: http.StatusUnauthorized}
	})

	c := h.coordinator(t, Options{})
	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategySubjectSeed, "Judaism", "")}, checkpoint.NewState())
	require.NoError(t, err)

	out := result.Outcomes[0]
	assert.Equal(t, models.TaskCompleted, out.State)
	assert.False(t, out.Fallback)
	assert.Error(t, out.Err)
	assert.Equal(t, []string{"subject:Judaism"}, h.fetcher.terms())
}

func TestRunConsecutivePageFailuresFailTask(t *testing.T) {
	h := newHarness(t, func(context.Context, models.PageRequest) (*catalog.Page, error) {
		return nil, &catalog.RetryError{Attempts: 3, Last: errors.New("status 503")}
	})

	c := h.coordinator(t, Options{MaxPageFailures: 2})
	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "alpha", "")}, checkpoint.NewState())
	require.NoError(t, err)

	assert.Equal(t, models.TaskFailed, result.Outcomes[0].State)
	assert.Equal(t, 2, result.PageErrors)
	assert.Len(t, h.fetcher.terms(), 2)
	assert.Empty(t, h.state(t).CompletedTasks)
}

func TestRunSkippedPageKeepsPaging(t *testing.T) {
	h := newHarness(t, func(_ context.Context, req models.PageRequest) (*catalog.Page, error) {
		switch req.Page {
		case 1:
			return page(bookJSON("9780000000101", "First Page"), bookJSON("9780000000102", "First Page")), nil
		case 2:
			return nil, &catalog.RetryError{Attempts: 2, Last: errors.New("status 502")}
		default:
			return page(bookJSON("9780000000301", "Last Page")), nil
		}
	})

	c := h.coordinator(t, Options{PageSize: 2})
	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "alpha", "")}, checkpoint.NewState())
	require.NoError(t, err)

	out := result.Outcomes[0]
	assert.Equal(t, models.TaskCompleted, out.State)
	assert.Equal(t, 2, out.Pages)
	assert.Equal(t, 3, out.Accepted)
	assert.Equal(t, 1, result.PageErrors)
}

func TestRunHonoursMaxPerTaskAndDryRun(t *testing.T) {
	next := 0
	fn := func(_ context.Context, req models.PageRequest) (*catalog.Page, error) {
		books := make([]json.RawMessage, 0, req.PageSize)
		for i := 0; i < req.PageSize; i++ {
			next++
			books = append(books, bookJSON(fmt.Sprintf("9781%09d", next), "Jewish Humor"))
		}
		return page(books...), nil
	}

	h := newHarness(t, fn)
	c := h.coordinator(t, Options{PageSize: 5, MaxPerTask: 12})
	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "alpha", "")}, checkpoint.NewState())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Outcomes[0].Pages)
	assert.Equal(t, 15, result.Outcomes[0].Seen)

	h = newHarness(t, fn)
	c = h.coordinator(t, Options{PageSize: 5, DryRun: true})
	result, err = c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "alpha", "")}, checkpoint.NewState())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[0].Pages)
}

func TestRunStartsAtTaskStartPage(t *testing.T) {
	h := newHarness(t, func(context.Context, models.PageRequest) (*catalog.Page, error) {
		return page(), nil
	})
	task := newTask(models.StrategyBaseQuery, "alpha", "he")
	task.StartPage = 4

	c := h.coordinator(t, Options{})
	_, err := c.Run(context.Background(), []models.Task{task}, checkpoint.NewState())
	require.NoError(t, err)

	require.Len(t, h.fetcher.calls, 1)
	assert.Equal(t, 4, h.fetcher.calls[0].Page)
	assert.Equal(t, "he", h.fetcher.calls[0].Language)
}

func TestRunParentCancelStopsGracefully(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(context.Context, models.PageRequest) (*catalog.Page, error) {
		cancel()
		return nil, fmt.Errorf("%w: %w", catalog.ErrStopped, context.Canceled)
	})

	c := h.coordinator(t, Options{})
	result, err := c.Run(ctx, []models.Task{
		newTask(models.StrategyBaseQuery, "alpha", ""),
		newTask(models.StrategyBaseQuery, "beta", ""),
	}, checkpoint.NewState())
	require.NoError(t, err)

	assert.Equal(t, "cancelled", result.StopReason)
	assert.Equal(t, models.TaskStopped, result.Outcomes[0].State)
	assert.Equal(t, models.TaskPending, result.Outcomes[1].State)
}

func TestRunMaxRuntime(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ models.PageRequest) (*catalog.Page, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", catalog.ErrStopped, ctx.Err())
	})

	c := h.coordinator(t, Options{MaxRuntime: 20 * time.Millisecond})
	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "alpha", "")}, checkpoint.NewState())
	require.NoError(t, err)
	assert.Equal(t, "max_runtime", result.StopReason)
	assert.Equal(t, models.TaskStopped, result.Outcomes[0].State)
}

type failingAppender struct {
	after int
	n     int
	mu    sync.Mutex
}

func (f *failingAppender) Append(checkpoint.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.n > f.after {
		return errors.New("disk full")
	}
	return nil
}

func TestRunCheckpointFailureIsFatal(t *testing.T) {
	fetcher := &recordingFetcher{fn: func(context.Context, models.PageRequest) (*catalog.Page, error) {
		return page(bookJSON(overlapISBN, "The Trial")), nil
	}}
	c, err := New(Deps{
		Fetcher:    fetcher,
		Store:      dedup.NewMemoryStore(),
		Scorer:     scoring.NewScorer(scoring.DefaultWeights()),
		Checkpoint: &failingAppender{after: 2},
		Pipeline:   pipeline.NewPipeline(context.Background(), nil, nil),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{})
	require.NoError(t, err)

	result, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "alpha", "")}, checkpoint.NewState())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, "fatal_error", result.StopReason)
	assert.Equal(t, models.TaskAborted, result.Outcomes[0].State)
}

func TestRunWritesSnapshots(t *testing.T) {
	var snapshot string
	h := newHarness(t, func(_ context.Context, req models.PageRequest) (*catalog.Page, error) {
		if req.Page == 1 {
			return page(bookJSON(overlapISBN, "The Trial"), bookJSON("9780000000002", "Jewish Humor")), nil
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(snapshot); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		return page(), nil
	})
	snapshot = filepath.Join(h.dir, "out", "snapshot.jsonl")

	c := h.coordinator(t, Options{
		PageSize:         2,
		SnapshotInterval: 10 * time.Millisecond,
		SnapshotPath:     snapshot,
		SnapshotFormat:   pipeline.FormatJSON,
	})
	_, err := c.Run(context.Background(), []models.Task{newTask(models.StrategyBaseQuery, "kafka", "")}, checkpoint.NewState())
	require.NoError(t, err)

	data, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	assert.Contains(t, string(data), overlapISBN)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(string(data)), "\n")+1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.SnapshotsTotal), float64(1))
}

func TestRunThroughCatalogClientAndRedis(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, `=~^http://catalog\.test/publisher/`,
		httpmock.NewStringResponder(http.StatusNotFound, `{"errorMessage":"Not Found"}`))
	mock.RegisterResponder(http.MethodGet, `=~^http://catalog\.test/books/`,
		func(req *http.Request) (*http.Response, error) {
			body := map[string]any{
				"total": 2,
				"books": []json.RawMessage{bookJSON(overlapISBN, "The Trial"), bookJSON("9780000000002", "Jewish Humor")},
			}
			return httpmock.NewJsonResponse(http.StatusOK, body)
		})

	httpClient := &http.Client{Transport: mock}
	raw := catalog.DoerFunc(func(ctx context.Context, req *catalog.Request) (*catalog.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header = req.Header
		resp, err := httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &catalog.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	})
	doer := catalog.WithRetry(raw, catalog.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, nil)
	client, err := catalog.NewClient(catalog.ClientConfig{BaseURL: "http://catalog.test", APIKey: "k"}, doer)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := dedup.NewRedisStore(rdb, "itest", 16)
	require.NoError(t, err)

	p := pipeline.NewPipeline(context.Background(), nil, nil)
	c, err := New(Deps{
		Fetcher:  client,
		Store:    store,
		Scorer:   scoring.NewScorer(scoring.DefaultWeights()),
		Pipeline: p,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{Concurrency: 2, PageSize: 10})
	require.NoError(t, err)

	result, err := c.Run(context.Background(), []models.Task{
		newTask(models.StrategyPublisherSeed, "Schocken", ""),
		newTask(models.StrategyBaseQuery, "kafka", ""),
	}, checkpoint.NewState())
	require.NoError(t, err)

	assert.Equal(t, 2, result.CountByState()[models.TaskCompleted])
	assert.True(t, result.Outcomes[0].Fallback)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 2, result.Duplicates)
	assert.Equal(t, 2, p.Len())

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists(store.Key()))
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "completed", stopReason(nil))
	assert.Equal(t, "stop_file", stopReason(ErrStopFile))
	assert.Equal(t, "max_runtime", stopReason(ErrMaxRuntime))
	assert.Equal(t, "quota_exhausted", stopReason(fmt.Errorf("%w: %w", ErrAborted, &catalog.QuotaError{Message: "limit"})))
	assert.Equal(t, "fatal_error", stopReason(fmt.Errorf("%w: disk full", ErrAborted)))
	assert.Equal(t, "cancelled", stopReason(context.Canceled))
}

func TestStopWatcherSeesMarkerCreatedLater(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "STOP")
	w := &stopWatcher{path: marker, poll: 20 * time.Millisecond, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fired := make(chan struct{})
	go w.watch(ctx, func() { close(fired) })

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("stop watcher did not fire")
	}
}
