package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roperkevin/jewishbooks/catalog"
	"github.com/roperkevin/jewishbooks/checkpoint"
	"github.com/roperkevin/jewishbooks/dedup"
	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/parser"
	"github.com/roperkevin/jewishbooks/ratelimit"
)

func errorsIsQuota(err error) bool {
	return errors.Is(err, catalog.ErrQuotaExhausted)
}

func isStopped(ctx context.Context, err error) bool {
	return errors.Is(err, catalog.ErrStopped) ||
		errors.Is(err, ratelimit.ErrStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

// canFallback reports whether a client error on a seed endpoint should be
// retried as a plain search. Rejected credentials fail the same way on
// every endpoint.
func canFallback(endpoint models.Endpoint, err error) bool {
	if endpoint == models.EndpointSearch {
		return false
	}
	var ce *catalog.ClientError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Status != http.StatusUnauthorized && ce.Status != http.StatusForbidden
}

// runTask pages through one task until it runs dry, hits its cap or the run
// stops. Only Completed tasks are journaled as done.
func (c *Coordinator) runTask(ctx context.Context, task models.Task) models.TaskOutcome {
	out := models.TaskOutcome{Task: task, State: models.TaskRunning}
	logger := c.logger.With(
		slog.String("task_id", task.ID),
		slog.String("strategy", string(task.Strategy)),
		slog.String("query", task.Query.Term()),
	)

	if err := c.record(checkpoint.ForTask(checkpoint.EventTaskStarted, task)); err != nil {
		return c.fatalOutcome(out, err)
	}

	endpoint := task.Endpoint()
	failures := 0
	page := task.FirstPage()

	for out.Seen < c.opts.MaxPerTask {
		if ctx.Err() != nil {
			out.State = models.TaskStopped
			return out
		}
		if markerPresent(c.opts.StopFile) {
			c.cancel(ErrStopFile)
			out.State = models.TaskStopped
			return out
		}

		req := models.PageRequest{
			TaskID:   task.ID,
			Endpoint: endpoint,
			Term:     task.Query.Term(),
			Page:     page,
			PageSize: c.opts.PageSize,
			Language: task.Language,
		}
		c.requests.Add(1)
		result, err := c.fetcher.FetchPage(ctx, req)
		if err != nil {
			switch {
			case errorsIsQuota(err):
				ev := checkpoint.ForTask(checkpoint.EventQuotaExhausted, task)
				ev.Endpoint, ev.Page, ev.Error = endpoint, page, err.Error()
				if recErr := c.record(ev); recErr != nil {
					logger.Error("failed to journal quota exhaustion", slog.Any("error", recErr))
				}
				logger.Error("quota exhausted, aborting run", slog.Any("error", err))
				c.abort(err)
				out.State = models.TaskAborted
				out.Err = err
				return out

			case isStopped(ctx, err):
				out.State = models.TaskStopped
				return out

			case !out.Fallback && canFallback(endpoint, err):
				ev := checkpoint.ForTask(checkpoint.EventTaskFallback, task)
				ev.Endpoint, ev.Page, ev.Error = models.EndpointSearch, page, err.Error()
				if recErr := c.record(ev); recErr != nil {
					return c.fatalOutcome(out, recErr)
				}
				logger.Info("falling back to search", slog.String("from", string(endpoint)), slog.Any("error", err))
				c.metrics.incFallback()
				endpoint = models.EndpointSearch
				out.Fallback = true
				continue
			}

			var ce *catalog.ClientError
			if errors.As(err, &ce) {
				ev := checkpoint.ForTask(checkpoint.EventTaskError, task)
				ev.Endpoint, ev.Page, ev.Error, ev.Reason = endpoint, page, err.Error(), "client_error"
				if recErr := c.record(ev); recErr != nil {
					return c.fatalOutcome(out, recErr)
				}
				logger.Warn("client error ends task early", slog.Int("page", page), slog.Any("error", err))
				out.Err = err
				return c.completeTask(out, endpoint)
			}

			failures++
			c.pageErrors.Add(1)
			c.metrics.incPageError()
			ev := checkpoint.ForTask(checkpoint.EventTaskError, task)
			ev.Endpoint, ev.Page, ev.Error, ev.Reason = endpoint, page, err.Error(), "page_failed"
			if recErr := c.record(ev); recErr != nil {
				return c.fatalOutcome(out, recErr)
			}
			logger.Warn("page failed, skipping",
				slog.Int("page", page), slog.Int("consecutive_failures", failures), slog.Any("error", err))
			if failures >= c.opts.MaxPageFailures {
				out.State = models.TaskFailed
				out.Err = err
				return out
			}
			page++
			continue
		}

		failures = 0
		out.Pages++
		c.metrics.incPage()

		if len(result.Books) == 0 {
			break
		}

		stats, err := c.processPage(ctx, task, endpoint, page, result.Books)
		out.Seen += stats.seen
		out.Accepted += stats.accepted
		out.Duplicates += stats.duplicates
		if err != nil {
			return c.fatalOutcome(out, err)
		}

		ev := checkpoint.ForTask(checkpoint.EventTaskPageDone, task)
		ev.Endpoint, ev.Page, ev.Seen, ev.Accepted = endpoint, page, stats.seen, stats.accepted
		if err := c.record(ev); err != nil {
			return c.fatalOutcome(out, err)
		}
		logger.Debug("page done",
			slog.Int("page", page),
			slog.Int("books", len(result.Books)),
			slog.Int("accepted", stats.accepted),
			slog.Int("duplicates", stats.duplicates),
		)

		if len(result.Books) < c.opts.PageSize || c.opts.DryRun {
			break
		}
		page++
	}

	return c.completeTask(out, endpoint)
}

func (c *Coordinator) completeTask(out models.TaskOutcome, endpoint models.Endpoint) models.TaskOutcome {
	ev := checkpoint.ForTask(checkpoint.EventTaskCompleted, out.Task)
	ev.Endpoint, ev.Seen, ev.Accepted = endpoint, out.Seen, out.Accepted
	if err := c.record(ev); err != nil {
		return c.fatalOutcome(out, err)
	}
	out.State = models.TaskCompleted
	return out
}

func (c *Coordinator) fatalOutcome(out models.TaskOutcome, err error) models.TaskOutcome {
	c.logger.Error("fatal harvest error", slog.String("task_id", out.Task.ID), slog.Any("error", err))
	c.abort(err)
	out.State = models.TaskAborted
	out.Err = err
	return out
}

type pageStats struct {
	seen       int
	accepted   int
	duplicates int
}

// processPage turns one page of raw books into accepted records. The
// returned error is run-fatal; per-item problems are counted as rejections.
func (c *Coordinator) processPage(ctx context.Context, task models.Task, endpoint models.Endpoint, page int, books []json.RawMessage) (stats pageStats, err error) {
	defer func() {
		c.mu.Lock()
		c.seen += stats.seen
		c.accepted += stats.accepted
		c.duplicates += stats.duplicates
		c.mu.Unlock()
	}()
	// A graceful stop must not turn an in-flight dedup write into a failure.
	dctx := context.WithoutCancel(ctx)

	for _, raw := range books {
		stats.seen++
		c.metrics.addSeen(1)

		rec, err := parser.ParseBook(raw)
		if err != nil {
			c.reject("parse")
			continue
		}
		if err := parser.ValidateRecord(&rec); err != nil {
			switch {
			case errors.Is(err, parser.ErrMissingISBN):
				c.reject("missing_isbn")
			case errors.Is(err, parser.ErrShortTitle):
				c.reject("short_title")
			default:
				c.reject("invalid")
			}
			continue
		}

		isbn, err := dedup.Canonical(rec.ISBN13)
		if err != nil {
			c.reject("invalid_isbn")
			continue
		}
		rec.ISBN13 = isbn
		source := models.SourceLabel(task.Strategy, task.Query.Term())

		scored := c.scorer.Score(rec)
		if c.raw != nil {
			if err := c.raw.Append(rawBook(task, endpoint, page, scored, raw)); err != nil {
				return stats, fmt.Errorf("raw dump %s: %w", isbn, err)
			}
		}

		ok, err := c.store.TryAccept(dctx, isbn)
		if err != nil {
			if errors.Is(err, dedup.ErrInvalidISBN) {
				c.reject("invalid_isbn")
				continue
			}
			return stats, fmt.Errorf("dedup %s: %w", isbn, err)
		}
		if !ok {
			stats.duplicates++
			c.metrics.incDuplicate()
			if c.pipeline.Sighting(isbn, source) {
				ev := checkpoint.ForTask(checkpoint.EventRecordSeen, task)
				ev.Endpoint, ev.Page, ev.ISBN = endpoint, page, isbn
				if err := c.record(ev); err != nil {
					return stats, err
				}
			}
			continue
		}

		scored.TaskID = task.ID
		scored.Strategy = task.Strategy
		scored.Query = task.Query.Term()
		scored.Page = page
		scored.DiscoveredAt = c.now().UTC()
		scored.SeenCount = 1
		scored.Sources = []string{source}

		ev := checkpoint.ForTask(checkpoint.EventRecordAccepted, task)
		ev.Endpoint, ev.Page, ev.ISBN, ev.Record = endpoint, page, isbn, &scored
		if err := c.record(ev); err != nil {
			return stats, err
		}
		if err := c.pipeline.Process(&scored); err != nil {
			return stats, fmt.Errorf("output %s: %w", isbn, err)
		}
		stats.accepted++
		c.metrics.incAccepted()
	}

	return stats, nil
}

func rawBook(task models.Task, endpoint models.Endpoint, page int, scored models.ScoredRecord, book json.RawMessage) models.RawBook {
	return models.RawBook{
		Type:           "raw_book",
		TaskID:         task.ID,
		Strategy:       task.Strategy,
		Endpoint:       endpoint,
		Query:          task.Query.Term(),
		Language:       task.Language,
		Page:           page,
		ISBN13:         scored.ISBN13,
		ISBN10:         scored.ISBN10,
		RelevanceScore: scored.RelevanceScore,
		RankScore:      scored.RankScore,
		MatchedTerms:   scored.MatchedTerms,
		Book:           book,
	}
}

func (c *Coordinator) reject(reason string) {
	c.mu.Lock()
	c.rejected[reason]++
	c.mu.Unlock()
	c.metrics.incRejected(reason)
}
