package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roperkevin/jewishbooks/catalog"
	"github.com/roperkevin/jewishbooks/checkpoint"
	"github.com/roperkevin/jewishbooks/config"
	"github.com/roperkevin/jewishbooks/dedup"
	"github.com/roperkevin/jewishbooks/harvest"
	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/pipeline"
	"github.com/roperkevin/jewishbooks/ratelimit"
	"github.com/roperkevin/jewishbooks/scoring"
)

type runFlags struct {
	tasksFile   string
	output      string
	format      string
	rawFile     string
	checkpoint  string
	resume      bool
	redisURL    string
	metricsAddr string
	concurrency int
	rate        float64
	limit       int
	groups      []string
	languages   []string
	fictionOnly bool
	shuffle     bool
	seed        uint64
	maxRuntime  time.Duration
	dryRun      bool
	minScore    int
}

func newRunCmd(root *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvest records into the output file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := newLogger(os.Stderr, cfg.Verbose)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Info("shutdown signal received, finishing in-flight pages")
			}()

			result, err := runHarvest(ctx, cfg, logger)
			if result != nil {
				printSummary(cmd.OutOrStdout(), result, cfg.OutputFile)
			}
			if err != nil {
				if errors.Is(err, catalog.ErrQuotaExhausted) {
					return &exitError{code: exitCodeQuota, err: err}
				}
				return err
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.tasksFile, "tasks", "t", "", "YAML task file")
	fl.StringVarP(&f.output, "output", "o", "", "Output file path")
	fl.StringVar(&f.format, "format", "", "Output format: csv, json, or dual")
	fl.StringVar(&f.rawFile, "raw-jsonl", "", "Append every valid catalog candidate to this JSONL file")
	fl.StringVar(&f.checkpoint, "checkpoint", "", "Checkpoint journal path")
	fl.BoolVar(&f.resume, "resume", false, "Resume from the checkpoint journal")
	fl.StringVar(&f.redisURL, "redis-url", "", "Redis URL for a shared dedup set (redis://host:6379/0)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	fl.IntVarP(&f.concurrency, "concurrency", "p", 0, "Number of concurrent tasks")
	fl.Float64Var(&f.rate, "rate", 0, "Catalog requests per second")
	fl.IntVar(&f.limit, "limit", 0, "Maximum number of tasks")
	fl.StringSliceVar(&f.groups, "groups", nil, "Task groups to run (alpha, intent, publisher, subject, fiction, children)")
	fl.StringSliceVar(&f.languages, "languages", nil, "Language codes, one task per language")
	fl.BoolVar(&f.fictionOnly, "fiction-only", false, "Include fiction queries")
	fl.BoolVar(&f.shuffle, "shuffle", false, "Shuffle task order")
	fl.Uint64Var(&f.seed, "seed", 0, "Seed for shuffle and start-page jitter")
	fl.DurationVar(&f.maxRuntime, "max-runtime", 0, "Stop gracefully after this long")
	fl.BoolVar(&f.dryRun, "dry-run", false, "Fetch only the first page of each task")
	fl.IntVar(&f.minScore, "min-score", 0, "Relevance score a record needs to be marked accepted")
	return cmd
}

// apply overlays flags the user set explicitly.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("tasks") {
		cfg.TasksFile = f.tasksFile
	}
	if changed("output") {
		cfg.OutputFile = f.output
	}
	if changed("format") {
		cfg.OutputFormat = strings.ToLower(f.format)
	}
	if changed("raw-jsonl") {
		cfg.RawFile = f.rawFile
	}
	if changed("checkpoint") {
		cfg.CheckpointPath = f.checkpoint
	}
	if changed("resume") {
		cfg.Resume = f.resume
	}
	if changed("redis-url") {
		cfg.RedisURL = f.redisURL
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("concurrency") {
		cfg.Parallelism = f.concurrency
	}
	if changed("rate") {
		cfg.Rate = f.rate
	}
	if changed("limit") {
		cfg.TaskLimit = f.limit
	}
	if changed("groups") {
		cfg.Groups = f.groups
	}
	if changed("languages") {
		cfg.Languages = f.languages
	}
	if changed("fiction-only") {
		cfg.FictionOnly = f.fictionOnly
	}
	if changed("shuffle") {
		cfg.Shuffle = f.shuffle
	}
	if changed("seed") {
		cfg.Seed = f.seed
	}
	if changed("max-runtime") {
		cfg.MaxRuntime = f.maxRuntime
	}
	if changed("dry-run") {
		cfg.DryRun = f.dryRun
	}
	if changed("min-score") {
		cfg.MinScore = f.minScore
	}
}

func runHarvest(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*models.HarvestResult, error) {
	taskList, err := buildTasks(cfg)
	if err != nil {
		return nil, err
	}

	state := checkpoint.NewState()
	if cfg.Resume {
		var stats checkpoint.ReplayStats
		state, stats, err = checkpoint.LoadState(cfg.CheckpointPath)
		if err != nil {
			return nil, err
		}
		logger.Info("checkpoint replayed",
			slog.String("path", cfg.CheckpointPath),
			slog.Int("completed_tasks", len(state.CompletedTasks)),
			slog.Int("accepted_isbns", len(state.AcceptedISBNs)),
			slog.Int("malformed_lines", stats.Malformed),
		)
	} else if cfg.CheckpointPath != "" {
		if err := os.Remove(cfg.CheckpointPath); err == nil {
			logger.Warn("fresh run, previous checkpoint discarded", slog.String("path", cfg.CheckpointPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reset checkpoint: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	catalogMetrics := catalog.NewMetricsWith(registry)
	harvestMetrics := harvest.NewMetricsWith(registry)

	client, err := newCatalogClient(cfg, logger, catalogMetrics)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := newDedupStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	if cfg.MinScore > 0 {
		cfg.Scoring.MinRelevance = cfg.MinScore
	}
	scorer := scoring.NewScorer(cfg.Scoring)

	var journal checkpoint.Appender = checkpoint.Discard
	if cfg.CheckpointPath != "" {
		cpLog, err := checkpoint.Open(cfg.CheckpointPath, checkpoint.Options{Sync: cfg.CheckpointSync})
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := cpLog.Close(); err != nil {
				logger.Error("close checkpoint", slog.Any("error", err))
			}
		}()
		journal = cpLog
	}

	var stream pipeline.OutputWriter
	if cfg.StreamFile != "" {
		stream, err = pipeline.NewWriter(cfg.OutputFormat, cfg.StreamFile)
		if err != nil {
			return nil, fmt.Errorf("creating stream writer: %w", err)
		}
	}
	var raw harvest.RawSink
	if cfg.RawFile != "" {
		rawWriter, err := pipeline.NewJSONWriter(cfg.RawFile)
		if err != nil {
			return nil, fmt.Errorf("creating raw dump: %w", err)
		}
		defer func() {
			if err := rawWriter.Close(); err != nil {
				logger.Error("close raw dump", slog.Any("error", err))
			}
		}()
		raw = rawWriter
	}

	// The pipeline outlives a cancelled run so the final batches still drain.
	p := pipeline.NewPipeline(context.WithoutCancel(ctx), stream, cfg)
	p.Start(cfg.Parallelism)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	metricsServer := serveMetrics(cfg.MetricsAddr, registry, logger)

	coord, err := harvest.New(harvest.Deps{
		Fetcher:    client,
		Store:      store,
		Scorer:     scorer,
		Checkpoint: journal,
		Pipeline:   p,
		Raw:        raw,
		Logger:     logger,
		Metrics:    harvestMetrics,
	}, harvest.Options{
		Concurrency:      cfg.Parallelism,
		PageSize:         cfg.PageSize,
		MaxPerTask:       cfg.MaxPerTask,
		MaxPageFailures:  cfg.MaxPageFailures,
		DryRun:           cfg.DryRun,
		StopFile:         cfg.StopFile,
		StopPollInterval: cfg.StopPollInterval,
		MaxRuntime:       cfg.MaxRuntime,
		SnapshotInterval: cfg.SnapshotInterval,
		SnapshotPath:     cfg.OutputFile,
		SnapshotFormat:   cfg.OutputFormat,
		ProgressInterval: cfg.ProgressInterval,
	})
	if err != nil {
		return nil, err
	}

	result, runErr := coord.Run(ctx, taskList, state)

	if err := p.Close(); err != nil {
		logger.Error("pipeline shutdown failed", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			logger.Error("close stream writer", slog.Any("error", err))
		} else if err := stream.Validate(); err != nil {
			logger.Error("stream validation failed", slog.Any("error", err))
		}
	}

	records := p.Records()
	pipeline.SortByRank(records)
	if err := pipeline.WriteSnapshot(cfg.OutputFile, cfg.OutputFormat, records); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("write output: %w", err))
	} else {
		logger.Info("output written", slog.String("path", cfg.OutputFile), slog.Int("records", len(records)))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}
	return result, runErr
}

func newCatalogClient(cfg *config.Config, logger *slog.Logger, metrics *catalog.Metrics) (*catalog.Client, error) {
	transport, err := catalog.NewTransport(catalog.TransportConfig{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
	}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("initialising transport: %w", err)
	}
	limiter := ratelimit.New(cfg.Rate, cfg.Burst)
	doer := catalog.WithRetry(
		catalog.WithRateLimit(transport, limiter, metrics),
		catalog.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBackoff,
			MaxDelay:   cfg.RetryBackoffMax,
			Jitter:     cfg.RetryJitter,
		},
		logger, metrics,
	)
	return catalog.NewClient(catalog.ClientConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		AuthHeader: cfg.AuthHeader,
		SearchMode: cfg.SearchMode,
	}, doer)
}

func newDedupStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dedup.Store, func(), error) {
	if cfg.RedisURL == "" {
		return dedup.NewMemoryStore(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Error("close redis", slog.Any("error", err))
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	store, err := dedup.NewRedisStore(client, cfg.RedisNamespace, cfg.DedupCacheSize)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	// The set must hold exactly what the checkpoint can replay. The
	// coordinator seeds it from the replayed state on resume.
	if err := store.Reset(ctx); err != nil {
		closeClient()
		return nil, nil, err
	}
	logger.Info("using redis dedup", slog.String("addr", opts.Addr), slog.String("key", store.Key()))
	return store, closeClient, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func printSummary(w io.Writer, result *models.HarvestResult, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintf(w, "Harvest %s\n", result.StopReason)

	counts := result.CountByState()
	fmt.Fprintf(w, "  Tasks:         %d completed, %d skipped, %d failed, %d stopped, %d pending\n",
		counts[models.TaskCompleted], counts[models.TaskSkipped], counts[models.TaskFailed],
		counts[models.TaskStopped]+counts[models.TaskAborted], counts[models.TaskPending])
	fmt.Fprintf(w, "  Requests:      %d\n", result.Requests)
	fmt.Fprintf(w, "  Page errors:   %d\n", result.PageErrors)
	fmt.Fprintf(w, "  Seen:          %d\n", result.Seen)
	fmt.Fprintf(w, "  Accepted:      %d\n", result.Accepted)
	fmt.Fprintf(w, "  Duplicates:    %d\n", result.Duplicates)
	if len(result.Rejected) > 0 {
		fmt.Fprintf(w, "  Rejected:      %v\n", result.Rejected)
	}
	duration := result.Duration()
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	if duration.Seconds() > 0 {
		fmt.Fprintf(w, "  Records/sec:   %.2f\n", float64(result.Accepted)/duration.Seconds())
	}
	fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	fmt.Fprintf(w, "  Run ID:        %s\n", result.RunID)
	fmt.Fprintln(w, separator)
}
