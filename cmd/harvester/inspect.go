package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roperkevin/jewishbooks/checkpoint"
	"github.com/roperkevin/jewishbooks/config"
	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/tasks"
)

func newStateCmd(root *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Summarise a checkpoint journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.CheckpointPath
			}
			state, stats, err := checkpoint.LoadState(path)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), path, state, stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "checkpoint", "", "Checkpoint journal (defaults to the configured path)")
	return cmd
}

func printState(w io.Writer, path string, state checkpoint.State, stats checkpoint.ReplayStats) {
	fmt.Fprintf(w, "Checkpoint:       %s\n", path)
	fmt.Fprintf(w, "  Runs:           %d\n", state.Runs)
	fmt.Fprintf(w, "  Completed tasks: %d\n", len(state.CompletedTasks))
	fmt.Fprintf(w, "  Accepted ISBNs: %d\n", len(state.AcceptedISBNs))
	fmt.Fprintf(w, "  Quota hits:     %d\n", state.QuotaHits)
	if state.LastStopReason != "" {
		fmt.Fprintf(w, "  Last stop:      %s\n", state.LastStopReason)
	}
	fmt.Fprintf(w, "  Lines:          %d (events %d, blank %d, malformed %d, unknown %d)\n",
		stats.Lines, stats.Events, stats.Blank, stats.Malformed, stats.Unknown)
}

func newTasksCmd(root *rootOptions) *cobra.Command {
	var (
		pendingOnly bool
		quiet       bool
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks a run would dispatch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			list, err := buildTasks(cfg)
			if err != nil {
				return err
			}
			skipped := 0
			if pendingOnly {
				state, _, err := checkpoint.LoadState(cfg.CheckpointPath)
				if err != nil {
					return err
				}
				list, skipped = tasks.Pending(list, state.IsCompleted)
			}

			out := cmd.OutOrStdout()
			if !quiet {
				for _, t := range list {
					fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%d\n", t.ID[:12], t.Strategy, t.Query.Term(), t.Language, t.FirstPage())
				}
			}
			printTaskSummary(out, list, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Drop tasks already completed in the checkpoint")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the per-strategy summary")
	return cmd
}

func printTaskSummary(w io.Writer, list []models.Task, skipped int) {
	summary := tasks.Summary(list)
	strategies := make([]string, 0, len(summary))
	for s := range summary {
		strategies = append(strategies, string(s))
	}
	sort.Strings(strategies)

	fmt.Fprintf(w, "Tasks: %d", len(list))
	if skipped > 0 {
		fmt.Fprintf(w, " (%d already completed)", skipped)
	}
	fmt.Fprintln(w)
	for _, s := range strategies {
		fmt.Fprintf(w, "  %-16s %d\n", s, summary[models.Strategy(s)])
	}
}

func buildTasks(cfg *config.Config) ([]models.Task, error) {
	if cfg.TasksFile == "" {
		return nil, fmt.Errorf("tasks file is required (tasks_file or HARVEST_TASKS_FILE)")
	}
	f, err := tasks.LoadFile(cfg.TasksFile)
	if err != nil {
		return nil, err
	}
	return tasks.Build(f, tasks.Options{
		Groups:           cfg.Groups,
		Limit:            cfg.TaskLimit,
		Shuffle:          cfg.Shuffle,
		Seed:             cfg.Seed,
		Languages:        cfg.Languages,
		FictionOnly:      cfg.FictionOnly,
		StartIndexJitter: cfg.StartIndexJitter,
		PageSize:         cfg.PageSize,
	})
}
