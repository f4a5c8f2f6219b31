package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/roperkevin/jewishbooks/config"
)

// exitCodeQuota tells wrapper scripts the catalog quota ran out and a later
// --resume run will pick up where this one stopped.
const exitCodeQuota = 2

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvest Jewish-interest book records from the ISBNdb catalog",
		Long: `harvester pages through publisher, subject and keyword queries against
the ISBNdb catalog, deduplicates by ISBN-13, scores each record for
relevance and writes a ranked CSV or JSONL file.

Runs are journaled to an append-only checkpoint so an interrupted or
quota-limited run continues with --resume.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd(opts), newStateCmd(opts), newTasksCmd(opts))
	return cmd
}

// loadConfig applies defaults, the config file and the environment.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	}

	if f, ok := w.(*os.File); ok && isTerminal(f) {
		cl := charmlog.NewWithOptions(w, charmlog.Options{ReportTimestamp: true})
		if verbose {
			cl.SetLevel(charmlog.DebugLevel)
		}
		return slog.New(cl)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
