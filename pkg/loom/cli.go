package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/activity"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/dispatcher"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/replay"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/worker"
)

// NewCLI builds the root `loom` command (spec §6.2): `init`, `worker`,
// `list`, `inspect`, `stats`, `clean`. register is called once per command,
// after config is loaded and the Store is opened, to populate the Engine's
// Definition Registry with the caller's workflows and activities — loom
// has no dynamic plugin loading, so the binary embedding this CLI is the
// one place registration can happen (grounded on the teacher's
// cmd/conductor main(), trimmed of its interactive-agent command tree per
// spec §1's CLI-is-an-external-collaborator non-goal).
func NewCLI(version string, register func(*Engine) error) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "loom",
		Short:         "loom is a durable workflow orchestration engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: XDG config dir)")

	loadEngine := func(ctx context.Context) (*Engine, store.Store, *config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, nil, err
		}
		logger := log.New(log.FromEnv())
		st, err := store.Open(ctx, cfg.Backend)
		if err != nil {
			return nil, nil, nil, err
		}
		eng := New(st, logger)
		if register != nil {
			if err := register(eng); err != nil {
				st.Close()
				return nil, nil, nil, err
			}
		}
		return eng, st, cfg, nil
	}

	root.AddCommand(newInitCommand(&configPath))
	root.AddCommand(newWorkerCommand(loadEngine))
	root.AddCommand(newListCommand(loadEngine))
	root.AddCommand(newInspectCommand(loadEngine))
	root.AddCommand(newStatsCommand(loadEngine))
	root.AddCommand(newCleanCommand(loadEngine))
	return root
}

func newInitCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the store's tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Backend)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s store\n", cfg.Backend.Type)
			return nil
		},
	}
}

func newWorkerCommand(loadEngine func(context.Context) (*Engine, store.Store, *config.Config, error)) *cobra.Command {
	var (
		workers      int
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool, claiming and dispatching tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, st, cfg, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := eng.logger
			re := replay.New(st, eng.registry, logger)
			ax := activity.New(st, eng.registry, logger)
			disp := dispatcher.New(st, re, ax, logger)

			if workers <= 0 {
				workers = cfg.Worker.Count
			}
			if pollInterval <= 0 {
				pollInterval = cfg.Worker.PollInterval
			}
			poolCfg := worker.Config{
				Count:            workers,
				PollInterval:     pollInterval,
				ShutdownDeadline: cfg.Worker.ShutdownDeadline,
			}

			if cfg.Worker.MetricsAddr != "" {
				go func() {
					if err := http.ListenAndServe(cfg.Worker.MetricsAddr, metrics.Handler()); err != nil {
						logger.Error("metrics server stopped", "error", err)
					}
				}()
			}

			pool := worker.New(st, disp, poolCfg, logger)
			return pool.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent drivers (default: config/4)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "claim-poll interval (default: config/500ms)")
	return cmd
}

func newListCommand(loadEngine func(context.Context) (*Engine, store.Store, *config.Config, error)) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			wfs, err := st.ListWorkflows(cmd.Context(), store.WorkflowFilter{
				Status: store.WorkflowStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCREATED\tUPDATED")
			for _, wf := range wfs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					wf.ID, wf.Name, wf.Status, wf.CreatedAt.Format(time.RFC3339), wf.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (RUNNING|COMPLETED|FAILED|CANCELED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	return cmd
}

func newInspectCommand(loadEngine func(context.Context) (*Engine, store.Store, *config.Config, error)) *cobra.Command {
	var showEvents bool
	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show a workflow's metadata, and optionally its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			wf, err := st.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(wf); err != nil {
				return err
			}
			if !showEvents {
				return nil
			}
			events, err := st.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return enc.Encode(events)
		},
	}
	cmd.Flags().BoolVar(&showEvents, "events", false, "also print the full event log")
	return cmd
}

func newStatsCommand(loadEngine func(context.Context) (*Engine, store.Store, *config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate workflow counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			counts := map[store.WorkflowStatus]int{}
			for _, status := range []store.WorkflowStatus{
				store.StatusRunning, store.StatusCompleted, store.StatusFailed, store.StatusCanceled,
			} {
				wfs, err := st.ListWorkflows(cmd.Context(), store.WorkflowFilter{Status: status, Limit: 0})
				if err != nil {
					return err
				}
				counts[status] = len(wfs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS\tCOUNT")
			for _, status := range []store.WorkflowStatus{
				store.StatusRunning, store.StatusCompleted, store.StatusFailed, store.StatusCanceled,
			} {
				fmt.Fprintf(tw, "%s\t%d\n", status, counts[status])
			}
			return tw.Flush()
		},
	}
}

func newCleanCommand(loadEngine func(context.Context) (*Engine, store.Store, *config.Config, error)) *cobra.Command {
	var (
		force          bool
		noBackup       bool
		requeueOrphans bool
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Repair operational issues: orphaned drivers, stuck tasks",
		Long: `clean performs operational repairs against the store.

--requeue-orphans recreates a STEP task for any RUNNING workflow whose
driver task was lost (e.g. a hand-edited store),
grounded on the original implementation's recreate_workflow_task.
RecreateDriver is a no-op for workflows that already have an active STEP
task, so this is safe to run against a healthy store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				fmt.Fprintln(cmd.OutOrStdout(), "pass --force to apply repairs")
				return nil
			}
			_, st, cfg, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if !requeueOrphans {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to do (pass --requeue-orphans)")
				return nil
			}

			if !noBackup {
				switch {
				case cfg.Backend.Type != "postgres" && cfg.Backend.SQLitePath != "":
					backupPath, err := backupSQLiteFile(cfg.Backend.SQLitePath)
					if err != nil {
						return fmt.Errorf("backing up store before repair: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "backed up %s to %s\n", cfg.Backend.SQLitePath, backupPath)
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "no file-based store to back up (postgres backend); pass --no-backup to silence this")
				}
			}

			running, err := st.ListWorkflows(cmd.Context(), store.WorkflowFilter{Status: store.StatusRunning})
			if err != nil {
				return err
			}
			repaired := 0
			for _, wf := range running {
				inserted, err := st.RecreateDriver(cmd.Context(), wf.ID)
				if err != nil {
					fmt.Fprintf(os.Stderr, "requeue %s: %v\n", wf.ID, err)
					continue
				}
				if inserted {
					repaired++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recreated driver tasks for %d workflow(s)\n", repaired)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "actually apply repairs")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the pre-repair store backup (sqlite only)")
	cmd.Flags().BoolVar(&requeueOrphans, "requeue-orphans", false, "recreate driver tasks for RUNNING workflows missing one")
	return cmd
}

// backupSQLiteFile copies the sqlite database file at path to a sibling
// "<path>.bak-<unix-timestamp>" file before clean applies repairs.
func backupSQLiteFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.bak-%d", path, time.Now().Unix())
	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return backupPath, nil
}
