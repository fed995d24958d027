package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/allocator"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/eventbus"
	toolexec "github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/gate"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/server"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator server",
	RunE:  runServe,
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	bus := eventbus.New(cfg.Bus.SubscriberBuffer)
	reg := registry.New()
	alloc := allocator.New(reg, policyFromConfig(cfg.Allocator))
	gt := gate.New(cfg.Gate, scorerFromConfig(cfg.Gate))
	ex := executor.New(reg, alloc, gt, bus, db, cfg.Scheduler)

	if err := restoreState(ctx, db, ex, gt); err != nil {
		return err
	}

	srv := server.New(ex, reg, bus, cfg.Server)
	httpSrv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("coordinator listening", "addr", cfg.Server.Listen, "db", db.Path())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return ex.Run(ctx) })

	g.Go(func() error {
		return reg.RunSweep(ctx, cfg.Registry.SweepInterval, cfg.Registry.OfflineAfter())
	})

	g.Go(func() error {
		return runWorkerGauge(ctx, reg)
	})

	if cfgPath != "" {
		if _, err := config.Watch(cfgPath, func(fresh *config.Config) {
			alloc.SetPolicy(policyFromConfig(fresh.Allocator))
			gt.SetConfig(fresh.Gate)
			ex.SetSchedulerConfig(fresh.Scheduler)
			slog.Info("configuration reloaded", "path", cfgPath)
		}); err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// restoreState reloads non-terminal tasks and undecided checkpoints so
// a restart resumes where the previous process stopped.
func restoreState(ctx context.Context, db *store.DB, ex *executor.Executor, gt *gate.Gate) error {
	active, err := db.LoadActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading active tasks: %w", err)
	}
	for task, nodes := range active {
		if err := ex.Restore(task, nodes); err != nil {
			slog.Error("skipping unrecoverable task", "task_id", task.ID, "error", err)
		}
	}

	pending, err := db.PendingCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("loading pending checkpoints: %w", err)
	}
	for _, cp := range pending {
		gt.RestorePending(*cp)
		ex.RestoreCheckpoint(*cp)
	}

	if len(active) > 0 || len(pending) > 0 {
		slog.Info("state restored", "tasks", len(active), "pending_checkpoints", len(pending))
	}
	return nil
}

// policyFromConfig maps allocator settings onto a scoring policy.
func policyFromConfig(cfg config.AllocatorConfig) allocator.Policy {
	p := allocator.Policy{
		ToolMatchWeight:   cfg.ToolMatchWeight,
		ResourceWeight:    cfg.ResourceWeight,
		LoadBalanceWeight: cfg.LoadBalanceWeight,
		AffinityWeight:    cfg.AffinityWeight,
		RecentWindow:      cfg.RecentWindow,
	}
	if p.ToolMatchWeight == 0 && p.ResourceWeight == 0 && p.LoadBalanceWeight == 0 && p.AffinityWeight == 0 {
		return allocator.DefaultPolicy()
	}
	return p
}

// scorerFromConfig builds the evaluation scorer. The scorer command
// receives the subtask output on stdin and must print dimension scores
// as JSON on stdout. An empty command disables automatic evaluation.
func scorerFromConfig(cfg config.GateConfig) gate.Scorer {
	if cfg.ScorerCommand == "" {
		slog.Warn("no scorer command configured, automatic evaluation disabled")
		return nil
	}

	runner := toolexec.ExecRunner{}
	command := cfg.ScorerCommand
	return gate.ScorerFunc(func(ctx context.Context, node *models.Node) (models.DimensionScores, error) {
		scoreCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()

		out, err := runner.Run(scoreCtx, "", node.Output, command)
		if err != nil {
			return models.DimensionScores{}, err
		}
		var scores models.DimensionScores
		if err := json.Unmarshal([]byte(out), &scores); err != nil {
			return models.DimensionScores{}, fmt.Errorf("parsing scorer output: %w", err)
		}
		return scores, nil
	})
}

// runWorkerGauge refreshes the worker fleet gauge every few seconds.
func runWorkerGauge(ctx context.Context, reg *registry.Registry) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	statuses := []models.WorkerStatus{
		models.WorkerStatusRegistering, models.WorkerStatusIdle,
		models.WorkerStatusBusy, models.WorkerStatusOffline,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			counts := make(map[models.WorkerStatus]int)
			for _, w := range reg.List() {
				counts[w.Status]++
			}
			for _, st := range statuses {
				observability.WorkersByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
			}
		}
	}
}
