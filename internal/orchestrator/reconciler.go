package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/robfig/cron/v3"
)

// Reconciler periodically syncs every scan with in-flight work so jobs keep
// advancing, and time out, when no client is polling.
type Reconciler struct {
	store    store.Store
	poller   *Poller
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
}

// NewReconciler creates a Reconciler. An empty schedule disables it.
func NewReconciler(st store.Store, poller *Poller, schedule string, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Reconciler{store: st, poller: poller, schedule: schedule, timeout: timeout}
}

// Start schedules the reconcile pass. Overlapping runs are skipped.
func (r *Reconciler) Start() error {
	if r.schedule == "" {
		slog.Info("reconciler disabled")
		return nil
	}
	logger := cronLogger{}
	r.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	if _, err := r.cron.AddFunc(r.schedule, r.tick); err != nil {
		return fmt.Errorf("scheduling reconciler %q: %w", r.schedule, err)
	}
	r.cron.Start()
	slog.Info("reconciler started", "schedule", r.schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	slog.Info("reconciler stopped")
}

func (r *Reconciler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		slog.Error("reconcile pass failed", "error", err)
	}
}

// RunOnce syncs every scan that has in-flight or unmaterialized jobs and
// returns how many were synced successfully.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	scans, err := r.store.ListScansWithActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active scans: %w", err)
	}
	synced := 0
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if _, err := r.poller.Sync(ctx, scan); err != nil {
			slog.Warn("reconcile sync failed", "scan_id", scan.ID, "error", err)
			continue
		}
		synced++
	}
	if len(scans) > 0 {
		slog.Info("reconcile pass finished", "scans", len(scans), "synced", synced)
	}
	return synced, nil
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
