// Package syncloop drives periodic reconciliation: each tick provisions
// agents, heals drift, records metrics, and trims the dedupe table.
package syncloop

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/oculairmedia/Letta-Matrix-sub002/common/trace"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/metrics"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/provision"
)

// Cycler is the provisioning surface the loop drives each tick.
type Cycler interface {
	Run(ctx context.Context) (provision.Stats, error)
	HealDrift(ctx context.Context) (int, error)
}

// EventVacuum trims expired dedupe rows.
type EventVacuum interface {
	VacuumEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Loop is the periodic reconciliation driver.
type Loop struct {
	cycler    Cycler
	vacuum    EventVacuum
	interval  time.Duration
	dedupeTTL time.Duration
}

// New creates a Loop.
func New(cycler Cycler, vacuum EventVacuum, interval, dedupeTTL time.Duration) *Loop {
	return &Loop{cycler: cycler, vacuum: vacuum, interval: interval, dedupeTTL: dedupeTTL}
}

// Run ticks until ctx is cancelled. The first cycle runs immediately. An
// in-flight cycle always completes; cancellation is only observed between
// cycles, so shutdown never leaves an agent half-provisioned by this loop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one full cycle with panic isolation: a panicking cycle is logged
// and counted, and the next tick runs normally.
func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.Inc()
			slog.Error("reconciliation cycle panicked",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	started := time.Now()
	stats, err := l.cycler.Run(ctx)
	if err != nil {
		slog.Error("reconciliation cycle failed",
			"trace_id", trace.FromContext(ctx), "error", err)
		metrics.CycleErrors.Inc()
		return
	}

	metrics.AgentsSeen.Set(float64(stats.AgentsSeen))
	metrics.UsersCreated.Add(float64(stats.UsersCreated))
	metrics.RoomsCreated.Add(float64(stats.RoomsCreated))
	metrics.Renames.Add(float64(stats.Renames))
	metrics.CycleErrors.Add(float64(stats.Errors))

	fixed, err := l.cycler.HealDrift(ctx)
	if err != nil {
		slog.Error("drift healing failed", "error", err)
	} else if fixed > 0 {
		metrics.DriftRepairs.Add(float64(fixed))
	}

	removed, err := l.vacuum.VacuumEvents(ctx, l.dedupeTTL)
	if err != nil {
		slog.Error("dedupe vacuum failed", "error", err)
	}

	slog.Info("reconciliation cycle complete",
		"trace_id", trace.FromContext(ctx),
		"agents", stats.AgentsSeen,
		"users_created", stats.UsersCreated,
		"rooms_created", stats.RoomsCreated,
		"renames", stats.Renames,
		"orphans", stats.Orphans,
		"errors", stats.Errors,
		"drift_repairs", fixed,
		"dedupe_removed", removed,
		"took", time.Since(started).Round(time.Millisecond))
}
