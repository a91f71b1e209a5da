package services

import (
	"context"
	"time"

	"sprout/clock"

	"go.uber.org/zap"
)

// PumpReconciler polls the pump state the device reports and feeds it back
// into the controllers, catching sessions the device ended (or started) on its own.
type PumpReconciler struct {
	pumps    *PumpSet
	remote   RemoteChannel
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
}

func NewPumpReconciler(pumps *PumpSet, remote RemoteChannel, clk clock.Clock, interval time.Duration, logger *zap.Logger) *PumpReconciler {
	return &PumpReconciler{
		pumps:    pumps,
		remote:   remote,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// Start polls until ctx is done.
func (r *PumpReconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("Pump reconciliation disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Pump reconciler started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Pump reconciler stopped")
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce reads every pump's confirmed state once.
func (r *PumpReconciler) ReconcileOnce(ctx context.Context) {
	for _, pump := range r.pumps.All() {
		observedAt := r.clock.Now()
		on, err := r.remote.PumpState(ctx, pump.ID())
		if err != nil {
			r.logger.Debug("Could not read pump state",
				zap.String("pump_id", string(pump.ID())),
				zap.Error(err))
			continue
		}
		pump.Reconcile(ctx, on, observedAt)
	}
}
