package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sprout/clock"
	"sprout/models"

	"go.uber.org/zap"
)

// SensorWatchdog raises an alert when the device stops sending usable
// readings, and again when it comes back.
type SensorWatchdog struct {
	clock      clock.Clock
	events     *EventLog
	dispatch   *dispatcher
	logger     *zap.Logger
	staleAfter time.Duration
	checkEvery time.Duration

	mu     sync.Mutex
	health models.SensorHealth
}

// NewSensorWatchdog creates a watchdog; the stale clock starts now.
func NewSensorWatchdog(clk clock.Clock, events *EventLog, notifier Notifier, logger *zap.Logger, staleAfter, notifyTimeout time.Duration) *SensorWatchdog {
	return &SensorWatchdog{
		clock:      clk,
		events:     events,
		dispatch:   newDispatcher(notifier, events, logger, notifyTimeout),
		logger:     logger,
		staleAfter: staleAfter,
		checkEvery: 10 * time.Second,
		health: models.SensorHealth{
			Status:   models.SensorHealthy,
			LastSeen: clk.Now(),
		},
	}
}

// Start observes feed and checks for staleness until ctx is done.
func (w *SensorWatchdog) Start(ctx context.Context, feed *SensorFeed) {
	unsubscribe := feed.Subscribe(func(snap models.SensorSnapshot) {
		w.Observe(ctx, snap)
	})
	defer unsubscribe()

	ticker := time.NewTicker(w.checkEvery)
	defer ticker.Stop()

	w.logger.Info("Sensor watchdog started", zap.Duration("stale_after", w.staleAfter))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sensor watchdog stopped")
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Observe records a reading; a valid one after a stale period raises a recovery.
func (w *SensorWatchdog) Observe(ctx context.Context, snap models.SensorSnapshot) {
	if !snap.Valid() {
		return
	}

	w.mu.Lock()
	now := w.clock.Now()
	wasStale := w.health.Status == models.SensorStale
	staleAt := w.health.StaleAt
	w.health.LastSeen = now
	if wasStale {
		w.health.Status = models.SensorRecovered
	} else {
		w.health.Status = models.SensorHealthy
	}
	w.mu.Unlock()

	if !wasStale {
		return
	}

	downtime := now.Sub(staleAt) + w.staleAfter
	w.logger.Info("Sensor feed recovered", zap.Duration("down_duration", downtime))
	w.events.Record(ctx, models.SourceSystem, models.CategoryDevice, "sensor_recovered",
		fmt.Sprintf("Sensor readings resumed after %s", formatDuration(downtime)),
		map[string]any{"downtime_seconds": int(downtime.Seconds())})
	w.dispatch.send(ctx, "✅ Sensor back online", fmt.Sprintf("Readings resumed after %s without data.", formatDuration(downtime)))
}

// Check marks the feed stale once no valid reading arrived for the stale window.
func (w *SensorWatchdog) Check(ctx context.Context) {
	w.mu.Lock()
	now := w.clock.Now()
	if w.health.Status == models.SensorStale {
		w.mu.Unlock()
		return
	}
	silence := now.Sub(w.health.LastSeen)
	if silence <= w.staleAfter {
		w.mu.Unlock()
		return
	}
	w.health.Status = models.SensorStale
	w.health.StaleAt = now
	lastSeen := w.health.LastSeen
	w.mu.Unlock()

	w.logger.Warn("Sensor feed stale",
		zap.Time("last_seen", lastSeen),
		zap.Duration("time_since_last_seen", silence))
	w.events.Record(ctx, models.SourceSystem, models.CategoryDevice, "sensor_stale",
		fmt.Sprintf("No sensor readings for %s", formatDuration(silence)),
		map[string]any{"last_seen": lastSeen.Format(time.RFC3339)})
	w.dispatch.send(ctx, "⚠️ Sensor offline",
		fmt.Sprintf("No readings since %s (%s ago). Check the device's power and network.",
			lastSeen.Format("2006-01-02 15:04:05"), formatDuration(silence)))
}

// Health returns the current feed health.
func (w *SensorWatchdog) Health() models.SensorHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health
}
