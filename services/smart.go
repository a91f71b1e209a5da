package services

import (
	"context"
	"sync"

	"sprout/models"

	"go.uber.org/zap"
)

// SmartCoordinator starts the designated pump whenever smart mode is on and
// the soil is drier than the threshold. Sessions end through the pump's own
// auto-stop and timeout; turning smart mode off stops every watering pump.
type SmartCoordinator struct {
	pumps    *PumpSet
	pumpID   models.PumpID
	settings *SettingsService
	feed     *SensorFeed
	logger   *zap.Logger

	// one evaluation at a time
	mu sync.Mutex
}

func NewSmartCoordinator(pumps *PumpSet, pumpID models.PumpID, settings *SettingsService, feed *SensorFeed, logger *zap.Logger) *SmartCoordinator {
	return &SmartCoordinator{
		pumps:    pumps,
		pumpID:   pumpID,
		settings: settings,
		feed:     feed,
		logger:   logger,
	}
}

// Attach evaluates on every snapshot and on every settings change. The
// returned function detaches both subscriptions.
func (c *SmartCoordinator) Attach(ctx context.Context) func() {
	unsubFeed := c.feed.Subscribe(func(snap models.SensorSnapshot) {
		c.Evaluate(ctx, snap)
	})
	unsubSettings := c.settings.Subscribe(func(prev, next Settings) {
		c.onSettings(ctx, prev, next)
	})
	return func() {
		unsubFeed()
		unsubSettings()
	}
}

// Evaluate applies the smart watering rule to snap and reports whether it
// started a session.
func (c *SmartCoordinator) Evaluate(ctx context.Context, snap models.SensorSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.settings.SmartMode().Enabled {
		return false
	}
	if !snap.Usable() {
		c.logger.Debug("Skipping smart evaluation for unusable snapshot",
			zap.Float64("soil_moisture", snap.SoilMoisture))
		return false
	}

	threshold := c.settings.Thresholds().SoilMoisture
	if snap.SoilMoisture >= threshold {
		return false
	}

	pump, ok := c.pumps.Get(c.pumpID)
	if !ok {
		c.logger.Error("Smart pump is not configured", zap.String("pump_id", string(c.pumpID)))
		return false
	}
	if pump.State().Status == models.PumpWatering {
		return false
	}

	c.logger.Info("Soil below threshold, starting smart watering",
		zap.String("pump_id", string(c.pumpID)),
		zap.Float64("soil_moisture", snap.SoilMoisture),
		zap.Float64("threshold", threshold))
	return pump.Start(ctx, models.TriggerSmart)
}

// SetEnabled switches smart mode; disabling also stops watering pumps.
func (c *SmartCoordinator) SetEnabled(ctx context.Context, enabled bool, source models.EventSource) bool {
	return c.settings.SetSmartMode(ctx, enabled, source)
}

// StopAll stops every watering pump with reason smart_off and returns how many stopped.
func (c *SmartCoordinator) StopAll(ctx context.Context) int {
	stopped := 0
	for _, pump := range c.pumps.All() {
		if pump.Stop(ctx, models.StopReasonSmartOff) {
			stopped++
		}
	}
	return stopped
}

func (c *SmartCoordinator) onSettings(ctx context.Context, prev, next Settings) {
	if prev.SmartMode.Enabled && !next.SmartMode.Enabled {
		if n := c.StopAll(ctx); n > 0 {
			c.logger.Info("Smart mode disabled, stopped watering pumps", zap.Int("count", n))
		}
		return
	}

	if snap, ok := c.feed.Latest(); ok {
		c.Evaluate(ctx, snap)
	}
}
