package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sprout/clock"
	"sprout/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultInboxSize = 100

// AlertService turns threshold breaches into notifications. Each metric has
// its own cooldown: after it fires, the same metric stays quiet for the
// cooldown period however often it is breached.
type AlertService struct {
	clock    clock.Clock
	events   *EventLog
	dispatch *dispatcher
	logger   *zap.Logger
	cooldown time.Duration

	mu        sync.Mutex
	cooldowns map[models.MetricKey]*alertCooldown
	inbox     []models.Notification
	inboxMax  int
}

type alertCooldown struct {
	timer clock.Timer
	until time.Time
}

func NewAlertService(clk clock.Clock, events *EventLog, notifier Notifier, logger *zap.Logger, cooldown, notifyTimeout time.Duration) *AlertService {
	return &AlertService{
		clock:     clk,
		events:    events,
		dispatch:  newDispatcher(notifier, events, logger, notifyTimeout),
		logger:    logger,
		cooldown:  cooldown,
		cooldowns: make(map[models.MetricKey]*alertCooldown),
		inboxMax:  defaultInboxSize,
	}
}

// DetectBreaches lists the threshold conditions snap violates, in evaluation order.
func DetectBreaches(snap models.SensorSnapshot, t models.Thresholds) []models.ThresholdBreach {
	var breaches []models.ThresholdBreach

	if snap.SoilMoisture < t.SoilMoisture {
		breaches = append(breaches, models.ThresholdBreach{
			Key:         models.MetricSoil,
			Value:       snap.SoilMoisture,
			Threshold:   t.SoilMoisture,
			DeviceID:    snap.DeviceID,
			Timestamp:   snap.Timestamp,
			Description: fmt.Sprintf("Soil moisture %.1f%% is below the %.1f%% threshold. Time to water.", snap.SoilMoisture, t.SoilMoisture),
		})
	}

	if snap.Temperature < t.MinTemperature {
		breaches = append(breaches, models.ThresholdBreach{
			Key:         models.MetricTempLow,
			Value:       snap.Temperature,
			Threshold:   t.MinTemperature,
			DeviceID:    snap.DeviceID,
			Timestamp:   snap.Timestamp,
			Description: fmt.Sprintf("Temperature %.1f°C is below the minimum of %.1f°C.", snap.Temperature, t.MinTemperature),
		})
	}

	if snap.Temperature > t.MaxTemperature {
		breaches = append(breaches, models.ThresholdBreach{
			Key:         models.MetricTempHigh,
			Value:       snap.Temperature,
			Threshold:   t.MaxTemperature,
			DeviceID:    snap.DeviceID,
			Timestamp:   snap.Timestamp,
			Description: fmt.Sprintf("Temperature %.1f°C exceeds the maximum of %.1f°C.", snap.Temperature, t.MaxTemperature),
		})
	}

	if snap.Humidity < t.Humidity {
		breaches = append(breaches, models.ThresholdBreach{
			Key:         models.MetricHumidity,
			Value:       snap.Humidity,
			Threshold:   t.Humidity,
			DeviceID:    snap.DeviceID,
			Timestamp:   snap.Timestamp,
			Description: fmt.Sprintf("Air humidity %.1f%% is below the %.1f%% threshold.", snap.Humidity, t.Humidity),
		})
	}

	return breaches
}

// Evaluate checks snap against t and notifies for every breached metric that
// is not cooling down. It returns the notifications it created.
func (a *AlertService) Evaluate(ctx context.Context, snap models.SensorSnapshot, t models.Thresholds) []models.Notification {
	if !snap.Usable() {
		return nil
	}

	var created []models.Notification
	for _, breach := range DetectBreaches(snap, t) {
		n, ok := a.claim(breach)
		if !ok {
			continue
		}
		created = append(created, n)

		a.logger.Info("Threshold breached",
			zap.String("metric", string(breach.Key)),
			zap.Float64("value", breach.Value),
			zap.Float64("threshold", breach.Threshold))

		a.events.Record(ctx, models.SourceSystem, models.CategoryNotification, "threshold_"+string(breach.Key), n.Body,
			map[string]any{"value": breach.Value, "threshold": breach.Threshold})
		a.dispatch.send(ctx, breach.Emoji()+" "+n.Title, n.Body)
	}
	return created
}

// claim sets the metric's cooldown and files the inbox entry, unless the
// metric is already cooling down.
func (a *AlertService) claim(breach models.ThresholdBreach) (models.Notification, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, active := a.cooldowns[breach.Key]; active {
		return models.Notification{}, false
	}

	now := a.clock.Now()
	n := models.Notification{
		ID:        uuid.NewString(),
		Key:       breach.Key,
		Title:     breach.Title(),
		Body:      breach.Description,
		Value:     breach.Value,
		Threshold: breach.Threshold,
		CreatedAt: now,
	}
	a.inbox = append([]models.Notification{n}, a.inbox...)
	if len(a.inbox) > a.inboxMax {
		a.inbox = a.inbox[:a.inboxMax]
	}

	entry := &alertCooldown{until: now.Add(a.cooldown)}
	key := breach.Key
	entry.timer = a.clock.AfterFunc(a.cooldown, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.cooldowns[key] == entry {
			delete(a.cooldowns, key)
		}
	})
	a.cooldowns[key] = entry
	return n, true
}

// Attach evaluates every snapshot published on feed against the current
// thresholds. The returned function detaches.
func (a *AlertService) Attach(ctx context.Context, feed *SensorFeed, settings *SettingsService) func() {
	return feed.Subscribe(func(snap models.SensorSnapshot) {
		a.Evaluate(ctx, snap, settings.Thresholds())
	})
}

// CooldownActive reports whether key is currently suppressed.
func (a *AlertService) CooldownActive(key models.MetricKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.cooldowns[key]
	return ok
}

// CooldownUntil reports when each active cooldown expires.
func (a *AlertService) CooldownUntil() map[models.MetricKey]time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[models.MetricKey]time.Time, len(a.cooldowns))
	for key, c := range a.cooldowns {
		out[key] = c.until
	}
	return out
}

// Inbox returns the notifications, newest first.
func (a *AlertService) Inbox() []models.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Notification(nil), a.inbox...)
}

func (a *AlertService) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, n := range a.inbox {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags one notification as read and reports whether it exists.
func (a *AlertService) MarkRead(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.inbox {
		if a.inbox[i].ID == id {
			a.inbox[i].Read = true
			return true
		}
	}
	return false
}

func (a *AlertService) MarkAllRead() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.inbox {
		a.inbox[i].Read = true
	}
}

// ClearInbox empties the inbox. Cooldowns are unaffected.
func (a *AlertService) ClearInbox() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inbox = nil
}

// Stop cancels every pending cooldown timer and waits for queued
// notifications to go out.
func (a *AlertService) Stop() {
	a.mu.Lock()
	for key, c := range a.cooldowns {
		c.timer.Stop()
		delete(a.cooldowns, key)
	}
	a.mu.Unlock()
	a.dispatch.wait()
}
