package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"sprout/clock"
	"sprout/models"
	"sprout/store"

	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	Title string
	Body  string
}

// fakeNotifier records every message and optionally fails.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{Title: title, Body: body})
	return nil
}

func (n *fakeNotifier) Sent() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type staticThresholds models.Thresholds

func (s staticThresholds) Thresholds() models.Thresholds {
	return models.Thresholds(s)
}

func newTestEventLog(t *testing.T, clk clock.Clock) *EventLog {
	t.Helper()
	return NewEventLog(store.NewMemory(), clk, zap.NewNop(), 200, time.Second)
}

// actions lists the event log actions, newest first.
func actions(items []models.EventLogItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Action)
	}
	return out
}

func findEvent(items []models.EventLogItem, action string) (models.EventLogItem, bool) {
	for _, item := range items {
		if item.Action == action {
			return item, true
		}
	}
	return models.EventLogItem{}, false
}

func reading(soil, temp, humidity float64) models.SensorSnapshot {
	return models.SensorSnapshot{
		DeviceID:     "esp32-garden",
		SoilMoisture: soil,
		Temperature:  temp,
		Humidity:     humidity,
		Timestamp:    epoch,
	}
}

// pumpRig is one pump controller on a fake clock with in-memory collaborators.
type pumpRig struct {
	clock    *clock.Fake
	remote   *MemoryRemote
	feed     *SensorFeed
	events   *EventLog
	notifier *fakeNotifier
	pump     *PumpController
}

func newPumpRig(t *testing.T, opts PumpOptions) *pumpRig {
	t.Helper()
	clk := clock.NewFake(epoch)
	r := &pumpRig{
		clock:    clk,
		remote:   NewMemoryRemote(),
		feed:     NewSensorFeed(),
		events:   newTestEventLog(t, clk),
		notifier: &fakeNotifier{},
	}
	thresholds := models.DefaultThresholds()
	r.pump = NewPumpController(models.PumpOne, clk, r.remote, r.feed, staticThresholds(thresholds),
		r.events, r.notifier, zap.NewNop(), opts)
	return r
}

func defaultPumpOptions() PumpOptions {
	return PumpOptions{
		AutoStopMoisture: 45,
		Cooldown:         3 * time.Second,
		WriteTimeout:     time.Second,
		NotifyTimeout:    time.Second,
	}
}
