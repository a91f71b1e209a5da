package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"sprout/models"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPointWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (w *recordingPointWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *recordingPointWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed++
}

func (w *recordingPointWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.points))
	for _, p := range w.points {
		out = append(out, write.PointToLineProtocol(p, time.Second))
	}
	return out
}

func TestHistoryWriterRecordsReadingsAndSessions(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())
	sink := &recordingPointWriter{}
	history := newHistoryWriter(sink, zap.NewNop())
	detach := history.Attach(rig.events, rig.feed)
	defer detach()

	rig.feed.Publish(reading(33, 21.5, 60))
	rig.feed.Publish(models.SensorSnapshot{Timestamp: epoch})

	rig.pump.Start(ctx, models.TriggerUser)
	rig.clock.Advance(7 * time.Second)
	rig.pump.Stop(ctx, models.StopReasonManual)

	lines := sink.lines()
	require.Len(t, lines, 2, "placeholder reading and pump_on are not written")
	assert.Contains(t, lines[0], "sensor,device_id=esp32-garden")
	assert.Contains(t, lines[0], "soil_moisture=33")
	assert.Contains(t, lines[0], "temperature=21.5")
	assert.Contains(t, lines[1], "watering_session,pump=pump1,reason=manual,trigger=user")
	assert.Contains(t, lines[1], "elapsed_seconds=7i")

	history.Close()
	assert.Equal(t, 1, sink.flushed)
}

func TestHistoryWriterSkipsFailureEntries(t *testing.T) {
	sink := &recordingPointWriter{}
	history := newHistoryWriter(sink, zap.NewNop())

	history.WriteSession(models.EventLogItem{Action: "pump_off_failed", Meta: map[string]any{"pump_id": "pump1"}})
	history.WriteSession(models.EventLogItem{Action: "pump_on"})
	assert.Empty(t, sink.lines())
}

func TestHistoryWriterLastErrorAge(t *testing.T) {
	history := newHistoryWriter(&recordingPointWriter{}, zap.NewNop())
	assert.Greater(t, history.LastErrorAge(), time.Hour)

	history.markError(assert.AnError)
	assert.Less(t, history.LastErrorAge(), time.Minute)

	var missing *HistoryWriter
	assert.Greater(t, missing.LastErrorAge(), time.Hour)
}
