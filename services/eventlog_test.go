package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sprout/clock"
	"sprout/models"
	"sprout/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventLogAppendStampsAndPrepends(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	log := newTestEventLog(t, clk)

	require.True(t, log.Record(ctx, models.SourceUser, models.CategoryPump, "pump_on", "pump1 started", nil))
	clk.Advance(2 * time.Second)
	require.True(t, log.Record(ctx, models.SourceSystem, models.CategoryPump, "pump_off_auto", "pump1 stopped", nil))

	items := log.Read()
	require.Len(t, items, 2)
	assert.Equal(t, "pump_off_auto", items[0].Action, "newest first")
	assert.Equal(t, epoch.Add(2*time.Second).UnixMilli(), items[0].Timestamp)
	assert.Equal(t, epoch.UnixMilli(), items[1].Timestamp)
	assert.True(t, strings.HasPrefix(items[0].ID, fmt.Sprintf("pump_off_auto-%d-", items[0].Timestamp)))
	assert.NotEqual(t, items[0].ID, items[1].ID)
}

func TestEventLogDedupesWithinWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	log := newTestEventLog(t, clk)

	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil))
	clk.Advance(500 * time.Millisecond)
	assert.False(t, log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil))
	clk.Advance(500 * time.Millisecond)
	assert.False(t, log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil),
		"exactly one window after the first entry is still a duplicate")
	clk.Advance(time.Millisecond)
	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil))

	assert.Equal(t, 2, log.Len())
}

func TestEventLogDedupeNeedsSameActionAndMessage(t *testing.T) {
	ctx := context.Background()
	log := newTestEventLog(t, clock.NewFake(epoch))

	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryPump, "pump_on", "pump1 started", nil))
	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryPump, "pump_on", "pump2 started", nil))
	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryPump, "pump_on_remote", "pump1 started", nil))
	assert.Equal(t, 3, log.Len())
}

func TestEventLogKeepsNewestMaxEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	log := NewEventLog(store.NewMemory(), clk, zap.NewNop(), 3, time.Second)

	for i := range 5 {
		log.Record(ctx, models.SourceSystem, models.CategorySensor, "reading", fmt.Sprintf("reading %d", i), nil)
	}

	items := log.Read()
	require.Len(t, items, 3)
	assert.Equal(t, "reading 4", items[0].Message)
	assert.Equal(t, "reading 2", items[2].Message)
}

func TestEventLogRejectsUnknownCategory(t *testing.T) {
	log := newTestEventLog(t, clock.NewFake(epoch))

	ok := log.Append(context.Background(), models.EventLogItem{
		Source:   models.SourceUser,
		Category: models.EventCategory("weather"),
		Action:   "rain",
		Message:  "It rained",
	})
	assert.False(t, ok)
	assert.Zero(t, log.Len())
}

func TestEventLogPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewFake(epoch)

	first := NewEventLog(st, clk, zap.NewNop(), 200, time.Second)
	first.Record(ctx, models.SourceUser, models.CategorySettings, "thresholds_updated", "Thresholds updated", map[string]any{"soil": 30})
	first.Record(ctx, models.SourceUser, models.CategoryPump, "pump_on", "pump1 started", nil)

	raw, found, err := st.Get(ctx, EventLogStorageKey)
	require.NoError(t, err)
	require.True(t, found)
	var persisted []models.EventLogItem
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Len(t, persisted, 2)

	second := NewEventLog(st, clk, zap.NewNop(), 200, time.Second)
	second.Load(ctx)
	assert.Equal(t, actions(first.Read()), actions(second.Read()))
}

func TestEventLogLoadIgnoresCorruptData(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Set(ctx, EventLogStorageKey, "{not json"))

	log := NewEventLog(st, clock.NewFake(epoch), zap.NewNop(), 200, time.Second)
	log.Load(ctx)
	assert.Zero(t, log.Len())

	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil))
}

func TestEventLogSurvivesStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetErr = errors.New("disk full")

	log := NewEventLog(st, clock.NewFake(epoch), zap.NewNop(), 200, time.Second)
	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil))
	assert.Equal(t, 1, log.Len())
}

func TestEventLogClear(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	log := NewEventLog(st, clock.NewFake(epoch), zap.NewNop(), 200, time.Second)
	log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil)

	log.Clear(ctx)

	assert.Empty(t, log.Read())
	_, found, err := st.Get(ctx, EventLogStorageKey)
	require.NoError(t, err)
	assert.False(t, found)

	// a cleared entry no longer suppresses its duplicate
	assert.True(t, log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil))
}

func TestEventLogSetMaxEntriesTrims(t *testing.T) {
	ctx := context.Background()
	log := newTestEventLog(t, clock.NewFake(epoch))
	for i := range 4 {
		log.Record(ctx, models.SourceSystem, models.CategorySensor, "reading", fmt.Sprintf("reading %d", i), nil)
	}

	log.SetMaxEntries(ctx, 2)
	assert.Equal(t, 2, log.Len())
	assert.Equal(t, "reading 3", log.Read()[0].Message)
}

func TestEventLogOnAppendSeesKeptEntriesOnly(t *testing.T) {
	ctx := context.Background()
	log := newTestEventLog(t, clock.NewFake(epoch))

	var seen []models.EventLogItem
	log.OnAppend(func(item models.EventLogItem) { seen = append(seen, item) })

	log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil)
	log.Record(ctx, models.SourceUser, models.CategoryApp, "app_opened", "App opened", nil)

	require.Len(t, seen, 1)
	assert.NotEmpty(t, seen[0].ID)
	assert.Equal(t, epoch.UnixMilli(), seen[0].Timestamp)
}

func TestEventLogConcurrentDuplicatesKeepOne(t *testing.T) {
	ctx := context.Background()
	log := newTestEventLog(t, clock.NewFake(epoch))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		kept int
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if log.Record(ctx, models.SourceUser, models.CategoryPump, "pump_on", "pump1 started", nil) {
				mu.Lock()
				kept++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, kept)
	assert.Len(t, log.Read(), 1)
}

func TestEventLogKeepsCallerTimestamp(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	log := newTestEventLog(t, clk)
	earlier := epoch.Add(-time.Hour).UnixMilli()

	require.True(t, log.Append(ctx, models.EventLogItem{
		Source:    models.SourceSystem,
		Category:  models.CategorySensor,
		Action:    "sensor_stale",
		Message:   "no readings",
		Timestamp: earlier,
	}))

	items := log.Read()
	require.Len(t, items, 1)
	assert.Equal(t, earlier, items[0].Timestamp)
	assert.True(t, strings.HasPrefix(items[0].ID, fmt.Sprintf("sensor_stale-%d-", epoch.UnixMilli())), "id uses the append time")

	// an hour-old entry is outside the window of now
	assert.True(t, log.Record(ctx, models.SourceSystem, models.CategorySensor, "sensor_stale", "no readings", nil))
}
