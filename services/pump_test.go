package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"sprout/clock"
	"sprout/models"
	"sprout/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPumpStartByUser(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	require.True(t, rig.pump.Start(ctx, models.TriggerUser))

	state := rig.pump.State()
	assert.Equal(t, models.PumpWatering, state.Status)
	assert.Equal(t, models.TriggerUser, state.Trigger)
	assert.Equal(t, epoch, state.WateringStartedAt)
	assert.Equal(t, []PumpWrite{{ID: models.PumpOne, On: true}}, rig.remote.Writes())
	assert.Equal(t, 1, rig.feed.SubscriberCount(), "live session watches moisture")

	item, ok := findEvent(rig.events.Read(), "pump_on")
	require.True(t, ok)
	assert.Equal(t, models.SourceUser, item.Source)
	assert.Equal(t, models.CategoryPump, item.Category)
}

func TestPumpStartIgnoredWhileWatering(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	require.True(t, rig.pump.Start(ctx, models.TriggerUser))
	assert.False(t, rig.pump.Start(ctx, models.TriggerSmart))
	assert.Len(t, rig.remote.Writes(), 1)
	assert.Equal(t, models.TriggerUser, rig.pump.State().Trigger)
}

func TestPumpManualStopEntersCooldown(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	require.True(t, rig.pump.Start(ctx, models.TriggerUser))
	rig.clock.Advance(10 * time.Second)
	require.True(t, rig.pump.Stop(ctx, models.StopReasonManual))

	state := rig.pump.State()
	assert.Equal(t, models.PumpCooldown, state.Status)
	assert.Equal(t, 3, state.CooldownRemaining)
	assert.Equal(t, models.StopReasonManual, state.LastStopReason)
	assert.Equal(t, 10, state.LastElapsedSeconds)
	assert.Empty(t, state.Trigger)
	assert.Zero(t, rig.feed.SubscriberCount())

	assert.Equal(t, []PumpWrite{{ID: models.PumpOne, On: true}, {ID: models.PumpOne, On: false}}, rig.remote.Writes())

	item, ok := findEvent(rig.events.Read(), "pump_off_manual")
	require.True(t, ok)
	assert.Equal(t, models.SourceUser, item.Source)
	assert.Equal(t, 10, item.Meta["elapsed_seconds"])

	rig.pump.dispatch.wait()
	sent := rig.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Watering stopped", sent[0].Title)

	assert.False(t, rig.pump.Start(ctx, models.TriggerUser), "no restart during cooldown")
}

func TestPumpCooldownCountsDown(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.pump.Stop(ctx, models.StopReasonManual)

	rig.clock.Advance(time.Second)
	assert.Equal(t, 2, rig.pump.State().CooldownRemaining)
	rig.clock.Advance(time.Second)
	assert.Equal(t, 1, rig.pump.State().CooldownRemaining)
	rig.clock.Advance(time.Second)

	state := rig.pump.State()
	assert.Equal(t, models.PumpIdle, state.Status)
	assert.Zero(t, state.CooldownRemaining)
	assert.True(t, state.CooldownEndsAt.IsZero())
	assert.Zero(t, rig.clock.Pending())

	assert.True(t, rig.pump.Start(ctx, models.TriggerUser))
}

func TestPumpWithoutCooldownGoesIdle(t *testing.T) {
	ctx := context.Background()
	opts := defaultPumpOptions()
	opts.Cooldown = 0
	rig := newPumpRig(t, opts)

	rig.pump.Start(ctx, models.TriggerUser)
	rig.pump.Stop(ctx, models.StopReasonManual)
	assert.Equal(t, models.PumpIdle, rig.pump.State().Status)
}

func TestPumpTimeoutStopsSession(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.clock.Advance(29 * time.Second)
	assert.Equal(t, models.PumpWatering, rig.pump.State().Status)

	rig.clock.Advance(time.Second)
	state := rig.pump.State()
	assert.Equal(t, models.PumpIdle, state.Status, "only manual stops cool down")
	assert.Equal(t, models.StopReasonTimeout, state.LastStopReason)
	assert.Equal(t, 30, state.LastElapsedSeconds)

	item, ok := findEvent(rig.events.Read(), "pump_off_timeout")
	require.True(t, ok)
	assert.Equal(t, models.SourceSystem, item.Source)
	rig.pump.dispatch.wait()
	assert.Equal(t, "Watering timed out", rig.notifier.Sent()[0].Title)
}

func TestPumpAutoStopsOnMoistureTarget(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.clock.Advance(4 * time.Second)

	rig.feed.Publish(reading(44, 22, 50))
	assert.Equal(t, models.PumpWatering, rig.pump.State().Status)

	rig.feed.Publish(reading(150, 22, 50))
	assert.Equal(t, models.PumpWatering, rig.pump.State().Status, "invalid reading ignored")

	rig.feed.Publish(reading(45, 22, 50))
	state := rig.pump.State()
	assert.Equal(t, models.PumpIdle, state.Status)
	assert.Equal(t, models.StopReasonAuto, state.LastStopReason)
	assert.Equal(t, 4, state.LastElapsedSeconds)
	assert.Zero(t, rig.clock.Pending(), "timeout cancelled")

	_, ok := findEvent(rig.events.Read(), "pump_off_auto")
	assert.True(t, ok)
}

func TestPumpStartFailureLeavesIdle(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())
	rig.remote.FailSetPump(-1, errors.New("rtdb unreachable"))

	assert.False(t, rig.pump.Start(ctx, models.TriggerUser))
	assert.Equal(t, models.PumpIdle, rig.pump.State().Status)
	assert.Zero(t, rig.clock.Pending())
	assert.Zero(t, rig.feed.SubscriberCount())

	item, ok := findEvent(rig.events.Read(), "pump_on_failed")
	require.True(t, ok)
	assert.Equal(t, models.CategoryError, item.Category)
	assert.Equal(t, models.SourceUser, item.Source)
}

func TestPumpStopFailureStillStops(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.remote.FailSetPump(1, errors.New("rtdb unreachable"))
	require.True(t, rig.pump.Stop(ctx, models.StopReasonManual))

	assert.Equal(t, models.PumpCooldown, rig.pump.State().Status)
	got := actions(rig.events.Read())
	assert.Contains(t, got, "pump_off_failed")
	assert.Contains(t, got, "pump_off_manual")
}

func TestPumpStopWhenIdleIsNoop(t *testing.T) {
	rig := newPumpRig(t, defaultPumpOptions())

	assert.False(t, rig.pump.Stop(context.Background(), models.StopReasonManual))
	assert.Empty(t, rig.remote.Writes())
	assert.Zero(t, rig.events.Len())
}

func TestPumpToggle(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	require.True(t, rig.pump.Toggle(ctx, models.TriggerUser))
	assert.Equal(t, models.PumpWatering, rig.pump.State().Status)

	require.True(t, rig.pump.Toggle(ctx, models.TriggerUser))
	state := rig.pump.State()
	assert.Equal(t, models.PumpCooldown, state.Status)
	assert.Equal(t, models.StopReasonManual, state.LastStopReason)

	assert.False(t, rig.pump.Toggle(ctx, models.TriggerUser), "toggle during cooldown does nothing")
}

func TestPumpOldSessionTimerCannotStopNewSession(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.clock.Advance(10 * time.Second)
	rig.pump.Stop(ctx, models.StopReasonManual)
	rig.clock.Advance(3 * time.Second)
	require.True(t, rig.pump.Start(ctx, models.TriggerUser))

	// past the first session's deadline
	rig.clock.Advance(20 * time.Second)
	assert.Equal(t, models.PumpWatering, rig.pump.State().Status)

	rig.clock.Advance(10 * time.Second)
	state := rig.pump.State()
	assert.Equal(t, models.PumpIdle, state.Status)
	assert.Equal(t, models.StopReasonTimeout, state.LastStopReason)
	assert.Equal(t, 30, state.LastElapsedSeconds)
}

func TestPumpSessionsOfDifferentPumpsAreIndependent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	remote := NewMemoryRemote()
	feed := NewSensorFeed()
	events := newTestEventLog(t, clk)
	thresholds := staticThresholds(models.DefaultThresholds())

	one := NewPumpController(models.PumpOne, clk, remote, feed, thresholds, events, nil, zap.NewNop(), defaultPumpOptions())
	two := NewPumpController(models.PumpTwo, clk, remote, feed, thresholds, events, nil, zap.NewNop(), defaultPumpOptions())
	set := NewPumpSet(one, two, one)

	require.True(t, one.Start(ctx, models.TriggerUser))
	clk.Advance(10 * time.Second)
	require.True(t, two.Start(ctx, models.TriggerUser))
	clk.Advance(20 * time.Second)

	assert.Equal(t, models.PumpIdle, one.State().Status)
	assert.Equal(t, models.PumpWatering, two.State().Status)
	assert.Equal(t, []models.PumpID{models.PumpOne, models.PumpTwo}, set.IDs())
	assert.Len(t, set.States(), 2)
}

func TestPumpReconcileAdoptsRemoteSession(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Reconcile(ctx, true, rig.clock.Now())

	state := rig.pump.State()
	assert.Equal(t, models.PumpWatering, state.Status)
	assert.Equal(t, models.TriggerRemote, state.Trigger)
	assert.Empty(t, rig.remote.Writes(), "adopting does not write")
	_, ok := findEvent(rig.events.Read(), "pump_on_remote")
	assert.True(t, ok)

	rig.clock.Advance(30 * time.Second)
	assert.Equal(t, models.StopReasonTimeout, rig.pump.State().LastStopReason, "adopted session still times out")
}

func TestPumpReconcileDeviceOff(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.clock.Advance(5 * time.Second)
	rig.pump.Reconcile(ctx, false, rig.clock.Now())

	state := rig.pump.State()
	assert.Equal(t, models.PumpIdle, state.Status)
	assert.Equal(t, models.StopReasonDevice, state.LastStopReason)
	_, ok := findEvent(rig.events.Read(), "pump_off_device")
	assert.True(t, ok)
}

func TestPumpReconcileIgnoresStaleObservation(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	observedAt := rig.clock.Now()
	rig.clock.Advance(time.Second)
	rig.pump.Start(ctx, models.TriggerUser)

	rig.pump.Reconcile(ctx, false, observedAt)
	assert.Equal(t, models.PumpWatering, rig.pump.State().Status)
}

func TestPumpReconcileDuringCooldownRecordsViolation(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.pump.Stop(ctx, models.StopReasonManual)
	rig.pump.Reconcile(ctx, true, rig.clock.Now())

	assert.Equal(t, models.PumpCooldown, rig.pump.State().Status)
	item, ok := findEvent(rig.events.Read(), "pump_cooldown_violation")
	require.True(t, ok)
	assert.Equal(t, models.CategoryDevice, item.Category)
}

func TestPumpNotificationFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())
	rig.notifier.err = errors.New("telegram down")

	rig.pump.Start(ctx, models.TriggerUser)
	require.True(t, rig.pump.Stop(ctx, models.StopReasonManual))
	assert.Equal(t, models.PumpCooldown, rig.pump.State().Status)

	rig.pump.dispatch.wait()
	item, ok := findEvent(rig.events.Read(), "notification_failed")
	require.True(t, ok)
	assert.Equal(t, models.CategoryError, item.Category)
}

func TestPumpShutdownCancelsTimers(t *testing.T) {
	ctx := context.Background()
	rig := newPumpRig(t, defaultPumpOptions())

	rig.pump.Start(ctx, models.TriggerUser)
	rig.pump.Shutdown()

	assert.Zero(t, rig.clock.Pending())
	assert.Zero(t, rig.feed.SubscriberCount())
}

func TestStopMessagesCoverEveryReason(t *testing.T) {
	for _, reason := range models.AllStopReasons() {
		title, body, summary := stopMessages(models.PumpOne, reason, 12)
		assert.NotEmpty(t, title, reason)
		assert.Contains(t, body, "12s", reason)
		assert.Contains(t, summary, "pump1", reason)
	}
}

// blockingNotifier holds every message until released or its context expires.
type blockingNotifier struct {
	release chan struct{}
	calls   atomic.Int32
}

func (n *blockingNotifier) Notify(ctx context.Context, _, _ string) error {
	n.calls.Add(1)
	select {
	case <-n.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowNotifierDoesNotDelayAutoStop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	feed := NewSensorFeed()
	events := newTestEventLog(t, clk)
	notifier := &blockingNotifier{release: make(chan struct{})}
	settings := NewSettingsService(store.NewMemory(), NewMemoryRemote(), events, zap.NewNop(), models.DefaultThresholds())

	// alerts subscribe first, so their sends run before the pump sees the reading
	alerts := NewAlertService(clk, events, notifier, zap.NewNop(), 3*time.Hour, time.Minute)
	detach := alerts.Attach(ctx, feed, settings)
	defer detach()

	opts := defaultPumpOptions()
	opts.NotifyTimeout = time.Minute
	pump := NewPumpController(models.PumpOne, clk, NewMemoryRemote(), feed, settings, events, notifier, zap.NewNop(), opts)
	require.True(t, pump.Start(ctx, models.TriggerUser))

	began := time.Now()
	feed.Publish(reading(50, 40, 5))
	assert.Less(t, time.Since(began), time.Second, "publishing does not wait for delivery")

	assert.Equal(t, models.PumpIdle, pump.State().Status)
	_, ok := findEvent(events.Read(), "pump_off_auto")
	assert.True(t, ok)

	close(notifier.release)
	alerts.dispatch.wait()
	pump.dispatch.wait()
	assert.EqualValues(t, 3, notifier.calls.Load(), "two breaches and the stop message")
	_, failed := findEvent(events.Read(), "notification_failed")
	assert.False(t, failed)
}

// gatedRemote blocks every pump write until released.
type gatedRemote struct {
	*MemoryRemote
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRemote) SetPump(ctx context.Context, id models.PumpID, on bool) error {
	r.entered <- struct{}{}
	<-r.release
	return r.MemoryRemote.SetPump(ctx, id, on)
}

func TestPumpStateReadableDuringDeviceWrite(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	remote := &gatedRemote{MemoryRemote: NewMemoryRemote(), entered: make(chan struct{}), release: make(chan struct{})}
	pump := NewPumpController(models.PumpOne, clk, remote, NewSensorFeed(), staticThresholds(models.DefaultThresholds()),
		newTestEventLog(t, clk), nil, zap.NewNop(), defaultPumpOptions())

	started := make(chan bool, 1)
	go func() { started <- pump.Start(ctx, models.TriggerUser) }()
	<-remote.entered

	read := make(chan models.PumpRuntimeState, 1)
	go func() { read <- pump.State() }()
	select {
	case state := <-read:
		assert.Equal(t, models.PumpIdle, state.Status)
	case <-time.After(time.Second):
		t.Fatal("State blocked while the ON write was in flight")
	}

	close(remote.release)
	require.True(t, <-started)
	assert.Equal(t, models.PumpWatering, pump.State().Status)
}
