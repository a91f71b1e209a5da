package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeCallbackSeesItsDeadline(t *testing.T) {
	c := NewFake(epoch)
	var seen time.Time
	c.AfterFunc(1500*time.Millisecond, func() { seen = c.Now() })

	c.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), seen)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
}

func TestFakeStopPreventsFiring(t *testing.T) {
	c := NewFake(epoch)
	var fired atomic.Bool
	timer := c.AfterFunc(time.Second, func() { fired.Store(true) })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second Stop reports already stopped")

	c.Advance(time.Minute)
	assert.False(t, fired.Load())
	assert.Zero(t, c.Pending())
}

func TestFakeRearmingCallbackWithinWindow(t *testing.T) {
	c := NewFake(epoch)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		if ticks < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	assert.Equal(t, 3, ticks)
	assert.Zero(t, c.Pending())
}

func TestFakeStopAfterFireReportsFalse(t *testing.T) {
	c := NewFake(epoch)
	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, timer.Stop())
}

func TestFakeNextDeadline(t *testing.T) {
	c := NewFake(epoch)
	_, ok := c.NextDeadline()
	assert.False(t, ok)

	c.AfterFunc(4*time.Second, func() {})
	c.AfterFunc(2*time.Second, func() {})
	at, ok := c.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(2*time.Second), at)
}

func TestRealClockAfterFunc(t *testing.T) {
	done := make(chan struct{})
	New().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer never fired")
	}
}
