package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"sprout/clock"
	"sprout/models"

	"go.uber.org/zap"
)

// ThresholdSource supplies the current thresholds; SettingsService is one.
type ThresholdSource interface {
	Thresholds() models.Thresholds
}

// PumpOptions are the fixed timings of a pump controller.
type PumpOptions struct {
	// moisture at or above which a running session stops itself
	AutoStopMoisture float64
	// refractory period after a manual stop
	Cooldown      time.Duration
	WriteTimeout  time.Duration
	NotifyTimeout time.Duration
}

// PumpController is the state machine of one pump: Idle, Watering, Cooldown.
// Start, Stop and Reconcile are serialized by a mutex held across the remote
// write, so two sessions of the same pump never overlap. Readers see the
// state published after the last transition and never wait on that write.
type PumpController struct {
	id         models.PumpID
	clock      clock.Clock
	remote     RemoteChannel
	feed       *SensorFeed
	thresholds ThresholdSource
	events     *EventLog
	dispatch   *dispatcher
	logger     *zap.Logger
	opts       PumpOptions

	mu            sync.Mutex
	state         models.PumpRuntimeState
	session       uint64
	lastChange    time.Time
	timeout       clock.Timer
	unsubscribe   func()
	cooldownTimer clock.Timer

	viewMu sync.RWMutex
	view   models.PumpRuntimeState
}

func NewPumpController(id models.PumpID, clk clock.Clock, remote RemoteChannel, feed *SensorFeed, thresholds ThresholdSource, events *EventLog, notifier Notifier, logger *zap.Logger, opts PumpOptions) *PumpController {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	initial := models.PumpRuntimeState{ID: id, Status: models.PumpIdle}
	return &PumpController{
		id:         id,
		clock:      clk,
		remote:     remote,
		feed:       feed,
		thresholds: thresholds,
		events:     events,
		dispatch:   newDispatcher(notifier, events, logger, opts.NotifyTimeout),
		logger:     logger.With(zap.String("pump_id", string(id))),
		opts:       opts,
		state:      initial,
		view:       initial,
	}
}

func (p *PumpController) ID() models.PumpID {
	return p.id
}

// State returns a copy of the runtime state.
func (p *PumpController) State() models.PumpRuntimeState {
	p.viewMu.RLock()
	defer p.viewMu.RUnlock()
	return p.view
}

func (p *PumpController) publishLocked() {
	p.viewMu.Lock()
	p.view = p.state
	p.viewMu.Unlock()
}

// Start switches the pump on. It is a no-op while Watering or Cooldown, and
// when the device rejects the ON command. It reports whether a session began.
func (p *PumpController) Start(ctx context.Context, trigger models.Trigger) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.IsBusy() {
		p.logger.Debug("Start ignored", zap.String("status", string(p.state.Status)))
		return false
	}

	if err := p.writeLocked(ctx, true); err != nil {
		p.logger.Warn("Failed to switch pump on", zap.String("trigger", string(trigger)), zap.Error(err))
		p.events.Record(ctx, sourceOf(trigger), models.CategoryError, "pump_on_failed",
			fmt.Sprintf("Could not start %s: %v", p.id, err),
			map[string]any{"pump_id": string(p.id), "trigger": string(trigger)})
		return false
	}

	p.beginSessionLocked(ctx, trigger)
	return true
}

// Stop ends the current watering session. It is a no-op unless Watering.
func (p *PumpController) Stop(ctx context.Context, reason models.StopReason) bool {
	p.mu.Lock()
	if p.state.Status != models.PumpWatering {
		p.mu.Unlock()
		return false
	}
	title, body := p.stopLocked(ctx, reason)
	p.mu.Unlock()

	p.dispatch.send(ctx, title, body)
	return true
}

// Toggle stops a watering pump manually, otherwise tries to start it.
func (p *PumpController) Toggle(ctx context.Context, trigger models.Trigger) bool {
	if p.State().Status == models.PumpWatering {
		return p.Stop(ctx, models.StopReasonManual)
	}
	return p.Start(ctx, trigger)
}

// Reconcile aligns local state with the pump state the device confirmed at
// observedAt. Observations older than the last local transition are ignored.
func (p *PumpController) Reconcile(ctx context.Context, on bool, observedAt time.Time) {
	p.mu.Lock()
	if observedAt.Before(p.lastChange) {
		p.mu.Unlock()
		return
	}

	switch {
	case on && p.state.Status == models.PumpIdle:
		p.logger.Warn("Pump running on the device without a local session, adopting it")
		p.beginSessionLocked(ctx, models.TriggerRemote)
		p.mu.Unlock()

	case on && p.state.Status == models.PumpCooldown:
		p.events.Record(ctx, models.SourceSystem, models.CategoryDevice, "pump_cooldown_violation",
			fmt.Sprintf("%s reported ON during cooldown", p.id), map[string]any{"pump_id": string(p.id)})
		p.mu.Unlock()

	case !on && p.state.Status == models.PumpWatering && observedAt.After(p.state.WateringStartedAt):
		title, body := p.stopLocked(ctx, models.StopReasonDevice)
		p.mu.Unlock()
		p.dispatch.send(ctx, title, body)

	default:
		p.mu.Unlock()
	}
}

// Shutdown cancels timers and the moisture subscription without touching the
// device, then waits for queued notifications.
func (p *PumpController) Shutdown() {
	p.mu.Lock()
	p.session++
	p.releaseSessionLocked()
	if p.cooldownTimer != nil {
		p.cooldownTimer.Stop()
		p.cooldownTimer = nil
	}
	p.mu.Unlock()
	p.dispatch.wait()
}

func (p *PumpController) beginSessionLocked(ctx context.Context, trigger models.Trigger) {
	p.session++
	sess := p.session
	now := p.clock.Now()

	p.state.Status = models.PumpWatering
	p.state.Trigger = trigger
	p.state.WateringStartedAt = now
	p.state.CooldownEndsAt = time.Time{}
	p.state.CooldownRemaining = 0
	p.lastChange = now
	p.publishLocked()

	maxDuration := p.thresholds.Thresholds().MaxWateringDuration
	p.timeout = p.clock.AfterFunc(maxDuration, func() {
		p.stopSession(sess, models.StopReasonTimeout)
	})
	p.unsubscribe = p.feed.Subscribe(func(snap models.SensorSnapshot) {
		if snap.Valid() && snap.SoilMoisture >= p.opts.AutoStopMoisture {
			p.stopSession(sess, models.StopReasonAuto)
		}
	})

	var (
		action   = "pump_on"
		category = models.CategoryPump
		message  = fmt.Sprintf("%s started by user", p.id)
	)
	switch trigger {
	case models.TriggerSmart:
		action, category = "smart_auto_on", models.CategorySmartWatering
		message = fmt.Sprintf("%s started by smart watering", p.id)
	case models.TriggerRemote:
		action, category = "pump_on_remote", models.CategoryDevice
		message = fmt.Sprintf("%s found running on the device", p.id)
	}
	p.events.Record(ctx, sourceOf(trigger), category, action, message, map[string]any{
		"pump_id":         string(p.id),
		"trigger":         string(trigger),
		"max_duration_ms": maxDuration.Milliseconds(),
	})

	p.logger.Info("Watering started",
		zap.String("trigger", string(trigger)),
		zap.Duration("max_duration", maxDuration))
}

// stopSession is the entry point for timer and moisture callbacks; it only
// acts if sess is still the live session.
func (p *PumpController) stopSession(sess uint64, reason models.StopReason) {
	ctx := context.Background()

	p.mu.Lock()
	if p.session != sess || p.state.Status != models.PumpWatering {
		p.mu.Unlock()
		return
	}
	title, body := p.stopLocked(ctx, reason)
	p.mu.Unlock()

	p.dispatch.send(ctx, title, body)
}

// stopLocked ends the watering session and returns the notification to send
// once the lock is released.
func (p *PumpController) stopLocked(ctx context.Context, reason models.StopReason) (title, body string) {
	p.session++
	p.releaseSessionLocked()

	if err := p.writeLocked(ctx, false); err != nil {
		p.logger.Error("Failed to switch pump off", zap.String("reason", string(reason)), zap.Error(err))
		p.events.Record(ctx, models.SourceSystem, models.CategoryError, "pump_off_failed",
			fmt.Sprintf("Could not confirm %s off: %v", p.id, err),
			map[string]any{"pump_id": string(p.id), "reason": string(reason)})
	}

	now := p.clock.Now()
	elapsed := 0
	if !p.state.WateringStartedAt.IsZero() {
		elapsed = int(math.Round(now.Sub(p.state.WateringStartedAt).Seconds()))
	}
	trigger := p.state.Trigger

	p.state.Trigger = ""
	p.state.WateringStartedAt = time.Time{}
	p.state.LastStopReason = reason
	p.state.LastElapsedSeconds = elapsed
	p.lastChange = now

	if reason == models.StopReasonManual && p.opts.Cooldown > 0 {
		p.enterCooldownLocked(now)
	} else {
		p.state.Status = models.PumpIdle
	}
	p.publishLocked()

	title, body, summary := stopMessages(p.id, reason, elapsed)
	category := models.CategoryPump
	if reason == models.StopReasonSmartOff {
		category = models.CategorySmartWatering
	}
	source := models.SourceSystem
	if reason == models.StopReasonManual {
		source = models.SourceUser
	}
	p.events.Record(ctx, source, category, "pump_off_"+string(reason), summary, map[string]any{
		"pump_id":         string(p.id),
		"trigger":         string(trigger),
		"elapsed_seconds": elapsed,
	})

	p.logger.Info("Watering stopped",
		zap.String("reason", string(reason)),
		zap.Int("elapsed_seconds", elapsed),
		zap.String("status", string(p.state.Status)))
	return title, body
}

func (p *PumpController) releaseSessionLocked() {
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}

func (p *PumpController) enterCooldownLocked(now time.Time) {
	endsAt := now.Add(p.opts.Cooldown)
	p.state.Status = models.PumpCooldown
	p.state.CooldownEndsAt = endsAt
	p.state.CooldownRemaining = ceilSeconds(p.opts.Cooldown)
	p.scheduleCooldownTickLocked(p.session, endsAt.Sub(now))
}

func (p *PumpController) scheduleCooldownTickLocked(sess uint64, left time.Duration) {
	p.cooldownTimer = p.clock.AfterFunc(min(time.Second, left), func() {
		p.cooldownTick(sess)
	})
}

func (p *PumpController) cooldownTick(sess uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != sess || p.state.Status != models.PumpCooldown {
		return
	}

	left := p.state.CooldownEndsAt.Sub(p.clock.Now())
	if left <= 0 {
		p.state.Status = models.PumpIdle
		p.state.CooldownEndsAt = time.Time{}
		p.state.CooldownRemaining = 0
		p.cooldownTimer = nil
		p.lastChange = p.clock.Now()
		p.publishLocked()
		p.logger.Debug("Cooldown finished")
		return
	}
	p.state.CooldownRemaining = ceilSeconds(left)
	p.publishLocked()
	p.scheduleCooldownTickLocked(sess, left)
}

func (p *PumpController) writeLocked(ctx context.Context, on bool) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()
	return p.remote.SetPump(writeCtx, p.id, on)
}

func stopMessages(id models.PumpID, reason models.StopReason, elapsed int) (title, body, summary string) {
	switch reason {
	case models.StopReasonManual:
		return "Watering stopped",
			fmt.Sprintf("%s stopped by user after %ds.", id, elapsed),
			fmt.Sprintf("%s stopped by user after %ds", id, elapsed)
	case models.StopReasonAuto:
		return "Watering complete",
			fmt.Sprintf("%s stopped: moisture target reached after %ds.", id, elapsed),
			fmt.Sprintf("%s stopped, moisture target reached after %ds", id, elapsed)
	case models.StopReasonTimeout:
		return "Watering timed out",
			fmt.Sprintf("%s stopped: max duration exceeded after %ds.", id, elapsed),
			fmt.Sprintf("%s stopped, max duration exceeded after %ds", id, elapsed)
	case models.StopReasonSmartOff:
		return "Smart watering stopped",
			fmt.Sprintf("%s auto-disabled because smart mode was turned off (%ds).", id, elapsed),
			fmt.Sprintf("%s auto-disabled because smart mode was turned off after %ds", id, elapsed)
	case models.StopReasonDevice:
		return "Pump switched off",
			fmt.Sprintf("%s was switched off on the device after %ds.", id, elapsed),
			fmt.Sprintf("%s switched off on the device after %ds", id, elapsed)
	default:
		return "Watering stopped",
			fmt.Sprintf("%s stopped after %ds.", id, elapsed),
			fmt.Sprintf("%s stopped (%s) after %ds", id, reason, elapsed)
	}
}

func sourceOf(trigger models.Trigger) models.EventSource {
	if trigger == models.TriggerUser {
		return models.SourceUser
	}
	return models.SourceSystem
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// PumpSet holds the controllers for every configured pump, in configuration order.
type PumpSet struct {
	order []models.PumpID
	byID  map[models.PumpID]*PumpController
}

func NewPumpSet(controllers ...*PumpController) *PumpSet {
	s := &PumpSet{byID: make(map[models.PumpID]*PumpController, len(controllers))}
	for _, c := range controllers {
		if _, dup := s.byID[c.ID()]; dup {
			continue
		}
		s.order = append(s.order, c.ID())
		s.byID[c.ID()] = c
	}
	return s
}

func (s *PumpSet) Get(id models.PumpID) (*PumpController, bool) {
	c, ok := s.byID[id]
	return c, ok
}

func (s *PumpSet) All() []*PumpController {
	out := make([]*PumpController, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *PumpSet) IDs() []models.PumpID {
	return append([]models.PumpID(nil), s.order...)
}

// States returns a snapshot of every pump's runtime state.
func (s *PumpSet) States() []models.PumpRuntimeState {
	out := make([]models.PumpRuntimeState, 0, len(s.order))
	for _, c := range s.All() {
		out = append(out, c.State())
	}
	return out
}

func (s *PumpSet) Shutdown() {
	for _, c := range s.All() {
		c.Shutdown()
	}
}
