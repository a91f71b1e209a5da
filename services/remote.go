package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sprout/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrRemoteUnavailable is returned when the device channel refuses or fails a write.
var ErrRemoteUnavailable = errors.New("remote channel unavailable")

// RemoteChannel is the abstract link to the irrigation device. Writes are
// "desired state"; PumpState returns the state the device last confirmed.
type RemoteChannel interface {
	SetPump(ctx context.Context, id models.PumpID, on bool) error
	PumpState(ctx context.Context, id models.PumpID) (bool, error)
	PublishThresholds(ctx context.Context, t models.Thresholds) error
	PublishMode(ctx context.Context, mode models.SmartModeState) error
}

// PumpWrite is one recorded SetPump call.
type PumpWrite struct {
	ID models.PumpID
	On bool
}

// MemoryRemote is an in-process RemoteChannel used when no device backend is
// configured and in tests. Failures can be injected per operation.
type MemoryRemote struct {
	mu         sync.Mutex
	pumps      map[models.PumpID]bool
	thresholds *models.Thresholds
	mode       *models.SmartModeState
	writes     []PumpWrite

	setPumpErr      error
	setPumpFailures int
	stateErr        error
	publishErr      error
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{pumps: make(map[models.PumpID]bool)}
}

// FailSetPump makes the next n SetPump calls fail with err; n < 0 fails forever.
func (m *MemoryRemote) FailSetPump(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPumpFailures = n
	m.setPumpErr = err
}

func (m *MemoryRemote) FailPumpState(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateErr = err
}

func (m *MemoryRemote) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// SetDeviceState changes the confirmed state without recording a write, as if
// the device switched the pump on its own.
func (m *MemoryRemote) SetDeviceState(id models.PumpID, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pumps[id] = on
}

func (m *MemoryRemote) SetPump(_ context.Context, id models.PumpID, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setPumpErr != nil && m.setPumpFailures != 0 {
		if m.setPumpFailures > 0 {
			m.setPumpFailures--
		}
		return m.setPumpErr
	}
	m.pumps[id] = on
	m.writes = append(m.writes, PumpWrite{ID: id, On: on})
	return nil
}

func (m *MemoryRemote) PumpState(_ context.Context, id models.PumpID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return false, m.stateErr
	}
	return m.pumps[id], nil
}

func (m *MemoryRemote) PublishThresholds(_ context.Context, t models.Thresholds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.thresholds = &t
	return nil
}

func (m *MemoryRemote) PublishMode(_ context.Context, mode models.SmartModeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.mode = &mode
	return nil
}

// Writes returns every successful SetPump call in order.
func (m *MemoryRemote) Writes() []PumpWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PumpWrite(nil), m.writes...)
}

func (m *MemoryRemote) Thresholds() (models.Thresholds, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.thresholds == nil {
		return models.Thresholds{}, false
	}
	return *m.thresholds, true
}

func (m *MemoryRemote) Mode() (models.SmartModeState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == nil {
		return models.SmartModeState{}, false
	}
	return *m.mode, true
}

// ResilientOptions tunes retries and the circuit breaker around a RemoteChannel.
type ResilientOptions struct {
	MaxRetries      int
	InitialInterval time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

// ResilientRemote retries failed calls with exponential backoff behind a
// circuit breaker. An open breaker fails fast without retrying.
type ResilientRemote struct {
	inner   RemoteChannel
	breaker *gobreaker.CircuitBreaker
	opts    ResilientOptions
	logger  *zap.Logger
}

func NewResilientRemote(inner RemoteChannel, opts ResilientOptions, logger *zap.Logger) *ResilientRemote {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 300 * time.Millisecond
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	failures := uint32(opts.BreakerFailures)

	r := &ResilientRemote{inner: inner, opts: opts, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote-channel",
		Timeout: opts.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Remote channel breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

// BreakerState exposes the breaker state for health reporting.
func (r *ResilientRemote) BreakerState() gobreaker.State {
	return r.breaker.State()
}

func (r *ResilientRemote) SetPump(ctx context.Context, id models.PumpID, on bool) error {
	return r.do(ctx, "set_pump", func(ctx context.Context) error {
		return r.inner.SetPump(ctx, id, on)
	})
}

func (r *ResilientRemote) PumpState(ctx context.Context, id models.PumpID) (bool, error) {
	var on bool
	err := r.do(ctx, "pump_state", func(ctx context.Context) error {
		v, err := r.inner.PumpState(ctx, id)
		on = v
		return err
	})
	return on, err
}

func (r *ResilientRemote) PublishThresholds(ctx context.Context, t models.Thresholds) error {
	return r.do(ctx, "publish_thresholds", func(ctx context.Context) error {
		return r.inner.PublishThresholds(ctx, t)
	})
}

func (r *ResilientRemote) PublishMode(ctx context.Context, mode models.SmartModeState) error {
	return r.do(ctx, "publish_mode", func(ctx context.Context) error {
		return r.inner.PublishMode(ctx, mode)
	})
}

func (r *ResilientRemote) do(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.InitialInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, err := r.breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Debug("Remote call failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.opts.MaxRetries)), ctx))

	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, err)
	}
	return nil
}
