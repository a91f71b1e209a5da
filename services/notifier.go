package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"sprout/models"

	"go.uber.org/zap"
)

// Notifier delivers a user-facing message (push, chat, webhook).
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) error { return nil }

// MultiNotifier fans a message out to every sink and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const dispatchQueueSize = 64

type outbound struct {
	ctx         context.Context
	title, body string
}

// dispatcher sends notifications on behalf of the core. send only queues the
// message; a single drain goroutine delivers the queue in order and exits
// when it is empty. Delivery never fails the caller; a failed or dropped
// send becomes an error entry in the event log.
type dispatcher struct {
	notifier Notifier
	events   *EventLog
	logger   *zap.Logger
	timeout  time.Duration

	mu       sync.Mutex
	idle     *sync.Cond
	queue    []outbound
	draining bool
}

func newDispatcher(n Notifier, events *EventLog, logger *zap.Logger, timeout time.Duration) *dispatcher {
	if n == nil {
		n = NopNotifier{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &dispatcher{notifier: n, events: events, logger: logger, timeout: timeout}
	d.idle = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) send(ctx context.Context, title, body string) {
	ctx = context.WithoutCancel(ctx)

	d.mu.Lock()
	if len(d.queue) >= dispatchQueueSize {
		d.mu.Unlock()
		d.failed(ctx, title, errors.New("notification queue full"))
		return
	}
	d.queue = append(d.queue, outbound{ctx: ctx, title: title, body: body})
	if !d.draining {
		d.draining = true
		go d.drain()
	}
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.draining = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(next)
	}
}

func (d *dispatcher) deliver(m outbound) {
	sendCtx, cancel := context.WithTimeout(m.ctx, d.timeout)
	defer cancel()

	if err := d.notifier.Notify(sendCtx, m.title, m.body); err != nil {
		d.failed(m.ctx, m.title, err)
	}
}

func (d *dispatcher) failed(ctx context.Context, title string, err error) {
	d.logger.Warn("Notification delivery failed", zap.String("title", title), zap.Error(err))
	d.events.Record(ctx, models.SourceSystem, models.CategoryError, "notification_failed",
		"Failed to deliver \""+title+"\": "+err.Error(), nil)
}

// wait blocks until every queued notification has been delivered or failed.
func (d *dispatcher) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.draining {
		d.idle.Wait()
	}
}
