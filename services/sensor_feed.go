package services

import (
	"sync"
	"sync/atomic"

	"sprout/models"
)

// SensorFeed fans incoming sensor snapshots out to subscribers and remembers
// the latest one. Handlers run on the publisher's goroutine, outside the feed lock.
type SensorFeed struct {
	mu        sync.RWMutex
	subs      []*feedSubscription
	latest    models.SensorSnapshot
	hasLatest bool
}

type feedSubscription struct {
	handler func(models.SensorSnapshot)
	active  atomic.Bool
}

func NewSensorFeed() *SensorFeed {
	return &SensorFeed{}
}

// Subscribe registers handler and returns an idempotent unsubscribe function.
// Unsubscribed handlers are skipped even by a publish already in progress.
func (f *SensorFeed) Subscribe(handler func(models.SensorSnapshot)) func() {
	sub := &feedSubscription{handler: handler}
	sub.active.Store(true)

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	return sync.OnceFunc(func() {
		sub.active.Store(false)
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == sub {
				f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
				break
			}
		}
	})
}

// Publish records snap as the latest reading and delivers it to every subscriber.
func (f *SensorFeed) Publish(snap models.SensorSnapshot) {
	f.mu.Lock()
	f.latest = snap
	f.hasLatest = true
	subs := make([]*feedSubscription, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.handler(snap)
		}
	}
}

// Latest returns the most recent snapshot, if any was published.
func (f *SensorFeed) Latest() (models.SensorSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest, f.hasLatest
}

func (f *SensorFeed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
