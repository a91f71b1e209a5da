package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sprout/clock"
	"sprout/models"
	"sprout/store"

	"go.uber.org/zap"
)

// EventLogStorageKey is the store key holding the persisted audit log.
const EventLogStorageKey = "eventLogs"

// EventLog is the bounded, newest-first audit trail of everything the core does.
// The in-memory sequence is authoritative; the store copy is best effort.
type EventLog struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	items  []models.EventLogItem
	max    int
	window time.Duration

	hooksMu sync.RWMutex
	hooks   []func(models.EventLogItem)
}

// NewEventLog creates an empty event log. Call Load to restore persisted entries.
func NewEventLog(st store.Store, clk clock.Clock, logger *zap.Logger, maxEntries int, dedupeWindow time.Duration) *EventLog {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &EventLog{
		store:  st,
		clock:  clk,
		logger: logger,
		max:    maxEntries,
		window: dedupeWindow,
	}
}

// Load restores the persisted log. Unreadable or corrupt data leaves the log empty.
func (l *EventLog) Load(ctx context.Context) {
	raw, found, err := l.store.Get(ctx, EventLogStorageKey)
	if err != nil {
		l.logger.Warn("Failed to read persisted event log, starting empty", zap.Error(err))
		return
	}
	if !found {
		return
	}

	var items []models.EventLogItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		l.logger.Warn("Persisted event log is corrupt, starting empty", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(items) > l.max {
		items = items[:l.max]
	}
	l.items = items
	l.logger.Info("Event log restored", zap.Int("entries", len(items)))
}

// Append stamps the entry with an id, and with the current time unless the
// caller set one, and prepends it, unless an entry with the same action and
// message is stamped within the dedupe window of now. It reports whether the
// entry was kept.
func (l *EventLog) Append(ctx context.Context, item models.EventLogItem) bool {
	if !item.Category.Valid() || !item.Source.Valid() {
		l.logger.Warn("Rejected event log entry with unknown source or category",
			zap.String("action", item.Action),
			zap.String("source", string(item.Source)),
			zap.String("category", string(item.Category)))
		return false
	}

	l.mu.Lock()
	nowMs := l.clock.Now().UnixMilli()
	windowMs := l.window.Milliseconds()
	for _, existing := range l.items {
		if existing.Action == item.Action && existing.Message == item.Message && nowMs-existing.Timestamp <= windowMs {
			l.mu.Unlock()
			return false
		}
	}

	item.ID = models.NewEventID(item.Action, nowMs)
	if item.Timestamp == 0 {
		item.Timestamp = nowMs
	}

	next := make([]models.EventLogItem, 0, min(len(l.items)+1, l.max))
	next = append(next, item)
	next = append(next, l.items...)
	if len(next) > l.max {
		next = next[:l.max]
	}
	l.items = next
	l.persistLocked(ctx)
	l.mu.Unlock()

	l.hooksMu.RLock()
	hooks := append([]func(models.EventLogItem){}, l.hooks...)
	l.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(item)
	}
	return true
}

// Record is shorthand for Append with the common fields.
func (l *EventLog) Record(ctx context.Context, source models.EventSource, category models.EventCategory, action, message string, meta map[string]any) bool {
	return l.Append(ctx, models.EventLogItem{
		Source:   source,
		Category: category,
		Action:   action,
		Message:  message,
		Meta:     meta,
	})
}

// Read returns a copy of the log, newest first.
func (l *EventLog) Read() []models.EventLogItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventLogItem, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of retained entries.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Clear empties the log and removes the persisted copy.
func (l *EventLog) Clear(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	if err := l.store.Remove(ctx, EventLogStorageKey); err != nil {
		l.logger.Warn("Failed to remove persisted event log", zap.Error(err))
	}
}

// SetMaxEntries changes the retention bound, trimming the oldest entries if needed.
func (l *EventLog) SetMaxEntries(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = n
	if len(l.items) > n {
		l.items = l.items[:n]
		l.persistLocked(ctx)
	}
}

// OnAppend registers a hook called, outside the log lock, for every kept entry.
func (l *EventLog) OnAppend(hook func(models.EventLogItem)) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, hook)
}

func (l *EventLog) persistLocked(ctx context.Context) {
	data, err := json.Marshal(l.items)
	if err != nil {
		l.logger.Error("Failed to encode event log", zap.Error(err))
		return
	}
	if err := l.store.Set(ctx, EventLogStorageKey, string(data)); err != nil {
		l.logger.Warn("Failed to persist event log", zap.Error(err))
	}
}
