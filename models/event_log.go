package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventSource says whether a person or the system caused an event
type EventSource string

const (
	SourceUser   EventSource = "user"
	SourceSystem EventSource = "system"
)

// EventCategory groups audit entries; the set is closed
type EventCategory string

const (
	CategoryPump          EventCategory = "pump"
	CategorySmartWatering EventCategory = "smart_watering"
	CategoryCamera        EventCategory = "camera"
	CategorySettings      EventCategory = "settings"
	CategoryNotification  EventCategory = "notification"
	CategorySensor        EventCategory = "sensor"
	CategoryApp           EventCategory = "app"
	CategoryError         EventCategory = "error"
	CategoryNavigation    EventCategory = "navigation"
	CategoryDevice        EventCategory = "device"
	CategoryPlant         EventCategory = "plant"
	CategoryAuth          EventCategory = "auth"
)

var eventCategories = map[EventCategory]struct{}{
	CategoryPump: {}, CategorySmartWatering: {}, CategoryCamera: {}, CategorySettings: {},
	CategoryNotification: {}, CategorySensor: {}, CategoryApp: {}, CategoryError: {},
	CategoryNavigation: {}, CategoryDevice: {}, CategoryPlant: {}, CategoryAuth: {},
}

func (c EventCategory) Valid() bool {
	_, ok := eventCategories[c]
	return ok
}

func (s EventSource) Valid() bool {
	return s == SourceUser || s == SourceSystem
}

// EventLogItem is one immutable audit entry. Timestamp is epoch milliseconds.
type EventLogItem struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Category  EventCategory  `json:"category"`
	Action    string         `json:"action"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NewEventID derives an id from the action, the append time and a random suffix.
func NewEventID(action string, nowMs int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%d-%s", action, nowMs, suffix)
}
