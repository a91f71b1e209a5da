package models

import (
	"time"
)

// SensorHealthStatus represents the liveness of the sensor feed
type SensorHealthStatus string

const (
	SensorHealthy   SensorHealthStatus = "healthy"
	SensorStale     SensorHealthStatus = "stale"
	SensorRecovered SensorHealthStatus = "recovered"
)

// SensorHealth tracks when the device last produced a usable reading
type SensorHealth struct {
	Status   SensorHealthStatus `json:"status"`
	LastSeen time.Time          `json:"last_seen"`
	StaleAt  time.Time          `json:"stale_at,omitempty"` // When the feed went stale (if applicable)
}
