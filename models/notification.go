package models

import "time"

// Notification is an entry in the local alert inbox
type Notification struct {
	ID        string    `json:"id"`
	Key       MetricKey `json:"key"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}
