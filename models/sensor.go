package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// SensorSnapshot is the latest reading pushed by the device
type SensorSnapshot struct {
	DeviceID     string    `json:"device_id,omitempty"`
	SoilMoisture float64   `json:"soil_moisture"`
	Temperature  float64   `json:"temperature"`
	Humidity     float64   `json:"humidity"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsZero reports the all-zero placeholder seen before the first real reading.
func (s SensorSnapshot) IsZero() bool {
	return s.SoilMoisture == 0 && s.Temperature == 0 && s.Humidity == 0
}

// Valid rejects readings that cannot come from a working sensor.
func (s SensorSnapshot) Valid() bool {
	for _, v := range []float64{s.SoilMoisture, s.Temperature, s.Humidity} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if s.SoilMoisture < 0 || s.SoilMoisture > 100 {
		return false
	}
	if s.Humidity < 0 || s.Humidity > 100 {
		return false
	}
	return true
}

// Usable is what evaluators check before acting on a snapshot.
func (s SensorSnapshot) Usable() bool {
	return s.Valid() && !s.IsZero()
}

// SensorPayload is the wire format the device publishes (RTDB child, MQTT, AMQP)
type SensorPayload struct {
	DeviceID     string   `json:"device_id,omitempty"`
	SoilMoisture *float64 `json:"soil_moisture"`
	TemperatureC *float64 `json:"temperature_c"`
	TemperatureF *float64 `json:"temperature_f,omitempty"`
	Humidity     *float64 `json:"humidity"`
	Timestamp    string   `json:"timestamp"`
}

var ErrMalformedPayload = errors.New("malformed sensor payload")

// device clocks write ISO timestamps without a zone
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseSensorTimestamp parses the timestamp formats seen on the wire, in loc for
// zone-less values.
func ParseSensorTimestamp(raw string, loc *time.Location) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// Snapshot converts the payload, using fallback when the timestamp is missing.
func (p SensorPayload) Snapshot(fallback time.Time) (SensorSnapshot, error) {
	if p.SoilMoisture == nil || p.TemperatureC == nil || p.Humidity == nil {
		return SensorSnapshot{}, fmt.Errorf("%w: missing soil_moisture, temperature_c or humidity", ErrMalformedPayload)
	}

	ts := fallback
	if p.Timestamp != "" {
		parsed, err := ParseSensorTimestamp(p.Timestamp, time.Local)
		if err != nil {
			return SensorSnapshot{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		ts = parsed
	}

	return SensorSnapshot{
		DeviceID:     p.DeviceID,
		SoilMoisture: *p.SoilMoisture,
		Temperature:  *p.TemperatureC,
		Humidity:     *p.Humidity,
		Timestamp:    ts,
	}, nil
}

// DecodeSensorPayload parses a JSON message body into a snapshot.
func DecodeSensorPayload(body []byte, fallback time.Time) (SensorSnapshot, error) {
	var payload SensorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return SensorSnapshot{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload.Snapshot(fallback)
}

// NewSensorPayload builds the wire form of a reading.
func NewSensorPayload(s SensorSnapshot) SensorPayload {
	soil, temp, hum := s.SoilMoisture, s.Temperature, s.Humidity
	tempF := math.Round((temp*9/5+32)*10) / 10
	return SensorPayload{
		DeviceID:     s.DeviceID,
		SoilMoisture: &soil,
		TemperatureC: &temp,
		TemperatureF: &tempF,
		Humidity:     &hum,
		Timestamp:    s.Timestamp.Format(time.RFC3339Nano),
	}
}

// MetricKey identifies one tracked threshold condition
type MetricKey string

const (
	MetricSoil     MetricKey = "soil"
	MetricTempLow  MetricKey = "tempLow"
	MetricTempHigh MetricKey = "tempHigh"
	MetricHumidity MetricKey = "humidity"
)

// AllMetricKeys lists the conditions in evaluation order.
func AllMetricKeys() []MetricKey {
	return []MetricKey{MetricSoil, MetricTempLow, MetricTempHigh, MetricHumidity}
}

// ThresholdBreach represents a detected threshold violation
type ThresholdBreach struct {
	Key         MetricKey `json:"key"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	DeviceID    string    `json:"device_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// Title returns a user-facing heading for the breach
func (b *ThresholdBreach) Title() string {
	switch b.Key {
	case MetricSoil:
		return "Soil Too Dry"
	case MetricTempLow:
		return "Temperature Too Low"
	case MetricTempHigh:
		return "Temperature Too High"
	case MetricHumidity:
		return "Humidity Too Low"
	default:
		return "Sensor Alert"
	}
}

// Emoji returns appropriate emoji for the breach
func (b *ThresholdBreach) Emoji() string {
	switch b.Key {
	case MetricSoil:
		return "🏜️"
	case MetricTempLow:
		return "🧊"
	case MetricTempHigh:
		return "🔥"
	case MetricHumidity:
		return "💧"
	default:
		return "⚠️"
	}
}
