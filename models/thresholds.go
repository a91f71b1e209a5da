package models

import (
	"errors"
	"fmt"
	"time"
)

// Thresholds are the user-editable limits shared by the alert engine, the
// smart coordinator and the pump timeout
type Thresholds struct {
	SoilMoisture        float64       `json:"soil_moisture"`
	MinTemperature      float64       `json:"min_temperature"`
	MaxTemperature      float64       `json:"max_temperature"`
	Humidity            float64       `json:"humidity"`
	MaxWateringDuration time.Duration `json:"-"`
}

// DefaultThresholds mirrors the values the mobile app ships with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SoilMoisture:        15,
		MinTemperature:      10,
		MaxTemperature:      35,
		Humidity:            20,
		MaxWateringDuration: 30 * time.Second,
	}
}

func (t Thresholds) Validate() error {
	var errs []error
	if t.SoilMoisture < 0 || t.SoilMoisture > 100 {
		errs = append(errs, fmt.Errorf("soil moisture threshold %.1f outside 0-100", t.SoilMoisture))
	}
	if t.Humidity < 0 || t.Humidity > 100 {
		errs = append(errs, fmt.Errorf("humidity threshold %.1f outside 0-100", t.Humidity))
	}
	if t.MinTemperature >= t.MaxTemperature {
		errs = append(errs, fmt.Errorf("min temperature %.1f must be below max %.1f", t.MinTemperature, t.MaxTemperature))
	}
	if t.MaxWateringDuration <= 0 {
		errs = append(errs, errors.New("max watering duration must be positive"))
	}
	return errors.Join(errs...)
}

// ThresholdsPayload is the JSON form used by the API and the remote mirror.
type ThresholdsPayload struct {
	SoilMoisture          float64 `json:"soilMoistureThreshold"`
	MinTemperature        float64 `json:"minTemperatureThreshold"`
	MaxTemperature        float64 `json:"maxTemperatureThreshold"`
	Humidity              float64 `json:"humidityThreshold"`
	MaxWateringDurationMs int64   `json:"maxWateringDurationMs"`
}

func (t Thresholds) Payload() ThresholdsPayload {
	return ThresholdsPayload{
		SoilMoisture:          t.SoilMoisture,
		MinTemperature:        t.MinTemperature,
		MaxTemperature:        t.MaxTemperature,
		Humidity:              t.Humidity,
		MaxWateringDurationMs: t.MaxWateringDuration.Milliseconds(),
	}
}

func (p ThresholdsPayload) Thresholds() Thresholds {
	return Thresholds{
		SoilMoisture:        p.SoilMoisture,
		MinTemperature:      p.MinTemperature,
		MaxTemperature:      p.MaxTemperature,
		Humidity:            p.Humidity,
		MaxWateringDuration: time.Duration(p.MaxWateringDurationMs) * time.Millisecond,
	}
}

// SmartModeState is the process-wide smart watering switch
type SmartModeState struct {
	Enabled bool `json:"enabled"`
}

// RemoteMode is the value mirrored to the device's "mode" key.
func (s SmartModeState) RemoteMode() string {
	if s.Enabled {
		return "smart"
	}
	return "manual"
}
