package models

import (
	"errors"
	"strings"
)

// PlantProfile is a named preset for the per-plant thresholds. The maximum
// temperature is global and not part of a profile.
type PlantProfile struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Category       string  `json:"category,omitempty"`
	SoilMoisture   float64 `json:"soilMoistureThreshold"`
	MinTemperature float64 `json:"minTemperatureThreshold"`
	Humidity       float64 `json:"humidityThreshold"`
}

func (p PlantProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("plant profile id is required")
	}
	return nil
}

// Apply overlays the profile onto t.
func (p PlantProfile) Apply(t Thresholds) Thresholds {
	t.SoilMoisture = p.SoilMoisture
	t.MinTemperature = p.MinTemperature
	t.Humidity = p.Humidity
	return t
}
