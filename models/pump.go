package models

import (
	"fmt"
	"time"
)

// PumpID names a physical actuator
type PumpID string

const (
	PumpOne PumpID = "pump1"
	PumpTwo PumpID = "pump2"
)

// AllPumps returns every pump the hardware can carry.
func AllPumps() []PumpID {
	return []PumpID{PumpOne, PumpTwo}
}

// ParsePumpID accepts only the known pump identifiers.
func ParsePumpID(raw string) (PumpID, error) {
	for _, id := range AllPumps() {
		if string(id) == raw {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown pump %q", raw)
}

// PumpStatus is the lifecycle state of one pump
type PumpStatus string

const (
	PumpIdle     PumpStatus = "idle"
	PumpWatering PumpStatus = "watering"
	PumpCooldown PumpStatus = "cooldown"
)

// Trigger records who started a watering session
type Trigger string

const (
	TriggerUser  Trigger = "user"
	TriggerSmart Trigger = "smart"
	// pump found running on the device without a local start
	TriggerRemote Trigger = "remote"
)

// StopReason says why a watering session ended
type StopReason string

const (
	StopReasonManual   StopReason = "manual"
	StopReasonAuto     StopReason = "auto"
	StopReasonTimeout  StopReason = "timeout"
	StopReasonSmartOff StopReason = "smart_off"
	// device confirmed OFF on its own (e.g. its watchdog fired)
	StopReasonDevice StopReason = "device"
)

// AllStopReasons lists every reason a session can end with.
func AllStopReasons() []StopReason {
	return []StopReason{StopReasonManual, StopReasonAuto, StopReasonTimeout, StopReasonSmartOff, StopReasonDevice}
}

func ParseStopReason(raw string) (StopReason, error) {
	for _, r := range AllStopReasons() {
		if string(r) == raw {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown stop reason %q", raw)
}

// PumpRuntimeState is the read-only view of a pump exposed to the UI layer
type PumpRuntimeState struct {
	ID                PumpID     `json:"id"`
	Status            PumpStatus `json:"status"`
	Trigger           Trigger    `json:"trigger,omitempty"`
	WateringStartedAt time.Time  `json:"watering_started_at,omitempty"`
	CooldownEndsAt    time.Time  `json:"cooldown_ends_at,omitempty"`
	// whole seconds left in cooldown, ticks down once per second
	CooldownRemaining  int        `json:"cooldown_remaining"`
	LastStopReason     StopReason `json:"last_stop_reason,omitempty"`
	LastElapsedSeconds int        `json:"last_elapsed_seconds"`
}

// IsBusy reports whether start requests are currently rejected.
func (s PumpRuntimeState) IsBusy() bool {
	return s.Status == PumpWatering || s.Status == PumpCooldown
}
