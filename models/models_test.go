package models

import (
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotZeroSentinel(t *testing.T) {
	assert.True(t, SensorSnapshot{}.IsZero())
	assert.False(t, SensorSnapshot{}.Usable())
	assert.False(t, SensorSnapshot{Temperature: 22}.IsZero())
}

func TestSnapshotValidity(t *testing.T) {
	assert.True(t, SensorSnapshot{SoilMoisture: 25, Temperature: -3, Humidity: 50}.Valid())
	assert.False(t, SensorSnapshot{SoilMoisture: math.NaN(), Humidity: 50}.Valid())
	assert.False(t, SensorSnapshot{SoilMoisture: 120, Humidity: 50}.Valid())
	assert.False(t, SensorSnapshot{SoilMoisture: 20, Humidity: -1}.Valid())
	assert.False(t, SensorSnapshot{SoilMoisture: 20, Temperature: math.Inf(1)}.Valid())
}

func TestDecodeSensorPayload(t *testing.T) {
	fallback := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	body := []byte(`{"device_id":"pi-1","soil_moisture":31.5,"temperature_c":22.1,"humidity":48,"timestamp":"2026-03-01T09:15:00Z"}`)

	snap, err := DecodeSensorPayload(body, fallback)
	require.NoError(t, err)
	assert.Equal(t, "pi-1", snap.DeviceID)
	assert.Equal(t, 31.5, snap.SoilMoisture)
	assert.Equal(t, 22.1, snap.Temperature)
	assert.Equal(t, 48.0, snap.Humidity)
	assert.True(t, snap.Timestamp.Equal(time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)))
}

func TestDecodeSensorPayloadZonelessTimestamp(t *testing.T) {
	body := []byte(`{"soil_moisture":10,"temperature_c":20,"humidity":40,"timestamp":"2026-03-01T09:15:00.123456"}`)
	snap, err := DecodeSensorPayload(body, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Timestamp.Hour())
	assert.Equal(t, 123456000, snap.Timestamp.Nanosecond())
}

func TestDecodeSensorPayloadMissingField(t *testing.T) {
	_, err := DecodeSensorPayload([]byte(`{"soil_moisture":10,"humidity":40}`), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedPayload))

	_, err = DecodeSensorPayload([]byte(`not json`), time.Now())
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestSensorPayloadRoundTripKeepsFallbackWhenUntimed(t *testing.T) {
	fallback := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	p := NewSensorPayload(SensorSnapshot{SoilMoisture: 40, Temperature: 25, Humidity: 60, Timestamp: fallback})
	require.NotNil(t, p.TemperatureF)
	assert.Equal(t, 77.0, *p.TemperatureF)

	p.Timestamp = ""
	snap, err := p.Snapshot(fallback)
	require.NoError(t, err)
	assert.True(t, snap.Timestamp.Equal(fallback))
}

func TestParseStopReason(t *testing.T) {
	for _, r := range AllStopReasons() {
		got, err := ParseStopReason(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseStopReason("gravity")
	assert.Error(t, err)
}

func TestParsePumpID(t *testing.T) {
	id, err := ParsePumpID("pump2")
	require.NoError(t, err)
	assert.Equal(t, PumpTwo, id)

	_, err = ParsePumpID("pump7")
	assert.Error(t, err)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	bad := DefaultThresholds()
	bad.MinTemperature = 40
	bad.MaxWateringDuration = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min temperature")
	assert.Contains(t, err.Error(), "max watering duration")
}

func TestThresholdsPayloadConversion(t *testing.T) {
	th := DefaultThresholds()
	p := th.Payload()
	assert.Equal(t, int64(30000), p.MaxWateringDurationMs)
	assert.Equal(t, th, p.Thresholds())
}

func TestSmartModeRemoteValue(t *testing.T) {
	assert.Equal(t, "smart", SmartModeState{Enabled: true}.RemoteMode())
	assert.Equal(t, "manual", SmartModeState{}.RemoteMode())
}

func TestEventCategoryClosedSet(t *testing.T) {
	assert.True(t, CategoryPump.Valid())
	assert.True(t, CategoryAuth.Valid())
	assert.False(t, EventCategory("weather").Valid())
	assert.True(t, SourceUser.Valid())
	assert.False(t, EventSource("robot").Valid())
}

func TestNewEventIDShape(t *testing.T) {
	id := NewEventID("pump_on", 1700000000123)
	assert.Regexp(t, regexp.MustCompile(`^pump_on-1700000000123-[0-9a-f]{6}$`), id)
	assert.NotEqual(t, id, NewEventID("pump_on", 1700000000123))
}

func TestPumpRuntimeStateBusy(t *testing.T) {
	assert.False(t, PumpRuntimeState{Status: PumpIdle}.IsBusy())
	assert.True(t, PumpRuntimeState{Status: PumpWatering}.IsBusy())
	assert.True(t, PumpRuntimeState{Status: PumpCooldown}.IsBusy())
}
