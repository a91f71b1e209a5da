package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"sprout/models"
	"sprout/store"

	"go.uber.org/zap"
)

// Store keys for persisted settings.
const (
	keySoilMoistureThreshold   = "soilMoistureThreshold"
	keyMinTemperatureThreshold = "minTemperatureThreshold"
	keyMaxTemperatureThreshold = "maxTemperatureThreshold"
	keyHumidityThreshold       = "humidityThreshold"
	keyMaxWateringDurationMs   = "maxWateringDurationMs"
	keySmartMode               = "smartMode"
	keySelectedPlant           = "selectedPlant"
)

// Settings is the user-controlled configuration shared by the core.
type Settings struct {
	Thresholds models.Thresholds     `json:"thresholds"`
	SmartMode  models.SmartModeState `json:"smart_mode"`
	Plant      *models.PlantProfile  `json:"plant,omitempty"`
}

// SettingsService owns thresholds and the smart mode switch. Every change is
// persisted, mirrored to the device and announced to subscribers.
type SettingsService struct {
	store    store.Store
	remote   RemoteChannel
	events   *EventLog
	logger   *zap.Logger
	defaults models.Thresholds

	// serializes mutations so subscribers see changes in order
	writeMu sync.Mutex

	mu      sync.RWMutex
	current Settings

	subsMu sync.Mutex
	subs   map[uint64]func(prev, next Settings)
	nextID uint64
}

func NewSettingsService(st store.Store, remote RemoteChannel, events *EventLog, logger *zap.Logger, defaults models.Thresholds) *SettingsService {
	return &SettingsService{
		store:    st,
		remote:   remote,
		events:   events,
		logger:   logger,
		defaults: defaults,
		current:  Settings{Thresholds: defaults},
		subs:     make(map[uint64]func(prev, next Settings)),
	}
}

// Load restores persisted settings. Missing keys keep their defaults; a failed
// read falls back to defaults entirely and is recorded as an error.
func (s *SettingsService) Load(ctx context.Context) {
	loaded, err := s.readPersisted(ctx)
	if err != nil {
		s.logger.Error("Failed to load settings, using defaults", zap.Error(err))
		s.events.Record(ctx, models.SourceSystem, models.CategoryError, "settings_load_failed",
			"Could not read saved settings, using defaults", map[string]any{"error": err.Error()})
		loaded = Settings{Thresholds: s.defaults}
	} else if verr := loaded.Thresholds.Validate(); verr != nil {
		s.logger.Warn("Persisted thresholds are inconsistent, using defaults", zap.Error(verr))
		loaded.Thresholds = s.defaults
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()

	s.logger.Info("Settings loaded",
		zap.Float64("soil_threshold", loaded.Thresholds.SoilMoisture),
		zap.Float64("min_temperature", loaded.Thresholds.MinTemperature),
		zap.Float64("max_temperature", loaded.Thresholds.MaxTemperature),
		zap.Float64("humidity_threshold", loaded.Thresholds.Humidity),
		zap.Duration("max_watering", loaded.Thresholds.MaxWateringDuration),
		zap.Bool("smart_mode", loaded.SmartMode.Enabled))
}

func (s *SettingsService) readPersisted(ctx context.Context) (Settings, error) {
	out := Settings{Thresholds: s.defaults}

	floats := []struct {
		key string
		dst *float64
	}{
		{keySoilMoistureThreshold, &out.Thresholds.SoilMoisture},
		{keyMinTemperatureThreshold, &out.Thresholds.MinTemperature},
		{keyMaxTemperatureThreshold, &out.Thresholds.MaxTemperature},
		{keyHumidityThreshold, &out.Thresholds.Humidity},
	}
	for _, f := range floats {
		raw, found, err := s.store.Get(ctx, f.key)
		if err != nil {
			return Settings{}, fmt.Errorf("read %s: %w", f.key, err)
		}
		if !found {
			continue
		}
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			*f.dst = v
		} else {
			s.logger.Warn("Ignoring unparsable setting", zap.String("key", f.key), zap.String("value", raw))
		}
	}

	raw, found, err := s.store.Get(ctx, keyMaxWateringDurationMs)
	if err != nil {
		return Settings{}, fmt.Errorf("read %s: %w", keyMaxWateringDurationMs, err)
	}
	if found {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil && ms > 0 {
			out.Thresholds.MaxWateringDuration = time.Duration(ms) * time.Millisecond
		}
	}

	raw, found, err = s.store.Get(ctx, keySmartMode)
	if err != nil {
		return Settings{}, fmt.Errorf("read %s: %w", keySmartMode, err)
	}
	if found {
		out.SmartMode.Enabled, _ = strconv.ParseBool(raw)
	}

	raw, found, err = s.store.Get(ctx, keySelectedPlant)
	if err != nil {
		return Settings{}, fmt.Errorf("read %s: %w", keySelectedPlant, err)
	}
	if found {
		var plant models.PlantProfile
		if json.Unmarshal([]byte(raw), &plant) == nil {
			out.Plant = &plant
		}
	}

	return out, nil
}

// Current returns a copy of the active settings.
func (s *SettingsService) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.current
	if out.Plant != nil {
		p := *out.Plant
		out.Plant = &p
	}
	return out
}

func (s *SettingsService) Thresholds() models.Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Thresholds
}

func (s *SettingsService) SmartMode() models.SmartModeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.SmartMode
}

// UpdateThresholds replaces the thresholds. Only invalid input is reported as
// an error; storage and remote failures are logged.
func (s *SettingsService) UpdateThresholds(ctx context.Context, t models.Thresholds, source models.EventSource) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, next := s.swap(func(cur *Settings) { cur.Thresholds = t })

	s.persistThresholds(ctx, t)
	s.mirrorThresholds(ctx, t)
	s.events.Record(ctx, source, models.CategorySettings, "thresholds_updated", describeThresholds(t),
		map[string]any{"thresholds": t.Payload()})
	s.publish(prev, next)
	return nil
}

// SetSmartMode switches smart watering on or off and reports whether anything changed.
func (s *SettingsService) SetSmartMode(ctx context.Context, enabled bool, source models.EventSource) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.SmartMode().Enabled == enabled {
		return false
	}
	prev, next := s.swap(func(cur *Settings) { cur.SmartMode.Enabled = enabled })

	if err := s.store.Set(ctx, keySmartMode, strconv.FormatBool(enabled)); err != nil {
		s.logger.Warn("Failed to persist smart mode", zap.Error(err))
	}
	if err := s.remote.PublishMode(ctx, next.SmartMode); err != nil {
		s.remoteSyncFailed(ctx, "mode", err)
	}

	action, message := "smart_mode_off", "Smart watering disabled"
	if enabled {
		action, message = "smart_mode_on", "Smart watering enabled"
	}
	s.events.Record(ctx, source, models.CategorySmartWatering, action, message, nil)
	s.publish(prev, next)
	return true
}

// ApplyProfile selects a plant profile and adopts its thresholds.
func (s *SettingsService) ApplyProfile(ctx context.Context, profile models.PlantProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	t := profile.Apply(s.Thresholds())
	if err := t.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, next := s.swap(func(cur *Settings) {
		cur.Thresholds = t
		p := profile
		cur.Plant = &p
	})

	if data, err := json.Marshal(profile); err == nil {
		if err := s.store.Set(ctx, keySelectedPlant, string(data)); err != nil {
			s.logger.Warn("Failed to persist selected plant", zap.Error(err))
		}
	}
	s.persistThresholds(ctx, t)
	s.mirrorThresholds(ctx, t)
	s.events.Record(ctx, models.SourceUser, models.CategoryPlant, "plant_selected",
		fmt.Sprintf("Selected plant: %s", profile.Name),
		map[string]any{"id": profile.ID, "name": profile.Name, "thresholds": t.Payload()})
	s.publish(prev, next)
	return nil
}

// Subscribe registers fn for every settings change and returns an idempotent
// unsubscribe function. fn runs on the mutating goroutine; it must not mutate
// settings itself.
func (s *SettingsService) Subscribe(fn func(prev, next Settings)) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return sync.OnceFunc(func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	})
}

func (s *SettingsService) swap(mutate func(*Settings)) (prev, next Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.current
	mutate(&s.current)
	return prev, s.current
}

func (s *SettingsService) publish(prev, next Settings) {
	s.subsMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	fns := make([]func(prev, next Settings), 0, len(ids))
	// registration order
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(prev, next)
	}
}

func (s *SettingsService) persistThresholds(ctx context.Context, t models.Thresholds) {
	values := map[string]string{
		keySoilMoistureThreshold:   strconv.FormatFloat(t.SoilMoisture, 'f', -1, 64),
		keyMinTemperatureThreshold: strconv.FormatFloat(t.MinTemperature, 'f', -1, 64),
		keyMaxTemperatureThreshold: strconv.FormatFloat(t.MaxTemperature, 'f', -1, 64),
		keyHumidityThreshold:       strconv.FormatFloat(t.Humidity, 'f', -1, 64),
		keyMaxWateringDurationMs:   strconv.FormatInt(t.MaxWateringDuration.Milliseconds(), 10),
	}
	for key, value := range values {
		if err := s.store.Set(ctx, key, value); err != nil {
			s.logger.Warn("Failed to persist setting", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *SettingsService) mirrorThresholds(ctx context.Context, t models.Thresholds) {
	if err := s.remote.PublishThresholds(ctx, t); err != nil {
		s.remoteSyncFailed(ctx, "thresholds", err)
	}
}

func (s *SettingsService) remoteSyncFailed(ctx context.Context, what string, err error) {
	s.logger.Warn("Failed to mirror settings to device", zap.String("node", what), zap.Error(err))
	s.events.Record(ctx, models.SourceSystem, models.CategoryError, "remote_sync_failed",
		fmt.Sprintf("Could not sync %s to the device", what), map[string]any{"error": err.Error()})
}

func describeThresholds(t models.Thresholds) string {
	return fmt.Sprintf("Thresholds updated: soil <%.0f%%, temperature %.0f-%.0f°C, humidity <%.0f%%, max watering %s",
		t.SoilMoisture, t.MinTemperature, t.MaxTemperature, t.Humidity, t.MaxWateringDuration)
}
