package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sprout/config"
	"sprout/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	rtdbPumpPath       = "waterPump"
	rtdbModePath       = "mode"
	rtdbThresholdsPath = "thresholds"
	rtdbSensorPath     = "sensorData"

	// device timestamps are zone-less local time and compare lexicographically
	rtdbCheckpointLayout = "2006-01-02T15:04:05"
)

// FirebaseService is the Realtime Database link to the device: it writes
// desired pump state and settings, and polls the device's sensor readings.
type FirebaseService struct {
	client *db.Client
	config *config.Config
	logger *zap.Logger
}

func NewFirebaseService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*FirebaseService, error) {
	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseService{
		client: client,
		config: cfg,
		logger: logger,
	}

	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection reads the pump node with retry until the database answers
func (fs *FirebaseService) testConnection(ctx context.Context) error {
	const maxRetries = 3
	attempt := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second

	return backoff.Retry(func() error {
		attempt++
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var data interface{}
		if err := fs.client.NewRef(rtdbPumpPath).Get(ctx, &data); err != nil {
			fs.logger.Warn("Firebase connection failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		fs.logger.Info("Firebase connection successful")
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries-1), ctx))
}

// SetPump writes the desired state of one pump as "ON" or "OFF".
func (fs *FirebaseService) SetPump(ctx context.Context, id models.PumpID, on bool) error {
	if err := fs.client.NewRef(rtdbPumpPath).Update(ctx, map[string]interface{}{
		string(id): pumpValue(on),
	}); err != nil {
		return fmt.Errorf("write %s/%s: %w", rtdbPumpPath, id, err)
	}
	return nil
}

// PumpState reads the state the device currently reports for a pump.
func (fs *FirebaseService) PumpState(ctx context.Context, id models.PumpID) (bool, error) {
	var value string
	if err := fs.client.NewRef(rtdbPumpPath+"/"+string(id)).Get(ctx, &value); err != nil {
		return false, fmt.Errorf("read %s/%s: %w", rtdbPumpPath, id, err)
	}
	return value == "ON", nil
}

// PumpStates reads every pump node at once.
func (fs *FirebaseService) PumpStates(ctx context.Context) (map[string]string, error) {
	var states map[string]string
	if err := fs.client.NewRef(rtdbPumpPath).Get(ctx, &states); err != nil {
		return nil, fmt.Errorf("read %s: %w", rtdbPumpPath, err)
	}
	return states, nil
}

func (fs *FirebaseService) PublishThresholds(ctx context.Context, t models.Thresholds) error {
	if err := fs.client.NewRef(rtdbThresholdsPath).Set(ctx, t.Payload()); err != nil {
		return fmt.Errorf("write %s: %w", rtdbThresholdsPath, err)
	}
	return nil
}

func (fs *FirebaseService) PublishMode(ctx context.Context, mode models.SmartModeState) error {
	if err := fs.client.NewRef(rtdbModePath).Set(ctx, mode.RemoteMode()); err != nil {
		return fmt.Errorf("write %s: %w", rtdbModePath, err)
	}
	return nil
}

// ReadMode returns the raw "mode" node ("smart" or "manual").
func (fs *FirebaseService) ReadMode(ctx context.Context) (string, error) {
	var mode string
	if err := fs.client.NewRef(rtdbModePath).Get(ctx, &mode); err != nil {
		return "", fmt.Errorf("read %s: %w", rtdbModePath, err)
	}
	return mode, nil
}

// ReadThresholds returns the mirrored thresholds node, if present.
func (fs *FirebaseService) ReadThresholds(ctx context.Context) (*models.ThresholdsPayload, error) {
	var payload *models.ThresholdsPayload
	if err := fs.client.NewRef(rtdbThresholdsPath).Get(ctx, &payload); err != nil {
		return nil, fmt.Errorf("read %s: %w", rtdbThresholdsPath, err)
	}
	return payload, nil
}

// SubscribeToSensorData polls new sensor records and publishes them to feed
// in timestamp order. It returns immediately; polling stops with ctx.
func (fs *FirebaseService) SubscribeToSensorData(ctx context.Context, feed *SensorFeed, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ref := fs.client.NewRef(rtdbSensorPath)

	lastReadTime := time.Now().Add(-1 * time.Minute)
	processedRecords := make(map[string]bool)

	go func() {
		defer fs.logger.Info("Firebase polling stopped")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fs.logger.Info("Starting Firebase sensor polling", zap.Duration("interval", interval))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				query := ref.OrderByChild("timestamp").StartAt(lastReadTime.Format(rtdbCheckpointLayout))

				var data map[string]models.SensorPayload
				if err := query.Get(ctx, &data); err != nil {
					fs.logger.Error("Error getting sensor data", zap.Error(err))
					continue
				}
				if len(data) == 0 {
					continue
				}

				fresh := fs.freshSnapshots(data, lastReadTime, processedRecords)
				for _, snap := range fresh {
					feed.Publish(snap)
					if snap.Timestamp.After(lastReadTime) {
						lastReadTime = snap.Timestamp
					}
				}

				if len(fresh) > 0 {
					fs.logger.Debug("Processed new sensor records",
						zap.Int("count", len(fresh)),
						zap.Time("checkpoint", lastReadTime))
				}

				if len(processedRecords) > 500 {
					processedRecords = make(map[string]bool)
				}
			}
		}
	}()
}

func (fs *FirebaseService) freshSnapshots(data map[string]models.SensorPayload, since time.Time, processed map[string]bool) []models.SensorSnapshot {
	var out []models.SensorSnapshot
	for key, payload := range data {
		if processed[key] {
			continue
		}
		snap, err := payload.Snapshot(time.Time{})
		if err != nil {
			fs.logger.Warn("Invalid sensor record", zap.String("record_id", key), zap.Error(err))
			processed[key] = true
			continue
		}
		if !snap.Timestamp.After(since) {
			continue
		}
		processed[key] = true
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// LatestSensorSnapshot reads the newest sensor record.
func (fs *FirebaseService) LatestSensorSnapshot(ctx context.Context) (models.SensorSnapshot, error) {
	var data map[string]models.SensorPayload
	if err := fs.client.NewRef(rtdbSensorPath).OrderByKey().LimitToLast(1).Get(ctx, &data); err != nil {
		return models.SensorSnapshot{}, fmt.Errorf("error getting sensor data: %w", err)
	}
	for _, payload := range data {
		return payload.Snapshot(time.Time{})
	}
	return models.SensorSnapshot{}, fmt.Errorf("no sensor data found")
}

// Close releases the service. The RTDB client holds no connection of its own.
func (fs *FirebaseService) Close() error {
	fs.logger.Info("Closing Firebase service")
	return nil
}

func pumpValue(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
