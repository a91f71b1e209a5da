package services

import (
	"strings"
	"sync"
	"time"

	"sprout/config"
	"sprout/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	measurementSensor   = "sensor"
	measurementWatering = "watering_session"
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// HistoryWriter keeps a time series of sensor readings and finished watering
// sessions in InfluxDB. Writes are asynchronous; failures only update the
// last error time reported by /healthz.
type HistoryWriter struct {
	client influxdb2.Client
	writer pointWriter
	logger *zap.Logger

	mu      sync.RWMutex
	lastErr time.Time
}

// NewHistoryWriter creates a client for the configured bucket and starts
// draining its asynchronous write errors.
func NewHistoryWriter(cfg *config.Config, logger *zap.Logger) *HistoryWriter {
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	writeAPI := client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)

	h := newHistoryWriter(writeAPI, logger)
	h.client = client

	go func() {
		for err := range writeAPI.Errors() {
			if err != nil {
				h.markError(err)
			}
		}
	}()

	logger.Info("InfluxDB history enabled",
		zap.String("url", cfg.InfluxURL),
		zap.String("bucket", cfg.InfluxBucket))
	return h
}

func newHistoryWriter(w pointWriter, logger *zap.Logger) *HistoryWriter {
	return &HistoryWriter{
		writer:  w,
		logger:  logger,
		lastErr: time.Now().Add(-24 * time.Hour),
	}
}

// Attach writes every usable reading from feed and every finished watering
// session recorded in events. The returned function detaches from the feed.
func (h *HistoryWriter) Attach(events *EventLog, feed *SensorFeed) func() {
	events.OnAppend(func(item models.EventLogItem) {
		h.WriteSession(item)
	})
	return feed.Subscribe(h.WriteSnapshot)
}

func (h *HistoryWriter) WriteSnapshot(snap models.SensorSnapshot) {
	if !snap.Usable() {
		return
	}
	tags := map[string]string{}
	if snap.DeviceID != "" {
		tags["device_id"] = snap.DeviceID
	}
	h.writer.WritePoint(influxdb2.NewPoint(measurementSensor, tags, map[string]interface{}{
		"soil_moisture": snap.SoilMoisture,
		"temperature":   snap.Temperature,
		"humidity":      snap.Humidity,
	}, snap.Timestamp))
}

// WriteSession writes a point for pump_off_<reason> entries and ignores the rest.
func (h *HistoryWriter) WriteSession(item models.EventLogItem) {
	reason, ok := strings.CutPrefix(item.Action, "pump_off_")
	if !ok || reason == "failed" {
		return
	}
	pump, _ := item.Meta["pump_id"].(string)
	trigger, _ := item.Meta["trigger"].(string)
	elapsed, _ := item.Meta["elapsed_seconds"].(int)

	h.writer.WritePoint(influxdb2.NewPoint(measurementWatering,
		map[string]string{"pump": pump, "reason": reason, "trigger": trigger},
		map[string]interface{}{"elapsed_seconds": elapsed},
		time.UnixMilli(item.Timestamp)))
}

func (h *HistoryWriter) markError(err error) {
	h.mu.Lock()
	h.lastErr = time.Now()
	h.mu.Unlock()
	h.logger.Warn("InfluxDB write failed", zap.Error(err))
}

// LastErrorAge returns how long ago the last write error happened.
func (h *HistoryWriter) LastErrorAge() time.Duration {
	if h == nil {
		return 99999 * time.Hour
	}
	h.mu.RLock()
	t := h.lastErr
	h.mu.RUnlock()
	return time.Since(t)
}

// Close flushes buffered points and closes the client.
func (h *HistoryWriter) Close() {
	if h == nil {
		return
	}
	h.writer.Flush()
	if h.client != nil {
		h.client.Close()
	}
}
