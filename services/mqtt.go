package services

import (
	"context"
	"fmt"
	"time"

	"sprout/config"
	"sprout/models"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTSensorSource subscribes to the device's sensor topic on an MQTT broker.
type MQTTSensorSource struct {
	config *config.Config
	client mqtt.Client
	feed   *SensorFeed
	logger *zap.Logger
}

func NewMQTTSensorSource(cfg *config.Config, feed *SensorFeed, logger *zap.Logger) *MQTTSensorSource {
	return &MQTTSensorSource{config: cfg, feed: feed, logger: logger}
}

// Start connects with retry, subscribes and disconnects when ctx is done.
func (m *MQTTSensorSource) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.config.MQTTBroker))
	opts.SetClientID(fmt.Sprintf("sprout-%d", time.Now().UnixNano()))
	opts.SetUsername(m.config.MQTTUser)
	opts.SetPassword(m.config.MQTTPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	// resubscribe after every (re)connect
	opts.OnConnect = func(client mqtt.Client) {
		m.logger.Info("Connected to MQTT broker", zap.String("broker", m.config.MQTTBroker))
		token := client.Subscribe(m.config.MQTTSensorTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			m.handleMessage(msg)
		})
		if token.Wait() && token.Error() != nil {
			m.logger.Error("Failed to subscribe to sensor topic",
				zap.String("topic", m.config.MQTTSensorTopic),
				zap.Error(token.Error()))
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.logger.Error("MQTT connection lost", zap.Error(err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	maxRetries := 5

	err := backoff.Retry(func() error {
		m.client = mqtt.NewClient(opts)
		if token := m.client.Connect(); token.Wait() && token.Error() != nil {
			m.logger.Warn("Failed to connect to MQTT broker", zap.Error(token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	go func() {
		<-ctx.Done()
		m.logger.Info("Disconnecting from MQTT broker")
		m.client.Disconnect(250)
	}()
	return nil
}

func (m *MQTTSensorSource) handleMessage(msg mqtt.Message) {
	snap, err := models.DecodeSensorPayload(msg.Payload(), time.Now())
	if err != nil {
		m.logger.Warn("Dropping malformed sensor message",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}

	m.logger.Debug("Received sensor data over MQTT",
		zap.String("device_id", snap.DeviceID),
		zap.Float64("soil_moisture", snap.SoilMoisture))
	m.feed.Publish(snap)
}
