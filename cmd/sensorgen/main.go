package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sprout/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	rps        = flag.Int("rps", 1, "Readings per second to publish")
	deviceID   = flag.String("device", "esp32-garden", "Device ID for generated readings")
	dryRate    = flag.Float64("dry-rate", 0.2, "Soil moisture lost per reading (percent)")
	waterRate  = flag.Float64("water-rate", 2.5, "Soil moisture gained per reading while watering (percent)")
	lowMark    = flag.Float64("low", 25, "Moisture at which the simulated pump starts")
	highMark   = flag.Float64("high", 45, "Moisture at which the simulated pump stops")
	dropout    = flag.Float64("dropout", 0.02, "Probability of publishing a reading with missing fields")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	mqttTopic  = flag.String("topic", "plant/sensor", "MQTT topic to publish to")
)

// SoilSimulator models a pot that dries out and is watered back up once it
// crosses the low mark.
type SoilSimulator struct {
	deviceID string
	moisture float64
	watering bool
	baseTemp float64
	baseHum  float64
}

func NewSoilSimulator(deviceID string) *SoilSimulator {
	return &SoilSimulator{
		deviceID: deviceID,
		moisture: 40.0,
		baseTemp: 24.0,
		baseHum:  55.0,
	}
}

// Next advances the simulation by one reading.
func (s *SoilSimulator) Next(now time.Time) models.SensorPayload {
	if s.watering {
		s.moisture += *waterRate + rand.Float64()*0.5
		if s.moisture >= *highMark {
			s.watering = false
		}
	} else {
		s.moisture -= *dryRate * (0.5 + rand.Float64())
		if s.moisture <= *lowMark {
			s.watering = true
		}
	}
	s.moisture = math.Max(0, math.Min(100, s.moisture))

	// Slow daily swing on top of sensor noise
	phase := float64(now.Hour()*60+now.Minute()) / (24 * 60) * 2 * math.Pi
	temperature := s.baseTemp + 4*math.Sin(phase-math.Pi/2) + rand.Float64() - 0.5
	humidity := s.baseHum - 8*math.Sin(phase-math.Pi/2) + rand.Float64()*2 - 1

	soil := round1(s.moisture)
	temp := round1(temperature)
	hum := round1(humidity)
	payload := models.SensorPayload{
		DeviceID:     s.deviceID,
		SoilMoisture: &soil,
		TemperatureC: &temp,
		Humidity:     &hum,
		Timestamp:    now.Format(time.RFC3339),
	}
	if rand.Float64() < *dropout {
		payload.SoilMoisture = nil
	}
	return payload
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *rps <= 0 {
		logger.Fatal("rps must be positive", zap.Int("rps", *rps))
	}

	logger.Info("Soil sensor simulator started",
		zap.String("device_id", *deviceID),
		zap.Int("rps", *rps),
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("mqtt_topic", *mqttTopic),
	)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-sensorgen", *deviceID))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}

	sim := NewSoilSimulator(*deviceID)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping simulator")
		cancel()
	}()

	ticker := time.NewTicker(time.Second / time.Duration(*rps))
	defer ticker.Stop()

	published := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down",
				zap.Int("total_messages", published),
				zap.Duration("uptime", time.Since(startTime)),
			)
			mqttClient.Disconnect(250)
			return

		case now := <-ticker.C:
			payload := sim.Next(now)
			body, err := json.Marshal(payload)
			if err != nil {
				logger.Error("Failed to marshal reading", zap.Error(err))
				continue
			}

			token := mqttClient.Publish(*mqttTopic, 1, false, body)
			if token.Wait() && token.Error() != nil {
				logger.Error("Failed to publish reading", zap.Error(token.Error()))
				continue
			}
			published++

			logger.Debug("Published reading",
				zap.String("topic", *mqttTopic),
				zap.Bool("watering", sim.watering),
				zap.ByteString("payload", body),
			)
			if published%100 == 0 {
				logger.Info("Readings published",
					zap.Int("count", published),
					zap.Float64("rate", float64(published)/time.Since(startTime).Seconds()),
				)
			}
		}
	}
}
