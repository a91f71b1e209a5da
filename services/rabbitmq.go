package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sprout/config"
	"sprout/models"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQService consumes sensor readings from a RabbitMQ queue. The queue is
// also bound to amq.topic so readings the device publishes over the broker's
// MQTT plugin arrive here too.
type RabbitMQService struct {
	config    *config.Config
	logger    *zap.Logger
	reconnect chan struct{}
	isClosing atomic.Bool

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
}

// amqpChannel is the part of *amqp.Channel used after the topology is declared.
type amqpChannel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// NewRabbitMQService creates a new RabbitMQ service instance
func NewRabbitMQService(cfg *config.Config, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:    cfg,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// mqttRoutingKey converts an MQTT topic to the routing key amq.topic uses for it.
func mqttRoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// connect establishes connection to RabbitMQ and declares exchange and queue
func (r *RabbitMQService) connect() error {
	r.logger.Info("Connecting to RabbitMQ", zap.String("exchange", r.config.RabbitMQExchange))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	maxRetries := 5
	attempt := 0

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		attempt++
		c, err := amqp.Dial(r.config.RabbitMQURL)
		if err != nil {
			r.logger.Warn("Failed to connect to RabbitMQ",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxRetries),
				zap.Error(err))
			return err
		}
		conn = c
		return nil
	}, backoff.WithMaxRetries(bo, uint64(maxRetries-1)))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := r.declareTopology(ch); err != nil {
		conn.Close()
		return err
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = ch
	r.mu.Unlock()

	go r.handleReconnect(conn)

	return nil
}

func (r *RabbitMQService) declareTopology(ch *amqp.Channel) error {
	err := ch.Qos(
		10,    // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		r.config.RabbitMQExchange, // name
		"direct",                  // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := ch.QueueDeclare(
		r.config.RabbitMQQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		queue.Name,                // queue name
		r.config.RabbitMQQueue,    // routing key
		r.config.RabbitMQExchange, // exchange
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	mqttKey := mqttRoutingKey(r.config.MQTTSensorTopic)
	err = ch.QueueBind(
		queue.Name,  // queue name
		mqttKey,     // routing key (MQTT topic)
		"amq.topic", // MQTT default exchange
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue to MQTT exchange: %w", err)
	}

	r.logger.Info("Queue bound",
		zap.String("queue", queue.Name),
		zap.String("exchange", r.config.RabbitMQExchange),
		zap.String("mqtt_routing_key", mqttKey))
	return nil
}

// handleReconnect waits for conn to drop and replaces it
func (r *RabbitMQService) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for !r.isClosing.Load() {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			r.signalReconnected()
			return
		}
		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

// signalReconnected wakes the consumer; a pending signal is enough.
func (r *RabbitMQService) signalReconnected() {
	select {
	case r.reconnect <- struct{}{}:
	default:
	}
}

// waitReconnected blocks until a new channel is in place. It reports false
// when ctx ends first.
func (r *RabbitMQService) waitReconnected(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.reconnect:
		return true
	}
}

func (r *RabbitMQService) currentChannel() amqpChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// Consume publishes every reading from the queue to feed until ctx is done.
// A lost connection parks the consumer until handleReconnect has a new channel.
func (r *RabbitMQService) Consume(ctx context.Context, feed *SensorFeed) error {
	for {
		msgs, err := r.currentChannel().Consume(
			r.config.RabbitMQQueue, // queue
			"sprout-service",       // consumer tag
			false,                  // auto-ack
			false,                  // exclusive
			false,                  // no-local
			false,                  // no-wait
			nil,                    // args
		)
		if err != nil {
			if r.isClosing.Load() {
				return fmt.Errorf("failed to register consumer: %w", err)
			}
			r.logger.Warn("Failed to register consumer, waiting for reconnection", zap.Error(err))
			if !r.waitReconnected(ctx) {
				return nil
			}
			continue
		}

		r.logger.Info("Started consuming messages from RabbitMQ",
			zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed, waiting for reconnection")
					if !r.waitReconnected(ctx) {
						r.logger.Info("Stopping RabbitMQ consumer")
						return nil
					}
					break consumeLoop
				}

				if err := r.processMessage(msg, feed); err != nil {
					r.logger.Error("Failed to process message",
						zap.Error(err),
						zap.String("message_id", msg.MessageId))
					// malformed readings would fail again, so drop them
					msg.Nack(false, !errors.Is(err, models.ErrMalformedPayload))
				} else {
					msg.Ack(false)
				}
			}
		}
	}
}

// processMessage decodes a reading and publishes it to the feed
func (r *RabbitMQService) processMessage(msg amqp.Delivery, feed *SensorFeed) error {
	fallback := msg.Timestamp
	if fallback.IsZero() {
		fallback = time.Now()
	}

	snap, err := models.DecodeSensorPayload(msg.Body, fallback)
	if err != nil {
		return err
	}

	r.logger.Debug("Received sensor data from RabbitMQ",
		zap.String("device_id", snap.DeviceID),
		zap.Float64("soil_moisture", snap.SoilMoisture),
		zap.Float64("temperature", snap.Temperature),
		zap.Float64("humidity", snap.Humidity),
		zap.Time("timestamp", snap.Timestamp))

	feed.Publish(snap)
	return nil
}

// Publish sends a reading to the service's own exchange.
func (r *RabbitMQService) Publish(ctx context.Context, snap models.SensorSnapshot) error {
	body, err := json.Marshal(models.NewSensorPayload(snap))
	if err != nil {
		return fmt.Errorf("failed to marshal sensor data: %w", err)
	}

	err = r.currentChannel().PublishWithContext(ctx,
		r.config.RabbitMQExchange, // exchange
		r.config.RabbitMQQueue,    // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	r.mu.Lock()
	ch, conn := r.channel, r.conn
	r.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
