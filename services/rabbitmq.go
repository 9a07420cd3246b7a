package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"healthsense/config"
	"healthsense/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys on the records exchange.
const (
	RoutingRecordsUpdated = "records.updated"
	routingAlertsPrefix   = "alerts."
	routingDevicesPrefix  = "devices."
)

var errNoChannel = errors.New("rabbitmq channel not open")

// amqpPublisher is the part of amqp.Channel the service publishes with.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Event is the envelope of every message published to RabbitMQ.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// RecordsUpdatedData is the payload of a records.updated event.
type RecordsUpdatedData struct {
	Version     uint64               `json:"version"`
	Fingerprint string               `json:"fingerprint"`
	Count       int                  `json:"count"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Latest      *models.HealthRecord `json:"latest,omitempty"`
}

// RabbitMQService publishes record, alert and device events to a topic
// exchange and reconnects when the connection drops.
type RabbitMQService struct {
	url      string
	exchange string
	uid      string
	logger   *zap.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   amqpPublisher
	isClosing atomic.Bool
}

var (
	_ AlertSink       = (*RabbitMQService)(nil)
	_ DeviceNotifier  = (*RabbitMQService)(nil)
	_ UpdatePublisher = (*RabbitMQService)(nil)
)

// NewRabbitMQService creates a new RabbitMQ service instance
func NewRabbitMQService(cfg *config.Config, uid string, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		url:      cfg.RabbitMQURL,
		exchange: cfg.RabbitMQExchange,
		uid:      uid,
		logger:   logger,
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

func newRabbitMQPublisher(channel amqpPublisher, exchange, uid string, logger *zap.Logger) *RabbitMQService {
	return &RabbitMQService{
		exchange: exchange,
		uid:      uid,
		logger:   logger,
		channel:  channel,
	}
}

// connect establishes connection to RabbitMQ and declares the exchange
func (r *RabbitMQService) connect() error {
	var (
		conn *amqp.Connection
		err  error
	)

	r.logger.Info("Connecting to RabbitMQ")

	// Connect to RabbitMQ with retry
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(r.url)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		r.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	r.logger.Info("Exchange declared", zap.String("exchange", r.exchange))

	r.mu.Lock()
	r.conn = conn
	r.channel = channel
	r.mu.Unlock()

	go r.handleReconnect(conn)

	return nil
}

// handleReconnect reconnects when conn is lost
func (r *RabbitMQService) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	r.mu.Lock()
	r.channel = nil
	r.mu.Unlock()

	for !r.isClosing.Load() {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			return
		}

		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

func (r *RabbitMQService) Name() string { return "rabbitmq" }

// PublishUpdate publishes a records.updated event.
func (r *RabbitMQService) PublishUpdate(ctx context.Context, u Update) error {
	data := RecordsUpdatedData{
		Version:     u.Version,
		Fingerprint: u.Fingerprint,
		Count:       u.Count,
		UpdatedAt:   u.UpdatedAt,
	}
	if latest, ok := u.Latest(); ok {
		data.Latest = &latest
	}
	return r.publish(ctx, RoutingRecordsUpdated, data)
}

// SendAlert publishes to alerts.<severity>.
func (r *RabbitMQService) SendAlert(ctx context.Context, f Finding) error {
	severity := models.SeverityWarning
	if hasCritical(f.Anomalies) {
		severity = models.SeverityCritical
	}
	return r.publish(ctx, routingAlertsPrefix+severity, f.Anomalies)
}

// NotifyDevice publishes to devices.<status>.
func (r *RabbitMQService) NotifyDevice(ctx context.Context, ev models.DeviceEvent) error {
	return r.publish(ctx, routingDevicesPrefix+string(ev.Status), ev)
}

func (r *RabbitMQService) publish(ctx context.Context, routingKey string, data any) error {
	r.mu.RLock()
	channel := r.channel
	r.mu.RUnlock()
	if channel == nil {
		return errNoChannel
	}

	event := Event{
		ID:         uuid.NewString(),
		Type:       routingKey,
		UserID:     r.uid,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", routingKey, err)
	}

	err = channel.PublishWithContext(ctx,
		r.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.ID,
			Type:         routingKey,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	r.logger.Debug("Published event to RabbitMQ",
		zap.String("routing_key", routingKey),
		zap.String("event_id", event.ID))
	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.channel = nil
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
