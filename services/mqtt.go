package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"healthsense/config"
	"healthsense/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	mqttQoS            = 1
	mqttPublishTimeout = 5 * time.Second
)

// mqttPublisher is the part of mqtt.Client the service uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTService publishes the latest vitals (retained), alerts and device
// events under <prefix>/<uid>/.
type MQTTService struct {
	client mqttPublisher
	conn   mqtt.Client
	prefix string
	uid    string
	logger *zap.Logger
}

var (
	_ AlertSink       = (*MQTTService)(nil)
	_ DeviceNotifier  = (*MQTTService)(nil)
	_ UpdatePublisher = (*MQTTService)(nil)
)

// VitalsMessage is the retained payload on <prefix>/<uid>/vitals.
type VitalsMessage struct {
	RecordID  string   `json:"record_id"`
	DeviceID  string   `json:"device_id,omitempty"`
	HeartRate *int     `json:"heart_rate"`
	SpO2      *float64 `json:"spo2"`
	Timestamp int64    `json:"timestamp"`
	Version   uint64   `json:"version"`
}

func NewMQTTService(cfg *config.Config, uid string, logger *zap.Logger) (*MQTTService, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTTBroker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s := newMQTTService(client, cfg.MQTTTopicPrefix, uid, logger)
	s.conn = client
	return s, nil
}

func newMQTTService(client mqttPublisher, prefix, uid string, logger *zap.Logger) *MQTTService {
	return &MQTTService{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		uid:    uid,
		logger: logger,
	}
}

func (m *MQTTService) Name() string { return "mqtt" }

func (m *MQTTService) topic(parts ...string) string {
	return strings.Join(append([]string{m.prefix, m.uid}, parts...), "/")
}

// PublishUpdate replaces the retained latest vitals.
func (m *MQTTService) PublishUpdate(ctx context.Context, u Update) error {
	latest, ok := u.Latest()
	if !ok {
		return nil
	}
	return m.publish(ctx, m.topic("vitals"), true, VitalsMessage{
		RecordID:  latest.ID,
		DeviceID:  latest.DeviceID,
		HeartRate: latest.HeartRate,
		SpO2:      latest.SpO2,
		Timestamp: latest.Timestamp,
		Version:   u.Version,
	})
}

func (m *MQTTService) SendAlert(ctx context.Context, f Finding) error {
	return m.publish(ctx, m.topic("alerts"), false, f.Anomalies)
}

// NotifyDevice publishes the device status, retained per device.
func (m *MQTTService) NotifyDevice(ctx context.Context, ev models.DeviceEvent) error {
	return m.publish(ctx, m.topic("devices", ev.DeviceID, "status"), true, ev)
}

func (m *MQTTService) publish(ctx context.Context, topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	token := m.client.Publish(topic, mqttQoS, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("timeout publishing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	m.logger.Debug("Published MQTT message",
		zap.String("topic", topic),
		zap.Bool("retained", retained),
		zap.Int("bytes", len(payload)))
	return nil
}

// Close disconnects from the broker.
func (m *MQTTService) Close() {
	if m.conn != nil {
		m.conn.Disconnect(250)
		m.logger.Info("MQTT connection closed")
	}
}
