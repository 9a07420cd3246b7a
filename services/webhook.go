package services

import (
	"context"
	"fmt"
	"time"

	"healthsense/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const webhookTimeout = 10 * time.Second

// WebhookAlertService posts critical vitals alerts and device events to an
// HTTP endpoint.
type WebhookAlertService struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

var (
	_ AlertSink      = (*WebhookAlertService)(nil)
	_ DeviceNotifier = (*WebhookAlertService)(nil)
)

// WebhookPayload is the JSON body sent to the webhook.
type WebhookPayload struct {
	AlertType string               `json:"alert_type"`
	Severity  string               `json:"severity"`
	Record    *models.HealthRecord `json:"record,omitempty"`
	Anomalies []*models.Anomaly    `json:"anomalies,omitempty"`
	Device    *models.DeviceEvent  `json:"device,omitempty"`
	SentAt    time.Time            `json:"sent_at"`
}

func NewWebhookAlertService(url string, logger *zap.Logger) *WebhookAlertService {
	client := resty.New().
		SetTimeout(webhookTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "HealthSense-Agent/1.0")

	return &WebhookAlertService{
		client: client,
		url:    url,
		logger: logger,
	}
}

func (w *WebhookAlertService) Name() string { return "webhook" }

// SendAlert posts findings that contain a critical anomaly. Warnings are
// left to the other sinks.
func (w *WebhookAlertService) SendAlert(ctx context.Context, f Finding) error {
	if !hasCritical(f.Anomalies) {
		return nil
	}
	record := f.Record
	return w.post(ctx, WebhookPayload{
		AlertType: "vitals_anomaly",
		Severity:  models.SeverityCritical,
		Record:    &record,
		Anomalies: f.Anomalies,
		SentAt:    time.Now().UTC(),
	}, zap.String("record_id", f.Record.ID), zap.Int("anomaly_count", len(f.Anomalies)))
}

func (w *WebhookAlertService) NotifyDevice(ctx context.Context, ev models.DeviceEvent) error {
	severity := models.SeverityWarning
	if ev.Status == models.DeviceRecovered {
		severity = "info"
	}
	return w.post(ctx, WebhookPayload{
		AlertType: "device_" + string(ev.Status),
		Severity:  severity,
		Device:    &ev,
		SentAt:    time.Now().UTC(),
	}, zap.String("device_id", ev.DeviceID))
}

func (w *WebhookAlertService) post(ctx context.Context, payload WebhookPayload, fields ...zap.Field) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		w.logger.Error("Failed to send webhook alert",
			append(fields, zap.String("url", w.url), zap.Error(err))...)
		return fmt.Errorf("failed to send request: %w", err)
	}

	if resp.IsError() {
		w.logger.Error("Webhook returned error",
			append(fields, zap.Int("status_code", resp.StatusCode()), zap.String("status", resp.Status()))...)
		return fmt.Errorf("webhook error: %s", resp.Status())
	}

	w.logger.Info("Webhook alert sent successfully",
		append(fields,
			zap.String("alert_type", payload.AlertType),
			zap.String("severity", payload.Severity),
			zap.Int("status_code", resp.StatusCode()))...)
	return nil
}
