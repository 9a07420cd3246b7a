package services

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"healthsense/config"
	"healthsense/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const DefaultAlertCooldown = 5 * time.Minute

// telegramSender is the part of tgbotapi.BotAPI the service uses.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramService struct {
	bot      telegramSender
	chatID   int64
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu                     sync.Mutex
	lastAlertTimes         map[string]time.Time // Track last alert time per device
	lastCriticalAlertTimes map[string]time.Time // Critical alerts throttle separately
}

var (
	_ AlertSink      = (*TelegramService)(nil)
	_ DeviceNotifier = (*TelegramService)(nil)
)

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	// Test Telegram connection with retry
	if err := testTelegramConnection(bot, logger); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return newTelegramService(bot, chatID, cfg.AlertCooldown, logger), nil
}

func newTelegramService(bot telegramSender, chatID int64, cooldown time.Duration, logger *zap.Logger) *TelegramService {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &TelegramService{
		bot:                    bot,
		chatID:                 chatID,
		cooldown:               cooldown,
		logger:                 logger,
		now:                    time.Now,
		lastAlertTimes:         make(map[string]time.Time),
		lastCriticalAlertTimes: make(map[string]time.Time),
	}
}

// testTelegramConnection calls getMe with retry
func testTelegramConnection(bot *tgbotapi.BotAPI, logger *zap.Logger) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := bot.GetMe()
		if err == nil {
			logger.Info("Telegram connection successful")
			return nil
		}

		logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (ts *TelegramService) Name() string { return "telegram" }

// SendAlert sends a formatted vitals alert, throttled per device. Critical
// findings have their own throttle so a warning never suppresses them.
func (ts *TelegramService) SendAlert(_ context.Context, f Finding) error {
	if len(f.Anomalies) == 0 {
		return nil
	}

	deviceID := f.Record.DeviceID
	critical := hasCritical(f.Anomalies)

	ts.mu.Lock()
	last := ts.lastAlertTimes
	if critical {
		last = ts.lastCriticalAlertTimes
	}
	if at, ok := last[deviceID]; ok && ts.now().Sub(at) < ts.cooldown {
		ts.mu.Unlock()
		ts.logger.Debug("Throttling alert",
			zap.String("device_id", deviceID),
			zap.Bool("critical", critical))
		return nil
	}
	ts.mu.Unlock()

	if err := ts.send(formatVitalsMessage(f)); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}

	ts.mu.Lock()
	last[deviceID] = ts.now()
	ts.mu.Unlock()

	ts.logger.Info("Sent vitals alert",
		zap.String("device_id", deviceID),
		zap.String("record_id", f.Record.ID),
		zap.Int("anomaly_count", len(f.Anomalies)))
	return nil
}

// NotifyDevice sends a timeout or recovery message.
func (ts *TelegramService) NotifyDevice(_ context.Context, ev models.DeviceEvent) error {
	var message string
	switch ev.Status {
	case models.DeviceTimeout:
		message = formatTimeoutMessage(ev)
	case models.DeviceRecovered:
		message = formatRecoveryMessage(ev, ts.now())
	default:
		return nil
	}

	if err := ts.send(message); err != nil {
		return fmt.Errorf("error sending device %s alert: %w", ev.Status, err)
	}

	ts.logger.Info("Sent device alert",
		zap.String("device_id", ev.DeviceID),
		zap.String("status", string(ev.Status)))
	return nil
}

// SendStatusMessage sends a general status message
func (ts *TelegramService) SendStatusMessage(message string) error {
	return ts.send(message)
}

// SendStartupMessage sends a message when the agent starts
func (ts *TelegramService) SendStartupMessage(uid string, interval time.Duration) error {
	message := "🟢 <b>HealthSense Agent Started</b>\n\n" +
		fmt.Sprintf("👤 <b>User:</b> <code>%s</code>\n", html.EscapeString(uid)) +
		fmt.Sprintf("🔄 Polling records every %s\n", formatDuration(interval)) +
		"🤖 Telegram notifications active\n" +
		"👀 Monitoring vitals for anomalies...\n\n" +
		"✅ System is ready and operational!"

	return ts.SendStatusMessage(message)
}

func (ts *TelegramService) send(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := ts.bot.Send(msg)
	return err
}

func hasCritical(anomalies []*models.Anomaly) bool {
	for _, a := range anomalies {
		if a.IsCritical() {
			return true
		}
	}
	return false
}

// formatVitalsMessage creates a mobile-friendly alert message
func formatVitalsMessage(f Finding) string {
	var sb strings.Builder
	r := f.Record

	if hasCritical(f.Anomalies) {
		sb.WriteString("🚨 <b>CRITICAL VITALS ALERT</b> 🚨\n\n")
	} else {
		sb.WriteString("⚠️ <b>VITALS ALERT</b> ⚠️\n\n")
	}

	if r.DeviceID != "" {
		sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", html.EscapeString(r.DeviceID)))
	}
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n\n", r.Time().Format("2006-01-02 15:04:05")))

	sb.WriteString("📊 <b>Current Readings:</b>\n")
	if r.HeartRate != nil {
		sb.WriteString(fmt.Sprintf("💓 Heart rate: %d bpm\n", *r.HeartRate))
	}
	if r.SpO2 != nil {
		sb.WriteString(fmt.Sprintf("🫁 SpO2: %.1f%%\n", *r.SpO2))
	}

	sb.WriteString("\n⚠️ <b>Detected Issues:</b>\n")
	for i, anomaly := range f.Anomalies {
		sb.WriteString(fmt.Sprintf("%s %s <b>%s</b>\n",
			anomaly.GetSeverityColor(),
			anomaly.GetAnomalyEmoji(),
			getAnomalyTitle(anomaly)))
		sb.WriteString(fmt.Sprintf("   └ %s\n", html.EscapeString(anomaly.Description)))

		if i < len(f.Anomalies)-1 {
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n💡 <b>Recommended Action:</b>\n")
	if hasCritical(f.Anomalies) {
		sb.WriteString("Contact the patient immediately and seek medical attention if symptoms persist.\n\n")
	} else {
		sb.WriteString("Ask the patient to rest and re-measure in a few minutes.\n\n")
	}

	sb.WriteString("🔴 <b>Status:</b> ATTENTION REQUIRED")
	return sb.String()
}

// getAnomalyTitle returns a user-friendly title for the anomaly
func getAnomalyTitle(anomaly *models.Anomaly) string {
	switch anomaly.Type {
	case models.HeartRateTooHigh:
		return "High Heart Rate"
	case models.HeartRateTooLow:
		return "Low Heart Rate"
	case models.HeartRateCriticalHigh:
		return "Critically High Heart Rate"
	case models.HeartRateCriticalLow:
		return "Critically Low Heart Rate"
	case models.SpO2TooLow:
		return "Low Blood Oxygen"
	case models.SpO2CriticalLow:
		return "Critically Low Blood Oxygen"
	default:
		return "Vitals Alert"
	}
}

func formatTimeoutMessage(ev models.DeviceEvent) string {
	var sb strings.Builder

	sb.WriteString("⚠️ <b>DEVICE TIMEOUT</b> ⚠️\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", html.EscapeString(ev.DeviceID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Last Record:</b> %s\n", ev.LastSeen.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Silent For:</b> %s\n\n", formatDuration(ev.SilentFor)))

	sb.WriteString("💡 <b>Action Required:</b>\n")
	sb.WriteString("The device has not reported vitals recently. Check that it is worn, charged and online.\n\n")

	sb.WriteString("🔴 <b>Status:</b> DEVICE TIMEOUT")
	return sb.String()
}

func formatRecoveryMessage(ev models.DeviceEvent, now time.Time) string {
	var sb strings.Builder

	sb.WriteString("✅ <b>DEVICE RECOVERED</b> ✅\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", html.EscapeString(ev.DeviceID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Recovery Time:</b> %s\n", now.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s\n\n", formatDuration(ev.DownDuration)))

	sb.WriteString("🟢 <b>Status:</b> DEVICE ONLINE")
	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
