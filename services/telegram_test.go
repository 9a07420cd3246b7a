package services

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthsense/models"
)

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func newTestTelegram(bot *fakeBot, clock *fakeClock) *TelegramService {
	ts := newTelegramService(bot, 42, time.Minute, zap.NewNop())
	ts.now = clock.Now
	return ts
}

func findingFor(r models.HealthRecord) Finding {
	return Finding{Record: r, Anomalies: NewVitalsDetector(DefaultThresholds()).DetectAnomalies(r)}
}

func TestTelegramService_SendAlertFormatsMessage(t *testing.T) {
	bot := &fakeBot{}
	ts := newTestTelegram(bot, &fakeClock{t: time.Now()})

	require.NoError(t, ts.SendAlert(context.Background(), findingFor(vitals("r1", 1700000000000, 130, 88))))
	require.Len(t, bot.sent, 1)

	msg := bot.sent[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "CRITICAL VITALS ALERT")
	assert.Contains(t, msg.Text, "<b>Device:</b> watch-1")
	assert.Contains(t, msg.Text, "Heart rate: 130 bpm")
	assert.Contains(t, msg.Text, "SpO2: 88.0%")
	assert.Contains(t, msg.Text, "Critically High Heart Rate")
	assert.Contains(t, msg.Text, "Critically Low Blood Oxygen")
}

func TestTelegramService_ThrottlesPerDevice(t *testing.T) {
	bot := &fakeBot{}
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ts := newTestTelegram(bot, clock)
	ctx := context.Background()

	warning := findingFor(vitals("r1", 1, 105, 98))
	critical := findingFor(vitals("r2", 2, 45, 98))
	other := warning
	other.Record.DeviceID = "watch-2"

	require.NoError(t, ts.SendAlert(ctx, warning))
	require.NoError(t, ts.SendAlert(ctx, warning))
	assert.Len(t, bot.sent, 1, "second warning throttled")

	require.NoError(t, ts.SendAlert(ctx, critical))
	assert.Len(t, bot.sent, 2, "critical alerts have their own throttle")

	require.NoError(t, ts.SendAlert(ctx, other))
	assert.Len(t, bot.sent, 3, "throttle is per device")

	clock.Advance(time.Minute)
	require.NoError(t, ts.SendAlert(ctx, warning))
	assert.Len(t, bot.sent, 4)

	require.NoError(t, ts.SendAlert(ctx, Finding{Record: vitals("r3", 3, 70, 98)}))
	assert.Len(t, bot.sent, 4, "nothing to report")
}

func TestTelegramService_FailedSendIsNotThrottled(t *testing.T) {
	bot := &fakeBot{err: errors.New("bad gateway")}
	ts := newTestTelegram(bot, &fakeClock{t: time.Now()})
	f := findingFor(vitals("r1", 1, 105, 98))

	err := ts.SendAlert(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad gateway")

	bot.err = nil
	require.NoError(t, ts.SendAlert(context.Background(), f))
	assert.Len(t, bot.sent, 1)
}

func TestTelegramService_NotifyDevice(t *testing.T) {
	bot := &fakeBot{}
	ts := newTestTelegram(bot, &fakeClock{t: time.Now()})
	ctx := context.Background()

	require.NoError(t, ts.NotifyDevice(ctx, models.DeviceEvent{
		DeviceID:  "watch-<1>",
		Status:    models.DeviceTimeout,
		LastSeen:  time.Now().Add(-15 * time.Minute),
		SilentFor: 15*time.Minute + 4*time.Second,
	}))
	require.NoError(t, ts.NotifyDevice(ctx, models.DeviceEvent{
		DeviceID:     "watch-1",
		Status:       models.DeviceRecovered,
		DownDuration: 2 * time.Hour,
	}))
	require.NoError(t, ts.NotifyDevice(ctx, models.DeviceEvent{DeviceID: "watch-1", Status: models.DeviceHealthy}))

	require.Len(t, bot.sent, 2)
	assert.Contains(t, bot.sent[0].Text, "DEVICE TIMEOUT")
	assert.Contains(t, bot.sent[0].Text, "watch-&lt;1&gt;")
	assert.Contains(t, bot.sent[0].Text, "15 min 4 sec")
	assert.Contains(t, bot.sent[1].Text, "DEVICE RECOVERED")
	assert.Contains(t, bot.sent[1].Text, "2 hr 0 min")
}

func TestTelegramService_StartupMessage(t *testing.T) {
	bot := &fakeBot{}
	ts := newTestTelegram(bot, &fakeClock{t: time.Now()})

	require.NoError(t, ts.SendStartupMessage("user-1", 15*time.Second))
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0].Text, "<code>user-1</code>")
	assert.Contains(t, bot.sent[0].Text, "every 15 seconds")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45 seconds"},
		{3*time.Minute + 7*time.Second, "3 min 7 sec"},
		{5*time.Hour + 30*time.Minute, "5 hr 30 min"},
		{50 * time.Hour, "2 days 2 hr"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}
