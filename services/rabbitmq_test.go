package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthsense/models"
)

type publishedEvent struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	published []publishedEvent
	err       error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, publishedEvent{exchange, key, msg})
	return nil
}

func TestRabbitMQService_PublishUpdate(t *testing.T) {
	ch := &fakeChannel{}
	r := newRabbitMQPublisher(ch, "healthsense.records", "user-1", zap.NewNop())

	updatedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := r.PublishUpdate(context.Background(), Update{
		Version:     7,
		Fingerprint: "r2:2000|r1:1000",
		Count:       2,
		UpdatedAt:   updatedAt,
		Records:     []models.HealthRecord{vitals("r2", 2000, 80, 97), vitals("r1", 1000, 70, 98)},
	})
	require.NoError(t, err)
	require.Len(t, ch.published, 1)

	ev := ch.published[0]
	assert.Equal(t, "healthsense.records", ev.exchange)
	assert.Equal(t, RoutingRecordsUpdated, ev.key)
	assert.Equal(t, "application/json", ev.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ev.msg.DeliveryMode)
	assert.NotEmpty(t, ev.msg.MessageId)

	var body struct {
		ID     string             `json:"id"`
		Type   string             `json:"type"`
		UserID string             `json:"user_id"`
		Data   RecordsUpdatedData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ev.msg.Body, &body))
	assert.Equal(t, ev.msg.MessageId, body.ID)
	assert.Equal(t, RoutingRecordsUpdated, body.Type)
	assert.Equal(t, "user-1", body.UserID)
	assert.Equal(t, uint64(7), body.Data.Version)
	assert.Equal(t, 2, body.Data.Count)
	assert.True(t, updatedAt.Equal(body.Data.UpdatedAt))
	require.NotNil(t, body.Data.Latest)
	assert.Equal(t, "r2", body.Data.Latest.ID)
}

func TestRabbitMQService_RoutingKeys(t *testing.T) {
	ch := &fakeChannel{}
	r := newRabbitMQPublisher(ch, "x", "user-1", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.SendAlert(ctx, findingFor(vitals("r1", 1, 105, 98))))
	require.NoError(t, r.SendAlert(ctx, findingFor(vitals("r2", 2, 105, 85))))
	require.NoError(t, r.NotifyDevice(ctx, models.DeviceEvent{DeviceID: "d", Status: models.DeviceRecovered}))

	require.Len(t, ch.published, 3)
	assert.Equal(t, "alerts.warning", ch.published[0].key)
	assert.Equal(t, "alerts.critical", ch.published[1].key)
	assert.Equal(t, "devices.recovered", ch.published[2].key)
}

func TestRabbitMQService_Errors(t *testing.T) {
	r := newRabbitMQPublisher(nil, "x", "user-1", zap.NewNop())
	assert.ErrorIs(t, r.PublishUpdate(context.Background(), Update{}), errNoChannel)

	ch := &fakeChannel{err: errors.New("channel closed")}
	r = newRabbitMQPublisher(ch, "x", "user-1", zap.NewNop())
	err := r.NotifyDevice(context.Background(), models.DeviceEvent{DeviceID: "d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
	require.NoError(t, r.Close())
}
