package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsense/models"
)

func TestMirrorUpdates(t *testing.T) {
	assert.Nil(t, MirrorUpdates(nil))

	updates := MirrorUpdates([]models.HealthRecord{
		vitals("rec.1", 1000, 70, 98),
		vitals("rec/2", 3000, 72, 97),
		{Timestamp: 2000, HeartRate: intPtr(80)},
	})
	require.Len(t, updates, 4)
	assert.Contains(t, updates, "records/rec_1")
	assert.Contains(t, updates, "records/rec_2")
	assert.Contains(t, updates, "records/ts_2000")

	latest, ok := updates["latest"].(models.HealthRecord)
	require.True(t, ok)
	assert.Equal(t, "rec/2", latest.ID)
}
