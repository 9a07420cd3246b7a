package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, `records_u1_{"limit":1000}`, RecordsKey("u1", 1000))
	assert.NotEqual(t, RecordsKey("u1", 10), RecordsKey("u2", 10))
	assert.NotEqual(t, RecordsKey("u1", 10), RecordsKey("u1", 20))
	assert.Equal(t, "profile_u1", ProfileKey("u1"))
	assert.Equal(t, "insights_u1_24h", InsightsKey("u1", "24h"))
}
