package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	now := time.Date(2025, 1, 14, 9, 15, 0, 0, time.UTC)
	th := NewThrottle(time.Minute)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("p1:no_spot_price"))
	assert.False(t, th.Allow("p1:no_spot_price"))
	assert.True(t, th.Allow("p2:no_spot_price"))

	now = now.Add(time.Minute)
	assert.True(t, th.Allow("p1:no_spot_price"))

	now = now.Add(2 * time.Minute)
	th.Cleanup()
	assert.Empty(t, th.seen)
}
