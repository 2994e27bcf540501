package browser

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 1920, opts.ViewportWidth)
	assert.Equal(t, 1080, opts.ViewportHeight)
	assert.Equal(t, "Asia/Kathmandu", opts.TimezoneID)
	assert.ElementsMatch(t, []string{"image", "stylesheet", "font", "media"}, opts.BlockResourceTypes)
	assert.NotEmpty(t, opts.UserAgents)
}

func TestPickUserAgent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	assert.Empty(t, PickUserAgent(nil, rng))
	assert.Equal(t, "only", PickUserAgent([]string{"only"}, rng))

	agents := []string{"a", "b", "c"}
	for i := 0; i < 20; i++ {
		assert.Contains(t, agents, PickUserAgent(agents, rng))
	}
}
