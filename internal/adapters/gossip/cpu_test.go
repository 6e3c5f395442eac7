package gossip

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0, clampPercent(-3))
	assert.Equal(t, 0, clampPercent(math.NaN()))
	assert.Equal(t, 43, clampPercent(42.6))
	assert.Equal(t, 100, clampPercent(100.4))
	assert.Equal(t, 100, clampPercent(250))
}

func TestHostCPUSampler(t *testing.T) {
	sample := NewHostCPUSampler()

	for i := 0; i < 2; i++ {
		usage, err := sample()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, usage, 0)
		assert.LessOrEqual(t, usage, 100)
	}
}
