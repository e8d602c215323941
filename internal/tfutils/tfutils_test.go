package tfutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	d, err := ParseTimeframe("4h")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, d)

	_, err = ParseTimeframe("2w")
	assert.Error(t, err)
}

func TestTimeframeMillis(t *testing.T) {
	assert.Equal(t, int64(60_000), TimeframeMillis("1m"))
	assert.Equal(t, int64(86_400_000), TimeframeMillis("1d"))
	assert.Equal(t, int64(0), TimeframeMillis("bogus"))
}

func TestSupportedTimeframesAreValid(t *testing.T) {
	prev := time.Duration(0)
	for _, tf := range GetSupportedTimeframes() {
		assert.True(t, IsValidTimeframe(tf), tf)
		assert.Greater(t, GetTimeframeDuration(tf), prev, "timeframes must be sorted")
		prev = GetTimeframeDuration(tf)
	}
}

func TestWallexResolution(t *testing.T) {
	r, err := WallexResolution("1h")
	require.NoError(t, err)
	assert.Equal(t, "60", r)

	r, err = WallexResolution("1d")
	require.NoError(t, err)
	assert.Equal(t, "1D", r)

	_, err = WallexResolution("3m")
	assert.Error(t, err)
}
