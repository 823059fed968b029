package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTickValue(t *testing.T) {
	v, closing, ok := parseTickValue("450.25")
	assert.True(t, ok)
	assert.False(t, closing)
	assert.Equal(t, 450.25, v)

	v, closing, ok = parseTickValue("C450.25")
	assert.True(t, ok)
	assert.True(t, closing)
	assert.Equal(t, 450.25, v)

	v, closing, ok = parseTickValue("H450.25")
	assert.True(t, ok)
	assert.False(t, closing)
	assert.Equal(t, 450.25, v)

	_, _, ok = parseTickValue("")
	assert.False(t, ok)

	_, _, ok = parseTickValue("not-a-number")
	assert.False(t, ok)
}

func TestWithinSanityBand(t *testing.T) {
	assert.True(t, withinSanityBand("SPY", 450))
	assert.False(t, withinSanityBand("SPY", 0))
	assert.False(t, withinSanityBand("SPY", 5000))

	// Unknown symbols fall back to a wide default band.
	assert.True(t, withinSanityBand("AAPL", 150))
	assert.False(t, withinSanityBand("AAPL", -1))
}
