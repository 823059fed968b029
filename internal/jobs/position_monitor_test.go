package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelfin/optionsd/internal/domain"
)

func TestShortStrikes(t *testing.T) {
	trade := domain.PaperTrade{
		Legs: []domain.OptionLeg{
			{Strike: 440, Type: domain.OptionTypePut},
			{Strike: 460, Type: domain.OptionTypeCall},
		},
	}
	putStrike, callStrike, ok := shortStrikes(trade)
	assert.True(t, ok)
	assert.Equal(t, 440.0, putStrike)
	assert.Equal(t, 460.0, callStrike)
}

func TestShortStrikes_NoLegs(t *testing.T) {
	_, _, ok := shortStrikes(domain.PaperTrade{})
	assert.False(t, ok)
}
