package marketdata

import "strconv"

// Field codes the broker uses on market-data snapshot/streaming ticks.
const (
	FieldLast            = "31"
	FieldBid             = "84"
	FieldAsk             = "86"
	FieldAfterHoursLast  = "7762"
	FieldPreMarketLast   = "7741"
	FieldOvernightLast   = "7682"
	FieldDayHigh         = "70"
	FieldDayLow          = "71"
	FieldOpen            = "7295"

	FieldOptionDelta     = "7308"
	FieldOptionGamma     = "7309"
	FieldOptionTheta     = "7310"
	FieldOptionVega      = "7633"
	FieldOptionIV        = "7283"
	// FieldOptionOpenInt is open interest on an option subscription and
	// previous close on an equity subscription; callers disambiguate via
	// Subscription.Kind (see Open Question in the data model notes).
	FieldOptionOpenInt = "7311"
)

// StockFields is the default subscription field set for equities.
var StockFields = []string{FieldLast, FieldBid, FieldAsk, FieldOvernightLast, FieldPreMarketLast, FieldAfterHoursLast, FieldDayHigh, FieldDayLow, FieldOptionOpenInt}

// OptionFields is the default subscription field set for options.
var OptionFields = []string{FieldLast, FieldBid, FieldAsk, FieldOptionDelta, FieldOptionGamma, FieldOptionTheta, FieldOptionVega, FieldOptionIV, FieldOptionOpenInt}

// sanityBand bounds a symbol's plausible price, used to gate extended-hours
// ticks that might otherwise be garbage (broker occasionally emits 0 or a
// stale decimal-shifted value during the pre/post market window).
type sanityBand struct{ min, max float64 }

var symbolSanityBands = map[string]sanityBand{
	"SPY": {100, 2000},
	"VIX": {5, 100},
}

func sanityBandFor(symbol string) sanityBand {
	if b, ok := symbolSanityBands[symbol]; ok {
		return b
	}
	return sanityBand{0, 10000}
}

func withinSanityBand(symbol string, price float64) bool {
	b := sanityBandFor(symbol)
	return price >= b.min && price <= b.max
}

// parseTickValue strips the broker's leading status-prefix characters
// ('C' for closing price, 'H' for halted) from a numeric tick field and
// returns the numeric value plus whether a "closing price" prefix was seen.
func parseTickValue(raw string) (value float64, isClosingPrice bool, ok bool) {
	if raw == "" {
		return 0, false, false
	}
	trimmed := raw
	if trimmed[0] == 'C' {
		isClosingPrice = true
		trimmed = trimmed[1:]
	} else if trimmed[0] == 'H' {
		trimmed = trimmed[1:]
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, isClosingPrice, false
	}
	return v, isClosingPrice, true
}
