package orders

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrelfin/optionsd/internal/domain"
)

// occDatePattern locates the option-type letter: it is only ever the
// character immediately following the 6-digit YYMMDD date, never found by
// scanning the raw symbol (the underlying ticker may itself contain 'P').
var occDatePattern = regexp.MustCompile(`\d{6}([CP])`)

// ParsedOCCSymbol is the decoded form of a broker OCC-style option symbol:
// <UND>[pad]YYMMDD[C|P]<strike*1000 zero-padded to 8>.
type ParsedOCCSymbol struct {
	Underlying string
	Date       string // YYMMDD
	Type       domain.OptionType
	Strike     float64
}

// ParseOCCSymbol decodes a broker option symbol. ok is false if the symbol
// does not match the expected shape.
func ParseOCCSymbol(symbol string) (ParsedOCCSymbol, bool) {
	trimmed := strings.TrimRight(symbol, " ")
	if len(trimmed) < 15 {
		return ParsedOCCSymbol{}, false
	}

	strikeDigits := trimmed[len(trimmed)-8:]
	rest := trimmed[:len(trimmed)-8]

	loc := occDatePattern.FindStringSubmatchIndex(rest)
	if loc == nil {
		return ParsedOCCSymbol{}, false
	}

	dateEnd := loc[1] - 1 // index of the type letter
	date := rest[dateEnd-6 : dateEnd]
	typeLetter := rest[dateEnd : dateEnd+1]
	underlying := strings.TrimRight(rest[:dateEnd-6], " ")

	strikeInt, err := strconv.Atoi(strikeDigits)
	if err != nil {
		return ParsedOCCSymbol{}, false
	}

	optType := domain.OptionTypePut
	if typeLetter == "C" {
		optType = domain.OptionTypeCall
	}

	return ParsedOCCSymbol{
		Underlying: underlying,
		Date:       date,
		Type:       optType,
		Strike:     float64(strikeInt) / 1000.0,
	}, true
}

// Execution is one broker-reported fill used for realized P&L matching.
type Execution struct {
	Symbol    string
	FillPrice float64
	Quantity  float64
}

// MatchExecutions returns the executions whose OCC-embedded strike and
// underlying match the given trade leg.
func MatchExecutions(executions []Execution, underlying string, strike float64, optType domain.OptionType) []Execution {
	var matches []Execution
	for _, e := range executions {
		parsed, ok := ParseOCCSymbol(e.Symbol)
		if !ok {
			continue
		}
		if !strings.EqualFold(parsed.Underlying, underlying) {
			continue
		}
		if parsed.Type != optType {
			continue
		}
		if diff := parsed.Strike - strike; diff > 0.01 || diff < -0.01 {
			continue
		}
		matches = append(matches, e)
	}
	return matches
}

// RealizedPnL computes the realized P&L for a closed short-option leg from
// its matching executions. ok is false when no executions matched, in which
// case the caller falls back to the expired-worthless case.
func RealizedPnL(entryPremiumTotal float64, matches []Execution) (realizedPnL, avgExitPrice, totalExitCost float64, ok bool) {
	if len(matches) == 0 {
		return 0, 0, 0, false
	}
	var totalQty float64
	for _, m := range matches {
		totalExitCost += m.FillPrice * m.Quantity * 100
		totalQty += m.Quantity * 100
	}
	if totalQty == 0 {
		return 0, 0, 0, false
	}
	avgExitPrice = totalExitCost / totalQty
	realizedPnL = entryPremiumTotal - totalExitCost
	return realizedPnL, avgExitPrice, totalExitCost, true
}
