package marketdata

import "fmt"

// StaleDataError indicates cached data is older than a consumer's freshness
// threshold. Consumers that require fresh prices must refuse to act on it.
type StaleDataError struct {
	Conid int
	Age   string
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("market data for conid %d is stale (age=%s)", e.Conid, e.Age)
}

// SubscriptionError wraps an error captured from a WS error frame. It clears
// automatically once data resumes for the same conid.
type SubscriptionError struct {
	Conid   int
	Message string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription error for conid %d: %s", e.Conid, e.Message)
}
