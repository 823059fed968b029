package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kestrelfin/optionsd/internal/domain"
)

// Position is one broker-reported open position.
type Position struct {
	Conid    int
	Symbol   string // broker contract description, OCC-style for options
	Quantity float64
	Delta    *float64
}

// GetPositions fetches all open positions for the configured account.
func (s *Service) GetPositions(ctx context.Context) ([]Position, error) {
	raw, status, err := s.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/api/portfolio/%s/positions/0", s.accountID), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
	}

	var entries []struct {
		Conid    int     `json:"conid"`
		Contract string  `json:"contractDesc"`
		Position float64 `json:"position"`
		Delta    *float64 `json:"delta,omitempty"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}

	out := make([]Position, 0, len(entries))
	for _, e := range entries {
		if e.Position == 0 {
			continue
		}
		out = append(out, Position{Conid: e.Conid, Symbol: e.Contract, Quantity: e.Position, Delta: e.Delta})
	}
	return out, nil
}

// AccountSummary holds the NAV-relevant fields of a portfolio summary.
type AccountSummary struct {
	NetLiquidation float64
	PortfolioValue float64
}

// NAV returns portfolioValue when present, falling back to netLiquidation.
func (a AccountSummary) NAV() float64 {
	if a.PortfolioValue != 0 {
		return a.PortfolioValue
	}
	return a.NetLiquidation
}

// GetAccountSummary fetches the account's net liquidation / portfolio value.
func (s *Service) GetAccountSummary(ctx context.Context) (AccountSummary, error) {
	raw, status, err := s.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/api/portfolio/%s/summary", s.accountID), nil)
	if err != nil {
		return AccountSummary{}, err
	}
	if status < 200 || status >= 300 {
		return AccountSummary{}, &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
	}

	var payload map[string]struct {
		Amount float64 `json:"amount"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return AccountSummary{}, fmt.Errorf("decoding account summary: %w", err)
	}
	return AccountSummary{
		NetLiquidation: payload["netliquidation"].Amount,
		PortfolioValue: payload["portfolioValue"].Amount,
	}, nil
}

// GetMarketDataSnapshot fetches a one-shot REST snapshot for the given
// conids, used by jobs that need a spot price outside the streaming cache.
func (s *Service) GetMarketDataSnapshot(ctx context.Context, conids []int) (map[int]domain.MarketDataEntry, error) {
	if len(conids) == 0 {
		return map[int]domain.MarketDataEntry{}, nil
	}
	strs := make([]string, len(conids))
	for i, c := range conids {
		strs[i] = strconv.Itoa(c)
	}
	path := "/v1/api/iserver/marketdata/snapshot?conids=" + strings.Join(strs, ",") + "&fields=31,84,86"

	raw, status, err := s.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
	}

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding marketdata snapshot: %w", err)
	}

	out := make(map[int]domain.MarketDataEntry, len(entries))
	for _, e := range entries {
		conid := intField(e["conid"])
		if conid == 0 {
			continue
		}
		entry := domain.MarketDataEntry{Conid: conid}
		if v, ok := snapshotFloat(e["31"]); ok {
			entry.Last = &v
		}
		if v, ok := snapshotFloat(e["84"]); ok {
			entry.Bid = &v
		}
		if v, ok := snapshotFloat(e["86"]); ok {
			entry.Ask = &v
		}
		out[conid] = entry
	}
	return out, nil
}

func intField(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

// snapshotFloat parses a snapshot field value, stripping a leading status
// character ('C' closing price, 'H' halted) the same way the streamer does.
func snapshotFloat(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	if len(s) > 0 && (s[0] == 'C' || s[0] == 'H') {
		s = s[1:]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// GetExecutions fetches recent fills. The broker only retains roughly the
// last 7 days of trade history; callers must not assume anything older is
// available.
func (s *Service) GetExecutions(ctx context.Context) ([]Execution, error) {
	raw, status, err := s.doJSON(ctx, http.MethodGet, "/v1/api/iserver/account/trades", nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
	}

	var entries []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Size   string `json:"size"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding executions: %w", err)
	}

	out := make([]Execution, 0, len(entries))
	for _, e := range entries {
		price, _ := strconv.ParseFloat(e.Price, 64)
		size, _ := strconv.ParseFloat(e.Size, 64)
		out = append(out, Execution{Symbol: e.Symbol, FillPrice: price, Quantity: size})
	}
	return out, nil
}
