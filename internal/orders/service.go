// Package orders submits option and stock orders through the broker session,
// persists the order ledger, reconciles fills against broker positions, and
// computes realized P&L.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelfin/optionsd/internal/audit"
	"github.com/kestrelfin/optionsd/internal/broker"
	"github.com/kestrelfin/optionsd/internal/domain"
)

const cancelDelay = 500 * time.Millisecond

// StockOrderOptions configures PlaceStockOrder.
type StockOrderOptions struct {
	OrderType  domain.OrderType
	LimitPrice *float64
	TIF        domain.TimeInForce
	OutsideRTH bool
}

// OptionOrderRequest describes a single-leg option order.
type OptionOrderRequest struct {
	Symbol     string // underlying
	OptionType domain.OptionType
	Strike     float64
	Expiration string // YYYYMMDD
	Side       domain.Side
	Quantity   float64
	OrderType  domain.OrderType
	LimitPrice *float64
}

// Service submits orders through the broker session and records each one in
// the order ledger. Paper trades are written by the job handlers directly
// through LedgerRepository.
type Service struct {
	session   *broker.Session
	ledger    *LedgerRepository
	audit     audit.Sink
	log       zerolog.Logger
	userID    string
	accountID string
}

// NewService builds an order service bound to one broker session/account.
func NewService(session *broker.Session, ledger *LedgerRepository, sink audit.Sink, log zerolog.Logger, userID, accountID string) *Service {
	return &Service{
		session:   session,
		ledger:    ledger,
		audit:     sink,
		log:       log.With().Str("component", "orders").Str("user", userID).Logger(),
		userID:    userID,
		accountID: accountID,
	}
}

// PlaceStockOrder submits a stock order and persists the resulting OrderRecord.
func (s *Service) PlaceStockOrder(ctx context.Context, symbol string, side domain.Side, qty float64, opts StockOrderOptions) (*domain.OrderRecord, error) {
	conid, err := s.resolveConid(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if opts.OrderType == "" {
		opts.OrderType = domain.OrderTypeMarket
	}
	if opts.TIF == "" {
		opts.TIF = domain.TIFDay
	}

	body := map[string]any{
		"acctId":     s.accountID,
		"conid":      conid,
		"orderType":  string(opts.OrderType),
		"side":       string(side),
		"tif":        string(opts.TIF),
		"quantity":   qty,
		"outsideRTH": opts.OutsideRTH,
	}
	if opts.LimitPrice != nil {
		body["price"] = *opts.LimitPrice
	}

	return s.submitAndPersist(ctx, symbol, side, qty, opts.OrderType, opts.LimitPrice, nil, body)
}

// PlaceOptionOrder submits a single-leg option order.
func (s *Service) PlaceOptionOrder(ctx context.Context, req OptionOrderRequest) (*domain.OrderRecord, error) {
	conid, err := s.resolveOptionConid(ctx, req.Symbol, req.Expiration, req.OptionType, req.Strike)
	if err != nil {
		return nil, err
	}
	if req.OrderType == "" {
		req.OrderType = domain.OrderTypeLimit
	}

	body := map[string]any{
		"acctId":    s.accountID,
		"conid":     conid,
		"orderType": string(req.OrderType),
		"side":      string(req.Side),
		"tif":       string(domain.TIFDay),
		"quantity":  req.Quantity,
	}
	if req.LimitPrice != nil {
		body["price"] = *req.LimitPrice
	}

	symbol := occSymbol(req.Symbol, req.Expiration, req.OptionType, req.Strike)
	return s.submitAndPersist(ctx, symbol, req.Side, req.Quantity, req.OrderType, req.LimitPrice, nil, body)
}

// PlaceOptionOrderWithStop submits the primary sell limit order plus a child
// stop at stopMultiple times the limit premium.
func (s *Service) PlaceOptionOrderWithStop(ctx context.Context, req OptionOrderRequest, stopMultiple float64) (parent, child *domain.OrderRecord, err error) {
	parent, err = s.PlaceOptionOrder(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if req.LimitPrice == nil {
		return parent, nil, nil
	}

	stopPrice := *req.LimitPrice * stopMultiple
	stopReq := req
	stopReq.Side = req.Side.Opposite()
	stopReq.OrderType = domain.OrderTypeStop
	stopReq.LimitPrice = &stopPrice

	conid, err := s.resolveOptionConid(ctx, req.Symbol, req.Expiration, req.OptionType, req.Strike)
	if err != nil {
		return parent, nil, err
	}
	body := map[string]any{
		"acctId":    s.accountID,
		"conid":     conid,
		"orderType": string(domain.OrderTypeStop),
		"side":      string(stopReq.Side),
		"tif":       string(domain.TIFDay),
		"quantity":  req.Quantity,
		"price":     stopPrice,
	}
	symbol := occSymbol(req.Symbol, req.Expiration, req.OptionType, req.Strike)
	child, err = s.submitAndPersist(ctx, symbol, stopReq.Side, req.Quantity, domain.OrderTypeStop, &stopPrice, &parent.ID, body)
	return parent, child, err
}

// PlaceCloseOrderByConid submits a market order to close a position by conid.
func (s *Service) PlaceCloseOrderByConid(ctx context.Context, conid int, qty float64, side domain.Side) (*domain.OrderRecord, error) {
	body := map[string]any{
		"acctId":    s.accountID,
		"conid":     conid,
		"orderType": string(domain.OrderTypeMarket),
		"side":      string(side),
		"tif":       string(domain.TIFDay),
		"quantity":  qty,
	}
	return s.submitAndPersist(ctx, fmt.Sprintf("conid:%d", conid), side, qty, domain.OrderTypeMarket, nil, nil, body)
}

func (s *Service) submitAndPersist(ctx context.Context, symbol string, side domain.Side, qty float64, orderType domain.OrderType, limitPrice *float64, parentID *int64, body map[string]any) (*domain.OrderRecord, error) {
	if err := s.session.EnsureReady(ctx, false); err != nil {
		return nil, err
	}

	raw, err := s.postOrder(ctx, body)
	if err != nil {
		return nil, err
	}

	brokerOrderID, found := parseOrderID(raw)
	if !found {
		s.log.Warn().Str("symbol", symbol).Msg("order submitted but no parseable order id")
	}

	rec := domain.OrderRecord{
		BrokerOrderID: brokerOrderID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		OrderType:     orderType,
		LimitPrice:    limitPrice,
		ParentID:      parentID,
		Status:        domain.OrderStatusSubmitted,
		SubmittedAt:   time.Now(),
	}
	id, err := s.ledger.CreateOrder(s.userID, rec)
	if err != nil {
		return nil, err
	}
	rec.ID = id

	if s.audit != nil {
		s.audit.RecordOrderEvent(s.userID, "submitted", map[string]any{
			"symbol": symbol, "side": side, "qty": qty, "brokerOrderId": brokerOrderID,
		})
	}
	return &rec, nil
}

// postOrder implements the submission protocol: POST the order, and if the
// broker replies with an interstitial confirmation array, POST the reply.
func (s *Service) postOrder(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{"orders": []any{body}})
	if err != nil {
		return nil, fmt.Errorf("marshaling order body: %w", err)
	}

	raw, status, err := s.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/api/iserver/account/%s/orders", s.accountID), payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
	}

	if replyID, ok := extractConfirmationID(raw); ok {
		confirmPayload, _ := json.Marshal(map[string]bool{"confirmed": true})
		raw, status, err = s.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/api/iserver/reply/%s", replyID), confirmPayload)
		if err != nil {
			return nil, err
		}
		if status < 200 || status >= 300 {
			return nil, &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
		}
	}
	return raw, nil
}

// extractConfirmationID recognizes the broker's interstitial confirmation
// array shape [{"id": "...", "message": "..."}].
func extractConfirmationID(raw json.RawMessage) (string, bool) {
	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
		return "", false
	}
	id, ok := arr[0]["id"].(string)
	if !ok || id == "" {
		return "", false
	}
	if _, hasMessage := arr[0]["message"]; !hasMessage {
		return "", false
	}
	return id, true
}

// parseOrderID tries the broker's five known order-id locations in order and
// returns the first well-formed, non-empty numeric string.
func parseOrderID(raw json.RawMessage) (string, bool) {
	var asObject map[string]any
	if json.Unmarshal(raw, &asObject) == nil {
		if id, ok := candidateID(asObject["order_id"]); ok {
			return id, true
		}
		for _, key := range []string{"orders", "data", "reply"} {
			if arr, ok := asObject[key].([]any); ok && len(arr) > 0 {
				if obj, ok := arr[0].(map[string]any); ok {
					if id, ok := firstOf(obj, "order_id", "orderId", "id", "conid"); ok {
						return id, true
					}
				}
			}
		}
	}

	var asArray []map[string]any
	if json.Unmarshal(raw, &asArray) == nil && len(asArray) > 0 {
		if id, ok := firstOf(asArray[0], "order_id", "orderId", "id", "conid"); ok {
			return id, true
		}
	}
	return "", false
}

func firstOf(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if id, ok := candidateID(obj[k]); ok {
			return id, true
		}
	}
	return "", false
}

func candidateID(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "undefined" || s == "null" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}

// --- Conid resolution ---

// ResolveConid looks up the conid for a stock symbol. Exported for job
// handlers that need an underlying's conid for spot-price lookups.
func (s *Service) ResolveConid(ctx context.Context, symbol string) (int, error) {
	return s.resolveConid(ctx, symbol)
}

// ResolveOptionConid looks up the conid for a specific option contract.
func (s *Service) ResolveOptionConid(ctx context.Context, underlying, expirationYYYYMMDD string, optType domain.OptionType, strike float64) (int, error) {
	return s.resolveOptionConid(ctx, underlying, expirationYYYYMMDD, optType, strike)
}

func (s *Service) resolveConid(ctx context.Context, symbol string) (int, error) {
	raw, status, err := s.doJSON(ctx, http.MethodGet, "/v1/api/iserver/secdef/search?symbol="+url.QueryEscape(symbol), nil)
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, &InstrumentResolutionError{Query: symbol}
	}

	var results []struct {
		Conid int `json:"conid"`
	}
	if err := json.Unmarshal(raw, &results); err != nil || len(results) == 0 {
		return 0, &InstrumentResolutionError{Query: symbol}
	}
	return results[0].Conid, nil
}

func (s *Service) resolveOptionConid(ctx context.Context, underlying, expirationYYYYMMDD string, optType domain.OptionType, strike float64) (int, error) {
	searchConid, err := s.resolveConid(ctx, underlying)
	if err != nil {
		return 0, &InstrumentResolutionError{Query: underlying}
	}

	right := "P"
	if optType == domain.OptionTypeCall {
		right = "C"
	}
	strikesURL := fmt.Sprintf("/v1/api/iserver/secdef/strikes?conid=%d&sectype=OPT&month=%s&right=%s", searchConid, expirationYYYYMMDD, right)
	if _, status, err := s.doJSON(ctx, http.MethodGet, strikesURL, nil); err != nil || status >= 300 {
		return 0, &InstrumentResolutionError{Query: underlying}
	}

	infoURL := fmt.Sprintf("/v1/api/iserver/secdef/info?conid=%d&sectype=OPT&month=%s&strike=%.2f&right=%s", searchConid, expirationYYYYMMDD, strike, right)
	raw, status, err := s.doJSON(ctx, http.MethodGet, infoURL, nil)
	if err != nil || status >= 300 {
		return 0, &InstrumentResolutionError{Query: underlying}
	}

	var infos []struct {
		Conid  int     `json:"conid"`
		Strike float64 `json:"strike"`
		Right  string  `json:"right"`
	}
	if err := json.Unmarshal(raw, &infos); err != nil {
		return 0, &InstrumentResolutionError{Query: underlying}
	}
	for _, info := range infos {
		diff := info.Strike - strike
		if diff < 0 {
			diff = -diff
		}
		if diff < 0.01 && strings.EqualFold(info.Right, right) {
			return info.Conid, nil
		}
	}
	return 0, &InstrumentResolutionError{Query: underlying}
}

// --- Open orders / cancellation ---

// GetOpenOrders fetches open orders directly from the broker.
func (s *Service) GetOpenOrders(ctx context.Context) ([]domain.OrderRecord, error) {
	raw, status, err := s.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/api/iserver/account/%s/orders", s.accountID), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
	}

	var payload struct {
		Orders []struct {
			OrderID  string  `json:"orderId"`
			Ticker   string  `json:"ticker"`
			Side     string  `json:"side"`
			Quantity float64 `json:"remainingQuantity"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding open orders: %w", err)
	}

	out := make([]domain.OrderRecord, 0, len(payload.Orders))
	for _, o := range payload.Orders {
		out = append(out, domain.OrderRecord{
			BrokerOrderID: o.OrderID,
			Symbol:        o.Ticker,
			Side:          domain.Side(o.Side),
			Quantity:      o.Quantity,
			Status:        domain.OrderStatusSubmitted,
		})
	}
	return out, nil
}

// CancelOrder cancels a single broker-assigned order.
func (s *Service) CancelOrder(ctx context.Context, brokerOrderID string) error {
	path := fmt.Sprintf("/v1/api/iserver/account/%s/order/%s", s.accountID, brokerOrderID)
	raw, status, err := s.doJSON(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &OrderRejection{HTTPStatus: status, BodySnippet: snippet(raw)}
	}
	return nil
}

// CancelAllOrders fetches open broker orders (falling back to the local
// ledger) and cancels each, treating "not found"/"cancelled"/"filled"
// failures as already-cleared rather than errors. Local orders without a
// numeric broker id are marked cancelled without a broker call.
func (s *Service) CancelAllOrders(ctx context.Context) error {
	open, err := s.GetOpenOrders(ctx)
	if err != nil || len(open) == 0 {
		local, lerr := s.ledger.OpenOrders(s.userID)
		if lerr != nil {
			return lerr
		}
		open = append(open, local...)
	}

	for _, o := range open {
		if !o.IsNumericBrokerID() {
			_ = s.ledger.UpdateOrderStatus(o.ID, domain.OrderStatusCancelled, nil, nil)
			continue
		}
		err := s.CancelOrder(ctx, o.BrokerOrderID)
		if err != nil {
			lower := strings.ToLower(err.Error())
			if strings.Contains(lower, "not found") || strings.Contains(lower, "cancelled") || strings.Contains(lower, "filled") {
				_ = s.ledger.UpdateOrderStatus(o.ID, domain.OrderStatusCancelled, nil, nil)
			} else {
				s.log.Warn().Err(err).Str("brokerOrderId", o.BrokerOrderID).Msg("cancel failed")
			}
		} else {
			_ = s.ledger.UpdateOrderStatus(o.ID, domain.OrderStatusCancelled, nil, nil)
		}
		time.Sleep(cancelDelay)
	}
	return nil
}

// --- HTTP helper ---

func (s *Service) doJSON(ctx context.Context, method, path string, body []byte) (json.RawMessage, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.session.BaseURL()+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.session.AuthenticatedClient().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func occSymbol(underlying, expirationYYYYMMDD string, optType domain.OptionType, strike float64) string {
	yy := expirationYYYYMMDD[2:]
	typeLetter := "P"
	if optType == domain.OptionTypeCall {
		typeLetter = "C"
	}
	strikeInt := int64(strike*1000 + 0.5)
	return fmt.Sprintf("%-6s%s%s%08d", underlying, yy, typeLetter, strikeInt)
}

func snippet(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
