package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akramer/wheelhouse/internal/models"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// APIError represents a gateway error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// GatewayClient talks to the brokerage OMS gateway over HTTP. The gateway is
// asynchronous: order submissions return an acknowledgement record, and the
// authoritative status is whatever a later poll reports.
type GatewayClient struct {
	client    *http.Client
	authToken string
	baseURL   string
	accountID string
	timeout   time.Duration
}

// Ensure GatewayClient implements Broker at compile time.
var _ Broker = (*GatewayClient)(nil)

// NewGatewayClient creates a new gateway client with default settings.
func NewGatewayClient(baseURL, authToken, accountID string) *GatewayClient {
	const defaultTimeout = 10 * time.Second
	return &GatewayClient{
		client:    &http.Client{Timeout: defaultTimeout},
		authToken: authToken,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		timeout:   defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (g *GatewayClient) WithHTTPClient(c *http.Client) *GatewayClient {
	if c != nil {
		g.client = c
	}
	return g
}

// WithTimeout sets the HTTP client timeout duration.
func (g *GatewayClient) WithTimeout(timeout time.Duration) *GatewayClient {
	g.timeout = timeout
	if g.client != nil {
		g.client.Timeout = timeout
	}
	return g
}

// ============ Gateway Response Structures ============

// Handle single-object vs array responses from the gateway
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// gatewayOrder is the gateway's wire representation of an order.
type gatewayOrder struct {
	ID                int     `json:"id"`
	PermID            int64   `json:"perm_id"`
	OptionSymbol      string  `json:"option_symbol"`
	Side              string  `json:"side"`
	Type              string  `json:"type"`
	Status            string  `json:"status"`
	Price             float64 `json:"price"`
	StopPrice         float64 `json:"stop_price"`
	Quantity          int     `json:"quantity"`
	ExecQuantity      int     `json:"exec_quantity"`
	RemainingQuantity int     `json:"remaining_quantity"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	OCAGroup          string  `json:"oca_group"`
	TransactionDate   string  `json:"transaction_date"`
}

type orderResponse struct {
	Order gatewayOrder `json:"order"`
}

type ordersResponse struct {
	Orders struct {
		Order singleOrArray[gatewayOrder] `json:"order"`
	} `json:"orders"`
}

// gatewayExecution is the gateway's wire representation of a fill.
type gatewayExecution struct {
	OrderID      int     `json:"order_id"`
	PermID       int64   `json:"perm_id"`
	OptionSymbol string  `json:"option_symbol"`
	Side         string  `json:"side"`
	Quantity     int     `json:"quantity"`
	Price        float64 `json:"price"`
	Time         string  `json:"time"`
}

type executionsResponse struct {
	Executions struct {
		Execution singleOrArray[gatewayExecution] `json:"execution"`
	} `json:"executions"`
}

// Quote represents a market quote from the gateway.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	BidSize   int     `json:"bidsize"`
	AskSize   int     `json:"asksize"`
	Volume    int64   `json:"volume"`
	PrevClose float64 `json:"prevclose"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[Quote] `json:"quote"`
	} `json:"quotes"`
}

type expirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

// Option represents an option contract from the gateway chain endpoint.
type Option struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	Symbol         string  `json:"symbol"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	BidSize        int     `json:"bid_size"`
	AskSize        int     `json:"ask_size"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// Right maps the gateway's option_type string to a models.Right.
func (o *Option) Right() models.Right {
	switch o.OptionType {
	case "put":
		return models.RightPut
	case "call":
		return models.RightCall
	}
	return ""
}

// Mid returns the bid/ask midpoint, falling back to last when the book is empty.
func (o *Option) Mid() float64 {
	if o.Bid > 0 && o.Ask > 0 {
		return (o.Bid + o.Ask) / 2
	}
	return o.Last
}

// Greeks contains option Greeks data from the gateway.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	MidIV     float64 `json:"mid_iv"`
}

type optionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

type marketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		Description string `json:"description"`
	} `json:"clock"`
}

// ============ Wire Mapping ============

// orderStatusFromGateway maps the gateway's lowercase status strings to the
// local status enum. Unknown strings map to INACTIVE so they read as terminal
// rather than silently live.
func orderStatusFromGateway(s string) models.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return models.StatusPending
	case "open", "partially_filled":
		return models.StatusSubmitted
	case "presubmitted":
		return models.StatusPreSubmitted
	case "filled":
		return models.StatusFilled
	case "canceled", "cancelled", "expired":
		return models.StatusCancelled
	case "rejected":
		return models.StatusRejected
	default:
		return models.StatusInactive
	}
}

func orderKindFromGateway(s string) models.OrderKind {
	if strings.EqualFold(s, "stop") {
		return models.OrderKindStop
	}
	return models.OrderKindLimit
}

func sideFromGateway(s string) models.Side {
	if strings.HasPrefix(strings.ToLower(s), "buy") {
		return models.SideBuy
	}
	return models.SideSell
}

func (g *GatewayClient) toLiveOrder(o gatewayOrder) (*models.LiveOrder, error) {
	key, err := models.ParseOptionSymbol(o.OptionSymbol)
	if err != nil {
		return nil, fmt.Errorf("order %d: bad option symbol %q: %w", o.ID, o.OptionSymbol, err)
	}

	price := o.Price
	if orderKindFromGateway(o.Type) == models.OrderKindStop && o.StopPrice > 0 {
		price = o.StopPrice
	}

	live := &models.LiveOrder{
		ID:             o.ID,
		PermID:         o.PermID,
		Key:            key,
		Side:           sideFromGateway(o.Side),
		Kind:           orderKindFromGateway(o.Type),
		Price:          price,
		Quantity:       o.Quantity,
		FilledQuantity: o.ExecQuantity,
		Status:         orderStatusFromGateway(o.Status),
		OCAGroup:       o.OCAGroup,
		AvgFillPrice:   o.AvgFillPrice,
	}
	if o.TransactionDate != "" {
		if ts, err := time.Parse(time.RFC3339, o.TransactionDate); err == nil {
			live.FillTime = ts
		}
	}
	return live, nil
}

// ============ API Methods ============

// SubmitOrder submits a single-leg option order and returns the gateway's
// acknowledgement. The returned status is not authoritative; poll GetOrder.
func (g *GatewayClient) SubmitOrder(ctx context.Context, req OrderRequest) (*models.LiveOrder, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d (must be > 0)", req.Quantity)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("invalid price for order: %.2f (must be > 0)", req.Price)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("invalid order side: %q", req.Side)
	}

	optionSymbol, err := req.Key.OptionSymbol()
	if err != nil {
		return nil, fmt.Errorf("building option symbol for %s: %w", req.Key, err)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", req.Key.Symbol)
	params.Add("option_symbol", optionSymbol)
	params.Add("side", strings.ToLower(string(req.Side)))
	params.Add("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Add("duration", "day")

	switch req.Kind {
	case models.OrderKindStop:
		params.Add("type", "stop")
		params.Add("stop", fmt.Sprintf("%.2f", req.Price))
	default:
		params.Add("type", "limit")
		params.Add("price", fmt.Sprintf("%.2f", req.Price))
	}

	if req.OCAGroup != "" {
		params.Add("oca_group", req.OCAGroup)
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", g.baseURL, g.accountID)

	var response orderResponse
	if err := g.makeRequestCtx(ctx, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, fmt.Errorf("gateway accepted order but returned no id")
	}

	// Acknowledgements frequently omit the echo of the request fields.
	if response.Order.OptionSymbol == "" {
		response.Order.OptionSymbol = optionSymbol
	}
	if response.Order.Side == "" {
		response.Order.Side = strings.ToLower(string(req.Side))
	}
	if response.Order.Quantity == 0 {
		response.Order.Quantity = req.Quantity
	}
	if response.Order.Price == 0 && response.Order.StopPrice == 0 {
		response.Order.Price = req.Price
	}
	if response.Order.Status == "" {
		response.Order.Status = "pending"
	}
	if response.Order.OCAGroup == "" {
		response.Order.OCAGroup = req.OCAGroup
	}

	return g.toLiveOrder(response.Order)
}

// CancelOrder requests cancellation of an order. A nil error means the
// gateway accepted the request, not that the order is cancelled; the order
// must be polled until its status turns terminal.
func (g *GatewayClient) CancelOrder(ctx context.Context, orderID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", g.baseURL, g.accountID, orderID)
	return g.makeRequestCtx(ctx, "DELETE", endpoint, nil, nil)
}

// GlobalCancel requests cancellation of every live order on the account.
func (g *GatewayClient) GlobalCancel(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", g.baseURL, g.accountID)
	return g.makeRequestCtx(ctx, "DELETE", endpoint, nil, nil)
}

// GetOrder retrieves the current status of an order by ID.
func (g *GatewayClient) GetOrder(ctx context.Context, orderID int) (*models.LiveOrder, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", g.baseURL, g.accountID, orderID)

	var response orderResponse
	if err := g.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return g.toLiveOrder(response.Order)
}

// GetLiveOrders retrieves all non-terminal orders on the account.
func (g *GatewayClient) GetLiveOrders(ctx context.Context) ([]models.LiveOrder, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders?state=live", g.baseURL, g.accountID)

	var response ordersResponse
	if err := g.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	orders := make([]models.LiveOrder, 0, len(response.Orders.Order))
	for _, o := range response.Orders.Order {
		live, err := g.toLiveOrder(o)
		if err != nil {
			log.Printf("Skipping unparseable live order %d: %v", o.ID, err)
			continue
		}
		orders = append(orders, *live)
	}
	return orders, nil
}

// GetExecutions retrieves fills reported by the gateway since the given time.
func (g *GatewayClient) GetExecutions(ctx context.Context, since time.Time) ([]models.Execution, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/executions", g.baseURL, g.accountID)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var response executionsResponse
	if err := g.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	execs := make([]models.Execution, 0, len(response.Executions.Execution))
	for _, e := range response.Executions.Execution {
		key, err := models.ParseOptionSymbol(e.OptionSymbol)
		if err != nil {
			log.Printf("Skipping execution for order %d with bad symbol %q: %v", e.OrderID, e.OptionSymbol, err)
			continue
		}
		exec := models.Execution{
			OrderID:  e.OrderID,
			PermID:   e.PermID,
			Key:      key,
			Side:     sideFromGateway(e.Side),
			Quantity: e.Quantity,
			Price:    e.Price,
		}
		if ts, err := time.Parse(time.RFC3339, e.Time); err == nil {
			exec.Time = ts
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// GetQuote retrieves the current market quote for a symbol.
func (g *GatewayClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	endpoint := g.baseURL + "/markets/quotes?" + params.Encode()

	var response quotesResponse
	if err := g.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	quotes := response.Quotes.Quote
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	first := quotes[0]
	return &first, nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (g *GatewayClient) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	endpoint := g.baseURL + "/markets/options/expirations?" + params.Encode()

	var response expirationsResponse
	if err := g.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Expirations.Date, nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
func (g *GatewayClient) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", fmt.Sprintf("%t", withGreeks))
	endpoint := g.baseURL + "/markets/options/chains?" + params.Encode()

	var response optionChainResponse
	if err := g.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []Option(response.Options.Option), nil
}

// IsTradingDay returns true on a trading session day (open, premarket, or postmarket).
func (g *GatewayClient) IsTradingDay(ctx context.Context) (bool, error) {
	endpoint := g.baseURL + "/markets/clock"

	var response marketClockResponse
	if err := g.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return false, err
	}

	state := response.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (g *GatewayClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+g.authToken)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "wheelhouse/1.0 (+gateway)")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
