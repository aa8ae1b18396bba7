// Package coinbase implements the order gateway and trade feed for the
// Coinbase Advanced Trade API.
package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

const (
	// DefaultRESTURL is the production Advanced Trade API root.
	DefaultRESTURL = "https://api.coinbase.com"

	ordersPath   = "/api/v3/brokerage/orders"
	productsPath = "/api/v3/brokerage/products/"
	accountsPath = "/api/v3/brokerage/accounts"

	// publicProductsPath serves the same product view without credentials.
	publicProductsPath = "/api/v3/brokerage/market/products/"

	accountsPageLimit = 250
	maxAccountPages   = 20
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	Auth    *JWTAuth
	Timeout time.Duration
}

// APIError is a non-2xx reply from the exchange.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Client is the Advanced Trade REST client. It satisfies domain.OrderGateway
// and domain.AccountReader.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client
	auth       *JWTAuth
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a REST client. Auth may be nil for public endpoints only.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultRESTURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("coinbase: invalid rest url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    base,
		host:       u.Host,
		httpClient: &http.Client{Timeout: timeout},
		auth:       cfg.Auth,
		logger:     logger.With(slog.String("component", "coinbase_rest")),
		now:        time.Now,
	}, nil
}

// PlaceMarketOrder submits an immediate-or-cancel market order sized by
// QuoteSize or BaseSize.
func (c *Client) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	ioc := &MarketIOC{}
	switch {
	case req.QuoteSize > 0 && req.BaseSize == 0:
		ioc.QuoteSize = formatQuote(req.QuoteSize)
	case req.BaseSize > 0 && req.QuoteSize == 0:
		ioc.BaseSize = formatBase(req.BaseSize)
	default:
		return domain.OrderResult{}, fmt.Errorf("coinbase: place order: %w",
			domain.Validationf("exactly one of quote size or base size must be positive"))
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return domain.OrderResult{}, fmt.Errorf("coinbase: place order: %w",
			domain.Validationf("invalid order side %q", req.Side))
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "webhook_" + uuid.NewString()
	}
	body := CreateOrderRequest{
		ClientOrderID:      clientID,
		ProductID:          req.Instrument,
		Side:               string(req.Side),
		OrderConfiguration: OrderConfiguration{MarketIOC: ioc},
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, ordersPath, nil, body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("coinbase: place order %s %s: %w: %w", req.Side, req.Instrument, domain.ErrGateway, err)
	}

	var resp CreateOrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("coinbase: decode order response: %w: %w", domain.ErrGateway, err)
	}
	result, err := resp.ToDomainOrderResult(body, c.now().UTC())
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("coinbase: place order %s %s: %w: %w", req.Side, req.Instrument, domain.ErrGateway, err)
	}

	c.logger.InfoContext(ctx, "market order placed",
		slog.String("order_id", result.OrderID),
		slog.String("client_order_id", result.ClientOrderID),
		slog.String("product_id", result.Instrument),
		slog.String("side", string(result.Side)),
		slog.String("quote_size", ioc.QuoteSize),
		slog.String("base_size", ioc.BaseSize),
	)
	return result, nil
}

// ClosePosition submits the opposing market order for the full base size.
func (c *Client) ClosePosition(ctx context.Context, instrument string, side domain.PositionSide, baseSize float64) (domain.OrderResult, error) {
	if baseSize <= 0 {
		return domain.OrderResult{}, fmt.Errorf("coinbase: close %s: %w", instrument,
			domain.Validationf("base size must be positive, got %v", baseSize))
	}
	return c.PlaceMarketOrder(ctx, domain.OrderRequest{
		Instrument:    instrument,
		Side:          side.CloseOrderSide(),
		BaseSize:      baseSize,
		ClientOrderID: "close_" + uuid.NewString(),
	})
}

// CurrentPrice returns the last traded price of a product.
func (c *Client) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	if instrument == "" {
		return 0, fmt.Errorf("coinbase: current price: %w", domain.Validationf("empty product id"))
	}
	base := productsPath
	if c.auth == nil {
		base = publicProductsPath
	}
	path := base + url.PathEscape(instrument)

	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("coinbase: get product %s: %w: %w", instrument, domain.ErrGateway, err)
	}

	var product ProductResponse
	if err := json.Unmarshal(respBody, &product); err != nil {
		return 0, fmt.Errorf("coinbase: decode product %s: %w: %w", instrument, domain.ErrGateway, err)
	}
	if product.ProductID == "" {
		product.ProductID = instrument
	}
	price, err := product.PriceFloat()
	if err != nil {
		return 0, fmt.Errorf("coinbase: %w: %w", domain.ErrGateway, err)
	}
	return price, nil
}

// Balances lists every account, following the pagination cursor.
func (c *Client) Balances(ctx context.Context) ([]domain.Balance, error) {
	var balances []domain.Balance
	cursor := ""

	for page := 0; page < maxAccountPages; page++ {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(accountsPageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		respBody, err := c.doRequest(ctx, http.MethodGet, accountsPath, q, nil)
		if err != nil {
			return nil, fmt.Errorf("coinbase: list accounts: %w: %w", domain.ErrGateway, err)
		}
		var resp AccountsResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("coinbase: decode accounts: %w: %w", domain.ErrGateway, err)
		}

		for i := range resp.Accounts {
			b, err := resp.Accounts[i].ToDomainBalance()
			if err != nil {
				return nil, fmt.Errorf("coinbase: %w: %w", domain.ErrGateway, err)
			}
			balances = append(balances, b)
		}

		if !resp.HasNext || resp.Cursor == "" {
			return balances, nil
		}
		cursor = resp.Cursor
	}

	c.logger.WarnContext(ctx, "account listing truncated", slog.Int("pages", maxAccountPages))
	return balances, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, signs, sends and reads a request. The JWT uri claim
// covers the path only, never the query string.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		token, err := c.auth.RESTToken(method, c.host, path)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
