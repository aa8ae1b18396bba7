package coinbase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *ecdsa.PrivateKey) {
	t.Helper()
	key, secret := testKey(t)
	auth, err := NewJWTAuth("organizations/o/apiKeys/k", secret)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL, Auth: auth}, discardLogger())
	require.NoError(t, err)
	return c, key
}

func TestJWTAuthClaims(t *testing.T) {
	key, secret := testKey(t)
	auth, err := NewJWTAuth("organizations/o/apiKeys/k", strings.ReplaceAll(secret, "\n", `\n`))
	require.NoError(t, err)

	signed, err := auth.RESTToken(http.MethodGet, "api.coinbase.com", "/api/v3/brokerage/accounts")
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "organizations/o/apiKeys/k", claims["sub"])
	assert.Equal(t, "cdp", claims["iss"])
	assert.Equal(t, "GET api.coinbase.com/api/v3/brokerage/accounts", claims["uri"])
	assert.Equal(t, "organizations/o/apiKeys/k", token.Header["kid"])
	assert.NotEmpty(t, token.Header["nonce"])

	wsToken, err := auth.WSToken()
	require.NoError(t, err)
	parsed, err := jwt.Parse(wsToken, func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	_, hasURI := parsed.Claims.(jwt.MapClaims)["uri"]
	assert.False(t, hasURI)
}

func TestNewJWTAuthRejectsBadSecret(t *testing.T) {
	_, err := NewJWTAuth("k", "not a pem")
	assert.Error(t, err)
	_, err = NewJWTAuth("", "x")
	assert.Error(t, err)
}

func TestPlaceMarketOrder(t *testing.T) {
	var got CreateOrderRequest
	var authHeader string
	c, key := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ordersPath, r.URL.Path)
		authHeader = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"success":true,"success_response":{"order_id":"ord-1","product_id":"BTC-USD","side":"BUY","client_order_id":"`+got.ClientOrderID+`"}}`)
	})

	res, err := c.PlaceMarketOrder(context.Background(), domain.OrderRequest{
		Instrument: "BTC-USD", Side: domain.OrderSideBuy, QuoteSize: 100.456,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "BTC-USD", res.Instrument)
	assert.True(t, strings.HasPrefix(got.ClientOrderID, "webhook_"))
	require.NotNil(t, got.OrderConfiguration.MarketIOC)
	assert.Equal(t, "100.46", got.OrderConfiguration.MarketIOC.QuoteSize)
	assert.Empty(t, got.OrderConfiguration.MarketIOC.BaseSize)

	require.True(t, strings.HasPrefix(authHeader, "Bearer "))
	token, err := jwt.Parse(strings.TrimPrefix(authHeader, "Bearer "),
		func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	assert.Equal(t, "POST "+c.host+ordersPath, token.Claims.(jwt.MapClaims)["uri"])
}

func TestClosePositionSellsBaseSize(t *testing.T) {
	var got CreateOrderRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"success":true,"order_id":"ord-2"}`)
	})

	res, err := c.ClosePosition(context.Background(), "ETH-USD", domain.SideLong, 0.123456789)
	require.NoError(t, err)
	assert.Equal(t, "ord-2", res.OrderID)
	assert.Equal(t, "SELL", got.Side)
	assert.True(t, strings.HasPrefix(got.ClientOrderID, "close_"))
	assert.Equal(t, "0.12345678", got.OrderConfiguration.MarketIOC.BaseSize)

	_, err = c.ClosePosition(context.Background(), "ETH-USD", domain.SideShort, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPlaceMarketOrderRejections(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"success false", http.StatusOK, `{"success":false,"error_response":{"error":"INSUFFICIENT_FUND","message":"Insufficient balance"}}`, "INSUFFICIENT_FUND"},
		{"missing order id", http.StatusOK, `{"success":true}`, "without order_id"},
		{"http error", http.StatusUnauthorized, `{"error":"unauthorized"}`, "HTTP 401"},
		{"bad json", http.StatusOK, `{`, "decode order response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.PlaceMarketOrder(context.Background(), domain.OrderRequest{
				Instrument: "BTC-USD", Side: domain.OrderSideSell, BaseSize: 1,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrGateway)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestPlaceMarketOrderValidatesSizing(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.PlaceMarketOrder(context.Background(), domain.OrderRequest{
		Instrument: "BTC-USD", Side: domain.OrderSideBuy, QuoteSize: 10, BaseSize: 1,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCurrentPrice(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr bool
	}{
		{"price", `{"product_id":"BTC-USD","price":"65123.45"}`, 65123.45, false},
		{"missing price", `{"product_id":"BTC-USD","price":""}`, 0, true},
		{"zero price", `{"product_id":"BTC-USD","price":"0"}`, 0, true},
		{"garbage", `{"product_id":"BTC-USD","price":"abc"}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, productsPath+"BTC-USD", r.URL.Path)
				_, _ = io.WriteString(w, tt.body)
			})
			got, err := c.CurrentPrice(context.Background(), "BTC-USD")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrGateway)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCurrentPriceWithoutCredentialsUsesPublicEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, publicProductsPath+"ETH-USD", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"product_id":"ETH-USD","price":"2000.5"}`)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL}, discardLogger())
	require.NoError(t, err)
	got, err := c.CurrentPrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.InDelta(t, 2000.5, got, 1e-9)
}

func TestBalancesFollowsCursor(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, accountsPath, r.URL.Path)
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = io.WriteString(w, `{"accounts":[{"currency":"USD","available_balance":{"value":"1500.25","currency":"USD"},"hold":{"value":"10","currency":"USD"}}],"has_next":true,"cursor":"p2"}`)
		case "p2":
			_, _ = io.WriteString(w, `{"accounts":[{"currency":"BTC","available_balance":{"value":"0.5","currency":"BTC"}}],"has_next":false}`)
		}
	})

	balances, err := c.Balances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []domain.Balance{
		{Currency: "USD", Available: 1500.25, Hold: 10},
		{Currency: "BTC", Available: 0.5},
	}, balances)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "::nope"}, discardLogger())
	assert.Error(t, err)
}
