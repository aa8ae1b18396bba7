package coinbase

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL is the lifetime of a request JWT. The exchange rejects tokens
// older than two minutes.
const tokenTTL = 2 * time.Minute

// JWTAuth signs per-request ES256 tokens for the Advanced Trade API using a
// CDP API key.
type JWTAuth struct {
	keyName string
	key     *ecdsa.PrivateKey
	now     func() time.Time
}

// NewJWTAuth parses the PEM-encoded EC private key. Secrets copied from an
// env file often carry literal "\n" sequences; those are expanded first.
func NewJWTAuth(keyName, pemSecret string) (*JWTAuth, error) {
	if keyName == "" {
		return nil, errors.New("coinbase: api key name must not be empty")
	}
	pemSecret = strings.ReplaceAll(strings.TrimSpace(pemSecret), `\n`, "\n")
	if pemSecret == "" {
		return nil, errors.New("coinbase: api secret must not be empty")
	}

	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemSecret))
	if err != nil {
		return nil, fmt.Errorf("coinbase: parse api secret: %w", err)
	}
	return &JWTAuth{keyName: keyName, key: key, now: time.Now}, nil
}

// RESTToken returns a token bound to one request: uri is "METHOD host/path".
func (a *JWTAuth) RESTToken(method, host, path string) (string, error) {
	return a.sign(fmt.Sprintf("%s %s%s", method, host, path))
}

// WSToken returns a token for the WebSocket subscribe message. It carries no
// uri claim.
func (a *JWTAuth) WSToken() (string, error) {
	return a.sign("")
}

func (a *JWTAuth) sign(uri string) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub": a.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	if uri != "" {
		claims["uri"] = uri
	}

	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = a.keyName
	token.Header["nonce"] = nonce

	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("coinbase: sign jwt: %w", err)
	}
	return signed, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("coinbase: generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
