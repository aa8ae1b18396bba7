// Package crypto seals the exchange API secret at rest and verifies webhook
// signatures.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the sealed-secret JSON schema version.
	currentVersion = 1
)

// sealedSecretJSON is the on-disk format for a sealed secret.
type sealedSecretJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// SecretConfig carries what LoadSecret needs to resolve the API secret.
type SecretConfig struct {
	// RawSecret is the PEM-encoded secret. If non-empty it is returned as is.
	RawSecret string

	// SealedPath is a file produced by SealSecret.
	SealedPath string

	// Password decrypts the file at SealedPath.
	Password string
}

// SealSecret encrypts secret with PBKDF2-HMAC-SHA256 key derivation and
// AES-256-GCM. It returns the JSON envelope to write to disk.
func SealSecret(secret []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if len(strings.TrimSpace(string(secret))) == 0 {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := sealedSecretJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, secret, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// OpenSecret decrypts an envelope produced by SealSecret.
func OpenSecret(sealed []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored sealedSecretJSON
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed secret JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: nonce length %d, want %d", len(nonce), gcm.NonceSize())
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return plaintext, nil
}

// LoadSecret resolves the API secret.
//
// Resolution order:
//  1. RawSecret, when set.
//  2. SealedPath, decrypted with Password.
//  3. Otherwise an error.
func LoadSecret(cfg SecretConfig) (string, error) {
	if cfg.RawSecret != "" {
		return cfg.RawSecret, nil
	}

	if cfg.SealedPath != "" {
		data, err := os.ReadFile(cfg.SealedPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading sealed secret file: %w", err)
		}
		secret, err := OpenSecret(data, cfg.Password)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}

	return "", errors.New("crypto: no api secret source configured (set api_secret or sealed_secret_path)")
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
