// Package auth mints and verifies client tokens. Tokens are fernet-signed
// JSON claims; the signing key is generated on first use and persisted in
// the settings table so tokens survive restarts.
package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/muxlink/muxlink/internal/database"
)

const keySetting = "fernet_key"

// Claims is the payload carried inside a client token.
type Claims struct {
	Client   string    `json:"client"`
	IssuedAt time.Time `json:"issued_at"`
}

func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// MintToken issues a token identifying a client.
func MintToken(clientName string) (string, error) {
	if clientName == "" {
		return "", fmt.Errorf("mint token: empty client name")
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(Claims{Client: clientName, IssuedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	tok, err := fernet.EncryptAndSign(payload, key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}

// VerifyToken checks a token's signature and age and returns the client
// name it was issued to.
func VerifyToken(token string, ttl time.Duration) (string, error) {
	if token == "" {
		return "", fmt.Errorf("verify token: empty token")
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	payload := fernet.VerifyAndDecrypt([]byte(token), ttl, []*fernet.Key{key})
	if payload == nil {
		return "", fmt.Errorf("verify token: invalid or expired token")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("verify token: bad claims: %w", err)
	}
	if claims.Client == "" {
		return "", fmt.Errorf("verify token: missing client name")
	}
	return claims.Client, nil
}

// Mask redacts a token for logging, keeping the last 4 characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
