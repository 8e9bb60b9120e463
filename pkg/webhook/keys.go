// Package webhook receives, authenticates and processes inbound POS webhooks
// and relays them to a tenant's downstream endpoint.
package webhook

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	keyPrefix   = "whk_"
	keyEntropy  = 32
	keyLastSize = 4
)

// Key is a freshly generated inbound key. Plaintext is shown to the caller
// once and never stored.
type Key struct {
	Plaintext string
	Hash      string
	Last4     string
}

func GenerateKey() (Key, error) {
	buf := make([]byte, keyEntropy)
	if _, err := rand.Read(buf); err != nil {
		return Key{}, fmt.Errorf("generate webhook key: %w", err)
	}
	plaintext := keyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return Key{
		Plaintext: plaintext,
		Hash:      HashKey(plaintext),
		Last4:     plaintext[len(plaintext)-keyLastSize:],
	}, nil
}

func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyKey compares presented against the stored hash in constant time. An
// empty stored hash never matches.
func VerifyKey(presented, storedHash string) bool {
	if presented == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashKey(presented)), []byte(storedHash)) == 1
}

func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
