package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix marks agent API key cleartexts.
	APIKeyPrefix = "agent_"
	// WebhookSecretPrefix marks webhook signing secret cleartexts.
	WebhookSecretPrefix = "whsec_"

	keyEntropyBytes = 24
	// DisplayPrefixLen is how much of the cleartext is retained for display.
	DisplayPrefixLen = 12
)

// GenerateAPIKey returns a fresh cleartext API key and its storage hash.
// The cleartext must never be persisted.
func GenerateAPIKey() (cleartext, hash string, err error) {
	return generateSecret(APIKeyPrefix)
}

// GenerateWebhookSecret returns a fresh webhook signing secret and its hash.
func GenerateWebhookSecret() (cleartext, hash string, err error) {
	return generateSecret(WebhookSecretPrefix)
}

func generateSecret(prefix string) (string, string, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	cleartext := prefix + hex.EncodeToString(buf)
	return cleartext, HashKey(cleartext), nil
}

// HashKey maps a cleartext secret to its stored SHA-256 hex fingerprint.
// Lookup is by hash, never by cleartext.
func HashKey(cleartext string) string {
	sum := sha256.Sum256([]byte(cleartext))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the leading characters of a cleartext key shown in
// owner dashboards.
func DisplayPrefix(cleartext string) string {
	if len(cleartext) <= DisplayPrefixLen {
		return cleartext
	}
	return cleartext[:DisplayPrefixLen]
}

// HasAPIKeyShape reports whether a presented credential even looks like an
// agent key. Malformed keys are rejected before any hash lookup.
func HasAPIKeyShape(cleartext string) bool {
	return strings.HasPrefix(cleartext, APIKeyPrefix) && len(cleartext) > len(APIKeyPrefix)
}
