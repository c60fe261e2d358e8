// Package auth maps bearer API keys onto agent identities.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/agorai/agorai/internal/bridge/config"
	"github.com/agorai/agorai/internal/bridge/store"
)

// ErrInvalidKey is returned for unknown or malformed credentials. The
// caller maps it to 401 without detail.
var ErrInvalidKey = errors.New("invalid API key")

// Authenticator resolves bearer keys against the configured key set and
// registers the owning agent on first contact.
type Authenticator struct {
	store *store.Store
	salt  string
	keys  map[string]config.APIKey
}

func New(st *store.Store, cfg *config.Config) *Authenticator {
	keys := make(map[string]config.APIKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k.Key] = k
	}
	return &Authenticator{store: st, salt: cfg.KeySalt, keys: keys}
}

// Authenticate resolves a bearer key to its agent, upserting the agent
// record so repeated authentications keep a stable identity.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (store.Agent, error) {
	if key == "" {
		return store.Agent{}, ErrInvalidKey
	}
	rec, ok := a.keys[key]
	if !ok {
		return store.Agent{}, ErrInvalidKey
	}

	agent, err := a.store.RegisterAgent(ctx, store.AgentRegistration{
		Name:           rec.Name,
		Type:           rec.Type,
		Capabilities:   rec.Capabilities,
		ClearanceLevel: rec.ClearanceLevel(),
		APIKeyHash:     a.HashKey(key),
	})
	if err != nil {
		return store.Agent{}, fmt.Errorf("register agent for key: %w", err)
	}
	return agent, nil
}

// HashKey returns the stored form of an API key: HMAC-SHA256 under the
// configured salt, or plain SHA-256 when no salt is set.
func (a *Authenticator) HashKey(key string) string {
	if a.salt == "" {
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(a.salt))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" when the header is absent or not a bearer scheme.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
