// Package config provides runtime chatbot configuration backed by the store.
//
// Configuration lives in the database so operators can flip settings (such as
// pausing the chatbot) without restarting the service. Reads go through a
// short-lived cache to keep the hot message path off the database.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hoztech/whatsflow/internal/store"
)

// Well-known configuration keys.
const (
	// KeyChatbotActive gates automated responses globally ("true"/"false").
	KeyChatbotActive = "chatbot_active"
	// KeyAutoResponseDelay is the default response delay in seconds.
	KeyAutoResponseDelay = "auto_response_delay"
	// KeyMaxSessionDuration is the session inactivity window in seconds.
	KeyMaxSessionDuration = "max_session_duration"
	// KeyWebhookVerifyToken is the token expected on webhook verification.
	KeyWebhookVerifyToken = "webhook_verify_token"
	// KeyAccessToken is the WhatsApp Cloud API access token.
	KeyAccessToken = "whatsapp_access_token"
	// KeyPhoneNumberID is the WhatsApp Cloud API phone number id.
	KeyPhoneNumberID = "whatsapp_phone_number_id"
	// KeyDefaultCountryCode prefixes phone numbers missing a country code.
	KeyDefaultCountryCode = "default_country_code"
)

// Default values applied when a key is absent from the store.
var defaults = map[string]string{
	KeyChatbotActive:      "false",
	KeyAutoResponseDelay:  "5",
	KeyMaxSessionDuration: "3600",
	KeyDefaultCountryCode: "+55",
}

// DefaultCacheTTL bounds how stale a cached config read may be.
const DefaultCacheTTL = 30 * time.Second

// Provider exposes chatbot configuration to the rest of the service.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Get returns the value for key, falling back to the key's default when
	// the store has no entry.
	Get(key string) (string, error)
	// GetBool interprets the value as a boolean. Unparseable values read as
	// false.
	GetBool(key string) (bool, error)
	// GetInt interprets the value as an integer, falling back to def when the
	// value is missing or unparseable.
	GetInt(key string, def int) (int, error)
	// Set writes the value through to the store and invalidates the cache.
	Set(key, value, updatedBy string) error
}

type cacheEntry struct {
	value     string
	found     bool
	fetchedAt time.Time
}

// StoreProvider reads configuration from a store.Store with TTL caching.
type StoreProvider struct {
	store store.Store
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	// now is swappable in tests.
	now func() time.Time
}

// ProviderOption configures a StoreProvider.
type ProviderOption func(*StoreProvider)

// WithCacheTTL overrides the default cache TTL. A zero TTL disables caching.
func WithCacheTTL(ttl time.Duration) ProviderOption {
	return func(p *StoreProvider) {
		p.ttl = ttl
	}
}

// NewStoreProvider creates a Provider backed by st.
func NewStoreProvider(st store.Store, opts ...ProviderOption) *StoreProvider {
	p := &StoreProvider{
		store: st,
		ttl:   DefaultCacheTTL,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the value for key, consulting the cache first.
func (p *StoreProvider) Get(key string) (string, error) {
	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.ttl > 0 && p.now().Sub(entry.fetchedAt) < p.ttl {
		p.mu.Unlock()
		if entry.found {
			return entry.value, nil
		}
		return defaults[key], nil
	}
	p.mu.Unlock()

	value, found, err := p.store.GetConfigValue(key)
	if err != nil {
		slog.Error("config lookup failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to read config key %s: %w", key, err)
	}

	p.mu.Lock()
	p.cache[key] = cacheEntry{value: value, found: found, fetchedAt: p.now()}
	p.mu.Unlock()

	if !found {
		return defaults[key], nil
	}
	return value, nil
}

// GetBool returns the value for key as a boolean.
func (p *StoreProvider) GetBool(key string) (bool, error) {
	value, err := p.Get(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Debug("config value is not a boolean, treating as false", "key", key, "value", value)
		return false, nil
	}
	return b, nil
}

// GetInt returns the value for key as an integer, or def when missing or
// malformed.
func (p *StoreProvider) GetInt(key string, def int) (int, error) {
	value, err := p.Get(key)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Debug("config value is not an integer, using default", "key", key, "value", value, "default", def)
		return def, nil
	}
	return n, nil
}

// Set writes the value through to the store and drops the cached entry so the
// next read observes it immediately.
func (p *StoreProvider) Set(key, value, updatedBy string) error {
	if err := p.store.SetConfigValue(key, value, updatedBy); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
	slog.Debug("config updated", "key", key, "updatedBy", updatedBy)
	return nil
}

// Compile-time check that StoreProvider implements Provider.
var _ Provider = (*StoreProvider)(nil)
