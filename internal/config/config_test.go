package config

import (
	"testing"
	"time"

	"github.com/hoztech/whatsflow/internal/store"
)

func TestGetFallsBackToDefaults(t *testing.T) {
	st := store.NewInMemoryStore()
	p := NewStoreProvider(st, WithCacheTTL(0))

	value, err := p.Get(KeyChatbotActive)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "false" {
		t.Errorf("expected chatbot_active default \"false\", got %q", value)
	}

	timeout, err := p.GetInt(KeyMaxSessionDuration, 0)
	if err != nil {
		t.Fatalf("GetInt failed: %v", err)
	}
	if timeout != 3600 {
		t.Errorf("expected max_session_duration default 3600, got %d", timeout)
	}

	// Unknown key with no default: empty value, caller default applies.
	n, err := p.GetInt("no_such_key", 42)
	if err != nil {
		t.Fatalf("GetInt failed: %v", err)
	}
	if n != 42 {
		t.Errorf("expected caller default 42, got %d", n)
	}
}

func TestGetBoolAndMalformedValues(t *testing.T) {
	st := store.NewInMemoryStore()
	p := NewStoreProvider(st, WithCacheTTL(0))

	if err := st.SetConfigValue(KeyChatbotActive, "true", "test"); err != nil {
		t.Fatalf("SetConfigValue failed: %v", err)
	}
	active, err := p.GetBool(KeyChatbotActive)
	if err != nil {
		t.Fatalf("GetBool failed: %v", err)
	}
	if !active {
		t.Error("expected chatbot_active true")
	}

	if err := st.SetConfigValue(KeyChatbotActive, "banana", "test"); err != nil {
		t.Fatalf("SetConfigValue failed: %v", err)
	}
	active, err = p.GetBool(KeyChatbotActive)
	if err != nil {
		t.Fatalf("GetBool failed: %v", err)
	}
	if active {
		t.Error("unparseable boolean must read as false")
	}

	if err := st.SetConfigValue(KeyAutoResponseDelay, "not-a-number", "test"); err != nil {
		t.Fatalf("SetConfigValue failed: %v", err)
	}
	delay, err := p.GetInt(KeyAutoResponseDelay, 5)
	if err != nil {
		t.Fatalf("GetInt failed: %v", err)
	}
	if delay != 5 {
		t.Errorf("unparseable integer must fall back to default, got %d", delay)
	}
}

func TestCacheTTL(t *testing.T) {
	st := store.NewInMemoryStore()
	p := NewStoreProvider(st, WithCacheTTL(time.Minute))
	current := time.Now()
	p.now = func() time.Time { return current }

	if err := st.SetConfigValue(KeyMaxSessionDuration, "100", "test"); err != nil {
		t.Fatalf("SetConfigValue failed: %v", err)
	}
	if v, _ := p.Get(KeyMaxSessionDuration); v != "100" {
		t.Fatalf("expected initial read 100, got %q", v)
	}

	// Write behind the provider's back: the cached value survives the TTL.
	if err := st.SetConfigValue(KeyMaxSessionDuration, "200", "test"); err != nil {
		t.Fatalf("SetConfigValue failed: %v", err)
	}
	if v, _ := p.Get(KeyMaxSessionDuration); v != "100" {
		t.Errorf("expected cached value 100 within TTL, got %q", v)
	}

	// After the TTL elapses the fresh value is observed.
	current = current.Add(2 * time.Minute)
	if v, _ := p.Get(KeyMaxSessionDuration); v != "200" {
		t.Errorf("expected fresh value 200 after TTL, got %q", v)
	}
}

func TestSetInvalidatesCache(t *testing.T) {
	st := store.NewInMemoryStore()
	p := NewStoreProvider(st, WithCacheTTL(time.Hour))

	if err := p.Set(KeyChatbotActive, "true", "tester"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _ := p.Get(KeyChatbotActive); v != "true" {
		t.Fatalf("expected true after Set, got %q", v)
	}

	// A write through the provider is visible immediately despite the TTL.
	if err := p.Set(KeyChatbotActive, "false", "tester"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _ := p.Get(KeyChatbotActive); v != "false" {
		t.Errorf("expected false after second Set, got %q", v)
	}

	entries, err := st.ListConfig()
	if err != nil {
		t.Fatalf("ListConfig failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one config entry, got %d", len(entries))
	}
	if entries[0].UpdatedBy != "tester" {
		t.Errorf("expected attribution to survive, got %q", entries[0].UpdatedBy)
	}
}
