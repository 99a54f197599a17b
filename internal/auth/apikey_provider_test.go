package auth

import (
	"context"
	"net/http"
	"testing"
)

func TestAPIKeyProviderDisabledWithoutKeys(t *testing.T) {
	t.Setenv("ZOOTALK_API_KEYS", "")
	p := NewAPIKeyProvider()
	if p.Enabled() {
		t.Error("provider must be disabled without configured keys")
	}
}

func TestAPIKeyProviderAuthenticate(t *testing.T) {
	t.Setenv("ZOOTALK_API_KEYS", "key-one, key-two")
	p := NewAPIKeyProvider()
	if !p.Enabled() {
		t.Fatal("provider should be enabled")
	}
	ctx := context.Background()

	// No credentials: not our concern.
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	identity, err := p.Authenticate(ctx, r)
	if identity != nil || err != nil {
		t.Errorf("expected (nil, nil) without credentials, got (%v, %v)", identity, err)
	}

	// Valid bearer key.
	r, _ = http.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer key-one")
	identity, err = p.Authenticate(ctx, r)
	if err != nil || identity == nil {
		t.Fatalf("expected identity for valid key, got (%v, %v)", identity, err)
	}
	if identity.Provider != "apikey" || identity.Role != "keeper" {
		t.Errorf("unexpected identity: %+v", identity)
	}

	// Valid X-API-Key header.
	r, _ = http.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "key-two")
	if identity, err = p.Authenticate(ctx, r); err != nil || identity == nil {
		t.Errorf("expected identity for X-API-Key, got (%v, %v)", identity, err)
	}

	// Invalid key: hard rejection.
	r, _ = http.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if identity, err = p.Authenticate(ctx, r); err == nil || identity != nil {
		t.Errorf("expected error for invalid key, got (%v, %v)", identity, err)
	}
}

func TestProviderChainWalksInOrder(t *testing.T) {
	t.Setenv("ZOOTALK_API_KEYS", "chain-key")
	chain := NewProviderChain()
	chain.RegisterProvider(NewAPIKeyProvider())

	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	identity, err := chain.Authenticate(context.Background(), r)
	if identity != nil || err != nil {
		t.Errorf("anonymous request should pass with (nil, nil), got (%v, %v)", identity, err)
	}

	r.Header.Set("Authorization", "Bearer chain-key")
	identity, err = chain.Authenticate(context.Background(), r)
	if err != nil || identity == nil {
		t.Fatalf("expected identity through the chain, got (%v, %v)", identity, err)
	}

	if names := chain.ListProviders(); len(names) != 1 || names[0] != "apikey" {
		t.Errorf("unexpected provider list: %v", names)
	}
}
