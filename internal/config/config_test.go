package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("FALLBACK_TAX_RATE_BPS", "")
	t.Setenv("PAYMENT_AUTH_TIMEOUT_SECONDS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.FallbackTaxRateBps != 800 {
		t.Fatalf("expected default fallback tax rate 800 bps, got %d", cfg.FallbackTaxRateBps)
	}
	if cfg.PaymentAuthTimeoutSeconds != 45 {
		t.Fatalf("expected default auth timeout 45s, got %d", cfg.PaymentAuthTimeoutSeconds)
	}
}

func TestLoadRejectsGarbageNumbers(t *testing.T) {
	t.Setenv("PAYMENT_AUTH_TIMEOUT_SECONDS", "soon")
	t.Setenv("FALLBACK_TAX_RATE_BPS", "-5")

	cfg := Load()
	if cfg.PaymentAuthTimeoutSeconds != 45 {
		t.Fatalf("expected fallback to 45s on unparsable timeout, got %d", cfg.PaymentAuthTimeoutSeconds)
	}
	if cfg.FallbackTaxRateBps != 800 {
		t.Fatalf("expected fallback to 800 bps on negative rate, got %d", cfg.FallbackTaxRateBps)
	}
}
