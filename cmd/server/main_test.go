package main

import (
	"testing"

	"salepoint/core/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "123456"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigRejectsWeakPIN(t *testing.T) {
	for _, pin := range []string{"111111", "123456", "987654", "121212"} {
		err := validateSecurityConfig(config.Config{
			AuthSecret: "0123456789abcdef0123456789abcdef",
			ManagerPIN: pin,
		})
		if err == nil {
			t.Fatalf("expected PIN %s to be rejected", pin)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
