package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"salepoint/core/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func stubWithManager() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"manager": {
				Username:  "manager",
				Password:  "manager123",
				Role:      RoleManager,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := stubWithManager()
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "manager",
		Password: "manager123",
	}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if users[0].Password == "manager123" {
		t.Fatal("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", users[0].Password)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", stubWithManager())
	ctx := context.Background()

	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "manager", Password: "wrong"}); err == nil {
		t.Fatal("expected wrong password to fail")
	}
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "ghost", Password: "manager123"}); err == nil {
		t.Fatal("expected unknown user to fail")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	store := stubWithManager()
	user := store.users["manager"]
	user.Active = false
	store.users["manager"] = user

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "manager", Password: "manager123",
	}); err == nil {
		t.Fatal("expected inactive account login to fail")
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", stubWithManager())

	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "manager", Password: "manager123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "manager" || actor.Role != RoleManager {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	a := NewAuthManager("secret-a", time.Hour, "123456", stubWithManager())
	b := NewAuthManager("secret-b", time.Hour, "123456", stubWithManager())

	resp, err := a.Login(context.Background(), domain.LoginRequest{
		Username: "manager", Password: "manager123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := b.ParseToken(resp.AccessToken); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestVerifyManagerPIN(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil)

	if err := manager.VerifyManagerPIN("manager", "123456"); err != nil {
		t.Fatalf("correct PIN rejected: %v", err)
	}
	if err := manager.VerifyManagerPIN("manager", "000000"); err == nil {
		t.Fatal("expected wrong PIN to be rejected")
	}
	if err := manager.VerifyManagerPIN("manager", ""); err == nil {
		t.Fatal("expected empty PIN to be rejected")
	}
}

func TestVerifyManagerPINLocksOutAfterRepeatedFailures(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil)

	for i := 0; i < pinAttemptLimit; i++ {
		if err := manager.VerifyManagerPIN("mallory", "guess"); err == nil {
			t.Fatal("expected wrong PIN to be rejected")
		}
	}
	// Even the correct PIN is now refused for this actor.
	if err := manager.VerifyManagerPIN("mallory", "123456"); err == nil {
		t.Fatal("expected lockout after repeated failures")
	}
	// Another actor is unaffected.
	if err := manager.VerifyManagerPIN("manager", "123456"); err != nil {
		t.Fatalf("lockout leaked across actors: %v", err)
	}
}

func TestCreateCashierValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", &userStoreStub{})
	ctx := context.Background()

	if _, err := manager.CreateCashier(ctx, "abc", "password1"); err == nil {
		t.Fatal("expected short username to be rejected")
	}
	if _, err := manager.CreateCashier(ctx, "newcashier", "123"); err == nil {
		t.Fatal("expected short password to be rejected")
	}

	account, err := manager.CreateCashier(ctx, "NewCashier", "password1")
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if account.Username != "newcashier" || account.Role != RoleCashier {
		t.Fatalf("unexpected account: %+v", account)
	}
	if account.Password != "" {
		t.Fatal("expected password to be stripped from response")
	}

	if _, err := manager.CreateCashier(ctx, "newcashier", "password1"); err == nil {
		t.Fatal("expected duplicate username to be rejected")
	}
}
