package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"salepoint/core/internal/domain"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
)

// pinAttemptLimit locks PIN verification per actor after this many
// consecutive failures within pinAttemptWindow.
const (
	pinAttemptLimit  = 5
	pinAttemptWindow = 15 * time.Minute
)

type AuthManager struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	userStore  UserStore
	users      map[string]credential
	refreshed  time.Time

	pinMu       sync.Mutex
	pinFailures map[string]*pinAttempts
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	password string
	role     string
	active   bool
	created  time.Time
}

type pinAttempts struct {
	count int
	first time.Time
}

type registerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN == "" {
		// No PIN configured: verification always fails rather than
		// accepting anything.
		managerPIN = "disabled"
	}
	if hashed, err := hashPassword(managerPIN); err == nil {
		managerPIN = hashed
	}

	manager := &AuthManager{
		secret:      []byte(secret),
		tokenTTL:    tokenTTL,
		managerPIN:  managerPIN,
		userStore:   userStore,
		users:       make(map[string]credential),
		pinFailures: make(map[string]*pinAttempts),
	}
	// Startup load runs before any request context exists.
	manager.refreshUsers(context.Background(), true)
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refreshUsers(ctx, false)

	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &registerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := registerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "salepoint",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyManagerPIN checks the PIN for the named actor, rate-limited per
// actor: after pinAttemptLimit consecutive failures the actor is locked out
// for the remainder of the window.
func (a *AuthManager) VerifyManagerPIN(actor string, pin string) error {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return errors.New("manager PIN required")
	}

	a.pinMu.Lock()
	defer a.pinMu.Unlock()

	now := time.Now()
	attempts := a.pinFailures[actor]
	if attempts != nil && now.Sub(attempts.first) > pinAttemptWindow {
		delete(a.pinFailures, actor)
		attempts = nil
	}
	if attempts != nil && attempts.count >= pinAttemptLimit {
		return errors.New("too many PIN attempts, try again later")
	}

	if bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) != nil {
		if attempts == nil {
			a.pinFailures[actor] = &pinAttempts{count: 1, first: now}
		} else {
			attempts.count++
		}
		return errors.New("invalid manager PIN")
	}

	delete(a.pinFailures, actor)
	return nil
}

// CreateCashier provisions a new cashier account in the user store and the
// in-memory cache.
func (a *AuthManager) CreateCashier(ctx context.Context, username, password string) (domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 4 {
		return domain.UserAccount{}, fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.UserAccount{}, fmt.Errorf("username must not contain spaces")
	}
	if len(strings.TrimSpace(password)) < 6 {
		return domain.UserAccount{}, fmt.Errorf("password must be at least 6 characters")
	}

	a.mu.RLock()
	_, exists := a.users[username]
	a.mu.RUnlock()
	if exists {
		return domain.UserAccount{}, fmt.Errorf("username already exists")
	}

	passwordHash, err := hashPassword(password)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("failed to hash password")
	}

	now := time.Now().UTC()
	account := domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      RoleCashier,
		Active:    true,
		CreatedAt: now,
	}
	if a.userStore != nil {
		if err := a.userStore.CreateUser(ctx, account); err != nil {
			return domain.UserAccount{}, err
		}
	}

	a.mu.Lock()
	a.users[username] = credential{
		password: passwordHash,
		role:     RoleCashier,
		active:   true,
		created:  now,
	}
	a.mu.Unlock()

	account.Password = ""
	return account, nil
}

// refreshUsers loads accounts from the user store into the credential cache,
// upgrading any legacy plain-text passwords to bcrypt in the store. Refreshes
// are throttled to once a minute unless forced.
func (a *AuthManager) refreshUsers(ctx context.Context, force bool) {
	if a.userStore == nil {
		return
	}

	a.mu.RLock()
	stale := force || time.Since(a.refreshed) > time.Minute
	a.mu.RUnlock()
	if !stale {
		return
	}

	users, err := a.userStore.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshed = time.Now()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			if hashed, err := hashPassword(password); err == nil {
				password = hashed
				_ = a.userStore.UpdateUserPassword(ctx, username, hashed)
			}
		}
		a.users[username] = credential{
			password: password,
			role:     user.Role,
			active:   user.Active,
			created:  user.CreatedAt,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
