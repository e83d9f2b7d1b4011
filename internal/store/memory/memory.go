package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/store"
	"salepoint/core/internal/xid"
)

// Store is the in-memory repository used for tests and dev mode. A single
// RWMutex serializes all writes, which also gives CommitSale and the cash
// session increments their required atomicity.
type Store struct {
	mu                 sync.RWMutex
	customersByID      map[string]domain.CustomerRecord
	ordersByID         map[string]*domain.Order
	ordersByIdem       map[string]*domain.Order
	aggregatesByOrder  map[string][]domain.LocationAggregate
	sessionsByID       map[string]domain.CashSession
	activeSessionByReg map[string]string
	inventory          map[string]map[string]int
	taxRateBps         map[string]int64
	reconciliations    map[string]domain.ReconciliationRecord
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		customersByID:      make(map[string]domain.CustomerRecord),
		ordersByID:         make(map[string]*domain.Order),
		ordersByIdem:       make(map[string]*domain.Order),
		aggregatesByOrder:  make(map[string][]domain.LocationAggregate),
		sessionsByID:       make(map[string]domain.CashSession),
		activeSessionByReg: make(map[string]string),
		inventory:          make(map[string]map[string]int),
		taxRateBps:         make(map[string]int64),
		reconciliations:    make(map[string]domain.ReconciliationRecord),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-populated with a small customer population,
// stocked inventory, tax configuration, and dev credentials.
func NewSeeded() *Store {
	s := New()

	dob := func(value string) *time.Time {
		parsed, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil
		}
		d := parsed.UTC()
		return &d
	}

	now := time.Now().UTC()
	customers := []domain.CustomerRecord{
		{ID: "cust-ana", FirstName: "Ana", LastName: "Martinez", Email: "ana.martinez@example.com", Phone: "555-0101", DateOfBirth: dob("1988-04-12"), LicenseNumber: "D1234567", LoyaltyPoints: 500, LoyaltyTier: "silver", CreatedAt: now.Add(-90 * 24 * time.Hour)},
		{ID: "cust-ben", FirstName: "Ben", LastName: "Okafor", Email: "ben.okafor@example.com", Phone: "555-0102", DateOfBirth: dob("1992-11-03"), LicenseNumber: "D7654321", LoyaltyPoints: 1200, LoyaltyTier: "gold", CreatedAt: now.Add(-60 * 24 * time.Hour)},
		{ID: "cust-carla", FirstName: "Carla", LastName: "Nguyen", Phone: "555-0103", DateOfBirth: dob("1988-04-12"), LoyaltyPoints: 80, LoyaltyTier: "bronze", CreatedAt: now.Add(-30 * 24 * time.Hour)},
	}
	for _, c := range customers {
		s.customersByID[c.ID] = c
	}

	s.inventory["loc-main"] = map[string]int{
		"prod-flower-01":  120,
		"prod-edible-01":  120,
		"prod-vape-01":    120,
		"prod-topical-01": 120,
	}
	s.taxRateBps["loc-main"] = 800

	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. Production runs use
// PostgreSQL-backed accounts instead.
func seedUsers() map[string]domain.UserAccount {
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"manager", managerPwd, "manager"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.CustomerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := customer
	return &copied, nil
}

func (s *Store) FindCustomerByLicense(_ context.Context, licenseNumber string) (*domain.CustomerRecord, error) {
	licenseNumber = strings.TrimSpace(licenseNumber)
	if licenseNumber == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, customer := range s.customersByID {
		if strings.EqualFold(customer.LicenseNumber, licenseNumber) {
			copied := customer
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindCustomersByNameDOB(_ context.Context, firstName, lastName string, dob time.Time) ([]domain.CustomerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CustomerRecord, 0, 4)
	for _, customer := range s.customersByID {
		if customer.DateOfBirth == nil || !sameDate(*customer.DateOfBirth, dob) {
			continue
		}
		if strings.EqualFold(customer.FirstName, firstName) && strings.EqualFold(customer.LastName, lastName) {
			result = append(result, customer)
		}
	}
	sortCustomersNewestFirst(result)
	return result, nil
}

func (s *Store) ListCustomersByDOB(_ context.Context, dob time.Time) ([]domain.CustomerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CustomerRecord, 0, 8)
	for _, customer := range s.customersByID {
		if customer.DateOfBirth != nil && sameDate(*customer.DateOfBirth, dob) {
			result = append(result, customer)
		}
	}
	sortCustomersNewestFirst(result)
	return result, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.CustomerRecord) (*domain.CustomerRecord, error) {
	if strings.TrimSpace(customer.FirstName) == "" || strings.TrimSpace(customer.LastName) == "" {
		return nil, store.ErrInvalidRecord
	}
	if customer.LoyaltyPoints < 0 {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrInvalidRecord
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.customersByID[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) UpdateCustomer(_ context.Context, customer domain.CustomerRecord) (*domain.CustomerRecord, error) {
	if customer.LoyaltyPoints < 0 {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[customer.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.customersByID[customer.ID] = customer
	updated := customer
	return &updated, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.customersByID, id)
	return nil
}

func (s *Store) FindOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := cloneOrder(*order)
	return &copied, nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByIdem[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := cloneOrder(*order)
	return &copied, nil
}

func (s *Store) ListOrdersByCustomer(_ context.Context, customerID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 8)
	for _, order := range s.ordersByID {
		if order.CustomerID == customerID {
			result = append(result, cloneOrder(*order))
		}
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CountOrdersByCustomer(_ context.Context, customerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, order := range s.ordersByID {
		if order.CustomerID == customerID {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReassignOrders(_ context.Context, fromCustomerID, toCustomerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, order := range s.ordersByID {
		if order.CustomerID == fromCustomerID {
			order.CustomerID = toCustomerID
			moved++
		}
	}
	return moved, nil
}

func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) (*domain.Order, error) {
	order := commit.Order
	if order.IdempotencyKey == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.ordersByIdem[order.IdempotencyKey]; exists {
		copied := cloneOrder(*existing)
		return &copied, nil
	}

	// Validate every side effect before applying any of them; the commit is
	// all-or-nothing.
	var customer domain.CustomerRecord
	if order.CustomerID != "" {
		var exists bool
		customer, exists = s.customersByID[order.CustomerID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if commit.LoyaltyPointsRedeemed > customer.LoyaltyPoints {
			return nil, store.ErrInvalidRecord
		}
	}
	for _, line := range order.Items {
		locStock := s.inventory[line.LocationID]
		if locStock == nil || locStock[line.ProductID] < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}
	if commit.CashAmountCents > 0 {
		sessionID, ok := s.activeSessionByReg[order.RegisterID]
		if !ok {
			return nil, store.ErrNoActiveSession
		}
		order.CashSessionID = sessionID
	}

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	stored := cloneOrder(order)
	s.ordersByID[stored.ID] = &stored
	s.ordersByIdem[stored.IdempotencyKey] = &stored
	s.aggregatesByOrder[stored.ID] = buildAggregates(stored.Items)

	for _, line := range order.Items {
		s.inventory[line.LocationID][line.ProductID] -= line.Quantity
	}
	if order.CustomerID != "" {
		customer.LoyaltyPoints += commit.LoyaltyPointsEarned - commit.LoyaltyPointsRedeemed
		s.customersByID[order.CustomerID] = customer
	}
	if commit.CashAmountCents > 0 {
		session := s.sessionsByID[order.CashSessionID]
		session.CashSalesCents += commit.CashAmountCents
		s.sessionsByID[order.CashSessionID] = session
	}

	result := cloneOrder(stored)
	return &result, nil
}

func (s *Store) SaveOrderEdits(_ context.Context, order domain.Order, aggregates []domain.LocationAggregate) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ordersByID[order.ID]; !exists {
		return nil, store.ErrNotFound
	}

	stored := cloneOrder(order)
	s.ordersByID[order.ID] = &stored
	if stored.IdempotencyKey != "" {
		s.ordersByIdem[stored.IdempotencyKey] = &stored
	}
	// The previous aggregate set is replaced wholesale.
	s.aggregatesByOrder[order.ID] = slices.Clone(aggregates)

	saved := cloneOrder(stored)
	return &saved, nil
}

func (s *Store) GetLocationAggregates(_ context.Context, orderID string) ([]domain.LocationAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aggregates, exists := s.aggregatesByOrder[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return slices.Clone(aggregates), nil
}

func (s *Store) CreateCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.RegisterID == "" || session.OpeningCashCents < 0 {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, open := s.activeSessionByReg[session.RegisterID]; open {
		return nil, store.ErrSessionAlreadyOpen
	}

	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	session.Status = domain.SessionStatusOpen
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}

	s.sessionsByID[session.ID] = session
	s.activeSessionByReg[session.RegisterID] = session.ID
	created := session
	return &created, nil
}

func (s *Store) GetActiveCashSession(_ context.Context, registerID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.activeSessionByReg[registerID]
	if !ok {
		return nil, store.ErrNoActiveSession
	}
	session := s.sessionsByID[sessionID]
	copied := session
	return &copied, nil
}

func (s *Store) AddCashSale(_ context.Context, registerID string, amountCents int64) error {
	return s.addCash(registerID, amountCents, false)
}

func (s *Store) AddCashDrop(_ context.Context, registerID string, amountCents int64) error {
	return s.addCash(registerID, amountCents, true)
}

func (s *Store) addCash(registerID string, amountCents int64, drop bool) error {
	if amountCents < 1 {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.activeSessionByReg[registerID]
	if !ok {
		return store.ErrNoActiveSession
	}
	session := s.sessionsByID[sessionID]
	if drop {
		session.CashDropsCents += amountCents
	} else {
		session.CashSalesCents += amountCents
	}
	s.sessionsByID[sessionID] = session
	return nil
}

func (s *Store) CloseCashSession(_ context.Context, registerID string, closingCashCents int64, notes string, closedAt time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.activeSessionByReg[registerID]
	if !ok {
		return nil, store.ErrNoActiveSession
	}

	session := s.sessionsByID[sessionID]
	variance := closingCashCents - session.ExpectedCents()
	session.ClosingCashCents = &closingCashCents
	session.VarianceCents = &variance
	session.Notes = notes
	session.Status = domain.SessionStatusClosed
	session.ClosedAt = &closedAt

	s.sessionsByID[sessionID] = session
	delete(s.activeSessionByReg, registerID)

	closed := session
	return &closed, nil
}

func (s *Store) SetStock(_ context.Context, locationID, productID string, qty int) error {
	if locationID == "" || productID == "" || qty < 0 {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	locStock, ok := s.inventory[locationID]
	if !ok {
		locStock = make(map[string]int)
		s.inventory[locationID] = locStock
	}
	locStock[productID] = qty
	return nil
}

func (s *Store) GetStockMap(_ context.Context, locationID string, productIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stockMap := make(map[string]int, len(productIDs))
	locStock := s.inventory[locationID]
	for _, productID := range productIDs {
		if locStock == nil {
			stockMap[productID] = 0
			continue
		}
		stockMap[productID] = locStock[productID]
	}
	return stockMap, nil
}

func (s *Store) GetLocationTaxRateBps(_ context.Context, locationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rate, ok := s.taxRateBps[locationID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return rate, nil
}

func (s *Store) SetLocationTaxRateBps(_ context.Context, locationID string, rateBps int64) error {
	if locationID == "" || rateBps < 0 {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.taxRateBps[locationID] = rateBps
	return nil
}

func (s *Store) CreateReconciliation(_ context.Context, rec domain.ReconciliationRecord) (*domain.ReconciliationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = xid.New("recon")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.reconciliations[rec.ID] = rec
	created := rec
	return &created, nil
}

func (s *Store) ListReconciliations(_ context.Context, includeResolved bool, limit int) ([]domain.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.ReconciliationRecord, 0, limit)
	for _, rec := range s.reconciliations {
		if !includeResolved && rec.Resolved {
			continue
		}
		result = append(result, rec)
	}
	slices.SortFunc(result, func(a, b domain.ReconciliationRecord) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ResolveReconciliation(_ context.Context, id, resolvedBy, notes string) (*domain.ReconciliationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.reconciliations[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if rec.Resolved {
		return nil, store.ErrInvalidRecord
	}

	now := time.Now().UTC()
	rec.Resolved = true
	rec.ResolvedBy = resolvedBy
	rec.ResolutionNotes = notes
	rec.ResolvedAt = &now
	s.reconciliations[id] = rec
	resolved := rec
	return &resolved, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRecord
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func buildAggregates(items []domain.OrderLine) []domain.LocationAggregate {
	byLocation := make(map[string]*domain.LocationAggregate)
	order := make([]string, 0, 4)
	for _, line := range items {
		if line.Removed || line.Quantity < 1 {
			continue
		}
		agg, ok := byLocation[line.LocationID]
		if !ok {
			agg = &domain.LocationAggregate{LocationID: line.LocationID}
			byLocation[line.LocationID] = agg
			order = append(order, line.LocationID)
		}
		agg.ItemCount++
		agg.TotalQuantity += line.Quantity
	}

	result := make([]domain.LocationAggregate, 0, len(order))
	for _, locationID := range order {
		result = append(result, *byLocation[locationID])
	}
	return result
}

func cloneOrder(order domain.Order) domain.Order {
	copied := order
	copied.Items = slices.Clone(order.Items)
	if order.Split != nil {
		split := *order.Split
		copied.Split = &split
	}
	return copied
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func sortCustomersNewestFirst(customers []domain.CustomerRecord) {
	slices.SortFunc(customers, func(a, b domain.CustomerRecord) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
}
