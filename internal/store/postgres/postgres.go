// Package postgres implements store.Repository on PostgreSQL via the pgx
// stdlib driver. Multi-step money flows (sale commit, session close, order
// reassignment) run as serializable transactions so the invariants the
// memory store enforces under one mutex hold here under row locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/store"
	"salepoint/core/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const customerColumns = `id, first_name, last_name, COALESCE(email,''), COALESCE(phone,''),
	date_of_birth, COALESCE(license_number,''), loyalty_points, COALESCE(loyalty_tier,''), created_at`

func scanCustomer(row interface{ Scan(...any) error }) (*domain.CustomerRecord, error) {
	var customer domain.CustomerRecord
	var dob sql.NullTime
	err := row.Scan(
		&customer.ID,
		&customer.FirstName,
		&customer.LastName,
		&customer.Email,
		&customer.Phone,
		&dob,
		&customer.LicenseNumber,
		&customer.LoyaltyPoints,
		&customer.LoyaltyTier,
		&customer.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if dob.Valid {
		d := dob.Time.UTC()
		customer.DateOfBirth = &d
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.CustomerRecord, error) {
	customer, err := scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return customer, nil
}

func (s *Store) FindCustomerByLicense(ctx context.Context, licenseNumber string) (*domain.CustomerRecord, error) {
	licenseNumber = strings.TrimSpace(licenseNumber)
	if licenseNumber == "" {
		return nil, store.ErrNotFound
	}

	customer, err := scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE lower(license_number) = lower($1)
		ORDER BY created_at DESC
		LIMIT 1
	`, licenseNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return customer, nil
}

func (s *Store) FindCustomersByNameDOB(ctx context.Context, firstName, lastName string, dob time.Time) ([]domain.CustomerRecord, error) {
	return s.queryCustomers(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE lower(first_name) = lower($1)
		  AND lower(last_name) = lower($2)
		  AND date_of_birth = $3::date
		ORDER BY created_at DESC, id
	`, firstName, lastName, dateOnly(dob))
}

func (s *Store) ListCustomersByDOB(ctx context.Context, dob time.Time) ([]domain.CustomerRecord, error) {
	return s.queryCustomers(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE date_of_birth = $1::date
		ORDER BY created_at DESC, id
	`, dateOnly(dob))
}

func (s *Store) queryCustomers(ctx context.Context, query string, args ...any) ([]domain.CustomerRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.CustomerRecord, 0, 8)
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.CustomerRecord) (*domain.CustomerRecord, error) {
	if strings.TrimSpace(customer.FirstName) == "" || strings.TrimSpace(customer.LastName) == "" {
		return nil, store.ErrInvalidRecord
	}
	if customer.LoyaltyPoints < 0 {
		return nil, store.ErrInvalidRecord
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (
			id, first_name, last_name, email, phone, date_of_birth,
			license_number, loyalty_points, loyalty_tier, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, customer.ID, customer.FirstName, customer.LastName, nullIfEmpty(customer.Email),
		nullIfEmpty(customer.Phone), nullDate(customer.DateOfBirth), nullIfEmpty(customer.LicenseNumber),
		customer.LoyaltyPoints, nullIfEmpty(customer.LoyaltyTier), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.CustomerRecord) (*domain.CustomerRecord, error) {
	if customer.LoyaltyPoints < 0 {
		return nil, store.ErrInvalidRecord
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET first_name = $2, last_name = $3, email = $4, phone = $5,
			date_of_birth = $6, license_number = $7, loyalty_points = $8, loyalty_tier = $9
		WHERE id = $1
	`, customer.ID, customer.FirstName, customer.LastName, nullIfEmpty(customer.Email),
		nullIfEmpty(customer.Phone), nullDate(customer.DateOfBirth), nullIfEmpty(customer.LicenseNumber),
		customer.LoyaltyPoints, nullIfEmpty(customer.LoyaltyTier))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := customer
	return &updated, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const orderColumns = `id, COALESCE(customer_id,''), location_id, register_id,
	subtotal_cents, loyalty_discount_cents, promo_discount_cents, tax_cents, total_cents,
	payment_method, payment_status, split_cash_cents, split_card_cents,
	COALESCE(authorization_code,''), COALESCE(payment_transaction_id,''),
	COALESCE(card_type,''), COALESCE(card_last4,''), COALESCE(cash_session_id,''),
	idempotency_key, created_at, edited_at`

func (s *Store) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, "id", id)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.findOrder(ctx, "idempotency_key", key)
}

func (s *Store) findOrder(ctx context.Context, column string, value string) (*domain.Order, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`SELECT `+orderColumns+` FROM orders WHERE %s = $1`, column)
	order, err := scanOrder(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var order domain.Order
	var splitCash, splitCard sql.NullInt64
	var editedAt sql.NullTime
	err := row.Scan(
		&order.ID,
		&order.CustomerID,
		&order.LocationID,
		&order.RegisterID,
		&order.SubtotalCents,
		&order.LoyaltyDiscountCents,
		&order.PromoDiscountCents,
		&order.TaxCents,
		&order.TotalCents,
		&order.PaymentMethod,
		&order.PaymentStatus,
		&splitCash,
		&splitCard,
		&order.AuthorizationCode,
		&order.PaymentTransactionID,
		&order.CardType,
		&order.CardLast4,
		&order.CashSessionID,
		&order.IdempotencyKey,
		&order.CreatedAt,
		&editedAt,
	)
	if err != nil {
		return nil, err
	}
	if splitCash.Valid || splitCard.Valid {
		order.Split = &domain.SplitTender{CashCents: splitCash.Int64, CardCents: splitCard.Int64}
	}
	if editedAt.Valid {
		at := editedAt.Time.UTC()
		order.EditedAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return &order, nil
}

func (s *Store) loadOrderItems(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(name,''), unit_price_cents, quantity,
			COALESCE(tier_label,''), manual_discount_percent, manual_discount_cents,
			location_id, removed
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.UnitPriceCents, &line.Quantity,
			&line.TierLabel, &line.ManualDiscountPercent, &line.ManualDiscountCents,
			&line.LocationID, &line.Removed); err != nil {
			return nil, err
		}
		items = append(items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 8)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := s.loadOrderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) CountOrdersByCustomer(ctx context.Context, customerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE customer_id = $1
	`, customerID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ReassignOrders(ctx context.Context, fromCustomerID, toCustomerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET customer_id = $2 WHERE customer_id = $1
	`, fromCustomerID, toCustomerID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) (*domain.Order, error) {
	order := commit.Order
	if order.IdempotencyKey == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRecord
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var existingID string
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM orders WHERE idempotency_key = $1
	`, order.IdempotencyKey).Scan(&existingID)
	if err == nil {
		_ = pgTx.Rollback()
		return s.FindOrderByID(ctx, existingID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if order.CustomerID != "" {
		var points int64
		err := pgTx.QueryRowContext(ctx, `
			SELECT loyalty_points FROM customers WHERE id = $1 FOR UPDATE
		`, order.CustomerID).Scan(&points)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if commit.LoyaltyPointsRedeemed > points {
			return nil, store.ErrInvalidRecord
		}
	}

	for _, line := range order.Items {
		var qty int
		err := pgTx.QueryRowContext(ctx, `
			SELECT qty FROM inventory_stocks
			WHERE location_id = $1 AND product_id = $2
			FOR UPDATE
		`, line.LocationID, line.ProductID).Scan(&qty)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrInsufficientStock
			}
			return nil, err
		}
		if qty < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	if commit.CashAmountCents > 0 {
		err := pgTx.QueryRowContext(ctx, `
			SELECT id FROM cash_sessions
			WHERE register_id = $1 AND status = 'open'
			FOR UPDATE
		`, order.RegisterID).Scan(&order.CashSessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNoActiveSession
			}
			return nil, err
		}
	}

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	var splitCash, splitCard any
	if order.Split != nil {
		splitCash = order.Split.CashCents
		splitCard = order.Split.CardCents
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, location_id, register_id,
			subtotal_cents, loyalty_discount_cents, promo_discount_cents, tax_cents, total_cents,
			payment_method, payment_status, split_cash_cents, split_card_cents,
			authorization_code, payment_transaction_id, card_type, card_last4,
			cash_session_id, idempotency_key, created_at, edited_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, order.ID, nullIfEmpty(order.CustomerID), order.LocationID, order.RegisterID,
		order.SubtotalCents, order.LoyaltyDiscountCents, order.PromoDiscountCents, order.TaxCents, order.TotalCents,
		order.PaymentMethod, order.PaymentStatus, splitCash, splitCard,
		nullIfEmpty(order.AuthorizationCode), nullIfEmpty(order.PaymentTransactionID),
		nullIfEmpty(order.CardType), nullIfEmpty(order.CardLast4),
		nullIfEmpty(order.CashSessionID), order.IdempotencyKey, order.CreatedAt, nullTime(order.EditedAt))
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindOrderByIdempotency(ctx, order.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := insertOrderItems(ctx, pgTx, order.ID, order.Items); err != nil {
		return nil, err
	}
	if err := replaceAggregates(ctx, pgTx, order.ID, buildAggregates(order.Items)); err != nil {
		return nil, err
	}

	for _, line := range order.Items {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE inventory_stocks
			SET qty = qty - $1
			WHERE location_id = $2 AND product_id = $3
		`, line.Quantity, line.LocationID, line.ProductID)
		if err != nil {
			return nil, err
		}
	}

	if order.CustomerID != "" {
		delta := commit.LoyaltyPointsEarned - commit.LoyaltyPointsRedeemed
		_, err := pgTx.ExecContext(ctx, `
			UPDATE customers SET loyalty_points = loyalty_points + $2 WHERE id = $1
		`, order.CustomerID, delta)
		if err != nil {
			return nil, err
		}
	}

	if commit.CashAmountCents > 0 {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE cash_sessions SET cash_sales_cents = cash_sales_cents + $2 WHERE id = $1
		`, order.CashSessionID, commit.CashAmountCents)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	committed := order
	return &committed, nil
}

func (s *Store) SaveOrderEdits(ctx context.Context, order domain.Order, aggregates []domain.LocationAggregate) (*domain.Order, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var splitCash, splitCard any
	if order.Split != nil {
		splitCash = order.Split.CashCents
		splitCard = order.Split.CardCents
	}
	res, err := pgTx.ExecContext(ctx, `
		UPDATE orders
		SET customer_id = $2, subtotal_cents = $3, loyalty_discount_cents = $4,
			promo_discount_cents = $5, tax_cents = $6, total_cents = $7,
			payment_status = $8, split_cash_cents = $9, split_card_cents = $10,
			edited_at = $11
		WHERE id = $1
	`, order.ID, nullIfEmpty(order.CustomerID), order.SubtotalCents, order.LoyaltyDiscountCents,
		order.PromoDiscountCents, order.TaxCents, order.TotalCents,
		order.PaymentStatus, splitCash, splitCard, nullTime(order.EditedAt))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, order.ID); err != nil {
		return nil, err
	}
	if err := insertOrderItems(ctx, pgTx, order.ID, order.Items); err != nil {
		return nil, err
	}
	if err := replaceAggregates(ctx, pgTx, order.ID, aggregates); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	saved := order
	return &saved, nil
}

func insertOrderItems(ctx context.Context, pgTx *sql.Tx, orderID string, items []domain.OrderLine) error {
	for _, line := range items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, name, unit_price_cents, quantity,
				tier_label, manual_discount_percent, manual_discount_cents, location_id, removed)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, orderID, line.ProductID, nullIfEmpty(line.Name), line.UnitPriceCents, line.Quantity,
			nullIfEmpty(line.TierLabel), line.ManualDiscountPercent, line.ManualDiscountCents,
			line.LocationID, line.Removed)
		if err != nil {
			return err
		}
	}
	return nil
}

func replaceAggregates(ctx context.Context, pgTx *sql.Tx, orderID string, aggregates []domain.LocationAggregate) error {
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM order_location_aggregates WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	for _, agg := range aggregates {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_location_aggregates (order_id, location_id, item_count, total_quantity)
			VALUES ($1,$2,$3,$4)
		`, orderID, agg.LocationID, agg.ItemCount, agg.TotalQuantity)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetLocationAggregates(ctx context.Context, orderID string) ([]domain.LocationAggregate, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)
	`, orderID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id, item_count, total_quantity
		FROM order_location_aggregates
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aggregates := make([]domain.LocationAggregate, 0, 4)
	for rows.Next() {
		var agg domain.LocationAggregate
		if err := rows.Scan(&agg.LocationID, &agg.ItemCount, &agg.TotalQuantity); err != nil {
			return nil, err
		}
		aggregates = append(aggregates, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggregates, nil
}

const sessionColumns = `id, register_id, opening_cash_cents, cash_sales_cents, cash_drops_cents,
	closing_cash_cents, variance_cents, COALESCE(notes,''), status, opened_at, closed_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.CashSession, error) {
	var session domain.CashSession
	var closing, variance sql.NullInt64
	var closedAt sql.NullTime
	err := row.Scan(
		&session.ID,
		&session.RegisterID,
		&session.OpeningCashCents,
		&session.CashSalesCents,
		&session.CashDropsCents,
		&closing,
		&variance,
		&session.Notes,
		&session.Status,
		&session.OpenedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}
	if closing.Valid {
		session.ClosingCashCents = &closing.Int64
	}
	if variance.Valid {
		session.VarianceCents = &variance.Int64
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	session.OpenedAt = session.OpenedAt.UTC()
	return &session, nil
}

func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.RegisterID == "" || session.OpeningCashCents < 0 {
		return nil, store.ErrInvalidRecord
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	session.Status = domain.SessionStatusOpen
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}

	// A partial unique index on (register_id) WHERE status = 'open' turns a
	// double open into a unique violation.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (
			id, register_id, opening_cash_cents, cash_sales_cents, cash_drops_cents,
			closing_cash_cents, variance_cents, notes, status, opened_at, closed_at
		)
		VALUES ($1,$2,$3,0,0,NULL,NULL,NULL,$4,$5,NULL)
	`, session.ID, session.RegisterID, session.OpeningCashCents, session.Status, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrSessionAlreadyOpen
		}
		return nil, err
	}

	created := session
	return &created, nil
}

func (s *Store) GetActiveCashSession(ctx context.Context, registerID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE register_id = $1 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`, registerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoActiveSession
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) AddCashSale(ctx context.Context, registerID string, amountCents int64) error {
	return s.addCash(ctx, registerID, amountCents, "cash_sales_cents")
}

func (s *Store) AddCashDrop(ctx context.Context, registerID string, amountCents int64) error {
	return s.addCash(ctx, registerID, amountCents, "cash_drops_cents")
}

func (s *Store) addCash(ctx context.Context, registerID string, amountCents int64, column string) error {
	if amountCents < 1 {
		return store.ErrInvalidRecord
	}
	if column != "cash_sales_cents" && column != "cash_drops_cents" {
		return fmt.Errorf("unsupported cash column")
	}

	query := fmt.Sprintf(`
		UPDATE cash_sessions
		SET %s = %s + $2
		WHERE register_id = $1 AND status = 'open'
	`, column, column)
	res, err := s.db.ExecContext(ctx, query, registerID, amountCents)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNoActiveSession
	}
	return nil
}

func (s *Store) CloseCashSession(ctx context.Context, registerID string, closingCashCents int64, notes string, closedAt time.Time) (*domain.CashSession, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	// Variance is computed from the same row the update locks, so a cash sale
	// racing the close either lands before the snapshot or fails against a
	// closed session.
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET status = 'closed',
			closing_cash_cents = $2,
			variance_cents = $2 - (opening_cash_cents + cash_sales_cents - cash_drops_cents),
			notes = $3,
			closed_at = $4
		WHERE register_id = $1 AND status = 'open'
		RETURNING `+sessionColumns+`
	`, registerID, closingCashCents, nullIfEmpty(notes), closedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoActiveSession
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) SetStock(ctx context.Context, locationID, productID string, qty int) error {
	if locationID == "" || productID == "" || qty < 0 {
		return store.ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stocks (location_id, product_id, qty)
		VALUES ($1,$2,$3)
		ON CONFLICT (location_id, product_id) DO UPDATE SET qty = EXCLUDED.qty
	`, locationID, productID, qty)
	return err
}

func (s *Store) GetStockMap(ctx context.Context, locationID string, productIDs []string) (map[string]int, error) {
	stockMap := make(map[string]int, len(productIDs))
	for _, productID := range productIDs {
		stockMap[productID] = 0
	}
	if len(productIDs) == 0 {
		return stockMap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty
		FROM inventory_stocks
		WHERE location_id = $1 AND product_id = ANY($2)
	`, locationID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		stockMap[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stockMap, nil
}

func (s *Store) GetLocationTaxRateBps(ctx context.Context, locationID string) (int64, error) {
	var rateBps int64
	err := s.db.QueryRowContext(ctx, `
		SELECT rate_bps FROM location_tax_rates WHERE location_id = $1
	`, locationID).Scan(&rateBps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return rateBps, nil
}

func (s *Store) SetLocationTaxRateBps(ctx context.Context, locationID string, rateBps int64) error {
	if locationID == "" || rateBps < 0 {
		return store.ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_tax_rates (location_id, rate_bps, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (location_id) DO UPDATE SET rate_bps = EXCLUDED.rate_bps, updated_at = now()
	`, locationID, rateBps)
	return err
}

const reconciliationColumns = `id, reason, register_id, amount_cents,
	COALESCE(authorization_code,''), COALESCE(payment_transaction_id,''),
	COALESCE(idempotency_key,''), COALESCE(detail,''), resolved,
	COALESCE(resolved_by,''), COALESCE(resolution_notes,''), created_at, resolved_at`

func scanReconciliation(row interface{ Scan(...any) error }) (*domain.ReconciliationRecord, error) {
	var rec domain.ReconciliationRecord
	var resolvedAt sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.Reason,
		&rec.RegisterID,
		&rec.AmountCents,
		&rec.AuthorizationCode,
		&rec.PaymentTransactionID,
		&rec.IdempotencyKey,
		&rec.Detail,
		&rec.Resolved,
		&rec.ResolvedBy,
		&rec.ResolutionNotes,
		&rec.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		rec.ResolvedAt = &at
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *Store) CreateReconciliation(ctx context.Context, rec domain.ReconciliationRecord) (*domain.ReconciliationRecord, error) {
	if rec.ID == "" {
		rec.ID = xid.New("recon")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliations (
			id, reason, register_id, amount_cents, authorization_code,
			payment_transaction_id, idempotency_key, detail, resolved,
			resolved_by, resolution_notes, created_at, resolved_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,NULL,NULL,$9,NULL)
	`, rec.ID, rec.Reason, rec.RegisterID, rec.AmountCents, nullIfEmpty(rec.AuthorizationCode),
		nullIfEmpty(rec.PaymentTransactionID), nullIfEmpty(rec.IdempotencyKey),
		nullIfEmpty(rec.Detail), rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := rec
	return &created, nil
}

func (s *Store) ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.ReconciliationRecord, error) {
	if limit < 1 {
		limit = 100
	}

	query := `
		SELECT ` + reconciliationColumns + `
		FROM reconciliations
	`
	if !includeResolved {
		query += ` WHERE resolved = false`
	}
	query += ` ORDER BY created_at DESC, id LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ReconciliationRecord, 0, limit)
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) ResolveReconciliation(ctx context.Context, id, resolvedBy, notes string) (*domain.ReconciliationRecord, error) {
	rec, err := scanReconciliation(s.db.QueryRowContext(ctx, `
		UPDATE reconciliations
		SET resolved = true, resolved_by = $2, resolution_notes = $3, resolved_at = now()
		WHERE id = $1 AND resolved = false
		RETURNING `+reconciliationColumns+`
	`, id, resolvedBy, nullIfEmpty(notes)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if checkErr := s.db.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM reconciliations WHERE id = $1)
			`, id).Scan(&exists); checkErr == nil && exists {
				return nil, store.ErrInvalidRecord
			}
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType,
		entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail,''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRecord
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRecord
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidRecord
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateOnly(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
