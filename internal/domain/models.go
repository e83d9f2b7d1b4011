package domain

import "time"

// All monetary amounts are int64 cents. Percentages are float64 fractions
// (0.08 == 8%) unless a field name says otherwise.

type CartLine struct {
	ProductID             string  `json:"product_id"`
	Name                  string  `json:"name,omitempty"`
	UnitPriceCents        int64   `json:"unit_price_cents"`
	Quantity              int     `json:"quantity"`
	TierLabel             string  `json:"tier_label,omitempty"`
	ManualDiscountPercent float64 `json:"manual_discount_percent,omitempty"`
	ManualDiscountCents   int64   `json:"manual_discount_cents,omitempty"`
	Removed               bool    `json:"removed,omitempty"`
}

// Totals is an immutable snapshot derived from cart state. It is never
// persisted on its own; only the snapshot taken at commit time lands on the
// order record.
type Totals struct {
	SubtotalCents        int64 `json:"subtotal_cents"`
	LoyaltyDiscountCents int64 `json:"loyalty_discount_cents"`
	PromoDiscountCents   int64 `json:"promo_discount_cents"`
	TaxCents             int64 `json:"tax_cents"`
	TotalCents           int64 `json:"total_cents"`
}

func (t Totals) DiscountCents() int64 {
	return t.LoyaltyDiscountCents + t.PromoDiscountCents
}

const (
	DiscountTypePercent = "percent"
	DiscountTypeFixed   = "fixed"
)

// PromoDiscount is the promotional discount selected for a sale.
type PromoDiscount struct {
	Type        string  `json:"type"`
	Percent     float64 `json:"percent,omitempty"`
	AmountCents int64   `json:"amount_cents,omitempty"`
}

type CustomerRecord struct {
	ID            string     `json:"id"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	LicenseNumber string     `json:"license_number,omitempty"`
	LoyaltyPoints int64      `json:"loyalty_points"`
	LoyaltyTier   string     `json:"loyalty_tier,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IdentityQuery is the parsed identity record handed over by the external
// ID-scanning collaborator (or typed in by the operator). The core never sees
// raw scan data.
type IdentityQuery struct {
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	LicenseNumber string     `json:"license_number,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Email         string     `json:"email,omitempty"`
	StreetAddress string     `json:"street_address,omitempty"`
	City          string     `json:"city,omitempty"`
	State         string     `json:"state,omitempty"`
	ZipCode       string     `json:"zip_code,omitempty"`
}

type ConfidenceTier string

const (
	TierExact ConfidenceTier = "exact"
	TierHigh  ConfidenceTier = "high"
	TierLow   ConfidenceTier = "low"
)

type MatchField string

const (
	FieldLicense   MatchField = "license_number"
	FieldFirstName MatchField = "first_name"
	FieldLastName  MatchField = "last_name"
	FieldDOB       MatchField = "date_of_birth"
	FieldPhone     MatchField = "phone"
	FieldEmail     MatchField = "email"
)

// MatchCandidate is transient: produced for a single identity query and
// discarded once the operator picks one.
type MatchCandidate struct {
	Customer      CustomerRecord `json:"customer"`
	Tier          ConfidenceTier `json:"confidence_tier"`
	Score         int            `json:"score"`
	MatchedFields []MatchField   `json:"matched_fields"`
	Reason        string         `json:"reason"`
}

const (
	PaymentMethodCash  = "cash"
	PaymentMethodCard  = "card"
	PaymentMethodSplit = "split"
)

// SplitTender is the cash+card breakdown of a split payment. The two portions
// must sum to the order total within one cent.
type SplitTender struct {
	CashCents int64 `json:"cash_cents"`
	CardCents int64 `json:"card_cents"`
}

type OrderLine struct {
	ProductID             string  `json:"product_id"`
	Name                  string  `json:"name,omitempty"`
	UnitPriceCents        int64   `json:"unit_price_cents"`
	Quantity              int     `json:"quantity"`
	TierLabel             string  `json:"tier_label,omitempty"`
	ManualDiscountPercent float64 `json:"manual_discount_percent,omitempty"`
	ManualDiscountCents   int64   `json:"manual_discount_cents,omitempty"`
	LocationID            string  `json:"location_id"`
	Removed               bool    `json:"removed,omitempty"`
}

// PendingOrder exists only between stage and commit/rollback. It is the unit
// of the two-phase checkout.
type PendingOrder struct {
	ID             string       `json:"id"`
	CustomerID     string       `json:"customer_id,omitempty"`
	LocationID     string       `json:"location_id"`
	RegisterID     string       `json:"register_id"`
	Items          []OrderLine  `json:"items"`
	Totals         Totals       `json:"totals"`
	PaymentMethod  string       `json:"payment_method"`
	Split          *SplitTender `json:"split,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	StagedAt       time.Time    `json:"staged_at"`
}

const (
	PaymentStatusPaid     = "paid"
	PaymentStatusUnpaid   = "unpaid"
	PaymentStatusRefunded = "refunded"
)

type Order struct {
	ID                   string       `json:"id"`
	CustomerID           string       `json:"customer_id,omitempty"`
	LocationID           string       `json:"location_id"`
	RegisterID           string       `json:"register_id"`
	Items                []OrderLine  `json:"items"`
	SubtotalCents        int64        `json:"subtotal_cents"`
	LoyaltyDiscountCents int64        `json:"loyalty_discount_cents"`
	PromoDiscountCents   int64        `json:"promo_discount_cents"`
	TaxCents             int64        `json:"tax_cents"`
	TotalCents           int64        `json:"total_cents"`
	PaymentMethod        string       `json:"payment_method"`
	PaymentStatus        string       `json:"payment_status"`
	Split                *SplitTender `json:"split,omitempty"`
	AuthorizationCode    string       `json:"authorization_code,omitempty"`
	PaymentTransactionID string       `json:"payment_transaction_id,omitempty"`
	CardType             string       `json:"card_type,omitempty"`
	CardLast4            string       `json:"card_last4,omitempty"`
	CashSessionID        string       `json:"cash_session_id,omitempty"`
	IdempotencyKey       string       `json:"idempotency_key"`
	CreatedAt            time.Time    `json:"created_at"`
	EditedAt             *time.Time   `json:"edited_at,omitempty"`
}

// LocationAggregate is the per-fulfillment-location rollup maintained for an
// order. Relocation edits replace an order's aggregates wholesale rather than
// patching them incrementally.
type LocationAggregate struct {
	LocationID    string `json:"location_id"`
	ItemCount     int    `json:"item_count"`
	TotalQuantity int    `json:"total_quantity"`
}

type SaleReceipt struct {
	OrderID              string `json:"order_id"`
	CustomerID           string `json:"customer_id,omitempty"`
	SubtotalCents        int64  `json:"subtotal_cents"`
	LoyaltyDiscountCents int64  `json:"loyalty_discount_cents"`
	PromoDiscountCents   int64  `json:"promo_discount_cents"`
	TaxCents             int64  `json:"tax_cents"`
	TotalCents           int64  `json:"total_cents"`
	PaymentMethod        string `json:"payment_method"`
	AuthorizationCode    string `json:"authorization_code,omitempty"`
	CardType             string `json:"card_type,omitempty"`
	CardLast4            string `json:"card_last4,omitempty"`
	LoyaltyPointsEarned  int64  `json:"loyalty_points_earned"`
	Duplicate            bool   `json:"duplicate"`
	CreatedAt            string `json:"created_at"`
}

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

// CashSession is the register-scoped accounting period between opening and
// closing a cash drawer. Once closed it is immutable history.
type CashSession struct {
	ID               string     `json:"id"`
	RegisterID       string     `json:"register_id"`
	OpeningCashCents int64      `json:"opening_cash_cents"`
	CashSalesCents   int64      `json:"cash_sales_cents"`
	CashDropsCents   int64      `json:"cash_drops_cents"`
	ClosingCashCents *int64     `json:"closing_cash_cents,omitempty"`
	VarianceCents    *int64     `json:"variance_cents,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	Status           string     `json:"status"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// ExpectedCents is the drawer amount the counted cash is compared against at
// close. Variance is reported, never auto-corrected.
func (s CashSession) ExpectedCents() int64 {
	return s.OpeningCashCents + s.CashSalesCents - s.CashDropsCents
}

// PaymentAuthRequest is the request shape of the external payment
// authorization collaborator.
type PaymentAuthRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
	LocationID  string `json:"location_id"`
	RegisterID  string `json:"register_id"`
}

type PaymentAuthResult struct {
	AuthorizationCode string `json:"authorization_code"`
	TransactionID     string `json:"transaction_id"`
	CardType          string `json:"card_type,omitempty"`
	CardLast4         string `json:"card_last4,omitempty"`
}

const (
	ReconciliationAuthTimeout  = "auth_timeout"
	ReconciliationCommitFailed = "commit_failed"
)

// ReconciliationRecord is written whenever money may have moved without a
// matching committed order: an ambiguous authorization timeout, or a commit
// failure after a successful authorization. These are surfaced to a human;
// the core never attempts a compensating transaction.
type ReconciliationRecord struct {
	ID                   string     `json:"id"`
	Reason               string     `json:"reason"`
	RegisterID           string     `json:"register_id"`
	AmountCents          int64      `json:"amount_cents"`
	AuthorizationCode    string     `json:"authorization_code,omitempty"`
	PaymentTransactionID string     `json:"payment_transaction_id,omitempty"`
	IdempotencyKey       string     `json:"idempotency_key,omitempty"`
	Detail               string     `json:"detail,omitempty"`
	Resolved             bool       `json:"resolved"`
	ResolvedBy           string     `json:"resolved_by,omitempty"`
	ResolutionNotes      string     `json:"resolution_notes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}

const (
	EditQuantityChange   = "quantity_change"
	EditRemove           = "remove"
	EditRestore          = "restore"
	EditRelocate         = "relocate"
	EditSetPaymentStatus = "set_payment_status"
)

// OrderEdit is one operation in a post-hoc edit sequence. Edits are applied
// to an in-memory session and persisted only on explicit save.
type OrderEdit struct {
	Type          string `json:"type"`
	ProductID     string `json:"product_id,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	LocationID    string `json:"location_id,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
}

type Actor struct {
	Username string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
