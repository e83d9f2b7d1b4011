// Package orderedit applies post-hoc corrections to committed orders.
// Edits accumulate in an in-memory session and hit the store only on an
// explicit Save; abandoning the session leaves the order untouched.
package orderedit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/store"
	"salepoint/core/internal/totals"
)

var (
	// ErrUnknownLine means the edit references a product not on the order.
	ErrUnknownLine = errors.New("order has no such line")

	// ErrInvalidEdit covers malformed operations: negative quantity, unknown
	// edit type, restore of a line that was never removed.
	ErrInvalidEdit = errors.New("invalid order edit")
)

// Session is one editing pass over a single order. Not safe for concurrent
// use; callers hold one session per operator interaction.
type Session struct {
	order    domain.Order
	origRate float64
	priorQty map[string]int
	dirty    bool
}

// NewSession snapshots the order for editing. The order's original effective
// tax rate is captured up front; recomputed totals use it, not whatever rate
// the location publishes today.
func NewSession(order domain.Order) *Session {
	return &Session{
		order:    cloneOrder(order),
		origRate: totals.EffectiveTaxRate(order.TaxCents, order.SubtotalCents),
		priorQty: make(map[string]int),
	}
}

// Apply runs the edit sequence in order, stopping at the first failure. A
// failed sequence leaves the session in its partially-edited state; nothing
// reaches the store until Save.
func (s *Session) Apply(edits []domain.OrderEdit) error {
	for i, edit := range edits {
		var err error
		switch edit.Type {
		case domain.EditQuantityChange:
			err = s.SetQuantity(edit.ProductID, edit.Quantity)
		case domain.EditRemove:
			err = s.Remove(edit.ProductID)
		case domain.EditRestore:
			err = s.Restore(edit.ProductID)
		case domain.EditRelocate:
			err = s.Relocate(edit.ProductID, edit.LocationID)
		case domain.EditSetPaymentStatus:
			err = s.SetPaymentStatus(edit.PaymentStatus)
		default:
			err = fmt.Errorf("%w: unknown type %q", ErrInvalidEdit, edit.Type)
		}
		if err != nil {
			return fmt.Errorf("edit %d: %w", i, err)
		}
	}
	return nil
}

// SetQuantity changes a line's quantity. Zero is equivalent to removal and
// remains restorable within this session.
func (s *Session) SetQuantity(productID string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("%w: negative quantity", ErrInvalidEdit)
	}
	line := s.line(productID)
	if line == nil {
		return fmt.Errorf("%w: %s", ErrUnknownLine, productID)
	}
	if quantity == 0 {
		return s.Remove(productID)
	}

	if line.Removed {
		line.Removed = false
		delete(s.priorQty, productID)
	}
	line.Quantity = quantity
	s.dirty = true
	return nil
}

// Remove marks a line removed, remembering its quantity for Restore.
func (s *Session) Remove(productID string) error {
	line := s.line(productID)
	if line == nil {
		return fmt.Errorf("%w: %s", ErrUnknownLine, productID)
	}
	if line.Removed {
		return nil
	}
	s.priorQty[productID] = line.Quantity
	line.Removed = true
	s.dirty = true
	return nil
}

// Restore undoes a removal made within this session, reinstating the line at
// its prior quantity.
func (s *Session) Restore(productID string) error {
	line := s.line(productID)
	if line == nil {
		return fmt.Errorf("%w: %s", ErrUnknownLine, productID)
	}
	if !line.Removed {
		return fmt.Errorf("%w: %s is not removed", ErrInvalidEdit, productID)
	}
	prior, ok := s.priorQty[productID]
	if !ok {
		return fmt.Errorf("%w: %s was not removed in this session", ErrInvalidEdit, productID)
	}
	line.Removed = false
	line.Quantity = prior
	delete(s.priorQty, productID)
	s.dirty = true
	return nil
}

// Relocate moves a line to another fulfillment location.
func (s *Session) Relocate(productID, locationID string) error {
	if locationID == "" {
		return fmt.Errorf("%w: empty location", ErrInvalidEdit)
	}
	line := s.line(productID)
	if line == nil {
		return fmt.Errorf("%w: %s", ErrUnknownLine, productID)
	}
	line.LocationID = locationID
	s.dirty = true
	return nil
}

func (s *Session) SetPaymentStatus(status string) error {
	switch status {
	case domain.PaymentStatusPaid, domain.PaymentStatusUnpaid, domain.PaymentStatusRefunded:
	default:
		return fmt.Errorf("%w: unknown payment status %q", ErrInvalidEdit, status)
	}
	s.order.PaymentStatus = status
	s.dirty = true
	return nil
}

// Totals recomputes the money snapshot for the edited line set. Each line is
// repriced through the same manual-discount rule used at sale time, so a
// line-level discount survives every edit. Order-level discounts keep their
// committed absolute amounts, capped so the taxable base cannot go negative;
// tax uses the order's original effective rate.
func (s *Session) Totals() domain.Totals {
	subtotal := int64(0)
	for _, line := range s.order.Items {
		subtotal += totals.LineTotalCents(domain.CartLine{
			ProductID:             line.ProductID,
			UnitPriceCents:        line.UnitPriceCents,
			Quantity:              line.Quantity,
			ManualDiscountPercent: line.ManualDiscountPercent,
			ManualDiscountCents:   line.ManualDiscountCents,
			Removed:               line.Removed,
		})
	}

	loyalty := s.order.LoyaltyDiscountCents
	if loyalty > subtotal {
		loyalty = subtotal
	}
	promo := s.order.PromoDiscountCents
	if promo > subtotal-loyalty {
		promo = subtotal - loyalty
	}

	base := subtotal - loyalty - promo
	tax := int64(math.Round(float64(base) * s.origRate))

	return domain.Totals{
		SubtotalCents:        subtotal,
		LoyaltyDiscountCents: loyalty,
		PromoDiscountCents:   promo,
		TaxCents:             tax,
		TotalCents:           base + tax,
	}
}

// Aggregates rebuilds the per-location rollup from scratch. The previous
// aggregate set is not consulted, so relocation can never leave drift behind.
func (s *Session) Aggregates() []domain.LocationAggregate {
	byLocation := make(map[string]*domain.LocationAggregate)
	order := make([]string, 0, 4)
	for _, line := range s.order.Items {
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

// Order returns the current edited snapshot with recomputed totals applied.
func (s *Session) Order() domain.Order {
	order := cloneOrder(s.order)
	t := s.Totals()
	order.SubtotalCents = t.SubtotalCents
	order.LoyaltyDiscountCents = t.LoyaltyDiscountCents
	order.PromoDiscountCents = t.PromoDiscountCents
	order.TaxCents = t.TaxCents
	order.TotalCents = t.TotalCents
	return order
}

// Save persists the edited order and its rebuilt aggregates in one store
// call. A session with no effective edits saves nothing.
func (s *Session) Save(ctx context.Context, repo store.Repository, logger *zap.Logger) (*domain.Order, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !s.dirty {
		current := cloneOrder(s.order)
		return &current, nil
	}

	order := s.Order()
	now := time.Now().UTC()
	order.EditedAt = &now

	saved, err := repo.SaveOrderEdits(ctx, order, s.Aggregates())
	if err != nil {
		return nil, fmt.Errorf("save order edits: %w", err)
	}
	logger.Info("order edits saved",
		zap.String("order_id", saved.ID),
		zap.Int64("total_cents", saved.TotalCents))
	s.order = cloneOrder(*saved)
	s.priorQty = make(map[string]int)
	s.dirty = false
	return saved, nil
}

func (s *Session) line(productID string) *domain.OrderLine {
	for i := range s.order.Items {
		if s.order.Items[i].ProductID == productID {
			return &s.order.Items[i]
		}
	}
	return nil
}

func cloneOrder(order domain.Order) domain.Order {
	copied := order
	copied.Items = append([]domain.OrderLine(nil), order.Items...)
	if order.Split != nil {
		split := *order.Split
		copied.Split = &split
	}
	return copied
}
