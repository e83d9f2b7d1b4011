// Package totals computes the derived money snapshot for a cart. Everything
// here is a pure function over an explicit input: no store access, no clock,
// no hidden state. Amounts are int64 cents; percentage application rounds
// half-up to the cent, the same rule used at display time, so a recompute can
// never drift from what the operator saw.
package totals

import (
	"math"

	"salepoint/core/internal/domain"
)

// Input is the full snapshot the calculator works from. Point balance
// validation (can the customer actually spend this many points) belongs to
// the caller; the calculator only caps the monetary effect.
type Input struct {
	Lines                 []domain.CartLine
	LoyaltyPointsToRedeem int64
	PointValueCents       int64
	Promo                 *domain.PromoDiscount
	TaxRate               float64
}

// Compute derives the totals snapshot. Invariant: Total == Subtotal −
// LoyaltyDiscount − PromoDiscount + Tax, to the cent, and the taxable base is
// never negative no matter how discounts are configured.
func Compute(in Input) domain.Totals {
	subtotal := int64(0)
	for _, line := range in.Lines {
		subtotal += LineTotalCents(line)
	}

	loyalty := in.LoyaltyPointsToRedeem * in.PointValueCents
	if loyalty < 0 {
		loyalty = 0
	}
	if loyalty > subtotal {
		loyalty = subtotal
	}

	promo := promoDiscountCents(in.Promo, subtotal-loyalty)

	taxBase := subtotal - loyalty - promo
	tax := roundCents(float64(taxBase) * in.TaxRate)

	return domain.Totals{
		SubtotalCents:        subtotal,
		LoyaltyDiscountCents: loyalty,
		PromoDiscountCents:   promo,
		TaxCents:             tax,
		TotalCents:           taxBase + tax,
	}
}

// LineTotalCents is a single line's extended price after its own manual
// discount. Percentage discounts cap at 100; fixed discounts cap at the
// line's value. A line never contributes a negative amount.
func LineTotalCents(line domain.CartLine) int64 {
	if line.Removed || line.Quantity < 1 || line.UnitPriceCents < 1 {
		return 0
	}
	gross := int64(line.Quantity) * line.UnitPriceCents

	if line.ManualDiscountPercent > 0 {
		pct := line.ManualDiscountPercent
		if pct > 100 {
			pct = 100
		}
		gross -= roundCents(float64(gross) * pct / 100)
	}
	if line.ManualDiscountCents > 0 {
		gross -= line.ManualDiscountCents
	}
	if gross < 0 {
		gross = 0
	}
	return gross
}

// EffectiveTaxRate recovers the rate an order was originally taxed at, as
// originalTax over originalSubtotal. Order edits reuse this instead of the
// location's current published rate: a total issued to a customer keeps its
// tax basis even if the location configuration has changed since.
func EffectiveTaxRate(taxCents, subtotalCents int64) float64 {
	if subtotalCents < 1 {
		return 0
	}
	return float64(taxCents) / float64(subtotalCents)
}

func promoDiscountCents(promo *domain.PromoDiscount, baseCents int64) int64 {
	if promo == nil || baseCents < 1 {
		return 0
	}

	discount := int64(0)
	switch promo.Type {
	case domain.DiscountTypePercent:
		pct := promo.Percent
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		discount = roundCents(float64(baseCents) * pct / 100)
	case domain.DiscountTypeFixed:
		discount = promo.AmountCents
	}

	if discount < 0 {
		discount = 0
	}
	if discount > baseCents {
		discount = baseCents
	}
	return discount
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}
