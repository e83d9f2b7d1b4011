package totals

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"salepoint/core/internal/domain"
)

func TestComputePlainCartWithTax(t *testing.T) {
	// 2 x 10.00 at 8% tax.
	got := Compute(Input{
		Lines: []domain.CartLine{
			{ProductID: "prod-1", UnitPriceCents: 1000, Quantity: 2},
		},
		TaxRate: 0.08,
	})

	assert.Equal(t, int64(2000), got.SubtotalCents)
	assert.Equal(t, int64(160), got.TaxCents)
	assert.Equal(t, int64(2160), got.TotalCents)
}

func TestComputeLoyaltyRedemption(t *testing.T) {
	// 100 points at $0.05/point against a $20.00 subtotal.
	got := Compute(Input{
		Lines: []domain.CartLine{
			{ProductID: "prod-1", UnitPriceCents: 2000, Quantity: 1},
		},
		LoyaltyPointsToRedeem: 100,
		PointValueCents:       5,
		TaxRate:               0.08,
	})

	assert.Equal(t, int64(500), got.LoyaltyDiscountCents)
	assert.Equal(t, int64(120), got.TaxCents) // tax on the 15.00 base
	assert.Equal(t, int64(1620), got.TotalCents)
}

func TestComputeLoyaltyCappedAtSubtotal(t *testing.T) {
	got := Compute(Input{
		Lines: []domain.CartLine{
			{ProductID: "prod-1", UnitPriceCents: 300, Quantity: 1},
		},
		LoyaltyPointsToRedeem: 1000,
		PointValueCents:       5,
	})

	assert.Equal(t, int64(300), got.LoyaltyDiscountCents)
	assert.Equal(t, int64(0), got.TotalCents)
}

func TestComputePromoAppliesAfterLoyalty(t *testing.T) {
	got := Compute(Input{
		Lines: []domain.CartLine{
			{ProductID: "prod-1", UnitPriceCents: 2000, Quantity: 1},
		},
		LoyaltyPointsToRedeem: 100,
		PointValueCents:       5,
		Promo:                 &domain.PromoDiscount{Type: domain.DiscountTypePercent, Percent: 10},
	})

	// Promo percent computes off (subtotal − loyalty): 10% of 15.00.
	assert.Equal(t, int64(150), got.PromoDiscountCents)
	assert.Equal(t, int64(1350), got.TotalCents)
}

func TestComputeFixedPromoCannotPushBaseNegative(t *testing.T) {
	got := Compute(Input{
		Lines: []domain.CartLine{
			{ProductID: "prod-1", UnitPriceCents: 500, Quantity: 1},
		},
		Promo:   &domain.PromoDiscount{Type: domain.DiscountTypeFixed, AmountCents: 2500},
		TaxRate: 0.08,
	})

	assert.Equal(t, int64(500), got.PromoDiscountCents)
	assert.Equal(t, int64(0), got.TaxCents)
	assert.Equal(t, int64(0), got.TotalCents)
}

func TestComputeEmptyCart(t *testing.T) {
	got := Compute(Input{TaxRate: 0.08})
	assert.Equal(t, domain.Totals{}, got)
}

func TestComputeIsDeterministic(t *testing.T) {
	in := Input{
		Lines: []domain.CartLine{
			{ProductID: "prod-1", UnitPriceCents: 1399, Quantity: 3, ManualDiscountPercent: 12.5},
			{ProductID: "prod-2", UnitPriceCents: 899, Quantity: 1, ManualDiscountCents: 200},
			{ProductID: "prod-3", UnitPriceCents: 4250, Quantity: 2, Removed: true},
		},
		LoyaltyPointsToRedeem: 37,
		PointValueCents:       5,
		Promo:                 &domain.PromoDiscount{Type: domain.DiscountTypePercent, Percent: 7.75},
		TaxRate:               0.0825,
	}

	first := Compute(in)
	second := Compute(in)
	assert.Equal(t, first, second)
}

func TestRoundingInvariantHolds(t *testing.T) {
	cases := []Input{
		{},
		{Lines: []domain.CartLine{{ProductID: "a", UnitPriceCents: 1, Quantity: 1}}, TaxRate: 0.08},
		{Lines: []domain.CartLine{{ProductID: "a", UnitPriceCents: 333, Quantity: 3}}, TaxRate: 0.0875},
		{
			Lines:                 []domain.CartLine{{ProductID: "a", UnitPriceCents: 1999, Quantity: 7, ManualDiscountPercent: 33.3}},
			LoyaltyPointsToRedeem: 55,
			PointValueCents:       5,
			Promo:                 &domain.PromoDiscount{Type: domain.DiscountTypeFixed, AmountCents: 450},
			TaxRate:               0.06,
		},
		{
			Lines: []domain.CartLine{{ProductID: "a", UnitPriceCents: 100, Quantity: 1, ManualDiscountPercent: 100}},
			Promo: &domain.PromoDiscount{Type: domain.DiscountTypePercent, Percent: 50},
		},
	}

	for _, in := range cases {
		got := Compute(in)
		assert.Equal(t, got.TotalCents,
			got.SubtotalCents-got.LoyaltyDiscountCents-got.PromoDiscountCents+got.TaxCents)
		assert.GreaterOrEqual(t, got.SubtotalCents-got.LoyaltyDiscountCents-got.PromoDiscountCents, int64(0))
	}
}

func TestLineTotalManualDiscountCaps(t *testing.T) {
	cases := []struct {
		name string
		line domain.CartLine
		want int64
	}{
		{"percent over 100 caps", domain.CartLine{ProductID: "a", UnitPriceCents: 1000, Quantity: 1, ManualDiscountPercent: 150}, 0},
		{"fixed over line caps", domain.CartLine{ProductID: "a", UnitPriceCents: 1000, Quantity: 1, ManualDiscountCents: 5000}, 0},
		{"half off", domain.CartLine{ProductID: "a", UnitPriceCents: 1000, Quantity: 2, ManualDiscountPercent: 50}, 1000},
		{"removed contributes nothing", domain.CartLine{ProductID: "a", UnitPriceCents: 1000, Quantity: 2, Removed: true}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LineTotalCents(tc.line))
		})
	}
}

func TestEffectiveTaxRate(t *testing.T) {
	// An order taxed 1.60 on a 20.00 base recomputes at 8%.
	rate := EffectiveTaxRate(160, 2000)
	assert.InDelta(t, 0.08, rate, 1e-9)

	assert.Zero(t, EffectiveTaxRate(160, 0))
}
