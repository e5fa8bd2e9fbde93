package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

func product(id, price string) model.Product {
	return model.Product{ID: id, Price: decimal.RequireFromString(price), IsAvailable: true}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculate(t *testing.T) {
	discounted := product("latte", "250")
	dp := dec("200")
	discounted.DiscountPrice = &dp

	type want struct {
		subtotal     string
		deliveryFee  string
		pointsUsed   int64
		total        string
		pointsEarned int64
	}

	tests := []struct {
		name string
		in   Input
		want want
	}{
		{
			name: "delivery below free threshold",
			in: Input{
				Lines:        []Line{{Product: product("a", "150.50"), Quantity: 2}},
				DeliveryType: model.DeliveryTypeDelivery,
				Settings:     model.DefaultPricingSettings(),
			},
			want: want{subtotal: "301", deliveryFee: "100", total: "401", pointsEarned: 15},
		},
		{
			name: "free delivery at threshold",
			in: Input{
				Lines:        []Line{{Product: product("a", "500"), Quantity: 2}},
				DeliveryType: model.DeliveryTypeDelivery,
				Settings:     model.DefaultPricingSettings(),
			},
			want: want{subtotal: "1000", deliveryFee: "0", total: "1000", pointsEarned: 50},
		},
		{
			name: "pickup never pays delivery",
			in: Input{
				Lines:        []Line{{Product: product("a", "10"), Quantity: 1}},
				DeliveryType: model.DeliveryTypePickup,
				Settings:     model.DefaultPricingSettings(),
			},
			want: want{subtotal: "10", deliveryFee: "0", total: "10", pointsEarned: 0},
		},
		{
			name: "discount price wins",
			in: Input{
				Lines:        []Line{{Product: discounted, Quantity: 3}},
				DeliveryType: model.DeliveryTypePickup,
				Settings:     model.DefaultPricingSettings(),
			},
			want: want{subtotal: "600", deliveryFee: "0", total: "600", pointsEarned: 30},
		},
		{
			name: "points within cap",
			in: Input{
				Lines:           []Line{{Product: product("a", "1000"), Quantity: 1}},
				DeliveryType:    model.DeliveryTypePickup,
				PointsRequested: 200,
				Balance:         1000,
				Settings:        model.DefaultPricingSettings(),
			},
			want: want{subtotal: "1000", deliveryFee: "0", pointsUsed: 200, total: "800", pointsEarned: 50},
		},
		{
			name: "points clamped to percent cap",
			in: Input{
				Lines:           []Line{{Product: product("a", "999"), Quantity: 1}},
				DeliveryType:    model.DeliveryTypePickup,
				PointsRequested: 500,
				Balance:         1000,
				Settings: model.PricingSettings{
					CashbackPercent:       5,
					MaxPointsUsePercent:   30,
					DeliveryFee:           dec("100"),
					FreeDeliveryMinAmount: dec("1000"),
				},
			},
			want: want{subtotal: "999", deliveryFee: "0", pointsUsed: 299, total: "700", pointsEarned: 49},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Calculate(tt.in)
			require.NoError(t, err)

			assert.True(t, q.Subtotal.Equal(dec(tt.want.subtotal)), "subtotal %s", q.Subtotal)
			assert.True(t, q.DeliveryFee.Equal(dec(tt.want.deliveryFee)), "delivery fee %s", q.DeliveryFee)
			assert.Equal(t, tt.want.pointsUsed, q.PointsUsed)
			assert.True(t, q.PointsDiscount.Equal(decimal.NewFromInt(q.PointsUsed)))
			assert.True(t, q.Total.Equal(dec(tt.want.total)), "total %s", q.Total)
			assert.Equal(t, tt.want.pointsEarned, q.PointsEarned)

			// total = subtotal + deliveryFee - pointsDiscount
			assert.True(t, q.Total.Equal(q.Subtotal.Add(q.DeliveryFee).Sub(q.PointsDiscount)))
		})
	}
}

func TestCalculate_FreezesLineSnapshot(t *testing.T) {
	p := product("espresso", "120")
	p.RewardCategory = "COFFEE_M"

	q, err := Calculate(Input{
		Lines:        []Line{{Product: p, Quantity: 2}},
		DeliveryType: model.DeliveryTypePickup,
		Settings:     model.DefaultPricingSettings(),
	})
	require.NoError(t, err)
	require.Len(t, q.Lines, 1)

	p.Price = dec("999")

	line := q.Lines[0]
	assert.Equal(t, "espresso", line.ProductID)
	assert.True(t, line.UnitPrice.Equal(dec("120")))
	assert.True(t, line.LineTotal.Equal(dec("240")))
	assert.Equal(t, model.RewardCategory("COFFEE_M"), line.RewardCategory)
}

func TestCalculate_Errors(t *testing.T) {
	unavailable := product("b", "10")
	unavailable.IsAvailable = false

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{
			name: "unavailable product",
			in: Input{
				Lines:        []Line{{Product: product("a", "10"), Quantity: 1}, {Product: unavailable, Quantity: 1}},
				DeliveryType: model.DeliveryTypeDelivery,
				Settings:     model.DefaultPricingSettings(),
			},
			want: model.ErrUnavailableProduct,
		},
		{
			name: "points above balance",
			in: Input{
				Lines:           []Line{{Product: product("a", "10000"), Quantity: 1}},
				DeliveryType:    model.DeliveryTypePickup,
				PointsRequested: 101,
				Balance:         100,
				Settings:        model.DefaultPricingSettings(),
			},
			want: model.ErrInsufficientBalance,
		},
		{
			name: "negative points",
			in: Input{
				Lines:           []Line{{Product: product("a", "10"), Quantity: 1}},
				DeliveryType:    model.DeliveryTypePickup,
				PointsRequested: -1,
				Settings:        model.DefaultPricingSettings(),
			},
			want: model.ErrValidation,
		},
		{
			name: "zero quantity",
			in: Input{
				Lines:        []Line{{Product: product("a", "10"), Quantity: 0}},
				DeliveryType: model.DeliveryTypePickup,
				Settings:     model.DefaultPricingSettings(),
			},
			want: model.ErrValidation,
		},
		{
			name: "unknown delivery type",
			in: Input{
				Lines:        []Line{{Product: product("a", "10"), Quantity: 1}},
				DeliveryType: "drone",
				Settings:     model.DefaultPricingSettings(),
			},
			want: model.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, int64(0), PercentOf(dec("19.99"), 5))
	assert.Equal(t, int64(1), PercentOf(dec("20"), 5))
	assert.Equal(t, int64(33), PercentOf(dec("333.33"), 10))
	assert.Equal(t, int64(0), PercentOf(dec("-50"), 10))
	assert.Equal(t, int64(0), PercentOf(dec("50"), 0))

	// Многократное сложение не накапливает погрешность.
	sum := decimal.Zero
	for i := 0; i < 10; i++ {
		sum = sum.Add(dec("0.1"))
	}
	assert.True(t, sum.Equal(dec("1")))
	assert.Equal(t, int64(1), PercentOf(sum, 100))
}
