// Package pricing рассчитывает стоимость заказа: сумму позиций, доставку, скидку баллами и кешбэк.
//
// Вся арифметика ведётся в десятичных числах без двоичной плавающей точки.
// Пакет не обращается к хранилищу: настройки и баланс передаются явно.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// PointValue задаёт стоимость одного балла в денежных единицах.
var PointValue = decimal.NewFromInt(1)

// Line описывает позицию корзины с товаром, разрешённым через каталог.
type Line struct {
	Product  model.Product
	Quantity int64
}

// Input содержит всё, что нужно для расчёта одного заказа.
type Input struct {
	Lines           []Line
	DeliveryType    model.DeliveryType
	PointsRequested int64
	Settings        model.PricingSettings
	Balance         int64
}

// Quote содержит полностью рассчитанный заказ.
type Quote struct {
	Lines          []model.OrderLine
	Subtotal       decimal.Decimal
	DeliveryFee    decimal.Decimal
	PointsUsed     int64
	PointsDiscount decimal.Decimal
	Total          decimal.Decimal
	PointsEarned   int64
}

// Calculate рассчитывает заказ. Если баллов запрошено больше, чем разрешает процент от суммы,
// количество уменьшается до предела; если больше, чем на балансе, возвращается ErrInsufficientBalance.
func Calculate(in Input) (Quote, error) {
	if !in.DeliveryType.Valid() {
		return Quote{}, fmt.Errorf("%w: unknown delivery type %q", model.ErrValidation, in.DeliveryType)
	}
	if len(in.Lines) == 0 {
		return Quote{}, fmt.Errorf("%w: order has no items", model.ErrValidation)
	}
	if in.PointsRequested < 0 {
		return Quote{}, fmt.Errorf("%w: points to use must not be negative", model.ErrValidation)
	}
	if err := in.Settings.Validate(); err != nil {
		return Quote{}, err
	}

	for _, l := range in.Lines {
		if !l.Product.IsAvailable {
			return Quote{}, fmt.Errorf("%w: %s", model.ErrUnavailableProduct, l.Product.ID)
		}
	}

	q := Quote{
		Lines:    make([]model.OrderLine, 0, len(in.Lines)),
		Subtotal: decimal.Zero,
	}

	for _, l := range in.Lines {
		if l.Quantity <= 0 {
			return Quote{}, fmt.Errorf("%w: quantity of %s must be positive", model.ErrValidation, l.Product.ID)
		}
		price := l.Product.EffectivePrice()
		lineTotal := price.Mul(decimal.NewFromInt(l.Quantity))
		q.Lines = append(q.Lines, model.OrderLine{
			ProductID:      l.Product.ID,
			Quantity:       l.Quantity,
			UnitPrice:      price,
			LineTotal:      lineTotal,
			RewardCategory: l.Product.RewardCategory,
		})
		q.Subtotal = q.Subtotal.Add(lineTotal)
	}

	q.DeliveryFee = DeliveryFee(in.DeliveryType, q.Subtotal, in.Settings)

	if in.PointsRequested > in.Balance {
		return Quote{}, fmt.Errorf("%w: requested %d, available %d", model.ErrInsufficientBalance, in.PointsRequested, in.Balance)
	}

	q.PointsUsed = in.PointsRequested
	if maxPoints := PercentOf(q.Subtotal, in.Settings.MaxPointsUsePercent); q.PointsUsed > maxPoints {
		q.PointsUsed = maxPoints
	}

	q.PointsDiscount = decimal.NewFromInt(q.PointsUsed).Mul(PointValue)
	q.Total = q.Subtotal.Add(q.DeliveryFee).Sub(q.PointsDiscount)
	q.PointsEarned = PercentOf(q.Subtotal, in.Settings.CashbackPercent)

	return q, nil
}

// DeliveryFee возвращает стоимость доставки для суммы позиций subtotal.
func DeliveryFee(t model.DeliveryType, subtotal decimal.Decimal, s model.PricingSettings) decimal.Decimal {
	if t == model.DeliveryTypePickup {
		return decimal.Zero
	}
	if subtotal.GreaterThanOrEqual(s.FreeDeliveryMinAmount) {
		return decimal.Zero
	}
	return s.DeliveryFee
}

// PercentOf возвращает floor(amount * percent / 100) в целых баллах.
func PercentOf(amount decimal.Decimal, percent int64) int64 {
	if amount.Sign() <= 0 || percent <= 0 {
		return 0
	}
	return amount.Mul(decimal.NewFromInt(percent)).Shift(-2).Floor().IntPart()
}
