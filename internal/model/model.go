// Package model содержит доменные сущности сервиса выдачи заказов.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// User представляет клиента. Ядро читает и изменяет только LoyaltyPoints.
type User struct {
	ID            int64
	Phone         string
	QRCode        string
	LoyaltyPoints int64
	CreatedAt     time.Time
}

// RewardCategory задаёт метку товара, по которой начисляются отметки на карту (например, размер кофе).
type RewardCategory string

// Product описывает товар каталога на момент запроса.
type Product struct {
	ID             string
	Name           string
	Price          decimal.Decimal
	DiscountPrice  *decimal.Decimal
	IsAvailable    bool
	RewardCategory RewardCategory
}

// MoneyScale задаёт число знаков после запятой в денежных суммах.
const MoneyScale = 2

// ValidAmount сообщает, что сумма неотрицательна и укладывается в MoneyScale знаков.
func ValidAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Truncate(MoneyScale))
}

// Validate проверяет цены товара.
func (p Product) Validate() error {
	if !ValidAmount(p.Price) || (p.DiscountPrice != nil && !ValidAmount(*p.DiscountPrice)) {
		return fmt.Errorf("%w: product %s price must be non-negative with at most %d decimal places", ErrValidation, p.ID, MoneyScale)
	}
	return nil
}

// EffectivePrice возвращает цену со скидкой, если она задана, иначе базовую цену.
func (p Product) EffectivePrice() decimal.Decimal {
	if p.DiscountPrice != nil {
		return *p.DiscountPrice
	}
	return p.Price
}

// DeliveryType определяет способ получения заказа.
type DeliveryType string

const (
	DeliveryTypeDelivery DeliveryType = "delivery"
	DeliveryTypePickup   DeliveryType = "pickup"
)

// Valid сообщает, известен ли способ получения.
func (t DeliveryType) Valid() bool {
	return t == DeliveryTypeDelivery || t == DeliveryTypePickup
}

// OrderLine хранит зафиксированный снимок позиции заказа. После создания не изменяется.
type OrderLine struct {
	ProductID      string          `json:"productId"`
	Quantity       int64           `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	LineTotal      decimal.Decimal `json:"lineTotal"`
	RewardCategory RewardCategory  `json:"rewardCategory,omitempty"`
}

// Order описывает заказ вместе с расчётом стоимости и баллов.
type Order struct {
	ID             string          `json:"id"`
	Number         string          `json:"orderNumber"`
	UserID         int64           `json:"userId"`
	Status         OrderStatus     `json:"status"`
	DeliveryType   DeliveryType    `json:"deliveryType"`
	AddressID      string          `json:"addressId,omitempty"`
	StoreID        string          `json:"storeId,omitempty"`
	DeliveryTime   *time.Time      `json:"deliveryTime,omitempty"`
	Comment        string          `json:"comment,omitempty"`
	Items          []OrderLine     `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DeliveryFee    decimal.Decimal `json:"deliveryFee"`
	PointsUsed     int64           `json:"pointsUsed"`
	PointsDiscount decimal.Decimal `json:"pointsDiscount"`
	Total          decimal.Decimal `json:"total"`
	PointsEarned   int64           `json:"pointsEarned"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// PricingSettings содержит снимок настроек, который читается заново для каждой операции.
type PricingSettings struct {
	CashbackPercent       int64
	MaxPointsUsePercent   int64
	DeliveryFee           decimal.Decimal
	FreeDeliveryMinAmount decimal.Decimal
}

// Ключи настроек в хранилище конфигурации.
const (
	SettingCashbackPercent       = "loyalty_cashback_percent"
	SettingMaxPointsUsePercent   = "loyalty_max_points_use_percent"
	SettingDeliveryFee           = "delivery_fee"
	SettingFreeDeliveryMinAmount = "free_delivery_min_amount"
)

// DefaultPricingSettings возвращает значения, которые используются при отсутствии ключа в хранилище.
func DefaultPricingSettings() PricingSettings {
	return PricingSettings{
		CashbackPercent:       5,
		MaxPointsUsePercent:   100,
		DeliveryFee:           decimal.NewFromInt(100),
		FreeDeliveryMinAmount: decimal.NewFromInt(1000),
	}
}

// Validate проверяет, что проценты лежат в [0, 100], а суммы неотрицательны.
func (s PricingSettings) Validate() error {
	if s.CashbackPercent < 0 || s.CashbackPercent > 100 {
		return fmt.Errorf("%w: cashback percent %d out of range", ErrValidation, s.CashbackPercent)
	}
	if s.MaxPointsUsePercent < 0 || s.MaxPointsUsePercent > 100 {
		return fmt.Errorf("%w: max points use percent %d out of range", ErrValidation, s.MaxPointsUsePercent)
	}
	if !ValidAmount(s.DeliveryFee) || !ValidAmount(s.FreeDeliveryMinAmount) {
		return fmt.Errorf("%w: delivery amounts must be non-negative with at most %d decimal places", ErrValidation, MoneyScale)
	}
	return nil
}

// LoyaltyLevel определяет уровень клиента, вычисляемый по текущему балансу.
type LoyaltyLevel string

const (
	LoyaltyLevelBronze   LoyaltyLevel = "BRONZE"
	LoyaltyLevelSilver   LoyaltyLevel = "SILVER"
	LoyaltyLevelGold     LoyaltyLevel = "GOLD"
	LoyaltyLevelPlatinum LoyaltyLevel = "PLATINUM"
)

// LoyaltyInfo содержит баланс, QR-код и уровень клиента.
type LoyaltyInfo struct {
	Points int64        `json:"points"`
	QRCode string       `json:"qrCode"`
	Level  LoyaltyLevel `json:"level"`
}

// LoyaltyTransactionType описывает вид движения баллов в истории.
type LoyaltyTransactionType string

const (
	LoyaltyTransactionEarned   LoyaltyTransactionType = "earned"
	LoyaltyTransactionUsed     LoyaltyTransactionType = "used"
	LoyaltyTransactionRefunded LoyaltyTransactionType = "refunded"
)

// LoyaltyTransaction представляет запись истории баллов, восстановленную по заказам.
// Points отрицательно для списаний.
type LoyaltyTransaction struct {
	ID          string                 `json:"id"`
	Type        LoyaltyTransactionType `json:"type"`
	Points      int64                  `json:"points"`
	Description string                 `json:"description"`
	OrderID     string                 `json:"orderId"`
	OrderNumber string                 `json:"orderNumber"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// LoyaltySettings содержит публичные правила программы лояльности.
type LoyaltySettings struct {
	CashbackPercent       int64           `json:"cashbackPercent"`
	MaxPointsUsePercent   int64           `json:"maxPointsUsePercent"`
	PointValue            decimal.Decimal `json:"pointValue"`
	DeliveryFee           decimal.Decimal `json:"deliveryFee"`
	FreeDeliveryMinAmount decimal.Decimal `json:"freeDeliveryMinAmount"`
	PunchCardSize         int64           `json:"punchCardSize"`
}

// OrderItemRequest описывает позицию корзины в запросе на создание заказа.
type OrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// CreateOrderRequest описывает запрос на оформление заказа.
type CreateOrderRequest struct {
	Items        []OrderItemRequest `json:"items"`
	DeliveryType DeliveryType       `json:"deliveryType"`
	AddressID    string             `json:"addressId,omitempty"`
	StoreID      string             `json:"storeId,omitempty"`
	PointsToUse  int64              `json:"pointsToUse,omitempty"`
	DeliveryTime *time.Time         `json:"deliveryTime,omitempty"`
	Comment      string             `json:"comment,omitempty"`
}
