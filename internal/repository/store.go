// Package repository содержит реализации хранилища: PostgreSQL и хранилище в памяти.
package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// Tx перечисляет операции, доступные внутри одной транзакции. Всё, что сделано через Tx,
// фиксируется вместе или не фиксируется вовсе.
type Tx interface {
	// GetUserForUpdate читает пользователя и блокирует его строку до конца транзакции.
	GetUserForUpdate(ctx context.Context, userID int64) (*model.User, error)
	// AdjustBalance атомарно изменяет баланс на delta. При отрицательном итоге возвращает ErrInsufficientBalance.
	AdjustBalance(ctx context.Context, userID int64, delta int64) (int64, error)
	// NextOrderSequence атомарно выдаёт следующий номер заказа за день day.
	NextOrderSequence(ctx context.Context, day time.Time) (int64, error)
	InsertOrder(ctx context.Context, order *model.Order) error
	// GetOrderForUpdate читает заказ и блокирует его строку до конца транзакции.
	GetOrderForUpdate(ctx context.Context, orderID string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, completedAt *time.Time) error
	GetPunchCardForUpdate(ctx context.Context, userID int64, category model.RewardCategory) (*model.PunchCard, error)
	SavePunchCard(ctx context.Context, card model.PunchCard) error
}

// TxFunc описывает тело транзакции.
type TxFunc func(ctx context.Context, tx Tx) error

// dayKey возвращает ключ календарного дня в UTC.
func dayKey(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}

var pricingSettingKeys = []string{
	model.SettingCashbackPercent,
	model.SettingMaxPointsUsePercent,
	model.SettingDeliveryFee,
	model.SettingFreeDeliveryMinAmount,
}

// parsePricingSettings собирает снимок настроек. Отсутствующие ключи берутся из значений по умолчанию.
func parsePricingSettings(values map[string]string) (model.PricingSettings, error) {
	s := model.DefaultPricingSettings()

	if v, ok := values[model.SettingCashbackPercent]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.PricingSettings{}, fmt.Errorf("parse %s: %w", model.SettingCashbackPercent, err)
		}
		s.CashbackPercent = n
	}
	if v, ok := values[model.SettingMaxPointsUsePercent]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.PricingSettings{}, fmt.Errorf("parse %s: %w", model.SettingMaxPointsUsePercent, err)
		}
		s.MaxPointsUsePercent = n
	}
	if v, ok := values[model.SettingDeliveryFee]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return model.PricingSettings{}, fmt.Errorf("parse %s: %w", model.SettingDeliveryFee, err)
		}
		s.DeliveryFee = d
	}
	if v, ok := values[model.SettingFreeDeliveryMinAmount]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return model.PricingSettings{}, fmt.Errorf("parse %s: %w", model.SettingFreeDeliveryMinAmount, err)
		}
		s.FreeDeliveryMinAmount = d
	}

	if err := s.Validate(); err != nil {
		return model.PricingSettings{}, err
	}
	return s, nil
}

// ValidateSetting проверяет, что значение key допустимо и вместе со значениями
// по умолчанию даёт корректный снимок настроек.
func ValidateSetting(key, value string) error {
	if !slices.Contains(pricingSettingKeys, key) {
		return fmt.Errorf("%w: unknown setting %q", model.ErrValidation, key)
	}
	if _, err := parsePricingSettings(map[string]string{key: value}); err != nil {
		if errors.Is(err, model.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return nil
}
