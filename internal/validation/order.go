// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

const (
	maxOrderItems    = 100
	maxItemQuantity  = 1000
	maxCommentLength = 500
)

// CreateOrder проверяет запрос на создание заказа. Все ошибки оборачивают model.ErrValidation.
func CreateOrder(req model.CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: order must have at least one item", model.ErrValidation)
	}
	if len(req.Items) > maxOrderItems {
		return fmt.Errorf("%w: too many items", model.ErrValidation)
	}

	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d has no product id", model.ErrValidation, i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", model.ErrValidation, i)
		}
		if item.Quantity > maxItemQuantity {
			return fmt.Errorf("%w: item %d quantity exceeds %d", model.ErrValidation, i, maxItemQuantity)
		}
	}

	switch req.DeliveryType {
	case model.DeliveryTypeDelivery:
		if strings.TrimSpace(req.AddressID) == "" {
			return fmt.Errorf("%w: address is required for delivery", model.ErrValidation)
		}
	case model.DeliveryTypePickup:
		if strings.TrimSpace(req.StoreID) == "" {
			return fmt.Errorf("%w: store is required for pickup", model.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown delivery type %q", model.ErrValidation, req.DeliveryType)
	}

	if req.PointsToUse < 0 {
		return fmt.Errorf("%w: points to use must not be negative", model.ErrValidation)
	}

	if utf8.RuneCountInString(req.Comment) > maxCommentLength {
		return fmt.Errorf("%w: comment is too long", model.ErrValidation)
	}

	return nil
}
