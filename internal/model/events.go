package model

import "time"

// Типы событий заказа, публикуемых после фиксации транзакции.
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
)

// OrderEvent описывает событие жизненного цикла заказа для внешних подписчиков.
type OrderEvent struct {
	Type        string      `json:"type"`
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	UserID      int64       `json:"user_id"`
	Status      OrderStatus `json:"status"`
	PrevStatus  OrderStatus `json:"prev_status,omitempty"`
	PointsUsed  int64       `json:"points_used"`
	PointsDelta int64       `json:"points_delta"`
	Timestamp   time.Time   `json:"timestamp"`
}
