package model

// OrderStatus описывает этап выполнения заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusPreparing OrderStatus = "PREPARING"
	OrderStatusReady     OrderStatus = "READY"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Порядок статусов на основном пути. CANCELLED вне линейного порядка.
var statusRank = map[OrderStatus]int{
	OrderStatusPending:   1,
	OrderStatusConfirmed: 2,
	OrderStatusPreparing: 3,
	OrderStatusReady:     4,
	OrderStatusDelivered: 5,
}

// Valid сообщает, известен ли статус.
func (s OrderStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == OrderStatusCancelled
}

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// IsCancellable сообщает, можно ли отменить заказ в этом статусе.
func (s OrderStatus) IsCancellable() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// CanAdvanceTo проверяет переход next. Разрешён любой шаг вперёд по основному пути
// и отмена из PENDING или CONFIRMED. Повтор текущего статуса переходом не считается.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == OrderStatusCancelled {
		return s.IsCancellable()
	}
	return statusRank[next] > statusRank[s]
}
