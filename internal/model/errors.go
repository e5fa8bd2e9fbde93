package model

import "errors"

// Ошибки предметной области. Слои добавляют подробности через %w, вызывающий код сверяет их errors.Is.
var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound возвращается, если пользователь, товар, заказ или карта не найдены.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance возвращается, если запрошено больше баллов, чем есть на балансе.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidTransition возвращается при недопустимой смене статуса заказа или карты.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnavailableProduct возвращается, если товар сейчас нельзя заказать.
	ErrUnavailableProduct = errors.New("product unavailable")
	// ErrAccessDenied возвращается, если заказ принадлежит другому пользователю.
	ErrAccessDenied = errors.New("access denied")
)
