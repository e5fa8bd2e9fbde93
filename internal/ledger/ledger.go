// Package ledger управляет балансом баллов лояльности пользователя.
package ledger

import (
	"context"
	"fmt"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// Accounts выполняет атомарную операцию над балансом. Реализация выполняет чтение и запись одним
// условным обновлением и возвращает model.ErrInsufficientBalance, если итог стал бы отрицательным.
type Accounts interface {
	AdjustBalance(ctx context.Context, userID int64, delta int64) (int64, error)
}

// Ledger выполняет списания и начисления в рамках транзакции вызывающего кода.
type Ledger struct {
	accounts Accounts
}

// New создаёт Ledger поверх хранилища, привязанного к текущей транзакции.
func New(accounts Accounts) *Ledger {
	return &Ledger{accounts: accounts}
}

// Debit списывает points с баланса пользователя.
func (l *Ledger) Debit(ctx context.Context, userID, points int64) (int64, error) {
	if points < 0 {
		return 0, fmt.Errorf("%w: debit of negative points", model.ErrValidation)
	}
	balance, err := l.accounts.AdjustBalance(ctx, userID, -points)
	if err != nil {
		return 0, fmt.Errorf("debit %d points: %w", points, err)
	}
	return balance, nil
}

// Credit начисляет points на баланс. Верхнего предела нет.
func (l *Ledger) Credit(ctx context.Context, userID, points int64) (int64, error) {
	if points < 0 {
		return 0, fmt.Errorf("%w: credit of negative points", model.ErrValidation)
	}
	balance, err := l.accounts.AdjustBalance(ctx, userID, points)
	if err != nil {
		return 0, fmt.Errorf("credit %d points: %w", points, err)
	}
	return balance, nil
}

// Refund возвращает баллы, списанные отменённым заказом. Однократность возврата
// обеспечивает конечный автомат заказа: Ledger ничего не знает о заказах.
func (l *Ledger) Refund(ctx context.Context, userID, points int64) (int64, error) {
	if points < 0 {
		return 0, fmt.Errorf("%w: refund of negative points", model.ErrValidation)
	}
	balance, err := l.accounts.AdjustBalance(ctx, userID, points)
	if err != nil {
		return 0, fmt.Errorf("refund %d points: %w", points, err)
	}
	return balance, nil
}

// Level возвращает уровень по текущему балансу (не по сумме всех начислений).
func Level(points int64) model.LoyaltyLevel {
	switch {
	case points >= 10000:
		return model.LoyaltyLevelPlatinum
	case points >= 5000:
		return model.LoyaltyLevelGold
	case points >= 1000:
		return model.LoyaltyLevelSilver
	default:
		return model.LoyaltyLevelBronze
	}
}
