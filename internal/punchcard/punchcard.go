// Package punchcard ведёт карты отметок: после MaxPunches покупок товара категории клиент
// получает один бесплатный товар.
//
// Цикл карты: ACTIVE -> COMPLETE (набраны все отметки) -> CLAIMED (награда получена).
// Следующая отметка на карте в состоянии CLAIMED сначала перезапускает цикл.
package punchcard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// Cards описывает хранилище карт, привязанное к транзакции вызывающего кода.
// GetPunchCardForUpdate возвращает model.ErrNotFound, если карты ещё нет.
type Cards interface {
	GetPunchCardForUpdate(ctx context.Context, userID int64, category model.RewardCategory) (*model.PunchCard, error)
	SavePunchCard(ctx context.Context, card model.PunchCard) error
}

// NewCard создаёт пустую карту.
func NewCard(userID int64, category model.RewardCategory) model.PunchCard {
	return model.PunchCard{
		UserID:     userID,
		Category:   category,
		MaxPunches: model.DefaultMaxPunches,
	}
}

// Restart переводит карту из CLAIMED в ACTIVE с нулём отметок.
func Restart(c *model.PunchCard) error {
	if c.State() != model.PunchCardClaimed {
		return fmt.Errorf("%w: card %s is %s, only a claimed card restarts", model.ErrInvalidTransition, c.Category, c.State())
	}
	c.CurrentPunches = 0
	c.FreeItemClaimed = false
	c.CompletedAt = nil
	return nil
}

// AddPunches добавляет count отметок, не превышая MaxPunches.
// Время завершения ставится при первом достижении предела.
func AddPunches(c *model.PunchCard, count int64, now time.Time) error {
	if count < 0 {
		return fmt.Errorf("%w: negative punch count", model.ErrValidation)
	}
	if count == 0 {
		return nil
	}

	if c.State() == model.PunchCardClaimed {
		if err := Restart(c); err != nil {
			return err
		}
	}

	if count >= c.MaxPunches-c.CurrentPunches {
		c.CurrentPunches = c.MaxPunches
	} else {
		c.CurrentPunches += count
	}
	if c.IsComplete() && c.CompletedAt == nil {
		completed := now
		c.CompletedAt = &completed
	}
	return nil
}

// Claim отмечает выдачу бесплатного товара.
func Claim(c *model.PunchCard) error {
	switch c.State() {
	case model.PunchCardActive:
		return fmt.Errorf("%w: card %s has %d of %d punches", model.ErrInvalidTransition, c.Category, c.CurrentPunches, c.MaxPunches)
	case model.PunchCardClaimed:
		return fmt.Errorf("%w: reward for card %s already claimed", model.ErrInvalidTransition, c.Category)
	}
	c.FreeItemClaimed = true
	return nil
}

// Tracker применяет переходы карт через хранилище.
type Tracker struct {
	cards Cards
}

// NewTracker создаёт Tracker поверх хранилища текущей транзакции.
func NewTracker(cards Cards) *Tracker {
	return &Tracker{cards: cards}
}

// AddPunches начисляет отметки, при необходимости создавая карту.
func (t *Tracker) AddPunches(ctx context.Context, userID int64, category model.RewardCategory, count int64, now time.Time) (model.PunchCard, error) {
	card, err := t.cards.GetPunchCardForUpdate(ctx, userID, category)
	switch {
	case errors.Is(err, model.ErrNotFound):
		fresh := NewCard(userID, category)
		card = &fresh
	case err != nil:
		return model.PunchCard{}, fmt.Errorf("load punch card: %w", err)
	}

	if err := AddPunches(card, count, now); err != nil {
		return model.PunchCard{}, err
	}

	if err := t.cards.SavePunchCard(ctx, *card); err != nil {
		return model.PunchCard{}, fmt.Errorf("save punch card: %w", err)
	}
	return *card, nil
}

// Claim выдаёт награду по заполненной карте.
func (t *Tracker) Claim(ctx context.Context, userID int64, category model.RewardCategory) (model.PunchCard, error) {
	card, err := t.cards.GetPunchCardForUpdate(ctx, userID, category)
	if err != nil {
		return model.PunchCard{}, fmt.Errorf("load punch card %s: %w", category, err)
	}

	if err := Claim(card); err != nil {
		return model.PunchCard{}, err
	}

	if err := t.cards.SavePunchCard(ctx, *card); err != nil {
		return model.PunchCard{}, fmt.Errorf("save punch card: %w", err)
	}
	return *card, nil
}
