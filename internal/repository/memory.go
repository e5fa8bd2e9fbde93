package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

type cardKey struct {
	userID   int64
	category model.RewardCategory
}

// memState хранит изменяемую часть хранилища в памяти. Транзакция работает с копией и
// подменяет ею состояние только при успешном завершении.
type memState struct {
	users     map[int64]model.User
	orders    map[string]model.Order
	cards     map[cardKey]model.PunchCard
	sequences map[string]int64
}

func (s memState) clone() memState {
	c := memState{
		users:     make(map[int64]model.User, len(s.users)),
		orders:    make(map[string]model.Order, len(s.orders)),
		cards:     make(map[cardKey]model.PunchCard, len(s.cards)),
		sequences: make(map[string]int64, len(s.sequences)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.cards {
		c.cards[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	return c
}

// MemoryRepository хранит данные в памяти процесса. Транзакции выполняются строго
// последовательно, поэтому их результат совпадает с сериализуемой изоляцией.
type MemoryRepository struct {
	mu         sync.Mutex
	state      memState
	products   map[string]model.Product
	settings   map[string]string
	nextUserID int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: memState{
			users:     make(map[int64]model.User),
			orders:    make(map[string]model.Order),
			cards:     make(map[cardKey]model.PunchCard),
			sequences: make(map[string]int64),
		},
		products: make(map[string]model.Product),
		settings: make(map[string]string),
	}
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateUser регистрирует пользователя с нулевым балансом.
func (r *MemoryRepository) CreateUser(ctx context.Context, phone string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.state.users {
		if u.Phone == phone {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, phone)
		}
	}
	u := r.addUserLocked(phone, 0)
	return &u, nil
}

// SeedUser добавляет пользователя с начальным балансом. Используется в тестах и демо-режиме.
func (r *MemoryRepository) SeedUser(phone string, points int64) model.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.addUserLocked(phone, points)
}

func (r *MemoryRepository) addUserLocked(phone string, points int64) model.User {
	r.nextUserID++
	u := model.User{
		ID:            r.nextUserID,
		Phone:         phone,
		QRCode:        uuid.NewString(),
		LoyaltyPoints: points,
		CreatedAt:     time.Now().UTC(),
	}
	r.state.users[u.ID] = u
	return u
}

// UpsertProduct сохраняет товар каталога.
func (r *MemoryRepository) UpsertProduct(ctx context.Context, p model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.products[p.ID] = p
	return nil
}

// SetSetting записывает значение настройки.
func (r *MemoryRepository) SetSetting(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.settings[key] = value
	return nil
}

// InTx выполняет fn над копией состояния и применяет её, если fn завершилась без ошибки.
func (r *MemoryRepository) InTx(ctx context.Context, fn TxFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged := r.state.clone()
	if err := fn(ctx, &memTx{state: &staged}); err != nil {
		return err
	}
	r.state = staged
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.state.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, userID)
	}
	return &u, nil
}

// GetProducts возвращает известные товары из списка ids.
func (r *MemoryRepository) GetProducts(ctx context.Context, ids []string) (map[string]model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make(map[string]model.Product, len(ids))
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			res[id] = p
		}
	}
	return res, nil
}

// GetPricingSettings возвращает снимок настроек ценообразования.
func (r *MemoryRepository) GetPricingSettings(ctx context.Context) (model.PricingSettings, error) {
	r.mu.Lock()
	values := make(map[string]string, len(r.settings))
	for k, v := range r.settings {
		values[k] = v
	}
	r.mu.Unlock()

	return parsePricingSettings(values)
}

// GetOrder возвращает заказ по идентификатору.
func (r *MemoryRepository) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

// ListOrdersByUser возвращает заказы пользователя, начиная с последних.
func (r *MemoryRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orders []model.Order
	for _, o := range r.state.orders {
		if o.UserID == userID {
			o.Items = slices.Clone(o.Items)
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].Number > orders[j].Number
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// ListPunchCards возвращает карты отметок пользователя.
func (r *MemoryRepository) ListPunchCards(ctx context.Context, userID int64) ([]model.PunchCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cards []model.PunchCard
	for k, c := range r.state.cards {
		if k.userID == userID {
			cards = append(cards, c)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Category < cards[j].Category })
	return cards, nil
}

// memTx реализует Tx над копией состояния.
type memTx struct {
	state *memState
}

func (t *memTx) GetUserForUpdate(ctx context.Context, userID int64) (*model.User, error) {
	u, ok := t.state.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, userID)
	}
	return &u, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	u, ok := t.state.users[userID]
	if !ok {
		return 0, fmt.Errorf("%w: user %d", model.ErrNotFound, userID)
	}
	if u.LoyaltyPoints+delta < 0 {
		return 0, fmt.Errorf("%w: user %d", model.ErrInsufficientBalance, userID)
	}
	u.LoyaltyPoints += delta
	t.state.users[userID] = u
	return u.LoyaltyPoints, nil
}

func (t *memTx) NextOrderSequence(ctx context.Context, day time.Time) (int64, error) {
	key := dayKey(day)
	t.state.sequences[key]++
	return t.state.sequences[key], nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if _, ok := t.state.orders[o.ID]; ok {
		return fmt.Errorf("insert order: duplicate id %s", o.ID)
	}
	stored := *o
	stored.Items = slices.Clone(o.Items)
	t.state.orders[o.ID] = stored
	return nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, orderID string) (*model.Order, error) {
	o, ok := t.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, completedAt *time.Time) error {
	o, ok := t.state.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	o.Status = status
	if completedAt != nil {
		o.CompletedAt = completedAt
	}
	t.state.orders[orderID] = o
	return nil
}

func (t *memTx) GetPunchCardForUpdate(ctx context.Context, userID int64, category model.RewardCategory) (*model.PunchCard, error) {
	c, ok := t.state.cards[cardKey{userID, category}]
	if !ok {
		return nil, fmt.Errorf("%w: punch card %s", model.ErrNotFound, category)
	}
	return &c, nil
}

func (t *memTx) SavePunchCard(ctx context.Context, c model.PunchCard) error {
	t.state.cards[cardKey{c.UserID, c.Category}] = c
	return nil
}
