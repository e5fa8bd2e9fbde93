// Package service реализует конечный автомат заказа и запросы к программе лояльности.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/ledger"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/pricing"
	"github.com/mmeshcher/fulfillment-engine/internal/punchcard"
	"github.com/mmeshcher/fulfillment-engine/internal/repository"
	"github.com/mmeshcher/fulfillment-engine/internal/validation"
)

// DefaultOrderPrefix задаёт префикс номера заказа по умолчанию.
const DefaultOrderPrefix = "SHR"

var tracer = otel.Tracer("fulfillment/service")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn repository.TxFunc) error
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetPricingSettings(ctx context.Context) (model.PricingSettings, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	ListPunchCards(ctx context.Context, userID int64) ([]model.PunchCard, error)
	CreateUser(ctx context.Context, phone string) (*model.User, error)
	UpsertProduct(ctx context.Context, p model.Product) error
	SetSetting(ctx context.Context, key, value string) error
}

// Catalog возвращает товары по идентификаторам. Неизвестные идентификаторы в ответ не попадают.
type Catalog interface {
	GetProducts(ctx context.Context, ids []string) (map[string]model.Product, error)
}

// EventPublisher доставляет события заказа подписчикам.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type counters struct {
	created       metric.Int64Counter
	cancelled     metric.Int64Counter
	delivered     metric.Int64Counter
	publishFailed metric.Int64Counter
}

func newCounters() counters {
	meter := otel.Meter("fulfillment/service")
	return counters{
		created:       int64Counter(meter, "orders_created_total", "Number of orders created"),
		cancelled:     int64Counter(meter, "orders_cancelled_total", "Number of orders cancelled"),
		delivered:     int64Counter(meter, "orders_delivered_total", "Number of orders delivered"),
		publishFailed: int64Counter(meter, "order_events_failed_total", "Number of order events that could not be published"),
	}
}

func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
		c, _ = noop.NewMeterProvider().Meter("").Int64Counter(name)
	}
	return c
}

// Service содержит бизнес-логику выдачи заказов.
type Service struct {
	repo        Repository
	catalog     Catalog
	publisher   EventPublisher
	logger      *zap.Logger
	orderPrefix string
	metrics     counters
	now         func() time.Time
}

// NewService создаёт сервис. publisher может быть nil: тогда события не публикуются.
func NewService(repo Repository, catalog Catalog, publisher EventPublisher, logger *zap.Logger, orderPrefix string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if orderPrefix == "" {
		orderPrefix = DefaultOrderPrefix
	}
	return &Service{
		repo:        repo,
		catalog:     catalog,
		publisher:   publisher,
		logger:      logger,
		orderPrefix: orderPrefix,
		metrics:     newCounters(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateOrder оформляет заказ: рассчитывает стоимость, списывает баллы и сохраняет заказ
// в одной транзакции. Если любой шаг не удался, баланс не меняется и заказ не создаётся.
func (s *Service) CreateOrder(ctx context.Context, userID int64, req model.CreateOrderRequest) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "CreateOrder", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	order, err := s.createOrder(ctx, userID, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.number", order.Number))
	s.metrics.created.Add(ctx, 1, metric.WithAttributes(attribute.String("delivery_type", string(order.DeliveryType))))
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.Number),
		zap.Int64("user_id", userID),
		zap.Int64("points_used", order.PointsUsed),
	)

	s.publish(ctx, order, model.EventOrderCreated, "")
	return order, nil
}

func (s *Service) createOrder(ctx context.Context, userID int64, req model.CreateOrderRequest) (*model.Order, error) {
	if err := validation.CreateOrder(req); err != nil {
		return nil, err
	}

	settings, err := s.repo.GetPricingSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing settings: %w", err)
	}

	lines, err := s.resolveLines(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	var created *model.Order
	err = s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}

		quote, err := pricing.Calculate(pricing.Input{
			Lines:           lines,
			DeliveryType:    req.DeliveryType,
			PointsRequested: req.PointsToUse,
			Settings:        settings,
			Balance:         user.LoyaltyPoints,
		})
		if err != nil {
			return err
		}

		if quote.PointsUsed > 0 {
			if _, err := ledger.New(tx).Debit(ctx, userID, quote.PointsUsed); err != nil {
				return err
			}
		}

		now := s.now()
		seq, err := tx.NextOrderSequence(ctx, now)
		if err != nil {
			return fmt.Errorf("allocate order number: %w", err)
		}

		order := &model.Order{
			ID:             uuid.NewString(),
			Number:         formatOrderNumber(s.orderPrefix, now, seq),
			UserID:         userID,
			Status:         model.OrderStatusPending,
			DeliveryType:   req.DeliveryType,
			DeliveryTime:   req.DeliveryTime,
			Comment:        req.Comment,
			Items:          quote.Lines,
			Subtotal:       quote.Subtotal,
			DeliveryFee:    quote.DeliveryFee,
			PointsUsed:     quote.PointsUsed,
			PointsDiscount: quote.PointsDiscount,
			Total:          quote.Total,
			PointsEarned:   quote.PointsEarned,
			CreatedAt:      now,
		}
		if req.DeliveryType == model.DeliveryTypeDelivery {
			order.AddressID = req.AddressID
		} else {
			order.StoreID = req.StoreID
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// resolveLines запрашивает все товары корзины одним вызовом каталога.
func (s *Service) resolveLines(ctx context.Context, items []model.OrderItemRequest) ([]pricing.Line, error) {
	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}

	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup products: %w", err)
	}

	lines := make([]pricing.Line, 0, len(items))
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, item.ProductID)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		lines = append(lines, pricing.Line{Product: p, Quantity: item.Quantity})
	}
	return lines, nil
}

func formatOrderNumber(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.UTC().Format("20060102"), seq)
}

// CancelOrder отменяет заказ пользователя и возвращает списанные баллы.
// Отмена возможна только из PENDING и CONFIRMED, возврат выполняется ровно один раз.
func (s *Service) CancelOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "CancelOrder", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("order.id", orderID),
	))
	defer span.End()

	var (
		order *model.Order
		prev  model.OrderStatus
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: order %s", model.ErrAccessDenied, orderID)
		}
		prev = o.Status
		if err := cancelLocked(ctx, tx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	s.metrics.cancelled.Add(ctx, 1)
	s.logger.Info("order cancelled",
		zap.String("order_id", order.ID),
		zap.Int64("points_refunded", order.PointsUsed),
	)
	s.publish(ctx, order, model.EventOrderStatusChanged, prev)
	return order, nil
}

// cancelLocked переводит заблокированный заказ в CANCELLED и возвращает баллы.
func cancelLocked(ctx context.Context, tx repository.Tx, o *model.Order) error {
	if !o.Status.IsCancellable() {
		return fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, o.Number, o.Status)
	}

	if o.PointsUsed > 0 {
		if _, err := ledger.New(tx).Refund(ctx, o.UserID, o.PointsUsed); err != nil {
			return err
		}
	}

	if err := tx.UpdateOrderStatus(ctx, o.ID, model.OrderStatusCancelled, nil); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	o.Status = model.OrderStatusCancelled
	return nil
}

// AdvanceOrderStatus переводит заказ в статус next. Повтор текущего статуса ничего не меняет.
// При переходе в DELIVERED начисляется кешбэк и отметки на карты, при CANCELLED возвращаются баллы.
func (s *Service) AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "AdvanceOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(next)),
	))
	defer span.End()

	if !next.Valid() {
		err := fmt.Errorf("%w: unknown status %q", model.ErrValidation, next)
		recordError(span, err)
		return nil, err
	}

	var (
		order   *model.Order
		prev    model.OrderStatus
		changed bool
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		changed = false
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		order = o
		prev = o.Status

		if o.Status == next {
			return nil
		}

		if next == model.OrderStatusCancelled {
			if err := cancelLocked(ctx, tx, o); err != nil {
				return err
			}
			changed = true
			return nil
		}

		if !o.Status.CanAdvanceTo(next) {
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, o.Status, next)
		}

		var completedAt *time.Time
		if next == model.OrderStatusDelivered {
			now := s.now()
			if err := s.deliverLocked(ctx, tx, o, now); err != nil {
				return err
			}
			completedAt = &now
		}

		if err := tx.UpdateOrderStatus(ctx, o.ID, next, completedAt); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		o.Status = next
		if completedAt != nil {
			o.CompletedAt = completedAt
		}
		changed = true
		return nil
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	if !changed {
		return order, nil
	}

	switch order.Status {
	case model.OrderStatusDelivered:
		s.metrics.delivered.Add(ctx, 1)
	case model.OrderStatusCancelled:
		s.metrics.cancelled.Add(ctx, 1)
	}
	s.logger.Info("order status changed",
		zap.String("order_id", order.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(order.Status)),
	)
	s.publish(ctx, order, model.EventOrderStatusChanged, prev)
	return order, nil
}

// deliverLocked начисляет кешбэк и отметки по категориям наград заказа.
func (s *Service) deliverLocked(ctx context.Context, tx repository.Tx, o *model.Order, now time.Time) error {
	// Блокировка строки пользователя упорядочивает создание его карт отметок.
	if _, err := tx.GetUserForUpdate(ctx, o.UserID); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	if o.PointsEarned > 0 {
		if _, err := ledger.New(tx).Credit(ctx, o.UserID, o.PointsEarned); err != nil {
			return err
		}
	}

	punches := make(map[model.RewardCategory]int64)
	for _, line := range o.Items {
		if line.RewardCategory != "" {
			punches[line.RewardCategory] += line.Quantity
		}
	}
	categories := make([]model.RewardCategory, 0, len(punches))
	for c := range punches {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	tracker := punchcard.NewTracker(tx)
	for _, c := range categories {
		if _, err := tracker.AddPunches(ctx, o.UserID, c, punches[c], now); err != nil {
			return fmt.Errorf("punch card %s: %w", c, err)
		}
	}
	return nil
}

// GetPunchCards возвращает карты отметок пользователя.
func (s *Service) GetPunchCards(ctx context.Context, userID int64) ([]model.PunchCard, error) {
	return s.repo.ListPunchCards(ctx, userID)
}

// ClaimPunchCardReward выдаёт бесплатный товар по заполненной карте.
func (s *Service) ClaimPunchCardReward(ctx context.Context, userID int64, category model.RewardCategory) (*model.PunchCard, error) {
	ctx, span := tracer.Start(ctx, "ClaimPunchCardReward", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("punch_card.category", string(category)),
	))
	defer span.End()

	if category == "" {
		return nil, fmt.Errorf("%w: empty category", model.ErrValidation)
	}

	var card model.PunchCard
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		card, err = punchcard.NewTracker(tx).Claim(ctx, userID, category)
		return err
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	s.logger.Info("punch card reward claimed", zap.Int64("user_id", userID), zap.String("category", string(category)))
	return &card, nil
}

// GetOrder возвращает заказ, если он принадлежит пользователю.
func (s *Service) GetOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", model.ErrAccessDenied, orderID)
	}
	return o, nil
}

// GetOrderByID возвращает любой заказ без проверки владельца. Используется оператором.
func (s *Service) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListOrders возвращает заказы пользователя, начиная с последних.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

// GetLoyaltyInfo возвращает баланс, QR-код и уровень пользователя.
func (s *Service) GetLoyaltyInfo(ctx context.Context, userID int64) (*model.LoyaltyInfo, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.LoyaltyInfo{
		Points: u.LoyaltyPoints,
		QRCode: u.QRCode,
		Level:  ledger.Level(u.LoyaltyPoints),
	}, nil
}

// GetLoyaltyHistory восстанавливает историю баллов по заказам пользователя.
func (s *Service) GetLoyaltyHistory(ctx context.Context, userID int64) ([]model.LoyaltyTransaction, error) {
	orders, err := s.repo.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	history := make([]model.LoyaltyTransaction, 0, len(orders))
	for _, o := range orders {
		if o.PointsUsed > 0 {
			tx := model.LoyaltyTransaction{
				ID:          o.ID + "-used",
				Type:        model.LoyaltyTransactionUsed,
				Points:      -o.PointsUsed,
				Description: "Points used for order " + o.Number,
				OrderID:     o.ID,
				OrderNumber: o.Number,
				CreatedAt:   o.CreatedAt,
			}
			if o.Status == model.OrderStatusCancelled {
				tx.Type = model.LoyaltyTransactionRefunded
				tx.Points = o.PointsUsed
				tx.Description = "Points refunded for order " + o.Number
			}
			history = append(history, tx)
		}

		if o.PointsEarned > 0 && o.Status == model.OrderStatusDelivered {
			at := o.CreatedAt
			if o.CompletedAt != nil {
				at = *o.CompletedAt
			}
			history = append(history, model.LoyaltyTransaction{
				ID:          o.ID + "-earned",
				Type:        model.LoyaltyTransactionEarned,
				Points:      o.PointsEarned,
				Description: "Cashback for order " + o.Number,
				OrderID:     o.ID,
				OrderNumber: o.Number,
				CreatedAt:   at,
			})
		}
	}

	sort.SliceStable(history, func(i, j int) bool { return history[i].CreatedAt.After(history[j].CreatedAt) })
	return history, nil
}

// RegisterUser заводит клиента с нулевым балансом.
func (s *Service) RegisterUser(ctx context.Context, phone string) (*model.User, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: phone is required", model.ErrValidation)
	}
	u, err := s.repo.CreateUser(ctx, phone)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user registered", zap.Int64("user_id", u.ID))
	return u, nil
}

// UpsertProduct сохраняет товар в локальном каталоге.
func (s *Service) UpsertProduct(ctx context.Context, p model.Product) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: product id is required", model.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return s.repo.UpsertProduct(ctx, p)
}

// UpdateSetting меняет настройку ценообразования. Новое значение действует
// для заказов, созданных после записи.
func (s *Service) UpdateSetting(ctx context.Context, key, value string) error {
	if err := repository.ValidateSetting(key, value); err != nil {
		return err
	}
	if err := s.repo.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	s.logger.Info("setting updated", zap.String("key", key), zap.String("value", value))
	return nil
}

// GetLoyaltySettings возвращает публичные правила программы лояльности.
func (s *Service) GetLoyaltySettings(ctx context.Context) (*model.LoyaltySettings, error) {
	ps, err := s.repo.GetPricingSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing settings: %w", err)
	}
	return &model.LoyaltySettings{
		CashbackPercent:       ps.CashbackPercent,
		MaxPointsUsePercent:   ps.MaxPointsUsePercent,
		PointValue:            pricing.PointValue,
		DeliveryFee:           ps.DeliveryFee,
		FreeDeliveryMinAmount: ps.FreeDeliveryMinAmount,
		PunchCardSize:         model.DefaultMaxPunches,
	}, nil
}

// publish отправляет событие после фиксации транзакции. Ошибка доставки заказ не откатывает.
func (s *Service) publish(ctx context.Context, o *model.Order, eventType string, prev model.OrderStatus) {
	if s.publisher == nil {
		return
	}

	event := model.OrderEvent{
		Type:        eventType,
		OrderID:     o.ID,
		OrderNumber: o.Number,
		UserID:      o.UserID,
		Status:      o.Status,
		PrevStatus:  prev,
		PointsUsed:  o.PointsUsed,
		Timestamp:   s.now(),
	}
	switch o.Status {
	case model.OrderStatusDelivered:
		event.PointsDelta = o.PointsEarned
	case model.OrderStatusCancelled:
		event.PointsDelta = o.PointsUsed
	case model.OrderStatusPending:
		event.PointsDelta = -o.PointsUsed
	}

	if err := s.publisher.Publish(ctx, o.ID, event); err != nil {
		s.metrics.publishFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
		s.logger.Error("failed to publish order event",
			zap.Error(err),
			zap.String("order_id", o.ID),
			zap.String("event", eventType),
		)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	// Бизнес-отказы не считаются ошибкой исполнения.
	if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInsufficientBalance) || errors.Is(err, model.ErrInvalidTransition) ||
		errors.Is(err, model.ErrUnavailableProduct) || errors.Is(err, model.ErrAccessDenied) {
		return
	}
	span.SetStatus(codes.Error, err.Error())
}
