// Package handler содержит HTTP-обработчики API сервиса выдачи заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/middleware"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, userID int64, req model.CreateOrderRequest) (*model.Order, error)
	CancelOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error)
	AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (*model.Order, error)
	GetOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error)
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)
	GetPunchCards(ctx context.Context, userID int64) ([]model.PunchCard, error)
	ClaimPunchCardReward(ctx context.Context, userID int64, category model.RewardCategory) (*model.PunchCard, error)
	GetLoyaltyInfo(ctx context.Context, userID int64) (*model.LoyaltyInfo, error)
	GetLoyaltyHistory(ctx context.Context, userID int64) ([]model.LoyaltyTransaction, error)
	GetLoyaltySettings(ctx context.Context) (*model.LoyaltySettings, error)
	RegisterUser(ctx context.Context, phone string) (*model.User, error)
	UpsertProduct(ctx context.Context, p model.Product) error
	UpdateSetting(ctx context.Context, key, value string) error
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics может быть nil: тогда /metrics не регистрируется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string, metrics http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
		metrics:        metrics,
	}
}

// writeServiceError переводит ошибку сервиса в HTTP-статус. Неизвестные ошибки логируются как 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var status int
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, repository.ErrUserExists):
		status = http.StatusConflict
	case errors.Is(err, model.ErrUnavailableProduct):
		status = http.StatusUnprocessableEntity
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

// CreateOrder оформляет заказ текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req model.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err, "create order error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// ListOrders возвращает заказы текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list orders error", zap.Int64("userID", userID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "id")
	order, err := h.service.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, err, "get order error", zap.String("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// AdminGetOrder возвращает заказ любого пользователя.
func (h *Handler) AdminGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	order, err := h.service.GetOrderByID(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err, "admin get order error", zap.String("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// CancelOrder отменяет заказ текущего пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "id")
	order, err := h.service.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, err, "cancel order error", zap.String("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status model.OrderStatus `json:"status"`
}

// UpdateOrderStatus переводит заказ в новый статус. Доступно оператору.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID := chi.URLParam(r, "id")
	order, err := h.service.AdvanceOrderStatus(r.Context(), orderID, req.Status)
	if err != nil {
		h.writeServiceError(w, err, "update order status error", zap.String("orderID", orderID), zap.String("status", string(req.Status)))
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// GetLoyaltyInfo возвращает баланс, QR-код и уровень текущего пользователя.
func (h *Handler) GetLoyaltyInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	info, err := h.service.GetLoyaltyInfo(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "get loyalty info error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// GetLoyaltyHistory возвращает историю баллов текущего пользователя.
func (h *Handler) GetLoyaltyHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	history, err := h.service.GetLoyaltyHistory(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "get loyalty history error", zap.Int64("userID", userID))
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, history)
}

// GetLoyaltySettings возвращает правила программы лояльности.
func (h *Handler) GetLoyaltySettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.GetLoyaltySettings(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "get loyalty settings error")
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

// GetPunchCards возвращает карты отметок текущего пользователя.
func (h *Handler) GetPunchCards(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	cards, err := h.service.GetPunchCards(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "get punch cards error", zap.Int64("userID", userID))
		return
	}

	if cards == nil {
		cards = []model.PunchCard{}
	}
	writeJSON(w, http.StatusOK, cards)
}

// ClaimPunchCardReward выдаёт бесплатный товар по заполненной карте.
func (h *Handler) ClaimPunchCardReward(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	category := model.RewardCategory(chi.URLParam(r, "category"))
	card, err := h.service.ClaimPunchCardReward(r.Context(), userID, category)
	if err != nil {
		h.writeServiceError(w, err, "claim punch card error", zap.Int64("userID", userID), zap.String("category", string(category)))
		return
	}

	writeJSON(w, http.StatusOK, card)
}

type registerRequest struct {
	Phone string `json:"phone"`
}

type registerResponse struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

// RegisterUser заводит клиента и выдаёт ему токен. Доступно оператору.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Phone)
	if err != nil {
		h.writeServiceError(w, err, "register user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID)
	writeJSON(w, http.StatusCreated, registerResponse{User: u, Token: h.authMiddleware.IssueToken(u.ID)})
}

type productRequest struct {
	Name           string           `json:"name"`
	Price          decimal.Decimal  `json:"price"`
	DiscountPrice  *decimal.Decimal `json:"discountPrice,omitempty"`
	IsAvailable    bool             `json:"isAvailable"`
	RewardCategory string           `json:"rewardCategory,omitempty"`
}

// UpsertProduct сохраняет товар локального каталога. Доступно оператору.
func (h *Handler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p := model.Product{
		ID:             chi.URLParam(r, "id"),
		Name:           req.Name,
		Price:          req.Price,
		DiscountPrice:  req.DiscountPrice,
		IsAvailable:    req.IsAvailable,
		RewardCategory: model.RewardCategory(req.RewardCategory),
	}
	if err := h.service.UpsertProduct(r.Context(), p); err != nil {
		h.writeServiceError(w, err, "upsert product error", zap.String("productID", p.ID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type settingRequest struct {
	Value string `json:"value"`
}

// UpdateSetting меняет настройку ценообразования. Доступно оператору.
func (h *Handler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key := chi.URLParam(r, "key")
	if err := h.service.UpdateSetting(r.Context(), key, req.Value); err != nil {
		h.writeServiceError(w, err, "update setting error", zap.String("key", key))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
