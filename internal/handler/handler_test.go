package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/middleware"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/repository"
)

const testAdminToken = "admin-token"

type stubService struct {
	lastUserID  int64
	lastOrderID string
	lastStatus  model.OrderStatus
	lastCreate  model.CreateOrderRequest

	order    *model.Order
	orderErr error

	orders    []model.Order
	ordersErr error

	cards   []model.PunchCard
	card    *model.PunchCard
	cardErr error

	info    *model.LoyaltyInfo
	history []model.LoyaltyTransaction

	settings *model.LoyaltySettings

	user    *model.User
	userErr error

	adminErr error
}

func (s *stubService) CreateOrder(ctx context.Context, userID int64, req model.CreateOrderRequest) (*model.Order, error) {
	s.lastUserID = userID
	s.lastCreate = req
	return s.order, s.orderErr
}

func (s *stubService) CancelOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error) {
	s.lastUserID = userID
	s.lastOrderID = orderID
	return s.order, s.orderErr
}

func (s *stubService) AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (*model.Order, error) {
	s.lastOrderID = orderID
	s.lastStatus = next
	return s.order, s.orderErr
}

func (s *stubService) GetOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error) {
	s.lastUserID = userID
	s.lastOrderID = orderID
	return s.order, s.orderErr
}

func (s *stubService) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	s.lastOrderID = orderID
	return s.order, s.orderErr
}

func (s *stubService) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.orders, s.ordersErr
}

func (s *stubService) GetPunchCards(ctx context.Context, userID int64) ([]model.PunchCard, error) {
	return s.cards, s.cardErr
}

func (s *stubService) ClaimPunchCardReward(ctx context.Context, userID int64, category model.RewardCategory) (*model.PunchCard, error) {
	return s.card, s.cardErr
}

func (s *stubService) GetLoyaltyInfo(ctx context.Context, userID int64) (*model.LoyaltyInfo, error) {
	s.lastUserID = userID
	return s.info, nil
}

func (s *stubService) GetLoyaltyHistory(ctx context.Context, userID int64) ([]model.LoyaltyTransaction, error) {
	return s.history, nil
}

func (s *stubService) GetLoyaltySettings(ctx context.Context) (*model.LoyaltySettings, error) {
	return s.settings, nil
}

func (s *stubService) RegisterUser(ctx context.Context, phone string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubService) UpsertProduct(ctx context.Context, p model.Product) error {
	return s.adminErr
}

func (s *stubService) UpdateSetting(ctx context.Context, key, value string) error {
	return s.adminErr
}

type testServer struct {
	router http.Handler
	auth   *middleware.AuthMiddleware
}

func newTestServer(t *testing.T, svc Service) *testServer {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, logger, auth, testAdminToken, nil)

	return &testServer{router: h.SetupRouter(), auth: auth}
}

func (s *testServer) do(t *testing.T, method, path string, body any, userID int64, admin bool) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+s.auth.IssueToken(userID))
	}
	if admin {
		req.Header.Set(middleware.AdminTokenHeader, testAdminToken)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec.Result()
}

func TestCreateOrder_Created(t *testing.T) {
	svc := &stubService{
		order: &model.Order{ID: "o-1", Number: "SHR-20261015-0001", Status: model.OrderStatusPending, Total: decimal.NewFromInt(800)},
	}
	srv := newTestServer(t, svc)

	body := model.CreateOrderRequest{
		Items:        []model.OrderItemRequest{{ProductID: "latte", Quantity: 2}},
		DeliveryType: model.DeliveryTypePickup,
		StoreID:      "store-1",
		PointsToUse:  100,
	}
	res := srv.do(t, http.MethodPost, "/api/orders", body, 42, false)
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if svc.lastUserID != 42 {
		t.Fatalf("user id = %d, want 42", svc.lastUserID)
	}
	if svc.lastCreate.PointsToUse != 100 || len(svc.lastCreate.Items) != 1 {
		t.Fatalf("unexpected request passed to service: %+v", svc.lastCreate)
	}

	var got model.Order
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Number != "SHR-20261015-0001" || !got.Total.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestCreateOrder_Unauthorized(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	res := srv.do(t, http.MethodPost, "/api/orders", model.CreateOrderRequest{}, 0, false)
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateOrder_BadJSON(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+srv.auth.IssueToken(1))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: no items", model.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: product x", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("debit: %w", model.ErrInsufficientBalance), http.StatusPaymentRequired},
		{fmt.Errorf("%w: PREPARING", model.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("%w: cake", model.ErrUnavailableProduct), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: order", model.ErrAccessDenied), http.StatusForbidden},
		{errors.New("db is down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv := newTestServer(t, &stubService{orderErr: tt.err})

			res := srv.do(t, http.MethodPatch, "/api/orders/o-1/cancel", nil, 1, false)
			defer res.Body.Close()

			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestCancelOrder_PassesPathParam(t *testing.T) {
	svc := &stubService{order: &model.Order{ID: "o-7", Status: model.OrderStatusCancelled}}
	srv := newTestServer(t, svc)

	res := srv.do(t, http.MethodPatch, "/api/orders/o-7/cancel", nil, 3, false)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.lastOrderID != "o-7" || svc.lastUserID != 3 {
		t.Fatalf("service got order %q user %d", svc.lastOrderID, svc.lastUserID)
	}
}

func TestUpdateOrderStatus_RequiresAdmin(t *testing.T) {
	svc := &stubService{order: &model.Order{ID: "o-1", Status: model.OrderStatusDelivered}}
	srv := newTestServer(t, svc)

	body := updateStatusRequest{Status: model.OrderStatusDelivered}

	res := srv.do(t, http.MethodPatch, "/api/admin/orders/o-1/status", body, 1, false)
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status without admin token = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	res = srv.do(t, http.MethodPatch, "/api/admin/orders/o-1/status", body, 0, true)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.lastStatus != model.OrderStatusDelivered || svc.lastOrderID != "o-1" {
		t.Fatalf("service got %q -> %q", svc.lastOrderID, svc.lastStatus)
	}
}

func TestAdminGetOrder(t *testing.T) {
	svc := &stubService{order: &model.Order{ID: "o-7", UserID: 42, Status: model.OrderStatusReady}}
	srv := newTestServer(t, svc)

	res := srv.do(t, http.MethodGet, "/api/admin/orders/o-7", nil, 1, false)
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status without admin token = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	res = srv.do(t, http.MethodGet, "/api/admin/orders/o-7", nil, 0, true)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.lastOrderID != "o-7" {
		t.Fatalf("service got order %q, want o-7", svc.lastOrderID)
	}

	svc.orderErr = model.ErrNotFound
	res = srv.do(t, http.MethodGet, "/api/admin/orders/missing", nil, 0, true)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing order status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestListOrders_NoContent(t *testing.T) {
	srv := newTestServer(t, &stubService{orders: []model.Order{}})

	res := srv.do(t, http.MethodGet, "/api/orders", nil, 1, false)
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetOrder_JSONResponse(t *testing.T) {
	svc := &stubService{order: &model.Order{ID: "o-1", Number: "SHR-20261015-0001", UserID: 1}}
	srv := newTestServer(t, svc)

	res := srv.do(t, http.MethodGet, "/api/orders/o-1", nil, 1, false)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var got map[string]any
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["orderNumber"] != "SHR-20261015-0001" {
		t.Fatalf("orderNumber = %v", got["orderNumber"])
	}
}

func TestLoyaltyEndpoints(t *testing.T) {
	svc := &stubService{
		info:     &model.LoyaltyInfo{Points: 1200, QRCode: "qr", Level: model.LoyaltyLevelSilver},
		settings: &model.LoyaltySettings{CashbackPercent: 5, PunchCardSize: 6},
		card:     &model.PunchCard{Category: "COFFEE_M", CurrentPunches: 6, MaxPunches: 6, FreeItemClaimed: true},
	}
	srv := newTestServer(t, svc)

	res := srv.do(t, http.MethodGet, "/api/loyalty/settings", nil, 0, false)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("settings status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res = srv.do(t, http.MethodGet, "/api/loyalty", nil, 9, false)
	var info model.LoyaltyInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	res.Body.Close()
	if info.Level != model.LoyaltyLevelSilver || svc.lastUserID != 9 {
		t.Fatalf("unexpected info %+v for user %d", info, svc.lastUserID)
	}

	res = srv.do(t, http.MethodGet, "/api/loyalty/history", nil, 9, false)
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("history status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}

	res = srv.do(t, http.MethodGet, "/api/loyalty/punch-cards", nil, 9, false)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || string(bytes.TrimSpace(body)) != "[]" {
		t.Fatalf("punch cards = %d %s, want 200 []", res.StatusCode, body)
	}

	res = srv.do(t, http.MethodPost, "/api/loyalty/punch-cards/COFFEE_M/claim", nil, 9, false)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestRegisterUser(t *testing.T) {
	svc := &stubService{user: &model.User{ID: 5, Phone: "+996700000001"}}
	srv := newTestServer(t, svc)

	res := srv.do(t, http.MethodPost, "/api/admin/users", registerRequest{Phone: "+996700000001"}, 0, true)
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set")
	}

	var got registerResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/loyalty", nil)
	req.Header.Set("Authorization", "Bearer "+got.Token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || svc.lastUserID != 5 {
		t.Fatalf("issued token: status = %d, user = %d", rec.Code, svc.lastUserID)
	}

	svc.userErr = repository.ErrUserExists
	res = srv.do(t, http.MethodPost, "/api/admin/users", registerRequest{Phone: "+996700000001"}, 0, true)
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestAdminCatalogAndSettings(t *testing.T) {
	svc := &stubService{}
	srv := newTestServer(t, svc)

	res := srv.do(t, http.MethodPut, "/api/admin/products/latte", productRequest{Name: "Latte", Price: decimal.NewFromInt(250), IsAvailable: true}, 0, true)
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("product status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}

	svc.adminErr = fmt.Errorf("%w: out of range", model.ErrValidation)
	res = srv.do(t, http.MethodPut, "/api/admin/settings/loyalty_cashback_percent", settingRequest{Value: "150"}, 0, true)
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("setting status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	logger := zap.NewNop()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("orders_created_total 1\n"))
	})
	h := NewHandler(&stubService{}, logger, middleware.NewAuthMiddleware("s"), "", metrics)

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
