// Package catalog предоставляет клиент для внешнего сервиса каталога товаров.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

const (
	maxAttempts       = 3
	defaultRetryAfter = time.Second
	maxRetryAfter     = 10 * time.Second
)

// ErrRateLimited возвращается, если каталог продолжает отвечать 429 после всех попыток.
var ErrRateLimited = errors.New("catalog rate limit exceeded")

// Client инкапсулирует HTTP-взаимодействие с каталогом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Product описывает товар в ответе каталога.
type Product struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Price          decimal.Decimal  `json:"price"`
	DiscountPrice  *decimal.Decimal `json:"discount_price"`
	IsAvailable    bool             `json:"is_available"`
	RewardCategory string           `json:"reward_category"`
}

// NewClient создаёт HTTP-клиент для обращения к каталогу по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// GetProducts запрашивает товары одним запросом. Неизвестные каталогу идентификаторы
// в результат не попадают. При ответе 429 запрос повторяется после Retry-After.
func (c *Client) GetProducts(ctx context.Context, ids []string) (map[string]model.Product, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("catalog client not configured")
	}
	if len(ids) == 0 {
		return map[string]model.Product{}, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	endpoint := c.baseURL + "/api/products?" + q.Encode()

	for attempt := 1; ; attempt++ {
		products, retryAfter, err := c.fetch(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		if products != nil {
			return products, nil
		}
		if attempt == maxAttempts {
			return nil, ErrRateLimited
		}

		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// fetch выполняет один запрос. Нулевой результат без ошибки означает 429 и паузу retryAfter.
func (c *Client) fetch(ctx context.Context, endpoint string) (map[string]model.Product, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var items []Product
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	products := make(map[string]model.Product, len(items))
	for _, p := range items {
		products[p.ID] = model.Product{
			ID:             p.ID,
			Name:           p.Name,
			Price:          p.Price,
			DiscountPrice:  p.DiscountPrice,
			IsAvailable:    p.IsAvailable,
			RewardCategory: model.RewardCategory(p.RewardCategory),
		}
	}
	return products, 0, nil
}

func parseRetryAfter(v string) time.Duration {
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}
	return min(time.Duration(seconds)*time.Second, maxRetryAfter)
}
