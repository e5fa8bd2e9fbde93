package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим телефоном.
var ErrUserExists = errors.New("user already exists")

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:        pool,
		retryDelays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn целиком при временных ошибках: конфликте сериализации,
// взаимной блокировке или обрыве соединения. Доменные ошибки не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isTransient(err) || i == len(r.retryDelays) {
			break
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// commitError означает, что Commit завершился ошибкой. Если сервер не ответил,
// транзакция могла быть зафиксирована, и повтор привёл бы к двойной записи.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return "commit tx: " + e.err.Error() }

func (e *commitError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	var cErr *commitError
	if errors.As(err, &cErr) && !errors.As(err, &pgErr) {
		return false
	}
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgErr.Code == pgerrcode.LockNotAvailable
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в одной транзакции. Временные ошибки приводят к повтору всей транзакции.
func (r *PostgresRepository) InTx(ctx context.Context, fn TxFunc) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return &commitError{err: err}
		}
		return nil
	})
}

// CreateUser создаёт пользователя и один раз назначает ему QR-код.
func (r *PostgresRepository) CreateUser(ctx context.Context, phone string) (*model.User, error) {
	u := model.User{Phone: phone, QRCode: uuid.NewString()}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (phone, qr_code) VALUES ($1, $2) RETURNING id, loyalty_points, created_at`,
		u.Phone, u.QRCode,
	).Scan(&u.ID, &u.LoyaltyPoints, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, phone)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// UpsertProduct сохраняет товар каталога.
func (r *PostgresRepository) UpsertProduct(ctx context.Context, p model.Product) error {
	var discount decimal.NullDecimal
	if p.DiscountPrice != nil {
		discount = decimal.NewNullDecimal(*p.DiscountPrice)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, name, price, discount_price, is_available, reward_category)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		 	name = EXCLUDED.name,
		 	price = EXCLUDED.price,
		 	discount_price = EXCLUDED.discount_price,
		 	is_available = EXCLUDED.is_available,
		 	reward_category = EXCLUDED.reward_category`,
		p.ID, p.Name, p.Price, discount, p.IsAvailable, string(p.RewardCategory),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// SetSetting записывает значение настройки.
func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	return getUser(ctx, r.pool, userID, false)
}

// GetProducts возвращает товары каталога по списку идентификаторов. Неизвестные идентификаторы пропускаются.
func (r *PostgresRepository) GetProducts(ctx context.Context, ids []string) (map[string]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, price, discount_price, is_available, reward_category
		 FROM products
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	res := make(map[string]model.Product, len(ids))
	for rows.Next() {
		var (
			p        model.Product
			discount decimal.NullDecimal
			category string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &discount, &p.IsAvailable, &category); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if discount.Valid {
			d := discount.Decimal
			p.DiscountPrice = &d
		}
		p.RewardCategory = model.RewardCategory(category)
		res[p.ID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPricingSettings читает свежий снимок настроек ценообразования.
func (r *PostgresRepository) GetPricingSettings(ctx context.Context) (model.PricingSettings, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT key, value FROM settings WHERE key = ANY($1)`,
		pricingSettingKeys,
	)
	if err != nil {
		return model.PricingSettings{}, fmt.Errorf("select settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, len(pricingSettingKeys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.PricingSettings{}, fmt.Errorf("scan setting: %w", err)
		}
		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return model.PricingSettings{}, fmt.Errorf("rows error: %w", err)
	}

	return parsePricingSettings(values)
}

// GetOrder возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return getOrder(ctx, r.pool, orderID, false)
}

// ListOrdersByUser возвращает заказы пользователя, начиная с последних.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []model.Order
		ids    []string
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
		ids = append(ids, o.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(orders) == 0 {
		return orders, nil
	}

	items, err := loadItems(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

// ListPunchCards возвращает карты отметок пользователя.
func (r *PostgresRepository) ListPunchCards(ctx context.Context, userID int64) ([]model.PunchCard, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+punchCardColumns+`
		 FROM punch_cards
		 WHERE user_id = $1
		 ORDER BY category`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select punch cards: %w", err)
	}
	defer rows.Close()

	var cards []model.PunchCard
	for rows.Next() {
		c, err := scanPunchCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return cards, nil
}

// querier покрывает общее подмножество пула и транзакции.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const orderColumns = `id::text, order_number, user_id, status, delivery_type, address_id, store_id,
	delivery_time, comment, subtotal, delivery_fee, points_used, points_discount, total,
	points_earned, created_at, completed_at`

const punchCardColumns = `user_id, category, current_punches, max_punches, free_item_claimed, completed_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o            model.Order
		status       string
		deliveryType string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &status, &deliveryType, &o.AddressID, &o.StoreID,
		&o.DeliveryTime, &o.Comment, &o.Subtotal, &o.DeliveryFee, &o.PointsUsed, &o.PointsDiscount, &o.Total,
		&o.PointsEarned, &o.CreatedAt, &o.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	o.DeliveryType = model.DeliveryType(deliveryType)
	return &o, nil
}

func scanPunchCard(row pgx.Row) (*model.PunchCard, error) {
	var (
		c        model.PunchCard
		category string
	)
	err := row.Scan(&c.UserID, &category, &c.CurrentPunches, &c.MaxPunches, &c.FreeItemClaimed, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan punch card: %w", err)
	}
	c.Category = model.RewardCategory(category)
	return &c, nil
}

func getUser(ctx context.Context, q querier, userID int64, forUpdate bool) (*model.User, error) {
	query := `SELECT id, phone, qr_code, loyalty_points, created_at FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var u model.User
	err := q.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Phone, &u.QRCode, &u.LoyaltyPoints, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func getOrder(ctx context.Context, q querier, orderID string, forUpdate bool) (*model.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	o, err := scanOrder(q.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
		}
		return nil, err
	}

	items, err := loadItems(ctx, q, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]

	return o, nil
}

func loadItems(ctx context.Context, q querier, orderIDs []string) (map[string][]model.OrderLine, error) {
	rows, err := q.Query(ctx,
		`SELECT order_id::text, product_id, quantity, unit_price, line_total, reward_category
		 FROM order_items
		 WHERE order_id = ANY($1::uuid[])
		 ORDER BY order_id, position`,
		orderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	res := make(map[string][]model.OrderLine, len(orderIDs))
	for rows.Next() {
		var (
			orderID  string
			line     model.OrderLine
			category string
		)
		if err := rows.Scan(&orderID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.LineTotal, &category); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		line.RewardCategory = model.RewardCategory(category)
		res[orderID] = append(res[orderID], line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, userID int64) (*model.User, error) {
	return getUser(ctx, t.tx, userID, true)
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		`UPDATE users
		 SET loyalty_points = loyalty_points + $2
		 WHERE id = $1 AND loyalty_points + $2 >= 0
		 RETURNING loyalty_points`,
		userID, delta,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust balance: %w", err)
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: user %d", model.ErrNotFound, userID)
	}
	return 0, fmt.Errorf("%w: user %d", model.ErrInsufficientBalance, userID)
}

func (t *pgTx) NextOrderSequence(ctx context.Context, day time.Time) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO order_sequences (day, last_value) VALUES ($1::date, 1)
		 ON CONFLICT (day) DO UPDATE SET last_value = order_sequences.last_value + 1
		 RETURNING last_value`,
		dayKey(day),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next order sequence: %w", err)
	}
	return seq, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (
			id, order_number, user_id, status, delivery_type, address_id, store_id, delivery_time, comment,
			subtotal, delivery_fee, points_used, points_discount, total, points_earned, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
		o.ID, o.Number, o.UserID, string(o.Status), string(o.DeliveryType), o.AddressID, o.StoreID, o.DeliveryTime, o.Comment,
		o.Subtotal, o.DeliveryFee, o.PointsUsed, o.PointsDiscount, o.Total, o.PointsEarned, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, line := range o.Items {
		batch.Queue(
			`INSERT INTO order_items (order_id, position, product_id, quantity, unit_price, line_total, reward_category)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i, line.ProductID, line.Quantity, line.UnitPrice, line.LineTotal, string(line.RewardCategory),
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, orderID string) (*model.Order, error) {
	return getOrder(ctx, t.tx, orderID, true)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, completedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET status = $2, completed_at = COALESCE($3, completed_at), updated_at = now()
		 WHERE id = $1`,
		orderID, string(status), completedAt,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	return nil
}

func (t *pgTx) GetPunchCardForUpdate(ctx context.Context, userID int64, category model.RewardCategory) (*model.PunchCard, error) {
	c, err := scanPunchCard(t.tx.QueryRow(ctx,
		`SELECT `+punchCardColumns+`
		 FROM punch_cards
		 WHERE user_id = $1 AND category = $2
		 FOR UPDATE`,
		userID, string(category),
	))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: punch card %s", model.ErrNotFound, category)
		}
		return nil, err
	}
	return c, nil
}

func (t *pgTx) SavePunchCard(ctx context.Context, c model.PunchCard) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO punch_cards (user_id, category, current_punches, max_punches, free_item_claimed, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, category) DO UPDATE SET
		 	current_punches = EXCLUDED.current_punches,
		 	max_punches = EXCLUDED.max_punches,
		 	free_item_claimed = EXCLUDED.free_item_claimed,
		 	completed_at = EXCLUDED.completed_at`,
		c.UserID, string(c.Category), c.CurrentPunches, c.MaxPunches, c.FreeItemClaimed, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save punch card: %w", err)
	}
	return nil
}
