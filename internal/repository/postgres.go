// Package repository содержит реализацию доступа к данным в PostgreSQL.
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

	"github.com/tuktuk-delivery/marketplace-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать профиль с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если профиль не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrBusinessExists возвращается, если у продавца уже есть бизнес.
	ErrBusinessExists = errors.New("business already exists for this vendor")
	// ErrBusinessNotFound возвращается, если бизнес не найден.
	ErrBusinessNotFound = errors.New("business not found")
	// ErrProductNotFound возвращается, если товар не найден или принадлежит другому бизнесу.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyClaimed возвращается, когда заказ уже забрал другой водитель.
	ErrOrderAlreadyClaimed = errors.New("order already claimed by another driver")
	// ErrOrderNotOwned возвращается при попытке изменить чужой заказ.
	ErrOrderNotOwned = errors.New("order is not owned by the caller")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrCodeMismatch возвращается, если код подтверждения доставки не совпал.
	ErrCodeMismatch = errors.New("delivery confirmation code mismatch")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
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

	r := &PostgresRepository{pool: pool}

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи нужны для Serialization Failure и Deadlock, сетевыми
		// переподключениями занимается сам pgxpool.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func statusIn(status model.OrderStatus, set []model.OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// isInvalidID сообщает, что параметр не разобрался как uuid (22P02).
// Строка с таким идентификатором заведомо не существует.
func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidTextRepresentation
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateProfile создаёт новый профиль пользователя.
func (r *PostgresRepository) CreateProfile(ctx context.Context, p *model.Profile) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO profiles (id, email, password_hash, full_name, phone_number, role)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		id, p.Email, p.PasswordHash, p.FullName, p.PhoneNumber, string(p.Role),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return "", fmt.Errorf("%w: %s", ErrUserExists, p.Email)
		}
		return "", fmt.Errorf("create profile: %w", err)
	}
	return id, nil
}

// GetProfileByEmail возвращает профиль по email.
func (r *PostgresRepository) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, full_name, COALESCE(phone_number, ''), role, is_active, created_at
		 FROM profiles WHERE email = $1`,
		email,
	)

	var p model.Profile
	var role string
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.FullName, &p.PhoneNumber, &role, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.Role = model.Role(role)

	return &p, nil
}

// CreateBusiness создаёт бизнес продавца со статусом модерации Pending.
func (r *PostgresRepository) CreateBusiness(ctx context.Context, b *model.Business) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO businesses (id, user_id, business_name, business_description, address_text, contact_person_name, approval_status)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)`,
		id, b.UserID, b.BusinessName, b.Description, b.AddressText, b.ContactPersonName, string(model.ApprovalPending),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return "", ErrBusinessExists
		}
		return "", fmt.Errorf("create business: %w", err)
	}
	return id, nil
}

func scanBusiness(row pgx.Row) (*model.Business, error) {
	var b model.Business
	var status string
	err := row.Scan(&b.ID, &b.UserID, &b.BusinessName, &b.Description, &b.AddressText,
		&b.ContactPersonName, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.ApprovalStatus = model.ApprovalStatus(status)
	return &b, nil
}

const businessColumns = `id, user_id, business_name, COALESCE(business_description, ''), address_text,
	 COALESCE(contact_person_name, ''), approval_status, created_at, updated_at`

// GetBusinessByOwner возвращает бизнес по идентификатору владельца.
func (r *PostgresRepository) GetBusinessByOwner(ctx context.Context, userID string) (*model.Business, error) {
	b, err := scanBusiness(r.pool.QueryRow(ctx,
		`SELECT `+businessColumns+` FROM businesses WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBusinessNotFound
		}
		return nil, fmt.Errorf("get business: %w", err)
	}
	return b, nil
}

// ListBusinesses возвращает бизнесы; при onlyApproved отдаёт только одобренные.
func (r *PostgresRepository) ListBusinesses(ctx context.Context, onlyApproved bool) ([]model.Business, error) {
	query := `SELECT ` + businessColumns + ` FROM businesses ORDER BY created_at DESC`
	args := []any{}
	if onlyApproved {
		query = `SELECT ` + businessColumns + ` FROM businesses WHERE approval_status = $1 ORDER BY created_at DESC`
		args = append(args, string(model.ApprovalApproved))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select businesses: %w", err)
	}
	defer rows.Close()

	var res []model.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateBusinessApproval изменяет статус модерации бизнеса.
func (r *PostgresRepository) UpdateBusinessApproval(ctx context.Context, businessID string, status model.ApprovalStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE businesses SET approval_status = $2, updated_at = now() WHERE id = $1`,
		businessID, string(status),
	)
	if err != nil {
		if isInvalidID(err) {
			return ErrBusinessNotFound
		}
		return fmt.Errorf("update approval: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrBusinessNotFound
	}
	return nil
}

// ListCategories возвращает все категории каталога.
func (r *PostgresRepository) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, COALESCE(description, '') FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("select categories: %w", err)
	}
	defer rows.Close()

	var res []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const productColumns = `id, business_id, name, COALESCE(description, ''), price_cents,
	 COALESCE(category_id::text, ''), COALESCE(image_url, ''), is_available, created_at, updated_at`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.BusinessID, &p.Name, &p.Description, &p.PriceCents,
		&p.CategoryID, &p.ImageURL, &p.IsAvailable, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProduct создаёт товар в каталоге бизнеса.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, business_id, name, description, price_cents, category_id, image_url, is_available)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, '')::uuid, NULLIF($7, ''), $8)`,
		id, p.BusinessID, p.Name, p.Description, p.PriceCents, p.CategoryID, p.ImageURL, p.IsAvailable,
	)
	if err != nil {
		return "", fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// UpdateProduct обновляет товар; запись другого бизнеса не затрагивается.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p *model.Product) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE products
		 SET name = $3, description = NULLIF($4, ''), price_cents = $5,
		     category_id = NULLIF($6, '')::uuid, image_url = NULLIF($7, ''),
		     is_available = $8, updated_at = now()
		 WHERE id = $1 AND business_id = $2`,
		p.ID, p.BusinessID, p.Name, p.Description, p.PriceCents, p.CategoryID, p.ImageURL, p.IsAvailable,
	)
	if err != nil {
		if isInvalidID(err) {
			return ErrProductNotFound
		}
		return fmt.Errorf("update product: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// ListProductsByBusiness возвращает товары бизнеса; при onlyAvailable — только доступные.
func (r *PostgresRepository) ListProductsByBusiness(ctx context.Context, businessID string, onlyAvailable bool) ([]model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE business_id = $1 ORDER BY name`
	if onlyAvailable {
		query = `SELECT ` + productColumns + ` FROM products WHERE business_id = $1 AND is_available ORDER BY name`
	}

	rows, err := r.pool.Query(ctx, query, businessID)
	if err != nil {
		if isInvalidID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		if isInvalidID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetProductsByIDs возвращает товары по списку идентификаторов.
// Используется при оформлении заказа для фиксации актуальной цены.
func (r *PostgresRepository) GetProductsByIDs(ctx context.Context, ids []string) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		if isInvalidID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select products by ids: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		// Мусорный идентификатор в списке эквивалентен отсутствующему товару.
		if isInvalidID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const orderColumns = `id, customer_id, business_id, COALESCE(driver_id::text, ''), order_status,
	 delivery_address_text, total_cents, payment_method, delivery_confirmation_code,
	 COALESCE(special_instructions, ''), created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status, method string
	err := row.Scan(&o.ID, &o.CustomerID, &o.BusinessID, &o.DriverID, &status,
		&o.DeliveryAddressText, &o.TotalCents, &method, &o.DeliveryConfirmationCode,
		&o.SpecialInstructions, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(method)
	return &o, nil
}

// CreateOrder сохраняет заказ вместе с позициями в одной транзакции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o.ID = uuid.NewString()
	o.Status = model.OrderStatusPending

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (id, customer_id, business_id, order_status, delivery_address_text,
		                     total_cents, payment_method, delivery_confirmation_code, special_instructions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		 RETURNING created_at, updated_at`,
		o.ID, o.CustomerID, o.BusinessID, string(o.Status), o.DeliveryAddressText,
		o.TotalCents, string(o.PaymentMethod), o.DeliveryConfirmationCode, o.SpecialInstructions,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for i := range o.Items {
		o.Items[i].ID = uuid.NewString()
		o.Items[i].OrderID = o.ID
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (id, order_id, product_id, quantity, price_at_purchase_cents)
			 VALUES ($1, $2, $3, $4, $5)`,
			o.Items[i].ID, o.ID, o.Items[i].ProductID, o.Items[i].Quantity, o.Items[i].PriceAtPurchaseCents,
		)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return o, nil
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *PostgresRepository) attachItems(ctx context.Context, orders []model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, 0, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids = append(ids, o.ID)
		index[o.ID] = i
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, product_id, quantity, price_at_purchase_cents
		 FROM order_items WHERE order_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.PriceAtPurchaseCents); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if i, ok := index[item.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// GetOrderByID возвращает заказ с позициями.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	orders := []model.Order{*o}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}

	return &orders[0], nil
}

// GetOrdersByCustomer возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`,
		customerID)
}

// GetOrdersByBusiness возвращает заказы бизнеса, новые первыми.
func (r *PostgresRepository) GetOrdersByBusiness(ctx context.Context, businessID string) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE business_id = $1 ORDER BY created_at DESC`,
		businessID)
}

// ListUnclaimedOrders возвращает заказы без назначенного водителя,
// готовящиеся или готовые к выдаче.
func (r *PostgresRepository) ListUnclaimedOrders(ctx context.Context) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE driver_id IS NULL AND order_status IN ($1, $2, $3)
		 ORDER BY created_at`,
		string(model.OrderStatusConfirmed),
		string(model.OrderStatusPreparing),
		string(model.OrderStatusReadyForPickup))
}

// GetActiveOrdersByDriver возвращает текущие доставки водителя.
func (r *PostgresRepository) GetActiveOrdersByDriver(ctx context.Context, driverID string) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE driver_id = $1 AND order_status IN ($2, $3)
		 ORDER BY created_at`,
		driverID,
		string(model.OrderStatusReadyForPickup),
		string(model.OrderStatusOutForDelivery))
}

// UpdateOrderStatusByBusiness переводит заказ бизнеса в новый статус.
// Текущий статус проверяется под блокировкой строки, чтобы переход не
// перепрыгивал шаги при одновременных запросах.
func (r *PostgresRepository) UpdateOrderStatusByBusiness(ctx context.Context, orderID, businessID string, from []model.OrderStatus, to model.OrderStatus) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownerID, current string
	err = tx.QueryRow(ctx,
		`SELECT business_id, order_status FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&ownerID, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	if ownerID != businessID {
		return ErrOrderNotOwned
	}

	if !statusIn(model.OrderStatus(current), from) {
		return ErrInvalidTransition
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET order_status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(to),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CancelOrderByCustomer отменяет заказ покупателя, пока он находится в статусе Pending.
func (r *PostgresRepository) CancelOrderByCustomer(ctx context.Context, orderID, customerID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownerID, current string
	err = tx.QueryRow(ctx,
		`SELECT customer_id, order_status FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&ownerID, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	if ownerID != customerID {
		return ErrOrderNotOwned
	}

	if model.OrderStatus(current) != model.OrderStatusPending {
		return ErrInvalidTransition
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET order_status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(model.OrderStatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ClaimOrder атомарно назначает водителя на незанятый заказ.
// Это единственная конкурентная запись в системе: решает одно условное
// UPDATE-выражение, а не чтение с последующей записью. Если строка не
// изменилась, заказ успел забрать другой водитель.
func (r *PostgresRepository) ClaimOrder(ctx context.Context, orderID, driverID string) (*model.Order, error) {
	var claimed *model.Order

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE orders
			 SET driver_id = $2, order_status = $3, updated_at = now()
			 WHERE id = $1 AND driver_id IS NULL AND order_status IN ($4, $5, $6)
			 RETURNING `+orderColumns,
			orderID, driverID, string(model.OrderStatusReadyForPickup),
			string(model.OrderStatusConfirmed),
			string(model.OrderStatusPreparing),
			string(model.OrderStatusReadyForPickup),
		)

		o, err := scanOrder(row)
		if err != nil {
			return err
		}
		claimed = o
		return nil
	})
	if err == nil {
		return claimed, nil
	}

	if isInvalidID(err) {
		return nil, ErrOrderNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim order: %w", err)
	}

	// Строка не изменилась: заказа нет, его держит другой водитель
	// или он не в статусе, допускающем взятие.
	var holder string
	checkErr := r.pool.QueryRow(ctx,
		`SELECT COALESCE(driver_id::text, '') FROM orders WHERE id = $1`, orderID,
	).Scan(&holder)
	if checkErr != nil {
		if errors.Is(checkErr, pgx.ErrNoRows) || isInvalidID(checkErr) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("inspect order: %w", checkErr)
	}
	if holder == "" {
		return nil, ErrInvalidTransition
	}

	return nil, ErrOrderAlreadyClaimed
}

// StartDelivery переводит заказ назначенного водителя из Ready_for_Pickup в Out_for_Delivery.
func (r *PostgresRepository) StartDelivery(ctx context.Context, orderID, driverID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET order_status = $3, updated_at = now()
		 WHERE id = $1 AND driver_id = $2 AND order_status = $4`,
		orderID, driverID,
		string(model.OrderStatusOutForDelivery),
		string(model.OrderStatusReadyForPickup),
	)
	if err != nil {
		if isInvalidID(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("start delivery: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	// Диагностика отказа: заказ отсутствует, чужой или в другом статусе.
	var ownerID, current string
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(driver_id::text, ''), order_status FROM orders WHERE id = $1`,
		orderID,
	).Scan(&ownerID, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("inspect order: %w", err)
	}

	if ownerID != driverID {
		return ErrOrderNotOwned
	}
	return ErrInvalidTransition
}

// CompleteDelivery завершает доставку при точном совпадении кода подтверждения.
// В той же транзакции добавляет записи книги SaleRevenue и DeliveryFee.
// При несовпадении кода состояние заказа не меняется.
func (r *PostgresRepository) CompleteDelivery(ctx context.Context, orderID, driverID, code string, deliveryFeeCents int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ownerID    string
		current    string
		storedCode string
		businessID string
		totalCents int64
	)
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(driver_id::text, ''), order_status, delivery_confirmation_code, business_id, total_cents
		 FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&ownerID, &current, &storedCode, &businessID, &totalCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	if ownerID != driverID {
		return ErrOrderNotOwned
	}

	if model.OrderStatus(current) != model.OrderStatusOutForDelivery {
		return ErrInvalidTransition
	}

	if code != storedCode {
		return ErrCodeMismatch
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET order_status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(model.OrderStatusDelivered),
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	subtotal := totalCents - deliveryFeeCents

	_, err = tx.Exec(ctx,
		`INSERT INTO accounting_ledger (id, order_id, business_id, transaction_type, amount_cents, payout_status)
		 VALUES ($1, $2, $3, $4, $5, $6), ($7, $2, $3, $8, $9, $6)`,
		uuid.NewString(), orderID, businessID, string(model.TransactionSaleRevenue), subtotal, string(model.PayoutOwed),
		uuid.NewString(), string(model.TransactionDeliveryFee), deliveryFeeCents,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// InsertLedgerEntry добавляет запись в бухгалтерскую книгу.
// Книга append-only: записи никогда не изменяются и не удаляются.
func (r *PostgresRepository) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounting_ledger (id, order_id, business_id, transaction_type, amount_cents, payout_status)
		 VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, $4, $5, $6)`,
		id, e.OrderID, e.BusinessID, string(e.TransactionType), e.AmountCents, string(e.PayoutStatus),
	)
	if err != nil {
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) queryLedger(ctx context.Context, query string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		if isInvalidID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var txType, payout string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.BusinessID, &txType, &e.AmountCents, &payout, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.TransactionType = model.TransactionType(txType)
		e.PayoutStatus = model.PayoutStatus(payout)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		if isInvalidID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const ledgerColumns = `id, COALESCE(order_id::text, ''), COALESCE(business_id::text, ''),
	 transaction_type, amount_cents, payout_status, created_at`

// GetLedgerByBusiness возвращает записи книги по бизнесу, новые первыми.
func (r *PostgresRepository) GetLedgerByBusiness(ctx context.Context, businessID string) ([]model.LedgerEntry, error) {
	return r.queryLedger(ctx,
		`SELECT `+ledgerColumns+` FROM accounting_ledger WHERE business_id = $1 ORDER BY created_at DESC`,
		businessID)
}

// GetAllLedgerEntries возвращает все записи книги, новые первыми.
func (r *PostgresRepository) GetAllLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	return r.queryLedger(ctx,
		`SELECT `+ledgerColumns+` FROM accounting_ledger ORDER BY created_at DESC`)
}
