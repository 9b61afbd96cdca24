// Package service реализует бизнес-логику маркетплейса доставки.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/tuktuk-delivery/marketplace-system/internal/events"
	"github.com/tuktuk-delivery/marketplace-system/internal/model"
	"github.com/tuktuk-delivery/marketplace-system/internal/repository"
	"github.com/tuktuk-delivery/marketplace-system/internal/validation"
)

// DeliveryFeeCents — фиксированная плата за доставку, добавляемая к каждому заказу.
const DeliveryFeeCents int64 = 2500

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmptyCart возвращается при оформлении заказа без позиций.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrProductUnavailable возвращается, если товар из корзины не найден или недоступен.
	ErrProductUnavailable = errors.New("product not found or unavailable")
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateProfile(ctx context.Context, p *model.Profile) (string, error)
	GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error)

	CreateBusiness(ctx context.Context, b *model.Business) (string, error)
	GetBusinessByOwner(ctx context.Context, userID string) (*model.Business, error)
	ListBusinesses(ctx context.Context, onlyApproved bool) ([]model.Business, error)
	UpdateBusinessApproval(ctx context.Context, businessID string, status model.ApprovalStatus) error

	ListCategories(ctx context.Context) ([]model.Category, error)
	CreateProduct(ctx context.Context, p *model.Product) (string, error)
	UpdateProduct(ctx context.Context, p *model.Product) error
	ListProductsByBusiness(ctx context.Context, businessID string, onlyAvailable bool) ([]model.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) ([]model.Product, error)

	CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error)
	GetOrderByID(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error)
	GetOrdersByBusiness(ctx context.Context, businessID string) ([]model.Order, error)
	ListUnclaimedOrders(ctx context.Context) ([]model.Order, error)
	GetActiveOrdersByDriver(ctx context.Context, driverID string) ([]model.Order, error)
	UpdateOrderStatusByBusiness(ctx context.Context, orderID, businessID string, from []model.OrderStatus, to model.OrderStatus) error
	CancelOrderByCustomer(ctx context.Context, orderID, customerID string) error
	ClaimOrder(ctx context.Context, orderID, driverID string) (*model.Order, error)
	StartDelivery(ctx context.Context, orderID, driverID string) error
	CompleteDelivery(ctx context.Context, orderID, driverID, code string, deliveryFeeCents int64) error

	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (string, error)
	GetLedgerByBusiness(ctx context.Context, businessID string) ([]model.LedgerEntry, error)
	GetAllLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error)
}

// Service содержит бизнес-логику маркетплейса.
type Service struct {
	repo      Repository
	publisher *events.Publisher
	logger    *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и издателем событий.
// Издатель может быть nil, тогда события не публикуются.
func NewService(repo Repository, publisher *events.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Публикация событий не должна ломать мутацию: ошибка только логируется.
func (s *Service) publish(ctx context.Context, event string, o *model.Order) {
	if s.publisher == nil || o == nil {
		return
	}
	if err := s.publisher.PublishOrderEvent(ctx, event, o); err != nil {
		s.logger.Warn("publish order event failed",
			zap.String("event", event), zap.String("orderID", o.ID), zap.Error(err))
	}
}

// RegisterUser регистрирует новый профиль с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, email, password, fullName, phone string, role model.Role) (*model.Profile, error) {
	if !validation.IsValidEmail(email) || password == "" || fullName == "" {
		return nil, ErrValidation
	}
	if !role.Registrable() {
		return nil, ErrValidation
	}

	p := &model.Profile{
		Email:        email,
		PasswordHash: hashPassword(email, password),
		FullName:     fullName,
		PhoneNumber:  phone,
		Role:         role,
		IsActive:     true,
	}

	id, err := s.repo.CreateProfile(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id

	return p, nil
}

// AuthenticateUser проверяет email и пароль и возвращает профиль.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.Profile, error) {
	p, err := s.repo.GetProfileByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(email, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(p.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if !p.IsActive {
		return nil, ErrInvalidCredentials
	}

	return p, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// ListApprovedBusinesses возвращает бизнесы, видимые покупателям.
func (s *Service) ListApprovedBusinesses(ctx context.Context) ([]model.Business, error) {
	return s.repo.ListBusinesses(ctx, true)
}

// ListAllBusinesses возвращает все бизнесы независимо от статуса модерации.
func (s *Service) ListAllBusinesses(ctx context.Context) ([]model.Business, error) {
	return s.repo.ListBusinesses(ctx, false)
}

// ListCategories возвращает категории каталога.
func (s *Service) ListCategories(ctx context.Context) ([]model.Category, error) {
	return s.repo.ListCategories(ctx)
}

// ListBusinessProducts возвращает доступные товары бизнеса.
func (s *Service) ListBusinessProducts(ctx context.Context, businessID string) ([]model.Product, error) {
	return s.repo.ListProductsByBusiness(ctx, businessID, true)
}

// CreateBusiness создаёт бизнес продавца. Новый бизнес попадает на модерацию.
func (s *Service) CreateBusiness(ctx context.Context, userID string, b *model.Business) (*model.Business, error) {
	if b.BusinessName == "" || b.AddressText == "" {
		return nil, ErrValidation
	}

	b.UserID = userID
	b.ApprovalStatus = model.ApprovalPending

	id, err := s.repo.CreateBusiness(ctx, b)
	if err != nil {
		return nil, err
	}
	b.ID = id

	return b, nil
}

// GetOwnBusiness возвращает бизнес текущего продавца.
func (s *Service) GetOwnBusiness(ctx context.Context, userID string) (*model.Business, error) {
	return s.repo.GetBusinessByOwner(ctx, userID)
}

// CreateProduct создаёт товар в каталоге бизнеса текущего продавца.
func (s *Service) CreateProduct(ctx context.Context, userID string, p *model.Product) (*model.Product, error) {
	if p.Name == "" || p.PriceCents <= 0 {
		return nil, ErrValidation
	}

	b, err := s.repo.GetBusinessByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.BusinessID = b.ID

	id, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id

	return p, nil
}

// UpdateProduct обновляет товар каталога текущего продавца.
// Цена в каталоге меняется свободно: на уже созданных заказах зафиксирован снимок цены.
func (s *Service) UpdateProduct(ctx context.Context, userID string, p *model.Product) error {
	if p.Name == "" || p.PriceCents <= 0 {
		return ErrValidation
	}

	b, err := s.repo.GetBusinessByOwner(ctx, userID)
	if err != nil {
		return err
	}
	p.BusinessID = b.ID

	return s.repo.UpdateProduct(ctx, p)
}

// ListOwnProducts возвращает все товары бизнеса текущего продавца.
func (s *Service) ListOwnProducts(ctx context.Context, userID string) ([]model.Product, error) {
	b, err := s.repo.GetBusinessByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProductsByBusiness(ctx, b.ID, false)
}

// GetBusinessOrders возвращает заказы бизнеса текущего продавца.
func (s *Service) GetBusinessOrders(ctx context.Context, userID string) ([]model.Order, error) {
	b, err := s.repo.GetBusinessByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetOrdersByBusiness(ctx, b.ID)
}

// vendorTransitions задаёт допустимые переходы статусов со стороны бизнеса.
// Ключ — целевой статус, значение — статусы, из которых он достижим.
var vendorTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusConfirmed:      {model.OrderStatusPending},
	model.OrderStatusPreparing:      {model.OrderStatusConfirmed},
	model.OrderStatusReadyForPickup: {model.OrderStatusPreparing},
	model.OrderStatusCancelled: {
		model.OrderStatusPending,
		model.OrderStatusConfirmed,
		model.OrderStatusPreparing,
		model.OrderStatusReadyForPickup,
	},
}

// UpdateOrderStatus переводит заказ бизнеса текущего продавца в новый статус
// согласно таблице переходов.
func (s *Service) UpdateOrderStatus(ctx context.Context, userID, orderID string, to model.OrderStatus) error {
	from, ok := vendorTransitions[to]
	if !ok {
		return repository.ErrInvalidTransition
	}

	b, err := s.repo.GetBusinessByOwner(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateOrderStatusByBusiness(ctx, orderID, b.ID, from, to); err != nil {
		return err
	}

	if o, err := s.repo.GetOrderByID(ctx, orderID); err == nil {
		s.publish(ctx, events.EventOrderStatusChanged, o)
	}

	return nil
}

// CheckoutItem описывает позицию корзины.
type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

// CheckoutRequest описывает запрос на оформление заказа.
type CheckoutRequest struct {
	DeliveryAddress     string              `json:"delivery_address"`
	PaymentMethod       model.PaymentMethod `json:"payment_method"`
	SpecialInstructions string              `json:"special_instructions"`
	Items               []CheckoutItem      `json:"items"`
}

// CheckoutFailure описывает неудачу создания заказа для одного бизнеса.
type CheckoutFailure struct {
	BusinessID string `json:"business_id"`
	Message    string `json:"message"`
}

// CheckoutResult содержит исходы оформления по каждому бизнесу корзины.
// Частичный провал — штатный результат, а не ошибка оформления в целом.
type CheckoutResult struct {
	Orders   []model.Order     `json:"orders"`
	Failures []CheckoutFailure `json:"failures"`
}

// Checkout оформляет корзину: по одному заказу на каждый бизнес, независимо
// друг от друга. Цена позиции фиксируется из каталога в момент оформления,
// итог заказа = сумма позиций + фиксированная плата за доставку.
func (s *Service) Checkout(ctx context.Context, customerID string, req CheckoutRequest) (*CheckoutResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyCart
	}
	if req.DeliveryAddress == "" || !req.PaymentMethod.Valid() {
		return nil, ErrValidation
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, ErrValidation
		}
		ids = append(ids, item.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]model.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	// Группируем позиции по бизнесу, цена берётся из каталога, не от клиента.
	itemsByBusiness := make(map[string][]model.OrderItem)
	for _, item := range req.Items {
		p, ok := byID[item.ProductID]
		if !ok || !p.IsAvailable {
			return nil, fmt.Errorf("%w: %s", ErrProductUnavailable, item.ProductID)
		}
		itemsByBusiness[p.BusinessID] = append(itemsByBusiness[p.BusinessID], model.OrderItem{
			ProductID:            p.ID,
			Quantity:             item.Quantity,
			PriceAtPurchaseCents: p.PriceCents,
		})
	}

	businessIDs := make([]string, 0, len(itemsByBusiness))
	for id := range itemsByBusiness {
		businessIDs = append(businessIDs, id)
	}
	sort.Strings(businessIDs)

	result := &CheckoutResult{}
	for _, businessID := range businessIDs {
		items := itemsByBusiness[businessID]

		var subtotal int64
		for _, item := range items {
			subtotal += item.PriceAtPurchaseCents * int64(item.Quantity)
		}

		order := &model.Order{
			CustomerID:               customerID,
			BusinessID:               businessID,
			DeliveryAddressText:      req.DeliveryAddress,
			TotalCents:               subtotal + DeliveryFeeCents,
			PaymentMethod:            req.PaymentMethod,
			DeliveryConfirmationCode: generateConfirmationCode(),
			SpecialInstructions:      req.SpecialInstructions,
			Items:                    items,
		}

		created, err := s.repo.CreateOrder(ctx, order)
		if err != nil {
			s.logger.Error("create order failed",
				zap.String("businessID", businessID), zap.Error(err))
			result.Failures = append(result.Failures, CheckoutFailure{
				BusinessID: businessID,
				Message:    "failed to create order",
			})
			continue
		}

		result.Orders = append(result.Orders, *created)
		s.publish(ctx, events.EventOrderCreated, created)
	}

	return result, nil
}

// Код не криптографический и не проверяется на коллизии: он сверяется
// только с одним конкретным заказом при завершении доставки.
func generateConfirmationCode() string {
	return fmt.Sprintf("%04d", rand.Intn(10000))
}

// GetCustomerOrders возвращает заказы текущего покупателя.
func (s *Service) GetCustomerOrders(ctx context.Context, customerID string) ([]model.Order, error) {
	return s.repo.GetOrdersByCustomer(ctx, customerID)
}

// CancelOrder отменяет заказ покупателя, пока бизнес его не подтвердил.
func (s *Service) CancelOrder(ctx context.Context, customerID, orderID string) error {
	if err := s.repo.CancelOrderByCustomer(ctx, orderID, customerID); err != nil {
		return err
	}

	if o, err := s.repo.GetOrderByID(ctx, orderID); err == nil {
		s.publish(ctx, events.EventOrderStatusChanged, o)
	}

	return nil
}

// ListAvailableOrders возвращает заказы, доступные водителям для взятия.
func (s *Service) ListAvailableOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.ListUnclaimedOrders(ctx)
}

// GetDriverOrders возвращает активные доставки текущего водителя.
func (s *Service) GetDriverOrders(ctx context.Context, driverID string) ([]model.Order, error) {
	return s.repo.GetActiveOrdersByDriver(ctx, driverID)
}

// ClaimOrder атомарно назначает текущего водителя на заказ.
// Проигрыш гонки — штатный исход: вызывающая сторона показывает
// информационное сообщение и обновляет список доступных заказов.
func (s *Service) ClaimOrder(ctx context.Context, driverID, orderID string) (*model.Order, error) {
	o, err := s.repo.ClaimOrder(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventOrderClaimed, o)

	return o, nil
}

// StartDelivery переводит заказ текущего водителя в статус Out_for_Delivery.
func (s *Service) StartDelivery(ctx context.Context, driverID, orderID string) error {
	if err := s.repo.StartDelivery(ctx, orderID, driverID); err != nil {
		return err
	}

	if o, err := s.repo.GetOrderByID(ctx, orderID); err == nil {
		s.publish(ctx, events.EventOrderStatusChanged, o)
	}

	return nil
}

// CompleteDelivery завершает доставку по коду подтверждения.
// Несовпадение кода не меняет состояние заказа и допускает повторную попытку.
func (s *Service) CompleteDelivery(ctx context.Context, driverID, orderID, code string) error {
	if !validation.IsValidConfirmationCode(code) {
		return repository.ErrCodeMismatch
	}

	if err := s.repo.CompleteDelivery(ctx, orderID, driverID, code, DeliveryFeeCents); err != nil {
		return err
	}

	if o, err := s.repo.GetOrderByID(ctx, orderID); err == nil {
		s.publish(ctx, events.EventOrderDelivered, o)
	}

	return nil
}

// SetBusinessApproval изменяет статус модерации бизнеса.
func (s *Service) SetBusinessApproval(ctx context.Context, businessID string, status model.ApprovalStatus) error {
	if status != model.ApprovalApproved && status != model.ApprovalRejected {
		return ErrValidation
	}
	return s.repo.UpdateBusinessApproval(ctx, businessID, status)
}

// GetLedger возвращает записи бухгалтерской книги, при пустом businessID — все.
func (s *Service) GetLedger(ctx context.Context, businessID string) ([]model.LedgerEntry, error) {
	if businessID == "" {
		return s.repo.GetAllLedgerEntries(ctx)
	}
	return s.repo.GetLedgerByBusiness(ctx, businessID)
}

// LogPayout добавляет запись о выплате продавцу.
// Сумма не сверяется с текущим балансом: это зафиксированное поведение
// исходной системы, решение об ужесточении за владельцем продукта.
func (s *Service) LogPayout(ctx context.Context, businessID string, amount float64) (*model.LedgerEntry, error) {
	if businessID == "" || amount <= 0 {
		return nil, ErrValidation
	}

	e := &model.LedgerEntry{
		BusinessID:      businessID,
		TransactionType: model.TransactionVendorPayout,
		AmountCents:     int64(amount * 100),
		PayoutStatus:    model.PayoutPaid,
	}

	id, err := s.repo.InsertLedgerEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	e.ID = id

	return e, nil
}

// ComputeVendorBalance сворачивает записи книги одного бизнеса в баланс.
// Бизнес без записей получает нулевой баланс, отрицательный остаток не обрезается.
func ComputeVendorBalance(businessID string, entries []model.LedgerEntry) model.VendorBalance {
	var revenueCents, paidCents int64
	for _, e := range entries {
		if e.BusinessID != businessID {
			continue
		}
		switch e.TransactionType {
		case model.TransactionSaleRevenue:
			revenueCents += e.AmountCents
		case model.TransactionVendorPayout:
			paidCents += e.AmountCents
		}
	}

	return model.VendorBalance{
		BusinessID:  businessID,
		Revenue:     float64(revenueCents) / 100,
		PaidOut:     float64(paidCents) / 100,
		Outstanding: float64(revenueCents-paidCents) / 100,
	}
}

// GetVendorBalances возвращает балансы всех бизнесов, упомянутых в книге.
func (s *Service) GetVendorBalances(ctx context.Context) ([]model.VendorBalance, error) {
	entries, err := s.repo.GetAllLedgerEntries(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, e := range entries {
		if e.BusinessID == "" || seen[e.BusinessID] {
			continue
		}
		seen[e.BusinessID] = true
		ids = append(ids, e.BusinessID)
	}
	sort.Strings(ids)

	balances := make([]model.VendorBalance, 0, len(ids))
	for _, id := range ids {
		balances = append(balances, ComputeVendorBalance(id, entries))
	}

	return balances, nil
}
