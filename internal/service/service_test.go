package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tuktuk-delivery/marketplace-system/internal/model"
	"github.com/tuktuk-delivery/marketplace-system/internal/repository"
	"github.com/tuktuk-delivery/marketplace-system/internal/validation"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user@example.com", "pass")
	b := hashPassword("user@example.com", "pass")
	c := hashPassword("user@example.com", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestGenerateConfirmationCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := generateConfirmationCode()
		if !validation.IsValidConfirmationCode(code) {
			t.Fatalf("generated code %q is not a 4-digit code", code)
		}
	}
}

type stubRepo struct {
	profiles map[string]*model.Profile

	products []model.Product

	createdOrders  []model.Order
	failBusinesses map[string]bool

	business    *model.Business
	businessErr error

	ledger      []model.LedgerEntry
	insertedIDs int

	statusUpdates []model.OrderStatus
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateProfile(ctx context.Context, p *model.Profile) (string, error) {
	return "profile-1", nil
}

func (s *stubRepo) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	if p, ok := s.profiles[email]; ok {
		return p, nil
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) CreateBusiness(ctx context.Context, b *model.Business) (string, error) {
	return "business-1", nil
}

func (s *stubRepo) GetBusinessByOwner(ctx context.Context, userID string) (*model.Business, error) {
	if s.business != nil {
		return s.business, nil
	}
	if s.businessErr != nil {
		return nil, s.businessErr
	}
	return nil, repository.ErrBusinessNotFound
}

func (s *stubRepo) ListBusinesses(ctx context.Context, onlyApproved bool) ([]model.Business, error) {
	return nil, nil
}

func (s *stubRepo) UpdateBusinessApproval(ctx context.Context, businessID string, status model.ApprovalStatus) error {
	return nil
}

func (s *stubRepo) ListCategories(ctx context.Context) ([]model.Category, error) { return nil, nil }

func (s *stubRepo) CreateProduct(ctx context.Context, p *model.Product) (string, error) {
	return "product-1", nil
}

func (s *stubRepo) UpdateProduct(ctx context.Context, p *model.Product) error { return nil }

func (s *stubRepo) ListProductsByBusiness(ctx context.Context, businessID string, onlyAvailable bool) ([]model.Product, error) {
	return s.products, nil
}

func (s *stubRepo) GetProductsByIDs(ctx context.Context, ids []string) ([]model.Product, error) {
	var res []model.Product
	for _, id := range ids {
		for _, p := range s.products {
			if p.ID == id {
				res = append(res, p)
			}
		}
	}
	return res, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	if s.failBusinesses[o.BusinessID] {
		return nil, errors.New("insert failed")
	}
	o.ID = "order-1"
	o.Status = model.OrderStatusPending
	s.createdOrders = append(s.createdOrders, *o)
	return o, nil
}

func (s *stubRepo) GetOrderByID(ctx context.Context, id string) (*model.Order, error) {
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) GetOrdersByCustomer(ctx context.Context, customerID string) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) GetOrdersByBusiness(ctx context.Context, businessID string) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) ListUnclaimedOrders(ctx context.Context) ([]model.Order, error) { return nil, nil }

func (s *stubRepo) GetActiveOrdersByDriver(ctx context.Context, driverID string) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) UpdateOrderStatusByBusiness(ctx context.Context, orderID, businessID string, from []model.OrderStatus, to model.OrderStatus) error {
	s.statusUpdates = append(s.statusUpdates, to)
	return nil
}

func (s *stubRepo) CancelOrderByCustomer(ctx context.Context, orderID, customerID string) error {
	return nil
}

func (s *stubRepo) ClaimOrder(ctx context.Context, orderID, driverID string) (*model.Order, error) {
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) StartDelivery(ctx context.Context, orderID, driverID string) error { return nil }

func (s *stubRepo) CompleteDelivery(ctx context.Context, orderID, driverID, code string, deliveryFeeCents int64) error {
	return nil
}

func (s *stubRepo) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (string, error) {
	s.insertedIDs++
	s.ledger = append(s.ledger, *e)
	return "entry-1", nil
}

func (s *stubRepo) GetLedgerByBusiness(ctx context.Context, businessID string) ([]model.LedgerEntry, error) {
	return s.ledger, nil
}

func (s *stubRepo) GetAllLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	return s.ledger, nil
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user@example.com", "correct")
	repo := &stubRepo{
		profiles: map[string]*model.Profile{
			"user@example.com": {
				ID:           "profile-1",
				Email:        "user@example.com",
				PasswordHash: hashed,
				Role:         model.RoleCustomer,
				IsActive:     true,
			},
		},
	}

	svc := NewService(repo, nil, nil)

	_, err := svc.AuthenticateUser(context.Background(), "user@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	p, err := svc.AuthenticateUser(context.Background(), "user@example.com", "correct")
	if err != nil {
		t.Fatalf("AuthenticateUser error: %v", err)
	}
	if p.ID != "profile-1" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestAuthenticateUser_InactiveProfile(t *testing.T) {
	repo := &stubRepo{
		profiles: map[string]*model.Profile{
			"user@example.com": {
				ID:           "profile-1",
				Email:        "user@example.com",
				PasswordHash: hashPassword("user@example.com", "pass"),
				Role:         model.RoleCustomer,
				IsActive:     false,
			},
		},
	}

	svc := NewService(repo, nil, nil)

	_, err := svc.AuthenticateUser(context.Background(), "user@example.com", "pass")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for inactive profile, got %v", err)
	}
}

func TestRegisterUser_Validation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	tests := []struct {
		name     string
		email    string
		password string
		fullName string
		role     model.Role
	}{
		{"bad email", "not-an-email", "pass", "Name", model.RoleCustomer},
		{"empty password", "user@example.com", "", "Name", model.RoleCustomer},
		{"empty name", "user@example.com", "pass", "", model.RoleCustomer},
		{"unknown role", "user@example.com", "pass", "Name", model.Role("Superuser")},
		{"admin role", "user@example.com", "pass", "Name", model.RoleAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterUser(context.Background(), tt.email, tt.password, tt.fullName, "", tt.role)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCheckout_TotalComputation(t *testing.T) {
	repo := &stubRepo{
		products: []model.Product{
			{ID: "p1", BusinessID: "b1", PriceCents: 8500, IsAvailable: true},
			{ID: "p2", BusinessID: "b1", PriceCents: 4500, IsAvailable: true},
		},
	}
	svc := NewService(repo, nil, nil)

	result, err := svc.Checkout(context.Background(), "customer-1", CheckoutRequest{
		DeliveryAddress: "12 Main Road",
		PaymentMethod:   model.PaymentCOD,
		Items: []CheckoutItem{
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	if len(result.Orders) != 1 || len(result.Failures) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// 85.00*2 + 45.00 + 25.00 delivery fee = 240.00
	if got := result.Orders[0].TotalCents; got != 24000 {
		t.Fatalf("TotalCents = %d, want 24000", got)
	}

	if !validation.IsValidConfirmationCode(result.Orders[0].DeliveryConfirmationCode) {
		t.Fatalf("order has invalid confirmation code %q", result.Orders[0].DeliveryConfirmationCode)
	}
}

func TestCheckout_OneOrderPerBusiness(t *testing.T) {
	repo := &stubRepo{
		products: []model.Product{
			{ID: "p1", BusinessID: "b1", PriceCents: 1000, IsAvailable: true},
			{ID: "p2", BusinessID: "b2", PriceCents: 2000, IsAvailable: true},
		},
	}
	svc := NewService(repo, nil, nil)

	result, err := svc.Checkout(context.Background(), "customer-1", CheckoutRequest{
		DeliveryAddress: "12 Main Road",
		PaymentMethod:   model.PaymentCard,
		Items: []CheckoutItem{
			{ProductID: "p1", Quantity: 1},
			{ProductID: "p2", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	if len(result.Orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(result.Orders))
	}

	// Плата за доставку добавляется к каждому заказу отдельно.
	if result.Orders[0].TotalCents != 1000+DeliveryFeeCents {
		t.Fatalf("first order total = %d", result.Orders[0].TotalCents)
	}
	if result.Orders[1].TotalCents != 2000+DeliveryFeeCents {
		t.Fatalf("second order total = %d", result.Orders[1].TotalCents)
	}
}

func TestCheckout_PartialFailureReported(t *testing.T) {
	repo := &stubRepo{
		products: []model.Product{
			{ID: "p1", BusinessID: "b1", PriceCents: 1000, IsAvailable: true},
			{ID: "p2", BusinessID: "b2", PriceCents: 2000, IsAvailable: true},
		},
		failBusinesses: map[string]bool{"b2": true},
	}
	svc := NewService(repo, nil, nil)

	result, err := svc.Checkout(context.Background(), "customer-1", CheckoutRequest{
		DeliveryAddress: "12 Main Road",
		PaymentMethod:   model.PaymentCOD,
		Items: []CheckoutItem{
			{ProductID: "p1", Quantity: 1},
			{ProductID: "p2", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	if len(result.Orders) != 1 {
		t.Fatalf("expected 1 created order, got %d", len(result.Orders))
	}
	if len(result.Failures) != 1 || result.Failures[0].BusinessID != "b2" {
		t.Fatalf("expected failure for b2, got %+v", result.Failures)
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	_, err := svc.Checkout(context.Background(), "customer-1", CheckoutRequest{
		DeliveryAddress: "12 Main Road",
		PaymentMethod:   model.PaymentCOD,
	})
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestCheckout_UnavailableProduct(t *testing.T) {
	repo := &stubRepo{
		products: []model.Product{
			{ID: "p1", BusinessID: "b1", PriceCents: 1000, IsAvailable: false},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.Checkout(context.Background(), "customer-1", CheckoutRequest{
		DeliveryAddress: "12 Main Road",
		PaymentMethod:   model.PaymentCOD,
		Items:           []CheckoutItem{{ProductID: "p1", Quantity: 1}},
	})
	if !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable, got %v", err)
	}

	if len(repo.createdOrders) != 0 {
		t.Fatalf("no orders must be written before validation passes")
	}
}

func TestCheckout_PriceSnapshotImmutable(t *testing.T) {
	repo := &stubRepo{
		products: []model.Product{
			{ID: "p1", BusinessID: "b1", PriceCents: 1000, IsAvailable: true},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.Checkout(context.Background(), "customer-1", CheckoutRequest{
		DeliveryAddress: "12 Main Road",
		PaymentMethod:   model.PaymentCOD,
		Items:           []CheckoutItem{{ProductID: "p1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	// Цена в каталоге меняется после оформления.
	repo.products[0].PriceCents = 9999

	if got := repo.createdOrders[0].Items[0].PriceAtPurchaseCents; got != 1000 {
		t.Fatalf("price_at_purchase = %d, want snapshot 1000", got)
	}
}

func TestUpdateOrderStatus_TransitionTable(t *testing.T) {
	repo := &stubRepo{business: &model.Business{ID: "b1", UserID: "vendor-1"}}
	svc := NewService(repo, nil, nil)

	// Прямой перевод в Delivered бизнесу недоступен.
	err := svc.UpdateOrderStatus(context.Background(), "vendor-1", "order-1", model.OrderStatusDelivered)
	if !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for Delivered, got %v", err)
	}

	err = svc.UpdateOrderStatus(context.Background(), "vendor-1", "order-1", model.OrderStatus("Unknown"))
	if !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unknown status, got %v", err)
	}

	for _, to := range []model.OrderStatus{
		model.OrderStatusConfirmed,
		model.OrderStatusPreparing,
		model.OrderStatusReadyForPickup,
		model.OrderStatusCancelled,
	} {
		if err := svc.UpdateOrderStatus(context.Background(), "vendor-1", "order-1", to); err != nil {
			t.Fatalf("UpdateOrderStatus(%s) error: %v", to, err)
		}
	}

	if len(repo.statusUpdates) != 4 {
		t.Fatalf("expected 4 repo updates, got %d", len(repo.statusUpdates))
	}
}

func TestCompleteDelivery_RejectsMalformedCode(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	for _, code := range []string{"", "12", "12345", "12a4"} {
		err := svc.CompleteDelivery(context.Background(), "driver-1", "order-1", code)
		if !errors.Is(err, repository.ErrCodeMismatch) {
			t.Fatalf("expected ErrCodeMismatch for %q, got %v", code, err)
		}
	}
}

func TestComputeVendorBalance(t *testing.T) {
	entries := []model.LedgerEntry{
		{BusinessID: "b1", TransactionType: model.TransactionSaleRevenue, AmountCents: 10000},
		{BusinessID: "b1", TransactionType: model.TransactionSaleRevenue, AmountCents: 5000},
		{BusinessID: "b1", TransactionType: model.TransactionVendorPayout, AmountCents: 8000},
		{BusinessID: "b1", TransactionType: model.TransactionDeliveryFee, AmountCents: 2500},
		{BusinessID: "b2", TransactionType: model.TransactionSaleRevenue, AmountCents: 99900},
	}

	balance := ComputeVendorBalance("b1", entries)

	if balance.Revenue != 150.00 {
		t.Fatalf("Revenue = %v, want 150.00", balance.Revenue)
	}
	if balance.PaidOut != 80.00 {
		t.Fatalf("PaidOut = %v, want 80.00", balance.PaidOut)
	}
	if balance.Outstanding != 70.00 {
		t.Fatalf("Outstanding = %v, want 70.00", balance.Outstanding)
	}
}

func TestComputeVendorBalance_NoEntries(t *testing.T) {
	balance := ComputeVendorBalance("b1", nil)

	if balance.Revenue != 0 || balance.PaidOut != 0 || balance.Outstanding != 0 {
		t.Fatalf("empty ledger must produce zero balance, got %+v", balance)
	}
}

func TestLogPayout_NoBalanceValidation(t *testing.T) {
	// В книге нет выручки, но выплата всё равно записывается:
	// это зафиксированное поведение исходной системы.
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	entry, err := svc.LogPayout(context.Background(), "b1", 500.00)
	if err != nil {
		t.Fatalf("LogPayout error: %v", err)
	}

	if entry.TransactionType != model.TransactionVendorPayout {
		t.Fatalf("unexpected transaction type %s", entry.TransactionType)
	}
	if entry.AmountCents != 50000 {
		t.Fatalf("AmountCents = %d, want 50000", entry.AmountCents)
	}
	if entry.PayoutStatus != model.PayoutPaid {
		t.Fatalf("unexpected payout status %s", entry.PayoutStatus)
	}

	balances, err := svc.GetVendorBalances(context.Background())
	if err != nil {
		t.Fatalf("GetVendorBalances error: %v", err)
	}
	if len(balances) != 1 || balances[0].Outstanding != -500.00 {
		t.Fatalf("expected negative outstanding balance, got %+v", balances)
	}
}

func TestLogPayout_Validation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	if _, err := svc.LogPayout(context.Background(), "b1", -10); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for negative amount, got %v", err)
	}
	if _, err := svc.LogPayout(context.Background(), "", 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty business, got %v", err)
	}
}

// claimRepo эмулирует атомарное условное обновление строки заказа.
type claimRepo struct {
	stubRepo

	mu     sync.Mutex
	driver string
}

func (c *claimRepo) ClaimOrder(ctx context.Context, orderID, driverID string) (*model.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.driver != "" {
		return nil, repository.ErrOrderAlreadyClaimed
	}
	c.driver = driverID

	return &model.Order{
		ID:       orderID,
		DriverID: driverID,
		Status:   model.OrderStatusReadyForPickup,
	}, nil
}

func TestClaimOrder_AtMostOneWinner(t *testing.T) {
	repo := &claimRepo{}
	svc := NewService(repo, nil, nil)

	const drivers = 16

	var wg sync.WaitGroup
	results := make([]error, drivers)

	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, results[n] = svc.ClaimOrder(context.Background(), string(rune('a'+n)), "order-1")
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repository.ErrOrderAlreadyClaimed):
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}

	if wins != 1 {
		t.Fatalf("exactly one driver must win the claim, got %d", wins)
	}
	if losses != drivers-1 {
		t.Fatalf("losers = %d, want %d", losses, drivers-1)
	}
}
