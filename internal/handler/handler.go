// Package handler содержит HTTP-обработчики API маркетплейса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tuktuk-delivery/marketplace-system/internal/middleware"
	"github.com/tuktuk-delivery/marketplace-system/internal/model"
	"github.com/tuktuk-delivery/marketplace-system/internal/repository"
	"github.com/tuktuk-delivery/marketplace-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password, fullName, phone string, role model.Role) (*model.Profile, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.Profile, error)

	ListApprovedBusinesses(ctx context.Context) ([]model.Business, error)
	ListCategories(ctx context.Context) ([]model.Category, error)
	ListBusinessProducts(ctx context.Context, businessID string) ([]model.Product, error)

	Checkout(ctx context.Context, customerID string, req service.CheckoutRequest) (*service.CheckoutResult, error)
	GetCustomerOrders(ctx context.Context, customerID string) ([]model.Order, error)
	CancelOrder(ctx context.Context, customerID, orderID string) error

	CreateBusiness(ctx context.Context, userID string, b *model.Business) (*model.Business, error)
	GetOwnBusiness(ctx context.Context, userID string) (*model.Business, error)
	CreateProduct(ctx context.Context, userID string, p *model.Product) (*model.Product, error)
	UpdateProduct(ctx context.Context, userID string, p *model.Product) error
	ListOwnProducts(ctx context.Context, userID string) ([]model.Product, error)
	GetBusinessOrders(ctx context.Context, userID string) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, userID, orderID string, to model.OrderStatus) error

	ListAvailableOrders(ctx context.Context) ([]model.Order, error)
	GetDriverOrders(ctx context.Context, driverID string) ([]model.Order, error)
	ClaimOrder(ctx context.Context, driverID, orderID string) (*model.Order, error)
	StartDelivery(ctx context.Context, driverID, orderID string) error
	CompleteDelivery(ctx context.Context, driverID, orderID, code string) error

	ListAllBusinesses(ctx context.Context) ([]model.Business, error)
	SetBusinessApproval(ctx context.Context, businessID string, status model.ApprovalStatus) error
	GetLedger(ctx context.Context, businessID string) ([]model.LedgerEntry, error)
	LogPayout(ctx context.Context, businessID string, amount float64) (*model.LedgerEntry, error)
	GetVendorBalances(ctx context.Context) ([]model.VendorBalance, error)
}

// Handler реализует HTTP-обработчики API маркетплейса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func principal(r *http.Request) (*middleware.Principal, bool) {
	return middleware.GetPrincipalFromContext(r.Context())
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
	Role        string `json:"role"`
}

type profileResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// Register обрабатывает регистрацию нового профиля и устанавливает cookie авторизации.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.Role(req.Role)
	if req.Role == "" {
		role = model.RoleCustomer
	}

	p, err := h.service.RegisterUser(r.Context(), req.Email, req.Password, req.FullName, req.PhoneNumber, role)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("register user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, p.ID, p.Role); err != nil {
		h.logger.Error("set auth cookie error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, profileResponse{
		ID:       p.ID,
		Email:    p.Email,
		FullName: p.FullName,
		Role:     string(p.Role),
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и устанавливает cookie авторизации.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, p.ID, p.Role); err != nil {
		h.logger.Error("set auth cookie error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, profileResponse{
		ID:       p.ID,
		Email:    p.Email,
		FullName: p.FullName,
		Role:     string(p.Role),
	})
}

type businessResponse struct {
	ID                string `json:"id"`
	BusinessName      string `json:"business_name"`
	Description       string `json:"description,omitempty"`
	AddressText       string `json:"address_text"`
	ContactPersonName string `json:"contact_person_name,omitempty"`
	ApprovalStatus    string `json:"approval_status"`
	CreatedAt         string `json:"created_at"`
}

func toBusinessResponse(b *model.Business) businessResponse {
	return businessResponse{
		ID:                b.ID,
		BusinessName:      b.BusinessName,
		Description:       b.Description,
		AddressText:       b.AddressText,
		ContactPersonName: b.ContactPersonName,
		ApprovalStatus:    string(b.ApprovalStatus),
		CreatedAt:         b.CreatedAt.Format(time.RFC3339),
	}
}

// ListBusinesses возвращает одобренные бизнесы, видимые покупателям.
func (h *Handler) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	businesses, err := h.service.ListApprovedBusinesses(r.Context())
	if err != nil {
		h.logger.Error("list businesses error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]businessResponse, 0, len(businesses))
	for i := range businesses {
		resp = append(resp, toBusinessResponse(&businesses[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type categoryResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListCategories возвращает категории каталога.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.ListCategories(r.Context())
	if err != nil {
		h.logger.Error("list categories error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]categoryResponse, 0, len(categories))
	for _, c := range categories {
		resp = append(resp, categoryResponse{ID: c.ID, Name: c.Name, Description: c.Description})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type productResponse struct {
	ID          string  `json:"id"`
	BusinessID  string  `json:"business_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	CategoryID  string  `json:"category_id,omitempty"`
	ImageURL    string  `json:"image_url,omitempty"`
	IsAvailable bool    `json:"is_available"`
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		BusinessID:  p.BusinessID,
		Name:        p.Name,
		Description: p.Description,
		Price:       float64(p.PriceCents) / 100,
		CategoryID:  p.CategoryID,
		ImageURL:    p.ImageURL,
		IsAvailable: p.IsAvailable,
	}
}

// ListBusinessProducts возвращает доступные товары одного бизнеса.
func (h *Handler) ListBusinessProducts(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")

	products, err := h.service.ListBusinessProducts(r.Context(), businessID)
	if err != nil {
		h.logger.Error("list products error", zap.Error(err), zap.String("businessID", businessID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, toProductResponse(&products[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type orderItemResponse struct {
	ProductID       string  `json:"product_id"`
	Quantity        int32   `json:"quantity"`
	PriceAtPurchase float64 `json:"price_at_purchase"`
}

type orderResponse struct {
	ID                  string              `json:"id"`
	CustomerID          string              `json:"customer_id"`
	BusinessID          string              `json:"business_id"`
	DriverID            string              `json:"driver_id,omitempty"`
	Status              string              `json:"status"`
	DeliveryAddress     string              `json:"delivery_address"`
	Total               float64             `json:"total"`
	PaymentMethod       string              `json:"payment_method"`
	ConfirmationCode    string              `json:"confirmation_code,omitempty"`
	SpecialInstructions string              `json:"special_instructions,omitempty"`
	CreatedAt           string              `json:"created_at"`
	UpdatedAt           string              `json:"updated_at"`
	Items               []orderItemResponse `json:"items,omitempty"`
}

// Код подтверждения отдаётся покупателю и бизнесу, но не водителю:
// водитель получает его от покупателя при передаче заказа.
func toOrderResponse(o *model.Order, includeCode bool) orderResponse {
	resp := orderResponse{
		ID:                  o.ID,
		CustomerID:          o.CustomerID,
		BusinessID:          o.BusinessID,
		DriverID:            o.DriverID,
		Status:              string(o.Status),
		DeliveryAddress:     o.DeliveryAddressText,
		Total:               float64(o.TotalCents) / 100,
		PaymentMethod:       string(o.PaymentMethod),
		SpecialInstructions: o.SpecialInstructions,
		CreatedAt:           o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           o.UpdatedAt.Format(time.RFC3339),
	}

	if includeCode {
		resp.ConfirmationCode = o.DeliveryConfirmationCode
	}

	for _, item := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			PriceAtPurchase: float64(item.PriceAtPurchaseCents) / 100,
		})
	}

	return resp
}

func toOrderResponses(orders []model.Order, includeCode bool) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i], includeCode))
	}
	return resp
}

type checkoutResponse struct {
	Orders   []orderResponse           `json:"orders"`
	Failures []service.CheckoutFailure `json:"failures"`
}

// Checkout оформляет корзину текущего покупателя. Исход по каждому бизнесу
// отражается в теле ответа: частичный провал не маскируется общим успехом.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req service.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Checkout(r.Context(), p.UserID, req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyCart), errors.Is(err, service.ErrValidation):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrProductUnavailable):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.String("customerID", p.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := checkoutResponse{
		Orders:   toOrderResponses(result.Orders, true),
		Failures: result.Failures,
	}
	if resp.Failures == nil {
		resp.Failures = []service.CheckoutFailure{}
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// GetMyOrders возвращает заказы текущего покупателя.
func (h *Handler) GetMyOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetCustomerOrders(r.Context(), p.UserID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.String("customerID", p.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponses(orders, true))
}

// CancelOrder отменяет заказ текущего покупателя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	err := h.service.CancelOrder(r.Context(), p.UserID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOrderNotOwned):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("cancel order error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createBusinessRequest struct {
	BusinessName      string `json:"business_name"`
	Description       string `json:"description"`
	AddressText       string `json:"address_text"`
	ContactPersonName string `json:"contact_person_name"`
}

// CreateBusiness создаёт бизнес текущего продавца.
func (h *Handler) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createBusinessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.service.CreateBusiness(r.Context(), p.UserID, &model.Business{
		BusinessName:      req.BusinessName,
		Description:       req.Description,
		AddressText:       req.AddressText,
		ContactPersonName: req.ContactPersonName,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrBusinessExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("create business error", zap.Error(err), zap.String("userID", p.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toBusinessResponse(b))
}

// GetOwnBusiness возвращает бизнес текущего продавца.
func (h *Handler) GetOwnBusiness(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	b, err := h.service.GetOwnBusiness(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrBusinessNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get business error", zap.Error(err), zap.String("userID", p.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toBusinessResponse(b))
}

type productRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	CategoryID  string  `json:"category_id"`
	ImageURL    string  `json:"image_url"`
	IsAvailable bool    `json:"is_available"`
}

func (req *productRequest) toModel() *model.Product {
	return &model.Product{
		Name:        req.Name,
		Description: req.Description,
		PriceCents:  int64(req.Price * 100),
		CategoryID:  req.CategoryID,
		ImageURL:    req.ImageURL,
		IsAvailable: req.IsAvailable,
	}
}

// CreateProduct добавляет товар в каталог бизнеса текущего продавца.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	product, err := h.service.CreateProduct(r.Context(), p.UserID, req.toModel())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrBusinessNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("create product error", zap.Error(err), zap.String("userID", p.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toProductResponse(product))
}

// UpdateProduct обновляет товар каталога текущего продавца.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	product := req.toModel()
	product.ID = chi.URLParam(r, "productID")

	err := h.service.UpdateProduct(r.Context(), p.UserID, product)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrBusinessNotFound), errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("update product error", zap.Error(err), zap.String("productID", product.ID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ListOwnProducts возвращает все товары бизнеса текущего продавца.
func (h *Handler) ListOwnProducts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	products, err := h.service.ListOwnProducts(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrBusinessNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("list own products error", zap.Error(err), zap.String("userID", p.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, toProductResponse(&products[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetVendorOrders возвращает заказы бизнеса текущего продавца.
func (h *Handler) GetVendorOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetBusinessOrders(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrBusinessNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get vendor orders error", zap.Error(err), zap.String("userID", p.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponses(orders, true))
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus переводит заказ бизнеса текущего продавца в новый статус.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	err := h.service.UpdateOrderStatus(r.Context(), p.UserID, orderID, model.OrderStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound), errors.Is(err, repository.ErrOrderNotOwned), errors.Is(err, repository.ErrBusinessNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("update order status error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetAvailableOrders возвращает заказы, доступные водителям для взятия.
func (h *Handler) GetAvailableOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListAvailableOrders(r.Context())
	if err != nil {
		h.logger.Error("list available orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponses(orders, false))
}

// GetDriverOrders возвращает активные доставки текущего водителя.
func (h *Handler) GetDriverOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetDriverOrders(r.Context(), p.UserID)
	if err != nil {
		h.logger.Error("get driver orders error", zap.Error(err), zap.String("driverID", p.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponses(orders, false))
}

// ClaimOrder назначает текущего водителя на заказ. Проигрыш гонки — штатный
// ответ 409: клиент показывает сообщение и обновляет список доступных заказов.
func (h *Handler) ClaimOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	order, err := h.service.ClaimOrder(r.Context(), p.UserID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderAlreadyClaimed):
			h.writeError(w, http.StatusConflict, "order already claimed by another driver")
		case errors.Is(err, repository.ErrInvalidTransition):
			h.writeError(w, http.StatusConflict, "order is not available for pickup")
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("claim order error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order, false))
}

// StartDelivery переводит заказ текущего водителя в Out_for_Delivery.
func (h *Handler) StartDelivery(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	err := h.service.StartDelivery(r.Context(), p.UserID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOrderNotOwned):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("start delivery error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type completeDeliveryRequest struct {
	Code string `json:"code"`
}

// CompleteDelivery завершает доставку по коду подтверждения. Несовпадение
// кода — ошибка ввода: состояние не меняется, попытку можно повторить.
func (h *Handler) CompleteDelivery(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req completeDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	err := h.service.CompleteDelivery(r.Context(), p.UserID, orderID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCodeMismatch):
			h.writeError(w, http.StatusUnprocessableEntity, "confirmation code mismatch")
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOrderNotOwned):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("complete delivery error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ListAllBusinesses возвращает все бизнесы для модерации.
func (h *Handler) ListAllBusinesses(w http.ResponseWriter, r *http.Request) {
	businesses, err := h.service.ListAllBusinesses(r.Context())
	if err != nil {
		h.logger.Error("list all businesses error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]businessResponse, 0, len(businesses))
	for i := range businesses {
		resp = append(resp, toBusinessResponse(&businesses[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// SetBusinessApproval изменяет статус модерации бизнеса.
func (h *Handler) SetBusinessApproval(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	businessID := chi.URLParam(r, "businessID")

	err := h.service.SetBusinessApproval(r.Context(), businessID, model.ApprovalStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrBusinessNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("set approval error", zap.Error(err), zap.String("businessID", businessID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type ledgerEntryResponse struct {
	ID              string  `json:"id"`
	OrderID         string  `json:"order_id,omitempty"`
	BusinessID      string  `json:"business_id,omitempty"`
	TransactionType string  `json:"transaction_type"`
	Amount          float64 `json:"amount"`
	PayoutStatus    string  `json:"payout_status"`
	CreatedAt       string  `json:"created_at"`
}

func toLedgerEntryResponse(e *model.LedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		ID:              e.ID,
		OrderID:         e.OrderID,
		BusinessID:      e.BusinessID,
		TransactionType: string(e.TransactionType),
		Amount:          float64(e.AmountCents) / 100,
		PayoutStatus:    string(e.PayoutStatus),
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
	}
}

// GetLedger возвращает записи бухгалтерской книги.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")

	entries, err := h.service.GetLedger(r.Context(), businessID)
	if err != nil {
		h.logger.Error("get ledger error", zap.Error(err), zap.String("businessID", businessID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toLedgerEntryResponse(&entries[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type payoutRequest struct {
	BusinessID string  `json:"business_id"`
	Amount     float64 `json:"amount"`
}

// LogPayout добавляет запись о выплате продавцу.
func (h *Handler) LogPayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.LogPayout(r.Context(), req.BusinessID, req.Amount)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("log payout error", zap.Error(err), zap.String("businessID", req.BusinessID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, toLedgerEntryResponse(entry))
}

// GetVendorBalances возвращает сводные балансы продавцов по книге.
func (h *Handler) GetVendorBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.service.GetVendorBalances(r.Context())
	if err != nil {
		h.logger.Error("get balances error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if balances == nil {
		balances = []model.VendorBalance{}
	}

	h.writeJSON(w, http.StatusOK, balances)
}
