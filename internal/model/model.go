// Package model содержит доменные сущности маркетплейса доставки.
package model

import "time"

// Role определяет роль профиля в системе.
type Role string

const (
	RoleCustomer Role = "Customer"
	RoleVendor   Role = "Vendor"
	RoleDriver   Role = "Driver"
	RoleAdmin    Role = "Admin"
)

// Valid сообщает, входит ли роль в закрытое множество допустимых значений.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleVendor, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Registrable сообщает, доступна ли роль при самостоятельной регистрации.
// Администратор заводится только вручную, вне публичного API.
func (r Role) Registrable() bool {
	switch r {
	case RoleCustomer, RoleVendor, RoleDriver:
		return true
	}
	return false
}

// Profile представляет зарегистрированного пользователя любой роли.
type Profile struct {
	ID           string
	Email        string
	PasswordHash []byte
	FullName     string
	PhoneNumber  string
	Role         Role
	IsActive     bool
	CreatedAt    time.Time
}

// ApprovalStatus описывает статус модерации бизнеса.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

// Business описывает точку продавца. Покупателям видны только одобренные бизнесы.
type Business struct {
	ID                string
	UserID            string
	BusinessName      string
	Description       string
	AddressText       string
	ContactPersonName string
	ApprovalStatus    ApprovalStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Category описывает категорию товаров каталога.
type Category struct {
	ID          string
	Name        string
	Description string
}

// Product описывает товар каталога. Цена хранится в центах.
type Product struct {
	ID          string
	BusinessID  string
	Name        string
	Description string
	PriceCents  int64
	CategoryID  string
	ImageURL    string
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStatus описывает статус заказа в его жизненном цикле.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "Pending"
	OrderStatusConfirmed      OrderStatus = "Confirmed"
	OrderStatusPreparing      OrderStatus = "Preparing"
	OrderStatusReadyForPickup OrderStatus = "Ready_for_Pickup"
	OrderStatusOutForDelivery OrderStatus = "Out_for_Delivery"
	OrderStatusDelivered      OrderStatus = "Delivered"
	OrderStatusCancelled      OrderStatus = "Cancelled"
)

// Terminal сообщает, является ли статус конечным.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentMethod описывает способ оплаты заказа.
type PaymentMethod string

const (
	PaymentCOD           PaymentMethod = "COD"
	PaymentCard          PaymentMethod = "Card"
	PaymentEFT           PaymentMethod = "EFT"
	PaymentDigitalWallet PaymentMethod = "Digital_Wallet"
)

// Valid сообщает, входит ли способ оплаты в закрытое множество значений.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCOD, PaymentCard, PaymentEFT, PaymentDigitalWallet:
		return true
	}
	return false
}

// Order описывает заказ покупателя у одного бизнеса.
// DriverID пуст до момента, когда ровно один водитель успешно заберёт заказ.
type Order struct {
	ID                       string
	CustomerID               string
	BusinessID               string
	DriverID                 string
	Status                   OrderStatus
	DeliveryAddressText      string
	TotalCents               int64
	PaymentMethod            PaymentMethod
	DeliveryConfirmationCode string
	SpecialInstructions      string
	CreatedAt                time.Time
	UpdatedAt                time.Time
	Items                    []OrderItem
}

// OrderItem описывает позицию заказа. Цена фиксируется в момент оформления
// и далее не изменяется при изменении цены товара в каталоге.
type OrderItem struct {
	ID                   string
	OrderID              string
	ProductID            string
	Quantity             int32
	PriceAtPurchaseCents int64
}

// TransactionType описывает тип записи бухгалтерской книги.
type TransactionType string

const (
	TransactionSaleRevenue  TransactionType = "SaleRevenue"
	TransactionVendorPayout TransactionType = "VendorPayout"
	TransactionPlatformFee  TransactionType = "PlatformFee"
	TransactionDeliveryFee  TransactionType = "DeliveryFee"
	TransactionRefund       TransactionType = "Refund"
)

// PayoutStatus описывает статус выплаты по записи книги.
type PayoutStatus string

const (
	PayoutOwed       PayoutStatus = "Owed"
	PayoutProcessing PayoutStatus = "Processing"
	PayoutPaid       PayoutStatus = "Paid"
	PayoutFailed     PayoutStatus = "Failed"
)

// LedgerEntry описывает append-only запись бухгалтерской книги.
type LedgerEntry struct {
	ID              string
	OrderID         string
	BusinessID      string
	TransactionType TransactionType
	AmountCents     int64
	PayoutStatus    PayoutStatus
	CreatedAt       time.Time
}

// VendorBalance содержит агрегаты книги по одному бизнесу.
// Баланс считается как разница сумм без ограничения снизу.
type VendorBalance struct {
	BusinessID  string  `json:"business_id"`
	Revenue     float64 `json:"revenue"`
	PaidOut     float64 `json:"paid_out"`
	Outstanding float64 `json:"outstanding"`
}
