package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Store struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// StoreKindFor derives the store kind from the id prefix. Physical stores
// settle at a terminal, virtual stores settle through the gateway.
func StoreKindFor(storeID string) string {
	if strings.HasPrefix(storeID, "tienda_fisica") {
		return StoreKindPhysical
	}
	if strings.HasPrefix(storeID, "tienda_virtual") {
		return StoreKindVirtual
	}
	return ""
}

type InventoryEntry struct {
	StoreID   string          `json:"store_id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

type CartLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type Cart struct {
	UserID          string     `json:"user_id"`
	StoreID         string     `json:"store_id"`
	Lines           []CartLine `json:"lines"`
	Delivery        bool       `json:"delivery"`
	DeliveryAddress string     `json:"delivery_address,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type AddToCartRequest struct {
	StoreID         string `json:"store_id"`
	ProductID       string `json:"product_id"`
	Quantity        int    `json:"quantity"`
	Delivery        bool   `json:"delivery"`
	DeliveryAddress string `json:"delivery_address,omitempty"`
}

type CartResponse struct {
	Cart  Cart            `json:"cart"`
	Total decimal.Decimal `json:"total"`
}

type OrderLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type PaymentRecord struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Change    decimal.Decimal `json:"change"`
	Reference string          `json:"reference,omitempty"`
	PaidAt    time.Time       `json:"paid_at"`
}

type DeliveryAssignment struct {
	CourierID   string     `json:"courier_id"`
	CourierName string     `json:"courier_name"`
	Vehicle     string     `json:"vehicle"`
	Phone       string     `json:"phone"`
	ETAMinutes  int        `json:"eta_minutes"`
	AssignedAt  time.Time  `json:"assigned_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

type Order struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	StoreID           string              `json:"store_id"`
	Items             []OrderLine         `json:"items"`
	Delivery          bool                `json:"delivery"`
	DeliveryAddress   string              `json:"delivery_address,omitempty"`
	DeliveryFee       decimal.Decimal     `json:"delivery_fee"`
	Total             decimal.Decimal     `json:"total"`
	PaymentStatus     string              `json:"payment_status"`
	FulfillmentStatus string              `json:"fulfillment_status"`
	StockCommitted    bool                `json:"stock_committed"`
	Payment           *PaymentRecord      `json:"payment,omitempty"`
	Courier           *DeliveryAssignment `json:"courier,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

type TerminalPaymentRequest struct {
	AmountTendered decimal.Decimal `json:"amount_tendered"`
}

type RemotePaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	CardToken string          `json:"card_token"`
}

type Sale struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	StoreID         string          `json:"store_id"`
	Items           []OrderLine     `json:"items"`
	Total           decimal.Decimal `json:"total"`
	Delivery        bool            `json:"delivery"`
	DeliveryAddress string          `json:"delivery_address,omitempty"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Status          string          `json:"status"`
	InvoiceNumber   string          `json:"invoice_number,omitempty"`
	ReceiptNumber   string          `json:"receipt_number,omitempty"`
	Registered      bool            `json:"registered"`
	RegisteredAt    *time.Time      `json:"registered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type FiscalDocument struct {
	Kind        string          `json:"kind"`
	Number      string          `json:"number"`
	SaleID      string          `json:"sale_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []OrderLine     `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal,omitempty"`
	Tax         decimal.Decimal `json:"tax,omitempty"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Total       decimal.Decimal `json:"total"`
	IssuedAt    time.Time       `json:"issued_at"`
}

type StockRestockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	UserID   string
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CatalogProduct struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

const (
	StoreKindPhysical = "physical"
	StoreKindVirtual  = "virtual"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
)

const (
	FulfillmentNotSold   = "not_sold"
	FulfillmentEnRoute   = "en_delivery"
	FulfillmentSold      = "sold"
	FulfillmentDelivered = "delivered"
)

const (
	PaymentMethodTerminal = "terminal"
	PaymentMethodGateway  = "gateway"
)

const (
	SaleStatusCompleted = "completed"
)

const (
	DocumentKindInvoice = "invoice"
	DocumentKindReceipt = "receipt"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)
