package store

import (
	"context"
	"errors"
	"time"

	"farmapos/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthenticated     = errors.New("unauthenticated")
)

type Repository interface {
	ListStores(ctx context.Context) ([]domain.Store, error)
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)

	ListInventory(ctx context.Context, storeID string) ([]domain.InventoryEntry, error)
	GetInventoryEntry(ctx context.Context, storeID string, productID string) (*domain.InventoryEntry, error)
	// ReserveStock decrements every line or none. A failed line leaves all
	// counters untouched and reports the offending product.
	ReserveStock(ctx context.Context, storeID string, lines []domain.OrderLine) error
	// RestockStock re-credits quantities. Rollbacks go through here so every
	// stock movement is an explicit repository call.
	RestockStock(ctx context.Context, storeID string, lines []domain.OrderLine) error
	SetStock(ctx context.Context, storeID string, productID string, qty int) error

	UpsertCartLine(ctx context.Context, userID string, req domain.AddToCartRequest, entry domain.InventoryEntry) (*domain.Cart, error)
	GetCart(ctx context.Context, userID string, storeID string) (*domain.Cart, error)
	ClearCart(ctx context.Context, userID string, storeID string) error

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, storeID string, limit int) ([]domain.Order, error)
	// SettleOrder flips payment status from pending to paid and attaches the
	// payment record. A second settlement reports ErrConflict.
	SettleOrder(ctx context.Context, orderID string, payment domain.PaymentRecord) (*domain.Order, error)
	// CommitOrderStock decrements the order's lines all-or-nothing and marks
	// the order stock-committed. Requires a paid, uncommitted order.
	CommitOrderStock(ctx context.Context, orderID string) (*domain.Order, error)
	// FinalizeOrderSale decrements stock if not already committed, records the
	// sale and moves fulfillment to sold, all in one critical section.
	FinalizeOrderSale(ctx context.Context, orderID string, sale domain.Sale) (*domain.Sale, error)
	AssignOrderDelivery(ctx context.Context, orderID string, assignment domain.DeliveryAssignment) (*domain.Order, error)
	ConfirmOrderDelivery(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)

	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, storeID string, limit int) ([]domain.Sale, error)
	// StampSaleDocument records a document number for the sale once. Repeat
	// calls for the same kind return the stored number.
	StampSaleDocument(ctx context.Context, saleID string, kind string, number string) (string, error)
	RegisterSale(ctx context.Context, saleID string, at time.Time) (*domain.Sale, error)

	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
