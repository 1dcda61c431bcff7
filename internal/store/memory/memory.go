package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	stores          map[string]domain.Store
	inventory       map[string]map[string]domain.InventoryEntry
	carts           map[string]domain.Cart
	ordersByID      map[string]domain.Order
	salesByID       map[string]domain.Sale
	saleIDByOrder   map[string]string
	usersByUsername map[string]domain.UserAccount
	auditLogs       []domain.AuditLog
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CUSTOMER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "password123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CUSTOMER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CUSTOMER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		id       string
		username string
		password string
		role     string
	}{
		{"user1", "user1", customerPwd, domain.RoleCustomer},
		{"admin1", "admin1", adminPwd, domain.RoleAdmin},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:        u.id,
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	stores := map[string]domain.Store{
		"tienda_fisica_1":  {ID: "tienda_fisica_1", Name: "Farmacia Central", Kind: domain.StoreKindPhysical},
		"tienda_virtual_1": {ID: "tienda_virtual_1", Name: "Farmacia Online", Kind: domain.StoreKindVirtual},
	}

	price := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	inventory := map[string]map[string]domain.InventoryEntry{
		"tienda_fisica_1": {
			"producto_001": {StoreID: "tienda_fisica_1", ProductID: "producto_001", Name: "Paracetamol 500mg", UnitPrice: price("5.50"), Quantity: 100},
			"producto_002": {StoreID: "tienda_fisica_1", ProductID: "producto_002", Name: "Ibuprofeno 400mg", UnitPrice: price("8.75"), Quantity: 75},
		},
		"tienda_virtual_1": {
			"producto_001": {StoreID: "tienda_virtual_1", ProductID: "producto_001", Name: "Paracetamol 500mg", UnitPrice: price("5.50"), Quantity: 80},
			"producto_002": {StoreID: "tienda_virtual_1", ProductID: "producto_002", Name: "Ibuprofeno 400mg", UnitPrice: price("8.75"), Quantity: 60},
			"producto_003": {StoreID: "tienda_virtual_1", ProductID: "producto_003", Name: "Aspirina 100mg", UnitPrice: price("4.20"), Quantity: 120},
		},
	}

	return &Store{
		stores:          stores,
		inventory:       inventory,
		carts:           make(map[string]domain.Cart),
		ordersByID:      make(map[string]domain.Order),
		salesByID:       make(map[string]domain.Sale),
		saleIDByOrder:   make(map[string]string),
		usersByUsername: seedUsers(),
		auditLogs:       make([]domain.AuditLog, 0, 128),
	}
}

func cartKey(userID, storeID string) string {
	return userID + "|" + storeID
}

func (s *Store) ListStores(_ context.Context) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Store, 0, len(s.stores))
	for _, st := range s.stores {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b domain.Store) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) GetStore(_ context.Context, storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.stores[storeID]
	if !exists {
		return nil, fmt.Errorf("%w: store %s", store.ErrNotFound, storeID)
	}
	copySt := st
	return &copySt, nil
}

func (s *Store) ListInventory(_ context.Context, storeID string) ([]domain.InventoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger, exists := s.inventory[storeID]
	if !exists {
		return nil, fmt.Errorf("%w: store %s", store.ErrNotFound, storeID)
	}
	out := make([]domain.InventoryEntry, 0, len(ledger))
	for _, entry := range ledger {
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b domain.InventoryEntry) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out, nil
}

func (s *Store) GetInventoryEntry(_ context.Context, storeID string, productID string) (*domain.InventoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.inventoryEntryLocked(storeID, productID)
	if err != nil {
		return nil, err
	}
	copyEntry := *entry
	return &copyEntry, nil
}

// inventoryEntryLocked requires the caller to hold s.mu.
func (s *Store) inventoryEntryLocked(storeID, productID string) (*domain.InventoryEntry, error) {
	ledger, exists := s.inventory[storeID]
	if !exists {
		return nil, fmt.Errorf("%w: store %s", store.ErrNotFound, storeID)
	}
	entry, exists := ledger[productID]
	if !exists {
		return nil, fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, productID, storeID)
	}
	return &entry, nil
}

func (s *Store) ReserveStock(_ context.Context, storeID string, lines []domain.OrderLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reserveStockLocked(storeID, lines)
}

// reserveStockLocked validates every line before touching any counter so a
// failure leaves the ledger unchanged. Caller holds s.mu.
func (s *Store) reserveStockLocked(storeID string, lines []domain.OrderLine) error {
	ledger, exists := s.inventory[storeID]
	if !exists {
		return fmt.Errorf("%w: store %s", store.ErrNotFound, storeID)
	}
	for _, line := range lines {
		entry, exists := ledger[line.ProductID]
		if !exists {
			return fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, line.ProductID, storeID)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("%w: quantity for product %s", store.ErrInvalidRequest, line.ProductID)
		}
		if entry.Quantity < line.Quantity {
			return fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, line.ProductID, entry.Quantity, line.Quantity)
		}
	}
	for _, line := range lines {
		entry := ledger[line.ProductID]
		entry.Quantity -= line.Quantity
		ledger[line.ProductID] = entry
	}
	return nil
}

func (s *Store) RestockStock(_ context.Context, storeID string, lines []domain.OrderLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, exists := s.inventory[storeID]
	if !exists {
		return fmt.Errorf("%w: store %s", store.ErrNotFound, storeID)
	}
	for _, line := range lines {
		if _, exists := ledger[line.ProductID]; !exists {
			return fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, line.ProductID, storeID)
		}
	}
	for _, line := range lines {
		entry := ledger[line.ProductID]
		entry.Quantity += line.Quantity
		ledger[line.ProductID] = entry
	}
	return nil
}

func (s *Store) SetStock(_ context.Context, storeID string, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 0 {
		return store.ErrInvalidRequest
	}
	entry, err := s.inventoryEntryLocked(storeID, productID)
	if err != nil {
		return err
	}
	entry.Quantity = qty
	s.inventory[storeID][productID] = *entry
	return nil
}

func (s *Store) UpsertCartLine(_ context.Context, userID string, req domain.AddToCartRequest, entry domain.InventoryEntry) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}

	key := cartKey(userID, req.StoreID)
	cart, exists := s.carts[key]
	if !exists {
		cart = domain.Cart{
			UserID:    userID,
			StoreID:   req.StoreID,
			CreatedAt: time.Now().UTC(),
		}
	}

	merged := false
	for i := range cart.Lines {
		if cart.Lines[i].ProductID == req.ProductID {
			cart.Lines[i].Quantity += req.Quantity
			merged = true
			break
		}
	}
	if !merged {
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			Quantity:  req.Quantity,
			UnitPrice: entry.UnitPrice,
		})
	}

	// The delivery flag and address are cart-wide; the latest add wins.
	cart.Delivery = req.Delivery
	cart.DeliveryAddress = req.DeliveryAddress

	s.carts[key] = cart
	cloned := cloneCart(cart)
	return &cloned, nil
}

func (s *Store) GetCart(_ context.Context, userID string, storeID string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, exists := s.carts[cartKey(userID, storeID)]
	if !exists || len(cart.Lines) == 0 {
		return nil, fmt.Errorf("%w: cart for store %s", store.ErrNotFound, storeID)
	}
	cloned := cloneCart(cart)
	return &cloned, nil
}

func (s *Store) ClearCart(_ context.Context, userID string, storeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, cartKey(userID, storeID))
	return nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" || order.UserID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, fmt.Errorf("%w: order %s already exists", store.ErrConflict, order.ID)
	}

	// Availability is re-verified at order time; the cart check was only
	// advisory.
	ledger, exists := s.inventory[order.StoreID]
	if !exists {
		return nil, fmt.Errorf("%w: store %s", store.ErrNotFound, order.StoreID)
	}
	for _, line := range order.Items {
		entry, exists := ledger[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, line.ProductID, order.StoreID)
		}
		if entry.Quantity < line.Quantity {
			return nil, fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, line.ProductID, entry.Quantity, line.Quantity)
		}
	}

	s.ordersByID[order.ID] = order
	// Consuming the cart is part of order creation so an abandoned order can
	// never be double-submitted from a stale cart.
	delete(s.carts, cartKey(order.UserID, order.StoreID))

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
	}
	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) ListOrders(_ context.Context, storeID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if storeID != "" && order.StoreID != storeID {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SettleOrder(_ context.Context, orderID string, payment domain.PaymentRecord) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
	}
	if order.PaymentStatus != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: order %s is already paid", store.ErrConflict, orderID)
	}

	order.PaymentStatus = domain.PaymentStatusPaid
	recorded := payment
	order.Payment = &recorded
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) CommitOrderStock(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: order %s is not paid", store.ErrConflict, orderID)
	}
	if order.StockCommitted {
		return nil, fmt.Errorf("%w: stock for order %s already committed", store.ErrConflict, orderID)
	}

	if err := s.reserveStockLocked(order.StoreID, order.Items); err != nil {
		return nil, err
	}
	order.StockCommitted = true
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) FinalizeOrderSale(_ context.Context, orderID string, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: order %s is not paid", store.ErrConflict, orderID)
	}
	if order.FulfillmentStatus == domain.FulfillmentSold || order.FulfillmentStatus == domain.FulfillmentDelivered {
		return nil, fmt.Errorf("%w: order %s already sold", store.ErrConflict, orderID)
	}
	if _, exists := s.saleIDByOrder[orderID]; exists {
		return nil, fmt.Errorf("%w: order %s already has a sale", store.ErrConflict, orderID)
	}

	// Stock leaves the ledger exactly once per order, either here or in an
	// earlier CommitOrderStock call.
	if !order.StockCommitted {
		if err := s.reserveStockLocked(order.StoreID, order.Items); err != nil {
			return nil, err
		}
		order.StockCommitted = true
	}

	order.FulfillmentStatus = domain.FulfillmentSold
	s.ordersByID[orderID] = order
	s.salesByID[sale.ID] = sale
	s.saleIDByOrder[orderID] = sale.ID

	cloned := cloneSale(sale)
	return &cloned, nil
}

func (s *Store) AssignOrderDelivery(_ context.Context, orderID string, assignment domain.DeliveryAssignment) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
	}
	if !order.Delivery {
		return nil, fmt.Errorf("%w: order %s is not a delivery order", store.ErrInvalidRequest, orderID)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: order %s is not paid", store.ErrConflict, orderID)
	}
	if order.FulfillmentStatus == domain.FulfillmentEnRoute {
		return nil, fmt.Errorf("%w: order %s already has a courier en route", store.ErrConflict, orderID)
	}
	if order.FulfillmentStatus == domain.FulfillmentDelivered {
		return nil, fmt.Errorf("%w: order %s already delivered", store.ErrConflict, orderID)
	}

	recorded := assignment
	order.Courier = &recorded
	order.FulfillmentStatus = domain.FulfillmentEnRoute
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) ConfirmOrderDelivery(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
	}
	if !order.Delivery {
		return nil, fmt.Errorf("%w: order %s is not a delivery order", store.ErrInvalidRequest, orderID)
	}
	if order.Courier == nil {
		return nil, fmt.Errorf("%w: order %s has no courier assigned", store.ErrConflict, orderID)
	}
	if order.FulfillmentStatus != domain.FulfillmentSold {
		return nil, fmt.Errorf("%w: order %s is not sold yet", store.ErrConflict, orderID)
	}

	order.FulfillmentStatus = domain.FulfillmentDelivered
	deliveredAt := at
	order.Courier.DeliveredAt = &deliveredAt
	s.ordersByID[orderID] = order

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	cloned := cloneSale(sale)
	return &cloned, nil
}

func (s *Store) ListSales(_ context.Context, storeID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if storeID != "" && sale.StoreID != storeID {
			continue
		}
		out = append(out, cloneSale(sale))
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) StampSaleDocument(_ context.Context, saleID string, kind string, number string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return "", fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}

	switch kind {
	case domain.DocumentKindInvoice:
		if sale.InvoiceNumber != "" {
			return sale.InvoiceNumber, nil
		}
		sale.InvoiceNumber = number
	case domain.DocumentKindReceipt:
		if sale.ReceiptNumber != "" {
			return sale.ReceiptNumber, nil
		}
		sale.ReceiptNumber = number
	default:
		return "", fmt.Errorf("%w: document kind %q", store.ErrInvalidRequest, kind)
	}

	s.salesByID[saleID] = sale
	return number, nil
}

func (s *Store) RegisterSale(_ context.Context, saleID string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	if sale.InvoiceNumber == "" && sale.ReceiptNumber == "" {
		return nil, fmt.Errorf("%w: sale %s has no fiscal document", store.ErrConflict, saleID)
	}
	if sale.Registered {
		return nil, fmt.Errorf("%w: sale %s already registered", store.ErrConflict, saleID)
	}

	sale.Registered = true
	registeredAt := at
	sale.RegisteredAt = &registeredAt
	s.salesByID[saleID] = sale

	cloned := cloneSale(sale)
	return &cloned, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[username]
	if !exists || !user.Active {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneCart(cart domain.Cart) domain.Cart {
	cloned := cart
	cloned.Lines = slices.Clone(cart.Lines)
	return cloned
}

func cloneOrder(order domain.Order) domain.Order {
	cloned := order
	cloned.Items = slices.Clone(order.Items)
	if order.Payment != nil {
		payment := *order.Payment
		cloned.Payment = &payment
	}
	if order.Courier != nil {
		courier := *order.Courier
		if order.Courier.DeliveredAt != nil {
			deliveredAt := *order.Courier.DeliveredAt
			courier.DeliveredAt = &deliveredAt
		}
		cloned.Courier = &courier
	}
	return cloned
}

func cloneSale(sale domain.Sale) domain.Sale {
	cloned := sale
	cloned.Items = slices.Clone(sale.Items)
	if sale.RegisteredAt != nil {
		registeredAt := *sale.RegisteredAt
		cloned.RegisteredAt = &registeredAt
	}
	return cloned
}
