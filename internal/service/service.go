package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"farmapos/backend/internal/catalog"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Fixed courier roster for delivery assignment. A single dispatcher record is
// enough for the current store topology.
const (
	courierID      = "REP001"
	courierName    = "Juan Delivery"
	courierVehicle = "Moto"
	courierPhone   = "999-888-777"
	courierETA     = 30
)

type Service struct {
	repo        store.Repository
	catalog     catalog.Directory
	deliveryFee decimal.Decimal
	taxRate     decimal.Decimal
}

// New builds the order pipeline service. deliveryFee is the flat surcharge
// for delivery orders, taxRate the percent backed out of invoices.
func New(repo store.Repository, directory catalog.Directory, deliveryFee decimal.Decimal, taxRate decimal.Decimal) *Service {
	if directory == nil {
		directory = catalog.NewSeededDirectory()
	}
	if deliveryFee.IsZero() {
		deliveryFee = decimal.RequireFromString("10.00")
	}
	if taxRate.IsZero() {
		taxRate = decimal.NewFromInt(18)
	}

	return &Service{
		repo:        repo,
		catalog:     directory,
		deliveryFee: deliveryFee,
		taxRate:     taxRate,
	}
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, store.ErrUnauthenticated
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	return actor, nil
}

func (s *Service) ListStores(ctx context.Context) ([]domain.Store, error) {
	return s.repo.ListStores(ctx)
}

func (s *Service) ListCatalog(ctx context.Context) ([]domain.CatalogProduct, error) {
	return s.catalog.List(ctx)
}

func (s *Service) CheckStock(ctx context.Context, storeID string, productID string) ([]domain.InventoryEntry, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return nil, fmt.Errorf("%w: store id required", store.ErrInvalidRequest)
	}
	if productID != "" {
		entry, err := s.repo.GetInventoryEntry(ctx, storeID, productID)
		if err != nil {
			return nil, err
		}
		return []domain.InventoryEntry{*entry}, nil
	}
	return s.repo.ListInventory(ctx, storeID)
}

func (s *Service) AddToCart(ctx context.Context, req domain.AddToCartRequest) (domain.CartResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CartResponse{}, err
	}

	req.StoreID = strings.TrimSpace(req.StoreID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.StoreID == "" || req.ProductID == "" {
		return domain.CartResponse{}, fmt.Errorf("%w: store and product required", store.ErrInvalidRequest)
	}
	if req.Quantity < 1 {
		return domain.CartResponse{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	if req.Delivery && strings.TrimSpace(req.DeliveryAddress) == "" {
		return domain.CartResponse{}, fmt.Errorf("%w: delivery requires an address", store.ErrInvalidRequest)
	}

	if _, err := s.repo.GetStore(ctx, req.StoreID); err != nil {
		return domain.CartResponse{}, err
	}
	entry, err := s.repo.GetInventoryEntry(ctx, req.StoreID, req.ProductID)
	if err != nil {
		return domain.CartResponse{}, err
	}
	// Display names come from the catalog directory when it knows the
	// product; the inventory row is the fallback for unlisted items.
	if listed, err := s.catalog.Product(ctx, req.ProductID); err == nil {
		entry.Name = listed.Name
	}

	// Optimistic availability check against the cart's accumulated quantity.
	// The binding check happens again at order creation and stock commit.
	wanted := req.Quantity
	if existing, err := s.repo.GetCart(ctx, actor.UserID, req.StoreID); err == nil {
		for _, line := range existing.Lines {
			if line.ProductID == req.ProductID {
				wanted += line.Quantity
			}
		}
	}
	if entry.Quantity < wanted {
		return domain.CartResponse{}, fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, entry.Name, entry.Quantity, wanted)
	}

	cart, err := s.repo.UpsertCartLine(ctx, actor.UserID, req, *entry)
	if err != nil {
		return domain.CartResponse{}, err
	}

	s.logAudit(ctx, req.StoreID, "cart_add", "cart", req.StoreID, fmt.Sprintf("product=%s,qty=%d,delivery=%t", req.ProductID, req.Quantity, req.Delivery))
	return domain.CartResponse{Cart: *cart, Total: s.cartTotal(*cart)}, nil
}

func (s *Service) GetCart(ctx context.Context, storeID string) (domain.CartResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CartResponse{}, err
	}
	cart, err := s.repo.GetCart(ctx, actor.UserID, storeID)
	if err != nil {
		return domain.CartResponse{}, err
	}
	return domain.CartResponse{Cart: *cart, Total: s.cartTotal(*cart)}, nil
}

func (s *Service) ClearCart(ctx context.Context, storeID string) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	if _, err := s.repo.GetCart(ctx, actor.UserID, storeID); err != nil {
		return err
	}
	if err := s.repo.ClearCart(ctx, actor.UserID, storeID); err != nil {
		return err
	}

	s.logAudit(ctx, storeID, "cart_clear", "cart", storeID, "")
	return nil
}

func (s *Service) cartTotal(cart domain.Cart) decimal.Decimal {
	total := decimal.Zero
	for _, line := range cart.Lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if cart.Delivery {
		total = total.Add(s.deliveryFee)
	}
	return total
}

func (s *Service) CreateOrder(ctx context.Context, storeID string) (domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	cart, err := s.repo.GetCart(ctx, actor.UserID, storeID)
	if err != nil {
		return domain.Order{}, err
	}

	ids := make([]string, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		ids = append(ids, line.ProductID)
	}
	listed, err := s.catalog.Products(ctx, ids)
	if err != nil {
		listed = nil
	}

	items := make([]domain.OrderLine, 0, len(cart.Lines))
	total := decimal.Zero
	for _, line := range cart.Lines {
		name := line.Name
		if p, ok := listed[line.ProductID]; ok {
			name = p.Name
		}
		subtotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		items = append(items, domain.OrderLine{
			ProductID: line.ProductID,
			Name:      name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  subtotal,
		})
		total = total.Add(subtotal)
	}

	fee := decimal.Zero
	if cart.Delivery {
		fee = s.deliveryFee
		total = total.Add(fee)
	}

	order := domain.Order{
		ID:                "order-" + uuid.NewString(),
		UserID:            actor.UserID,
		StoreID:           storeID,
		Items:             items,
		Delivery:          cart.Delivery,
		DeliveryAddress:   cart.DeliveryAddress,
		DeliveryFee:       fee,
		Total:             total,
		PaymentStatus:     domain.PaymentStatusPending,
		FulfillmentStatus: domain.FulfillmentNotSold,
		CreatedAt:         time.Now().UTC(),
	}

	// The repository re-verifies availability and consumes the cart in the
	// same critical section.
	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, storeID, "order_create", "order", created.ID, fmt.Sprintf("lines=%d,total=%s,delivery=%t", len(created.Items), created.Total, created.Delivery))
	return *created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if actor.Role != domain.RoleAdmin && order.UserID != actor.UserID {
		return domain.Order{}, fmt.Errorf("%w: order %s", store.ErrForbidden, orderID)
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, storeID string, limit int) ([]domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListOrders(ctx, storeID, limit)
}

func (s *Service) SettleTerminal(ctx context.Context, orderID string, req domain.TerminalPaymentRequest) (domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if actor.Role != domain.RoleAdmin && order.UserID != actor.UserID {
		return domain.Order{}, fmt.Errorf("%w: order %s", store.ErrForbidden, orderID)
	}
	if domain.StoreKindFor(order.StoreID) != domain.StoreKindPhysical {
		return domain.Order{}, fmt.Errorf("%w: store %s has no payment terminal", store.ErrInvalidRequest, order.StoreID)
	}
	if req.AmountTendered.LessThan(order.Total) {
		return domain.Order{}, fmt.Errorf("%w: tendered %s, order total %s", store.ErrInsufficientPayment, req.AmountTendered, order.Total)
	}

	payment := domain.PaymentRecord{
		Method: domain.PaymentMethodTerminal,
		Amount: req.AmountTendered,
		Change: req.AmountTendered.Sub(order.Total),
		PaidAt: time.Now().UTC(),
	}
	settled, err := s.repo.SettleOrder(ctx, orderID, payment)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, settled.StoreID, "order_settle_terminal", "order", orderID, fmt.Sprintf("tendered=%s,change=%s", payment.Amount, payment.Change))
	return *settled, nil
}

func (s *Service) SettleRemote(ctx context.Context, orderID string, req domain.RemotePaymentRequest) (domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if actor.Role != domain.RoleAdmin && order.UserID != actor.UserID {
		return domain.Order{}, fmt.Errorf("%w: order %s", store.ErrForbidden, orderID)
	}
	if domain.StoreKindFor(order.StoreID) != domain.StoreKindVirtual {
		return domain.Order{}, fmt.Errorf("%w: store %s has no payment gateway", store.ErrInvalidRequest, order.StoreID)
	}
	if strings.TrimSpace(req.CardToken) == "" {
		return domain.Order{}, fmt.Errorf("%w: card token required", store.ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return domain.Order{}, fmt.Errorf("%w: charge amount must be positive", store.ErrInvalidRequest)
	}
	// Remote charges are for the exact order total. Under-payment is an
	// insufficient-funds failure, over-payment a malformed charge.
	if req.Amount.LessThan(order.Total) {
		return domain.Order{}, fmt.Errorf("%w: charged %s, order total %s", store.ErrInsufficientPayment, req.Amount, order.Total)
	}
	if req.Amount.GreaterThan(order.Total) {
		return domain.Order{}, fmt.Errorf("%w: charge %s exceeds order total %s", store.ErrInvalidRequest, req.Amount, order.Total)
	}

	payment := domain.PaymentRecord{
		Method:    domain.PaymentMethodGateway,
		Amount:    req.Amount,
		Change:    decimal.Zero,
		Reference: xid.Short("REF"),
		PaidAt:    time.Now().UTC(),
	}
	settled, err := s.repo.SettleOrder(ctx, orderID, payment)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, settled.StoreID, "order_settle_remote", "order", orderID, fmt.Sprintf("amount=%s,ref=%s", payment.Amount, payment.Reference))
	return *settled, nil
}

func (s *Service) CommitStock(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.Order{}, err
	}

	committed, err := s.repo.CommitOrderStock(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, committed.StoreID, "order_commit_stock", "order", orderID, fmt.Sprintf("lines=%d", len(committed.Items)))
	return *committed, nil
}

func (s *Service) FinalizeSale(ctx context.Context, orderID string) (domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Sale{}, err
	}
	if actor.Role != domain.RoleAdmin && order.UserID != actor.UserID {
		return domain.Sale{}, fmt.Errorf("%w: order %s", store.ErrForbidden, orderID)
	}

	sale := domain.Sale{
		ID:              "sale-" + uuid.NewString(),
		OrderID:         order.ID,
		UserID:          order.UserID,
		StoreID:         order.StoreID,
		Items:           order.Items,
		Total:           order.Total,
		Delivery:        order.Delivery,
		DeliveryAddress: order.DeliveryAddress,
		DeliveryFee:     order.DeliveryFee,
		Status:          domain.SaleStatusCompleted,
		CreatedAt:       time.Now().UTC(),
	}

	created, err := s.repo.FinalizeOrderSale(ctx, orderID, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, created.StoreID, "sale_finalize", "sale", created.ID, fmt.Sprintf("order=%s,total=%s", orderID, created.Total))
	return *created, nil
}

func (s *Service) AssignDelivery(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	assignment := domain.DeliveryAssignment{
		CourierID:   courierID,
		CourierName: courierName,
		Vehicle:     courierVehicle,
		Phone:       courierPhone,
		ETAMinutes:  courierETA,
		AssignedAt:  time.Now().UTC(),
	}
	assigned, err := s.repo.AssignOrderDelivery(ctx, orderID, assignment)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, assigned.StoreID, "delivery_assign", "order", orderID, fmt.Sprintf("courier=%s,eta_min=%d", assignment.CourierID, assignment.ETAMinutes))
	return *assigned, nil
}

func (s *Service) ConfirmDelivery(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	confirmed, err := s.repo.ConfirmOrderDelivery(ctx, orderID, time.Now().UTC())
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, confirmed.StoreID, "delivery_confirm", "order", orderID, "status=delivered")
	return *confirmed, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if actor.Role != domain.RoleAdmin && sale.UserID != actor.UserID {
		return domain.Sale{}, fmt.Errorf("%w: sale %s", store.ErrForbidden, saleID)
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, storeID string, limit int) ([]domain.Sale, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, storeID, limit)
}

// GenerateInvoice backs the tax out of the sale total excluding the delivery
// surcharge: subtotal = base / (1 + rate), tax = base - subtotal, both at two
// decimal places. The document number is minted once per sale and reused.
func (s *Service) GenerateInvoice(ctx context.Context, saleID string) (domain.FiscalDocument, error) {
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return domain.FiscalDocument{}, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return domain.FiscalDocument{}, fmt.Errorf("%w: sale %s is not completed", store.ErrConflict, saleID)
	}

	number, err := s.repo.StampSaleDocument(ctx, saleID, domain.DocumentKindInvoice, xid.Short("F"))
	if err != nil {
		return domain.FiscalDocument{}, err
	}

	base := sale.Total.Sub(sale.DeliveryFee)
	divisor := decimal.NewFromInt(1).Add(s.taxRate.Div(decimal.NewFromInt(100)))
	subtotal := base.Div(divisor).Round(2)
	tax := base.Sub(subtotal)

	doc := domain.FiscalDocument{
		Kind:        domain.DocumentKindInvoice,
		Number:      number,
		SaleID:      sale.ID,
		CustomerID:  sale.UserID,
		Items:       sale.Items,
		Subtotal:    subtotal,
		Tax:         tax,
		DeliveryFee: sale.DeliveryFee,
		Total:       sale.Total,
		IssuedAt:    time.Now().UTC(),
	}

	s.logAudit(ctx, sale.StoreID, "invoice_generate", "sale", saleID, fmt.Sprintf("number=%s", number))
	return doc, nil
}

func (s *Service) GenerateReceipt(ctx context.Context, saleID string) (domain.FiscalDocument, error) {
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return domain.FiscalDocument{}, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return domain.FiscalDocument{}, fmt.Errorf("%w: sale %s is not completed", store.ErrConflict, saleID)
	}

	number, err := s.repo.StampSaleDocument(ctx, saleID, domain.DocumentKindReceipt, xid.Short("B"))
	if err != nil {
		return domain.FiscalDocument{}, err
	}

	doc := domain.FiscalDocument{
		Kind:        domain.DocumentKindReceipt,
		Number:      number,
		SaleID:      sale.ID,
		CustomerID:  sale.UserID,
		Items:       sale.Items,
		DeliveryFee: sale.DeliveryFee,
		Total:       sale.Total,
		IssuedAt:    time.Now().UTC(),
	}

	s.logAudit(ctx, sale.StoreID, "receipt_generate", "sale", saleID, fmt.Sprintf("number=%s", number))
	return doc, nil
}

func (s *Service) RegisterSale(ctx context.Context, saleID string) (domain.Sale, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Sale{}, err
	}

	registered, err := s.repo.RegisterSale(ctx, saleID, time.Now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, registered.StoreID, "sale_register", "sale", saleID, "registered=true")
	return *registered, nil
}

func (s *Service) Restock(ctx context.Context, storeID string, req domain.StockRestockRequest) (domain.InventoryEntry, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.InventoryEntry{}, err
	}
	if req.Quantity < 1 {
		return domain.InventoryEntry{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}

	err := s.repo.RestockStock(ctx, storeID, []domain.OrderLine{{ProductID: req.ProductID, Quantity: req.Quantity}})
	if err != nil {
		return domain.InventoryEntry{}, err
	}
	entry, err := s.repo.GetInventoryEntry(ctx, storeID, req.ProductID)
	if err != nil {
		return domain.InventoryEntry{}, err
	}

	s.logAudit(ctx, storeID, "stock_restock", "product", req.ProductID, fmt.Sprintf("qty=%d", req.Quantity))
	return *entry, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
