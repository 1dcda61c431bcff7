package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(memory.NewSeeded(), nil, decimal.Zero, decimal.Zero)
}

type stubDirectory struct {
	products map[string]domain.CatalogProduct
}

func (d stubDirectory) Product(_ context.Context, productID string) (*domain.CatalogProduct, error) {
	p, exists := d.products[productID]
	if !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	copyP := p
	return &copyP, nil
}

func (d stubDirectory) Products(_ context.Context, productIDs []string) (map[string]domain.CatalogProduct, error) {
	out := make(map[string]domain.CatalogProduct, len(productIDs))
	for _, id := range productIDs {
		if p, exists := d.products[id]; exists {
			out[id] = p
		}
	}
	return out, nil
}

func (d stubDirectory) List(_ context.Context) ([]domain.CatalogProduct, error) {
	out := make([]domain.CatalogProduct, 0, len(d.products))
	for _, p := range d.products {
		out = append(out, p)
	}
	return out, nil
}

func customerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "user1", Username: "user1", Role: domain.RoleCustomer})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "admin1", Username: "admin1", Role: domain.RoleAdmin})
}

func addLine(t *testing.T, svc *Service, ctx context.Context, storeID, productID string, qty int, delivery bool, address string) domain.CartResponse {
	t.Helper()
	resp, err := svc.AddToCart(ctx, domain.AddToCartRequest{
		StoreID:         storeID,
		ProductID:       productID,
		Quantity:        qty,
		Delivery:        delivery,
		DeliveryAddress: address,
	})
	if err != nil {
		t.Fatalf("add %s x%d to cart for %s failed: %v", productID, qty, storeID, err)
	}
	return resp
}

func mustCreateOrder(t *testing.T, svc *Service, ctx context.Context, storeID string) domain.Order {
	t.Helper()
	order, err := svc.CreateOrder(ctx, storeID)
	if err != nil {
		t.Fatalf("create order for %s failed: %v", storeID, err)
	}
	return order
}

func mustEqualMoney(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: expected %s, got %s", label, want, got)
	}
}

func stockQuantity(t *testing.T, svc *Service, ctx context.Context, storeID, productID string) int {
	t.Helper()
	entries, err := svc.CheckStock(ctx, storeID, productID)
	if err != nil {
		t.Fatalf("check stock for %s/%s failed: %v", storeID, productID, err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single stock entry, got %d", len(entries))
	}
	return entries[0].Quantity
}

func TestAddToCartMergesDuplicateLines(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 2, false, "")
	resp := addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 3, false, "")

	if len(resp.Cart.Lines) != 1 {
		t.Fatalf("expected merged single line, got %d lines", len(resp.Cart.Lines))
	}
	if resp.Cart.Lines[0].Quantity != 5 {
		t.Fatalf("expected merged quantity 5, got %d", resp.Cart.Lines[0].Quantity)
	}
	mustEqualMoney(t, "cart total", resp.Total, "27.50")
}

func TestAddToCartDeliveryAddsFlatFee(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 2, true, "Av. Siempre Viva 742")
	resp := addLine(t, svc, ctx, "tienda_virtual_1", "producto_002", 1, true, "Av. Siempre Viva 742")

	mustEqualMoney(t, "delivery cart total", resp.Total, "29.75")
	if !resp.Cart.Delivery {
		t.Fatalf("expected delivery flag on cart")
	}
}

func TestAddToCartDeliveryRequiresAddress(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddToCart(customerCtx(), domain.AddToCartRequest{
		StoreID:   "tienda_virtual_1",
		ProductID: "producto_001",
		Quantity:  1,
		Delivery:  true,
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for delivery without address, got %v", err)
	}
}

func TestAddToCartRejectsInsufficientStock(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddToCart(customerCtx(), domain.AddToCartRequest{
		StoreID:   "tienda_fisica_1",
		ProductID: "producto_001",
		Quantity:  101,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if !strings.Contains(err.Error(), "Paracetamol") {
		t.Fatalf("expected product name in error, got %q", err.Error())
	}
}

func TestAddToCartChecksAccumulatedQuantity(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_002", 70, false, "")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{
		StoreID:   "tienda_fisica_1",
		ProductID: "producto_002",
		Quantity:  10,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for accumulated 80 of 75, got %v", err)
	}
}

func TestAddToCartUnknownProduct(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddToCart(customerCtx(), domain.AddToCartRequest{
		StoreID:   "tienda_fisica_1",
		ProductID: "producto_999",
		Quantity:  1,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown product, got %v", err)
	}
}

func TestCreateOrderConsumesCart(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 2, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", order.PaymentStatus)
	}
	if order.FulfillmentStatus != domain.FulfillmentNotSold {
		t.Fatalf("expected not_sold fulfillment, got %s", order.FulfillmentStatus)
	}
	mustEqualMoney(t, "order total", order.Total, "11.00")

	if _, err := svc.GetCart(ctx, "tienda_fisica_1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cart to be consumed by order creation, got %v", err)
	}
}

func TestCartAndOrderLineNamesComeFromCatalog(t *testing.T) {
	directory := stubDirectory{products: map[string]domain.CatalogProduct{
		"producto_001": {ID: "producto_001", Name: "Paracetamol 500mg Tabletas"},
	}}
	svc := New(memory.NewSeeded(), directory, decimal.Zero, decimal.Zero)
	ctx := customerCtx()

	resp := addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 1, false, "")
	if resp.Cart.Lines[0].Name != "Paracetamol 500mg Tabletas" {
		t.Fatalf("expected catalog display name on cart line, got %q", resp.Cart.Lines[0].Name)
	}

	// Unlisted products keep the inventory row's name.
	resp = addLine(t, svc, ctx, "tienda_fisica_1", "producto_002", 1, false, "")
	if resp.Cart.Lines[1].Name != "Ibuprofeno 400mg" {
		t.Fatalf("expected inventory fallback name, got %q", resp.Cart.Lines[1].Name)
	}

	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")
	if order.Items[0].Name != "Paracetamol 500mg Tabletas" {
		t.Fatalf("expected catalog display name on order line, got %q", order.Items[0].Name)
	}
	if order.Items[1].Name != "Ibuprofeno 400mg" {
		t.Fatalf("expected inventory fallback name on order line, got %q", order.Items[1].Name)
	}
}

func TestClearCartAbandonsLines(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 2, false, "")
	if err := svc.ClearCart(ctx, "tienda_fisica_1"); err != nil {
		t.Fatalf("clear cart failed: %v", err)
	}
	if _, err := svc.GetCart(ctx, "tienda_fisica_1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected empty cart after clear, got %v", err)
	}

	if err := svc.ClearCart(ctx, "tienda_fisica_1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found clearing an empty cart, got %v", err)
	}
}

func TestCreateOrderWithoutCart(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateOrder(customerCtx(), "tienda_fisica_1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found without a cart, got %v", err)
	}
}

func TestSettleTerminalComputesChange(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 3, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")
	mustEqualMoney(t, "order total", order.Total, "16.50")

	settled, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{
		AmountTendered: decimal.RequireFromString("26.50"),
	})
	if err != nil {
		t.Fatalf("terminal settlement failed: %v", err)
	}
	if settled.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid status, got %s", settled.PaymentStatus)
	}
	if settled.Payment == nil {
		t.Fatalf("expected payment record on settled order")
	}
	if settled.Payment.Method != domain.PaymentMethodTerminal {
		t.Fatalf("expected terminal method, got %s", settled.Payment.Method)
	}
	mustEqualMoney(t, "change", settled.Payment.Change, "10.00")
}

func TestSettleTerminalRejectsInsufficientTender(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 3, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	_, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{
		AmountTendered: decimal.RequireFromString("16.49"),
	})
	if !errors.Is(err, store.ErrInsufficientPayment) {
		t.Fatalf("expected insufficient payment, got %v", err)
	}
}

func TestSettleTerminalTwiceConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	tender := domain.TerminalPaymentRequest{AmountTendered: decimal.RequireFromString("5.50")}
	if _, err := svc.SettleTerminal(ctx, order.ID, tender); err != nil {
		t.Fatalf("first settlement failed: %v", err)
	}
	if _, err := svc.SettleTerminal(ctx, order.ID, tender); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second settlement, got %v", err)
	}
}

func TestSettleTerminalOnVirtualStore(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")

	_, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{
		AmountTendered: decimal.RequireFromString("100.00"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for terminal on virtual store, got %v", err)
	}
}

func TestSettleRemoteExactAmountOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 2, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")
	mustEqualMoney(t, "order total", order.Total, "11.00")

	under := domain.RemotePaymentRequest{Amount: decimal.RequireFromString("10.99"), CardToken: "tok_visa"}
	if _, err := svc.SettleRemote(ctx, order.ID, under); !errors.Is(err, store.ErrInsufficientPayment) {
		t.Fatalf("expected insufficient payment for under-charge, got %v", err)
	}

	over := domain.RemotePaymentRequest{Amount: decimal.RequireFromString("11.01"), CardToken: "tok_visa"}
	if _, err := svc.SettleRemote(ctx, order.ID, over); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for over-charge, got %v", err)
	}

	exact := domain.RemotePaymentRequest{Amount: decimal.RequireFromString("11.00"), CardToken: "tok_visa"}
	settled, err := svc.SettleRemote(ctx, order.ID, exact)
	if err != nil {
		t.Fatalf("exact remote settlement failed: %v", err)
	}
	if settled.Payment == nil || settled.Payment.Method != domain.PaymentMethodGateway {
		t.Fatalf("expected gateway payment record, got %+v", settled.Payment)
	}
	if settled.Payment.Reference == "" {
		t.Fatalf("expected gateway reference on payment record")
	}
}

func TestSettleRemoteRequiresCardToken(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")

	_, err := svc.SettleRemote(ctx, order.ID, domain.RemotePaymentRequest{
		Amount: decimal.RequireFromString("5.50"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request without card token, got %v", err)
	}
}

func TestSettleRemoteRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")

	for _, amount := range []string{"-1.00", "0"} {
		_, err := svc.SettleRemote(ctx, order.ID, domain.RemotePaymentRequest{
			Amount:    decimal.RequireFromString(amount),
			CardToken: "tok_visa",
		})
		if !errors.Is(err, store.ErrInvalidRequest) {
			t.Fatalf("expected invalid request for charge %s, got %v", amount, err)
		}
	}
}

func TestSettleRemoteOnPhysicalStore(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	_, err := svc.SettleRemote(ctx, order.ID, domain.RemotePaymentRequest{
		Amount:    decimal.RequireFromString("5.50"),
		CardToken: "tok_visa",
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for gateway on physical store, got %v", err)
	}
}

func TestCommitStockRequiresPayment(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 2, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	if _, err := svc.CommitStock(ctx, order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict committing stock on unpaid order, got %v", err)
	}
}

func TestCommitStockDecrementsExactlyOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 4, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")
	if _, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{AmountTendered: decimal.RequireFromString("22.00")}); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}

	committed, err := svc.CommitStock(ctx, order.ID)
	if err != nil {
		t.Fatalf("commit stock failed: %v", err)
	}
	if !committed.StockCommitted {
		t.Fatalf("expected stock committed flag")
	}
	if got := stockQuantity(t, svc, ctx, "tienda_fisica_1", "producto_001"); got != 96 {
		t.Fatalf("expected stock 96 after commit, got %d", got)
	}

	if _, err := svc.CommitStock(ctx, order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second commit, got %v", err)
	}

	// Finalizing after an explicit commit must not decrement again.
	if _, err := svc.FinalizeSale(ctx, order.ID); err != nil {
		t.Fatalf("finalize after commit failed: %v", err)
	}
	if got := stockQuantity(t, svc, ctx, "tienda_fisica_1", "producto_001"); got != 96 {
		t.Fatalf("expected stock unchanged at 96 after finalize, got %d", got)
	}
}

func TestFinalizeSaleDecrementsWhenNotCommitted(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_002", 5, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")
	if _, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{AmountTendered: decimal.RequireFromString("43.75")}); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}

	sale, err := svc.FinalizeSale(ctx, order.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed sale, got %s", sale.Status)
	}
	if got := stockQuantity(t, svc, ctx, "tienda_fisica_1", "producto_002"); got != 70 {
		t.Fatalf("expected stock 70 after finalize, got %d", got)
	}

	if _, err := svc.FinalizeSale(ctx, order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict finalizing an already sold order, got %v", err)
	}
}

func TestFinalizeSaleRequiresPayment(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	if _, err := svc.FinalizeSale(ctx, order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict finalizing unpaid order, got %v", err)
	}
}

func TestPickupFlowWithFiscalDocuments(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 3, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	if _, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{AmountTendered: decimal.RequireFromString("26.50")}); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}
	sale, err := svc.FinalizeSale(ctx, order.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	finalized, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if finalized.FulfillmentStatus != domain.FulfillmentSold {
		t.Fatalf("expected sold status after finalize, got %s", finalized.FulfillmentStatus)
	}

	invoice, err := svc.GenerateInvoice(ctx, sale.ID)
	if err != nil {
		t.Fatalf("invoice generation failed: %v", err)
	}
	if !strings.HasPrefix(invoice.Number, "F-") {
		t.Fatalf("expected invoice number with F- prefix, got %s", invoice.Number)
	}
	mustEqualMoney(t, "invoice subtotal", invoice.Subtotal, "13.98")
	mustEqualMoney(t, "invoice tax", invoice.Tax, "2.52")
	mustEqualMoney(t, "invoice total", invoice.Total, "16.50")
	if !invoice.Subtotal.Add(invoice.Tax).Add(invoice.DeliveryFee).Equal(invoice.Total) {
		t.Fatalf("invoice components do not sum to total")
	}

	again, err := svc.GenerateInvoice(ctx, sale.ID)
	if err != nil {
		t.Fatalf("repeat invoice generation failed: %v", err)
	}
	if again.Number != invoice.Number {
		t.Fatalf("expected memoized invoice number %s, got %s", invoice.Number, again.Number)
	}

	receipt, err := svc.GenerateReceipt(ctx, sale.ID)
	if err != nil {
		t.Fatalf("receipt generation failed: %v", err)
	}
	if !strings.HasPrefix(receipt.Number, "B-") {
		t.Fatalf("expected receipt number with B- prefix, got %s", receipt.Number)
	}
	mustEqualMoney(t, "receipt total", receipt.Total, "16.50")

	registered, err := svc.RegisterSale(adminCtx(), sale.ID)
	if err != nil {
		t.Fatalf("register sale failed: %v", err)
	}
	if !registered.Registered || registered.RegisteredAt == nil {
		t.Fatalf("expected registered sale with timestamp")
	}
	if _, err := svc.RegisterSale(adminCtx(), sale.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict re-registering sale, got %v", err)
	}
}

func TestRegisterSaleRequiresFiscalDocument(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")
	if _, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{AmountTendered: decimal.RequireFromString("5.50")}); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}
	sale, err := svc.FinalizeSale(ctx, order.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if _, err := svc.RegisterSale(adminCtx(), sale.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict registering sale without a document, got %v", err)
	}
}

func TestDeliveryFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 2, true, "Av. Siempre Viva 742")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")
	mustEqualMoney(t, "delivery order total", order.Total, "21.00")
	mustEqualMoney(t, "delivery fee", order.DeliveryFee, "10.00")

	if _, err := svc.SettleRemote(ctx, order.ID, domain.RemotePaymentRequest{
		Amount:    decimal.RequireFromString("21.00"),
		CardToken: "tok_visa",
	}); err != nil {
		t.Fatalf("remote settlement failed: %v", err)
	}

	assigned, err := svc.AssignDelivery(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("assign delivery failed: %v", err)
	}
	if assigned.FulfillmentStatus != domain.FulfillmentEnRoute {
		t.Fatalf("expected en_delivery status after assignment, got %s", assigned.FulfillmentStatus)
	}
	if assigned.Courier == nil || assigned.Courier.CourierID != courierID {
		t.Fatalf("expected courier %s assigned, got %+v", courierID, assigned.Courier)
	}

	sale, err := svc.FinalizeSale(ctx, order.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	delivered, err := svc.ConfirmDelivery(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("confirm delivery failed: %v", err)
	}
	if delivered.FulfillmentStatus != domain.FulfillmentDelivered {
		t.Fatalf("expected delivered status, got %s", delivered.FulfillmentStatus)
	}
	if delivered.Courier == nil || delivered.Courier.DeliveredAt == nil {
		t.Fatalf("expected delivery timestamp on courier record")
	}

	invoice, err := svc.GenerateInvoice(ctx, sale.ID)
	if err != nil {
		t.Fatalf("invoice generation failed: %v", err)
	}
	mustEqualMoney(t, "invoice subtotal", invoice.Subtotal, "9.32")
	mustEqualMoney(t, "invoice tax", invoice.Tax, "1.68")
	mustEqualMoney(t, "invoice delivery fee", invoice.DeliveryFee, "10.00")
	mustEqualMoney(t, "invoice total", invoice.Total, "21.00")
}

func TestAssignDeliveryRequiresPayment(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 1, true, "Av. Siempre Viva 742")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")

	if _, err := svc.AssignDelivery(adminCtx(), order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict assigning courier to unpaid order, got %v", err)
	}
}

func TestConfirmDeliveryRequiresCourier(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 1, true, "Av. Siempre Viva 742")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")
	if _, err := svc.SettleRemote(ctx, order.ID, domain.RemotePaymentRequest{
		Amount:    decimal.RequireFromString("15.50"),
		CardToken: "tok_visa",
	}); err != nil {
		t.Fatalf("remote settlement failed: %v", err)
	}
	if _, err := svc.FinalizeSale(ctx, order.ID); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if _, err := svc.ConfirmDelivery(adminCtx(), order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict confirming delivery without a courier, got %v", err)
	}
}

func TestAssignDeliveryRejectsPickupOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, ctx, "tienda_fisica_1")
	if _, err := svc.SettleTerminal(ctx, order.ID, domain.TerminalPaymentRequest{AmountTendered: decimal.RequireFromString("5.50")}); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}

	if _, err := svc.AssignDelivery(adminCtx(), order.ID); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request assigning courier to pickup order, got %v", err)
	}
}

func TestConfirmDeliveryRequiresFinalizedSale(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_virtual_1", "producto_001", 1, true, "Av. Siempre Viva 742")
	order := mustCreateOrder(t, svc, ctx, "tienda_virtual_1")
	if _, err := svc.SettleRemote(ctx, order.ID, domain.RemotePaymentRequest{
		Amount:    decimal.RequireFromString("15.50"),
		CardToken: "tok_visa",
	}); err != nil {
		t.Fatalf("remote settlement failed: %v", err)
	}
	if _, err := svc.AssignDelivery(adminCtx(), order.ID); err != nil {
		t.Fatalf("assign delivery failed: %v", err)
	}

	if _, err := svc.ConfirmDelivery(adminCtx(), order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict confirming delivery before finalize, got %v", err)
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	if _, err := svc.AssignDelivery(ctx, "order-x"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden assigning delivery as customer, got %v", err)
	}
	if _, err := svc.ConfirmDelivery(ctx, "order-x"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden confirming delivery as customer, got %v", err)
	}
	if _, err := svc.RegisterSale(ctx, "sale-x"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden registering sale as customer, got %v", err)
	}
	if _, err := svc.ListOrders(ctx, "", 10); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden listing orders as customer, got %v", err)
	}
	if _, err := svc.ListSales(ctx, "", 10); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden listing sales as customer, got %v", err)
	}
	if _, err := svc.Restock(ctx, "tienda_fisica_1", domain.StockRestockRequest{ProductID: "producto_001", Quantity: 5}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden restocking as customer, got %v", err)
	}
	if _, err := svc.ListAuditLogs(ctx, "", time.Time{}, time.Time{}, 10); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden listing audit logs as customer, got %v", err)
	}
}

func TestMissingActorIsUnauthenticated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CheckStock(ctx, "tienda_fisica_1", ""); !errors.Is(err, store.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated checking stock, got %v", err)
	}
	if _, err := svc.AddToCart(ctx, domain.AddToCartRequest{StoreID: "tienda_fisica_1", ProductID: "producto_001", Quantity: 1}); !errors.Is(err, store.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated adding to cart, got %v", err)
	}
	if _, err := svc.GetCart(ctx, "tienda_fisica_1"); !errors.Is(err, store.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated fetching cart, got %v", err)
	}
}

func TestOrderOwnership(t *testing.T) {
	svc := newTestService(t)
	owner := customerCtx()

	addLine(t, svc, owner, "tienda_fisica_1", "producto_001", 1, false, "")
	order := mustCreateOrder(t, svc, owner, "tienda_fisica_1")

	stranger := WithActor(context.Background(), domain.Actor{UserID: "user2", Username: "user2", Role: domain.RoleCustomer})
	if _, err := svc.GetOrder(stranger, order.ID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden fetching another customer's order, got %v", err)
	}
	if _, err := svc.SettleTerminal(stranger, order.ID, domain.TerminalPaymentRequest{AmountTendered: decimal.RequireFromString("5.50")}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden settling another customer's order, got %v", err)
	}

	// Admins can see any order.
	if _, err := svc.GetOrder(adminCtx(), order.ID); err != nil {
		t.Fatalf("admin fetch of customer order failed: %v", err)
	}
}

func TestRestockIncreasesQuantity(t *testing.T) {
	svc := newTestService(t)

	entry, err := svc.Restock(adminCtx(), "tienda_fisica_1", domain.StockRestockRequest{ProductID: "producto_001", Quantity: 25})
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	if entry.Quantity != 125 {
		t.Fatalf("expected quantity 125 after restock, got %d", entry.Quantity)
	}
}

func TestAuditLogsRecordMutations(t *testing.T) {
	svc := newTestService(t)
	ctx := customerCtx()

	addLine(t, svc, ctx, "tienda_fisica_1", "producto_001", 1, false, "")
	mustCreateOrder(t, svc, ctx, "tienda_fisica_1")

	logs, err := svc.ListAuditLogs(adminCtx(), "tienda_fisica_1", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("expected at least cart and order audit entries, got %d", len(logs))
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	if !actions["cart_add"] || !actions["order_create"] {
		t.Fatalf("expected cart_add and order_create actions, got %v", actions)
	}
}

func TestListCatalogAndStores(t *testing.T) {
	svc := newTestService(t)

	products, err := svc.ListCatalog(context.Background())
	if err != nil {
		t.Fatalf("list catalog failed: %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("expected 3 catalog products, got %d", len(products))
	}

	stores, err := svc.ListStores(context.Background())
	if err != nil {
		t.Fatalf("list stores failed: %v", err)
	}
	if len(stores) != 2 {
		t.Fatalf("expected 2 stores, got %d", len(stores))
	}
}
