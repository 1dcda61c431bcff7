package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListStores(ctx context.Context) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind
		FROM stores
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stores := make([]domain.Store, 0, 8)
	for rows.Next() {
		var st domain.Store
		if err := rows.Scan(&st.ID, &st.Name, &st.Kind); err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stores, nil
}

func (s *Store) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind
		FROM stores
		WHERE id = $1
	`, storeID).Scan(&st.ID, &st.Name, &st.Kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: store %s", store.ErrNotFound, storeID)
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListInventory(ctx context.Context, storeID string) ([]domain.InventoryEntry, error) {
	if _, err := s.GetStore(ctx, storeID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT store_id, product_id, name, unit_price, quantity
		FROM inventory
		WHERE store_id = $1
		ORDER BY product_id
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.InventoryEntry, 0, 64)
	for rows.Next() {
		var entry domain.InventoryEntry
		if err := rows.Scan(&entry.StoreID, &entry.ProductID, &entry.Name, &entry.UnitPrice, &entry.Quantity); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Store) GetInventoryEntry(ctx context.Context, storeID string, productID string) (*domain.InventoryEntry, error) {
	var entry domain.InventoryEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, product_id, name, unit_price, quantity
		FROM inventory
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&entry.StoreID, &entry.ProductID, &entry.Name, &entry.UnitPrice, &entry.Quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, productID, storeID)
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) ReserveStock(ctx context.Context, storeID string, lines []domain.OrderLine) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := reserveStockTx(ctx, tx, storeID, lines); err != nil {
		return err
	}

	return tx.Commit()
}

// reserveStockTx locks every affected inventory row, validates all lines, and
// only then decrements. A failed line aborts before any write.
func reserveStockTx(ctx context.Context, tx *sql.Tx, storeID string, lines []domain.OrderLine) error {
	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM inventory
		WHERE store_id = $1 AND product_id = ANY($2)
		FOR UPDATE
	`, storeID, productIDs)
	if err != nil {
		return err
	}
	available := make(map[string]int, len(lines))
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			_ = rows.Close()
			return err
		}
		available[productID] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, line := range lines {
		qty, exists := available[line.ProductID]
		if !exists {
			return fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, line.ProductID, storeID)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("%w: quantity for product %s", store.ErrInvalidRequest, line.ProductID)
		}
		if qty < line.Quantity {
			return fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, line.ProductID, qty, line.Quantity)
		}
	}

	for _, line := range lines {
		_, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET quantity = quantity - $3, updated_at = now()
			WHERE store_id = $1 AND product_id = $2
		`, storeID, line.ProductID, line.Quantity)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RestockStock(ctx context.Context, storeID string, lines []domain.OrderLine) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, line := range lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET quantity = quantity + $3, updated_at = now()
			WHERE store_id = $1 AND product_id = $2
		`, storeID, line.ProductID, line.Quantity)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, line.ProductID, storeID)
		}
	}

	return tx.Commit()
}

func (s *Store) SetStock(ctx context.Context, storeID string, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidRequest
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = $3, updated_at = now()
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, productID, storeID)
	}
	return nil
}

func (s *Store) UpsertCartLine(ctx context.Context, userID string, req domain.AddToCartRequest, entry domain.InventoryEntry) (*domain.Cart, error) {
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO carts (user_id, store_id, delivery, delivery_address, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (user_id, store_id)
		DO UPDATE SET delivery = $3, delivery_address = $4
	`, userID, req.StoreID, req.Delivery, nullIfEmpty(req.DeliveryAddress))
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cart_lines (user_id, store_id, product_id, name, quantity, unit_price)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, store_id, product_id)
		DO UPDATE SET quantity = cart_lines.quantity + $5
	`, userID, req.StoreID, entry.ProductID, entry.Name, req.Quantity, entry.UnitPrice)
	if err != nil {
		return nil, err
	}

	cart, err := getCartTx(ctx, tx, userID, req.StoreID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *Store) GetCart(ctx context.Context, userID string, storeID string) (*domain.Cart, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cart, err := getCartTx(ctx, tx, userID, storeID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cart, nil
}

func getCartTx(ctx context.Context, tx *sql.Tx, userID string, storeID string) (*domain.Cart, error) {
	var cart domain.Cart
	var address sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, store_id, delivery, delivery_address, created_at
		FROM carts
		WHERE user_id = $1 AND store_id = $2
	`, userID, storeID).Scan(&cart.UserID, &cart.StoreID, &cart.Delivery, &address, &cart.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: cart for store %s", store.ErrNotFound, storeID)
		}
		return nil, err
	}
	cart.DeliveryAddress = address.String

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, name, quantity, unit_price
		FROM cart_lines
		WHERE user_id = $1 AND store_id = $2
		ORDER BY product_id
	`, userID, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		cart.Lines = append(cart.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cart.Lines) == 0 {
		return nil, fmt.Errorf("%w: cart for store %s", store.ErrNotFound, storeID)
	}

	return &cart, nil
}

func (s *Store) ClearCart(ctx context.Context, userID string, storeID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := clearCartTx(ctx, tx, userID, storeID); err != nil {
		return err
	}
	return tx.Commit()
}

func clearCartTx(ctx context.Context, tx *sql.Tx, userID string, storeID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE user_id = $1 AND store_id = $2`, userID, storeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM carts WHERE user_id = $1 AND store_id = $2`, userID, storeID); err != nil {
		return err
	}
	return nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" || order.UserID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Availability check with row locks but no decrement: stock leaves the
	// ledger only at commit or finalize.
	productIDs := make([]string, 0, len(order.Items))
	for _, line := range order.Items {
		productIDs = append(productIDs, line.ProductID)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM inventory
		WHERE store_id = $1 AND product_id = ANY($2)
		FOR UPDATE
	`, order.StoreID, productIDs)
	if err != nil {
		return nil, err
	}
	available := make(map[string]int, len(order.Items))
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		available[productID] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	for _, line := range order.Items {
		qty, exists := available[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s in store %s", store.ErrNotFound, line.ProductID, order.StoreID)
		}
		if qty < line.Quantity {
			return nil, fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, line.ProductID, qty, line.Quantity)
		}
	}

	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, store_id, items, delivery, delivery_address, delivery_fee, total,
			payment_status, fulfillment_status, stock_committed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, order.ID, order.UserID, order.StoreID, items, order.Delivery, nullIfEmpty(order.DeliveryAddress),
		order.DeliveryFee, order.Total, order.PaymentStatus, order.FulfillmentStatus, order.StockCommitted, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: order %s already exists", store.ErrConflict, order.ID)
		}
		return nil, err
	}

	if err := clearCartTx(ctx, tx, order.UserID, order.StoreID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := order
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, store_id, items, delivery, delivery_address, delivery_fee, total,
			payment_status, fulfillment_status, stock_committed, payment, courier, created_at
		FROM orders
		WHERE id = $1
	`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var address sql.NullString
	var items, payment, courier []byte
	err := row.Scan(&order.ID, &order.UserID, &order.StoreID, &items, &order.Delivery, &address,
		&order.DeliveryFee, &order.Total, &order.PaymentStatus, &order.FulfillmentStatus,
		&order.StockCommitted, &payment, &courier, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	order.DeliveryAddress = address.String
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, err
	}
	if len(payment) > 0 {
		order.Payment = &domain.PaymentRecord{}
		if err := json.Unmarshal(payment, order.Payment); err != nil {
			return nil, err
		}
	}
	if len(courier) > 0 {
		order.Courier = &domain.DeliveryAssignment{}
		if err := json.Unmarshal(courier, order.Courier); err != nil {
			return nil, err
		}
	}
	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, storeID string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, store_id, items, delivery, delivery_address, delivery_fee, total,
			payment_status, fulfillment_status, stock_committed, payment, courier, created_at
		FROM orders
		WHERE ($1 = '' OR store_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// lockOrderTx fetches an order row under FOR UPDATE so state transitions are
// check-and-set within one transaction.
func lockOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (*domain.Order, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, store_id, items, delivery, delivery_address, delivery_fee, total,
			payment_status, fulfillment_status, stock_committed, payment, courier, created_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) SettleOrder(ctx context.Context, orderID string, payment domain.PaymentRecord) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: order %s is already paid", store.ErrConflict, orderID)
	}

	payload, err := json.Marshal(payment)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2, payment = $3
		WHERE id = $1
	`, orderID, domain.PaymentStatusPaid, payload)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.PaymentStatus = domain.PaymentStatusPaid
	recorded := payment
	order.Payment = &recorded
	return order, nil
}

func (s *Store) CommitOrderStock(ctx context.Context, orderID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: order %s is not paid", store.ErrConflict, orderID)
	}
	if order.StockCommitted {
		return nil, fmt.Errorf("%w: stock for order %s already committed", store.ErrConflict, orderID)
	}

	if err := reserveStockTx(ctx, tx, order.StoreID, order.Items); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE orders SET stock_committed = true WHERE id = $1`, orderID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.StockCommitted = true
	return order, nil
}

func (s *Store) FinalizeOrderSale(ctx context.Context, orderID string, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: order %s is not paid", store.ErrConflict, orderID)
	}
	if order.FulfillmentStatus == domain.FulfillmentSold || order.FulfillmentStatus == domain.FulfillmentDelivered {
		return nil, fmt.Errorf("%w: order %s already sold", store.ErrConflict, orderID)
	}

	if !order.StockCommitted {
		if err := reserveStockTx(ctx, tx, order.StoreID, order.Items); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET fulfillment_status = $2, stock_committed = true
		WHERE id = $1
	`, orderID, domain.FulfillmentSold)
	if err != nil {
		return nil, err
	}

	items, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, order_id, user_id, store_id, items, total, delivery, delivery_address,
			delivery_fee, status, registered, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, sale.OrderID, sale.UserID, sale.StoreID, items, sale.Total, sale.Delivery,
		nullIfEmpty(sale.DeliveryAddress), sale.DeliveryFee, sale.Status, sale.Registered, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: order %s already has a sale", store.ErrConflict, orderID)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) AssignOrderDelivery(ctx context.Context, orderID string, assignment domain.DeliveryAssignment) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
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

	payload, err := json.Marshal(assignment)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET courier = $2, fulfillment_status = $3
		WHERE id = $1
	`, orderID, payload, domain.FulfillmentEnRoute)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	recorded := assignment
	order.Courier = &recorded
	order.FulfillmentStatus = domain.FulfillmentEnRoute
	return order, nil
}

func (s *Store) ConfirmOrderDelivery(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
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

	deliveredAt := at
	order.Courier.DeliveredAt = &deliveredAt
	payload, err := json.Marshal(order.Courier)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET courier = $2, fulfillment_status = $3
		WHERE id = $1
	`, orderID, payload, domain.FulfillmentDelivered)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.FulfillmentStatus = domain.FulfillmentDelivered
	return order, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, store_id, items, total, delivery, delivery_address, delivery_fee,
			status, invoice_number, receipt_number, registered, registered_at, created_at
		FROM sales
		WHERE id = $1
	`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
		}
		return nil, err
	}
	return sale, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var address, invoiceNumber, receiptNumber sql.NullString
	var registeredAt sql.NullTime
	var items []byte
	err := row.Scan(&sale.ID, &sale.OrderID, &sale.UserID, &sale.StoreID, &items, &sale.Total,
		&sale.Delivery, &address, &sale.DeliveryFee, &sale.Status, &invoiceNumber, &receiptNumber,
		&sale.Registered, &registeredAt, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	sale.DeliveryAddress = address.String
	sale.InvoiceNumber = invoiceNumber.String
	sale.ReceiptNumber = receiptNumber.String
	if registeredAt.Valid {
		at := registeredAt.Time
		sale.RegisteredAt = &at
	}
	if err := json.Unmarshal(items, &sale.Items); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, storeID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, user_id, store_id, items, total, delivery, delivery_address, delivery_fee,
			status, invoice_number, receipt_number, registered, registered_at, created_at
		FROM sales
		WHERE ($1 = '' OR store_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) StampSaleDocument(ctx context.Context, saleID string, kind string, number string) (string, error) {
	var column string
	switch kind {
	case domain.DocumentKindInvoice:
		column = "invoice_number"
	case domain.DocumentKindReceipt:
		column = "receipt_number"
	default:
		return "", fmt.Errorf("%w: document kind %q", store.ErrInvalidRequest, kind)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT `+column+` FROM sales WHERE id = $1 FOR UPDATE`, saleID).Scan(&existing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
		}
		return "", err
	}
	if existing.Valid && existing.String != "" {
		return existing.String, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `UPDATE sales SET `+column+` = $2 WHERE id = $1`, saleID, number)
	if err != nil {
		return "", err
	}
	return number, tx.Commit()
}

func (s *Store) RegisterSale(ctx context.Context, saleID string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, store_id, items, total, delivery, delivery_address, delivery_fee,
			status, invoice_number, receipt_number, registered, registered_at, created_at
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
		}
		return nil, err
	}
	if sale.InvoiceNumber == "" && sale.ReceiptNumber == "" {
		return nil, fmt.Errorf("%w: sale %s has no fiscal document", store.ErrConflict, saleID)
	}
	if sale.Registered {
		return nil, fmt.Errorf("%w: sale %s already registered", store.ErrConflict, saleID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET registered = true, registered_at = $2
		WHERE id = $1
	`, saleID, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sale.Registered = true
	registeredAt := at
	sale.RegisteredAt = &registeredAt
	return sale, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, role, active, created_at
		FROM users
		WHERE username = $1 AND active = true
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR store_id = $1) AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
