package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id, order_number, customer_id, customer_name, customer_phone,
	shipping_address, shipping_sub_district, shipping_district, shipping_province, shipping_postal_code,
	sub_total, discount, discount_code, shipping_fee, total,
	status, payment_status, shipping_status, source, platform, live_session_id, chat_message_id,
	customer_note, admin_note, paid_at, shipped_at, completed_at, cancelled_at, cancellation_reason,
	is_deleted, deleted_at, created_at, updated_at`

const itemColumns = `id, order_id, position, product_id, product_name, product_sku, variant_name,
	live_code, qty, unit_price, discount, total, reserved`

const shipmentColumns = `order_id, carrier, tracking_number, cod_amount, cod_fee, label_printed,
	label_printed_at, estimated_delivery, picked_up_at, delivered_at, note`

// PostgresRepo stores orders in orders, their lines in order_items and the
// parcel in shipments.
// Mutate locks the order row for the whole read-modify-write.
type PostgresRepo struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ",")
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	c := &o.Customer
	err := row.Scan(&o.ID, &o.OrderNumber, &c.CustomerID, &c.Name, &c.Phone,
		&c.Address, &c.SubDistrict, &c.District, &c.Province, &c.PostalCode,
		&o.SubTotal, &o.Discount, &o.DiscountCode, &o.ShippingFee, &o.Total,
		&o.Status, &o.PaymentStatus, &o.ShippingStatus, &o.Source, &o.Platform, &o.LiveSessionID, &o.ChatMessageID,
		&o.CustomerNote, &o.AdminNote, &o.PaidAt, &o.ShippedAt, &o.CompletedAt, &o.CancelledAt, &o.CancellationReason,
		&o.IsDeleted, &o.DeletedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func orderArgs(o *Order) []any {
	c := o.Customer
	return []any{o.ID, o.OrderNumber, c.CustomerID, c.Name, c.Phone,
		c.Address, c.SubDistrict, c.District, c.Province, c.PostalCode,
		o.SubTotal, o.Discount, o.DiscountCode, o.ShippingFee, o.Total,
		o.Status, o.PaymentStatus, o.ShippingStatus, o.Source, o.Platform, o.LiveSessionID, o.ChatMessageID,
		o.CustomerNote, o.AdminNote, o.PaidAt, o.ShippedAt, o.CompletedAt, o.CancelledAt, o.CancellationReason,
		o.IsDeleted, o.DeletedAt, o.CreatedAt, o.UpdatedAt}
}

func loadItems(ctx context.Context, q querier, orderID string) ([]OrderItem, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		var oid string
		var pos int
		if err := rows.Scan(&it.ID, &oid, &pos, &it.ProductID, &it.ProductName, &it.ProductSKU, &it.VariantName,
			&it.LiveCode, &it.Qty, &it.UnitPrice, &it.Discount, &it.Total, &it.Reserved); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func writeItems(ctx context.Context, q querier, o *Order) error {
	if _, err := q.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1`, o.ID); err != nil {
		return err
	}
	for i, it := range o.Items {
		if _, err := q.Exec(ctx, `INSERT INTO order_items(`+itemColumns+`) VALUES (`+placeholders(13)+`)`,
			it.ID, o.ID, i, it.ProductID, it.ProductName, it.ProductSKU, it.VariantName,
			it.LiveCode, it.Qty, it.UnitPrice, it.Discount, it.Total, it.Reserved); err != nil {
			return err
		}
	}
	return nil
}

func loadShipment(ctx context.Context, q querier, orderID string) (*Shipment, error) {
	var sh Shipment
	var oid string
	err := q.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE order_id=$1`, orderID).Scan(
		&oid, &sh.Carrier, &sh.TrackingNumber, &sh.CODAmount, &sh.CODFee, &sh.LabelPrinted,
		&sh.LabelPrintedAt, &sh.EstimatedDelivery, &sh.PickedUpAt, &sh.DeliveredAt, &sh.Note)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func writeShipment(ctx context.Context, q querier, o *Order) error {
	sh := o.Shipment
	if sh == nil {
		return nil
	}
	_, err := q.Exec(ctx, `INSERT INTO shipments(`+shipmentColumns+`) VALUES (`+placeholders(11)+`)
		ON CONFLICT (order_id) DO UPDATE SET
			carrier=EXCLUDED.carrier, tracking_number=EXCLUDED.tracking_number,
			cod_amount=EXCLUDED.cod_amount, cod_fee=EXCLUDED.cod_fee, label_printed=EXCLUDED.label_printed,
			label_printed_at=EXCLUDED.label_printed_at, estimated_delivery=EXCLUDED.estimated_delivery,
			picked_up_at=EXCLUDED.picked_up_at, delivered_at=EXCLUDED.delivered_at, note=EXCLUDED.note`,
		o.ID, sh.Carrier, sh.TrackingNumber, sh.CODAmount, sh.CODFee, sh.LabelPrinted,
		sh.LabelPrintedAt, sh.EstimatedDelivery, sh.PickedUpAt, sh.DeliveredAt, sh.Note)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Validation("tracking number %s already used", sh.TrackingNumber)
	}
	return err
}

// loadChildren fills the lines and shipment of o.
func loadChildren(ctx context.Context, q querier, o *Order) error {
	var err error
	if o.Items, err = loadItems(ctx, q, o.ID); err != nil {
		return err
	}
	o.Shipment, err = loadShipment(ctx, q, o.ID)
	return err
}

func (r *PostgresRepo) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (`+placeholders(33)+`)`, orderArgs(o)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Validation("order %s already exists", o.ID)
	}
	if err != nil {
		return err
	}
	if err := writeItems(ctx, tx, o); err != nil {
		return err
	}
	if err := writeShipment(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepo) getWhere(ctx context.Context, what, where, arg string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` AND NOT is_deleted`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(what, arg)
	}
	if err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, r.DB, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Order, error) {
	return r.getWhere(ctx, "order", "id=$1", id)
}

func (r *PostgresRepo) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return r.getWhere(ctx, "order number", "order_number=$1", number)
}

func (r *PostgresRepo) GetByTracking(ctx context.Context, tracking string) (*Order, error) {
	if tracking == "" {
		return nil, apperr.NotFound("tracking number", tracking)
	}
	return r.getWhere(ctx, "tracking number", "id=(SELECT order_id FROM shipments WHERE tracking_number=$1)", tracking)
}

func (r *PostgresRepo) Mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if r.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.LockTimeout.Milliseconds())); err != nil {
			return nil, err
		}
	}
	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 AND NOT is_deleted FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order", id)
	}
	if err != nil {
		return nil, lockErr(id, err)
	}
	if err := loadChildren(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}

	// rewrite every column but id
	cols := strings.Split(orderColumns, ",")
	sets := make([]string, 0, len(cols)-1)
	for i, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s=$%d", strings.TrimSpace(c), i+2))
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id=$1`, orderArgs(o)...); err != nil {
		return nil, err
	}
	if err := writeItems(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := writeShipment(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepo) list(ctx context.Context, where string, arg any) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` AND NOT is_deleted ORDER BY order_number`, arg)
	if err != nil {
		return nil, err
	}
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if err := loadChildren(ctx, r.DB, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]*Order, error) {
	return r.list(ctx, "live_session_id=$1", sessionID)
}

func (r *PostgresRepo) ListByCustomer(ctx context.Context, customerID string) ([]*Order, error) {
	return r.list(ctx, "customer_id=$1", customerID)
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, status Status) ([]*Order, error) {
	return r.list(ctx, "status=$1", status)
}

func lockErr(id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "40001") {
		return apperr.Conflict("order %s row lock: %s", id, pgErr.Message)
	}
	return err
}

var _ Repository = (*PostgresRepo)(nil)
