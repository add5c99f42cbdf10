package orders

import (
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceLive   Source = "LIVE"
	SourcePOS    Source = "POS"
	SourceManual Source = "MANUAL"
	SourceImport Source = "IMPORT"
	SourceAPI    Source = "API"
)

// CustomerSnapshot is copied onto the order so later edits to the customer
// do not rewrite shipped orders.
type CustomerSnapshot struct {
	CustomerID  string `json:"customer_id"`
	Name        string `json:"name"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	SubDistrict string `json:"sub_district,omitempty"`
	District    string `json:"district,omitempty"`
	Province    string `json:"province,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
}

type Order struct {
	entity.Base
	entity.SoftDelete
	OrderNumber string           `json:"order_number"`
	Customer    CustomerSnapshot `json:"customer"`
	Items       []OrderItem      `json:"items"`

	SubTotal     decimal.Decimal `json:"sub_total"`
	Discount     decimal.Decimal `json:"discount"`
	DiscountCode string          `json:"discount_code,omitempty"`
	ShippingFee  decimal.Decimal `json:"shipping_fee"`
	Total        decimal.Decimal `json:"total"`

	Status         Status          `json:"status"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	ShippingStatus ShippingStatus  `json:"shipping_status"`
	Source         Source          `json:"source"`
	Platform       entity.Platform `json:"platform,omitempty"`
	LiveSessionID  string          `json:"live_session_id,omitempty"`
	ChatMessageID  string          `json:"chat_message_id,omitempty"`

	CustomerNote string `json:"customer_note,omitempty"`
	AdminNote    string `json:"admin_note,omitempty"`

	Shipment *Shipment `json:"shipment,omitempty"`

	PaidAt             *time.Time `json:"paid_at,omitempty"`
	ShippedAt          *time.Time `json:"shipped_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

// Shipment is the parcel record of an order, created with the first
// shipping detail.
type Shipment struct {
	Carrier           string          `json:"carrier,omitempty"`
	TrackingNumber    string          `json:"tracking_number,omitempty"`
	CODAmount         decimal.Decimal `json:"cod_amount"`
	CODFee            decimal.Decimal `json:"cod_fee"`
	LabelPrinted      bool            `json:"label_printed"`
	LabelPrintedAt    *time.Time      `json:"label_printed_at,omitempty"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
	PickedUpAt        *time.Time      `json:"picked_up_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	Note              string          `json:"note,omitempty"`
}

// ShipmentUpdate carries optional shipment fields; nil fields are left alone.
type ShipmentUpdate struct {
	Carrier           *string          `json:"carrier,omitempty"`
	TrackingNumber    *string          `json:"tracking_number,omitempty"`
	CODFee            *decimal.Decimal `json:"cod_fee,omitempty"`
	LabelPrinted      *bool            `json:"label_printed,omitempty"`
	EstimatedDelivery *time.Time       `json:"estimated_delivery,omitempty"`
	Note              *string          `json:"note,omitempty"`
}

func (u ShipmentUpdate) empty() bool {
	return u.Carrier == nil && u.TrackingNumber == nil && u.CODFee == nil &&
		u.LabelPrinted == nil && u.EstimatedDelivery == nil && u.Note == nil
}

type OrderItem struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	ProductSKU  string          `json:"product_sku,omitempty"`
	VariantName string          `json:"variant_name,omitempty"`
	LiveCode    string          `json:"live_code,omitempty"`
	Qty         int             `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	// Reserved is true while the inventory ledger holds units for this line.
	Reserved bool `json:"reserved"`
}

func (it *OrderItem) calculate() {
	it.Total = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Qty))).Sub(it.Discount)
}

// Recalculate refreshes line totals, SubTotal and Total. Every mutation of
// items, discount or shipping fee goes through it.
func (o *Order) Recalculate() {
	sub := decimal.Zero
	for i := range o.Items {
		o.Items[i].calculate()
		sub = sub.Add(o.Items[i].Total)
	}
	o.SubTotal = sub
	o.Total = sub.Sub(o.Discount).Add(o.ShippingFee)
}

func (o *Order) CanCancel() bool {
	switch o.Status {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusPacked:
		return true
	}
	return false
}

// Open reports whether the order still expects money.
func (o *Order) Open() bool {
	return o.Active() && o.Status != StatusCancelled && o.Status != StatusRefunded &&
		o.Status != StatusReturned
}

func (o *Order) clone() *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	if o.Shipment != nil {
		sh := *o.Shipment
		cp.Shipment = &sh
	}
	return &cp
}
