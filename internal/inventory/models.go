package inventory

import (
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/shopspring/decimal"
)

const DefaultReorderLevel = 5

// Product is one stock keeping unit. A variant is a product row pointing at
// its parent through VariantOf.
type Product struct {
	entity.Base
	entity.SoftDelete
	SKU              string          `json:"sku,omitempty"`
	Name             string          `json:"name"`
	LiveCode         string          `json:"live_code,omitempty"`
	VariantOf        string          `json:"variant_of,omitempty"`
	VariantName      string          `json:"variant_name,omitempty"`
	Price            decimal.Decimal `json:"price"`
	StockQuantity    int             `json:"stock_quantity"`
	ReservedQuantity int             `json:"reserved_quantity"`
	ReorderLevel     int             `json:"reorder_level"`
	TrackStock       bool            `json:"track_stock"`
	AllowBackorder   bool            `json:"allow_backorder"`
	IsActive         bool            `json:"is_active"`
}

func (p *Product) AvailableQuantity() int { return p.StockQuantity - p.ReservedQuantity }

func (p *Product) IsLowStock() bool {
	return p.TrackStock && p.AvailableQuantity() <= p.ReorderLevel
}

func (p *Product) IsOutOfStock() bool {
	return p.TrackStock && p.AvailableQuantity() <= 0 && !p.AllowBackorder
}

// Sellable is the predicate applied by live-code lookups.
func (p *Product) Sellable() bool { return p.Active() && p.IsActive }

func (p *Product) DisplayName() string {
	if p.VariantName != "" {
		return p.Name + " (" + p.VariantName + ")"
	}
	return p.Name
}

func (p *Product) clone() *Product {
	cp := *p
	return &cp
}
