package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/inventory"
	"github.com/go-chi/chi/v5"
)

type ProductsHandler struct {
	Ledger *inventory.Ledger
}

type availabilityResp struct {
	ProductID  string `json:"product_id"`
	LiveCode   string `json:"live_code,omitempty"`
	Available  int    `json:"available"`
	Reserved   int    `json:"reserved"`
	LowStock   bool   `json:"low_stock"`
	OutOfStock bool   `json:"out_of_stock"`
}

type restockReq struct {
	Quantity int `json:"quantity"`
}

func (h *ProductsHandler) Register(r *chi.Mux) {
	r.Get("/products", h.list)
	r.Put("/products", h.upsert)
	r.Get("/products/{id}/availability", h.availability)
	r.Post("/products/{id}/restock", h.restock)
}

func (h *ProductsHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var (
		ps  []*inventory.Product
		err error
	)
	if r.URL.Query().Get("low_stock") == "true" {
		ps, err = h.Ledger.ListLowStock(ctx)
	} else {
		ps, err = h.Ledger.List(ctx)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if ps == nil {
		ps = []*inventory.Product{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *ProductsHandler) upsert(w http.ResponseWriter, r *http.Request) {
	var p inventory.Product
	if err := decode(r, &p); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Ledger.Upsert(ctx, &p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ProductsHandler) availability(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Ledger.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResp{
		ProductID:  p.ID,
		LiveCode:   p.LiveCode,
		Available:  p.AvailableQuantity(),
		Reserved:   p.ReservedQuantity,
		LowStock:   p.IsLowStock(),
		OutOfStock: p.IsOutOfStock(),
	})
}

func (h *ProductsHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Ledger.Restock(ctx, chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
