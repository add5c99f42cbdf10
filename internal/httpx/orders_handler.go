package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/engine"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/ariefcatur/go-live-orders.git/internal/payments"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	Orders   *orders.Lifecycle
	Pipeline *engine.Service
	Payments *payments.Engine
	Cache    *StatusCache
}

type statusReq struct {
	Status string `json:"status"`
	Note   string `json:"note"`
	// Remove is only read for CANCELLED.
	Remove bool `json:"remove"`
}

type shippingReq struct {
	Status string `json:"status"`
	orders.ShipmentUpdate
}

type cancelReq struct {
	Reason string `json:"reason"`
	Remove bool   `json:"remove"`
}

type slipResp struct {
	Payment *payments.Payment `json:"payment"`
	Outcome string            `json:"outcome,omitempty"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Get("/orders", h.queue)
	r.Get("/orders/by-number/{number}", h.byNumber)
	r.Get("/orders/by-tracking/{tracking}", h.byTracking)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Get("/status", h.getStatus)
		r.Post("/status", h.setStatus)
		r.Post("/shipping", h.setShipping)
		r.Post("/payment-status", h.setPaymentStatus)
		r.Post("/adjust", h.adjust)
		r.Post("/cancel", h.cancel)
		r.Post("/slips", h.submitSlip)
		r.Get("/payments", h.listPayments)
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) byNumber(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetByNumber(ctx, chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) byTracking(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetByTracking(ctx, chi.URLParam(r, "tracking"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// queue lists the packing (?queue=pack) or hand-over (?queue=ship) work.
func (h *OrdersHandler) queue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		list []*orders.Order
		err  error
	)
	switch q := r.URL.Query().Get("queue"); q {
	case "pack":
		list, err = h.Orders.ReadyToPack(ctx)
	case "ship":
		list, err = h.Orders.ReadyToShip(ctx)
	default:
		err = apperr.Validation("queue must be pack or ship, got %q", q)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if b, ok := h.Cache.Get(ctx, orderID); ok {
		writeJSON(w, http.StatusOK, json.RawMessage(b))
		return
	}
	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(h.Cache.Set(ctx, o)))
}

func (h *OrdersHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	var (
		o   *orders.Order
		err error
	)
	// cancelling goes through the pipeline so session totals follow
	if orders.Status(req.Status) == orders.StatusCancelled {
		o, err = h.Pipeline.CancelOrder(ctx, id, req.Note, req.Remove)
	} else {
		o, err = h.Orders.Transition(ctx, id, orders.Status(req.Status), req.Note)
	}
	h.respondOrder(w, o, err)
}

func (h *OrdersHandler) setShipping(w http.ResponseWriter, r *http.Request) {
	var req shippingReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.SetShippingStatus(ctx, chi.URLParam(r, "id"), orders.ShippingStatus(req.Status), req.ShipmentUpdate)
	h.respondOrder(w, o, err)
}

func (h *OrdersHandler) setPaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.SetPaymentStatus(ctx, chi.URLParam(r, "id"), orders.PaymentStatus(req.Status), req.Note)
	h.respondOrder(w, o, err)
}

func (h *OrdersHandler) adjust(w http.ResponseWriter, r *http.Request) {
	var adj orders.Adjustment
	if err := decode(r, &adj); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Adjust(ctx, chi.URLParam(r, "id"), adj)
	h.respondOrder(w, o, err)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Pipeline.CancelOrder(ctx, chi.URLParam(r, "id"), req.Reason, req.Remove)
	h.respondOrder(w, o, err)
}

// respondOrder writes the order. A cancel whose payment voiding failed
// still returns the cancelled order, as a 500 carrying it.
func (h *OrdersHandler) respondOrder(w http.ResponseWriter, o *orders.Order, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, o)
	case o != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"order": o, "error": err.Error()})
	default:
		writeError(w, err)
	}
}

func (h *OrdersHandler) submitSlip(w http.ResponseWriter, r *http.Request) {
	var in payments.SlipInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.OrderID != "" && in.OrderID != chi.URLParam(r, "id") {
		writeError(w, apperr.Validation("order id in body does not match path"))
		return
	}
	in.OrderID = chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	p, err := h.Payments.SubmitSlip(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := slipResp{Payment: p}
	if oerr := p.Outcome(); oerr != nil {
		resp.Outcome = apperr.Kind(oerr)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrdersHandler) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if _, err := h.Orders.Get(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	ps, err := h.Payments.Store.ListByOrder(ctx, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		writeError(w, err)
		return
	}
	if ps == nil {
		ps = []*payments.Payment{}
	}
	writeJSON(w, http.StatusOK, ps)
}
