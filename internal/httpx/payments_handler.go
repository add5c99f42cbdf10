package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/payments"
	"github.com/go-chi/chi/v5"
)

type PaymentsHandler struct {
	Payments *payments.Engine
}

func (h *PaymentsHandler) Register(r *chi.Mux) {
	r.Post("/bank-sms", h.submitSms)
	r.Get("/payments/{id}", h.get)
	r.Post("/payments/{id}/verify", h.verify)
}

// submitSms answers 201 for a new SMS and 200 for a redelivery.
func (h *PaymentsHandler) submitSms(w http.ResponseWriter, r *http.Request) {
	var in payments.SmsInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	s, created, err := h.Payments.SubmitBankSms(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, s)
}

func (h *PaymentsHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Payments.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentsHandler) verify(w http.ResponseWriter, r *http.Request) {
	var dec payments.ManualDecision
	if err := decode(r, &dec); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Payments.ManualVerify(ctx, chi.URLParam(r, "id"), dec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
