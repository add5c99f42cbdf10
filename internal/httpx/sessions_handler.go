package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/engine"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/ariefcatur/go-live-orders.git/internal/session"
	"github.com/go-chi/chi/v5"
)

type SessionsHandler struct {
	Sessions *session.Aggregator
	Pipeline *engine.Service
	Orders   orders.Repository
}

func (h *SessionsHandler) Register(r *chi.Mux) {
	r.Post("/sessions", h.start)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Post("/pause", h.move(h.Sessions.Pause))
		r.Post("/resume", h.move(h.Sessions.Resume))
		r.Post("/end", h.move(h.Sessions.End))
		r.Post("/cancel", h.move(h.Sessions.Cancel))
		r.Get("/summary", h.summary)
		r.Post("/messages", h.postMessage)
		r.Get("/orders", h.listOrders)
	})
}

func (h *SessionsHandler) start(w http.ResponseWriter, r *http.Request) {
	var in session.StartInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s, err := h.Sessions.Start(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s, err := h.Sessions.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SessionsHandler) move(fn func(ctx context.Context, id string) (*session.LiveSession, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		s, err := fn(ctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func (h *SessionsHandler) summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	sum, err := h.Sessions.Summary(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// postMessage feeds one chat line through the pipeline. A duplicate is
// reported in the outcome body, not as an error status.
func (h *SessionsHandler) postMessage(w http.ResponseWriter, r *http.Request) {
	var in engine.Incoming
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.SessionID = chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := h.Pipeline.HandleChat(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if out.Kind == engine.KindCreatedOrder {
		code = http.StatusCreated
	}
	writeJSON(w, code, out)
}

func (h *SessionsHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if _, err := h.Sessions.Get(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	list, err := h.Orders.ListBySession(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}
