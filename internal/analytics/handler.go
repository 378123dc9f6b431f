package analytics

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/libranexus/lending/pkg/httpx"
	"github.com/libranexus/lending/pkg/logger"
)

type Handler struct {
	service Service
	logg    *logger.Logger
}

func NewHandler(service Service, logg *logger.Logger) *Handler {
	return &Handler{service: service, logg: logg}
}

// Routes mounts the read-only /metrics API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/metrics", func(r chi.Router) {
		r.Get("/summary", h.handleSummary)
		r.Get("/users/{id}", h.handleUser)
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	m, err := h.service.User(r.Context(), id)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}
