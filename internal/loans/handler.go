package loans

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

// Routes mounts the /loans API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/loans", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/return", h.handleReturn)
		r.Get("/{id}/history", h.handleHistory)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	loan, err := h.service.CreateLoan(r.Context(), req)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.OptionalInt64(r, "user_id")
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	filter := ListFilter{UserID: userID}
	if raw := r.URL.Query().Get("status_filter"); raw != "" {
		status := Status(raw)
		filter.Status = &status
	}
	loans, err := h.service.ListLoans(r.Context(), filter)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	var req ReturnLoanRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	loan, err := h.service.ReturnLoan(r.Context(), id, req)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ReturnLoanResponse{Status: string(StatusReturned), Loan: loan})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	history, err := h.service.History(r.Context(), id)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, history)
}
