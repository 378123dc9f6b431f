package notifications

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/libranexus/lending/pkg/errors"
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

func (h *Handler) Routes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.handleList)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.OptionalInt64(r, "user_id")
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	params := ListParams{UserID: userID, Limit: DefaultLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(r.Context(), h.logg, w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be an integer").
				WithDetails(map[string]string{"limit": "must be an integer"}))
			return
		}
		params.Limit = limit
	}
	notes, err := h.service.List(r.Context(), params)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, notes)
}
