package catalog

import (
	"context"
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

// Routes mounts the /books API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/books", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Post("/{id}/reserve", h.handleReserve)
		r.Post("/{id}/release", h.handleRelease)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, books)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in BookInput
	if err := httpx.DecodeJSON(r, &in, false); err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	book, err := h.service.CreateBook(r.Context(), in)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	var in BookInput
	if err := httpx.DecodeJSON(r, &in, false); err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	book, err := h.service.UpdateBook(r.Context(), id, in)
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	h.handleInventory(w, r, "reserved", h.service.Reserve)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.handleInventory(w, r, "released", h.service.Release)
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request, status string, op func(context.Context, int64, int) (*Book, error)) {
	id, err := httpx.PathInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	var req InventoryRequest
	if err := httpx.DecodeJSON(r, &req, true); err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	book, err := op(r.Context(), id, req.count())
	if err != nil {
		httpx.WriteError(r.Context(), h.logg, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, InventoryResponse{Status: status, Book: book})
}
