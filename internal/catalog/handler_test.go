package catalog

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/lending/pkg/httpx"
	"github.com/libranexus/lending/pkg/logger"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	logg := logger.Nop()
	r := httpx.NewRouter("catalog", logg, prometheus.NewRegistry())
	NewHandler(NewService(newMemoryRepository(), logg), logg).Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestBookLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/books/", `{"title":"Dune","author":"Frank Herbert","isbn":"978-0441013593","total_copies":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	book := decode[Book](t, rec)
	assert.Equal(t, 3, book.AvailableCopies)

	rec = do(t, r, http.MethodPost, "/books/1/reserve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[InventoryResponse](t, rec)
	assert.Equal(t, "reserved", inv.Status)
	assert.Equal(t, 2, inv.Book.AvailableCopies)

	rec = do(t, r, http.MethodPost, "/books/1/release", `{"count":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	inv = decode[InventoryResponse](t, rec)
	assert.Equal(t, "released", inv.Status)
	assert.Equal(t, 3, inv.Book.AvailableCopies)

	rec = do(t, r, http.MethodPost, "/books/1/release", `{"count":1}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	errBody := decode[httpx.ErrorBody](t, rec)
	assert.Equal(t, "CAPACITY_EXCEEDED", errBody.Code)
	assert.Equal(t, "Cannot exceed total copies", errBody.Detail)

	rec = do(t, r, http.MethodGet, "/books/?search=herbert", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]Book](t, rec), 1)

	rec = do(t, r, http.MethodGet, "/books/?search=tolkien", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]Book](t, rec))

	rec = do(t, r, http.MethodDelete, "/books/1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, r, http.MethodGet, "/books/1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	errBody = decode[httpx.ErrorBody](t, rec)
	assert.Equal(t, "NOT_FOUND", errBody.Code)
	assert.Equal(t, "Book not found", errBody.Detail)
}

func TestInventoryValidation(t *testing.T) {
	r := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/books/", `{"title":"A","author":"B","isbn":"1"}`).Code)

	rec := do(t, r, http.MethodPost, "/books/1/reserve", `{"count":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[httpx.ErrorBody](t, rec).Code)

	rec = do(t, r, http.MethodPost, "/books/1/reserve", `{"count":2}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_INVENTORY", decode[httpx.ErrorBody](t, rec).Code)

	rec = do(t, r, http.MethodPost, "/books/abc/reserve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/books/77/reserve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBookRejectsBadBodies(t *testing.T) {
	r := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/books/", `{"title":"A","author":"B"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[httpx.ErrorBody](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
	assert.Contains(t, body.Detail, "isbn")

	rec = do(t, r, http.MethodPost, "/books/", `{"title":"A","author":"B","isbn":"1","shelf":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/books/", `{"title":"A","author":"B","isbn":"1"}`).Code)
	rec = do(t, r, http.MethodPost, "/books/", `{"title":"C","author":"D","isbn":"1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Book with this ISBN already exists", decode[httpx.ErrorBody](t, rec).Detail)
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(t), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"catalog"}`, rec.Body.String())
}
