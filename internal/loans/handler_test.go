package loans

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

type errorBody struct {
	Code    string            `json:"code"`
	Detail  string            `json:"detail"`
	Details map[string]string `json:"details"`
}

func newTestRouter(t *testing.T) (chi.Router, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := httpx.NewRouter("loans", logger.Nop(), prometheus.NewRegistry())
	NewHandler(f.svc, logger.Nop()).Routes(r)
	return r, f
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

func TestLoanLifecycleOverHTTP(t *testing.T) {
	r, f := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/loans/", `{"user_id":7,"user_name":"Ada","book_id":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decode[Loan](t, rec)
	assert.Equal(t, StatusActive, loan.Status)
	assert.Equal(t, 1, f.catalog.available(dune.ID))

	rec = do(t, r, http.MethodGet, "/loans/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loan.ID, decode[Loan](t, rec).ID)

	rec = do(t, r, http.MethodPost, "/loans/1/return", `{"user_id":8}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decode[errorBody](t, rec).Code)

	rec = do(t, r, http.MethodPost, "/loans/1/return", `{"user_id":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ReturnLoanResponse](t, rec)
	assert.Equal(t, "returned", resp.Status)
	assert.Equal(t, StatusReturned, resp.Loan.Status)

	rec = do(t, r, http.MethodPost, "/loans/1/return", `{"user_id":7}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Loan already returned", decode[errorBody](t, rec).Detail)

	rec = do(t, r, http.MethodGet, "/loans/1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]HistoryEntry](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, "loan.returned", history[1].Type)
}

func TestCreateLoanErrorsOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/loans/", `{"user_id":7,"user_name":"Ada","book_id":2}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "NO_COPIES_AVAILABLE", body.Code)
	assert.Equal(t, "No available copies", body.Detail)

	rec = do(t, r, http.MethodPost, "/loans/", `{"user_id":7,"user_name":"Ada","book_id":99}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPost, "/loans/", `{"user_id":0,"book_id":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode[errorBody](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
	assert.Contains(t, body.Details, "user_id")

	rec = do(t, r, http.MethodPost, "/loans/", `{"user_id":7,"user_name":"Ada","book_id":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, r, http.MethodPost, "/loans/", `{"user_id":7,"user_name":"Ada","book_id":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListLoansOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/loans/", `{"user_id":7,"user_name":"Ada","book_id":1}`).Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/loans/", `{"user_id":8,"user_name":"Bo","book_id":1}`).Code)

	rec := do(t, r, http.MethodGet, "/loans/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]Loan](t, rec), 2)

	rec = do(t, r, http.MethodGet, "/loans/?user_id=8&status_filter=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	loans := decode[[]Loan](t, rec)
	require.Len(t, loans, 1)
	assert.Equal(t, "Bo", loans[0].UserName)

	rec = do(t, r, http.MethodGet, "/loans/?status_filter=lost", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/loans/?user_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/loans/404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Loan not found", decode[errorBody](t, rec).Detail)
}
