package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/lending/internal/catalog"
	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const unavailableDetail = "Catalog service unavailable"

type CatalogOptions struct {
	BaseURL string
	// Timeout bounds each request end to end.
	Timeout time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerOpenTimeout.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	Logger             *logger.Logger
	// HTTPClient overrides the default client; Timeout is applied when it has none.
	HTTPClient *http.Client
}

// CatalogClient calls the catalog inventory API. Catalog errors come back as
// *errors.Error with the downstream code and detail; transport failures,
// 5xx responses and an open breaker come back as SERVICE_UNAVAILABLE.
type CatalogClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logg    *logger.Logger
}

func NewCatalogClient(opts CatalogOptions) *CatalogClient {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = opts.Timeout
	}

	c := &CatalogClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		tracer:  otel.Tracer("libranexus/clients/catalog"),
		logg:    opts.Logger,
	}
	failures := opts.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "catalog",
		Timeout: opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: isHealthyOutcome,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logg.Warn(c.logg.WithFields(context.Background(), map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}), "circuit breaker state changed")
		},
	})
	return c
}

// GetBook fetches one book.
func (c *CatalogClient) GetBook(ctx context.Context, id int64) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.call(ctx, "get_book", http.MethodGet, fmt.Sprintf("/books/%d", id), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// Reserve takes count copies of a book off the shelf.
func (c *CatalogClient) Reserve(ctx context.Context, id int64, count int) (*catalog.Book, error) {
	return c.inventory(ctx, "reserve", id, count)
}

// Release puts count copies of a book back.
func (c *CatalogClient) Release(ctx context.Context, id int64, count int) (*catalog.Book, error) {
	return c.inventory(ctx, "release", id, count)
}

func (c *CatalogClient) inventory(ctx context.Context, op string, id int64, count int) (*catalog.Book, error) {
	var resp catalog.InventoryResponse
	body := catalog.InventoryRequest{Count: &count}
	if err := c.call(ctx, op, http.MethodPost, fmt.Sprintf("/books/%d/%s", id, op), body, &resp); err != nil {
		return nil, err
	}
	if resp.Book == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "catalog returned no book")
	}
	return resp.Book, nil
}

func (c *CatalogClient) call(ctx context.Context, op, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "catalog."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
	defer span.End()

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = pkgerrors.Wrap(pkgerrors.CodeServiceUnavailable, err, unavailableDetail)
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.code", string(pkgerrors.CodeOf(err))))
	}
	return err
}

func (c *CatalogClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode catalog request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build catalog request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeServiceUnavailable, err, unavailableDetail)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeServiceUnavailable, err, unavailableDetail)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return pkgerrors.Wrap(pkgerrors.CodeServiceUnavailable,
			fmt.Errorf("catalog responded %d", resp.StatusCode), unavailableDetail)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return downstreamError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeServiceUnavailable, err, "Catalog service returned an invalid response")
	}
	return nil
}

// downstreamError rebuilds the catalog's {code, detail} error body.
func downstreamError(status int, raw []byte) error {
	var body struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(raw, &body)

	code, ok := pkgerrors.ParseCode(body.Code)
	if !ok {
		code = pkgerrors.CodeForStatus(status)
	}
	detail := body.Detail
	if detail == "" {
		detail = http.StatusText(status)
	}
	return pkgerrors.New(code, detail)
}

// isHealthyOutcome counts only dependency failures against the breaker;
// business rejections such as NOT_FOUND mean the catalog is up.
func isHealthyOutcome(err error) bool {
	if err == nil {
		return true
	}
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeServiceUnavailable, pkgerrors.CodeInternal:
		return false
	default:
		return true
	}
}
