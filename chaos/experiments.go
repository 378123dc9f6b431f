package chaos

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/multierr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Querier runs a single-row query. *sqlx.DB satisfies it.
type Querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

// Targets are the live systems the experiments read and drive.
type Targets struct {
	Catalog  Querier
	Loans    Querier
	LoansURL string
	BookID   int64
	HTTP     *http.Client
	// Concurrency is the number of simultaneous borrow requests per burst.
	Concurrency int
	// Duration bounds the observation window of each experiment.
	Duration time.Duration
}

func (t Targets) withDefaults() Targets {
	if t.HTTP == nil {
		t.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	if t.Concurrency <= 0 {
		t.Concurrency = 50
	}
	if t.Duration <= 0 {
		t.Duration = 30 * time.Second
	}
	t.LoansURL = strings.TrimRight(t.LoansURL, "/")
	return t
}

// Experiments returns the lending game-day scenarios.
func Experiments(t Targets) []Experiment {
	t = t.withDefaults()
	return []Experiment{
		InventoryBoundExperiment(t),
		DuplicateActiveLoanExperiment(t),
		BacklogExperiment(t),
	}
}

const (
	inventoryViolationsQuery = `
		SELECT COUNT(*) FROM books
		WHERE available_copies < 0 OR available_copies > total_copies`
	duplicateActiveLoansQuery = `
		SELECT COUNT(*) FROM (
			SELECT user_id, book_id FROM loans
			WHERE status = 'active'
			GROUP BY user_id, book_id
			HAVING COUNT(*) > 1
		) duplicates`
	outboxBacklogQuery = `
		SELECT COUNT(*) FROM events
		WHERE published_at IS NULL AND created_at < NOW() - INTERVAL '1 minute'`
	pendingReleasesQuery = `
		SELECT COUNT(*) FROM pending_releases
		WHERE resolved_at IS NULL AND created_at < NOW() - INTERVAL '5 minutes'`
)

func countMetric(name string, q Querier, query string, threshold Threshold) Metric {
	return Metric{
		Name: name,
		Query: func(ctx context.Context) (float64, error) {
			var n int64
			if err := q.GetContext(ctx, &n, query); err != nil {
				return 0, fmt.Errorf("%s: %w", name, err)
			}
			return float64(n), nil
		},
		Threshold: threshold,
	}
}

var zero = Threshold{Operator: "==", Value: 0}

func isZero(v float64) bool { return v == 0 }

// InventoryBoundExperiment floods one book with borrows from distinct users.
func InventoryBoundExperiment(t Targets) Experiment {
	d := newDriver(t)
	return Experiment{
		Name:        "concurrent-borrow-inventory-bound",
		Hypothesis:  "Available copies stay within [0, total] when many users borrow the same book at once",
		SteadyState: []Metric{countMetric("inventory_violations", t.Catalog, inventoryViolationsQuery, zero)},
		Method: []Action{{
			Type:       "concurrent-requests",
			Target:     "loans-service",
			Parameters: map[string]any{"concurrency": t.Concurrency, "book_id": t.BookID},
			Execute: func(ctx context.Context) error {
				return d.burst(ctx, func(i int) int64 { return d.userBase + int64(i) })
			},
		}},
		Rollback:    []Action{{Type: "return-loans", Target: "loans-service", Execute: d.returnAll}},
		Validation:  []Assertion{{Metric: "inventory_violations", Condition: isZero, Message: "No book may be over- or under-allocated"}},
		Duration:    t.Duration,
		BlastRadius: 0.1,
	}
}

// DuplicateActiveLoanExperiment has one user borrow the same book concurrently.
func DuplicateActiveLoanExperiment(t Targets) Experiment {
	d := newDriver(t)
	return Experiment{
		Name:        "duplicate-active-loan-race",
		Hypothesis:  "Concurrent borrows by one user produce a single active loan and compensate the rest",
		SteadyState: []Metric{countMetric("duplicate_active_loans", t.Loans, duplicateActiveLoansQuery, zero)},
		Method: []Action{{
			Type:       "concurrent-requests",
			Target:     "loans-service",
			Parameters: map[string]any{"concurrency": t.Concurrency, "book_id": t.BookID, "same_user": true},
			Execute: func(ctx context.Context) error {
				return d.burst(ctx, func(int) int64 { return d.userBase })
			},
		}},
		Rollback:    []Action{{Type: "return-loans", Target: "loans-service", Execute: d.returnAll}},
		Validation:  []Assertion{{Metric: "duplicate_active_loans", Condition: isZero, Message: "At most one active loan per user and book"}},
		Duration:    t.Duration,
		BlastRadius: 0.05,
	}
}

// BacklogExperiment drives borrow/return churn and checks that the outbox relay
// and the release retry job keep up.
func BacklogExperiment(t Targets) Experiment {
	d := newDriver(t)
	return Experiment{
		Name:       "outbox-and-release-backlog",
		Hypothesis: "Lifecycle events reach the bus and failed releases are repaired within minutes",
		SteadyState: []Metric{
			countMetric("outbox_backlog", t.Loans, outboxBacklogQuery, zero),
			countMetric("stale_pending_releases", t.Loans, pendingReleasesQuery, zero),
		},
		Method: []Action{{
			Type:       "borrow-return-churn",
			Target:     "loans-service",
			Parameters: map[string]any{"concurrency": t.Concurrency, "book_id": t.BookID},
			Execute: func(ctx context.Context) error {
				err := d.burst(ctx, func(i int) int64 { return d.userBase + int64(i) })
				return multierr.Append(err, d.returnAll(ctx))
			},
		}},
		Validation: []Assertion{
			{Metric: "outbox_backlog", Condition: isZero, Message: "No lifecycle event stays unpublished for over a minute"},
			{Metric: "stale_pending_releases", Condition: isZero, Message: "No catalog release stays pending for over five minutes"},
		},
		Duration:    t.Duration,
		BlastRadius: 0.1,
	}
}

type borrowed struct {
	loanID int64
	userID int64
}

// driver issues borrow and return calls against the loans API and remembers
// the loans it created so they can be returned afterwards.
type driver struct {
	t        Targets
	userBase int64

	mu    sync.Mutex
	loans []borrowed
}

func newDriver(t Targets) *driver {
	// High user ids keep game-day traffic apart from real borrowers.
	return &driver{t: t, userBase: 900_000_000 + time.Now().UnixNano()%1_000_000*100}
}

// burst fires Concurrency borrows at once. Business rejections are expected;
// only transport failures and 5xx responses are returned.
func (d *driver) burst(ctx context.Context, userFor func(i int) int64) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for i := 0; i < d.t.Concurrency; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			if err := d.borrow(ctx, userID); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(userFor(i))
	}
	wg.Wait()
	return errs
}

func (d *driver) borrow(ctx context.Context, userID int64) error {
	var loan struct {
		ID int64 `json:"id"`
	}
	status, err := d.post(ctx, "/loans/", map[string]any{
		"user_id":   userID,
		"user_name": fmt.Sprintf("chaos-%d", userID),
		"book_id":   d.t.BookID,
	}, &loan)
	if err != nil {
		return err
	}
	if status == http.StatusCreated {
		d.mu.Lock()
		d.loans = append(d.loans, borrowed{loanID: loan.ID, userID: userID})
		d.mu.Unlock()
	}
	return nil
}

func (d *driver) returnAll(ctx context.Context) error {
	d.mu.Lock()
	loans := d.loans
	d.loans = nil
	d.mu.Unlock()

	var errs error
	for _, l := range loans {
		_, err := d.post(ctx, fmt.Sprintf("/loans/%d/return", l.loanID), map[string]any{"user_id": l.userID}, nil)
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (d *driver) post(ctx context.Context, path string, body, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.t.LoansURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.t.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("POST %s: decode: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
