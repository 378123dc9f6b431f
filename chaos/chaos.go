// Package chaos runs game-day experiments against the lending services: check
// a steady state, inject a fault, sample the system while it runs, roll the
// fault back and assert the invariants still hold.
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/lending/pkg/logger"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid, experiment aborted")

type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	// BlastRadius is the share of the system affected, 0.0 to 1.0.
	BlastRadius float64
}

// Metric is a measurable system property with the bound it must respect.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Type       string
	Target     string
	Parameters map[string]any
	Execute    func(context.Context) error
}

// Assertion is checked against the last observation of Metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

type EngineOptions struct {
	Logger *logger.Logger
	// SampleInterval is how often metrics are sampled during an experiment.
	SampleInterval time.Duration
	// Pause separates experiments of a game day.
	Pause time.Duration
}

// Engine keeps registered experiments and the results of past runs.
type Engine struct {
	tracer         trace.Tracer
	logg           *logger.Logger
	sampleInterval time.Duration
	pause          time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	return &Engine{
		tracer:         otel.Tracer("libranexus/chaos"),
		logg:           opts.Logger,
		sampleInterval: opts.SampleInterval,
		pause:          opts.Pause,
	}
}

func (e *Engine) Register(exps ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exps...)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes one experiment. Rollback actions run even when ctx is
// cancelled during observation.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   map[string][]DataPoint{},
		ErrorEvents:    []ErrorEvent{},
	}

	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	rollbackCtx := context.WithoutCancel(ctx)
	for _, action := range exp.Rollback {
		if err := action.Execute(rollbackCtx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = failedAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observeCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	var degradedAt time.Time
	for {
		select {
		case <-observeCtx.Done():
			// One final sample so assertions see the end state.
			e.sample(context.WithoutCancel(ctx), exp, result, &degradedAt)
			return
		case <-ticker.C:
			e.sample(observeCtx, exp, result, &degradedAt)
		}
	}
}

func (e *Engine) sample(ctx context.Context, exp Experiment, result *Result, degradedAt *time.Time) {
	for _, metric := range exp.SteadyState {
		value, err := metric.Query(ctx)
		if err != nil {
			if ctx.Err() == nil {
				result.recordError(metric.Name, err)
			}
			continue
		}
		now := time.Now()
		result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

		switch {
		case !metric.Threshold.Holds(value):
			if degradedAt.IsZero() {
				*degradedAt = now
			}
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		case !degradedAt.IsZero() && result.MTTR == nil:
			mttr := now.Sub(*degradedAt)
			result.MTTR = &mttr
		}
	}
}

func (e *Engine) steadyState(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			e.logg.Error(e.logg.WithField(ctx, "metric", metric.Name), "steady state query failed", err)
			value = -1
		}
		if err != nil || !metric.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return violations
}

func failedAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		observations := result.Observations[a.Metric]
		if len(observations) == 0 || !a.Condition(observations[len(observations)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

func (r *Result) recordError(component string, err error) {
	r.ErrorEvents = append(r.ErrorEvents, ErrorEvent{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
}

// ExecuteGameDay runs every scenario in order and reports whether all
// hypotheses held. Aborted experiments count as failures.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)))
	defer span.End()

	ctx = e.logg.WithField(ctx, "game_day", day.Name)
	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"date":         day.Date.Format(time.RFC3339),
		"participants": day.Participants,
		"scenarios":    len(day.Scenarios),
	}), "starting game day")

	allHeld := true
	for i, scenario := range day.Scenarios {
		if i > 0 && e.pause > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(e.pause):
			}
		}
		expCtx := e.logg.WithFields(ctx, map[string]any{
			"experiment": scenario.Name,
			"hypothesis": scenario.Hypothesis,
		})
		result, err := e.Run(expCtx, scenario)
		if err != nil {
			allHeld = false
			e.logg.Error(expCtx, "experiment aborted", err)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			continue
		}
		e.report(expCtx, result)
		allHeld = allHeld && result.HypothesisHeld
	}
	return allHeld, nil
}

func (e *Engine) report(ctx context.Context, result *Result) {
	fields := map[string]any{
		"hypothesis_held": result.HypothesisHeld,
		"violations":      len(result.Violations),
		"errors":          len(result.ErrorEvents),
		"duration_ms":     result.Duration.Milliseconds(),
	}
	if result.MTTR != nil {
		fields["mttr_ms"] = result.MTTR.Milliseconds()
	}
	ctx = e.logg.WithFields(ctx, fields)
	if result.HypothesisHeld {
		e.logg.Info(ctx, "hypothesis held")
		return
	}
	for _, msg := range result.FailedAssertions {
		e.logg.Warn(e.logg.WithField(ctx, "assertion", msg), "assertion failed")
	}
	e.logg.Warn(ctx, "hypothesis violated")
}
