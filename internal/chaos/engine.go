// Package chaos runs fault-injection experiments against the credit engine
// and checks that the balance invariant survives them.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrSteadyStateInvalid aborts an experiment before any fault is injected.
var ErrSteadyStateInvalid = errors.New("chaos: steady state invalid, experiment aborted")

// Experiment describes one hypothesis about the system and how to test it.
type Experiment struct {
	Name       string
	Hypothesis string
	// SteadyState probes must all hold before the method runs, and are
	// sampled while the experiment is observed.
	SteadyState []Probe
	// Measurements are sampled once after rollback for the assertions.
	// Their thresholds are ignored.
	Measurements []Probe
	Method       []Action
	Rollback     []Action
	Assertions   []Assertion
	// Duration is how long probes are sampled after the method. Zero skips
	// observation.
	Duration       time.Duration
	SampleInterval time.Duration
}

// Probe measures one property of the system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Name    string
	Execute func(context.Context) error
}

// Assertion is evaluated against the last observation of a probe, taken
// after rollback.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

// Result records what happened during one experiment.
type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	Violations       []Violation            `json:"violations,omitempty"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Threshold Threshold `json:"threshold"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Error     string    `json:"error"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer  trace.Tracer
	logger  *zap.Logger
	mu      sync.Mutex
	results []Result
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{tracer: otel.Tracer("creditcore/chaos"), logger: logger}
}

// Results returns a copy of every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes exp: check steady state, inject the method, observe, roll
// back, then evaluate assertions. Rollback runs even when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()
	log := e.logger.With(zap.String("experiment", exp.Name))

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	for _, p := range exp.SteadyState {
		if v, ok := e.sample(ctx, p, result); !ok {
			result.Violations = append(result.Violations, Violation{Probe: p.Name, Threshold: p.Threshold, Actual: v, Timestamp: time.Now()})
		}
	}
	if len(result.Violations) > 0 {
		result.EndTime = time.Now()
		span.SetStatus(codes.Error, ErrSteadyStateInvalid.Error())
		log.Warn("steady state invalid", zap.Int("violations", len(result.Violations)))
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_faults")
	for _, a := range exp.Method {
		if err := a.Execute(ctx); err != nil {
			e.recordError(result, a.Name, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	rollbackCtx := context.WithoutCancel(ctx)
	for _, a := range exp.Rollback {
		if err := a.Execute(rollbackCtx); err != nil {
			e.recordError(result, a.Name, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	for _, p := range exp.SteadyState {
		if v, ok := e.sample(rollbackCtx, p, result); !ok {
			result.Violations = append(result.Violations, Violation{Probe: p.Name, Threshold: p.Threshold, Actual: v, Timestamp: time.Now()})
		}
	}
	for _, p := range exp.Measurements {
		e.sample(rollbackCtx, p, result)
	}
	result.FailedAssertions = e.evaluate(exp.Assertions, result)
	result.HypothesisHeld = len(result.Violations) == 0 && len(result.FailedAssertions) == 0
	result.EndTime = time.Now()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	log.Info("experiment finished",
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Strings("failed_assertions", result.FailedAssertions),
		zap.Duration("elapsed", result.EndTime.Sub(result.StartTime)),
	)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()
	return result, nil
}

// RunAll runs experiments in order and reports every experiment whose
// hypothesis did not hold.
func (e *Engine) RunAll(ctx context.Context, experiments []Experiment) ([]*Result, error) {
	var (
		results []*Result
		errs    []error
	)
	for _, exp := range experiments {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := e.Run(ctx, exp)
		results = append(results, result)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", exp.Name, err))
		case !result.HypothesisHeld:
			errs = append(errs, fmt.Errorf("%s: hypothesis violated: %s", exp.Name, exp.Hypothesis))
		}
	}
	return results, errors.Join(errs...)
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	if exp.Duration <= 0 {
		return
	}
	interval := exp.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range exp.SteadyState {
				if v, ok := e.sample(ctx, p, result); !ok {
					result.Violations = append(result.Violations, Violation{Probe: p.Name, Threshold: p.Threshold, Actual: v, Timestamp: time.Now()})
				}
			}
		}
	}
}

// sample queries p once and records the observation. A failed query counts
// as a violation.
func (e *Engine) sample(ctx context.Context, p Probe, result *Result) (float64, bool) {
	v, err := p.Query(ctx)
	if err != nil {
		e.recordError(result, p.Name, err)
		return -1, false
	}
	result.Observations[p.Name] = append(result.Observations[p.Name], DataPoint{Timestamp: time.Now(), Value: v})
	return v, p.Threshold.holds(v)
}

func (e *Engine) evaluate(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := result.Observations[a.Probe]
		if len(points) == 0 || !a.Condition(points[len(points)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

func (e *Engine) recordError(result *Result, source string, err error) {
	result.Errors = append(result.Errors, ErrorEvent{Timestamp: time.Now(), Source: source, Error: err.Error()})
}
