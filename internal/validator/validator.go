package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ILLUVRSE/model-release/internal/models"
)

// Check is one labeled fixture executed against the live endpoint.
type Check struct {
	Name     string `json:"name"`
	Input    string `json:"input"`
	Expected string `json:"expected,omitempty"`
}

// Suite is a named set of checks.
type Suite struct {
	Name   string  `json:"name"`
	Checks []Check `json:"checks"`
}

// Invoker sends one payload to a live endpoint and returns the raw prediction.
type Invoker interface {
	Invoke(ctx context.Context, handle models.EndpointHandle, payload []byte) ([]byte, error)
}

// Runner executes validation suites. One check's error is recorded as that
// check's failure and never aborts the rest of the suite.
type Runner struct {
	invoker      Invoker
	suites       map[string]Suite
	checkTimeout time.Duration
}

func NewRunner(invoker Invoker, suites map[string]Suite) *Runner {
	return &Runner{
		invoker:      invoker,
		suites:       suites,
		checkTimeout: 10 * time.Second,
	}
}

// LoadSuites reads named suites from a JSON file.
func LoadSuites(path string) (map[string]Suite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suites file: %w", err)
	}
	var list []Suite
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse suites file: %w", err)
	}
	suites := make(map[string]Suite, len(list))
	for _, s := range list {
		if s.Name == "" {
			return nil, fmt.Errorf("suite with empty name in %s", path)
		}
		suites[s.Name] = s
	}
	return suites, nil
}

// Run executes the named suite against the endpoint and aggregates the report.
func (r *Runner) Run(ctx context.Context, handle models.EndpointHandle, suiteName string) (models.ValidationReport, error) {
	suite, ok := r.suites[suiteName]
	if !ok {
		return models.ValidationReport{}, fmt.Errorf("unknown validation suite %q", suiteName)
	}
	report := models.ValidationReport{
		Suite:       suiteName,
		Passed:      true,
		TotalChecks: len(suite.Checks),
		StartedAt:   time.Now().UTC(),
	}
	var latencies []float64
	errored := 0

	for _, check := range suite.Checks {
		if ctx.Err() != nil {
			return models.ValidationReport{}, ctx.Err()
		}
		result := r.runCheck(ctx, handle, check)
		report.Checks = append(report.Checks, result)
		if result.LatencyMs > 0 {
			latencies = append(latencies, result.LatencyMs)
		}
		if result.Passed {
			report.PassedChecks++
		} else {
			report.FailedChecks++
			report.Passed = false
		}
		if result.Errored {
			errored++
		}
	}

	if report.TotalChecks > 0 {
		report.Accuracy = float64(report.PassedChecks) / float64(report.TotalChecks)
		report.ErrorRate = float64(errored) / float64(report.TotalChecks)
	}
	if len(latencies) > 0 {
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		report.AvgLatencyMs = sum / float64(len(latencies))
		report.P50LatencyMs = percentile(latencies, 50)
		report.P95LatencyMs = percentile(latencies, 95)
		report.P99LatencyMs = percentile(latencies, 99)
	}
	report.CompletedAt = time.Now().UTC()
	return report, nil
}

func (r *Runner) runCheck(ctx context.Context, handle models.EndpointHandle, check Check) models.CheckResult {
	result := models.CheckResult{Name: check.Name, Expected: check.Expected}

	checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()

	start := time.Now()
	raw, err := r.invoker.Invoke(checkCtx, handle, []byte(check.Input))
	result.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		result.Errored = true
		result.Detail = err.Error()
		return result
	}

	result.Prediction = strings.TrimSpace(string(raw))
	if check.Expected == "" {
		result.Passed = true
		return result
	}
	if result.Prediction == check.Expected {
		result.Passed = true
	} else {
		result.Detail = fmt.Sprintf("expected %q, got %q", check.Expected, result.Prediction)
	}
	return result
}

// percentile computes the nearest-rank percentile of the samples.
func percentile(samples []float64, p float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100.0 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
