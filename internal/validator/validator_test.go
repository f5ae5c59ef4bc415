package validator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/models"
)

func testSuites() map[string]Suite {
	return map[string]Suite{
		"smoke": {
			Name: "smoke",
			Checks: []Check{
				{Name: "setosa", Input: "5.1,3.5,1.4,0.2", Expected: "setosa"},
				{Name: "versicolor", Input: "6.4,3.2,4.5,1.5", Expected: "versicolor"},
				{Name: "boom", Input: "boom", Expected: "virginica"},
				{Name: "unlabeled", Input: "7.0,3.0,5.0,1.8"},
			},
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	predictions := map[string]string{
		"5.1,3.5,1.4,0.2": "setosa\n",
		"6.4,3.2,4.5,1.5": "versicolor\n",
		"7.0,3.0,5.0,1.8": "virginica\n",
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/invocations") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) == "boom" {
			http.Error(w, "model server error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(predictions[string(body)]))
	}))
}

func TestRunAggregatesChecks(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	invoker, err := NewHTTPInvoker(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}
	runner := NewRunner(invoker, testSuites())
	handle := models.EndpointHandle{Name: "staging", ArtifactID: uuid.New()}

	report, err := runner.Run(context.Background(), handle, "smoke")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.TotalChecks != 4 {
		t.Fatalf("total checks = %d, want 4", report.TotalChecks)
	}
	if report.PassedChecks != 3 || report.FailedChecks != 1 {
		t.Fatalf("passed=%d failed=%d, want 3/1", report.PassedChecks, report.FailedChecks)
	}
	if report.Passed {
		t.Fatalf("report passed despite a failed check")
	}
	if report.Accuracy != 0.75 {
		t.Fatalf("accuracy = %v, want 0.75", report.Accuracy)
	}
	if report.ErrorRate != 0.25 {
		t.Fatalf("error rate = %v, want 0.25", report.ErrorRate)
	}

	var boom models.CheckResult
	for _, c := range report.Checks {
		if c.Name == "boom" {
			boom = c
		}
	}
	if !boom.Errored {
		t.Fatalf("erroring check not marked errored: %+v", boom)
	}
	if boom.Passed {
		t.Fatalf("erroring check marked passed")
	}
	if report.P95LatencyMs <= 0 || report.AvgLatencyMs <= 0 {
		t.Fatalf("latency stats missing: avg=%v p95=%v", report.AvgLatencyMs, report.P95LatencyMs)
	}
	if report.CompletedAt.Before(report.StartedAt) {
		t.Fatalf("completedAt before startedAt")
	}
}

func TestRunErrorIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	invoker, err := NewHTTPInvoker(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}
	runner := NewRunner(invoker, testSuites())

	report, err := runner.Run(context.Background(), models.EndpointHandle{Name: "staging"}, "smoke")
	if err != nil {
		t.Fatalf("run should finish despite per-check errors: %v", err)
	}
	if report.TotalChecks != 4 || len(report.Checks) != 4 {
		t.Fatalf("not all checks ran: %d recorded", len(report.Checks))
	}
	if report.ErrorRate != 1.0 {
		t.Fatalf("error rate = %v, want 1.0", report.ErrorRate)
	}
	if report.PassedChecks != 0 {
		t.Fatalf("passed checks = %d, want 0", report.PassedChecks)
	}
}

func TestRunUnknownSuite(t *testing.T) {
	runner := NewRunner(nil, testSuites())
	if _, err := runner.Run(context.Background(), models.EndpointHandle{Name: "staging"}, "missing"); err == nil {
		t.Fatalf("expected error for unknown suite")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := NewRunner(nil, testSuites())
	if _, err := runner.Run(ctx, models.EndpointHandle{Name: "staging"}, "smoke"); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	cases := []struct {
		p    float64
		want float64
	}{
		{50, 50},
		{95, 100},
		{99, 100},
		{100, 100},
	}
	for _, tc := range cases {
		if got := percentile(samples, tc.p); got != tc.want {
			t.Fatalf("percentile(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := percentile([]float64{42}, 99); got != 42 {
		t.Fatalf("single sample percentile = %v, want 42", got)
	}
}

func TestLoadSuitesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suites.json")
	data := `[{"name":"smoke","checks":[{"name":"a","input":"1,2","expected":"x"}]}]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	suites, err := LoadSuites(path)
	if err != nil {
		t.Fatalf("load suites: %v", err)
	}
	suite, ok := suites["smoke"]
	if !ok || len(suite.Checks) != 1 {
		t.Fatalf("suite not loaded: %+v", suites)
	}
}
