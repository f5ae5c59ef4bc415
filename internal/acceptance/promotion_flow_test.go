package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/auth"
	"github.com/ILLUVRSE/model-release/internal/httpserver"
	"github.com/ILLUVRSE/model-release/internal/models"
	"github.com/ILLUVRSE/model-release/internal/orchestrator"
	"github.com/ILLUVRSE/model-release/internal/registry"
	"github.com/ILLUVRSE/model-release/internal/serving"
	"github.com/ILLUVRSE/model-release/internal/store"
	"github.com/ILLUVRSE/model-release/internal/validator"
)

const debugToken = "acceptance"

type world struct {
	api      *httptest.Server
	model    *httptest.Server
	store    *store.MemoryStore
	fake     *serving.FakeManager
	artifact models.ArtifactVersion
}

// newWorld wires the whole service against in-memory collaborators and a stub
// model server, exposed through the real router with debug-token auth.
func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		store: store.NewMemoryStore(),
		fake:  serving.NewFakeManager(),
	}

	w.model = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch string(body) {
		case "5.1,3.5,1.4,0.2":
			fmt.Fprintln(rw, "setosa")
		case "6.4,3.2,4.5,1.5":
			fmt.Fprintln(rw, "versicolor")
		default:
			fmt.Fprintln(rw, "virginica")
		}
	}))
	t.Cleanup(w.model.Close)

	reg := registry.NewMemoryRegistry()
	w.artifact = models.ArtifactVersion{
		ID:             uuid.New(),
		URI:            "arn:aws:sagemaker:us-east-1:000000000000:model-package/iris/3",
		ApprovalStatus: models.ApprovalPending,
		CreatedAt:      time.Now().UTC(),
	}
	reg.Put(w.artifact)

	invoker, err := validator.NewHTTPInvoker(w.model.URL, w.model.Client())
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}
	suites := map[string]validator.Suite{
		"smoke": {
			Name: "smoke",
			Checks: []validator.Check{
				{Name: "setosa", Input: "5.1,3.5,1.4,0.2", Expected: "setosa"},
				{Name: "versicolor", Input: "6.4,3.2,4.5,1.5", Expected: "versicolor"},
			},
		},
	}

	envs := map[string]models.Environment{
		"staging": {
			Name:                 "staging",
			InstanceType:         "ml.t2.medium",
			InstanceCount:        1,
			Validation:           models.ValidationPolicy{MinAccuracy: 0.85},
			Suite:                "smoke",
			PollIntervalSec:      0.005,
			ReadyTimeoutSec:      2,
			ValidationTimeoutSec: 2,
		},
		"production": {
			Name:                  "production",
			InstanceType:          "ml.m5.xlarge",
			InstanceCount:         2,
			Validation:            models.ValidationPolicy{MinAccuracy: 0.85},
			RequiresHumanApproval: true,
			Suite:                 "smoke",
			PollIntervalSec:       0.005,
			ReadyTimeoutSec:       2,
			ApprovalTimeoutSec:    5,
			ValidationTimeoutSec:  2,
		},
	}

	orch := orchestrator.New(
		w.store, reg, w.fake,
		validator.NewRunner(invoker, suites),
		nil, nil, envs,
		orchestrator.Config{Logger: log.New(io.Discard, "", 0)},
	)
	t.Cleanup(orch.Close)

	authMW := auth.NewMiddleware("", true, debugToken)
	w.api = httptest.NewServer(httpserver.New(orch, w.store, authMW).Router())
	t.Cleanup(w.api.Close)
	return w
}

func (w *world) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, w.api.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Debug-Token", debugToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, raw
}

func (w *world) submit(t *testing.T, env string) models.PromotionRun {
	t.Helper()
	resp, raw := w.do(t, http.MethodPost, "/release/promotions", map[string]string{
		"artifactId":  w.artifact.ID.String(),
		"environment": env,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", resp.StatusCode, raw)
	}
	var run models.PromotionRun
	if err := json.Unmarshal(raw, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return run
}

func (w *world) getRun(t *testing.T, id uuid.UUID) models.PromotionRun {
	t.Helper()
	resp, raw := w.do(t, http.MethodGet, "/release/promotions/"+id.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run returned %d: %s", resp.StatusCode, raw)
	}
	var run models.PromotionRun
	if err := json.Unmarshal(raw, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return run
}

func (w *world) waitFor(t *testing.T, id uuid.UUID, pred func(models.PromotionRun) bool) models.PromotionRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run := w.getRun(t, id)
		if pred(run) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never satisfied predicate (last state %s)", id, w.getRun(t, id).State)
	return models.PromotionRun{}
}

func TestStagingThenProductionFlow(t *testing.T) {
	w := newWorld(t)

	// staging needs no human approval and promotes on green validation
	staging := w.submit(t, "staging")
	final := w.waitFor(t, staging.ID, func(r models.PromotionRun) bool { return r.State.Terminal() })
	if final.State != models.StatePromoted {
		t.Fatalf("staging run ended %s (%s)", final.State, final.Detail())
	}
	if final.Report == nil || final.Report.Accuracy != 1.0 {
		t.Fatalf("staging report missing or wrong: %+v", final.Report)
	}

	// production pauses for an operator decision
	prod := w.submit(t, "production")
	w.waitFor(t, prod.ID, func(r models.PromotionRun) bool { return r.State == models.StateAwaitingApproval })

	resp, raw := w.do(t, http.MethodPost, "/release/promotions/"+prod.ID.String()+"/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve returned %d: %s", resp.StatusCode, raw)
	}
	final = w.waitFor(t, prod.ID, func(r models.PromotionRun) bool { return r.State.Terminal() })
	if final.State != models.StatePromoted {
		t.Fatalf("production run ended %s (%s)", final.State, final.Detail())
	}
	if final.Approval == nil || final.Approval.DecidedBy != "debug" {
		t.Fatalf("approval record missing or wrong: %+v", final.Approval)
	}

	good, err := w.store.GetLastKnownGood(context.Background(), "production")
	if err != nil {
		t.Fatalf("known-good config not recorded: %v", err)
	}
	if good.ArtifactID != w.artifact.ID {
		t.Fatalf("known-good artifact %s, want %s", good.ArtifactID, w.artifact.ID)
	}

	// both runs visible through the list endpoint
	resp, raw = w.do(t, http.MethodGet, "/release/promotions?environment=staging", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list returned %d", resp.StatusCode)
	}
	var runs []models.PromotionRun
	if err := json.Unmarshal(raw, &runs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("staging list has %d runs, want 1", len(runs))
	}
}

func TestDuplicateSubmissionConflictsOverHTTP(t *testing.T) {
	w := newWorld(t)
	w.fake.ScriptStatus("staging", models.EndpointCreating)

	run := w.submit(t, "staging")
	w.waitFor(t, run.ID, func(r models.PromotionRun) bool { return r.State == models.StateAwaitingReady })

	resp, raw := w.do(t, http.MethodPost, "/release/promotions", map[string]string{
		"artifactId":  w.artifact.ID.String(),
		"environment": "staging",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate submit returned %d: %s", resp.StatusCode, raw)
	}

	resp, _ = w.do(t, http.MethodPost, "/release/promotions/"+run.ID.String()+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel returned %d", resp.StatusCode)
	}
	w.waitFor(t, run.ID, func(r models.PromotionRun) bool { return r.State.Terminal() })
}

func TestAPIErrorMapping(t *testing.T) {
	w := newWorld(t)

	resp, _ := w.do(t, http.MethodGet, "/release/promotions/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run returned %d, want 404", resp.StatusCode)
	}

	resp, _ = w.do(t, http.MethodPost, "/release/promotions", map[string]string{
		"artifactId":  w.artifact.ID.String(),
		"environment": "nowhere",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown environment returned %d, want 400", resp.StatusCode)
	}

	resp, _ = w.do(t, http.MethodPost, "/release/promotions/"+uuid.NewString()+"/approve", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("approve unknown run returned %d, want 404", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	w := newWorld(t)

	req, _ := http.NewRequest(http.MethodGet, w.api.URL+"/release/promotions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list returned %d, want 401", resp.StatusCode)
	}

	// health stays open for probes
	resp, err = http.Get(w.api.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d, want 200", resp.StatusCode)
	}
}
