package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the registry-side status of a model artifact.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

// ArtifactVersion is a read-only view of a registry artifact. The orchestrator
// never mutates it structurally; only the approval status is written back.
type ArtifactVersion struct {
	ID             uuid.UUID          `json:"id"`
	URI            string             `json:"uri"`
	SourceMetrics  map[string]float64 `json:"sourceMetrics,omitempty"`
	ApprovalStatus ApprovalStatus     `json:"approvalStatus"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// AutoscalingPolicy mirrors a target-tracking scaling setup on the serving
// endpoint's traffic variant.
type AutoscalingPolicy struct {
	Enabled           bool    `json:"enabled"`
	MinCapacity       int32   `json:"minCapacity"`
	MaxCapacity       int32   `json:"maxCapacity"`
	TargetInvocations float64 `json:"targetInvocations"`
}

// MonitoringPolicy configures request/response data capture on the serving
// endpoint and the model-monitor schedule created once a run promotes.
type MonitoringPolicy struct {
	Enabled            bool   `json:"enabled"`
	CaptureS3URI       string `json:"captureS3Uri"`
	SamplingPercent    int32  `json:"samplingPercent"`
	ReportsS3URI       string `json:"reportsS3Uri"`
	AnalyzerImage      string `json:"analyzerImage"`
	ScheduleExpression string `json:"scheduleExpression"`
	InstanceType       string `json:"instanceType"`
}

// ValidationPolicy is the threshold set a validation report is gated against.
type ValidationPolicy struct {
	MinAccuracy  float64 `json:"minAccuracy"`
	MaxLatencyMs float64 `json:"maxLatencyMs"`
	MaxErrorRate float64 `json:"maxErrorRate"`
}

// Environment is a named deployment target. Loaded once at process start and
// never mutated during a promotion run.
type Environment struct {
	Name                  string            `json:"name"`
	InstanceType          string            `json:"instanceType"`
	InstanceCount         int32             `json:"instanceCount"`
	Autoscaling           AutoscalingPolicy `json:"autoscaling"`
	Monitoring            MonitoringPolicy  `json:"monitoring"`
	Validation            ValidationPolicy  `json:"validation"`
	RequiresHumanApproval bool              `json:"requiresHumanApproval"`
	Suite                 string            `json:"suite"`
	ReadyTimeoutSec       float64           `json:"readyTimeoutSec"`
	PollIntervalSec       float64           `json:"pollIntervalSec"`
	ApprovalTimeoutSec    float64           `json:"approvalTimeoutSec"`
	ValidationTimeoutSec  float64           `json:"validationTimeoutSec"`
}

const (
	defaultReadyTimeout      = 15 * time.Minute
	defaultPollInterval      = 30 * time.Second
	defaultApprovalTimeout   = 24 * time.Hour
	defaultValidationTimeout = 5 * time.Minute
)

func secondsOr(sec float64, fallback time.Duration) time.Duration {
	if sec > 0 {
		return time.Duration(sec * float64(time.Second))
	}
	return fallback
}

func (e Environment) ReadyTimeout() time.Duration {
	return secondsOr(e.ReadyTimeoutSec, defaultReadyTimeout)
}

func (e Environment) PollInterval() time.Duration {
	return secondsOr(e.PollIntervalSec, defaultPollInterval)
}

func (e Environment) ApprovalTimeout() time.Duration {
	return secondsOr(e.ApprovalTimeoutSec, defaultApprovalTimeout)
}

func (e Environment) ValidationTimeout() time.Duration {
	return secondsOr(e.ValidationTimeoutSec, defaultValidationTimeout)
}

// RunState is the promotion state machine position of a run.
type RunState string

const (
	StateRequested        RunState = "Requested"
	StateDeploying        RunState = "Deploying"
	StateAwaitingReady    RunState = "AwaitingReady"
	StateValidating       RunState = "Validating"
	StateAwaitingApproval RunState = "AwaitingApproval"
	StatePromoted         RunState = "Promoted"
	StateFailed           RunState = "Failed"
	StateRollingBack      RunState = "RollingBack"
	StateRolledBack       RunState = "RolledBack"
	StateRollbackFailed   RunState = "RollbackFailed"
)

var legalTransitions = map[RunState][]RunState{
	StateRequested:        {StateDeploying, StateFailed},
	StateDeploying:        {StateAwaitingReady, StateFailed, StateRollingBack},
	StateAwaitingReady:    {StateValidating, StateFailed, StateRollingBack},
	StateValidating:       {StatePromoted, StateAwaitingApproval, StateFailed, StateRollingBack},
	StateAwaitingApproval: {StatePromoted, StateFailed, StateRollingBack},
	StateRollingBack:      {StateRolledBack, StateRollbackFailed},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to RunState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal run state.
func (s RunState) Terminal() bool {
	switch s {
	case StatePromoted, StateFailed, StateRolledBack, StateRollbackFailed:
		return true
	}
	return false
}

// Transition is one recorded state change of a promotion run.
type Transition struct {
	From   RunState  `json:"from"`
	To     RunState  `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// ApprovalRecord captures an operator's decision on an AwaitingApproval run.
type ApprovalRecord struct {
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decidedBy"`
	DecidedAt time.Time `json:"decidedAt"`
}

// PromotionRun is the mutable record of one promotion request's progress.
// Only the orchestrator task that owns the run mutates it.
type PromotionRun struct {
	ID           uuid.UUID         `json:"id"`
	ArtifactID   uuid.UUID         `json:"artifactId"`
	Environment  string            `json:"environment"`
	RequestedBy  string            `json:"requestedBy"`
	State        RunState          `json:"state"`
	History      []Transition      `json:"history"`
	Report       *ValidationReport `json:"report,omitempty"`
	Approval     *ApprovalRecord   `json:"approval,omitempty"`
	EndpointName string            `json:"endpointName,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Detail returns the human-readable detail of the latest transition.
func (r PromotionRun) Detail() string {
	if len(r.History) == 0 {
		return ""
	}
	return r.History[len(r.History)-1].Detail
}

// CheckResult is the outcome of a single validation check.
type CheckResult struct {
	Name       string  `json:"name"`
	Passed     bool    `json:"passed"`
	Errored    bool    `json:"errored,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	Prediction string  `json:"prediction,omitempty"`
	Expected   string  `json:"expected,omitempty"`
	LatencyMs  float64 `json:"latencyMs"`
}

// ValidationReport aggregates one validation attempt against a live endpoint.
// Immutable once produced.
type ValidationReport struct {
	Suite        string        `json:"suite"`
	Passed       bool          `json:"passed"`
	TotalChecks  int           `json:"totalChecks"`
	PassedChecks int           `json:"passedChecks"`
	FailedChecks int           `json:"failedChecks"`
	Accuracy     float64       `json:"accuracy"`
	ErrorRate    float64       `json:"errorRate"`
	AvgLatencyMs float64       `json:"avgLatencyMs"`
	P50LatencyMs float64       `json:"p50LatencyMs"`
	P95LatencyMs float64       `json:"p95LatencyMs"`
	P99LatencyMs float64       `json:"p99LatencyMs"`
	Checks       []CheckResult `json:"checks"`
	StartedAt    time.Time     `json:"startedAt"`
	CompletedAt  time.Time     `json:"completedAt"`
}

// EndpointStatus is the observed lifecycle status of a serving endpoint.
type EndpointStatus string

const (
	EndpointCreating  EndpointStatus = "Creating"
	EndpointInService EndpointStatus = "InService"
	EndpointUpdating  EndpointStatus = "Updating"
	EndpointFailed    EndpointStatus = "Failed"
	EndpointDeleted   EndpointStatus = "Deleted"
)

// EndpointHandle is an opaque reference to a deployed serving endpoint.
// Owned by the serving resource manager; the orchestrator holds a read-only view.
type EndpointHandle struct {
	Name        string    `json:"name"`
	ConfigName  string    `json:"configName"`
	Environment string    `json:"environment"`
	ArtifactID  uuid.UUID `json:"artifactId"`
}

// GoodConfig is the last known-good endpoint configuration of an environment,
// swapped atomically on every successful promotion and read by rollback.
type GoodConfig struct {
	Environment  string    `json:"environment"`
	EndpointName string    `json:"endpointName"`
	ConfigName   string    `json:"configName"`
	ArtifactID   uuid.UUID `json:"artifactId"`
	PromotedAt   time.Time `json:"promotedAt"`
}
