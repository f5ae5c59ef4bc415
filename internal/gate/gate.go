package gate

import (
	"fmt"

	"github.com/ILLUVRSE/model-release/internal/models"
)

// Decision is the gate outcome for a validation report.
type Decision string

const (
	Allow         Decision = "ALLOW"
	Block         Decision = "BLOCK"
	NeedsApproval Decision = "NEEDS_APPROVAL"
)

// Policy is the environment's gate policy, extracted once from the Environment
// record and passed in explicitly.
type Policy struct {
	MinAccuracy           float64
	MaxLatencyMs          float64
	MaxErrorRate          float64
	RequiresHumanApproval bool
}

func PolicyFor(env models.Environment) Policy {
	return Policy{
		MinAccuracy:           env.Validation.MinAccuracy,
		MaxLatencyMs:          env.Validation.MaxLatencyMs,
		MaxErrorRate:          env.Validation.MaxErrorRate,
		RequiresHumanApproval: env.RequiresHumanApproval,
	}
}

// Evaluate decides whether a promotion proceeds. Pure: same inputs always
// produce the same decision. Rules apply in order; metrics exactly at a
// threshold pass.
func Evaluate(report models.ValidationReport, policy Policy, approval *models.ApprovalRecord) (Decision, string) {
	if !report.Passed {
		return Block, fmt.Sprintf("validation failed: %d of %d checks failed", report.FailedChecks, report.TotalChecks)
	}
	if report.Accuracy < policy.MinAccuracy {
		return Block, fmt.Sprintf("accuracy %.4f below threshold %.4f", report.Accuracy, policy.MinAccuracy)
	}
	if policy.MaxLatencyMs > 0 && report.P95LatencyMs > policy.MaxLatencyMs {
		return Block, fmt.Sprintf("p95 latency %.1fms above threshold %.1fms", report.P95LatencyMs, policy.MaxLatencyMs)
	}
	if policy.MaxErrorRate > 0 && report.ErrorRate > policy.MaxErrorRate {
		return Block, fmt.Sprintf("error rate %.4f above threshold %.4f", report.ErrorRate, policy.MaxErrorRate)
	}
	if policy.RequiresHumanApproval && (approval == nil || !approval.Approved) {
		if approval != nil && !approval.Approved {
			return Block, fmt.Sprintf("rejected by %s", approval.DecidedBy)
		}
		return NeedsApproval, "human approval required"
	}
	return Allow, "all gate checks passed"
}
