package gate

import (
	"testing"
	"time"

	"github.com/ILLUVRSE/model-release/internal/models"
)

func passingReport() models.ValidationReport {
	return models.ValidationReport{
		Passed:       true,
		TotalChecks:  10,
		PassedChecks: 10,
		Accuracy:     0.90,
		ErrorRate:    0.0,
		P95LatencyMs: 200,
	}
}

func strictPolicy() Policy {
	return Policy{
		MinAccuracy:  0.85,
		MaxLatencyMs: 1000,
		MaxErrorRate: 0.05,
	}
}

func TestEvaluateRules(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*models.ValidationReport, *Policy)
		approval *models.ApprovalRecord
		want     Decision
	}{
		{
			name:   "all checks pass",
			mutate: func(r *models.ValidationReport, p *Policy) {},
			want:   Allow,
		},
		{
			name: "failed report blocks regardless of metrics",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.Passed = false
				r.FailedChecks = 1
			},
			want: Block,
		},
		{
			name: "accuracy exactly at threshold allows",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.Accuracy = 0.85
			},
			want: Allow,
		},
		{
			name: "accuracy one unit below threshold blocks",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.Accuracy = 0.8499
			},
			want: Block,
		},
		{
			name: "p95 latency at threshold allows",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.P95LatencyMs = 1000
			},
			want: Allow,
		},
		{
			name: "p95 latency above threshold blocks",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.P95LatencyMs = 1000.1
			},
			want: Block,
		},
		{
			name: "error rate above threshold blocks",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.ErrorRate = 0.2
			},
			want: Block,
		},
		{
			name: "approval required with no approval needs approval regardless of metrics",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.Accuracy = 1.0
				r.P95LatencyMs = 1
				p.RequiresHumanApproval = true
			},
			want: NeedsApproval,
		},
		{
			name: "approval required with recorded approval allows",
			mutate: func(r *models.ValidationReport, p *Policy) {
				p.RequiresHumanApproval = true
			},
			approval: &models.ApprovalRecord{Approved: true, DecidedBy: "ml-lead", DecidedAt: time.Now()},
			want:     Allow,
		},
		{
			name: "approval required with recorded rejection blocks",
			mutate: func(r *models.ValidationReport, p *Policy) {
				p.RequiresHumanApproval = true
			},
			approval: &models.ApprovalRecord{Approved: false, DecidedBy: "ml-lead", DecidedAt: time.Now()},
			want:     Block,
		},
		{
			name: "failed report beats approval requirement",
			mutate: func(r *models.ValidationReport, p *Policy) {
				r.Passed = false
				p.RequiresHumanApproval = true
			},
			want: Block,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := passingReport()
			policy := strictPolicy()
			tc.mutate(&report, &policy)
			got, reason := Evaluate(report, policy, tc.approval)
			if got != tc.want {
				t.Fatalf("decision %s, want %s (reason: %s)", got, tc.want, reason)
			}
			if reason == "" {
				t.Fatalf("expected a reason string")
			}
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	report := passingReport()
	policy := strictPolicy()
	policy.RequiresHumanApproval = true
	first, _ := Evaluate(report, policy, nil)
	for i := 0; i < 100; i++ {
		got, _ := Evaluate(report, policy, nil)
		if got != first {
			t.Fatalf("decision changed between identical evaluations: %s then %s", first, got)
		}
	}
}
