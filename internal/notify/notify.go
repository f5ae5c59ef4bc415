package notify

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/models"
)

// EventType categorizes orchestrator events published to sinks.
type EventType string

const (
	EventTransition        EventType = "promotion.transition"
	EventApprovalRequested EventType = "promotion.approval_requested"
	EventPromoted          EventType = "promotion.succeeded"
	EventFailed            EventType = "promotion.failed"
	EventRolledBack        EventType = "promotion.rolled_back"
	EventRollbackFailed    EventType = "promotion.rollback_failed"
)

// Event is one orchestrator notification. Delivery is fire-and-forget; sinks
// must never block a promotion run.
type Event struct {
	Type        EventType       `json:"type"`
	RunID       uuid.UUID       `json:"runId"`
	ArtifactID  uuid.UUID       `json:"artifactId"`
	Environment string          `json:"environment"`
	State       models.RunState `json:"state"`
	Detail      string          `json:"detail,omitempty"`
	At          time.Time       `json:"at"`
}

type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// LogSink writes events to the process log.
type LogSink struct {
	Logger *log.Logger
}

func (s *LogSink) Publish(ctx context.Context, ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[notify] %s run=%s artifact=%s env=%s state=%s detail=%q",
		ev.Type, ev.RunID, ev.ArtifactID, ev.Environment, ev.State, ev.Detail)
}

// MultiSink fans an event out to every configured sink.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, sink := range m {
		sink.Publish(ctx, ev)
	}
}
