package serving

import (
	"context"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/model-release/internal/models"
)

// Manager drives the lifecycle of the serving endpoint backing an environment.
// Implementations own the resource; the orchestrator only requests transitions
// and observes status.
type Manager interface {
	Deploy(ctx context.Context, artifact models.ArtifactVersion, env models.Environment) (models.EndpointHandle, error)
	GetStatus(ctx context.Context, handle models.EndpointHandle) (models.EndpointStatus, error)
	Restore(ctx context.Context, env models.Environment, prior models.GoodConfig) (models.EndpointHandle, error)
	Delete(ctx context.Context, handle models.EndpointHandle) error

	// EnableMonitoring creates the recurring model-monitor job for a promoted
	// endpoint. No-op when the environment's monitoring policy is disabled.
	EnableMonitoring(ctx context.Context, handle models.EndpointHandle, env models.Environment) error
}

// TransientError marks a resource error worth retrying (throttling, transient
// capacity). Anything not wrapped is treated as terminal by the orchestrator.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
