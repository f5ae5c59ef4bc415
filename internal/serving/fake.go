package serving

import (
	"context"
	"fmt"
	"sync"

	"github.com/ILLUVRSE/model-release/internal/models"
)

// FakeManager is a scriptable in-memory Manager used by tests and local runs.
// Status sequences are consumed one DescribeEndpoint-equivalent at a time; the
// last element repeats once the script is exhausted.
type FakeManager struct {
	mu sync.Mutex

	// StatusScript per endpoint name. Defaults to a single InService.
	statusScripts map[string][]models.EndpointStatus

	DeployErr  error
	RestoreErr error
	DeleteErr  error
	MonitorErr error

	deploys   int
	restores  []models.GoodConfig
	deleted   map[string]bool
	current   map[string]models.EndpointHandle
	monitored map[string]bool
}

func NewFakeManager() *FakeManager {
	return &FakeManager{
		statusScripts: map[string][]models.EndpointStatus{},
		deleted:       map[string]bool{},
		current:       map[string]models.EndpointHandle{},
		monitored:     map[string]bool{},
	}
}

// ScriptStatus sets the sequence of statuses GetStatus will report for the
// named endpoint.
func (f *FakeManager) ScriptStatus(endpointName string, statuses ...models.EndpointStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusScripts[endpointName] = statuses
}

func (f *FakeManager) Deploy(ctx context.Context, artifact models.ArtifactVersion, env models.Environment) (models.EndpointHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeployErr != nil {
		return models.EndpointHandle{}, f.DeployErr
	}
	f.deploys++
	handle := models.EndpointHandle{
		Name:        env.Name,
		ConfigName:  fmt.Sprintf("%s-config-%d", env.Name, f.deploys),
		Environment: env.Name,
		ArtifactID:  artifact.ID,
	}
	f.current[handle.Name] = handle
	delete(f.deleted, handle.Name)
	return handle, nil
}

func (f *FakeManager) GetStatus(ctx context.Context, handle models.EndpointHandle) (models.EndpointStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.statusScripts[handle.Name]
	if len(script) == 0 {
		return models.EndpointInService, nil
	}
	status := script[0]
	if len(script) > 1 {
		f.statusScripts[handle.Name] = script[1:]
	}
	return status, nil
}

func (f *FakeManager) Restore(ctx context.Context, env models.Environment, prior models.GoodConfig) (models.EndpointHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RestoreErr != nil {
		return models.EndpointHandle{}, f.RestoreErr
	}
	f.restores = append(f.restores, prior)
	handle := models.EndpointHandle{
		Name:        prior.EndpointName,
		ConfigName:  prior.ConfigName,
		Environment: env.Name,
		ArtifactID:  prior.ArtifactID,
	}
	f.current[handle.Name] = handle
	delete(f.deleted, handle.Name)
	return handle, nil
}

func (f *FakeManager) Delete(ctx context.Context, handle models.EndpointHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.deleted[handle.Name] = true
	delete(f.current, handle.Name)
	return nil
}

func (f *FakeManager) EnableMonitoring(ctx context.Context, handle models.EndpointHandle, env models.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MonitorErr != nil {
		return f.MonitorErr
	}
	if !env.Monitoring.Enabled {
		return nil
	}
	f.monitored[handle.Name] = true
	return nil
}

// DeployCount reports how many deploys were requested.
func (f *FakeManager) DeployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deploys
}

// Restores returns the prior configs restore was called with, in order.
func (f *FakeManager) Restores() []models.GoodConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.GoodConfig(nil), f.restores...)
}

// Deleted reports whether the named endpoint was deleted.
func (f *FakeManager) Deleted(endpointName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[endpointName]
}

// Monitored reports whether a monitoring schedule exists for the endpoint.
func (f *FakeManager) Monitored(endpointName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitored[endpointName]
}

// CurrentConfig returns the config the named endpoint is currently serving.
func (f *FakeManager) CurrentConfig(endpointName string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle, ok := f.current[endpointName]
	if !ok {
		return "", false
	}
	return handle.ConfigName, true
}
