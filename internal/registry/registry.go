package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/models"
)

var ErrNotFound = errors.New("artifact not found")

// Registry is the artifact registry the orchestrator reads artifacts from and
// writes approval status back to. Storage is owned by the registry service.
type Registry interface {
	GetArtifact(ctx context.Context, id uuid.UUID) (models.ArtifactVersion, error)
	SetApprovalStatus(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) error
}

// MemoryRegistry backs tests and local runs.
type MemoryRegistry struct {
	mu        sync.RWMutex
	artifacts map[uuid.UUID]models.ArtifactVersion
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{artifacts: map[uuid.UUID]models.ArtifactVersion{}}
}

func (m *MemoryRegistry) Put(artifact models.ArtifactVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifact.ID] = artifact
}

func (m *MemoryRegistry) GetArtifact(ctx context.Context, id uuid.UUID) (models.ArtifactVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifact, ok := m.artifacts[id]
	if !ok {
		return models.ArtifactVersion{}, ErrNotFound
	}
	return artifact, nil
}

func (m *MemoryRegistry) SetApprovalStatus(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[id]
	if !ok {
		return ErrNotFound
	}
	artifact.ApprovalStatus = status
	m.artifacts[id] = artifact
	return nil
}
