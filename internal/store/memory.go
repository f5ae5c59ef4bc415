package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/models"
)

type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[uuid.UUID]models.PromotionRun
	goodConfigs map[string]models.GoodConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        map[uuid.UUID]models.PromotionRun{},
		goodConfigs: map[string]models.GoodConfig{},
	}
}

func copyRun(run models.PromotionRun) models.PromotionRun {
	out := run
	out.History = append([]models.Transition(nil), run.History...)
	if run.Report != nil {
		report := *run.Report
		report.Checks = append([]models.CheckResult(nil), run.Report.Checks...)
		out.Report = &report
	}
	if run.Approval != nil {
		rec := *run.Approval
		out.Approval = &rec
	}
	return out
}

func (m *MemoryStore) CreateRun(ctx context.Context, in RunInput) (models.PromotionRun, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.ArtifactID == in.ArtifactID && existing.Environment == in.Environment && !existing.State.Terminal() {
			return models.PromotionRun{}, ErrConflict
		}
	}
	now := time.Now().UTC()
	run := models.PromotionRun{
		ID:          in.ID,
		ArtifactID:  in.ArtifactID,
		Environment: in.Environment,
		RequestedBy: in.RequestedBy,
		State:       models.StateRequested,
		History:     []models.Transition{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.runs[run.ID] = run
	return copyRun(run), nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id uuid.UUID) (models.PromotionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return models.PromotionRun{}, ErrNotFound
	}
	return copyRun(run), nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter ListRunsFilter) ([]models.PromotionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []models.PromotionRun
	for _, run := range m.runs {
		if filter.Environment != "" && run.Environment != filter.Environment {
			continue
		}
		if filter.ArtifactID != nil && run.ArtifactID != *filter.ArtifactID {
			continue
		}
		runs = append(runs, copyRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(runs) {
		start = len(runs)
	}
	end := start + normalizeLimit(filter.Limit)
	if end > len(runs) {
		end = len(runs)
	}
	return runs[start:end], nil
}

func (m *MemoryStore) AppendTransition(ctx context.Context, id uuid.UUID, tr models.Transition) (models.PromotionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return models.PromotionRun{}, ErrNotFound
	}
	run.History = append(run.History, tr)
	run.State = tr.To
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return copyRun(run), nil
}

func (m *MemoryStore) SetReport(ctx context.Context, id uuid.UUID, report models.ValidationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Report = &report
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) SetApproval(ctx context.Context, id uuid.UUID, rec models.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Approval = &rec
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) SetEndpoint(ctx context.Context, id uuid.UUID, endpointName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.EndpointName = endpointName
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) GetLastKnownGood(ctx context.Context, environment string) (models.GoodConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.goodConfigs[environment]
	if !ok {
		return models.GoodConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MemoryStore) SetLastKnownGood(ctx context.Context, cfg models.GoodConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goodConfigs[cfg.Environment] = cfg
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
