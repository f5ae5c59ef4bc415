package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/model-release/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an active promotion run already exists for
	// the same (artifact, environment) pair.
	ErrConflict = errors.New("active promotion run already exists")
)

type Store interface {
	CreateRun(ctx context.Context, in RunInput) (models.PromotionRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (models.PromotionRun, error)
	ListRuns(ctx context.Context, filter ListRunsFilter) ([]models.PromotionRun, error)
	AppendTransition(ctx context.Context, id uuid.UUID, tr models.Transition) (models.PromotionRun, error)
	SetReport(ctx context.Context, id uuid.UUID, report models.ValidationReport) error
	SetApproval(ctx context.Context, id uuid.UUID, rec models.ApprovalRecord) error
	SetEndpoint(ctx context.Context, id uuid.UUID, endpointName string) error
	GetLastKnownGood(ctx context.Context, environment string) (models.GoodConfig, error)
	SetLastKnownGood(ctx context.Context, cfg models.GoodConfig) error
	Ping(ctx context.Context) error
}

type RunInput struct {
	ID          uuid.UUID
	ArtifactID  uuid.UUID
	Environment string
	RequestedBy string
}

type ListRunsFilter struct {
	Environment string
	ArtifactID  *uuid.UUID
	Limit       int
	Offset      int
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const runColumns = "id, artifact_id, environment, requested_by, state, history, report, approval, endpoint_name, created_at, updated_at"

func scanRun(row rowScanner) (models.PromotionRun, error) {
	var (
		run      models.PromotionRun
		history  []byte
		report   []byte
		approval []byte
		endpoint sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.ArtifactID,
		&run.Environment,
		&run.RequestedBy,
		&run.State,
		&history,
		&report,
		&approval,
		&endpoint,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return models.PromotionRun{}, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &run.History); err != nil {
			return models.PromotionRun{}, fmt.Errorf("decode history: %w", err)
		}
	}
	if len(report) > 0 && string(report) != "null" {
		run.Report = &models.ValidationReport{}
		if err := json.Unmarshal(report, run.Report); err != nil {
			return models.PromotionRun{}, fmt.Errorf("decode report: %w", err)
		}
	}
	if len(approval) > 0 && string(approval) != "null" {
		run.Approval = &models.ApprovalRecord{}
		if err := json.Unmarshal(approval, run.Approval); err != nil {
			return models.PromotionRun{}, fmt.Errorf("decode approval: %w", err)
		}
	}
	if endpoint.Valid {
		run.EndpointName = endpoint.String
	}
	return run, nil
}

// CreateRun inserts a run in Requested state. Uniqueness of the active
// (artifact, environment) pair is enforced by a partial unique index over
// non-terminal states; a violation surfaces as ErrConflict.
func (s *PGStore) CreateRun(ctx context.Context, in RunInput) (models.PromotionRun, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO promotion_runs (id, artifact_id, environment, requested_by, state, history)
		VALUES ($1,$2,$3,$4,$5,'[]'::jsonb)
		RETURNING ` + runColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ArtifactID, in.Environment, in.RequestedBy, models.StateRequested)
	run, err := scanRun(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.PromotionRun{}, ErrConflict
		}
		return models.PromotionRun{}, fmt.Errorf("insert promotion run: %w", err)
	}
	return run, nil
}

func (s *PGStore) GetRun(ctx context.Context, id uuid.UUID) (models.PromotionRun, error) {
	query := `SELECT ` + runColumns + ` FROM promotion_runs WHERE id=$1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PromotionRun{}, ErrNotFound
		}
		return models.PromotionRun{}, fmt.Errorf("get promotion run: %w", err)
	}
	return run, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListRuns(ctx context.Context, filter ListRunsFilter) ([]models.PromotionRun, error) {
	query := `SELECT ` + runColumns + ` FROM promotion_runs WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", argPos)
		args = append(args, filter.Environment)
		argPos++
	}
	if filter.ArtifactID != nil {
		query += fmt.Sprintf(" AND artifact_id = $%d", argPos)
		args = append(args, *filter.ArtifactID)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list promotion runs: %w", err)
	}
	defer rows.Close()

	var runs []models.PromotionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promotion run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotion runs: %w", err)
	}
	return runs, nil
}

func (s *PGStore) AppendTransition(ctx context.Context, id uuid.UUID, tr models.Transition) (models.PromotionRun, error) {
	trBytes, err := json.Marshal(tr)
	if err != nil {
		return models.PromotionRun{}, fmt.Errorf("encode transition: %w", err)
	}
	query := `
		UPDATE promotion_runs
		SET state=$2, history = history || $3::jsonb, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + runColumns
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id, tr.To, trBytes))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PromotionRun{}, ErrNotFound
		}
		return models.PromotionRun{}, fmt.Errorf("append transition: %w", err)
	}
	return run, nil
}

func (s *PGStore) SetReport(ctx context.Context, id uuid.UUID, report models.ValidationReport) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return s.execOnRun(ctx, `UPDATE promotion_runs SET report=$2, updated_at=NOW() WHERE id=$1`, id, b)
}

func (s *PGStore) SetApproval(ctx context.Context, id uuid.UUID, rec models.ApprovalRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	return s.execOnRun(ctx, `UPDATE promotion_runs SET approval=$2, updated_at=NOW() WHERE id=$1`, id, b)
}

func (s *PGStore) SetEndpoint(ctx context.Context, id uuid.UUID, endpointName string) error {
	return s.execOnRun(ctx, `UPDATE promotion_runs SET endpoint_name=$2, updated_at=NOW() WHERE id=$1`, id, endpointName)
}

func (s *PGStore) execOnRun(ctx context.Context, query string, id uuid.UUID, arg interface{}) error {
	res, err := s.db.ExecContext(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("update promotion run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetLastKnownGood(ctx context.Context, environment string) (models.GoodConfig, error) {
	const query = `
		SELECT environment, endpoint_name, config_name, artifact_id, promoted_at
		FROM environment_good_configs
		WHERE environment=$1
	`
	var cfg models.GoodConfig
	err := s.db.QueryRowContext(ctx, query, environment).Scan(
		&cfg.Environment, &cfg.EndpointName, &cfg.ConfigName, &cfg.ArtifactID, &cfg.PromotedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GoodConfig{}, ErrNotFound
	}
	if err != nil {
		return models.GoodConfig{}, fmt.Errorf("get good config: %w", err)
	}
	return cfg, nil
}

// SetLastKnownGood swaps the environment's known-good record in one upsert, so
// readers never observe a partial write.
func (s *PGStore) SetLastKnownGood(ctx context.Context, cfg models.GoodConfig) error {
	const query = `
		INSERT INTO environment_good_configs (environment, endpoint_name, config_name, artifact_id, promoted_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (environment) DO UPDATE
		SET endpoint_name=EXCLUDED.endpoint_name,
		    config_name=EXCLUDED.config_name,
		    artifact_id=EXCLUDED.artifact_id,
		    promoted_at=EXCLUDED.promoted_at
	`
	if _, err := s.db.ExecContext(ctx, query, cfg.Environment, cfg.EndpointName, cfg.ConfigName, cfg.ArtifactID, cfg.PromotedAt); err != nil {
		return fmt.Errorf("set good config: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
