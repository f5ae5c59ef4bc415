package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/model-release/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func runRow(id, artifactID uuid.UUID, state models.RunState, history string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "artifact_id", "environment", "requested_by", "state",
		"history", "report", "approval", "endpoint_name", "created_at", "updated_at",
	}).AddRow(
		id.String(), artifactID.String(), "staging", "ci", string(state),
		[]byte(history), nil, nil, nil, now, now,
	)
}

func TestPGCreateRun(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	artifactID := uuid.New()

	mock.ExpectQuery("INSERT INTO promotion_runs").
		WithArgs(id, artifactID, "staging", "ci", models.StateRequested).
		WillReturnRows(runRow(id, artifactID, models.StateRequested, "[]"))

	run, err := st.CreateRun(context.Background(), RunInput{
		ID:          id,
		ArtifactID:  artifactID,
		Environment: "staging",
		RequestedBy: "ci",
	})
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, models.StateRequested, run.State)
	assert.Empty(t, run.History)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateRunConflict(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO promotion_runs").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := st.CreateRun(context.Background(), RunInput{
		ArtifactID:  uuid.New(),
		Environment: "staging",
		RequestedBy: "ci",
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetRunNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM promotion_runs WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetRun(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAppendTransition(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	artifactID := uuid.New()
	tr := models.Transition{
		From:   models.StateRequested,
		To:     models.StateDeploying,
		At:     time.Now().UTC().Truncate(time.Second),
		Detail: "deploying",
	}
	history := `[{"from":"Requested","to":"Deploying","at":"` +
		tr.At.Format(time.RFC3339) + `","detail":"deploying"}]`

	mock.ExpectQuery("UPDATE promotion_runs").
		WithArgs(id, tr.To, sqlmock.AnyArg()).
		WillReturnRows(runRow(id, artifactID, models.StateDeploying, history))

	run, err := st.AppendTransition(context.Background(), id, tr)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeploying, run.State)
	require.Len(t, run.History, 1)
	assert.Equal(t, models.StateDeploying, run.History[0].To)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGSetEndpointMissingRun(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE promotion_runs SET endpoint_name").
		WithArgs(id, "staging").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.SetEndpoint(context.Background(), id, "staging")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLastKnownGoodRoundTrip(t *testing.T) {
	st, mock := newMockStore(t)
	artifactID := uuid.New()
	promotedAt := time.Now().UTC()

	mock.ExpectExec("INSERT INTO environment_good_configs").
		WithArgs("staging", "staging", "staging-config-3", artifactID, promotedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.SetLastKnownGood(context.Background(), models.GoodConfig{
		Environment:  "staging",
		EndpointName: "staging",
		ConfigName:   "staging-config-3",
		ArtifactID:   artifactID,
		PromotedAt:   promotedAt,
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM environment_good_configs").
		WithArgs("staging").
		WillReturnRows(sqlmock.NewRows([]string{
			"environment", "endpoint_name", "config_name", "artifact_id", "promoted_at",
		}).AddRow("staging", "staging", "staging-config-3", artifactID.String(), promotedAt))

	cfg, err := st.GetLastKnownGood(context.Background(), "staging")
	require.NoError(t, err)
	assert.Equal(t, "staging-config-3", cfg.ConfigName)
	assert.Equal(t, artifactID, cfg.ArtifactID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetLastKnownGoodNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM environment_good_configs").
		WithArgs("production").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetLastKnownGood(context.Background(), "production")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryConflictOnActiveRun(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	artifactID := uuid.New()

	first, err := st.CreateRun(ctx, RunInput{ArtifactID: artifactID, Environment: "staging", RequestedBy: "ci"})
	require.NoError(t, err)

	_, err = st.CreateRun(ctx, RunInput{ArtifactID: artifactID, Environment: "staging", RequestedBy: "ci"})
	require.ErrorIs(t, err, ErrConflict)

	// same artifact in another environment is not a conflict
	_, err = st.CreateRun(ctx, RunInput{ArtifactID: artifactID, Environment: "production", RequestedBy: "ci"})
	require.NoError(t, err)

	// a terminal run releases the pair
	_, err = st.AppendTransition(ctx, first.ID, models.Transition{
		From: models.StateRequested, To: models.StateFailed, At: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, RunInput{ArtifactID: artifactID, Environment: "staging", RequestedBy: "ci"})
	require.NoError(t, err)
}

func TestMemoryCopySemantics(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	run, err := st.CreateRun(ctx, RunInput{ArtifactID: uuid.New(), Environment: "staging", RequestedBy: "ci"})
	require.NoError(t, err)

	updated, err := st.AppendTransition(ctx, run.ID, models.Transition{
		From: models.StateRequested, To: models.StateDeploying, At: time.Now().UTC(),
	})
	require.NoError(t, err)
	updated.History[0].Detail = "mutated by caller"

	fresh, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.History[0].Detail)
}

func TestMemoryListFilters(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	artifactID := uuid.New()

	_, err := st.CreateRun(ctx, RunInput{ArtifactID: artifactID, Environment: "staging", RequestedBy: "ci"})
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, RunInput{ArtifactID: uuid.New(), Environment: "production", RequestedBy: "ci"})
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, ListRunsFilter{Environment: "staging"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, artifactID, runs[0].ArtifactID)

	runs, err = st.ListRuns(ctx, ListRunsFilter{ArtifactID: &artifactID})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = st.ListRuns(ctx, ListRunsFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
