package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
)

func newMockDB(t *testing.T, dialect Dialect) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDB(sqlDB, dialect, zap.NewNop()), mock
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestDialect_Rebind(t *testing.T) {
	query := "SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3", DialectPostgres.Rebind(query))
	assert.Equal(t, query, DialectSQLite.Rebind(query))
}

func TestRewardRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t, DialectPostgres)
	repo := NewRewardRepository(db, zap.NewNop())

	entry := &models.RewardLogEntry{
		ID:           uuid.New(),
		EpisodeID:    "ep-1",
		StepID:       2,
		StateID:      "abc",
		Action:       "treat",
		Reward:       0.75,
		Breakdown:    map[string]float64{"x": 1},
		VerifierName: "EnsembleVerifier",
		Timestamp:    time.Now().UTC(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reward_logs")).
		WithArgs(entry.ID.String(), "ep-1", 2, "abc", "treat", 0.75, `{"x":1}`, "EnsembleVerifier", nil, entry.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRewardRepository_InsertError(t *testing.T) {
	db, mock := newMockDB(t, DialectSQLite)
	repo := NewRewardRepository(db, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reward_logs")).
		WithArgs(anyArgs(10)...).
		WillReturnError(errors.New("disk full"))

	err := repo.Insert(context.Background(), &models.RewardLogEntry{ID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRewardRepository_ListByEpisode(t *testing.T) {
	db, mock := newMockDB(t, DialectPostgres)
	repo := NewRewardRepository(db, zap.NewNop())

	id := uuid.New()
	ts := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "episode_id", "step_id", "state_id", "action", "reward",
		"breakdown", "verifier_name", "metadata", "timestamp",
	}).AddRow(id.String(), "ep-1", 0, "s0", "treat", 0.5, []byte(`{"a":0.5}`), "ClinicalVerifier", nil, ts)

	mock.ExpectQuery(regexp.QuoteMeta("FROM reward_logs")).
		WithArgs("ep-1").
		WillReturnRows(rows)

	entries, err := repo.ListByEpisode(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, models.Action("treat"), entries[0].Action)
	assert.Equal(t, map[string]float64{"a": 0.5}, entries[0].Breakdown)
	assert.Nil(t, entries[0].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActionTraceRepository_InsertAndList(t *testing.T) {
	db, mock := newMockDB(t, DialectPostgres)
	repo := NewActionTraceRepository(db, zap.NewNop())

	entry := &models.ActionTraceEntry{
		ID:          uuid.New(),
		EpisodeID:   "ep-1",
		StepID:      1,
		BeforeState: models.State{0.1, 0.2},
		Action:      "discharge",
		AfterState:  models.State{0.3, 0.4},
		Timestamp:   time.Now().UTC(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO action_traces")).
		WithArgs(entry.ID.String(), "ep-1", 1, "[0.1,0.2]", "discharge", "[0.3,0.4]", nil, nil, entry.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Insert(context.Background(), entry))

	rows := sqlmock.NewRows([]string{
		"id", "episode_id", "step_id", "before_state", "action", "after_state",
		"transition_info", "metadata", "timestamp",
	}).AddRow(entry.ID.String(), "ep-1", 1, []byte("[0.1,0.2]"), "discharge", []byte("[0.3,0.4]"),
		[]byte(`{"done":true}`), nil, entry.Timestamp)
	mock.ExpectQuery(regexp.QuoteMeta("FROM action_traces")).WithArgs("ep-1").WillReturnRows(rows)

	entries, err := repo.ListByEpisode(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.BeforeState, entries[0].BeforeState)
	assert.Equal(t, entry.AfterState, entries[0].AfterState)
	assert.Equal(t, true, entries[0].TransitionInfo["done"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEpisodeMetricsRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t, DialectPostgres)
	repo := NewEpisodeMetricsRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO episode_metrics (.+) ON CONFLICT \(episode_id\) DO UPDATE`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &models.EpisodeMetricsRecord{
		EpisodeID:       "ep-1",
		EnvironmentName: "ward",
		RecordedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEpisodeMetricsRepository_GetByEpisode(t *testing.T) {
	columns := []string{
		"episode_id", "environment_name", "cumulative_reward", "clinical_score",
		"efficiency_score", "financial_score", "violation_count", "episode_length",
		"final_risk_score", "total_cost", "metadata", "recorded_at",
	}

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t, DialectPostgres)
		repo := NewEpisodeMetricsRepository(db, zap.NewNop())

		rows := sqlmock.NewRows(columns).
			AddRow("ep-1", "ward", 3.5, 0.8, 0.6, 0.7, 2, 10, 0.3, 1200.0, []byte(`{"seed":7}`), time.Now())
		mock.ExpectQuery(regexp.QuoteMeta("FROM episode_metrics WHERE episode_id = $1")).
			WithArgs("ep-1").
			WillReturnRows(rows)

		record, err := repo.GetByEpisode(context.Background(), "ep-1")
		require.NoError(t, err)
		assert.Equal(t, 3.5, record.CumulativeReward)
		assert.Equal(t, 2, record.ViolationCount)
		assert.Equal(t, 10, record.EpisodeLength)
		assert.Equal(t, float64(7), record.Metadata["seed"])
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t, DialectPostgres)
		repo := NewEpisodeMetricsRepository(db, zap.NewNop())

		mock.ExpectQuery(regexp.QuoteMeta("FROM episode_metrics")).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByEpisode(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrEpisodeMetricsNotFound)
	})
}

func TestEpisodeMetricsRepository_ListRecent(t *testing.T) {
	db, mock := newMockDB(t, DialectPostgres)
	repo := NewEpisodeMetricsRepository(db, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE environment_name = $1 ORDER BY recorded_at DESC LIMIT $2")).
		WithArgs("ward", 5).
		WillReturnRows(sqlmock.NewRows([]string{"episode_id"}))

	records, err := repo.ListRecent(context.Background(), "ward", 5)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t, DialectPostgres)
	repo := NewAuditRepository(db, zap.NewNop())

	entry := models.NewAuditLogEntry(models.AuditEventGovernanceOverride, "ep-1", "ward", "blocked").
		WithStep(4).
		WithDetails(map[string]interface{}{"outcome": "BLOCK"})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs(entry.ID.String(), "governance_override", "ep-1", "ward", int64(4), nil, "blocked",
			`{"outcome":"BLOCK"}`, entry.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_ListByEventType(t *testing.T) {
	db, mock := newMockDB(t, DialectSQLite)
	repo := NewAuditRepository(db, zap.NewNop())

	id := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "episode_id", "environment_name", "step_id",
		"user_id", "message", "details", "timestamp",
	}).
		AddRow(id.String(), "compliance_violation", "ep-1", "ward", 3, nil, "violated", nil, time.Now()).
		AddRow(uuid.NewString(), "compliance_violation", "ep-2", "ward", nil, "reviewer", "violated", nil, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE event_type = ?")).
		WithArgs("compliance_violation", 100).
		WillReturnRows(rows)

	entries, err := repo.ListByEventType(context.Background(), models.AuditEventComplianceViolation, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id, entries[0].ID)
	require.NotNil(t, entries[0].StepID)
	assert.Equal(t, 3, *entries[0].StepID)
	assert.Nil(t, entries[1].StepID)
	assert.Equal(t, "reviewer", entries[1].UserID)
}

func TestTransactionManager_InTransaction(t *testing.T) {
	t.Run("commits and routes repositories through the transaction", func(t *testing.T) {
		db, mock := newMockDB(t, DialectPostgres)
		tm := NewTransactionManager(db, zap.NewNop())
		repo := NewAuditRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
			WithArgs(anyArgs(9)...).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return repo.Insert(ctx, models.NewAuditLogEntry(models.AuditEventError, "ep", "env", "boom"))
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t, DialectPostgres)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectRollback()

		failure := errors.New("write failed")
		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return failure
		})
		assert.ErrorIs(t, err, failure)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nested batch joins the open transaction", func(t *testing.T) {
		db, mock := newMockDB(t, DialectSQLite)
		tm := NewTransactionManager(db, zap.NewNop())
		repo := NewAuditRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
			WithArgs(anyArgs(9)...).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, outer repositories.Transaction) error {
			return tm.InTransaction(ctx, func(ctx context.Context, inner repositories.Transaction) error {
				assert.Same(t, outer, inner)
				return repo.Insert(ctx, models.NewAuditLogEntry(models.AuditEventError, "ep", "env", "boom"))
			})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finished transaction", func(t *testing.T) {
		db, mock := newMockDB(t, DialectPostgres)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectCommit()

		tx, err := tm.Begin(context.Background())
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.NoError(t, tx.Rollback())
		assert.ErrorIs(t, tx.Commit(), sql.ErrTxDone)
		assert.Equal(t, db.DB, GetExecutor(tx.Context(), db))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db := NewDB(sqlDB, DialectPostgres, nil)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	assert.NoError(t, db.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
