package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/ratelimit"
)

func setupTestRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Repository) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return mockDB, mock, New(gormDB, zap.NewNop())
}

func TestFindKeyByHash_Success(t *testing.T) {
	mockDB, mock, repo := setupTestRepo(t)
	defer mockDB.Close()

	hash := HashKey("sk-test-raw-key")
	mock.ExpectQuery(`SELECT \* FROM "api_keys"`).
		WithArgs(hash, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "hash", "user_id", "rpm"}).
			AddRow("key1", hash, "user1", 60))
	mock.ExpectQuery(`SELECT \* FROM "users"`).
		WithArgs("user1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "enabled", "rpm"}).
			AddRow("user1", true, 60))

	key, user, err := repo.FindKeyByHash(context.Background(), "sk-test-raw-key")
	require.NoError(t, err)
	assert.Equal(t, "key1", key.ID)
	assert.Equal(t, "user1", user.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindKeyByHash_NotFound(t *testing.T) {
	mockDB, mock, repo := setupTestRepo(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "api_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, _, err := repo.FindKeyByHash(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEnabledProviders(t *testing.T) {
	mockDB, mock, repo := setupTestRepo(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "providers"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "provider_type", "is_enabled", "weight"}).
			AddRow("p1", "primary", "claude", true, 100))

	providers, err := repo.ListEnabledProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "p1", providers[0].ID)
}

func TestWarmFixed_SumsCost(t *testing.T) {
	mockDB, mock, repo := setupTestRepo(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost\), 0\) FROM "message_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4.5))

	total, err := repo.WarmFixed(context.Background(), ratelimit.ScopeUser, "user1", ratelimit.PeriodDaily, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 4.5, total, 0.001)
}

func TestWarmRolling_ReplaysSamples(t *testing.T) {
	mockDB, mock, repo := setupTestRepo(t)
	defer mockDB.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "message_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "started_at", "cost"}).
			AddRow("req1", now, 1.25))

	samples, err := repo.WarmRolling(context.Background(), ratelimit.ScopeKey, "key1", ratelimit.PeriodFiveHour, now.Add(-5*time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "req1", samples[0].RequestID)
	assert.InDelta(t, 1.25, samples[0].Cost, 0.001)
}
