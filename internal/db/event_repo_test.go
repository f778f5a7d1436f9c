package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pixelmint/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// sqlContaining matches a statement by substring, so tests discriminate
// between the multiple statements a repo method issues.
func sqlContaining(substr string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, substr)
	})
}

// --- ProcessedEventRepo Tests ---

func TestProcessedEventRepo_MarkProcessed_FreshEvent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	db.On("Exec", mock.Anything, sqlContaining("INSERT INTO processed_events"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	fresh, err := repo.MarkProcessed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)
	db.AssertExpectations(t)
}

func TestProcessedEventRepo_MarkProcessed_AlreadySeen(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	// ON CONFLICT DO NOTHING affects zero rows for a duplicate; that is the
	// "already handled" signal, not an error.
	db.On("Exec", mock.Anything, sqlContaining("ON CONFLICT (external_event_id) DO NOTHING"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	fresh, err := repo.MarkProcessed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestProcessedEventRepo_MarkProcessed_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.MarkProcessed(context.Background(), "evt_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	assert.True(t, types.IsRetryable(err))
}

func TestProcessedEventRepo_DeleteOlderThan(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	db.On("Exec", mock.Anything, sqlContaining("DELETE FROM processed_events"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 42"), nil)

	deleted, err := repo.DeleteOlderThan(context.Background(), time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	db.AssertExpectations(t)
}

func TestProcessedEventRepo_DeleteOlderThan_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	_, err := repo.DeleteOlderThan(context.Background(), time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// --- Unique violation detection ---

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("duplicate key value violates unique constraint")),
		"detection is structural, never by message text")
	assert.False(t, isUniqueViolation(nil))
}

// --- Driver error classification ---

func TestDBError_SerializationConflictsAreRetryableConflicts(t *testing.T) {
	for _, code := range []string{"40001", "40P01"} {
		err := dbError("unit lost a lock race", &pgconn.PgError{Code: code})

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeConflictConcurrent, appErr.Code, "SQLSTATE %s", code)
		assert.True(t, types.IsRetryable(err), "a lost lock race must rerun via redelivery")
	}
}

func TestDBError_OtherFailuresAreInternal(t *testing.T) {
	for _, cause := range []error{
		errors.New("connection refused"),
		&pgconn.PgError{Code: "23503"},
	} {
		err := dbError("query failed", cause)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	}
}

func TestProcessedEventRepo_MarkProcessed_DeadlockVictim(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessedEventRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "40P01"})

	_, err := repo.MarkProcessed(context.Background(), "evt_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictConcurrent, appErr.Code)
	assert.True(t, types.IsRetryable(err))
}
