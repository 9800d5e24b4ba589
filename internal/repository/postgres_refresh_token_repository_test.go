package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	insertQuery = `(?s)^\s*INSERT\s+INTO\s+refresh_tokens\b.*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7,\s*\$8\)\s*$`
	selectQuery = `(?s)^\s*SELECT\s+id,\s*user_id,\s*token,\s*jwt_id,\s*is_used,\s*is_revoked,\s*created_at,\s*expires_at\s+FROM\s+refresh_tokens\s+WHERE\s+token\s*=\s*\$1\s*$`
	markQuery   = `(?s)^\s*UPDATE\s+refresh_tokens\s+SET\s+is_used\s*=\s*TRUE\s+WHERE\s+token\s*=\s*\$1\s+AND\s+is_used\s*=\s*FALSE\s+AND\s+is_revoked\s*=\s*FALSE\s*$`
	revokeQuery = `(?s)^\s*UPDATE\s+refresh_tokens\s+SET\s+is_revoked\s*=\s*TRUE\s+WHERE\s+token\s*=\s*\$1\s*$`
)

func newPostgresRepoWithMock(t *testing.T) (*PostgresRefreshTokenRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRefreshTokenRepository(db, testLogger()), mock
}

func TestPostgresSave(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	row := newRow("u1")

	mock.ExpectExec(insertQuery).
		WithArgs(row.ID, row.UserID, row.Token, row.JwtID, false, false, row.CreatedAt, row.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSave_UniqueViolation(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	row := newRow("u1")

	mock.ExpectExec(insertQuery).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	assert.ErrorIs(t, repo.Save(context.Background(), row), ErrDuplicateToken)
}

func TestPostgresFindByValue(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	row := newRow("u1")

	rows := sqlmock.NewRows([]string{"id", "user_id", "token", "jwt_id", "is_used", "is_revoked", "created_at", "expires_at"}).
		AddRow(row.ID, row.UserID, row.Token, row.JwtID, false, true, row.CreatedAt, row.ExpiresAt)
	mock.ExpectQuery(selectQuery).WithArgs(row.Token).WillReturnRows(rows)

	got, err := repo.FindByValue(context.Background(), row.Token)
	require.NoError(t, err)
	assert.Equal(t, row.JwtID, got.JwtID)
	assert.True(t, got.IsRevoked)
	assert.True(t, row.ExpiresAt.Equal(got.ExpiresAt))
}

func TestPostgresFindByValue_NotFound(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectQuery(selectQuery).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByValue(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestPostgresMarkUsed(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	row := newRow("u1")

	mock.ExpectExec(markQuery).WithArgs(row.Token).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(markQuery).WithArgs(row.Token).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkUsed(context.Background(), row))
	assert.True(t, row.IsUsed)
	assert.ErrorIs(t, repo.MarkUsed(context.Background(), row), ErrTokenAlreadyUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRotate_Commit(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	old, next := newRow("u1"), newRow("u1")

	mock.ExpectBegin()
	mock.ExpectExec(markQuery).WithArgs(old.Token).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertQuery).
		WithArgs(next.ID, next.UserID, next.Token, next.JwtID, false, false, next.CreatedAt, next.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Rotate(context.Background(), old, next))
	assert.True(t, old.IsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRotate_LostRaceRollsBack(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	old, next := newRow("u1"), newRow("u1")

	mock.ExpectBegin()
	mock.ExpectExec(markQuery).WithArgs(old.Token).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	assert.ErrorIs(t, repo.Rotate(context.Background(), old, next), ErrTokenAlreadyUsed)
	assert.False(t, old.IsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRotate_InsertFailureRollsBack(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	old, next := newRow("u1"), newRow("u1")

	mock.ExpectBegin()
	mock.ExpectExec(markQuery).WithArgs(old.Token).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertQuery).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), old, next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.False(t, old.IsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRevoke(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectExec(revokeQuery).WithArgs("tok").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(revokeQuery).WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Revoke(context.Background(), "tok"))
	assert.ErrorIs(t, repo.Revoke(context.Background(), "missing"), ErrRefreshTokenNotFound)
}

func TestRunMigrations_UsesEmbeddedFS(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	var gotDir string
	gooseUpContext = func(ctx context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, RunMigrations(context.Background(), db))
	assert.Equal(t, ".", gotDir)

	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	err = RunMigrations(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration error")
}
