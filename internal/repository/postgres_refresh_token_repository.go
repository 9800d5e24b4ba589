package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/qcom/sessionauth/internal/dbx"
	"github.com/qcom/sessionauth/internal/models"
	"github.com/qcom/sessionauth/internal/repository/migrations"
	"github.com/sirupsen/logrus"
)

const pgUniqueViolation = "23505"

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// OpenPostgres opens a pgx-backed *sql.DB and checks the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return db, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

type PostgresRefreshTokenRepository struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgresRefreshTokenRepository(db *sql.DB, logger *logrus.Logger) *PostgresRefreshTokenRepository {
	return &PostgresRefreshTokenRepository{
		db:     db,
		logger: logger,
	}
}

func insertRefreshToken(ctx context.Context, q dbx.DBTX, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token, jwt_id, is_used, is_revoked, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.ExecContext(ctx, query,
		token.ID, token.UserID, token.Token, token.JwtID,
		token.IsUsed, token.IsRevoked, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateToken
		}
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

// markUsed flips is_used only while the row is still exchangeable. The row
// lock taken by UPDATE makes a concurrent caller wait and then match zero rows.
func markUsed(ctx context.Context, q dbx.DBTX, token string) error {
	query := `
		UPDATE refresh_tokens
		SET is_used = TRUE
		WHERE token = $1 AND is_used = FALSE AND is_revoked = FALSE
	`
	res, err := q.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrTokenAlreadyUsed
	}
	return nil
}

func (r *PostgresRefreshTokenRepository) Save(ctx context.Context, token *models.RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		if !errors.Is(err, ErrDuplicateToken) {
			r.logger.WithError(err).Error("Failed to store refresh token in postgres")
		}
		return err
	}
	return nil
}

func (r *PostgresRefreshTokenRepository) FindByValue(ctx context.Context, token string) (*models.RefreshToken, error) {
	query := `
		SELECT id, user_id, token, jwt_id, is_used, is_revoked, created_at, expires_at
		FROM refresh_tokens
		WHERE token = $1
	`
	row := &models.RefreshToken{}
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&row.ID, &row.UserID, &row.Token, &row.JwtID,
		&row.IsUsed, &row.IsRevoked, &row.CreatedAt, &row.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return row, nil
}

func (r *PostgresRefreshTokenRepository) MarkUsed(ctx context.Context, token *models.RefreshToken) error {
	if err := markUsed(ctx, r.db, token.Token); err != nil {
		return err
	}
	token.IsUsed = true
	return nil
}

func (r *PostgresRefreshTokenRepository) Rotate(ctx context.Context, used, replacement *models.RefreshToken) error {
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := markUsed(ctx, tx, used.Token); err != nil {
			return err
		}
		return insertRefreshToken(ctx, tx, replacement)
	})
	if err != nil {
		if !errors.Is(err, ErrTokenAlreadyUsed) && !errors.Is(err, ErrDuplicateToken) {
			r.logger.WithError(err).Error("Failed to rotate refresh token in postgres")
		}
		return err
	}

	used.IsUsed = true
	return nil
}

func (r *PostgresRefreshTokenRepository) Revoke(ctx context.Context, token string) error {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE
		WHERE token = $1
	`
	res, err := r.db.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrRefreshTokenNotFound
	}
	return nil
}
