package repository

import (
	"context"
	"sync"

	"github.com/qcom/sessionauth/internal/models"
)

// MemoryRefreshTokenRepository keeps rows in process memory. One mutex guards
// every row, so Rotate is trivially atomic.
type MemoryRefreshTokenRepository struct {
	mu   sync.RWMutex
	rows map[string]models.RefreshToken
}

func NewMemoryRefreshTokenRepository() *MemoryRefreshTokenRepository {
	return &MemoryRefreshTokenRepository{
		rows: make(map[string]models.RefreshToken),
	}
}

func (r *MemoryRefreshTokenRepository) Save(ctx context.Context, token *models.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertLocked(token)
}

func (r *MemoryRefreshTokenRepository) FindByValue(ctx context.Context, token string) (*models.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[token]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	return &row, nil
}

func (r *MemoryRefreshTokenRepository) MarkUsed(ctx context.Context, token *models.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.markUsedLocked(token.Token); err != nil {
		return err
	}
	token.IsUsed = true
	return nil
}

func (r *MemoryRefreshTokenRepository) Rotate(ctx context.Context, used, replacement *models.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows[replacement.Token]; exists {
		return ErrDuplicateToken
	}
	if err := r.markUsedLocked(used.Token); err != nil {
		return err
	}
	if err := r.insertLocked(replacement); err != nil {
		return err
	}

	used.IsUsed = true
	return nil
}

func (r *MemoryRefreshTokenRepository) Revoke(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[token]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	row.IsRevoked = true
	r.rows[token] = row
	return nil
}

func (r *MemoryRefreshTokenRepository) insertLocked(token *models.RefreshToken) error {
	if _, exists := r.rows[token.Token]; exists {
		return ErrDuplicateToken
	}
	r.rows[token.Token] = *token
	return nil
}

func (r *MemoryRefreshTokenRepository) markUsedLocked(token string) error {
	row, ok := r.rows[token]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	if row.IsUsed || row.IsRevoked {
		return ErrTokenAlreadyUsed
	}
	row.IsUsed = true
	r.rows[token] = row
	return nil
}
