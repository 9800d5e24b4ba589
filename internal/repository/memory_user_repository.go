package repository

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/qcom/sessionauth/internal/models"
)

type MemoryUserRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.User
	byEmail map[string]string
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	email := models.NormalizeEmail(user.Email)
	if _, exists := r.byEmail[email]; exists {
		return ErrUserExists
	}
	if _, exists := r.byID[user.ID]; exists {
		return ErrUserExists
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	stored := cloneUser(user)
	r.byID[user.ID] = stored
	r.byEmail[email] = user.ID
	return nil
}

func (r *MemoryUserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[models.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return cloneUser(r.byID[id]), nil
}

func (r *MemoryUserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) GetClaims(_ context.Context, user *models.User) (map[string]string, error) {
	return maps.Clone(user.Claims), nil
}

func (r *MemoryUserRepository) GetRoles(_ context.Context, user *models.User) ([]string, error) {
	return slices.Clone(user.Roles), nil
}

func cloneUser(user *models.User) *models.User {
	clone := *user
	clone.Roles = slices.Clone(user.Roles)
	clone.Claims = maps.Clone(user.Claims)
	return &clone
}
