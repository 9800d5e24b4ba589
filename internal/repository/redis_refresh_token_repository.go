package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/sessionauth/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisRotateRetries = 4

// RedisRefreshTokenRepository stores rows as JSON under refresh_token:<token>.
// State transitions use WATCH/MULTI so a concurrent writer aborts the
// transaction and the retry observes the updated row.
type RedisRefreshTokenRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisRefreshTokenRepository(client *redis.Client, logger *logrus.Logger) *RedisRefreshTokenRepository {
	return &RedisRefreshTokenRepository{
		client: client,
		logger: logger,
	}
}

func redisTokenKey(token string) string {
	return fmt.Sprintf("refresh_token:%s", token)
}

// redisTTL keeps a row until its refresh window closes. Rows that are already
// past it are kept without expiry so lookups still report them as expired.
func redisTTL(token *models.RefreshToken) time.Duration {
	ttl := time.Until(token.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}

func (r *RedisRefreshTokenRepository) Save(ctx context.Context, token *models.RefreshToken) error {
	dataJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	created, err := r.client.SetNX(ctx, redisTokenKey(token.Token), dataJSON, redisTTL(token)).Result()
	if err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !created {
		return ErrDuplicateToken
	}

	return nil
}

func (r *RedisRefreshTokenRepository) FindByValue(ctx context.Context, token string) (*models.RefreshToken, error) {
	return r.get(ctx, r.client, token)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRefreshTokenRepository) get(ctx context.Context, c redisGetter, token string) (*models.RefreshToken, error) {
	dataJSON, err := c.Get(ctx, redisTokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var row models.RefreshToken
	if err := json.Unmarshal(dataJSON, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &row, nil
}

func (r *RedisRefreshTokenRepository) MarkUsed(ctx context.Context, token *models.RefreshToken) error {
	if err := r.rotate(ctx, token, nil); err != nil {
		return err
	}
	token.IsUsed = true
	return nil
}

func (r *RedisRefreshTokenRepository) Rotate(ctx context.Context, used, replacement *models.RefreshToken) error {
	if err := r.rotate(ctx, used, replacement); err != nil {
		return err
	}
	used.IsUsed = true
	return nil
}

// rotate marks used and, when replacement is set, writes it in the same
// MULTI block.
func (r *RedisRefreshTokenRepository) rotate(ctx context.Context, used, replacement *models.RefreshToken) error {
	keys := []string{redisTokenKey(used.Token)}
	var replacementJSON []byte
	if replacement != nil {
		data, err := json.Marshal(replacement)
		if err != nil {
			return fmt.Errorf("failed to marshal token data: %w", err)
		}
		replacementJSON = data
		keys = append(keys, redisTokenKey(replacement.Token))
	}

	for i := 0; i < redisRotateRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.get(ctx, tx, used.Token)
			if err != nil {
				return err
			}
			if current.IsUsed || current.IsRevoked {
				return ErrTokenAlreadyUsed
			}

			if replacement != nil {
				exists, err := tx.Exists(ctx, keys[1]).Result()
				if err != nil {
					return err
				}
				if exists > 0 {
					return ErrDuplicateToken
				}
			}

			current.IsUsed = true
			currentJSON, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to marshal token data: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, keys[0], currentJSON, redisTTL(current))
				if replacement != nil {
					pipe.Set(ctx, keys[1], replacementJSON, redisTTL(replacement))
				}
				return nil
			})
			return err
		}, keys...)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrTokenAlreadyUsed), errors.Is(err, ErrDuplicateToken), errors.Is(err, ErrRefreshTokenNotFound):
				return err
			default:
				r.logger.WithError(err).Error("Failed to rotate refresh token in Redis")
				return fmt.Errorf("failed to rotate refresh token: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("failed to rotate refresh token: %w", redis.TxFailedErr)
}

func (r *RedisRefreshTokenRepository) Revoke(ctx context.Context, token string) error {
	key := redisTokenKey(token)

	for i := 0; i < redisRotateRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.get(ctx, tx, token)
			if err != nil {
				return err
			}
			if current.IsRevoked {
				return nil
			}

			current.IsRevoked = true
			dataJSON, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to marshal token data: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, dataJSON, redisTTL(current))
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrRefreshTokenNotFound) {
				return err
			}
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to revoke refresh token: %w", redis.TxFailedErr)
}
