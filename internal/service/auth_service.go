package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/sessionauth/internal/config"
	"github.com/qcom/sessionauth/internal/models"
	"github.com/qcom/sessionauth/internal/repository"
	"github.com/sirupsen/logrus"
)

// UserDirectory resolves accounts. Find methods return nil, nil when the user
// does not exist.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	GetClaims(ctx context.Context, user *models.User) (map[string]string, error)
	GetRoles(ctx context.Context, user *models.User) ([]string, error)
}

// RefreshTokenStore persists refresh-token rows. Rotate must mark the used row
// and insert its replacement atomically, failing with
// repository.ErrTokenAlreadyUsed when the used row was already exchanged.
type RefreshTokenStore interface {
	Save(ctx context.Context, token *models.RefreshToken) error
	FindByValue(ctx context.Context, token string) (*models.RefreshToken, error)
	MarkUsed(ctx context.Context, token *models.RefreshToken) error
	Rotate(ctx context.Context, used, replacement *models.RefreshToken) error
	Revoke(ctx context.Context, token string) error
}

type RefreshFailure string

const (
	FailureInvalidToken     RefreshFailure = "invalid_token"
	FailureInvalidAlgorithm RefreshFailure = "invalid_algorithm"
	FailureAccessExpired    RefreshFailure = "access_token_expired"
	FailureNotFound         RefreshFailure = "not_found"
	FailureAlreadyUsed      RefreshFailure = "already_used"
	FailureRevoked          RefreshFailure = "revoked"
	FailureMismatch         RefreshFailure = "mismatch"
	FailureRefreshExpired   RefreshFailure = "refresh_token_expired"
	FailureOwnerMissing     RefreshFailure = "owner_missing"
)

var failureMessages = map[RefreshFailure]string{
	FailureInvalidToken:     "token has encryption errors",
	FailureInvalidAlgorithm: "token uses an invalid signing algorithm",
	FailureAccessExpired:    "token expired",
	FailureNotFound:         "token does not exist",
	FailureAlreadyUsed:      "token has already been used",
	FailureRevoked:          "token has been revoked",
	FailureMismatch:         "token does not match initial value",
	FailureRefreshExpired:   "refresh token expired",
	FailureOwnerMissing:     "token owner does not exist",
}

func (f RefreshFailure) Message() string {
	return failureMessages[f]
}

// RefreshResult is the outcome of an exchange. A rejected exchange is a
// result with Success false, not an error.
type RefreshResult struct {
	Token        string         `json:"token,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	Success      bool           `json:"success"`
	Errors       []string       `json:"errors,omitempty"`
	Failure      RefreshFailure `json:"-"`
}

func refreshFailed(kind RefreshFailure) *RefreshResult {
	return &RefreshResult{
		Success: false,
		Errors:  []string{kind.Message()},
		Failure: kind,
	}
}

type LoginResult struct {
	ID           string `json:"id"`
	Token        string `json:"token"`
	Email        string `json:"email"`
	UserName     string `json:"username"`
	RefreshToken string `json:"refreshToken"`
	Success      bool   `json:"success"`
}

type AuthOption func(*AuthService)

func WithAuthClock(now Clock) AuthOption {
	return func(s *AuthService) {
		s.now = now
	}
}

type AuthService struct {
	users       UserDirectory
	tokens      RefreshTokenStore
	credentials CredentialVerifier
	signer      *JWTService
	accessTTL   time.Duration
	refreshTTL  time.Duration
	now         Clock
	logger      *logrus.Logger
}

func NewAuthService(
	users UserDirectory,
	tokens RefreshTokenStore,
	credentials CredentialVerifier,
	signer *JWTService,
	cfg *config.JWTConfig,
	logger *logrus.Logger,
	opts ...AuthOption,
) *AuthService {
	s := &AuthService{
		users:       users,
		tokens:      tokens,
		credentials: credentials,
		signer:      signer,
		accessTTL:   cfg.AccessExpiry,
		refreshTTL:  cfg.RefreshExpiry,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidInput
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		s.logger.WithField("email", email).Warn("Login attempt for unknown account")
		return nil, ErrNoAccount
	}

	inDirectory, err := s.credentials.DirectoryAccountExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential path: %w", err)
	}

	var ok bool
	if inDirectory {
		ok, err = s.credentials.DirectoryAuthenticate(ctx, email, password)
	} else {
		ok, err = s.credentials.VerifyPassword(ctx, user, password)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify credentials: %w", err)
	}
	if !ok {
		s.logger.WithFields(logrus.Fields{
			"user_id":   user.ID,
			"directory": inDirectory,
		}).Warn("Login rejected")
		return nil, ErrAuthentication
	}

	accessToken, record, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &LoginResult{
		ID:           user.ID,
		Token:        accessToken,
		Email:        user.Email,
		UserName:     user.UserName,
		RefreshToken: record.Token,
		Success:      true,
	}, nil
}

// Refresh trades an access token and its refresh token for a new pair. The
// presented refresh token is consumed only when every check passes.
func (s *AuthService) Refresh(ctx context.Context, accessToken, refreshToken string) (*RefreshResult, error) {
	claims, err := s.signer.VerifyIgnoringExpiry(accessToken)
	if err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) && verr.AlgorithmMismatch() {
			return s.reject(FailureInvalidAlgorithm, err), nil
		}
		return s.reject(FailureInvalidToken, err), nil
	}

	now := s.now()
	if claims.ExpiresAt == nil || claims.ExpiresAt.Time.Before(now) {
		return s.reject(FailureAccessExpired, nil), nil
	}

	stored, err := s.tokens.FindByValue(ctx, refreshToken)
	if errors.Is(err, repository.ErrRefreshTokenNotFound) {
		return s.reject(FailureNotFound, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	switch {
	case stored.IsUsed:
		return s.reject(FailureAlreadyUsed, nil), nil
	case stored.IsRevoked:
		return s.reject(FailureRevoked, nil), nil
	case stored.JwtID != claims.ID:
		return s.reject(FailureMismatch, nil), nil
	case now.After(stored.ExpiresAt):
		return s.reject(FailureRefreshExpired, nil), nil
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up token owner: %w", err)
	}
	if user == nil {
		return s.reject(FailureOwnerMissing, nil), nil
	}

	newAccess, replacement, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}

	err = s.tokens.Rotate(ctx, stored, replacement)
	if errors.Is(err, repository.ErrTokenAlreadyUsed) {
		return s.reject(FailureAlreadyUsed, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return &RefreshResult{
		Token:        newAccess,
		RefreshToken: replacement.Token,
		Success:      true,
	}, nil
}

// Logout revokes refreshToken on behalf of userID. Unknown tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) error {
	stored, err := s.tokens.FindByValue(ctx, refreshToken)
	if errors.Is(err, repository.ErrRefreshTokenNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}

	if stored.UserID != userID {
		return ErrTokenOwnership
	}

	if err := s.tokens.Revoke(ctx, refreshToken); err != nil && !errors.Is(err, repository.ErrRefreshTokenNotFound) {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *AuthService) reject(kind RefreshFailure, cause error) *RefreshResult {
	entry := s.logger.WithField("reason", string(kind))
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("Refresh rejected")
	return refreshFailed(kind)
}

// issuePair signs an access token and builds, without persisting, the refresh
// row correlated to it.
func (s *AuthService) issuePair(ctx context.Context, user *models.User) (string, *models.RefreshToken, error) {
	custom, err := s.users.GetClaims(ctx, user)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load user claims: %w", err)
	}
	roles, err := s.users.GetRoles(ctx, user)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load user roles: %w", err)
	}

	subject := *user
	subject.Roles = roles

	accessToken, jti, err := s.signer.Issue(&subject, custom, s.accessTTL)
	if err != nil {
		return "", nil, err
	}

	value, err := newRefreshValue()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	record := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Token:     value,
		JwtID:     jti,
		IsUsed:    false,
		IsRevoked: false,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}

	return accessToken, record, nil
}

const refreshAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newRefreshValue() (string, error) {
	var b strings.Builder
	b.Grow(35 + 36)

	limit := big.NewInt(int64(len(refreshAlphabet)))
	for i := 0; i < 35; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate refresh token: %w", err)
		}
		b.WriteByte(refreshAlphabet[n.Int64()])
	}
	b.WriteString(uuid.NewString())

	return b.String(), nil
}
