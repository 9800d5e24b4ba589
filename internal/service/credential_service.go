package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/qcom/sessionauth/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks a password either against the local hash or
// against an external directory.
type CredentialVerifier interface {
	VerifyPassword(ctx context.Context, user *models.User, password string) (bool, error)
	DirectoryAccountExists(ctx context.Context, email string) (bool, error)
	DirectoryAuthenticate(ctx context.Context, email, password string) (bool, error)
}

// Directory is an external account source such as LDAP.
type Directory interface {
	AccountExists(ctx context.Context, email string) (bool, error)
	Authenticate(ctx context.Context, email, password string) (bool, error)
}

type CredentialService struct {
	directory Directory
	logger    *logrus.Logger
}

// NewCredentialService builds a verifier. directory may be nil, in which case
// every account is checked against its local bcrypt hash.
func NewCredentialService(directory Directory, logger *logrus.Logger) *CredentialService {
	return &CredentialService{
		directory: directory,
		logger:    logger,
	}
}

func (s *CredentialService) VerifyPassword(_ context.Context, user *models.User, password string) (bool, error) {
	if user.PasswordHash == "" {
		return false, nil
	}

	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Error("Stored password hash is unusable")
		return false, fmt.Errorf("failed to compare password hash: %w", err)
	}

	return true, nil
}

func (s *CredentialService) DirectoryAccountExists(ctx context.Context, email string) (bool, error) {
	if s.directory == nil {
		return false, nil
	}

	exists, err := s.directory.AccountExists(ctx, email)
	if err != nil {
		return false, fmt.Errorf("failed to query directory: %w", err)
	}
	return exists, nil
}

func (s *CredentialService) DirectoryAuthenticate(ctx context.Context, email, password string) (bool, error) {
	if s.directory == nil {
		return false, nil
	}

	ok, err := s.directory.Authenticate(ctx, email, password)
	if err != nil {
		return false, fmt.Errorf("failed to authenticate against directory: %w", err)
	}
	return ok, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
