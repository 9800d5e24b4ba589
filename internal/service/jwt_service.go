package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/sessionauth/internal/config"
	"github.com/qcom/sessionauth/internal/models"
	"github.com/sirupsen/logrus"
)

type VerificationKind string

const (
	KindExpired      VerificationKind = "expired"
	KindBadSignature VerificationKind = "bad_signature"
	KindMalformed    VerificationKind = "malformed"
	KindClaimMissing VerificationKind = "claim_missing"
	KindClaimInvalid VerificationKind = "claim_invalid"
)

// VerificationError tells why a token was rejected. Callers treat every kind
// as "not authenticated"; the kind exists for diagnostics.
type VerificationError struct {
	Kind VerificationKind
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "token " + string(e.Kind)
	}
	return fmt.Sprintf("token %s: %v", e.Kind, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// AlgorithmMismatch reports whether the token was rejected for its alg header.
func (e *VerificationError) AlgorithmMismatch() bool {
	return errors.Is(e.Err, ErrUnexpectedSigning) || errors.Is(e.Err, jwt.ErrTokenUnverifiable)
}

type Clock func() time.Time

type JWTOption func(*JWTService)

func WithClock(now Clock) JWTOption {
	return func(s *JWTService) {
		s.now = now
	}
}

// JWTService signs and verifies HS256 access tokens with one shared secret.
// It holds no mutable state after construction.
type JWTService struct {
	secretKey    []byte
	accessExpiry time.Duration
	issuer       string
	audience     string
	leeway       time.Duration
	now          Clock
	logger       *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, logger *logrus.Logger, opts ...JWTOption) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, ErrSecretKeyTooShort
	}

	s := &JWTService{
		secretKey:    secretKey,
		accessExpiry: cfg.AccessExpiry,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		leeway:       cfg.Leeway,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *JWTService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

// Issue mints an access token for user. Custom claims are added unless they
// collide with a registered claim name. It returns the token and its jti.
func (s *JWTService) Issue(user *models.User, customClaims map[string]string, ttl time.Duration) (string, string, error) {
	if ttl <= 0 {
		return "", "", ErrInvalidTTL
	}

	now := s.now()
	jti := uuid.NewString()

	claims := &Claims{
		UID:      user.ID,
		UserName: user.UserName,
		Email:    user.Email,
		Roles:    user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	if s.issuer != "" {
		claims.Issuer = s.issuer
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	if len(customClaims) > 0 {
		claims.Extra = make(map[string]string, len(customClaims))
		for name, value := range customClaims {
			if isReservedClaim(name) {
				continue
			}
			claims.Extra[name] = value
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, jti, nil
}

// Verify checks algorithm, signature, expiry and, when configured, issuer and
// audience. It returns the uid claim of a valid token.
func (s *JWTService) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	claims, err := s.parse(tokenString, opts...)
	if err != nil {
		return "", err
	}

	if claims.UID == "" {
		return "", &VerificationError{Kind: KindClaimMissing, Err: errors.New("uid claim is empty")}
	}

	return claims.UID, nil
}

// VerifyIgnoringExpiry validates algorithm and signature only. It is meant for
// the refresh exchange, where the access token is expected to be stale.
func (s *JWTService) VerifyIgnoringExpiry(tokenString string) (*Claims, error) {
	return s.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (s *JWTService) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithStrictDecoding())
	parser := jwt.NewParser(opts...)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, &VerificationError{Kind: KindBadSignature, Err: errors.New("token is not valid")}
	}

	return claims, nil
}

func (s *JWTService) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedSigning, token.Header["alg"])
	}
	return s.secretKey, nil
}

func classify(err error) *VerificationError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerificationError{Kind: KindMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerificationError{Kind: KindBadSignature, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Kind: KindExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return &VerificationError{Kind: KindClaimMissing, Err: err}
	default:
		return &VerificationError{Kind: KindClaimInvalid, Err: err}
	}
}
