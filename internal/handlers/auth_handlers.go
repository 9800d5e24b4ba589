package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/qcom/sessionauth/internal/middleware"
	"github.com/qcom/sessionauth/internal/service"
	"github.com/sirupsen/logrus"
)

// Authenticator is the part of service.AuthService the HTTP surface uses.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*service.LoginResult, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (*service.RefreshResult, error)
	Logout(ctx context.Context, userID, refreshToken string) error
}

type ClaimReader interface {
	ReadClaim(token, name string) (string, error)
}

type AuthHandlers struct {
	auth   Authenticator
	claims ClaimReader
	logger *logrus.Logger
}

func NewAuthHandlers(auth Authenticator, claims ClaimReader, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		auth:   auth,
		claims: claims,
		logger: logger,
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type MeResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	UserName string `json:"username,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	res, err := h.auth.Login(r.Context(), strings.TrimSpace(req.Email), req.Password)
	switch {
	case err == nil:
		h.respondWithJSON(w, http.StatusOK, res)
	case errors.Is(err, service.ErrInvalidInput):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
	case errors.Is(err, service.ErrNoAccount), errors.Is(err, service.ErrAuthentication):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
	default:
		h.logger.WithError(err).Error("Login failed")
		h.respondWithError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Failed to log in")
	}
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.Token == "" || req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Token and refresh token are required")
		return
	}

	res, err := h.auth.Refresh(r.Context(), req.Token, req.RefreshToken)
	if err != nil {
		h.logger.WithError(err).Error("Failed to refresh tokens")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_REFRESH_FAILED", "Failed to refresh tokens")
		return
	}

	if !res.Success {
		h.respondWithJSON(w, http.StatusBadRequest, res)
		return
	}
	h.respondWithJSON(w, http.StatusOK, res)
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	if err := h.auth.Logout(r.Context(), userID, req.RefreshToken); err != nil {
		if errors.Is(err, service.ErrTokenOwnership) {
			h.respondWithError(w, http.StatusForbidden, "FORBIDDEN", "Refresh token belongs to another user")
			return
		}
		h.logger.WithError(err).Error("Failed to revoke refresh token")
		h.respondWithError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to log out")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

// Me echoes the authenticated identity. Profile fields come straight from
// the already verified access token.
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}
	token, _ := middleware.TokenFromContext(r.Context())

	res := MeResponse{ID: userID}
	res.Email = h.optionalClaim(token, "email")
	res.UserName = h.optionalClaim(token, "username")

	h.respondWithJSON(w, http.StatusOK, res)
}

func (h *AuthHandlers) optionalClaim(token, name string) string {
	value, err := h.claims.ReadClaim(token, name)
	if err != nil {
		if !errors.Is(err, service.ErrClaimNotFound) {
			h.logger.WithError(err).WithField("claim", name).Warn("Failed to read claim")
		}
		return ""
	}
	return value
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("Failed to write response")
	}
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
