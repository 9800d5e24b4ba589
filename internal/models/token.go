package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken is the persisted half of a session. IsUsed and IsRevoked only
// ever move from false to true.
type RefreshToken struct {
	ID        string    `json:"id" dynamodbav:"ID"`
	UserID    string    `json:"user_id" dynamodbav:"UserID"`
	Token     string    `json:"token" dynamodbav:"Token"`
	JwtID     string    `json:"jwt_id" dynamodbav:"JwtID"`
	IsUsed    bool      `json:"is_used" dynamodbav:"IsUsed"`
	IsRevoked bool      `json:"is_revoked" dynamodbav:"IsRevoked"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"CreatedAt"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"ExpiresAt"`
}

// Exchangeable reports whether the token may still be traded for a new pair.
func (t *RefreshToken) Exchangeable(now time.Time) bool {
	return !t.IsUsed && !t.IsRevoked && !now.After(t.ExpiresAt)
}
