package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the well-known fields of an access token. Extra holds
// pass-through string claims and is flattened into the top-level JSON object.
type Claims struct {
	UID      string            `json:"uid"`
	UserName string            `json:"username,omitempty"`
	Email    string            `json:"email,omitempty"`
	Roles    []string          `json:"roles,omitempty"`
	Extra    map[string]string `json:"-"`
	jwt.RegisteredClaims
}

var reservedClaims = map[string]struct{}{
	"uid": {}, "username": {}, "email": {}, "roles": {},
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
}

func isReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// claimsFields has the same layout as Claims without its JSON methods.
type claimsFields Claims

func (c Claims) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(claimsFields(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]any, len(c.Extra)+8)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for name, value := range c.Extra {
		if isReservedClaim(name) {
			continue
		}
		merged[name] = value
	}

	return json.Marshal(merged)
}

func (c *Claims) UnmarshalJSON(data []byte) error {
	var fields claimsFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = Claims(fields)
	c.Extra = nil
	for name, value := range raw {
		if isReservedClaim(name) {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			// non-string pass-through claims are not part of the model
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]string)
		}
		c.Extra[name] = s
	}

	return nil
}

// ClaimsReader reads single claims without checking the signature. Use it only
// for tokens that were already verified upstream.
type ClaimsReader struct {
	parser *jwt.Parser
}

func NewClaimsReader() *ClaimsReader {
	return &ClaimsReader{parser: jwt.NewParser()}
}

func (r *ClaimsReader) ReadClaim(tokenString, name string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}

	value, ok := claims[name]
	if !ok || value == nil {
		return "", fmt.Errorf("%w: %s", ErrClaimNotFound, name)
	}

	return formatClaim(value), nil
}

func formatClaim(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, formatClaim(item))
		}
		return strings.Join(parts, ",")
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
