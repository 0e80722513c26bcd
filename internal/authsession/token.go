// Package authsession implements the Auth Session component (C3): bearer
// token validation, identity extraction, and binding of the resulting
// Session into the shared Auth Table.
//
// Token format follows §6: a compact three-part signed token (header,
// payload, signature), rendered here with golang-jwt/jwt/v5 HMAC-SHA256
// signing — the same library the authentication reference server
// (auth/auth.go) uses for its bearer tokens — plus an additional XOR pass
// over the raw claims bytes so a captured token is opaque without both the
// shared secret and the configured XOR key.
package authsession

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload carried inside the token, per §6: at minimum
// account_id and device_hash; profile_id, when present, is preferred over
// deriving an identity from account_id alone.
type TokenClaims struct {
	AccountID  string `json:"account_id"`
	ProfileID  string `json:"profile_id,omitempty"`
	DeviceHash string `json:"device_hash"`
	jwt.RegisteredClaims
}

func xorBytes(data []byte, key []byte) []byte {
	if len(key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// Issue builds and signs a token for the given claims — used by tests and
// by any trusted internal caller that mints tokens (the production login
// flow lives in an out-of-scope external collaborator per §1).
func Issue(secret, xorKey string, claims TokenClaims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	obfuscated := xorBytes(raw, []byte(xorKey))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"payload": obfuscated,
	})
	return token.SignedString([]byte(secret))
}

// Verify validates the token's signature and expiry, reverses the XOR
// obfuscation, and decodes the embedded TokenClaims.
//
// Returned errors are built by newAuthError from an AuthErrorKind — see
// errors.go.
func Verify(tokenStr, secret, xorKey string) (*TokenClaims, error) {
	parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if isExpiredErr(err) {
			return nil, newAuthError(KindExpired, err)
		}
		return nil, newAuthError(KindBadSignature, err)
	}
	if !parsed.Valid {
		return nil, newAuthError(KindBadSignature, fmt.Errorf("token not valid"))
	}

	claimsMap, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, newAuthError(KindMalformed, fmt.Errorf("unexpected claims type"))
	}
	obfuscatedAny, ok := claimsMap["payload"]
	if !ok {
		return nil, newAuthError(KindMalformed, fmt.Errorf("missing payload claim"))
	}

	obfuscated, err := decodeBytesClaim(obfuscatedAny)
	if err != nil {
		return nil, newAuthError(KindMalformed, err)
	}

	raw := xorBytes(obfuscated, []byte(xorKey))
	var claims TokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, newAuthError(KindMalformed, err)
	}
	if claims.AccountID == "" {
		return nil, newAuthError(KindMalformed, fmt.Errorf("missing account_id"))
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, newAuthError(KindExpired, jwt.ErrTokenExpired)
	}

	return &claims, nil
}

// decodeBytesClaim handles the fact that jwt.MapClaims round-trips a []byte
// claim as a base64 string through JSON.
func decodeBytesClaim(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return base64.StdEncoding.DecodeString(val)
	default:
		return nil, fmt.Errorf("unexpected payload claim type %T", v)
	}
}

func isExpiredErr(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
