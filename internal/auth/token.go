package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// TokenVersion is bumped when the claim set changes; decode rejects
// unknown versions.
const TokenVersion = 1

// TokenClaims is the signed structure binding a session to its token.
// The MAC covers every field; tamper on any field rejects.
type TokenClaims struct {
	Version     int      `json:"ver"`
	SessionID   string   `json:"sid"`
	TenantID    string   `json:"tid"`
	Roles       []string `json:"roles"`
	Fingerprint string   `json:"fpt"`
	jwt.RegisteredClaims
}

// TokenCodec encodes and decodes session tokens with an HS256 MAC.
type TokenCodec struct {
	secret []byte
}

func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

// Encode produces the token for a session. Deterministic given the
// session fields.
func (c *TokenCodec) Encode(s *models.Session) (string, error) {
	claims := TokenClaims{
		Version:     TokenVersion,
		SessionID:   s.ID,
		TenantID:    s.TenantID,
		Roles:       s.Roles,
		Fingerprint: s.Fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "sign token", err)
	}
	return signed, nil
}

// Decode validates the MAC and structure of a token. Expired tokens
// map to ExpiredToken; every other failure is BadToken.
func (c *TokenCodec) Decode(tokenString string) (*TokenClaims, error) {
	var claims TokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.Ef(apperrors.KindBadToken, "unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.E(apperrors.KindExpiredToken, "token expired")
		}
		return nil, apperrors.Wrap(apperrors.KindBadToken, "token rejected", err)
	}
	if !token.Valid {
		return nil, apperrors.E(apperrors.KindBadToken, "token rejected")
	}
	if claims.Version != TokenVersion {
		return nil, apperrors.Ef(apperrors.KindBadToken, "unknown token version %d", claims.Version)
	}
	if claims.SessionID == "" || claims.Subject == "" || claims.TenantID == "" || claims.Fingerprint == "" {
		return nil, apperrors.E(apperrors.KindBadToken, "token missing required claims")
	}
	return &claims, nil
}

// SessionFromClaims reconstructs the session view a token asserts.
// The middleware still verifies it against the stored session row.
func SessionFromClaims(claims *TokenClaims) *models.Session {
	s := &models.Session{
		ID:          claims.SessionID,
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		Roles:       claims.Roles,
		Fingerprint: claims.Fingerprint,
		State:       models.SessionActive,
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s
}

// ExpiryFromNow is a convenience for session creation.
func ExpiryFromNow(ttl time.Duration) (time.Time, time.Time) {
	now := time.Now().UTC().Truncate(time.Second)
	return now, now.Add(ttl)
}
