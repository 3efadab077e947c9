package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleProctor     = "proctor"
	RoleParticipant = "participant"
)

// Token types. Only access tokens open API routes; refresh tokens are
// redeemed at the refresh endpoint for a new pair.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_expires_at"`
	RefreshExp   time.Time `json:"refresh_expires_at"`
}

// Claims represents JWT payload. SessionID scopes participant tokens to one
// exam session; proctor tokens leave it empty.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	SessionID string `json:"sid,omitempty"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// Identity returns who the token was issued to.
func (c Claims) Identity() Identity {
	return Identity{Subject: c.Subject, Role: c.Role, SessionID: c.SessionID, Name: c.Name}
}

// Identity is who a token is issued to.
type Identity struct {
	Subject   string
	Role      string
	SessionID string
	Name      string
}

// Issue issues signed access and refresh tokens.
func Issue(id Identity, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(accessTTL)
	refreshExp := now.Add(refreshTTL)

	accessToken, err := sign(id, TypeAccess, issuer, key, now, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := sign(id, TypeRefresh, issuer, key, now, refreshExp)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func sign(id Identity, typ, issuer, key string, now, exp time.Time) (string, error) {
	claims := Claims{
		Subject:   id.Subject,
		Role:      id.Role,
		SessionID: id.SessionID,
		Name:      id.Name,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.Subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}

// ParseRefresh validates a refresh token. Access tokens are rejected.
func ParseRefresh(tokenStr, key, issuer string) (Claims, error) {
	claims, err := Parse(tokenStr, key, issuer)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != TypeRefresh {
		return Claims{}, errors.New("not a refresh token")
	}
	return claims, nil
}
