package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in tokens.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role")
	ErrNotRefresh   = errors.New("not a refresh token")
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Claims represents JWT payload. Subject is a teacher or student id.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	Email   string `json:"email,omitempty"`
	Kind    string `json:"kind"`
	jwt.RegisteredClaims
}

// Identity is who a token speaks for.
type Identity struct {
	Subject string
	Role    string
	Email   string
}

// Signer issues and verifies HS256 tokens for one issuer.
type Signer struct {
	Issuer     string
	Key        string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue issues signed access and refresh tokens.
func (s Signer) Issue(id Identity) (TokenPair, error) {
	if id.Role != RoleTeacher && id.Role != RoleStudent {
		return TokenPair{}, ErrUnknownRole
	}
	now := s.now()
	accessExp := now.Add(s.AccessTTL)
	refreshExp := now.Add(s.RefreshTTL)

	accessToken, err := s.sign(id, kindAccess, now, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := s.sign(id, kindRefresh, now, refreshExp)
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

func (s Signer) sign(id Identity, kind string, now, exp time.Time) (string, error) {
	claims := Claims{
		Subject: id.Subject,
		Role:    id.Role,
		Email:   id.Email,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   id.Subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Key))
}

// Parse validates an access token and returns claims.
func (s Signer) Parse(tokenStr string) (Claims, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != kindAccess {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s Signer) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Kind != kindRefresh {
		return TokenPair{}, ErrNotRefresh
	}
	return s.Issue(claims.Identity())
}

func (s Signer) parse(tokenStr string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.Key), nil
	}, opts...)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}

// Identity returns the identity the claims were issued for.
func (c Claims) Identity() Identity {
	return Identity{Subject: c.Subject, Role: c.Role, Email: c.Email}
}
