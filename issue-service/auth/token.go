package auth

import (
	"errors"
	"fmt"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carries userId for users and mechanicId for mechanics.
type Claims struct {
	UserID     string      `json:"userId,omitempty"`
	MechanicID string      `json:"mechanicId,omitempty"`
	Role       domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Caller turns validated claims into the identity used by the core.
func (c *Claims) Caller() (domain.Caller, error) {
	switch {
	case c.Role == domain.RoleUser && c.UserID != "" && c.MechanicID == "":
		return domain.Caller{ID: c.UserID, Role: domain.RoleUser}, nil
	case c.Role == domain.RoleMechanic && c.MechanicID != "" && c.UserID == "":
		return domain.Caller{ID: c.MechanicID, Role: domain.RoleMechanic}, nil
	default:
		return domain.Caller{}, fmt.Errorf("%w: token does not identify a user or a mechanic", domain.ErrUnauthorized)
	}
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for caller and its expiry.
func (i *Issuer) Issue(caller domain.Caller) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	claims := &Claims{
		Role: caller.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   caller.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	switch caller.Role {
	case domain.RoleUser:
		claims.UserID = caller.ID
	case domain.RoleMechanic:
		claims.MechanicID = caller.ID
	default:
		return "", time.Time{}, fmt.Errorf("unknown role %q", caller.Role)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies token and returns the caller it was issued for.
func (i *Issuer) Parse(token string) (domain.Caller, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Caller{}, fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
		}
		return domain.Caller{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	return claims.Caller()
}
