// Package auth issues and verifies the role tokens carried by the external
// collaborators: dispute resolvers and governance operators. The core trusts
// these boundaries entirely once the token checks out.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	// RoleSupportAgent may resolve disputes on behalf of the arbitration
	// authority.
	RoleSupportAgent Role = "support_agent"
	// RoleGovernance may replace the protocol config.
	RoleGovernance Role = "governance"
)

var (
	// ErrInvalidToken signals a token that fails parsing or validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrWrongRole signals a valid token carried by the wrong role.
	ErrWrongRole = errors.New("auth: wrong role")
)

// Service signs and verifies HS256 role tokens.
type Service struct {
	secret []byte
}

// NewService creates a token service over the shared secret.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Issue mints a token for subject with the given role, valid for ttl.
func (s *Service) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses the token and returns its subject and role.
func (s *Service) Verify(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", "", ErrInvalidToken
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", ErrInvalidToken
	}
	role := Role(roleStr)
	if role != RoleSupportAgent && role != RoleGovernance {
		return "", "", ErrInvalidToken
	}

	return subject, role, nil
}

// Require verifies the token and checks it carries the wanted role.
func (s *Service) Require(tokenString string, want Role) (string, error) {
	subject, role, err := s.Verify(tokenString)
	if err != nil {
		return "", err
	}
	if role != want {
		return "", ErrWrongRole
	}
	return subject, nil
}
