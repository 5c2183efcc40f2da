// Package auth authenticates the raffle operator and issues session tokens
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/config"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/logger"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrSessionExpired     = errors.New("session expired")
)

const issuer = "rifas"

// Claims are carried by operator tokens
type Claims struct {
	jwt.RegisteredClaims
}

// LoginResponse contains login result
type LoginResponse struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service authenticates the single configured operator
type Service struct {
	config *config.AuthConfig
	audit  *audit.Service
	hash   []byte
	now    func() time.Time

	mu          sync.Mutex
	failures    []time.Time
	lockedUntil time.Time
}

// New creates a new auth service. A plain password in the configuration is
// hashed once at startup.
func New(cfg *config.AuthConfig, auditSvc *audit.Service) (*Service, error) {
	hash := []byte(cfg.AdminPasswordHash)
	if len(hash) == 0 {
		if cfg.AdminPassword == "" {
			return nil, errors.New("operator password is not configured")
		}
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
	} else if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("invalid password hash: %w", err)
	}

	return &Service{
		config: cfg,
		audit:  auditSvc,
		hash:   hash,
		now:    time.Now,
	}, nil
}

// Login checks the operator credentials and issues a token
func (s *Service) Login(ctx context.Context, email, password, ip string) (*LoginResponse, error) {
	email = strings.TrimSpace(email)
	now := s.now().UTC()

	if s.isLockedOut(now) {
		s.audit.Log(ctx, audit.EventLoginFailed, domain.SeverityWarning,
			"Login attempt while locked out",
			map[string]string{"email": email},
			audit.WithIP(ip), audit.WithComponent("auth"))
		return nil, ErrAccountLocked
	}

	emailOK := strings.EqualFold(email, s.config.AdminEmail)
	// Compare the hash even on an unknown email so both paths cost the same
	passErr := bcrypt.CompareHashAndPassword(s.hash, []byte(password))
	if !emailOK || passErr != nil {
		locked := s.recordFailedLogin(now)
		logger.Warningf("auth: failed login for %q from %s", email, ip)
		s.audit.Log(ctx, audit.EventLoginFailed, domain.SeverityWarning,
			fmt.Sprintf("Failed login for %s", email),
			map[string]any{"email": email, "locked": locked},
			audit.WithIP(ip), audit.WithComponent("auth"))
		return nil, ErrInvalidCredentials
	}

	s.clearFailures()

	expiresAt := now.Add(s.config.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   s.config.AdminEmail,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.audit.Log(ctx, audit.EventOperatorLogin, domain.SeverityInfo,
		fmt.Sprintf("Operator logged in: %s", s.config.AdminEmail),
		nil, audit.WithIP(ip), audit.WithComponent("auth"))

	return &LoginResponse{Token: signed, Email: s.config.AdminEmail, ExpiresAt: expiresAt}, nil
}

// ValidateToken parses a token and returns its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(s.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrSessionExpired
	}
	if !strings.EqualFold(claims.Subject, s.config.AdminEmail) {
		return nil, ErrSessionExpired
	}
	return claims, nil
}

func (s *Service) isLockedOut(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.lockedUntil)
}

// recordFailedLogin counts a failure inside the lockout window and reports
// whether it locked the account
func (s *Service) recordFailedLogin(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.config.LockoutDuration)
	kept := s.failures[:0]
	for _, at := range s.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.failures = append(kept, now)

	if s.config.MaxFailedAttempts > 0 && len(s.failures) >= s.config.MaxFailedAttempts {
		s.lockedUntil = now.Add(s.config.LockoutDuration)
		s.failures = nil
		logger.Warningf("auth: operator locked out until %s", s.lockedUntil.Format(time.RFC3339))
		return true
	}
	return false
}

func (s *Service) clearFailures() {
	s.mu.Lock()
	s.failures = nil
	s.mu.Unlock()
}
