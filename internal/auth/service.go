package auth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foodhub/foodhub/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	tokens *TokenIssuer
	clock  func() time.Time
}

// NewService constructs a new Service. tokens may be nil when bearer tokens are disabled.
func NewService(repo Repository, tokens *TokenIssuer) *Service {
	return &Service{repo: repo, tokens: tokens, clock: time.Now}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and issues a bearer token for API clients.
func (s *Service) Login(ctx context.Context, email, password string) (*User, LoginResult, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return nil, LoginResult{}, err
	}
	result := LoginResult{UserID: user.ID, Email: user.Email, Name: user.Name}
	if s.tokens != nil {
		token, expiresAt, err := s.tokens.Issue(user.ID)
		if err != nil {
			return nil, LoginResult{}, err
		}
		result.Token = token
		result.ExpiresAt = expiresAt
	}
	// last-login is informational
	_ = s.repo.TouchLogin(ctx, user.ID, s.clock())
	return user, result, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
