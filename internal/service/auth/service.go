package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
	"github.com/pagening/sitebuilder/pkg/config"
	"github.com/pagening/sitebuilder/pkg/crypto"
	jwtpkg "github.com/pagening/sitebuilder/pkg/jwt"
)

var (
	ErrInvalidEmail       = errors.New("a valid email is required")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrTokenRequired      = errors.New("token required")
)

// signupCredits matches the users.credits column default.
const signupCredits = 20

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, TokenPair{}, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Credits:      signupCredits,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, TokenPair{}, ErrEmailTaken
		}
		return nil, TokenPair{}, fmt.Errorf("create user: %w", err)
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens. Unknown emails and wrong
// passwords produce the same error.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		s.logger.Warn("login rejected", "user_id", user.ID)
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	trimmed := strings.TrimSpace(refreshToken)
	if trimmed == "" {
		return TokenPair{}, ErrTokenRequired
	}
	claims, err := jwtpkg.ParseKind(trimmed, s.cfg.JWTSecret, jwtpkg.KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := s.users.GetUserByID(ctx, claims.UserID); err != nil {
		return TokenPair{}, err
	}
	return s.issueTokens(claims.UserID)
}

// Authorize validates a bearer access token and returns the associated user
// and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrTokenRequired
	}
	claims, err := jwtpkg.ParseKind(trimmed, s.cfg.JWTSecret, jwtpkg.KindAccess)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

// Credits returns the user's remaining generation credits.
func (s Service) Credits(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, repository.ErrNotFound
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}

func (s Service) issueTokens(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, jwtpkg.KindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, jwtpkg.KindRefresh, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
