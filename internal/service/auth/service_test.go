package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
	"github.com/pagening/sitebuilder/pkg/config"
	"github.com/pagening/sitebuilder/pkg/crypto"
	jwtpkg "github.com/pagening/sitebuilder/pkg/jwt"
)

type userRepoMock struct {
	mu      sync.Mutex
	byID    map[string]*domain.User
	byEmail map[string]*domain.User
}

func newUserRepo() *userRepoMock {
	return &userRepoMock{byID: map[string]*domain.User{}, byEmail: map[string]*domain.User{}}
}

func (m *userRepoMock) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[user.Email]; ok {
		return repository.ErrConflict
	}
	m.byID[user.ID] = user
	m.byEmail[user.Email] = user
	return nil
}

func (m *userRepoMock) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byEmail[email]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func (m *userRepoMock) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.APIConfig {
	return config.APIConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}
}

func TestSignupThenLoginAndAuthorize(t *testing.T) {
	svc := New(newUserRepo(), newLogger(), testConfig())

	user, tokens, err := svc.Signup(context.Background(), "  Owner@Example.COM ", "correct horse")
	if err != nil {
		t.Fatalf("Signup returned error: %v", err)
	}
	if user.Email != "owner@example.com" {
		t.Fatalf("expected normalised email, got %q", user.Email)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected tokens to be issued")
	}

	_, loginTokens, err := svc.Login(context.Background(), "OWNER@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	authed, claims, err := svc.Authorize(context.Background(), "  "+loginTokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if authed.ID != user.ID || claims.UserID != user.ID {
		t.Fatalf("expected token to resolve to %s", user.ID)
	}
}

func TestSignupRejectsDuplicatesAndWeakInput(t *testing.T) {
	svc := New(newUserRepo(), newLogger(), testConfig())
	if _, _, err := svc.Signup(context.Background(), "a@example.com", "long-enough"); err != nil {
		t.Fatalf("first signup failed: %v", err)
	}
	if _, _, err := svc.Signup(context.Background(), "A@example.com", "long-enough"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, _, err := svc.Signup(context.Background(), "b@example.com", "short"); !errors.Is(err, crypto.ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if _, _, err := svc.Signup(context.Background(), "not-an-email", "long-enough"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestLoginHidesWhichPartWasWrong(t *testing.T) {
	svc := New(newUserRepo(), newLogger(), testConfig())
	if _, _, err := svc.Signup(context.Background(), "a@example.com", "long-enough"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "a@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for bad password, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "nobody@example.com", "long-enough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestAuthorizeRejectsRefreshToken(t *testing.T) {
	svc := New(newUserRepo(), newLogger(), testConfig())
	_, tokens, err := svc.Signup(context.Background(), "a@example.com", "long-enough")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if _, _, err := svc.Authorize(context.Background(), tokens.RefreshToken); !errors.Is(err, jwtpkg.ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
	if _, _, err := svc.Authorize(context.Background(), ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}

	pair, err := svc.Refresh(context.Background(), tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if _, _, err := svc.Authorize(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("refreshed access token rejected: %v", err)
	}
}

func TestCreditsReflectsSignupAllowance(t *testing.T) {
	svc := New(newUserRepo(), newLogger(), testConfig())
	user, _, err := svc.Signup(context.Background(), "credits@example.com", "long-enough")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	credits, err := svc.Credits(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("Credits returned error: %v", err)
	}
	if credits != signupCredits {
		t.Fatalf("expected %d credits, got %d", signupCredits, credits)
	}
	if _, err := svc.Credits(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Credits(context.Background(), " "); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for blank id, got %v", err)
	}
}
