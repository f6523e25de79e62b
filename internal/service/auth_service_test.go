package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agis-digital/agis-api/internal/models"
	appErrors "github.com/agis-digital/agis-api/pkg/errors"
	"github.com/agis-digital/agis-api/pkg/jobs"
	"github.com/agis-digital/agis-api/pkg/password"
)

type memoryUserStore struct {
	byEmail map[string]*models.User
	byID    map[string]*models.User
}

func newMemoryUserStore(users ...*models.User) *memoryUserStore {
	s := &memoryUserStore{byEmail: map[string]*models.User{}, byID: map[string]*models.User{}}
	for _, u := range users {
		s.byEmail[u.Email] = u
		s.byID[u.ID] = u
	}
	return s
}

func (s *memoryUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if u, ok := s.byEmail[email]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (s *memoryUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := s.byID[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

type memoryTokenStore struct {
	mu       sync.Mutex
	byHash   map[string]*models.RefreshToken
	loseRace bool
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{byHash: map[string]*models.RefreshToken{}}
}

func (s *memoryTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.byHash[token.TokenHash] = &copied
	return nil
}

func (s *memoryTokenStore) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.byHash[tokenHash]; ok {
		copied := *rt
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *memoryTokenStore) RevokeIfActive(ctx context.Context, tokenHash string, revokedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loseRace {
		return false, nil
	}
	rt, ok := s.byHash[tokenHash]
	if !ok || rt.Revoked {
		return false, nil
	}
	rt.Revoked = true
	rt.RevokedAt = &revokedAt
	return true, nil
}

func (s *memoryTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.byHash {
		if rt.UserID == userID {
			rt.Revoked = true
		}
	}
	return nil
}

type recordingAuditRepo struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (r *recordingAuditRepo) Create(ctx context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingAuditRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.Action)
	}
	return out
}

// The queue is deliberately not started so audit events are written inline
// and visible to assertions without synchronisation on worker goroutines.
func newRecordingAudit() (*AuditService, *recordingAuditRepo) {
	repo := &recordingAuditRepo{}
	return NewAuditService(repo, zap.NewNop(), jobs.QueueConfig{}), repo
}

func testAuthConfig() AuthConfig {
	return AuthConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 24 * time.Hour,
		Issuer:        "agis-api",
		Audience:      []string{"agis-clients"},
	}
}

func newActiveUser(t *testing.T, email, plain string, role models.Role) *models.User {
	t.Helper()
	hash, err := password.Hash(plain)
	require.NoError(t, err)
	return &models.User{
		ID:           "user-" + email,
		Email:        email,
		PasswordHash: hash,
		FullName:     "Test User",
		Role:         role,
		Active:       true,
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	return appErr.Code
}

func TestLoginIssuesVerifiableTokenPair(t *testing.T) {
	user := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleManager)
	users := newMemoryUserStore(user)
	tokens := newMemoryTokenStore()
	audit, auditRepo := newRecordingAudit()
	svc := NewAuthService(users, tokens, audit, nil, zap.NewNop(), testAuthConfig())

	pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "Ana@Example.com ", Password: "s3cret-pass", IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, models.RoleManager, claims.Role)

	// The raw refresh token must not be stored; only its digest is.
	_, rawStored := tokens.byHash[pair.RefreshToken]
	assert.False(t, rawStored)
	stored, err := tokens.FindByHash(context.Background(), svc.hashRefreshToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.UserID)
	assert.Equal(t, "10.0.0.1", stored.IPAddress)

	assert.Contains(t, auditRepo.actions(), models.AuditActionLogin)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	inactive := newActiveUser(t, "off@example.com", "s3cret-pass", models.RoleUser)
	inactive.Active = false
	active := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleUser)
	users := newMemoryUserStore(inactive, active)
	audit, _ := newRecordingAudit()
	svc := NewAuthService(users, newMemoryTokenStore(), audit, nil, zap.NewNop(), testAuthConfig())

	cases := map[string]models.LoginRequest{
		"unknown email":    {Email: "nobody@example.com", Password: "s3cret-pass"},
		"inactive account": {Email: "off@example.com", Password: "s3cret-pass"},
		"wrong password":   {Email: "ana@example.com", Password: "wrong-pass"},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Login(context.Background(), req)
			appErr := appErrors.FromError(err)
			assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
			assert.Equal(t, "invalid email or password", appErr.Message)
		})
	}
}

func TestRefreshRotatesAndInvalidatesPresentedToken(t *testing.T) {
	user := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleUser)
	users := newMemoryUserStore(user)
	tokens := newMemoryTokenStore()
	audit, auditRepo := newRecordingAudit()
	svc := NewAuthService(users, tokens, audit, nil, zap.NewNop(), testAuthConfig())

	pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	assert.Contains(t, auditRepo.actions(), models.AuditActionTokenRefresh)

	// Single use: presenting the rotated-away token again fails closed.
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(t, err))

	// The replacement token still works.
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: rotated.RefreshToken})
	assert.NoError(t, err)
}

func TestRefreshRaceLoserFailsClosed(t *testing.T) {
	user := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleUser)
	tokens := newMemoryTokenStore()
	audit, _ := newRecordingAudit()
	svc := NewAuthService(newMemoryUserStore(user), tokens, audit, nil, zap.NewNop(), testAuthConfig())

	pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	// Another rotation wins the conditional revoke between our read and write.
	tokens.loseRace = true

	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(t, err))
}

func TestRefreshExpiredTokenRejected(t *testing.T) {
	user := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleUser)
	tokens := newMemoryTokenStore()
	audit, _ := newRecordingAudit()
	svc := NewAuthService(newMemoryUserStore(user), tokens, audit, nil, zap.NewNop(), testAuthConfig())

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }

	pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	current = current.Add(25 * time.Hour)

	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(t, err))
}

func TestRefreshInactiveUserRejected(t *testing.T) {
	user := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleUser)
	tokens := newMemoryTokenStore()
	audit, _ := newRecordingAudit()
	svc := NewAuthService(newMemoryUserStore(user), tokens, audit, nil, zap.NewNop(), testAuthConfig())

	pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	user.Active = false

	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, errCode(t, err))
}

func TestLogoutIsIdempotent(t *testing.T) {
	user := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleUser)
	tokens := newMemoryTokenStore()
	audit, auditRepo := newRecordingAudit()
	svc := NewAuthService(newMemoryUserStore(user), tokens, audit, nil, zap.NewNop(), testAuthConfig())

	require.NoError(t, svc.Logout(context.Background(), "never-issued-token"))

	pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), pair.RefreshToken))
	require.NoError(t, svc.Logout(context.Background(), pair.RefreshToken))

	// A revoked token no longer rotates.
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(t, err))

	logouts := 0
	for _, action := range auditRepo.actions() {
		if action == models.AuditActionLogout {
			logouts++
		}
	}
	assert.Equal(t, 1, logouts)
}

func TestValidateTokenRejectsExpiredAndTampered(t *testing.T) {
	user := newActiveUser(t, "ana@example.com", "s3cret-pass", models.RoleUser)
	audit, _ := newRecordingAudit()
	svc := NewAuthService(newMemoryUserStore(user), newMemoryTokenStore(), audit, nil, zap.NewNop(), testAuthConfig())

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }

	pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)

	current = current.Add(16 * time.Minute)
	_, err = svc.ValidateToken(pair.AccessToken)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(t, err))

	current = current.Add(-16 * time.Minute)
	_, err = svc.ValidateToken(pair.AccessToken + "x")
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(t, err))

	otherIssuer := NewAuthService(newMemoryUserStore(user), newMemoryTokenStore(), audit, nil, zap.NewNop(), AuthConfig{
		AccessSecret:  "other-secret",
		RefreshSecret: "refresh-secret",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 24 * time.Hour,
		Issuer:        "agis-api",
		Audience:      []string{"agis-clients"},
	})
	otherIssuer.now = func() time.Time { return current }
	_, err = otherIssuer.ValidateToken(pair.AccessToken)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(t, err))
}
