package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/pkg/portal/api/auth"
	"github.com/filevault/filevault/pkg/portal/api/middleware"
	"github.com/filevault/filevault/pkg/portal/models"
	"github.com/filevault/filevault/pkg/portal/store"
)

const testSecret = "test-secret-key-that-is-at-least-32-characters-long"

func newTestStore(t *testing.T) *store.GORMStore {
	t.Helper()
	portalStore, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "portal.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, portalStore.Close())
	})
	return portalStore
}

func newTestJWTService(t *testing.T) *auth.JWTService {
	t.Helper()
	svc, err := auth.NewJWTService(auth.JWTConfig{
		Secret: testSecret,
		Issuer: "test",
	})
	require.NoError(t, err)
	return svc
}

func createTestUser(t *testing.T, portalStore *store.GORMStore, username string) *models.User {
	t.Helper()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
	}
	_, err := portalStore.CreateUser(context.Background(), user, "password123")
	require.NoError(t, err)
	return user
}

func claimsFor(user *models.User) *auth.Claims {
	return &auth.Claims{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		TokenType: auth.TokenTypeAccess,
	}
}

// asUser injects claims into the request context the way the JWT middleware
// would, so handlers can be exercised without real tokens.
func asUser(claims *auth.Claims) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithClaims(r.Context(), claims)))
		})
	}
}
