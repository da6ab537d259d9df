package adminapi_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ballotd/internal/adminapi"
	"ballotd/internal/analytics"
	"ballotd/internal/ballotmodels"
	"ballotd/internal/store"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func newTestDeps(t *testing.T, secret string) adminapi.Deps {
	t.Helper()
	s := store.New(setupTestDB(t), nil)
	sink, err := analytics.New(filepath.Join(t.TempDir(), "stage"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return adminapi.Deps{Store: s, Analytics: sink, JWTSecret: secret}
}

func TestHealthz_IsUnauthenticated(t *testing.T) {
	d := newTestDeps(t, "secret")
	srv := httptest.NewServer(adminapi.NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDebugChangeSets_RejectsMissingBearerToken(t *testing.T) {
	d := newTestDeps(t, "secret")
	srv := httptest.NewServer(adminapi.NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/changesets/bin-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDebugChangeSets_RejectsTokenSignedWithWrongSecret(t *testing.T) {
	d := newTestDeps(t, "secret")
	srv := httptest.NewServer(adminapi.NewRouter(d))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/debug/changesets/bin-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "wrong-secret"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDebugChangeSets_AcceptsValidBearerTokenAndReturnsChangeSets(t *testing.T) {
	secret := "shared-secret"
	d := newTestDeps(t, secret)

	cs := ballotmodels.ChangeSet{
		ID: store.NewID(), BlockableID: "bin-1", RuleIDs: []string{"rule-1"},
		ChangeType: ballotmodels.ChangeAllow, CreatedDT: time.Now(),
	}
	require.NoError(t, d.Store.RunInTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		return tx.PutChangeSet(ctx, &cs)
	}))

	srv := httptest.NewServer(adminapi.NewRouter(d))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/debug/changesets/bin-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDebugChangeSets_AcceptsTokenViaAccessTokenQueryParam(t *testing.T) {
	secret := "shared-secret"
	d := newTestDeps(t, secret)
	srv := httptest.NewServer(adminapi.NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/changesets/bin-1?access_token=" + signedToken(t, secret))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequireBearer_FiveHundredsWhenSecretUnconfigured(t *testing.T) {
	d := newTestDeps(t, "")
	srv := httptest.NewServer(adminapi.NewRouter(d))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/debug/changesets/bin-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer anything")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
