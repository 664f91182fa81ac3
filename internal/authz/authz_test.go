package authz_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	// Short mode runs the unit tests only; the checker tests below skip
	// themselves on the nil shared DB.
	if testutil.ShortMode() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// requireContainer skips tests that need the shared database when the suite
// runs in short mode without Docker.
func requireContainer(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("requires the Postgres container; run without -short")
	}
}

func seedUser(t *testing.T, email, role string) model.User {
	t.Helper()
	ctx := context.Background()

	u, err := testDB.CreateUser(ctx, model.User{
		Email:        email,
		PasswordHash: "irrelevant",
		Status:       model.UserStatusActive,
	})
	require.NoError(t, err)
	require.NoError(t, testDB.AssignRole(ctx, u.ID, role))
	return u
}

func TestCheckerResolvesSeededRoles(t *testing.T) {
	requireContainer(t)
	ctx := context.Background()

	checker := authz.NewChecker(testDB)
	defer checker.Close()

	user := seedUser(t, "checker-user@example.com", model.RoleUser)

	perms, err := checker.Permissions(ctx, user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{model.PermChat, model.PermSearch}, perms)

	ok, err := checker.Has(ctx, user.ID, model.PermChat)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checker.Has(ctx, user.ID, model.PermManageUsers)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckerAdminHasEverything(t *testing.T) {
	requireContainer(t)
	ctx := context.Background()

	checker := authz.NewChecker(testDB)
	defer checker.Close()

	admin := seedUser(t, "checker-admin@example.com", model.RoleAdmin)

	for _, perm := range []string{
		model.PermChat, model.PermSearch, model.PermDownloadDocuments,
		model.PermManageDocuments, model.PermViewAnalytics, model.PermManageUsers,
	} {
		ok, err := checker.Has(ctx, admin.ID, perm)
		require.NoError(t, err)
		assert.True(t, ok, "admin should hold %s", perm)
	}
}

func TestCheckerInvalidateSeesNewRole(t *testing.T) {
	requireContainer(t)
	ctx := context.Background()

	checker := authz.NewChecker(testDB)
	defer checker.Close()

	user := seedUser(t, "checker-promote@example.com", model.RoleUser)

	// Prime the cache with the user's baseline permissions.
	ok, err := checker.Has(ctx, user.ID, model.PermViewAnalytics)
	require.NoError(t, err)
	require.False(t, ok)

	// Grant the analyst role and invalidate; the next check must see it.
	require.NoError(t, testDB.AssignRole(ctx, user.ID, model.RoleAnalyst))
	checker.Invalidate(user.ID)

	ok, err = checker.Has(ctx, user.ID, model.PermViewAnalytics)
	require.NoError(t, err)
	assert.True(t, ok, "invalidated checker should see the new role")
}

func TestPrivacyScope(t *testing.T) {
	assert.Equal(t, model.FilterPublic, authz.PrivacyScope(nil))
	assert.Equal(t, model.FilterPublic, authz.PrivacyScope(&auth.Claims{Role: model.RoleUser}))
	assert.Equal(t, model.FilterPublic, authz.PrivacyScope(&auth.Claims{Role: model.RoleAnalyst}))
	assert.Equal(t, model.FilterAll, authz.PrivacyScope(&auth.Claims{Role: model.RoleAdmin}))
}
