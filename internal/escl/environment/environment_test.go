package environment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"esclbot/internal/escl/account"
	"esclbot/internal/escl/apiclient"
	"esclbot/internal/escl/credential"
	"esclbot/internal/escl/entry"
	"esclbot/internal/escl/teamstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeESCL answers UserService/Me from a token -> team table; unknown tokens
// get a 401.
type fakeESCL struct {
	mu    sync.Mutex
	teams map[string]int64
}

func (f *fakeESCL) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	team, ok := f.teams[token]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"unauthenticated"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"player": map[string]any{"teamId": team}})
}

type harness struct {
	env   *Environment
	mgr   *account.Manager
	teams *teamstore.Store
	escl  *fakeESCL
}

func newHarness(t *testing.T, legacy string, withAccounts bool) *harness {
	t.Helper()
	dir := t.TempDir()
	escl := &fakeESCL{teams: map[string]int64{}}
	srv := httptest.NewServer(escl)
	t.Cleanup(srv.Close)

	h := &harness{
		escl:  escl,
		teams: teamstore.New(filepath.Join(dir, "team_ids.json"), 0),
	}
	opts := Options{
		Teams:     h.teams,
		API:       apiclient.NewFactory(apiclient.Config{BaseURL: srv.URL}),
		LegacyJWT: legacy,
	}
	env := New(opts)
	if withAccounts {
		st, err := credential.New(filepath.Join(dir, "creds.enc"), bytes.Repeat([]byte{3}, credential.KeySize))
		require.NoError(t, err)
		h.mgr = account.NewManager(st, env.Validator())
		opts.Accounts = h.mgr
		env = New(opts)
	}
	h.env = env
	return h
}

func (h *harness) register(t *testing.T, user, token string, team int64) account.Details {
	t.Helper()
	h.escl.mu.Lock()
	h.escl.teams[token] = team
	h.escl.mu.Unlock()
	d, _, err := h.mgr.RegisterAccount(context.Background(), account.RegisterInput{UserID: user, JWT: token, TeamID: team, Label: "main"})
	require.NoError(t, err)
	return d
}

func TestResolveDefaultAccount(t *testing.T) {
	h := newHarness(t, "", true)
	d := h.register(t, "u1", "jwt-a", 42)

	res, err := h.env.ResolveAccountForEntry(context.Background(), ResolveParams{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, SourceAccount, res.Source)
	assert.Equal(t, int64(42), res.TeamID)
	assert.Equal(t, d.AccountID, res.AccountID)
	assert.Equal(t, "main", res.AccountLabel)
	require.NotNil(t, res.Account)
	assert.Equal(t, credential.Fingerprint("jwt-a"), res.Account.Fingerprint)

	auth, err := res.Account.Resolver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jwt-a", auth.Token)
	assert.Equal(t, d.AccountID, auth.AccountID)
}

func TestResolveExplicitAccountAndOverride(t *testing.T) {
	h := newHarness(t, "", true)
	h.register(t, "u1", "jwt-a", 42)
	second := h.register(t, "u1", "jwt-b", 43)
	ctx := context.Background()

	res, err := h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1", AccountID: second.AccountID, TeamIDOverride: 43})
	require.NoError(t, err)
	assert.Equal(t, int64(43), res.TeamID)

	_, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1", TeamIDOverride: 99})
	assert.ErrorIs(t, err, ErrTeamMismatch)

	_, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1", AccountID: "missing"})
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestResolveWithoutAccountNeedsLegacy(t *testing.T) {
	h := newHarness(t, "legacy-jwt", true)
	ctx := context.Background()

	_, err := h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u9"})
	assert.ErrorIs(t, err, ErrNoAccount)

	_, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u9", AllowLegacy: true})
	assert.ErrorIs(t, err, ErrTeamUnknown)

	require.NoError(t, h.teams.Set(ctx, "u9", 77))
	res, err := h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u9", AllowLegacy: true})
	require.NoError(t, err)
	assert.Equal(t, SourceLegacy, res.Source)
	assert.Equal(t, int64(77), res.TeamID)
	assert.Empty(t, res.AccountID)
	auth, err := res.Account.Resolver(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy-jwt", auth.Token)
	assert.Empty(t, auth.Fingerprint)

	res, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u9", AllowLegacy: true, TeamIDOverride: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.TeamID)
}

func TestResolveLegacyOnly(t *testing.T) {
	h := newHarness(t, "", false)
	_, err := h.env.ResolveAccountForEntry(context.Background(), ResolveParams{UserID: "u1", TeamIDOverride: 5})
	assert.ErrorIs(t, err, ErrLegacyUnavailable)
	assert.False(t, h.env.SupportsAccounts())
	assert.False(t, h.env.HasLegacy())
}

func TestAuthFailureMarksAccountInvalidAndResolverRefuses(t *testing.T) {
	h := newHarness(t, "", true)
	d := h.register(t, "u1", "jwt-a", 42)
	ctx := context.Background()

	res, err := h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, res.Account.OnAuthFailure(ctx, http.StatusUnauthorized, "expired"))

	got, ok, err := h.mgr.GetAccount(ctx, "u1", d.AccountID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, credential.StatusInvalid, got.Status)
	assert.NotNil(t, got.LastFailureAt)

	_, err = res.Account.Resolver(ctx)
	assert.ErrorIs(t, err, ErrAccountInactive)

	require.NoError(t, h.mgr.MarkActive(ctx, account.Ref{UserID: "u1", AccountID: d.AccountID}, time.Time{}))
	_, err = res.Account.Resolver(ctx)
	assert.NoError(t, err)
}

func TestResolveRefusesInvalidAccountAtScheduleTime(t *testing.T) {
	h := newHarness(t, "legacy-jwt", true)
	first := h.register(t, "u1", "jwt-a", 42)
	ctx := context.Background()

	res, err := h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, res.Account.OnAuthFailure(ctx, http.StatusUnauthorized, "expired"))

	second := h.register(t, "u1", "jwt-b", 42)

	_, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1", AllowLegacy: true})
	require.ErrorIs(t, err, ErrAccountInactive)
	assert.NotContains(t, err.Error(), "jwt-a")

	_, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1", AccountID: first.AccountID})
	assert.ErrorIs(t, err, ErrAccountInactive)

	res, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1", AccountID: second.AccountID})
	require.NoError(t, err)
	assert.Equal(t, second.AccountID, res.AccountID)

	require.NoError(t, h.mgr.MarkActive(ctx, account.Ref{UserID: "u1", AccountID: first.AccountID}, time.Time{}))
	res, err = h.env.ResolveAccountForEntry(ctx, ResolveParams{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, res.AccountID)
}

func TestAuthProviderForRestoredJobs(t *testing.T) {
	h := newHarness(t, "legacy-jwt", true)
	d := h.register(t, "u1", "jwt-a", 42)
	ctx := context.Background()
	provide := h.env.AuthProvider()

	creds, err := provide(ctx, entry.Job{JobID: "j1", CreatedBy: "u1", AccountID: d.AccountID})
	require.NoError(t, err)
	require.NotNil(t, creds)
	require.NotNil(t, creds.OnAuthFailure)
	auth, err := creds.Resolver(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jwt-a", auth.Token)

	_, _, err = h.mgr.RemoveAccount(ctx, "u1", d.AccountID)
	require.NoError(t, err)
	_, err = creds.Resolver(ctx)
	assert.ErrorIs(t, err, ErrNoAccount)

	creds, err = provide(ctx, entry.Job{JobID: "j2", CreatedBy: "u1"})
	require.NoError(t, err)
	auth, err = creds.Resolver(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy-jwt", auth.Token)
	assert.Nil(t, creds.OnAuthFailure)
}

func TestAuthProviderWithoutSources(t *testing.T) {
	h := newHarness(t, "", false)
	creds, err := h.env.AuthProvider()(context.Background(), entry.Job{JobID: "j1", AccountID: "acc"})
	require.NoError(t, err)
	assert.Nil(t, creds)
	creds, err = h.env.AuthProvider()(context.Background(), entry.Job{JobID: "j2"})
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestValidator(t *testing.T) {
	h := newHarness(t, "", false)
	h.escl.teams["good"] = 11
	ctx := context.Background()

	v, err := h.env.Validator()(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, int64(11), v.TeamID)

	_, err = h.env.Validator()(ctx, "bad")
	assert.ErrorIs(t, err, apiclient.ErrUnauthorized)
	assert.NotContains(t, err.Error(), "bad")
}
