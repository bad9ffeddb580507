package credential

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte { return bytes.Repeat([]byte{b}, KeySize) }

func addAccount(userID, accountID string, teamID int64, jwt string, at time.Time) func(*State) error {
	return func(st *State) error {
		u := st.Accounts[userID]
		if u == nil {
			u = &UserRecord{Accounts: map[string]*AccountRecord{}}
			st.Accounts[userID] = u
		}
		u.Accounts[accountID] = &AccountRecord{
			TeamID:         teamID,
			JWT:            jwt,
			JWTFingerprint: Fingerprint(jwt),
			Status:         StatusActive,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
		if u.DefaultAccountID == nil {
			id := accountID
			u.DefaultAccountID = &id
		}
		return nil
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	st, err := New(filepath.Join(t.TempDir(), "creds.enc"), testKey(1))
	require.NoError(t, err)

	state, err := st.State(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Accounts)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New("x", []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRoundTripAndFileShape(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	st, err := New(path, testKey(1), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	_, err = st.Update(ctx, addAccount("u1", "a1", 10, "secret-token", now))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-token")

	var p map[string]any
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.EqualValues(t, 1, p["version"])
	for _, k := range []string{"nonce", "ciphertext", "tag"} {
		assert.IsType(t, "", p[k])
	}

	fresh, err := New(path, testKey(1))
	require.NoError(t, err)
	state, err := fresh.State(ctx)
	require.NoError(t, err)
	require.Contains(t, state.Accounts, "u1")
	acc := state.Accounts["u1"].Accounts["a1"]
	assert.Equal(t, "secret-token", acc.JWT)
	assert.Equal(t, int64(10), acc.TeamID)
	assert.True(t, state.Meta.UpdatedAt.Equal(now))
}

func TestLoadWithWrongKeyIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	st, err := New(path, testKey(1))
	require.NoError(t, err)
	_, err = st.Update(ctx, addAccount("u1", "a1", 10, "tok", time.Now()))
	require.NoError(t, err)

	other, err := New(path, testKey(2))
	require.NoError(t, err)
	err = other.Load(ctx)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestTamperedCiphertextIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	st, err := New(path, testKey(1))
	require.NoError(t, err)
	_, err = st.Update(ctx, addAccount("u1", "a1", 10, "tok", time.Now()))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var p payload
	require.NoError(t, json.Unmarshal(raw, &p))
	ct, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	require.NoError(t, err)
	ct[0] ^= 0xff
	p.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))

	fresh, err := New(path, testKey(1))
	require.NoError(t, err)
	assert.ErrorIs(t, fresh.Load(ctx), ErrIntegrity)
}

func TestUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":2,"nonce":"","ciphertext":"","tag":""}`), 0o600))

	st, err := New(path, testKey(1))
	require.NoError(t, err)
	assert.ErrorIs(t, st.Load(context.Background()), ErrUnsupportedVersion)
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	oldKey, newKey := testKey(1), testKey(2)

	st, err := New(path, oldKey)
	require.NoError(t, err)
	_, err = st.Update(ctx, addAccount("u1", "a1", 10, "tok-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	reader, err := New(path, oldKey)
	require.NoError(t, err)
	before, err := reader.State(ctx)
	require.NoError(t, err)

	require.NoError(t, RotateFile(ctx, path, oldKey, newKey))

	withNew, err := New(path, newKey)
	require.NoError(t, err)
	after, err := withNew.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	withOld, err := New(path, oldKey)
	require.NoError(t, err)
	assert.ErrorIs(t, withOld.Load(ctx), ErrIntegrity)
}

func TestRotateWithWrongOldKeyLeavesFileUntouched(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	st, err := New(path, testKey(1))
	require.NoError(t, err)
	_, err = st.Update(ctx, addAccount("u1", "a1", 10, "tok", time.Now()))
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	err = st.Rotate(ctx, testKey(3), testKey(2))
	require.ErrorIs(t, err, ErrIntegrity)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, after)

	// The store keeps writing with its original key.
	_, err = st.Update(ctx, addAccount("u2", "a2", 11, "tok2", time.Now()))
	require.NoError(t, err)
	fresh, err := New(path, testKey(1))
	require.NoError(t, err)
	require.NoError(t, fresh.Load(ctx))
}

func TestRotateMissingFile(t *testing.T) {
	err := RotateFile(context.Background(), filepath.Join(t.TempDir(), "none.enc"), testKey(1), testKey(2))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRejectsInvalidStateWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	st, err := New(path, testKey(1))
	require.NoError(t, err)
	_, err = st.Update(ctx, addAccount("u1", "a1", 10, "tok", time.Now()))
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	cases := map[string]func(*State) error{
		"dangling default": func(s *State) error {
			missing := "nope"
			s.Accounts["u1"].DefaultAccountID = &missing
			return nil
		},
		"zero team": func(s *State) error {
			s.Accounts["u1"].Accounts["a1"].TeamID = 0
			return nil
		},
		"bad status": func(s *State) error {
			s.Accounts["u1"].Accounts["a1"].Status = "paused"
			return nil
		},
		"empty jwt": func(s *State) error {
			s.Accounts["u1"].Accounts["a1"].JWT = " "
			return nil
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := st.Update(ctx, mutate)
			require.ErrorIs(t, err, ErrInvalidState)
			assert.NotContains(t, err.Error(), "tok")

			got, err := st.State(ctx)
			require.NoError(t, err)
			acc := got.Accounts["u1"].Accounts["a1"]
			assert.Equal(t, int64(10), acc.TeamID)
			assert.Equal(t, StatusActive, acc.Status)
			assert.Equal(t, "a1", *got.Accounts["u1"].DefaultAccountID)

			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, raw, after)
		})
	}
}

func TestStateReturnsDeepCopy(t *testing.T) {
	ctx := context.Background()
	st, err := New(filepath.Join(t.TempDir(), "creds.enc"), testKey(1))
	require.NoError(t, err)
	_, err = st.Update(ctx, addAccount("u1", "a1", 10, "tok", time.Now()))
	require.NoError(t, err)

	got, err := st.State(ctx)
	require.NoError(t, err)
	got.Accounts["u1"].Accounts["a1"].TeamID = 99
	delete(got.Accounts, "u1")

	again, err := st.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.Accounts["u1"].Accounts["a1"].TeamID)
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	st, err := New(path, testKey(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2", "u3", "u4"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := st.Update(ctx, addAccount(user, "acc-"+user, 5, "tok-"+user, time.Now()))
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	fresh, err := New(path, testKey(1))
	require.NoError(t, err)
	state, err := fresh.State(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Accounts, 4)
}

func TestNoncesDifferAcrossWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	st, err := New(path, testKey(1))
	require.NoError(t, err)

	nonces := map[string]bool{}
	for i := 0; i < 5; i++ {
		_, err := st.Update(ctx, func(*State) error { return nil })
		require.NoError(t, err)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		var p payload
		require.NoError(t, json.Unmarshal(raw, &p))
		nonces[p.Nonce] = true
	}
	assert.Len(t, nonces, 5)
}

func TestParseKey(t *testing.T) {
	key := testKey(7)
	for name, raw := range map[string]string{
		"base64": base64.StdEncoding.EncodeToString(key),
		"hex":    " " + hex.EncodeToString(key) + "\n",
		"utf8":   strings.Repeat("k", KeySize),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := ParseKey(raw)
			require.NoError(t, err)
			assert.Len(t, got, KeySize)
		})
	}

	got, err := ParseKey(hex.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ParseKey("")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseKey("too-short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFingerprintIsStable(t *testing.T) {
	assert.Equal(t, Fingerprint("abc"), Fingerprint("abc"))
	assert.NotEqual(t, Fingerprint("abc"), Fingerprint("abd"))
	assert.NotContains(t, Fingerprint("abc"), "abc")
}
