// Package account implements the credential lifecycle on top of the
// encrypted credential store: registration, default selection, removal and
// status transitions.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"esclbot/internal/escl/credential"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput    = errors.New("account: invalid input")
	ErrValidation      = errors.New("account: token validation failed")
	ErrTeamMismatch    = errors.New("account: team id does not match the token")
	ErrAccountNotFound = errors.New("account: account not found")
)

// Store is the subset of *credential.Store the manager needs.
type Store interface {
	State(ctx context.Context) (*credential.State, error)
	Update(ctx context.Context, mutate func(*credential.State) error) (*credential.State, error)
}

// Validation is what the upstream API reports for a token.
type Validation struct {
	TeamID int64
}

// Validator checks a token against the upstream API.
type Validator func(ctx context.Context, token string) (Validation, error)

// Summary is the read projection of an account. It never carries the token.
type Summary struct {
	AccountID      string
	Label          string
	TeamID         int64
	Status         credential.Status
	IsDefault      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastVerifiedAt *time.Time
	LastFailureAt  *time.Time
	JWTFingerprint string
}

// Details is a Summary plus the raw token.
type Details struct {
	Summary
	JWT string
}

// Ref addresses one account of one user.
type Ref struct {
	UserID    string
	AccountID string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

type Manager struct {
	store    Store
	validate Validator
	now      func() time.Time
	newID    func() string
}

func NewManager(store Store, validate Validator, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		validate: validate,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

type RegisterInput struct {
	UserID string
	JWT    string
	TeamID int64
	Label  string
}

// RegisterAccount validates the token upstream, checks that it belongs to
// in.TeamID and stores it. The first account of a user becomes its default.
func (m *Manager) RegisterAccount(ctx context.Context, in RegisterInput) (Details, bool, error) {
	userID := normalizeUserID(in.UserID)
	token := strings.TrimSpace(in.JWT)
	switch {
	case userID == "":
		return Details{}, false, fmt.Errorf("%w: user id is empty", ErrInvalidInput)
	case token == "":
		return Details{}, false, fmt.Errorf("%w: token is empty", ErrInvalidInput)
	case in.TeamID <= 0:
		return Details{}, false, fmt.Errorf("%w: team id must be a positive integer", ErrInvalidInput)
	}
	if m.validate == nil {
		return Details{}, false, fmt.Errorf("%w: no validator configured", ErrValidation)
	}

	v, err := m.validate(ctx, token)
	if err != nil {
		return Details{}, false, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if v.TeamID <= 0 {
		return Details{}, false, fmt.Errorf("%w: upstream returned no team id", ErrValidation)
	}
	if v.TeamID != in.TeamID {
		return Details{}, false, fmt.Errorf("%w: declared %d, token belongs to %d", ErrTeamMismatch, in.TeamID, v.TeamID)
	}

	now := m.now().UTC()
	accountID := m.newID()
	rec := &credential.AccountRecord{
		Label:          normalizeLabel(in.Label),
		TeamID:         in.TeamID,
		JWT:            token,
		JWTFingerprint: credential.Fingerprint(token),
		Status:         credential.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastVerifiedAt: &now,
	}

	isDefault := false
	_, err = m.store.Update(ctx, func(st *credential.State) error {
		u := st.Accounts[userID]
		if u == nil {
			u = &credential.UserRecord{Accounts: map[string]*credential.AccountRecord{}}
			st.Accounts[userID] = u
		}
		isDefault = false
		u.Accounts[accountID] = rec.Clone()
		if u.DefaultAccountID == nil {
			id := accountID
			u.DefaultAccountID = &id
			isDefault = true
		}
		return nil
	})
	if err != nil {
		return Details{}, false, err
	}

	d := toDetails(accountID, rec, isDefault)
	return d, isDefault, nil
}

// ListAccounts returns the user's accounts ordered by CreatedAt, then
// AccountID.
func (m *Manager) ListAccounts(ctx context.Context, userID string) ([]Summary, error) {
	userID = normalizeUserID(userID)
	st, err := m.store.State(ctx)
	if err != nil {
		return nil, err
	}
	u := st.Accounts[userID]
	if u == nil {
		return nil, nil
	}
	ids := sortedAccountIDs(u)
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, toDetails(id, u.Accounts[id], isDefault(u, id)).Summary)
	}
	return out, nil
}

// GetAccount returns the account with its token. ok is false when it does
// not exist.
func (m *Manager) GetAccount(ctx context.Context, userID, accountID string) (Details, bool, error) {
	userID = normalizeUserID(userID)
	st, err := m.store.State(ctx)
	if err != nil {
		return Details{}, false, err
	}
	u := st.Accounts[userID]
	if u == nil {
		return Details{}, false, nil
	}
	rec := u.Accounts[accountID]
	if rec == nil {
		return Details{}, false, nil
	}
	return toDetails(accountID, rec, isDefault(u, accountID)), true, nil
}

func (m *Manager) GetDefaultAccount(ctx context.Context, userID string) (Details, bool, error) {
	userID = normalizeUserID(userID)
	st, err := m.store.State(ctx)
	if err != nil {
		return Details{}, false, err
	}
	u := st.Accounts[userID]
	if u == nil || u.DefaultAccountID == nil {
		return Details{}, false, nil
	}
	rec := u.Accounts[*u.DefaultAccountID]
	if rec == nil {
		return Details{}, false, nil
	}
	return toDetails(*u.DefaultAccountID, rec, true), true, nil
}

// RemoveAccount deletes an account. If it was the default, the earliest
// created remaining account becomes the default. Removing the last account
// deletes the user record. It reports whether anything was removed and how
// many accounts remain.
func (m *Manager) RemoveAccount(ctx context.Context, userID, accountID string) (bool, int, error) {
	userID = normalizeUserID(userID)
	removed, remaining := false, 0
	_, err := m.store.Update(ctx, func(st *credential.State) error {
		removed, remaining = false, 0
		u := st.Accounts[userID]
		if u == nil || u.Accounts[accountID] == nil {
			return nil
		}
		delete(u.Accounts, accountID)
		removed = true

		ids := sortedAccountIDs(u)
		remaining = len(ids)
		if remaining == 0 {
			delete(st.Accounts, userID)
			return nil
		}
		if u.DefaultAccountID != nil && *u.DefaultAccountID == accountID {
			next := ids[0]
			u.DefaultAccountID = &next
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return removed, remaining, nil
}

func (m *Manager) SetDefaultAccount(ctx context.Context, userID, accountID string) error {
	userID = normalizeUserID(userID)
	_, err := m.store.Update(ctx, func(st *credential.State) error {
		u := st.Accounts[userID]
		if u == nil || u.Accounts[accountID] == nil {
			return ErrAccountNotFound
		}
		id := accountID
		u.DefaultAccountID = &id
		return nil
	})
	return err
}

// MarkInvalid flags an account after an auth failure. A zero at means now.
// Unknown accounts are ignored.
func (m *Manager) MarkInvalid(ctx context.Context, ref Ref, at time.Time) error {
	if at.IsZero() {
		at = m.now()
	}
	at = at.UTC()
	_, err := m.store.Update(ctx, func(st *credential.State) error {
		rec := lookup(st, ref)
		if rec == nil {
			return nil
		}
		rec.Status = credential.StatusInvalid
		rec.UpdatedAt = at
		rec.LastFailureAt = &at
		return nil
	})
	return err
}

// MarkActive re-enables an account after a successful verification and
// clears its last failure. A zero at means now. Unknown accounts are ignored.
func (m *Manager) MarkActive(ctx context.Context, ref Ref, at time.Time) error {
	if at.IsZero() {
		at = m.now()
	}
	at = at.UTC()
	_, err := m.store.Update(ctx, func(st *credential.State) error {
		rec := lookup(st, ref)
		if rec == nil {
			return nil
		}
		rec.Status = credential.StatusActive
		rec.UpdatedAt = at
		rec.LastVerifiedAt = &at
		rec.LastFailureAt = nil
		return nil
	})
	return err
}

// Owned is one account together with its owner.
type Owned struct {
	UserID string
	Details
}

// AllAccounts lists every account of every user, ordered by user id and
// then as ListAccounts does. The periodic verifier walks it.
func (m *Manager) AllAccounts(ctx context.Context) ([]Owned, error) {
	st, err := m.store.State(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(st.Accounts))
	for id := range st.Accounts {
		users = append(users, id)
	}
	sort.Strings(users)

	var out []Owned
	for _, userID := range users {
		u := st.Accounts[userID]
		for _, id := range sortedAccountIDs(u) {
			out = append(out, Owned{UserID: userID, Details: toDetails(id, u.Accounts[id], isDefault(u, id))})
		}
	}
	return out, nil
}

func lookup(st *credential.State, ref Ref) *credential.AccountRecord {
	u := st.Accounts[normalizeUserID(ref.UserID)]
	if u == nil {
		return nil
	}
	return u.Accounts[ref.AccountID]
}

func isDefault(u *credential.UserRecord, accountID string) bool {
	return u.DefaultAccountID != nil && *u.DefaultAccountID == accountID
}

func sortedAccountIDs(u *credential.UserRecord) []string {
	ids := make([]string, 0, len(u.Accounts))
	for id := range u.Accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := u.Accounts[ids[i]], u.Accounts[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func normalizeUserID(s string) string { return strings.TrimSpace(s) }

func normalizeLabel(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func toDetails(accountID string, rec *credential.AccountRecord, def bool) Details {
	label := ""
	if rec.Label != nil {
		label = *rec.Label
	}
	return Details{
		Summary: Summary{
			AccountID:      accountID,
			Label:          label,
			TeamID:         rec.TeamID,
			Status:         rec.Status,
			IsDefault:      def,
			CreatedAt:      rec.CreatedAt,
			UpdatedAt:      rec.UpdatedAt,
			LastVerifiedAt: rec.LastVerifiedAt,
			LastFailureAt:  rec.LastFailureAt,
			JWTFingerprint: rec.JWTFingerprint,
		},
		JWT: rec.JWT,
	}
}
