package credential

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusInvalid Status = "invalid"
	StatusRevoked Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInvalid, StatusRevoked:
		return true
	}
	return false
}

type Meta struct {
	UpdatedAt time.Time `json:"updatedAt"`
}

// State is the decrypted document: user id -> user record.
type State struct {
	Meta     Meta                   `json:"meta"`
	Accounts map[string]*UserRecord `json:"accounts"`
}

type UserRecord struct {
	DefaultAccountID *string                   `json:"defaultAccountId"`
	Accounts         map[string]*AccountRecord `json:"accounts"`
}

type AccountRecord struct {
	Label          *string    `json:"label"`
	TeamID         int64      `json:"teamId"`
	JWT            string     `json:"jwt"`
	JWTFingerprint string     `json:"jwtFingerprint"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastVerifiedAt *time.Time `json:"lastVerifiedAt"`
	LastFailureAt  *time.Time `json:"lastFailureAt"`
}

// NewState returns the empty document used when no file exists yet.
func NewState() *State {
	return &State{
		Meta:     Meta{UpdatedAt: time.Unix(0, 0).UTC()},
		Accounts: map[string]*UserRecord{},
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{Meta: s.Meta, Accounts: make(map[string]*UserRecord, len(s.Accounts))}
	for id, u := range s.Accounts {
		out.Accounts[id] = u.Clone()
	}
	return out
}

func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	out := &UserRecord{
		DefaultAccountID: cloneStr(u.DefaultAccountID),
		Accounts:         make(map[string]*AccountRecord, len(u.Accounts)),
	}
	for id, a := range u.Accounts {
		out.Accounts[id] = a.Clone()
	}
	return out
}

func (a *AccountRecord) Clone() *AccountRecord {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Label = cloneStr(a.Label)
	cp.LastVerifiedAt = cloneTime(a.LastVerifiedAt)
	cp.LastFailureAt = cloneTime(a.LastFailureAt)
	return &cp
}

// Validate enforces the document invariants. Values are never coerced.
func (s *State) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidState)
	}
	if s.Meta.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: meta.updatedAt missing", ErrInvalidState)
	}
	if s.Accounts == nil {
		return fmt.Errorf("%w: accounts missing", ErrInvalidState)
	}
	for userID, u := range s.Accounts {
		if u == nil {
			return fmt.Errorf("%w: user %s: record is null", ErrInvalidState, userID)
		}
		if u.Accounts == nil {
			return fmt.Errorf("%w: user %s: accounts missing", ErrInvalidState, userID)
		}
		for accountID, a := range u.Accounts {
			if err := a.validate(); err != nil {
				return fmt.Errorf("%w: user %s account %s: %v", ErrInvalidState, userID, accountID, err)
			}
		}
		if u.DefaultAccountID != nil {
			if _, ok := u.Accounts[*u.DefaultAccountID]; !ok {
				return fmt.Errorf("%w: user %s: defaultAccountId %s does not exist", ErrInvalidState, userID, *u.DefaultAccountID)
			}
		}
	}
	return nil
}

func (a *AccountRecord) validate() error {
	switch {
	case a == nil:
		return fmt.Errorf("record is null")
	case a.TeamID <= 0:
		return fmt.Errorf("teamId must be a positive integer")
	case strings.TrimSpace(a.JWT) == "":
		return fmt.Errorf("jwt is empty")
	case a.JWTFingerprint == "":
		return fmt.Errorf("jwtFingerprint is empty")
	case !a.Status.Valid():
		return fmt.Errorf("status %q is not one of active, invalid, revoked", a.Status)
	case a.CreatedAt.IsZero():
		return fmt.Errorf("createdAt missing")
	case a.UpdatedAt.IsZero():
		return fmt.Errorf("updatedAt missing")
	}
	return nil
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
