// Package environment wires the ESCL stores and the API client together:
// it decides which credential and team an entry uses, supplies credentials
// to restored jobs and validates tokens for account registration.
package environment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"esclbot/internal/escl/account"
	"esclbot/internal/escl/apiclient"
	"esclbot/internal/escl/credential"
	"esclbot/internal/escl/entry"
	logx "esclbot/pkg/logx"
)

var (
	ErrNoAccount         = errors.New("environment: no usable account")
	ErrTeamMismatch      = errors.New("environment: team id does not match the account")
	ErrLegacyUnavailable = errors.New("environment: ESCL_JWT is not set")
	ErrTeamUnknown       = errors.New("environment: team id is not registered")
	ErrAccountInactive   = errors.New("environment: account is not active")
)

// Source tells where a resolved credential came from.
type Source string

const (
	SourceAccount Source = "account"
	SourceLegacy  Source = "legacy"
)

// Accounts is the subset of *account.Manager the environment needs.
type Accounts interface {
	GetAccount(ctx context.Context, userID, accountID string) (account.Details, bool, error)
	GetDefaultAccount(ctx context.Context, userID string) (account.Details, bool, error)
	MarkInvalid(ctx context.Context, ref account.Ref, at time.Time) error
}

// Teams is the legacy team table.
type Teams interface {
	Get(ctx context.Context, userID string) (int64, bool, error)
}

// Options configure an Environment. Accounts may be nil when no secret key
// is configured; LegacyJWT may be empty.
type Options struct {
	Accounts  Accounts
	Teams     Teams
	API       *apiclient.Factory
	LegacyJWT string
	Log       logx.Logger
}

type Environment struct {
	accounts Accounts
	teams    Teams
	api      *apiclient.Factory
	legacy   string
	log      logx.Logger
}

func New(opts Options) *Environment {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	api := opts.API
	if api == nil {
		api = apiclient.NewFactory(apiclient.Config{})
	}
	return &Environment{
		accounts: opts.Accounts,
		teams:    opts.Teams,
		api:      api,
		legacy:   strings.TrimSpace(opts.LegacyJWT),
		log:      log.With(logx.String("comp", "escl.environment")),
	}
}

// SupportsAccounts reports whether account management is enabled.
func (e *Environment) SupportsAccounts() bool { return e.accounts != nil }

// HasLegacy reports whether the ESCL_JWT fallback is configured.
func (e *Environment) HasLegacy() bool { return e.legacy != "" }

// APIFactory binds the shared API client configuration to a token.
func (e *Environment) APIFactory() entry.APIFactory {
	return func(token string) entry.EntryAPI { return e.api.For(token) }
}

type ResolveParams struct {
	UserID    string
	AccountID string
	// AllowLegacy permits the ESCL_JWT fallback when the user has no account.
	AllowLegacy bool
	// TeamIDOverride is ignored unless positive.
	TeamIDOverride int64
}

type Resolved struct {
	TeamID       int64
	AccountID    string
	AccountLabel string
	Account      *entry.AccountContext
	Source       Source
}

// ResolveAccountForEntry picks the credential and team for an entry: the
// named account, else the user's default account, else (when allowed) the
// legacy token with the team from the override or the team table.
func (e *Environment) ResolveAccountForEntry(ctx context.Context, p ResolveParams) (Resolved, error) {
	override := p.TeamIDOverride
	if override < 0 {
		override = 0
	}

	if e.accounts != nil {
		var (
			d   account.Details
			ok  bool
			err error
		)
		if id := strings.TrimSpace(p.AccountID); id != "" {
			d, ok, err = e.accounts.GetAccount(ctx, p.UserID, id)
			if err != nil {
				return Resolved{}, err
			}
			if !ok {
				return Resolved{}, fmt.Errorf("%w: account %s does not exist", ErrNoAccount, id)
			}
		} else {
			d, ok, err = e.accounts.GetDefaultAccount(ctx, p.UserID)
			if err != nil {
				return Resolved{}, err
			}
		}
		if ok {
			if d.Status != credential.StatusActive {
				return Resolved{}, fmt.Errorf("%w: account %s is %s", ErrAccountInactive, d.AccountID, d.Status)
			}
			if override > 0 && override != d.TeamID {
				return Resolved{}, fmt.Errorf("%w: account %s is registered for team %d", ErrTeamMismatch, d.AccountID, d.TeamID)
			}
			return Resolved{
				TeamID:       d.TeamID,
				AccountID:    d.AccountID,
				AccountLabel: d.Label,
				Account:      e.accountContext(p.UserID, d),
				Source:       SourceAccount,
			}, nil
		}
		if !p.AllowLegacy {
			return Resolved{}, fmt.Errorf("%w: register an account first", ErrNoAccount)
		}
	}

	if e.legacy == "" {
		return Resolved{}, ErrLegacyUnavailable
	}
	team := override
	if team == 0 && e.teams != nil {
		v, ok, err := e.teams.Get(ctx, p.UserID)
		if err != nil {
			return Resolved{}, err
		}
		if ok {
			team = v
		}
	}
	if team == 0 {
		return Resolved{}, ErrTeamUnknown
	}
	return Resolved{
		TeamID: team,
		Account: &entry.AccountContext{
			Credentials: entry.Credentials{Resolver: e.legacyResolver()},
		},
		Source: SourceLegacy,
	}, nil
}

// AuthProvider supplies credentials to restored jobs: account-bound jobs
// resolve their account, the rest fall back to the legacy token.
func (e *Environment) AuthProvider() entry.AuthProvider {
	return func(ctx context.Context, job entry.Job) (*entry.Credentials, error) {
		if job.AccountID != "" {
			if e.accounts == nil {
				return nil, nil
			}
			ref := account.Ref{UserID: job.CreatedBy, AccountID: job.AccountID}
			return &entry.Credentials{
				Resolver:      e.accountResolver(ref),
				OnAuthFailure: e.onAuthFailure(ref),
			}, nil
		}
		if e.legacy == "" {
			return nil, nil
		}
		return &entry.Credentials{Resolver: e.legacyResolver()}, nil
	}
}

func (e *Environment) accountContext(userID string, d account.Details) *entry.AccountContext {
	ref := account.Ref{UserID: userID, AccountID: d.AccountID}
	return &entry.AccountContext{
		AccountID:    d.AccountID,
		AccountLabel: d.Label,
		Fingerprint:  d.JWTFingerprint,
		Credentials: entry.Credentials{
			Resolver:      e.accountResolver(ref),
			OnAuthFailure: e.onAuthFailure(ref),
		},
	}
}

// accountResolver re-reads the account at fire time. Accounts that are not
// active are refused, so siblings of a job that hit a 401 fail without a
// network attempt.
func (e *Environment) accountResolver(ref account.Ref) entry.Resolver {
	return func(ctx context.Context) (*entry.Auth, error) {
		d, ok, err := e.accounts.GetAccount(ctx, ref.UserID, ref.AccountID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: account %s was removed", ErrNoAccount, ref.AccountID)
		}
		if d.Status != credential.StatusActive {
			return nil, fmt.Errorf("%w: account %s is %s", ErrAccountInactive, ref.AccountID, d.Status)
		}
		return &entry.Auth{
			Token:        d.JWT,
			AccountID:    d.AccountID,
			AccountLabel: d.Label,
			Fingerprint:  d.JWTFingerprint,
		}, nil
	}
}

func (e *Environment) onAuthFailure(ref account.Ref) entry.AuthFailureFunc {
	return func(ctx context.Context, status int, msg string) error {
		if err := e.accounts.MarkInvalid(ctx, ref, time.Time{}); err != nil {
			e.log.Error("marking account invalid failed",
				logx.String("user_id", ref.UserID),
				logx.String("account_id", ref.AccountID),
				logx.Err(err),
			)
			return err
		}
		e.log.Warn("account marked invalid",
			logx.String("user_id", ref.UserID),
			logx.String("account_id", ref.AccountID),
			logx.Int("status", status),
			logx.String("message", msg),
		)
		return nil
	}
}

func (e *Environment) legacyResolver() entry.Resolver {
	token := e.legacy
	return func(context.Context) (*entry.Auth, error) {
		return &entry.Auth{Token: token}, nil
	}
}

// Validator checks a token with UserService/Me and reports its team.
func (e *Environment) Validator() account.Validator {
	return func(ctx context.Context, token string) (account.Validation, error) {
		resp, err := e.api.For(token).Me(ctx)
		if err != nil {
			return account.Validation{}, err
		}
		if !resp.OK() {
			return account.Validation{}, fmt.Errorf("UserService/Me returned status %d: %w", resp.StatusCode, resp.Err())
		}
		team, ok := apiclient.TeamID(resp.Payload)
		if !ok {
			return account.Validation{}, errors.New("UserService/Me reply carries no team id")
		}
		return account.Validation{TeamID: team}, nil
	}
}
