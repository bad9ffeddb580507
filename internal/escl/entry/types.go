package entry

import (
	"context"
	"errors"
	"time"

	"esclbot/internal/escl/apiclient"
	"esclbot/internal/escl/jobstore"
)

var (
	ErrDuplicateJob = errors.New("entry: job already registered")
	ErrDraining     = errors.New("entry: scheduler is shutting down")
	ErrInvalidDate  = errors.New("entry: invalid entry date")
	ErrInvalidInput = errors.New("entry: invalid input")
	ErrJobNotFound  = errors.New("entry: job not found")
)

// Result summaries.
const (
	SummarySubmitted         = "entry submitted"
	SummaryAlreadyRegistered = "already registered"
	SummaryUnauthorized      = "authentication failed, re-register the account"
	SummaryWindowNeverOpened = "window never opened"
	SummaryRateLimited       = "rate limit never cleared"
	SummaryFailed            = "entry failed"
	SummaryResolutionFailed  = "resolution failed"
	SummaryNoCredential      = "no credential available"
	SummaryCredentialChanged = "credential changed since scheduling"
	SummaryInternalError     = "internal error"
)

type DispatchTime = jobstore.DispatchTime

// Job is the metadata of one scheduled entry. RunAt never changes once
// computed; AccountLabel is refreshed on each credential resolution.
type Job struct {
	JobID          string
	ScrimID        int64
	TeamID         int64
	EntryDate      string
	DispatchTime   *DispatchTime
	RunAt          time.Time
	CreatedBy      string
	CreatedAt      time.Time
	AccountID      string
	AccountLabel   string
	JWTFingerprint string
}

func (j Job) record() jobstore.Record {
	return jobstore.Record{
		JobID:          j.JobID,
		ScrimID:        j.ScrimID,
		TeamID:         j.TeamID,
		EntryDate:      j.EntryDate,
		DispatchTime:   j.DispatchTime,
		RunAt:          j.RunAt,
		CreatedBy:      j.CreatedBy,
		CreatedAt:      j.CreatedAt,
		AccountID:      j.AccountID,
		JWTFingerprint: j.JWTFingerprint,
	}
}

func jobFromRecord(r jobstore.Record) Job {
	return Job{
		JobID:          r.JobID,
		ScrimID:        r.ScrimID,
		TeamID:         r.TeamID,
		EntryDate:      r.EntryDate,
		DispatchTime:   r.DispatchTime,
		RunAt:          r.RunAt,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		AccountID:      r.AccountID,
		JWTFingerprint: r.JWTFingerprint,
	}
}

// Result is the terminal outcome of a job. StatusCode is 0 when no HTTP
// status was observed.
type Result struct {
	OK         bool
	StatusCode int
	Attempts   int
	Summary    string
	Detail     string
	Payload    map[string]any
}

// LogSink receives human-readable progress lines for one job.
type LogSink interface {
	Log(ctx context.Context, msg string)
}

// ResultSink receives the terminal Result of one job. It is never called for
// a cancelled or shutdown-aborted job.
type ResultSink interface {
	Result(ctx context.Context, job Job, res Result)
}

type LogFunc func(ctx context.Context, msg string)

func (f LogFunc) Log(ctx context.Context, msg string) { f(ctx, msg) }

type ResultFunc func(ctx context.Context, job Job, res Result)

func (f ResultFunc) Result(ctx context.Context, job Job, res Result) { f(ctx, job, res) }

// Hooks are bound per job.
type Hooks struct {
	Log    LogSink
	Result ResultSink
}

// Auth is a resolved bearer credential. Token must never be logged.
type Auth struct {
	Token        string
	AccountID    string
	AccountLabel string
	Fingerprint  string
}

// Resolver returns the credential to dispatch with. A nil Auth with a nil
// error means no credential is available.
type Resolver func(ctx context.Context) (*Auth, error)

// AuthFailureFunc is told about a 401 so the account can be invalidated.
type AuthFailureFunc func(ctx context.Context, statusCode int, message string) error

// Credentials bind a resolver and its invalidation side channel.
type Credentials struct {
	Resolver      Resolver
	OnAuthFailure AuthFailureFunc
}

// AuthProvider supplies credentials for jobs that were not scheduled with
// an explicit resolver (restored jobs). A nil result means none.
type AuthProvider func(ctx context.Context, job Job) (*Credentials, error)

// AccountContext is the credential binding captured at schedule time.
type AccountContext struct {
	AccountID    string
	AccountLabel string
	Fingerprint  string
	Credentials
}

// Request describes one entry to schedule or run.
type Request struct {
	UserID       string
	ScrimID      int64
	TeamID       int64
	EntryDate    string
	DispatchTime *DispatchTime
	// JobID is generated when empty.
	JobID   string
	Account *AccountContext
	Hooks   Hooks
}

// EntryAPI is the single network operation a job performs.
type EntryAPI interface {
	CreateApplication(ctx context.Context, scrimID, teamID int64) (apiclient.Response, error)
}

// APIFactory binds an EntryAPI to a bearer token.
type APIFactory func(token string) EntryAPI

// JobStore is the subset of *jobstore.Store the scheduler needs.
type JobStore interface {
	List(ctx context.Context) ([]jobstore.Record, error)
	Save(ctx context.Context, rec jobstore.Record) error
	Remove(ctx context.Context, jobID string) error
}

// SleepFunc waits d or until ctx is done, returning ctx.Err() in the latter
// case.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
