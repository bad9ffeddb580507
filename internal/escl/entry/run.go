package entry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	logx "esclbot/pkg/logx"
)

// errAborted marks a job whose context was cancelled at a suspension point.
var errAborted = errors.New("entry: aborted")

// run is the execution state of one job attempt sequence.
type run struct {
	s       *Scheduler
	job     Job
	creds   *Credentials
	hooks   Hooks
	log     logx.Logger
	onLabel func(string)
}

func (s *Scheduler) newRun(job Job, creds *Credentials, hooks Hooks) *run {
	return &run{
		s:     s,
		job:   job,
		creds: creds,
		hooks: hooks,
		log:   s.log.With(logx.String("job_id", job.JobID)),
	}
}

func (r *run) logf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.log.Debug("job progress", logx.String("message", msg))
	if r.hooks.Log == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("log hook panicked", logx.Any("panic", p))
		}
	}()
	r.hooks.Log.Log(ctx, msg)
}

func (r *run) report(ctx context.Context, res Result) {
	r.log.Info("job finished",
		logx.Bool("ok", res.OK),
		logx.Int("status", res.StatusCode),
		logx.Int("attempts", res.Attempts),
		logx.String("summary", res.Summary),
	)
	if r.hooks.Result == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("result hook panicked", logx.Any("panic", p))
		}
	}()
	r.hooks.Result.Result(ctx, r.job, res)
}

func (r *run) awaitUntil(ctx context.Context) error {
	delay := r.job.RunAt.Sub(r.s.now())
	if delay <= 0 {
		r.logf(ctx, "past due, dispatching immediately")
		return ctx.Err()
	}
	r.logf(ctx, "waiting %s until dispatch at %s", formatWait(delay), FormatInZone(r.job.RunAt, r.s.loc))
	return r.s.sleep(ctx, delay)
}

// resolveAndExecute resolves credentials and runs up to maxAttempts. The
// error is non-nil only when ctx was cancelled at a suspension point.
func (r *run) resolveAndExecute(ctx context.Context, maxAttempts int) (Result, error) {
	auth, onFail, fail := r.resolve(ctx)
	if fail != nil {
		if ctx.Err() != nil {
			return Result{}, errAborted
		}
		return *fail, nil
	}

	account := ""
	if auth.AccountLabel != "" {
		account = ", account=" + auth.AccountLabel
	} else if auth.AccountID != "" {
		account = ", account=" + auth.AccountID
	}
	r.logf(ctx, "submitting entry: scrim_id=%d team_id=%d, up to %d attempt(s)%s", r.job.ScrimID, r.job.TeamID, maxAttempts, account)

	return r.attempts(ctx, auth, onFail, maxAttempts)
}

// resolve fetches a fresh credential. fail is set when resolution short
// circuits; no network attempt is made in that case.
func (r *run) resolve(ctx context.Context) (*Auth, AuthFailureFunc, *Result) {
	failure := func(summary, detail string) *Result {
		return &Result{Summary: summary, Detail: detail}
	}

	creds := r.creds
	if creds == nil && r.s.authProvider != nil {
		provided, err := r.s.authProvider(ctx, r.job)
		if err != nil {
			r.logf(ctx, "credential lookup failed: %v", err)
			return nil, nil, failure(SummaryResolutionFailed, err.Error())
		}
		creds = provided
	}
	if creds == nil || creds.Resolver == nil {
		r.logf(ctx, "no credential available for this entry")
		return nil, nil, failure(SummaryNoCredential, "")
	}

	auth, err := creds.Resolver(ctx)
	if err != nil {
		r.logf(ctx, "credential resolution failed: %v", err)
		return nil, nil, failure(SummaryResolutionFailed, err.Error())
	}
	if auth == nil || auth.Token == "" {
		r.logf(ctx, "no credential available for this entry")
		return nil, nil, failure(SummaryNoCredential, "")
	}

	if auth.AccountLabel != "" {
		r.job.AccountLabel = auth.AccountLabel
		if r.onLabel != nil {
			r.onLabel(auth.AccountLabel)
		}
	}

	if r.job.JWTFingerprint != "" && auth.Fingerprint != "" && r.job.JWTFingerprint != auth.Fingerprint {
		r.logf(ctx, "credential changed since scheduling, entry aborted")
		return nil, nil, failure(SummaryCredentialChanged,
			fmt.Sprintf("expected=%s, actual=%s", r.job.JWTFingerprint, auth.Fingerprint))
	}
	return auth, creds.OnAuthFailure, nil
}

func (r *run) attempts(ctx context.Context, auth *Auth, onFail AuthFailureFunc, maxAttempts int) (Result, error) {
	policy := r.s.Policy()
	api := r.s.api(auth.Token)
	// The in-flight request is never interrupted; cancellation is observed
	// before and after it.
	callCtx := context.WithoutCancel(ctx)

	var (
		lastStatus  int
		lastDetail  string
		lastPayload map[string]any
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Result{}, errAborted
		}
		tag := fmt.Sprintf("[%d/%d]", attempt, maxAttempts)

		resp, err := api.CreateApplication(callCtx, r.job.ScrimID, r.job.TeamID)
		switch {
		case err != nil:
			r.logf(callCtx, "%s network error: %v", tag, err)
			lastStatus, lastDetail, lastPayload = 0, err.Error(), nil

		case resp.OK():
			r.logf(callCtx, "%s succeeded (status=%d)", tag, resp.StatusCode)
			return Result{
				OK:         true,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
				Summary:    SummarySubmitted,
				Detail:     resp.Summary(),
				Payload:    resp.Payload,
			}, nil

		case resp.StatusCode == http.StatusConflict:
			r.logf(callCtx, "%s already registered (status=409)", tag)
			return Result{
				OK:         true,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
				Summary:    SummaryAlreadyRegistered,
				Detail:     resp.Summary(),
				Payload:    resp.Payload,
			}, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if onFail != nil {
				if ferr := onFail(callCtx, resp.StatusCode, resp.Summary()); ferr != nil {
					r.log.Warn("invalidate account failed", logx.String("account_id", auth.AccountID), logx.Err(ferr))
				}
			}
			r.logf(callCtx, "%s unauthorized (status=401), the token must be re-registered", tag)
			return Result{
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
				Summary:    SummaryUnauthorized,
				Detail:     resp.Summary(),
				Payload:    resp.Payload,
			}, nil

		default:
			lastStatus, lastDetail, lastPayload = resp.StatusCode, resp.Summary(), resp.Payload
			switch resp.StatusCode {
			case http.StatusUnprocessableEntity:
				r.logf(callCtx, "%s registration window not open (status=422)", tag)
			case http.StatusTooManyRequests:
				r.logf(callCtx, "%s rate limited (status=429), backing off an extra %s", tag, policy.RetryBackoffAfter429)
				if attempt != maxAttempts {
					if err := r.s.sleep(ctx, policy.RetryBackoffAfter429); err != nil {
						return Result{}, errAborted
					}
				}
			default:
				r.logf(callCtx, "%s status=%d, retrying", tag, resp.StatusCode)
			}
		}

		if attempt != maxAttempts {
			if err := r.s.sleep(ctx, policy.RetryInterval); err != nil {
				return Result{}, errAborted
			}
		}
	}

	summary := SummaryFailed
	switch lastStatus {
	case http.StatusUnprocessableEntity:
		summary = SummaryWindowNeverOpened
	case http.StatusTooManyRequests:
		summary = SummaryRateLimited
	}
	return Result{
		StatusCode: lastStatus,
		Attempts:   maxAttempts,
		Summary:    summary,
		Detail:     lastDetail,
		Payload:    lastPayload,
	}, nil
}
