package entry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "esclbot/pkg/logx"
)

const (
	DefaultMaxAttempts          = 3
	DefaultRetryInterval        = 500 * time.Millisecond
	DefaultRetryBackoffAfter429 = time.Second
)

// Policy controls retries. It can be swapped at runtime with Apply; a job
// uses the policy in effect when its attempts start.
type Policy struct {
	MaxAttempts          int
	RetryInterval        time.Duration
	RetryBackoffAfter429 time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          DefaultMaxAttempts,
		RetryInterval:        DefaultRetryInterval,
		RetryBackoffAfter429: DefaultRetryBackoffAfter429,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryInterval < 0 {
		p.RetryInterval = 0
	}
	if p.RetryBackoffAfter429 < 0 {
		p.RetryBackoffAfter429 = 0
	}
	return p
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithLocation sets the timezone entry dates are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p.normalized() }
}

func WithJobStore(st JobStore) Option {
	return func(s *Scheduler) { s.store = st }
}

func WithAuthProvider(p AuthProvider) Option {
	return func(s *Scheduler) { s.authProvider = p }
}

func WithSleep(fn SleepFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) {
		if gen != nil {
			s.newID = gen
		}
	}
}

type tracked struct {
	job    Job
	creds  *Credentials
	cancel context.CancelFunc

	// cancelled is set by Cancel; otherwise an abort means shutdown.
	cancelled bool
}

// Scheduler runs entry jobs. It is safe for concurrent use.
type Scheduler struct {
	api          APIFactory
	store        JobStore
	authProvider AuthProvider
	sleep        SleepFunc
	now          func() time.Time
	newID        func() string
	loc          *time.Location
	log          logx.Logger

	mu       sync.Mutex
	policy   Policy
	jobs     map[string]*tracked
	draining bool
	wg       sync.WaitGroup
}

func New(api APIFactory, opts ...Option) *Scheduler {
	s := &Scheduler{
		api:    api,
		sleep:  sleepCtx,
		now:    time.Now,
		newID:  randomID,
		loc:    FixedZone(DefaultTimezone, DefaultOffsetMinutes),
		policy: DefaultPolicy(),
		jobs:   map[string]*tracked{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "entry"))
	return s
}

func (s *Scheduler) Location() *time.Location { return s.loc }

// Apply swaps the retry policy for attempts that start from now on.
func (s *Scheduler) Apply(p Policy) {
	p = p.normalized()
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.log.Info("retry policy applied",
		logx.Int("max_attempts", p.MaxAttempts),
		logx.Duration("retry_interval", p.RetryInterval),
		logx.Duration("retry_backoff_429", p.RetryBackoffAfter429),
	)
}

func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// ScheduleEntry computes the fire time, persists the job and starts it.
// It returns as soon as the job is registered.
func (s *Scheduler) ScheduleEntry(ctx context.Context, req Request) (Job, error) {
	if err := validateRequest(req); err != nil {
		return Job{}, err
	}
	runAt, err := ComputeRunAt(req.EntryDate, req.DispatchTime, s.loc)
	if err != nil {
		return Job{}, err
	}

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = s.newID()
	}
	job := Job{
		JobID:        jobID,
		ScrimID:      req.ScrimID,
		TeamID:       req.TeamID,
		EntryDate:    req.EntryDate,
		DispatchTime: cloneDispatch(req.DispatchTime),
		RunAt:        runAt,
		CreatedBy:    strings.TrimSpace(req.UserID),
		CreatedAt:    s.now().UTC(),
	}
	var creds *Credentials
	if req.Account != nil {
		job.AccountID = req.Account.AccountID
		job.AccountLabel = req.Account.AccountLabel
		job.JWTFingerprint = req.Account.Fingerprint
		if req.Account.Resolver != nil {
			c := req.Account.Credentials
			creds = &c
		}
	}

	if err := s.register(ctx, job, creds, req.Hooks, true); err != nil {
		return Job{}, err
	}
	return job, nil
}

// RestorePersistedJobs re-registers every persisted job that is not already
// running. Credentials come from the AuthProvider at fire time. hooksFor may
// be nil, in which case progress and results go to the structured log.
func (s *Scheduler) RestorePersistedJobs(ctx context.Context, hooksFor func(Job) Hooks) ([]Job, error) {
	if s.store == nil {
		return nil, nil
	}
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var restored []Job
	for _, rec := range records {
		job := jobFromRecord(rec)

		s.mu.Lock()
		_, running := s.jobs[job.JobID]
		s.mu.Unlock()
		if running {
			continue
		}

		var hooks Hooks
		if hooksFor != nil {
			hooks = hooksFor(job)
		}
		if hooks.Log == nil && hooks.Result == nil {
			hooks = s.logHooks(job)
		}
		if err := s.register(ctx, job, nil, hooks, false); err != nil {
			s.log.Error("restore job failed", logx.String("job_id", job.JobID), logx.Err(err))
			continue
		}
		restored = append(restored, job)
	}
	return restored, nil
}

// RunEntryImmediately resolves credentials and makes exactly one attempt,
// returning the Result to the caller (and to req.Hooks.Result). Nothing is
// persisted.
func (s *Scheduler) RunEntryImmediately(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if _, _, _, err := ParseEntryDate(req.EntryDate); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return Result{}, ErrDraining
	}

	now := s.now().UTC()
	job := Job{
		JobID:     "now-" + s.newID(),
		ScrimID:   req.ScrimID,
		TeamID:    req.TeamID,
		EntryDate: req.EntryDate,
		RunAt:     now,
		CreatedBy: strings.TrimSpace(req.UserID),
		CreatedAt: now,
	}
	var creds *Credentials
	if req.Account != nil {
		job.AccountID = req.Account.AccountID
		job.AccountLabel = req.Account.AccountLabel
		job.JWTFingerprint = req.Account.Fingerprint
		if req.Account.Resolver != nil {
			c := req.Account.Credentials
			creds = &c
		}
	}

	r := s.newRun(job, creds, req.Hooks)
	r.logf(ctx, "dispatching immediately: scrim_id=%d team_id=%d, single attempt", job.ScrimID, job.TeamID)

	res, err := r.resolveAndExecute(ctx, 1)
	if err != nil {
		r.logf(context.WithoutCancel(ctx), "entry cancelled")
		return Result{}, err
	}
	r.report(context.WithoutCancel(ctx), res)
	return res, nil
}

// Cancel aborts a scheduled job at its next suspension point. No Result is
// reported and its record is removed. It reports whether the job was known.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	tr.cancelled = true
	tr.cancel()
	return true
}

// Get returns the metadata of a running job.
func (s *Scheduler) Get(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return tr.job, true
}

// Jobs lists running jobs ordered by RunAt, then JobID.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, tr := range s.jobs {
		out = append(out, tr.job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].RunAt.Before(out[j].RunAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

// Shutdown aborts every job and waits for all of them to exit. Records of
// aborted jobs stay persisted; jobs that reach a Result meanwhile are removed
// as usual. New jobs are refused until Shutdown returns, including when ctx
// expires first.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	for _, tr := range s.jobs {
		tr.cancel()
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.log.Info("scheduler draining", logx.Int("jobs", n))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Stragglers were already cancelled and drop out of Jobs() as they
		// exit.
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
		return fmt.Errorf("entry: shutdown: %w", ctx.Err())
	}

	s.mu.Lock()
	s.jobs = map[string]*tracked{}
	s.draining = false
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) register(ctx context.Context, job Job, creds *Credentials, hooks Hooks, persist bool) error {
	jobCtx, cancel := context.WithCancel(context.Background())
	tr := &tracked{job: job, creds: creds, cancel: cancel}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		cancel()
		return ErrDraining
	}
	if _, dup := s.jobs[job.JobID]; dup {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.JobID)
	}
	s.jobs[job.JobID] = tr
	s.wg.Add(1)
	s.mu.Unlock()

	if persist && s.store != nil {
		if err := s.store.Save(ctx, job.record()); err != nil {
			s.mu.Lock()
			delete(s.jobs, job.JobID)
			s.mu.Unlock()
			cancel()
			s.wg.Done()
			return fmt.Errorf("entry: persist job %s: %w", job.JobID, err)
		}
	}

	s.log.Info("job scheduled",
		logx.String("job_id", job.JobID),
		logx.Int64("scrim_id", job.ScrimID),
		logx.Int64("team_id", job.TeamID),
		logx.Time("run_at", job.RunAt),
		logx.String("account_id", job.AccountID),
		logx.Bool("restored", !persist),
	)

	go s.runJob(jobCtx, tr, hooks)
	return nil
}

type outcome int

const (
	outcomeResult outcome = iota
	outcomeCancelled
	outcomeAborted
)

func (s *Scheduler) runJob(ctx context.Context, tr *tracked, hooks Hooks) {
	defer s.wg.Done()

	s.mu.Lock()
	job := tr.job
	s.mu.Unlock()

	r := s.newRun(job, tr.creds, hooks)
	r.onLabel = func(label string) {
		s.mu.Lock()
		tr.job.AccountLabel = label
		s.mu.Unlock()
	}

	out := s.execute(ctx, r)
	bg := context.WithoutCancel(ctx)

	s.mu.Lock()
	if out == outcomeAborted && tr.cancelled {
		out = outcomeCancelled
	}
	s.mu.Unlock()

	switch out {
	case outcomeAborted:
		s.log.Info("job aborted by shutdown, kept for restore", logx.String("job_id", job.JobID))
	case outcomeCancelled:
		s.log.Info("job cancelled", logx.String("job_id", job.JobID))
	}

	// The record goes before the job leaves Jobs(), so an idle scheduler
	// never has stale records of finished jobs.
	if out != outcomeAborted && s.store != nil {
		if err := s.store.Remove(bg, job.JobID); err != nil {
			s.log.Error("remove persisted job failed", logx.String("job_id", job.JobID), logx.Err(err))
		}
	}

	s.mu.Lock()
	if cur, ok := s.jobs[job.JobID]; ok && cur == tr {
		delete(s.jobs, job.JobID)
	}
	s.mu.Unlock()
	tr.cancel()
}

func (s *Scheduler) execute(ctx context.Context, r *run) (out outcome) {
	bg := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprint(p)
			s.log.Error("job panicked", logx.String("job_id", r.job.JobID), logx.String("panic", msg))
			r.logf(bg, "unexpected error: %s", msg)
			r.report(bg, Result{Summary: SummaryInternalError, Detail: msg})
			out = outcomeResult
		}
	}()

	if err := r.awaitUntil(ctx); err != nil {
		r.logf(bg, "entry cancelled")
		return outcomeAborted
	}

	maxAttempts := s.Policy().MaxAttempts
	res, err := r.resolveAndExecute(ctx, maxAttempts)
	if err != nil {
		r.logf(bg, "entry cancelled")
		return outcomeAborted
	}
	r.report(bg, res)
	return outcomeResult
}

func (s *Scheduler) logHooks(job Job) Hooks {
	log := s.log.With(logx.String("job_id", job.JobID))
	return Hooks{
		Log: LogFunc(func(_ context.Context, msg string) {
			log.Info("restored job progress", logx.String("message", msg))
		}),
		Result: ResultFunc(func(_ context.Context, _ Job, res Result) {
			log.Info("restored job finished",
				logx.Bool("ok", res.OK),
				logx.Int("status", res.StatusCode),
				logx.Int("attempts", res.Attempts),
				logx.String("summary", res.Summary),
			)
		}),
	}
}

func validateRequest(req Request) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is empty", ErrInvalidInput)
	case req.ScrimID <= 0:
		return fmt.Errorf("%w: scrim id must be a positive integer", ErrInvalidInput)
	case req.TeamID <= 0:
		return fmt.Errorf("%w: team id must be a positive integer", ErrInvalidInput)
	case req.DispatchTime != nil && !req.DispatchTime.Valid():
		return fmt.Errorf("%w: dispatch time %s out of range", ErrInvalidInput, req.DispatchTime)
	}
	return nil
}

func cloneDispatch(d *DispatchTime) *DispatchTime {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func randomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
