// Package verifier periodically re-validates every stored ESCL account
// against UserService/Me and updates its status.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"esclbot/internal/escl/account"
	"esclbot/internal/escl/apiclient"
	"esclbot/internal/escl/credential"
	logx "esclbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 6h"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Accounts is the subset of *account.Manager the verifier needs.
type Accounts interface {
	AllAccounts(ctx context.Context) ([]account.Owned, error)
	MarkActive(ctx context.Context, ref account.Ref, at time.Time) error
	MarkInvalid(ctx context.Context, ref account.Ref, at time.Time) error
}

// Report counts the outcome of one pass.
type Report struct {
	Checked     int
	Activated   int
	Invalidated int
	Skipped     int
	Failed      int
}

type Service struct {
	accounts Accounts
	validate account.Validator
	log      logx.Logger
	parser   cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	running sync.Mutex
}

func New(cfg Config, accounts Accounts, validate account.Validator, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		accounts: accounts,
		validate: validate,
		log:      log.With(logx.String("comp", "escl.verifier")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
	}
}

// Validate checks that the schedule parses.
func (s *Service) Validate(cfg Config) error {
	if _, err := s.parser.Parse(schedule(cfg)); err != nil {
		return fmt.Errorf("verifier: bad schedule %q: %w", schedule(cfg), err)
	}
	return nil
}

// Start begins periodic verification if enabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	spec := schedule(s.cfg)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("verifier: bad schedule %q: %w", spec, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, lerr := time.LoadLocation(tz); lerr == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(lerr))
		}
	}
	runCtx := context.WithoutCancel(ctx)
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.log.Warn("verification pass failed", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the config, restarting the cron when the schedule, timezone
// or enabled flag changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old == cfg {
		return nil
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// RunOnce verifies every account. Revoked accounts are skipped. A 401 marks
// the account invalid; a success for the registered team marks it active.
// Other failures are logged and leave the account untouched. Passes never
// overlap.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	s.running.Lock()
	defer s.running.Unlock()

	var rep Report
	all, err := s.accounts.AllAccounts(ctx)
	if err != nil {
		return rep, err
	}
	for _, a := range all {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if a.Status == credential.StatusRevoked {
			rep.Skipped++
			continue
		}
		rep.Checked++
		ref := account.Ref{UserID: a.UserID, AccountID: a.AccountID}
		log := s.log.With(logx.String("user_id", a.UserID), logx.String("account_id", a.AccountID), logx.String("fingerprint", a.JWTFingerprint))

		v, err := s.validate(ctx, a.JWT)
		switch {
		case errors.Is(err, apiclient.ErrUnauthorized):
			if merr := s.accounts.MarkInvalid(ctx, ref, time.Time{}); merr != nil {
				log.Error("marking account invalid failed", logx.Err(merr))
				rep.Failed++
				continue
			}
			log.Warn("account token rejected; marked invalid")
			rep.Invalidated++
		case err != nil:
			log.Warn("account verification failed", logx.Err(err))
			rep.Failed++
		case v.TeamID != a.TeamID:
			log.Warn("account token belongs to another team", logx.Int64("registered", a.TeamID), logx.Int64("reported", v.TeamID))
			rep.Failed++
		default:
			if merr := s.accounts.MarkActive(ctx, ref, time.Time{}); merr != nil {
				log.Error("marking account active failed", logx.Err(merr))
				rep.Failed++
				continue
			}
			rep.Activated++
		}
	}
	s.log.Info("verification pass finished",
		logx.Int("checked", rep.Checked),
		logx.Int("activated", rep.Activated),
		logx.Int("invalidated", rep.Invalidated),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

func schedule(cfg Config) string {
	if s := strings.TrimSpace(cfg.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}
