package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"esclbot/internal/config"
	"esclbot/internal/escl/account"
	"esclbot/internal/escl/apiclient"
	"esclbot/internal/escl/credential"
	"esclbot/internal/escl/entry"
	"esclbot/internal/escl/environment"
	"esclbot/internal/escl/jobstore"
	"esclbot/internal/escl/teamstore"
	"esclbot/internal/escl/verifier"
	"esclbot/internal/runtime/supervisor"
	"esclbot/internal/storage"
	kit "esclbot/internal/transport"
	telegram "esclbot/internal/transport/telegram/adapter"
	"esclbot/internal/transport/telegram/router"
	logx "esclbot/pkg/logx"
)

// App owns one instance of every store, manager and service.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	audit storage.Store
	jobs  *jobstore.Store
	teams *teamstore.Store
	creds *credential.Store

	accounts *auditedAccounts
	env      *environment.Environment
	sched    *entry.Scheduler
	verifier *verifier.Service

	adapter kit.Adapter
	router  *router.Router
	escl    *router.ESCL

	updates chan kit.Update
}

// NewApp loads the config at cfgPath and builds the app with a Telegram
// adapter.
func NewApp(cfgPath string, sec Secrets) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	token := sec.TelegramToken
	if token == "" {
		token = strings.TrimSpace(cfg.Telegram.Token)
	}
	bootLog := logx.NewConsole("INFO")
	ad, err := telegram.New(telegram.Config{Token: token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w (set %s)", err, config.EnvTelegramToken)
	}
	return build(cfgm, cfg, sec, ad)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, sec Secrets, ad kit.Adapter) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	var audit storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		audit = st
		log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := mapPolicy(cfg)
	if err != nil {
		return nil, err
	}
	api := apiclient.NewFactory(apiCfg)

	jobs := jobstore.New(cfg.Data.JobsFile())
	teams := teamstore.New(cfg.Data.TeamsFile(), cfg.Data.DefaultTeamID)

	var (
		creds    *credential.Store
		accounts *auditedAccounts
	)
	if sec.SecretKey != "" {
		key, err := credential.ParseKey(sec.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", config.EnvSecretKey, err)
		}
		creds, err = credential.New(cfg.Data.CredentialsFile(), key)
		if err != nil {
			return nil, err
		}
		accounts = &auditedAccounts{audit: audit, log: log}
	} else {
		log.Warn("account management disabled", logx.String("missing", config.EnvSecretKey))
	}

	envOpts := environment.Options{
		Teams:     teams,
		API:       api,
		LegacyJWT: sec.LegacyJWT,
		Log:       log,
	}
	if accounts != nil {
		envOpts.Accounts = accounts
	}
	env := environment.New(envOpts)

	var ver *verifier.Service
	if accounts != nil {
		accounts.Manager = account.NewManager(creds, env.Validator())
		ver = verifier.New(mapVerifier(cfg), accounts, env.Validator(), log)
	}

	sched := entry.New(env.APIFactory(),
		entry.WithLogger(log.With(logx.String("comp", "escl.entry"))),
		entry.WithLocation(mapLocation(cfg)),
		entry.WithPolicy(policy),
		entry.WithJobStore(jobs),
		entry.WithAuthProvider(env.AuthProvider()),
	)

	r := router.New(log, ad, cfg.Telegram.AllowedUserIDs)
	cmds := &router.ESCL{
		Scheduler:   sched,
		Resolver:    env,
		Teams:       teams,
		Audit:       audit,
		Adapter:     ad,
		Log:         log.With(logx.String("comp", "escl.commands")),
		AllowLegacy: env.HasLegacy(),
	}
	if accounts != nil {
		cmds.Accounts = accounts
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		audit:    audit,
		jobs:     jobs,
		teams:    teams,
		creds:    creds,
		accounts: accounts,
		env:      env,
		sched:    sched,
		verifier: ver,
		adapter:  ad,
		router:   r,
		escl:     cmds,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Scheduler exposes the entry scheduler.
func (a *App) Scheduler() *entry.Scheduler { return a.sched }

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if a.verifier != nil {
		return a.verifier.Validate(mapVerifier(cfg))
	}
	return nil
}

// Start loads the stores, restores persisted jobs and starts the services.
// A store that cannot be loaded is fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.jobs.Load(ctx); err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	if err := a.teams.Load(ctx); err != nil {
		return fmt.Errorf("team store: %w", err)
	}
	if a.creds != nil {
		if err := a.creds.Load(ctx); err != nil {
			return fmt.Errorf("credential store: %w", err)
		}
	}

	restored, err := a.sched.RestorePersistedJobs(a.sup.Context(), a.escl.RestoredHooks)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	a.log.Info("jobs restored", logx.Int("count", len(restored)))

	if a.verifier != nil {
		if err := a.verifier.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.router.SetRegistry(ctx, a.escl.Commands())
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("accounts", a.env.SupportsAccounts()),
		logx.Bool("legacy_token", a.env.HasLegacy()),
		logx.Bool("audit", a.audit != nil),
	)
	return nil
}

// applyConfig hot-applies logging, the retry policy, the verifier schedule
// and the allowlist. Everything else needs a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.router.SetAllowed(newCfg.Telegram.AllowedUserIDs)

	if p, err := mapPolicy(newCfg); err != nil {
		a.log.Warn("invalid entry retry config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(p)
	}
	if a.verifier != nil {
		if err := a.verifier.Apply(ctx, mapVerifier(newCfg)); err != nil {
			a.log.Warn("verifier reconfigure failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop intake first so no new jobs arrive while the scheduler drains.
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "verifier", 2*time.Second, func(c context.Context) error {
		if a.verifier != nil {
			a.verifier.Stop(c)
		}
		return nil
	})
	a.step(ctx, "scheduler", 5*time.Second, a.sched.Shutdown)
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.audit != nil {
			return a.audit.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
