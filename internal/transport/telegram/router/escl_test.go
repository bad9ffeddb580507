package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"esclbot/internal/escl/account"
	"esclbot/internal/escl/credential"
	"esclbot/internal/escl/entry"
	"esclbot/internal/escl/environment"
	"esclbot/internal/storage"
	kit "esclbot/internal/transport"
	logx "esclbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentText struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentText
	deleted []kit.MessageRef
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentText{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref)
	return nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1].text
}

type fakeScheduler struct {
	loc       *time.Location
	scheduled []entry.Request
	immediate []entry.Request
	jobs      map[string]entry.Job
	err       error
}

func (s *fakeScheduler) ScheduleEntry(_ context.Context, req entry.Request) (entry.Job, error) {
	if s.err != nil {
		return entry.Job{}, s.err
	}
	s.scheduled = append(s.scheduled, req)
	runAt, err := entry.ComputeRunAt(req.EntryDate, req.DispatchTime, s.loc)
	if err != nil {
		return entry.Job{}, err
	}
	job := entry.Job{JobID: "j1", ScrimID: req.ScrimID, TeamID: req.TeamID, EntryDate: req.EntryDate, RunAt: runAt, CreatedBy: req.UserID}
	if req.Account != nil {
		job.AccountID = req.Account.AccountID
	}
	s.jobs[job.JobID] = job
	return job, nil
}

func (s *fakeScheduler) RunEntryImmediately(_ context.Context, req entry.Request) (entry.Result, error) {
	s.immediate = append(s.immediate, req)
	return entry.Result{OK: true, Attempts: 1}, nil
}

func (s *fakeScheduler) Cancel(id string) bool {
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

func (s *fakeScheduler) Get(id string) (entry.Job, bool) {
	j, ok := s.jobs[id]
	return j, ok
}

func (s *fakeScheduler) Jobs() []entry.Job {
	out := make([]entry.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *fakeScheduler) Location() *time.Location { return s.loc }

type fakeResolver struct {
	got environment.ResolveParams
	err error
}

func (r *fakeResolver) ResolveAccountForEntry(_ context.Context, p environment.ResolveParams) (environment.Resolved, error) {
	r.got = p
	if r.err != nil {
		return environment.Resolved{}, r.err
	}
	team := int64(7)
	if p.TeamIDOverride > 0 {
		team = p.TeamIDOverride
	}
	if p.AccountID == "" {
		return environment.Resolved{TeamID: team, Source: environment.SourceLegacy}, nil
	}
	return environment.Resolved{
		TeamID:       team,
		AccountID:    p.AccountID,
		AccountLabel: "main",
		Account:      &entry.AccountContext{AccountID: p.AccountID, AccountLabel: "main"},
		Source:       environment.SourceAccount,
	}, nil
}

type fakeAccounts struct {
	registered []account.RegisterInput
	removed    []string
	def        string
}

func (a *fakeAccounts) RegisterAccount(_ context.Context, in account.RegisterInput) (account.Details, bool, error) {
	a.registered = append(a.registered, in)
	return account.Details{Summary: account.Summary{AccountID: "acc-1", Label: in.Label, TeamID: in.TeamID, Status: credential.StatusActive}}, true, nil
}

func (a *fakeAccounts) ListAccounts(_ context.Context, userID string) ([]account.Summary, error) {
	if userID != "100" {
		return nil, nil
	}
	return []account.Summary{
		{AccountID: "acc-1", Label: "main", TeamID: 7, Status: credential.StatusActive, IsDefault: true},
		{AccountID: "acc-2", Label: "<alt>", TeamID: 8, Status: credential.StatusInvalid},
	}, nil
}

func (a *fakeAccounts) SetDefaultAccount(_ context.Context, _ string, accountID string) error {
	if accountID != "acc-2" {
		return errors.New("account not found")
	}
	a.def = accountID
	return nil
}

func (a *fakeAccounts) RemoveAccount(_ context.Context, _ string, accountID string) (bool, int, error) {
	a.removed = append(a.removed, accountID)
	return accountID == "acc-1", 1, nil
}

type fakeTeams struct{ set map[string]int64 }

func (t *fakeTeams) Set(_ context.Context, userID string, teamID int64) error {
	t.set[userID] = teamID
	return nil
}

func (t *fakeTeams) Get(_ context.Context, userID string) (int64, bool, error) {
	v, ok := t.set[userID]
	return v, ok, nil
}

type harness struct {
	r        *Router
	e        *ESCL
	adapter  *fakeAdapter
	sched    *fakeScheduler
	resolver *fakeResolver
	accounts *fakeAccounts
	teams    *fakeTeams
	audit    storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	audit, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	h := &harness{
		adapter:  &fakeAdapter{},
		sched:    &fakeScheduler{loc: entry.FixedZone(entry.DefaultTimezone, entry.DefaultOffsetMinutes), jobs: map[string]entry.Job{}},
		resolver: &fakeResolver{},
		accounts: &fakeAccounts{},
		teams:    &fakeTeams{set: map[string]int64{}},
		audit:    audit,
	}
	h.e = &ESCL{
		Scheduler:   h.sched,
		Resolver:    h.resolver,
		Accounts:    h.accounts,
		Teams:       h.teams,
		Audit:       audit,
		Adapter:     h.adapter,
		Log:         logx.Nop(),
		AllowLegacy: true,
	}
	h.r = New(logx.Nop(), h.adapter, nil)
	h.r.SetRegistry(context.Background(), h.e.Commands())
	return h
}

func (h *harness) send(from int64, text string) {
	h.sendIn(&kit.Message{ID: 55, ChatID: from, FromID: from, Text: text})
}

func (h *harness) sendIn(msg *kit.Message) {
	if job := h.r.route(context.Background(), kit.Update{Message: msg}); job != nil {
		job()
	}
}

func TestEntryCommandSchedules(t *testing.T) {
	h := newHarness(t)

	h.send(100, "/entry 42 2024-06-02 20:30 --account acc-1")

	require.Len(t, h.sched.scheduled, 1)
	req := h.sched.scheduled[0]
	assert.Equal(t, "100", req.UserID)
	assert.Equal(t, int64(42), req.ScrimID)
	assert.Equal(t, int64(7), req.TeamID)
	assert.Equal(t, "2024-06-02", req.EntryDate)
	require.NotNil(t, req.DispatchTime)
	assert.Equal(t, "20:30", req.DispatchTime.String())
	require.NotNil(t, req.Account)
	assert.Equal(t, "acc-1", req.Account.AccountID)
	assert.NotNil(t, req.Hooks.Result)
	assert.True(t, h.resolver.got.AllowLegacy)

	out := h.adapter.last()
	assert.Contains(t, out, "scheduled job j1")
	assert.Contains(t, out, "2024-06-01 20:30")
	assert.Contains(t, out, "main (acc-1)")

	entries, err := h.audit.RecentAudit(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.ActionEntryScheduled, entries[0].Action)
	assert.Equal(t, "j1", entries[0].JobID)
	assert.Equal(t, "100", entries[0].ActorID)
}

func TestEntryCommandTeamOverrideAndLegacy(t *testing.T) {
	h := newHarness(t)

	h.send(100, "/entry 42 2024-06-02 --team 99")

	require.Len(t, h.sched.scheduled, 1)
	assert.Equal(t, int64(99), h.sched.scheduled[0].TeamID)
	assert.Nil(t, h.sched.scheduled[0].DispatchTime)
	assert.Contains(t, h.adapter.last(), "legacy token")
}

func TestEntryCommandRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"/entry":                         "scrim id is required",
		"/entry abc 2024-06-02":          "positive integer",
		"/entry 42":                      "entry date",
		"/entry 42 2024-06-02 20:30 foo": "unexpected argument",
		"/entry 42 2024-06-02 --team x":  "team id",
	}
	for text, want := range cases {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t)
			h.send(100, text)
			assert.Empty(t, h.sched.scheduled)
			out := h.adapter.last()
			assert.True(t, strings.HasPrefix(out, "error: "), out)
			assert.Contains(t, out, want)
		})
	}
}

func TestEntryCommandSurfacesResolutionError(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = environment.ErrNoAccount

	h.send(100, "/entry 42 2024-06-02")

	assert.Empty(t, h.sched.scheduled)
	assert.Contains(t, h.adapter.last(), environment.ErrNoAccount.Error())
}

func TestEntryNowDefaultsDate(t *testing.T) {
	h := newHarness(t)

	h.send(100, "/entrynow 42")

	require.Len(t, h.sched.immediate, 1)
	req := h.sched.immediate[0]
	_, _, _, err := entry.ParseEntryDate(req.EntryDate)
	assert.NoError(t, err)
	assert.Nil(t, req.DispatchTime)

	h.send(100, "/entrynow 42 2024-06-02 20:30")
	assert.Len(t, h.sched.immediate, 1)
	assert.Contains(t, h.adapter.last(), "error:")
}

func TestCancelOnlyOwnJobs(t *testing.T) {
	h := newHarness(t)
	h.sched.jobs["other"] = entry.Job{JobID: "other", CreatedBy: "200"}
	h.sched.jobs["mine"] = entry.Job{JobID: "mine", CreatedBy: "100", ScrimID: 42}

	h.send(100, "/cancel other")
	assert.Contains(t, h.adapter.last(), "no scheduled job other")
	assert.Contains(t, h.sched.jobs, "other")

	h.send(100, "/cancel mine")
	assert.Equal(t, "cancelled job mine", h.adapter.last())
	assert.NotContains(t, h.sched.jobs, "mine")

	entries, err := h.audit.RecentAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.ActionEntryCancelled, entries[0].Action)
}

func TestJobsListsOwnJobs(t *testing.T) {
	h := newHarness(t)
	h.sched.jobs["mine"] = entry.Job{JobID: "mine", CreatedBy: "100", ScrimID: 42, TeamID: 7, AccountID: "acc-1"}
	h.sched.jobs["other"] = entry.Job{JobID: "other", CreatedBy: "200"}

	h.send(100, "/jobs")
	out := h.adapter.last()
	assert.Contains(t, out, "mine")
	assert.Contains(t, out, "account acc-1")
	assert.NotContains(t, out, "other")

	h.send(300, "/jobs")
	assert.Equal(t, "no scheduled entries", h.adapter.last())
}

func TestSetTeam(t *testing.T) {
	h := newHarness(t)

	h.send(100, "/setteam 12")
	assert.Equal(t, int64(12), h.teams.set["100"])

	h.send(100, "/setteam 0")
	assert.Contains(t, h.adapter.last(), "error:")
}

func TestAccountRegisterRefusedInGroups(t *testing.T) {
	h := newHarness(t)

	h.sendIn(&kit.Message{ID: 9, ChatID: -500, FromID: 100, IsGroup: true, Text: "/account_register secret-xyz 7"})

	assert.Empty(t, h.accounts.registered)
	require.Len(t, h.adapter.deleted, 1)
	assert.Equal(t, kit.MessageRef{ChatID: -500, MessageID: 9}, h.adapter.deleted[0])
	out := h.adapter.last()
	assert.Contains(t, out, "private chat")
	assert.NotContains(t, out, "secret-xyz")
}

func TestAccountRegisterPrivate(t *testing.T) {
	h := newHarness(t)

	h.send(100, `/account_register secret-xyz 7 "main team"`)

	require.Len(t, h.accounts.registered, 1)
	in := h.accounts.registered[0]
	assert.Equal(t, "100", in.UserID)
	assert.Equal(t, "secret-xyz", in.JWT)
	assert.Equal(t, int64(7), in.TeamID)
	assert.Equal(t, "main team", in.Label)
	assert.Len(t, h.adapter.deleted, 1)

	out := h.adapter.last()
	assert.Contains(t, out, "registered account main team (acc-1)")
	assert.Contains(t, out, "(default)")
	assert.NotContains(t, out, "secret-xyz")

	entries, err := h.audit.RecentAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.ActionAccountRegister, entries[0].Action)
	assert.Equal(t, "acc-1", entries[0].AccountID)
}

func TestAccountListDefaultRemove(t *testing.T) {
	h := newHarness(t)

	h.send(100, "/accounts")
	out := h.adapter.last()
	assert.Contains(t, out, "* <code>acc-1</code> main team 7, active")
	assert.Contains(t, out, "&lt;alt&gt;")

	h.send(200, "/accounts")
	assert.Equal(t, "no accounts registered", h.adapter.last())

	h.send(100, "/account_default acc-2")
	assert.Equal(t, "acc-2", h.accounts.def)
	h.send(100, "/account_default nope")
	assert.Contains(t, h.adapter.last(), "account not found")

	h.send(100, "/account_remove acc-1")
	assert.Equal(t, "removed account acc-1, 1 left", h.adapter.last())
	h.send(100, "/account_remove acc-9")
	assert.Contains(t, h.adapter.last(), "no account acc-9")
}

func TestAccountCommandsHiddenWithoutManager(t *testing.T) {
	e := &ESCL{}
	for _, c := range e.Commands() {
		assert.NotContains(t, c.Name, "account")
		assert.NotEqual(t, "audit", c.Name)
	}
}

func TestHooksReportResultAndAudit(t *testing.T) {
	h := newHarness(t)
	hooks := h.e.Hooks(kit.ChatTarget{ChatID: 100}, "100")
	job := entry.Job{JobID: "j9", ScrimID: 42, TeamID: 7, AccountID: "acc-1"}

	hooks.Log.Log(context.Background(), "waiting")
	assert.Equal(t, "waiting", h.adapter.last())

	hooks.Result.Result(context.Background(), job, entry.Result{OK: true, StatusCode: 201, Attempts: 2, Summary: entry.SummarySubmitted})
	out := h.adapter.last()
	assert.Contains(t, out, "[OK] entry submitted")
	assert.Contains(t, out, "status 201")
	assert.Contains(t, out, "attempts 2")

	entries, err := h.audit.RecentAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.ActionEntryResult, entries[0].Action)
	assert.True(t, entries[0].OK)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "100", entries[0].ActorID)

	h.send(100, "/audit 1")
	assert.Contains(t, h.adapter.last(), "entry.result ok by 100 job=j9")
}

func TestRestoredHooksTargetCreator(t *testing.T) {
	h := newHarness(t)

	hooks := h.e.RestoredHooks(entry.Job{JobID: "j1", CreatedBy: "100"})
	require.NotNil(t, hooks.Log)
	hooks.Log.Log(context.Background(), "restored")
	assert.Equal(t, int64(100), h.adapter.sent[0].to.ChatID)

	assert.Nil(t, h.e.RestoredHooks(entry.Job{CreatedBy: "legacy"}).Log)
}

func TestRouterAllowlistAndUnknown(t *testing.T) {
	h := newHarness(t)

	h.send(100, "/nope")
	assert.Equal(t, "unknown command, try /help", h.adapter.last())

	h.r.SetAllowed([]int64{1})
	h.send(100, "/jobs")
	assert.Equal(t, "unknown command, try /help", h.adapter.last())

	h.send(1, "/help")
	assert.Contains(t, h.adapter.last(), "/entry &lt;scrim_id&gt;")
}
