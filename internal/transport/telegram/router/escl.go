package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"esclbot/internal/escl/account"
	"esclbot/internal/escl/entry"
	"esclbot/internal/escl/environment"
	"esclbot/internal/storage"
	kit "esclbot/internal/transport"
	logx "esclbot/pkg/logx"
)

// Scheduler is the subset of *entry.Scheduler the commands use.
type Scheduler interface {
	ScheduleEntry(ctx context.Context, req entry.Request) (entry.Job, error)
	RunEntryImmediately(ctx context.Context, req entry.Request) (entry.Result, error)
	Cancel(jobID string) bool
	Get(jobID string) (entry.Job, bool)
	Jobs() []entry.Job
	Location() *time.Location
}

// AccountResolver picks the credential and team for an entry.
type AccountResolver interface {
	ResolveAccountForEntry(ctx context.Context, p environment.ResolveParams) (environment.Resolved, error)
}

type Accounts interface {
	RegisterAccount(ctx context.Context, in account.RegisterInput) (account.Details, bool, error)
	ListAccounts(ctx context.Context, userID string) ([]account.Summary, error)
	SetDefaultAccount(ctx context.Context, userID, accountID string) error
	RemoveAccount(ctx context.Context, userID, accountID string) (bool, int, error)
}

type Teams interface {
	Set(ctx context.Context, userID string, teamID int64) error
	Get(ctx context.Context, userID string) (int64, bool, error)
}

// ESCL implements the entry and account chat commands. Accounts and Audit
// may be nil.
type ESCL struct {
	Scheduler Scheduler
	Resolver  AccountResolver
	Accounts  Accounts
	Teams     Teams
	Audit     storage.Store
	Adapter   kit.Adapter
	Log       logx.Logger
	// AllowLegacy lets users without an account fall back to ESCL_JWT.
	AllowLegacy bool
}

func (e *ESCL) Commands() []Command {
	cmds := []Command{
		{Name: "entry", Description: "schedule an entry for the day-before window", Usage: "/entry <scrim_id> <YYYY-MM-DD> [H:MM] [--account ID] [--team ID]", Handle: e.handleEntry},
		{Name: "entrynow", Description: "submit an entry right now (single attempt)", Usage: "/entrynow <scrim_id> [YYYY-MM-DD] [--account ID] [--team ID]", Timeout: 30 * time.Second, Handle: e.handleEntryNow},
		{Name: "cancel", Description: "cancel one of your scheduled entries", Usage: "/cancel <job_id>", Handle: e.handleCancel},
		{Name: "jobs", Description: "list your scheduled entries", Usage: "/jobs", Handle: e.handleJobs},
		{Name: "setteam", Description: "set your team id for the legacy token", Usage: "/setteam <team_id>", Handle: e.handleSetTeam},
	}
	if e.Accounts != nil {
		cmds = append(cmds,
			Command{Name: "account_register", Description: "register an ESCL token (private chat only)", Usage: "/account_register <jwt> <team_id> [label]", Timeout: 30 * time.Second, Handle: e.handleAccountRegister},
			Command{Name: "accounts", Description: "list your ESCL accounts", Usage: "/accounts", Handle: e.handleAccounts},
			Command{Name: "account_default", Description: "choose the default account", Usage: "/account_default <account_id>", Handle: e.handleAccountDefault},
			Command{Name: "account_remove", Description: "remove an account", Usage: "/account_remove <account_id>", Handle: e.handleAccountRemove},
		)
	}
	if e.Audit != nil {
		cmds = append(cmds, Command{Name: "audit", Description: "show recent entry and account events", Usage: "/audit [n]", Handle: e.handleAudit})
	}
	return cmds
}

// Hooks streams job progress and the final result to chat and records the
// result in the audit store.
func (e *ESCL) Hooks(chat kit.ChatTarget, actor string) entry.Hooks {
	send := func(ctx context.Context, text string) {
		if _, err := e.Adapter.SendText(ctx, chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
			e.Log.Warn("job notification failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
		}
	}
	return entry.Hooks{
		Log: entry.LogFunc(func(ctx context.Context, msg string) { send(ctx, msg) }),
		Result: entry.ResultFunc(func(ctx context.Context, job entry.Job, res entry.Result) {
			send(ctx, FormatResult(job, res))
			e.audit(ctx, storage.AuditEntry{
				ActorID:    actor,
				Action:     storage.ActionEntryResult,
				JobID:      job.JobID,
				AccountID:  job.AccountID,
				ScrimID:    job.ScrimID,
				TeamID:     job.TeamID,
				OK:         res.OK,
				StatusCode: res.StatusCode,
				Attempts:   res.Attempts,
				Summary:    res.Summary,
				Error:      res.Detail,
			})
		}),
	}
}

// RestoredHooks notifies the creator of a restored job by direct message.
// Telegram private chat ids equal user ids.
func (e *ESCL) RestoredHooks(job entry.Job) entry.Hooks {
	id, err := strconv.ParseInt(job.CreatedBy, 10, 64)
	if err != nil || id == 0 {
		return entry.Hooks{}
	}
	return e.Hooks(kit.ChatTarget{ChatID: id}, job.CreatedBy)
}

// FormatResult renders a terminal job result for chat.
func FormatResult(job entry.Job, res entry.Result) string {
	mark := "FAILED"
	if res.OK {
		mark = "OK"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\njob %s: scrim %d, team %d", mark, res.Summary, job.JobID, job.ScrimID, job.TeamID)
	if res.StatusCode != 0 {
		fmt.Fprintf(&b, ", status %d", res.StatusCode)
	}
	fmt.Fprintf(&b, ", attempts %d", res.Attempts)
	if res.Detail != "" {
		b.WriteString("\n" + res.Detail)
	}
	return b.String()
}

type entryArgs struct {
	scrimID   int64
	date      string
	dispatch  *entry.DispatchTime
	accountID string
	teamID    int64
}

// parseEntryArgs reads "<scrim_id> [YYYY-MM-DD] [H:MM]" plus --account and
// --team. The date is required unless requireDate is false.
func parseEntryArgs(req *Request, requireDate bool) (entryArgs, error) {
	var out entryArgs
	args := req.Args
	if len(args) == 0 {
		return out, errors.New("scrim id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return out, fmt.Errorf("scrim id %q must be a positive integer", args[0])
	}
	out.scrimID = id
	args = args[1:]

	if len(args) > 0 {
		if _, _, _, err := entry.ParseEntryDate(args[0]); err != nil {
			return out, err
		}
		out.date = args[0]
		args = args[1:]
	} else if requireDate {
		return out, errors.New("entry date (YYYY-MM-DD) is required")
	}

	if len(args) > 0 {
		dt, err := entry.ParseDispatchTime(args[0])
		if err != nil {
			return out, err
		}
		out.dispatch = &dt
		args = args[1:]
	}
	if len(args) > 0 {
		return out, fmt.Errorf("unexpected argument %q", args[0])
	}

	out.accountID = strings.TrimSpace(req.Flags["account"])
	if raw, ok := req.Flags["team"]; ok {
		team, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || team <= 0 {
			return out, fmt.Errorf("team id %q must be a positive integer", raw)
		}
		out.teamID = team
	}
	return out, nil
}

func (e *ESCL) resolve(ctx context.Context, req *Request, a entryArgs) (environment.Resolved, error) {
	return e.Resolver.ResolveAccountForEntry(ctx, environment.ResolveParams{
		UserID:         req.UserID,
		AccountID:      a.accountID,
		AllowLegacy:    e.AllowLegacy,
		TeamIDOverride: a.teamID,
	})
}

func (e *ESCL) handleEntry(ctx context.Context, req *Request) error {
	a, err := parseEntryArgs(req, true)
	if err != nil {
		return err
	}
	res, err := e.resolve(ctx, req, a)
	if err != nil {
		return err
	}
	job, err := e.Scheduler.ScheduleEntry(ctx, entry.Request{
		UserID:       req.UserID,
		ScrimID:      a.scrimID,
		TeamID:       res.TeamID,
		EntryDate:    a.date,
		DispatchTime: a.dispatch,
		Account:      res.Account,
		Hooks:        e.Hooks(req.Chat, req.UserID),
	})
	if err != nil {
		return err
	}
	e.audit(ctx, storage.AuditEntry{
		ActorID:   req.UserID,
		Action:    storage.ActionEntryScheduled,
		JobID:     job.JobID,
		AccountID: job.AccountID,
		ScrimID:   job.ScrimID,
		TeamID:    job.TeamID,
		OK:        true,
	})

	var b strings.Builder
	fmt.Fprintf(&b, "scheduled job %s\nscrim %d, team %d\nfires at %s", job.JobID, job.ScrimID, job.TeamID, entry.FormatInZone(job.RunAt, e.Scheduler.Location()))
	if res.Source == environment.SourceAccount {
		fmt.Fprintf(&b, "\naccount %s", accountName(res.AccountID, res.AccountLabel))
	} else {
		b.WriteString("\nusing the shared legacy token")
	}
	req.Reply(ctx, b.String())
	return nil
}

func (e *ESCL) handleEntryNow(ctx context.Context, req *Request) error {
	a, err := parseEntryArgs(req, false)
	if err != nil {
		return err
	}
	if a.dispatch != nil {
		return errors.New("a dispatch time makes no sense for an immediate entry")
	}
	if a.date == "" {
		a.date = time.Now().In(e.Scheduler.Location()).Format("2006-01-02")
	}
	res, err := e.resolve(ctx, req, a)
	if err != nil {
		return err
	}
	// The result is delivered through the hooks.
	_, err = e.Scheduler.RunEntryImmediately(ctx, entry.Request{
		UserID:    req.UserID,
		ScrimID:   a.scrimID,
		TeamID:    res.TeamID,
		EntryDate: a.date,
		Account:   res.Account,
		Hooks:     e.Hooks(req.Chat, req.UserID),
	})
	return err
}

func (e *ESCL) handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /cancel <job_id>")
	}
	id := req.Args[0]
	job, ok := e.Scheduler.Get(id)
	if !ok || job.CreatedBy != req.UserID {
		return fmt.Errorf("no scheduled job %s", id)
	}
	if !e.Scheduler.Cancel(id) {
		return fmt.Errorf("job %s already finished", id)
	}
	e.audit(ctx, storage.AuditEntry{
		ActorID:   req.UserID,
		Action:    storage.ActionEntryCancelled,
		JobID:     job.JobID,
		AccountID: job.AccountID,
		ScrimID:   job.ScrimID,
		TeamID:    job.TeamID,
		OK:        true,
	})
	req.Reply(ctx, "cancelled job "+id)
	return nil
}

func (e *ESCL) handleJobs(ctx context.Context, req *Request) error {
	loc := e.Scheduler.Location()
	var b strings.Builder
	n := 0
	for _, job := range e.Scheduler.Jobs() {
		if job.CreatedBy != req.UserID {
			continue
		}
		n++
		fmt.Fprintf(&b, "%s  scrim %d, team %d, fires %s", job.JobID, job.ScrimID, job.TeamID, entry.FormatInZone(job.RunAt, loc))
		if job.AccountID != "" {
			fmt.Fprintf(&b, ", account %s", accountName(job.AccountID, job.AccountLabel))
		}
		b.WriteString("\n")
	}
	if n == 0 {
		req.Reply(ctx, "no scheduled entries")
		return nil
	}
	req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (e *ESCL) handleSetTeam(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /setteam <team_id>")
	}
	team, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || team <= 0 {
		return fmt.Errorf("team id %q must be a positive integer", req.Args[0])
	}
	if err := e.Teams.Set(ctx, req.UserID, team); err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("team id set to %d", team))
	return nil
}

func (e *ESCL) handleAccountRegister(ctx context.Context, req *Request) error {
	// The command text carries the token; drop it from the chat history.
	if req.Message != nil {
		if err := req.Adapter.DeleteMessage(ctx, kit.MessageRef{ChatID: req.Chat.ChatID, MessageID: req.Message.ID}); err != nil {
			req.Logger.Debug("could not delete token message", logx.Err(err))
		}
		if req.Message.IsGroup {
			return errors.New("register accounts in a private chat with the bot")
		}
	}
	if len(req.Args) < 2 {
		return errors.New("usage: /account_register <jwt> <team_id> [label]")
	}
	team, err := strconv.ParseInt(req.Args[1], 10, 64)
	if err != nil || team <= 0 {
		return fmt.Errorf("team id %q must be a positive integer", req.Args[1])
	}
	d, isDefault, err := e.Accounts.RegisterAccount(ctx, account.RegisterInput{
		UserID: req.UserID,
		JWT:    req.Args[0],
		TeamID: team,
		Label:  strings.Join(req.Args[2:], " "),
	})
	if err != nil {
		e.audit(ctx, storage.AuditEntry{ActorID: req.UserID, Action: storage.ActionAccountRegister, TeamID: team, Error: err.Error()})
		return err
	}
	e.audit(ctx, storage.AuditEntry{ActorID: req.UserID, Action: storage.ActionAccountRegister, AccountID: d.AccountID, TeamID: d.TeamID, OK: true})

	msg := fmt.Sprintf("registered account %s for team %d", accountName(d.AccountID, d.Label), d.TeamID)
	if isDefault {
		msg += " (default)"
	}
	req.Reply(ctx, msg)
	return nil
}

func (e *ESCL) handleAccounts(ctx context.Context, req *Request) error {
	list, err := e.Accounts.ListAccounts(ctx, req.UserID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		req.Reply(ctx, "no accounts registered")
		return nil
	}
	var b strings.Builder
	for _, s := range list {
		star := " "
		if s.IsDefault {
			star = "*"
		}
		fmt.Fprintf(&b, "%s <code>%s</code> %s team %d, %s",
			star, html.EscapeString(s.AccountID), html.EscapeString(s.Label), s.TeamID, s.Status)
		if s.LastFailureAt != nil {
			fmt.Fprintf(&b, ", last failure %s", s.LastFailureAt.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	req.ReplyHTML(ctx, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (e *ESCL) handleAccountDefault(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /account_default <account_id>")
	}
	if err := e.Accounts.SetDefaultAccount(ctx, req.UserID, req.Args[0]); err != nil {
		return err
	}
	e.audit(ctx, storage.AuditEntry{ActorID: req.UserID, Action: storage.ActionAccountDefault, AccountID: req.Args[0], OK: true})
	req.Reply(ctx, "default account set to "+req.Args[0])
	return nil
}

func (e *ESCL) handleAccountRemove(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /account_remove <account_id>")
	}
	removed, remaining, err := e.Accounts.RemoveAccount(ctx, req.UserID, req.Args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no account %s", req.Args[0])
	}
	e.audit(ctx, storage.AuditEntry{ActorID: req.UserID, Action: storage.ActionAccountRemove, AccountID: req.Args[0], OK: true})
	req.Reply(ctx, fmt.Sprintf("removed account %s, %d left", req.Args[0], remaining))
	return nil
}

func (e *ESCL) handleAudit(ctx context.Context, req *Request) error {
	n := 10
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("count %q must be a positive integer", req.Args[0])
		}
		n = min(v, 50)
	}
	entries, err := e.Audit.RecentAudit(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		req.Reply(ctx, "audit trail is empty")
		return nil
	}
	var b strings.Builder
	for _, a := range entries {
		status := "ok"
		if !a.OK {
			status = "failed"
		}
		fmt.Fprintf(&b, "%s %s %s by %s", a.At.UTC().Format("01-02 15:04"), a.Action, status, a.ActorID)
		if a.JobID != "" {
			fmt.Fprintf(&b, " job=%s", a.JobID)
		}
		if a.AccountID != "" {
			fmt.Fprintf(&b, " account=%s", a.AccountID)
		}
		if a.Summary != "" {
			fmt.Fprintf(&b, " (%s)", a.Summary)
		}
		b.WriteString("\n")
	}
	req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (e *ESCL) audit(ctx context.Context, a storage.AuditEntry) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.AppendAudit(context.WithoutCancel(ctx), a); err != nil {
		e.Log.Warn("audit append failed", logx.String("action", a.Action), logx.Err(err))
	}
}

func accountName(id, label string) string {
	if label == "" {
		return id
	}
	return label + " (" + id + ")"
}
