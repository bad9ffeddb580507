// Package router dispatches chat commands to handlers on a bounded worker
// pool.
package router

import (
	"context"
	"fmt"
	"html"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "esclbot/internal/runtime/supervisor"
	kit "esclbot/internal/transport"
	logx "esclbot/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	// UserID is FromID in decimal, the key used by the ESCL stores.
	UserID  string
	Command string

	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the chat the request came from. Send failures are
// logged.
func (r *Request) Reply(ctx context.Context, text string) {
	r.send(ctx, text, &kit.SendOptions{DisablePreview: true})
}

// ReplyHTML is Reply with HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, text string) {
	r.send(ctx, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
}

func (r *Request) send(ctx context.Context, text string, opt *kit.SendOptions) {
	if _, err := r.Adapter.SendText(ctx, r.Chat, text, opt); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter

	mu      sync.RWMutex
	cmds    map[string]*Command
	list    []Command
	allowed map[int64]struct{}

	jobs    chan func()
	workers int
}

func New(log logx.Logger, adapter kit.Adapter, allowed []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		cmds:    map[string]*Command{},
		jobs:    make(chan func(), 256),
		workers: max(runtime.NumCPU(), 2),
	}
	r.SetAllowed(allowed)
	return r
}

// SetAllowed replaces the user allowlist. Empty allows everyone. Safe to
// call during hot reload.
func (r *Router) SetAllowed(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.allowed = m
	r.mu.Unlock()
}

// SetRegistry installs the command set plus a built-in /help and pushes the
// menu to the adapter when it supports it.
func (r *Router) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			req.ReplyHTML(ctx, r.helpText())
			return nil
		},
	})

	byName := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := byName[sa]; !exists {
					byName[sa] = &cc
				}
			}
		}
		list = append(list, cc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	r.mu.Lock()
	r.cmds = byName
	r.list = list
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := make([]kit.BotCommand, 0, len(list))
		for _, c := range list {
			menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(mctx, menu); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

func (r *Router) helpText() string {
	r.mu.RLock()
	list := r.list
	r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range list {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "<code>%s</code>\n  %s\n", html.EscapeString(usage), html.EscapeString(c.Description))
	}
	return b.String()
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Commands run on a fixed worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if job := r.route(ctx, up); job != nil {
				select {
				case r.jobs <- job:
				default:
					r.reply(ctx, up.Message, "busy, try again")
				}
			}
		}
	}
}

// route resolves an update into a runnable job, or nil when there is
// nothing to run.
func (r *Router) route(ctx context.Context, up kit.Update) func() {
	msg := up.Message
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil
	}
	word := commandWord(parts[0])

	r.mu.RLock()
	cmd := r.cmds[word]
	_, allowed := r.allowed[msg.FromID]
	open := len(r.allowed) == 0
	r.mu.RUnlock()

	if !open && !allowed {
		r.log.Debug("command from unlisted user ignored", logx.Int64("from_id", msg.FromID))
		return nil
	}
	if cmd == nil {
		r.reply(ctx, msg, "unknown command, try /help")
		return nil
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Message:   msg,
		Chat:      kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:    msg.FromID,
		UserID:    strconv.FormatInt(msg.FromID, 10),
		Command:   cmd.Name,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWReplyError(),
		MWTimeout(cmd.Timeout),
	)
	return func() { _ = final(ctx, req) }
}

func (r *Router) reply(ctx context.Context, msg *kit.Message, text string) {
	if msg == nil {
		return
	}
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text, nil); err != nil {
		r.log.Warn("reply failed", logx.Err(err))
	}
}
