// Package bot routes incoming chat commands to their handlers.
//
// The registry is static: the full command list is built once at startup
// and never mutated afterwards, so dispatch needs no locking.
package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	kit "todobot/internal/transport"
	logx "todobot/pkg/logx"
)

const defaultCommandTimeout = 30 * time.Second

type Router struct {
	registry map[string]Command
	ordered  []Command // registration order, for menu + help

	adapter kit.Adapter
	log     logx.Logger

	jobs chan func()
	wg   sync.WaitGroup
}

func NewRouter(adapter kit.Adapter, log logx.Logger, cmds []Command) *Router {
	r := &Router{
		registry: make(map[string]Command, len(cmds)+1),
		adapter:  adapter,
		log:      log,
		jobs:     make(chan func(), 64),
	}
	for _, c := range cmds {
		r.register(c)
	}
	r.register(Command{
		Name:        "help",
		Description: "show available commands",
		Handle: func(ctx context.Context, req *Request) error {
			req.Reply(ctx, r.helpText())
			return nil
		},
	})
	return r
}

func (r *Router) register(c Command) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return
	}
	if _, dup := r.registry[name]; dup {
		return
	}
	c.Name = name
	r.registry[name] = c
	r.ordered = append(r.ordered, c)
}

// MenuCommands exposes the registry in the shape the platform menu wants.
func (r *Router) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.ordered {
		b.WriteString("/")
		b.WriteString(c.Name)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(c.Usage)
		}
		b.WriteString(" — ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	return b.String()
}

// DispatchLoop consumes updates until ctx is canceled or the channel
// closes. Handlers run on a small bounded worker pool so one slow
// command does not stall the rest.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) {
	const workers = 4

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker(ctx)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("commands", len(r.registry)))

	defer func() {
		close(r.jobs)
		r.wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message != nil {
				r.route(ctx, *up.Message)
			}
		}
	}
}

func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.jobs:
			if !ok {
				return
			}
			job()
		}
	}
}

func (r *Router) route(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(tokens[0], "/"))
	// strip the @botname suffix telegram appends in groups
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	cmd, ok := r.registry[word]
	if !ok {
		// stay quiet in groups; unknown slash text is usually for another bot
		if !msg.IsGroup {
			chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
			_, _ = r.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return
	}

	pos, flags := splitArgs(tokens[1:])
	req := &Request{
		Msg:     msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Args:    pos,
		Flags:   flags,
		Adapter: r.adapter,
		Log: r.log.With(
			logx.String("cmd", cmd.Name),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
		),
	}

	select {
	case r.jobs <- func() { r.execute(ctx, cmd, req) }:
	default:
		req.Reply(ctx, "busy, try again")
	}
}

func (r *Router) execute(parent context.Context, cmd Command, req *Request) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			req.Log.Error("panic in command handler",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
			req.Reply(parent, "internal error")
		}
	}()

	if err := cmd.Handle(ctx, req); err != nil {
		req.Log.Warn("command failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	req.Log.Debug("command handled", logx.Duration("took", time.Since(start)))
}
