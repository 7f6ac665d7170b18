package bot

import (
	"context"
	"strings"
	"time"

	kit "todobot/internal/transport"
	logx "todobot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Command is one entry of the static registry built at startup.
type Command struct {
	Name        string // telegram command word, e.g. "task_add"
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request carries everything a handler needs for one invocation.
type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	Args    []string          // positional args, quotes stripped
	Flags   map[string]string // --key value / --key=value
	Adapter kit.Adapter
	Log     logx.Logger
}

// Reply sends plain text back to the invoking chat.
func (r *Request) Reply(ctx context.Context, text string) {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		r.Log.Warn("reply failed", logx.Err(err), logx.Int64("chat_id", r.Chat.ChatID))
	}
}

// tokenize splits a command line into words, honoring single and double
// quotes so task titles with spaces survive as one token.
//
//	/task_add "ship the report" 2026-09-01 18:00
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// splitArgs separates positional arguments from --key value flags.
func splitArgs(tokens []string) (pos []string, flags map[string]string) {
	flags = map[string]string{}
	for i := 0; i < len(tokens); i++ {
		a := tokens[i]
		if strings.HasPrefix(a, "--") && len(a) > 2 {
			key := strings.TrimPrefix(a, "--")
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
				continue
			}
			if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
				flags[key] = tokens[i+1]
				i++
				continue
			}
			flags[key] = ""
			continue
		}
		pos = append(pos, a)
	}
	return pos, flags
}
