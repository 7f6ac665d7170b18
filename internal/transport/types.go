package transport

import (
	"context"
	"errors"
)

// ErrChannelUnavailable is returned by Deliver when the target chat
// cannot be resolved (bot kicked, chat deleted, bad id).
var ErrChannelUnavailable = errors.New("channel unavailable")

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a delivered message. The mail ledger stores it as
// the delivery handle so a notice can later be edited or threaded.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Color is a rendering hint for notification cards. Adapters map it to
// whatever the platform supports (Telegram: a colored marker glyph).
type Color string

const (
	ColorYellow Color = "yellow"
	ColorBlue   Color = "blue"
	ColorGreen  Color = "green"
	ColorRed    Color = "red"
)

type Field struct {
	Label string
	Value string
}

// Notification is a platform-neutral card: title, free-form body, ordered
// labeled fields, and an optional mention rendered before the card.
type Notification struct {
	Title   string
	Body    string
	Fields  []Field
	Color   Color
	Mention string
}

// Sink delivers notifications. Both schedulers depend on this interface
// only, never on the concrete adapter.
type Sink interface {
	Deliver(ctx context.Context, to ChatTarget, n Notification) (MessageRef, error)
}

type Adapter interface {
	Sink

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Ready is closed once the platform connection is established.
	// Schedulers block on it before their first tick.
	Ready() <-chan struct{}

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters can implement to
// publish the command list to the platform menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
