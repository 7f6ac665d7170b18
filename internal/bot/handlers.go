package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"todobot/internal/mail"
	"todobot/internal/storage"
	"todobot/internal/task"
	logx "todobot/pkg/logx"
)

const deadlineLayout = "2006-01-02 15:04"

// TaskStore is the slice of storage the task commands need.
type TaskStore interface {
	InsertTask(ctx context.Context, t *task.Task) error
	ListTasksByGuild(ctx context.Context, guildID int64) ([]*task.Task, error)
	FindTask(ctx context.Context, guildID int64, ref string) (*task.Task, error)
	SetTaskStatus(ctx context.Context, id string, status task.Status) error
	DeleteTask(ctx context.Context, id string) error
}

// MailStore is the slice of storage the mail commands need.
type MailStore interface {
	GetConnection(ctx context.Context, guildID, userID int64) (*mail.Connection, error)
	DeleteConnection(ctx context.Context, guildID, userID int64) error
	ListNotices(ctx context.Context, connectionID string, limit int) ([]*mail.Notice, error)
}

// Handlers owns the command implementations and their dependencies.
type Handlers struct {
	Tasks TaskStore
	Mail  MailStore
	OAuth *mail.OAuth  // nil when mail is disabled
	Poll  *mail.Poller // nil when mail is disabled

	// Loc is the timezone deadline input is interpreted in. Stored
	// instants are always UTC.
	Loc *time.Location

	Log logx.Logger
}

// Registry builds the static command list. Mail commands are included
// only when the mail subsystem is wired.
func (h *Handlers) Registry() []Command {
	cmds := []Command{
		{
			Name:        "task_add",
			Description: "create a task with a deadline",
			Usage:       `"title" YYYY-MM-DD HH:MM [--assignee @user] [--importance low|medium|high] [--notify "1h 1d"]`,
			Handle:      h.taskAdd,
		},
		{
			Name:        "task_list",
			Description: "list tasks in this chat",
			Handle:      h.taskList,
		},
		{
			Name:        "task_done",
			Description: "mark a task completed",
			Usage:       "<id>",
			Handle:      h.taskDone,
		},
		{
			Name:        "task_delete",
			Description: "delete a task",
			Usage:       "<id>",
			Handle:      h.taskDelete,
		},
	}
	if h.OAuth != nil {
		cmds = append(cmds,
			Command{
				Name:        "mail_connect",
				Description: "link your mailbox account",
				Handle:      h.mailConnect,
			},
			Command{
				Name:        "mail_status",
				Description: "show your mailbox link status",
				Handle:      h.mailStatus,
			},
			Command{
				Name:        "mail_disconnect",
				Description: "unlink your mailbox account",
				Handle:      h.mailDisconnect,
			},
			Command{
				Name:        "mail_notify",
				Description: "check your mailbox now",
				Timeout:     2 * time.Minute,
				Handle:      h.mailNotify,
			},
		)
	}
	return cmds
}

// taskAdd: /task_add "title" 2026-09-01 18:00 --notify "1h 1d"
func (h *Handlers) taskAdd(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		req.Reply(ctx, "usage: /task_add \"title\" YYYY-MM-DD HH:MM")
		return nil
	}
	title := strings.TrimSpace(req.Args[0])
	if title == "" {
		req.Reply(ctx, "title must not be empty")
		return nil
	}

	deadlineRaw := req.Args[1] + " " + req.Args[2]
	deadline, err := time.ParseInLocation(deadlineLayout, deadlineRaw, h.Loc)
	if err != nil {
		req.Reply(ctx, fmt.Sprintf("invalid deadline %q, expected YYYY-MM-DD HH:MM", deadlineRaw))
		return nil
	}
	deadline = deadline.UTC()
	if !deadline.After(time.Now().UTC()) {
		req.Reply(ctx, "deadline must be in the future")
		return nil
	}

	offsets := []int{60, 1440} // 1h and 1d lead by default
	if raw, ok := req.Flags["notify"]; ok {
		offsets, err = task.ParseOffsets(raw)
		if err != nil {
			req.Reply(ctx, err.Error())
			return nil
		}
	}

	assignee := strings.TrimSpace(req.Flags["assignee"])
	if assignee == "" && req.Msg.FromUsername != "" {
		assignee = "@" + req.Msg.FromUsername
	}

	t := task.New(req.Chat.ChatID, req.Chat.ChatID, title, assignee, deadline, offsets)
	if raw, ok := req.Flags["importance"]; ok {
		imp, valid := task.ParseImportance(raw)
		if !valid {
			req.Reply(ctx, fmt.Sprintf("invalid importance %q, expected low, medium or high", raw))
			return nil
		}
		t.Importance = imp
	}
	if s, ok := req.Flags["summary"]; ok {
		t.Summary = strings.TrimSpace(s)
	}

	if err := h.Tasks.InsertTask(ctx, t); err != nil {
		req.Reply(ctx, "could not save the task, try again")
		return fmt.Errorf("insert task: %w", err)
	}

	leads := make([]string, 0, len(t.NotifyOffsets))
	for _, o := range t.NotifyOffsets {
		leads = append(leads, task.FormatOffset(o))
	}
	req.Reply(ctx, fmt.Sprintf(
		"task %s created: %q due %s (reminders: %s)",
		t.ShortID(), t.Title,
		t.Deadline.In(h.Loc).Format(deadlineLayout),
		strings.Join(leads, ", "),
	))
	return nil
}

func (h *Handlers) taskList(ctx context.Context, req *Request) error {
	tasks, err := h.Tasks.ListTasksByGuild(ctx, req.Chat.ChatID)
	if err != nil {
		req.Reply(ctx, "could not load tasks")
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		req.Reply(ctx, "no tasks in this chat")
		return nil
	}

	var b strings.Builder
	b.WriteString("Tasks:\n")
	for _, t := range tasks {
		mark := "⏳"
		if t.Status == task.StatusCompleted {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%s %s %q due %s", mark, t.ShortID(), t.Title, t.Deadline.In(h.Loc).Format(deadlineLayout))
		if t.Assignee != "" {
			fmt.Fprintf(&b, " (%s)", t.Assignee)
		}
		b.WriteString("\n")
	}
	req.Reply(ctx, b.String())
	return nil
}

func (h *Handlers) taskDone(ctx context.Context, req *Request) error {
	t, err := h.findTask(ctx, req)
	if t == nil {
		return err
	}
	if t.Status == task.StatusCompleted {
		req.Reply(ctx, fmt.Sprintf("task %s is already completed", t.ShortID()))
		return nil
	}
	if err := h.Tasks.SetTaskStatus(ctx, t.ID, task.StatusCompleted); err != nil {
		req.Reply(ctx, "could not update the task")
		return fmt.Errorf("set status: %w", err)
	}
	req.Reply(ctx, fmt.Sprintf("task %s %q completed", t.ShortID(), t.Title))
	return nil
}

func (h *Handlers) taskDelete(ctx context.Context, req *Request) error {
	t, err := h.findTask(ctx, req)
	if t == nil {
		return err
	}
	if err := h.Tasks.DeleteTask(ctx, t.ID); err != nil {
		req.Reply(ctx, "could not delete the task")
		return fmt.Errorf("delete task: %w", err)
	}
	req.Reply(ctx, fmt.Sprintf("task %s %q deleted", t.ShortID(), t.Title))
	return nil
}

// findTask resolves the first positional arg as a task id prefix. A nil
// task means the user was already answered.
func (h *Handlers) findTask(ctx context.Context, req *Request) (*task.Task, error) {
	if len(req.Args) < 1 {
		req.Reply(ctx, "missing task id (ids are shown by /task_list)")
		return nil, nil
	}
	ref := strings.TrimSpace(req.Args[0])
	t, err := h.Tasks.FindTask(ctx, req.Chat.ChatID, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			req.Reply(ctx, fmt.Sprintf("no task matching %q", ref))
			return nil, nil
		}
		req.Reply(ctx, "could not look up the task")
		return nil, fmt.Errorf("find task: %w", err)
	}
	return t, nil
}

func (h *Handlers) mailConnect(ctx context.Context, req *Request) error {
	if c, err := h.Mail.GetConnection(ctx, req.Chat.ChatID, req.Msg.FromID); err == nil && c != nil {
		req.Reply(ctx, fmt.Sprintf("already connected as %s, /mail_disconnect first to relink", c.Email))
		return nil
	}
	state := fmt.Sprintf("%d:%d", req.Chat.ChatID, req.Msg.FromID)
	req.Reply(ctx, "open this link to authorize mailbox access:\n"+h.OAuth.AuthURL(state))
	return nil
}

func (h *Handlers) mailStatus(ctx context.Context, req *Request) error {
	c, err := h.Mail.GetConnection(ctx, req.Chat.ChatID, req.Msg.FromID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			req.Reply(ctx, "no mailbox linked, use /mail_connect")
			return nil
		}
		req.Reply(ctx, "could not load mailbox status")
		return fmt.Errorf("get connection: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "mailbox: %s\n", c.Email)
	fmt.Fprintf(&b, "token expires: %s\n", c.TokenExpiresAt.In(h.Loc).Format(deadlineLayout))
	if c.LastCheckedAt != nil {
		fmt.Fprintf(&b, "last checked: %s\n", c.LastCheckedAt.In(h.Loc).Format(deadlineLayout))
	} else {
		b.WriteString("last checked: never\n")
	}

	notices, err := h.Mail.ListNotices(ctx, c.ID, 5)
	if err == nil && len(notices) > 0 {
		b.WriteString("recent notifications:\n")
		for _, n := range notices {
			fmt.Fprintf(&b, "• %s — %s\n", n.Subject, n.ReceivedAt.In(h.Loc).Format(deadlineLayout))
		}
	}
	req.Reply(ctx, b.String())
	return nil
}

func (h *Handlers) mailDisconnect(ctx context.Context, req *Request) error {
	if err := h.Mail.DeleteConnection(ctx, req.Chat.ChatID, req.Msg.FromID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			req.Reply(ctx, "no mailbox linked")
			return nil
		}
		req.Reply(ctx, "could not unlink the mailbox")
		return fmt.Errorf("delete connection: %w", err)
	}
	req.Reply(ctx, "mailbox unlinked, stored notification history removed")
	return nil
}

// mailNotify runs one poll for the invoking user's connection only.
func (h *Handlers) mailNotify(ctx context.Context, req *Request) error {
	c, err := h.Mail.GetConnection(ctx, req.Chat.ChatID, req.Msg.FromID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			req.Reply(ctx, "no mailbox linked, use /mail_connect")
			return nil
		}
		req.Reply(ctx, "could not load the mailbox link")
		return fmt.Errorf("get connection: %w", err)
	}

	if err := h.Poll.PollConnection(ctx, c); err != nil {
		req.Reply(ctx, "mailbox check failed, see logs")
		return fmt.Errorf("poll connection: %w", err)
	}
	req.Reply(ctx, "mailbox checked")
	return nil
}

// ensure the concrete store satisfies both command-facing interfaces
var (
	_ TaskStore = (*storage.DB)(nil)
	_ MailStore = (*storage.DB)(nil)
)
