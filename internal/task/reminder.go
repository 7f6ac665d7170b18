package task

import (
	"context"
	"fmt"
	"time"

	kit "todobot/internal/transport"
	logx "todobot/pkg/logx"
)

// Store is the slice of persistence the reminder scheduler needs.
type Store interface {
	ListTasksByStatus(ctx context.Context, status Status) ([]*Task, error)

	// MarkOffsetFired appends offset to the task's fired ledger.
	// It must be a no-op when the offset is already recorded.
	MarkOffsetFired(ctx context.Context, id string, offset int) error
}

// DefaultTolerance pairs with a 1 minute tick: a reminder is due when its
// fire instant is within this window of now, so ticks don't have to land
// exactly on the minute.
const DefaultTolerance = 30 * time.Second

// Reminders scans pending tasks every tick and fires each configured
// offset exactly once, recording it in the fired ledger after delivery.
//
// Ordering is deliberate: deliver first, persist after. A crash between
// the two can re-send one reminder on the next tick; the reverse order
// would silently lose it.
type Reminders struct {
	store Store
	sink  kit.Sink
	log   logx.Logger

	tolerance time.Duration
	now       func() time.Time
}

func NewReminders(store Store, sink kit.Sink, log logx.Logger) *Reminders {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reminders{
		store:     store,
		sink:      sink,
		log:       log,
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
}

// Tick runs one scan. Registered with the scheduler service, which
// serializes invocations and recovers panics at the job boundary.
func (r *Reminders) Tick(ctx context.Context) error {
	now := r.now().UTC()

	tasks, err := r.store.ListTasksByStatus(ctx, StatusPending)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	fired := 0
	for _, t := range tasks {
		n, err := r.checkTask(ctx, t, now)
		fired += n
		if err != nil {
			// One task's failure must not starve the rest of the scan.
			r.log.Warn("reminder delivery failed", logx.String("task", t.ShortID()), logx.Err(err))
		}
	}
	if fired > 0 {
		r.log.Info("reminders fired", logx.Int("count", fired))
	}
	return nil
}

func (r *Reminders) checkTask(ctx context.Context, t *Task, now time.Time) (int, error) {
	fired := 0
	for _, offset := range t.NotifyOffsets {
		if t.Fired(offset) {
			continue
		}
		notifyAt := t.Deadline.Add(-time.Duration(offset) * time.Minute)
		if absDuration(now.Sub(notifyAt)) > r.tolerance {
			continue
		}

		if _, err := r.sink.Deliver(ctx, kit.ChatTarget{ChatID: t.ChannelID}, r.compose(t, offset)); err != nil {
			// Not marked fired: retried on the next tick.
			return fired, err
		}
		if err := r.store.MarkOffsetFired(ctx, t.ID, offset); err != nil {
			return fired, fmt.Errorf("mark offset %d fired: %w", offset, err)
		}
		t.FiredOffsets = append(t.FiredOffsets, offset)
		fired++
	}
	return fired, nil
}

func (r *Reminders) compose(t *Task, offset int) kit.Notification {
	return kit.Notification{
		Title:   "Task reminder",
		Body:    fmt.Sprintf("%q is due in %s", t.Title, formatLead(offset)),
		Color:   kit.ColorYellow,
		Mention: t.Assignee,
		Fields: []kit.Field{
			{Label: "ID", Value: t.ShortID()},
			{Label: "Assignee", Value: t.Assignee},
			{Label: "Deadline", Value: t.Deadline.Format("2006-01-02 15:04")},
		},
	}
}

// formatLead buckets a lead time for display: days if at least a day,
// hours if at least an hour, minutes otherwise.
func formatLead(minutes int) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case minutes >= 24*60:
		return plural(minutes/(24*60), "day")
	case minutes >= 60:
		return plural(minutes/60, "hour")
	default:
		return plural(minutes, "minute")
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
