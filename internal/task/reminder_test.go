package task

import (
	"context"
	"errors"
	"testing"
	"time"

	kit "todobot/internal/transport"
	logx "todobot/pkg/logx"
)

type fakeStore struct {
	tasks   []*Task
	listErr error
	markErr error
	marks   []struct {
		id     string
		offset int
	}
}

func (f *fakeStore) ListTasksByStatus(_ context.Context, status Status) ([]*Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*Task
	for _, t := range f.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkOffsetFired(_ context.Context, id string, offset int) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, struct {
		id     string
		offset int
	}{id, offset})
	return nil
}

type fakeSink struct {
	sent    []kit.Notification
	sendErr error
}

func (f *fakeSink) Deliver(_ context.Context, _ kit.ChatTarget, n kit.Notification) (kit.MessageRef, error) {
	if f.sendErr != nil {
		return kit.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, n)
	return kit.MessageRef{MessageID: len(f.sent)}, nil
}

func newTestReminders(store *fakeStore, sink *fakeSink, now time.Time) *Reminders {
	r := NewReminders(store, sink, logx.Nop())
	r.now = func() time.Time { return now }
	return r
}

func testTask(deadline time.Time, offsets []int) *Task {
	return New(100, 100, "ship the report", "@alice", deadline, offsets)
}

func TestReminderFiresOnceAtDueInstant(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)
	tk := testTask(deadline, []int{1440, 60})

	store := &fakeStore{tasks: []*Task{tk}}
	sink := &fakeSink{}

	// exactly one day before the deadline
	r := newTestReminders(store, sink, deadline.Add(-1440*time.Minute))
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent = %d notifications, want 1", len(sink.sent))
	}
	if len(store.marks) != 1 || store.marks[0].offset != 1440 {
		t.Fatalf("marks = %+v, want one mark for offset 1440", store.marks)
	}
	if !tk.Fired(1440) {
		t.Fatal("offset 1440 not recorded on the task")
	}

	// a second tick at the same instant must not re-fire
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick error: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent = %d after second tick, want still 1", len(sink.sent))
	}
}

func TestReminderToleranceWindow(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)
	notifyAt := deadline.Add(-60 * time.Minute)

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{name: "exact", now: notifyAt, want: 1},
		{name: "29s early", now: notifyAt.Add(-29 * time.Second), want: 1},
		{name: "30s late", now: notifyAt.Add(30 * time.Second), want: 1},
		{name: "31s late", now: notifyAt.Add(31 * time.Second), want: 0},
		{name: "minutes early", now: notifyAt.Add(-5 * time.Minute), want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{tasks: []*Task{testTask(deadline, []int{60})}}
			sink := &fakeSink{}
			r := newTestReminders(store, sink, tt.now)
			if err := r.Tick(context.Background()); err != nil {
				t.Fatalf("Tick error: %v", err)
			}
			if len(sink.sent) != tt.want {
				t.Fatalf("sent = %d, want %d", len(sink.sent), tt.want)
			}
		})
	}
}

func TestReminderSkipsCompletedTasks(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)
	tk := testTask(deadline, []int{60})
	tk.Status = StatusCompleted

	store := &fakeStore{tasks: []*Task{tk}}
	sink := &fakeSink{}
	r := newTestReminders(store, sink, deadline.Add(-60*time.Minute))
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("sent = %d for completed task, want 0", len(sink.sent))
	}
}

func TestReminderDeliveryFailureNotMarked(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)
	tk := testTask(deadline, []int{60})

	store := &fakeStore{tasks: []*Task{tk}}
	sink := &fakeSink{sendErr: errors.New("network down")}
	now := deadline.Add(-60 * time.Minute)

	r := newTestReminders(store, sink, now)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if len(store.marks) != 0 {
		t.Fatalf("marks = %+v after failed delivery, want none", store.marks)
	}

	// delivery works on the next tick and the reminder fires then
	sink.sendErr = nil
	r2 := newTestReminders(store, sink, now.Add(10*time.Second))
	if err := r2.Tick(context.Background()); err != nil {
		t.Fatalf("retry Tick error: %v", err)
	}
	if len(sink.sent) != 1 || len(store.marks) != 1 {
		t.Fatalf("sent=%d marks=%d after retry, want 1 and 1", len(sink.sent), len(store.marks))
	}
}

func TestReminderOneTaskFailureDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)
	bad := testTask(deadline, []int{60})
	good := testTask(deadline, []int{60})

	store := &fakeStore{tasks: []*Task{bad, good}}
	// fail only the first delivery
	calls := 0
	sink := &flakySink{fail: func() bool { calls++; return calls == 1 }}

	r := NewReminders(store, sink, logx.Nop())
	r.now = func() time.Time { return deadline.Add(-60 * time.Minute) }
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if sink.sent != 1 {
		t.Fatalf("sent = %d, want 1 (second task still processed)", sink.sent)
	}
}

type flakySink struct {
	fail func() bool
	sent int
}

func (f *flakySink) Deliver(_ context.Context, _ kit.ChatTarget, _ kit.Notification) (kit.MessageRef, error) {
	if f.fail() {
		return kit.MessageRef{}, errors.New("boom")
	}
	f.sent++
	return kit.MessageRef{}, nil
}

func TestReminderEndToEndOffsets(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)

	offsets, err := ParseOffsets("1h 1d")
	if err != nil {
		t.Fatalf("ParseOffsets error: %v", err)
	}
	tk := testTask(deadline, offsets)
	store := &fakeStore{tasks: []*Task{tk}}
	sink := &fakeSink{}

	tickAt := func(now time.Time) {
		t.Helper()
		r := newTestReminders(store, sink, now)
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick at %v error: %v", now, err)
		}
	}

	tickAt(time.Date(2026, 3, 19, 15, 0, 0, 0, time.UTC)) // 1 day before
	if len(sink.sent) != 1 {
		t.Fatalf("after day-before tick: sent = %d, want 1", len(sink.sent))
	}
	tickAt(time.Date(2026, 3, 20, 14, 0, 0, 0, time.UTC)) // 1 hour before
	if len(sink.sent) != 2 {
		t.Fatalf("after hour-before tick: sent = %d, want 2", len(sink.sent))
	}
	tickAt(time.Date(2026, 3, 20, 15, 30, 0, 0, time.UTC)) // past deadline
	if len(sink.sent) != 2 {
		t.Fatalf("after past-deadline tick: sent = %d, want still 2", len(sink.sent))
	}
}

func TestFormatLead(t *testing.T) {
	t.Parallel()
	tests := []struct {
		minutes int
		want    string
	}{
		{1, "1 minute"},
		{30, "30 minutes"},
		{60, "1 hour"},
		{120, "2 hours"},
		{1440, "1 day"},
		{4320, "3 days"},
	}
	for _, tt := range tests {
		if got := formatLead(tt.minutes); got != tt.want {
			t.Fatalf("formatLead(%d) = %q, want %q", tt.minutes, got, tt.want)
		}
	}
}
