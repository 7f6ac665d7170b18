package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

type Status string

const (
	// StatusCompleted is terminal: a completed task never fires reminders
	// again, even if some offsets were never fired.
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Task is a tracked to-do with a deadline and configured reminder offsets.
//
// NotifyOffsets is the set of lead times (minutes before the deadline) at
// which a reminder should fire, sorted descending. FiredOffsets is the
// per-task dedup ledger: a subset of NotifyOffsets that only ever grows.
type Task struct {
	ID         string
	GuildID    int64 // chat the task was created in
	ChannelID  int64 // chat thread reminders are delivered to
	Title      string
	Assignee   string
	Deadline   time.Time // UTC
	Importance Importance
	Status     Status
	Summary    string

	NotifyOffsets []int
	FiredOffsets  []int

	CreatedAt time.Time
}

func New(guildID, channelID int64, title, assignee string, deadline time.Time, offsets []int) *Task {
	return &Task{
		ID:            uuid.NewString(),
		GuildID:       guildID,
		ChannelID:     channelID,
		Title:         title,
		Assignee:      assignee,
		Deadline:      deadline.UTC(),
		Importance:    ImportanceMedium,
		Status:        StatusPending,
		NotifyOffsets: offsets,
		CreatedAt:     time.Now().UTC(),
	}
}

// ShortID is the id prefix shown in chat and accepted by commands.
func (t *Task) ShortID() string {
	if len(t.ID) <= 8 {
		return t.ID
	}
	return t.ID[:8]
}

// MatchesID reports whether ref identifies this task (full id or prefix).
func (t *Task) MatchesID(ref string) bool {
	ref = strings.ToLower(strings.TrimSpace(ref))
	return ref != "" && strings.HasPrefix(strings.ToLower(t.ID), ref)
}

// Fired reports whether the given offset is already in the fired ledger.
func (t *Task) Fired(offset int) bool {
	for _, m := range t.FiredOffsets {
		if m == offset {
			return true
		}
	}
	return false
}

func ParseImportance(s string) (Importance, bool) {
	switch Importance(strings.ToLower(strings.TrimSpace(s))) {
	case ImportanceLow:
		return ImportanceLow, true
	case ImportanceMedium:
		return ImportanceMedium, true
	case ImportanceHigh:
		return ImportanceHigh, true
	}
	return "", false
}
