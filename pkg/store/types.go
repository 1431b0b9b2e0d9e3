package store

import "time"

// Chat types.
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Schedule kinds for tasks.
const (
	ScheduleCron = "cron"
	ScheduleOnce = "once"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCancelled = "cancelled"
)

// Message is one chat message row.
type Message struct {
	ID         string
	ChatID     string
	SenderName string
	Content    string
	IsFromBot  bool
	Timestamp  time.Time
}

// Routing describes which channel owns a chat and how the chat behaves.
type Routing struct {
	ChatID   string
	Channel  string
	ChatType string
}

// Task is a scheduled prompt bound to a chat.
type Task struct {
	ID            int64
	ChatID        string
	Prompt        string
	ScheduleKind  string
	ScheduleValue string
	Status        string
	NextRun       *time.Time
	LastRun       *time.Time
	CreatedAt     time.Time
}

// TaskRun records a single execution of a scheduled task.
type TaskRun struct {
	TaskID     int64
	ChatID     string
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
	Success    bool
	Summary    string
}
