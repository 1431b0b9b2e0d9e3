package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id   TEXT PRIMARY KEY,
	title     TEXT NOT NULL DEFAULT '',
	chat_type TEXT NOT NULL DEFAULT 'private'
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	content     TEXT NOT NULL,
	is_from_bot INTEGER NOT NULL DEFAULT 0,
	timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp);

CREATE TABLE IF NOT EXISTS sessions (
	chat_id    TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_routing (
	chat_id   TEXT PRIMARY KEY,
	channel   TEXT NOT NULL,
	chat_type TEXT NOT NULL DEFAULT 'private'
);

CREATE TABLE IF NOT EXISTS tasks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id        TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_kind  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	next_run       TEXT,
	last_run       TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run);

CREATE TABLE IF NOT EXISTS task_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     INTEGER NOT NULL,
	chat_id     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	summary     TEXT NOT NULL
);
`

// SQLite is the canonical store implementation. Timestamps are persisted as
// RFC 3339 strings in UTC with fixed-width nanoseconds so lexical and
// chronological order agree, including within the same second.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite store at path.
func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for concurrent readers, busy timeout for writer contention.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// timeLayout pads the fractional second to nine digits. RFC3339Nano would
// drop trailing zeros, making "10:00:00Z" sort after "10:00:00.5Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertChat records or refreshes chat metadata.
func (s *SQLite) UpsertChat(chatID, title, chatType string) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (chat_id, title, chat_type) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET title = excluded.title, chat_type = excluded.chat_type`,
		chatID, title, chatType)
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}
	return nil
}

// SaveMessage inserts one message row.
func (s *SQLite) SaveMessage(m *Message) error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_id, sender_name, content, is_from_bot, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderName, m.Content, boolToInt(m.IsFromBot), encodeTime(m.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a chat in chronological
// order.
func (s *SQLite) RecentMessages(chatID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, sender_name, content, is_from_bot, timestamp FROM (
			SELECT rowid, id, chat_id, sender_name, content, is_from_bot, timestamp
			FROM messages WHERE chat_id = ? ORDER BY rowid DESC LIMIT ?
		) ORDER BY rowid ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesSinceLastBotResponse returns the user messages that arrived after
// the bot last spoke in the chat. With no bot message on record it returns
// the full user history of the chat.
func (s *SQLite) MessagesSinceLastBotResponse(chatID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, sender_name, content, is_from_bot, timestamp
		FROM messages
		WHERE chat_id = ?
		  AND is_from_bot = 0
		  AND rowid > COALESCE((SELECT MAX(rowid) FROM messages WHERE chat_id = ? AND is_from_bot = 1), 0)
		ORDER BY rowid ASC`, chatID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages since last bot response: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// NewUserMessagesSince returns user messages strictly newer than since.
func (s *SQLite) NewUserMessagesSince(chatID string, since time.Time) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, sender_name, content, is_from_bot, timestamp
		FROM messages
		WHERE chat_id = ? AND is_from_bot = 0 AND timestamp > ?
		ORDER BY rowid ASC`, chatID, encodeTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query new user messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var fromBot int
		var ts string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderName, &m.Content, &fromBot, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.IsFromBot = fromBot != 0
		m.Timestamp = decodeTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadSession returns the persisted session blob and its updated_at time.
// A missing session returns nil data and no error.
func (s *SQLite) LoadSession(chatID string) ([]byte, time.Time, error) {
	var data string
	var updatedAt string
	err := s.db.QueryRow(`SELECT data, updated_at FROM sessions WHERE chat_id = ?`, chatID).
		Scan(&data, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load session: %w", err)
	}
	return []byte(data), decodeTime(updatedAt), nil
}

// SaveSession replaces the session blob for a chat.
func (s *SQLite) SaveSession(chatID string, data []byte, updatedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (chat_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		chatID, string(data), encodeTime(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ClearSession deletes the session for a chat.
func (s *SQLite) ClearSession(chatID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// SetChatRouting stores which channel owns a chat.
func (s *SQLite) SetChatRouting(chatID, channel, chatType string) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_routing (chat_id, channel, chat_type) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET channel = excluded.channel, chat_type = excluded.chat_type`,
		chatID, channel, chatType)
	if err != nil {
		return fmt.Errorf("failed to set chat routing: %w", err)
	}
	return nil
}

// GetChatRouting returns routing for a chat; ok is false when unknown.
func (s *SQLite) GetChatRouting(chatID string) (Routing, bool, error) {
	r := Routing{ChatID: chatID}
	err := s.db.QueryRow(`SELECT channel, chat_type FROM chat_routing WHERE chat_id = ?`, chatID).
		Scan(&r.Channel, &r.ChatType)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("failed to get chat routing: %w", err)
	}
	return r, true, nil
}

// CreateTask inserts a scheduled task and returns its id.
func (s *SQLite) CreateTask(t *Task) (int64, error) {
	if t.ChatID == "" {
		return 0, fmt.Errorf("task chat id is required")
	}
	if t.Prompt == "" {
		return 0, fmt.Errorf("task prompt is required")
	}
	status := t.Status
	if status == "" {
		status = TaskActive
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO tasks (chat_id, prompt, schedule_kind, schedule_value, status, next_run, last_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ChatID, t.Prompt, t.ScheduleKind, t.ScheduleValue, status,
		encodeTimePtr(t.NextRun), encodeTimePtr(t.LastRun), encodeTime(createdAt))
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return res.LastInsertId()
}

// ListTasks returns all tasks for a chat, newest first.
func (s *SQLite) ListTasks(chatID string) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, prompt, schedule_kind, schedule_value, status, next_run, last_run, created_at
		FROM tasks WHERE chat_id = ? ORDER BY id DESC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CancelTask marks a task cancelled and clears its next run.
func (s *SQLite) CancelTask(id int64) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, next_run = NULL WHERE id = ?`, TaskCancelled, id)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("task %d not found", id)
	}
	return nil
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *SQLite) DueTasks(now time.Time) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, prompt, schedule_kind, schedule_value, status, next_run, last_run, created_at
		FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY id ASC`, TaskActive, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskAfterRun records the run time and the next occurrence. A nil
// nextRun leaves the task dormant.
func (s *SQLite) UpdateTaskAfterRun(id int64, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.db.Exec(`UPDATE tasks SET last_run = ?, next_run = ? WHERE id = ?`,
		encodeTime(lastRun), encodeTimePtr(nextRun), id)
	if err != nil {
		return fmt.Errorf("failed to update task after run: %w", err)
	}
	return nil
}

// LogTaskRun appends one task execution record.
func (s *SQLite) LogTaskRun(r *TaskRun) error {
	_, err := s.db.Exec(`
		INSERT INTO task_runs (task_id, chat_id, started_at, finished_at, duration_ms, success, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.ChatID, encodeTime(r.StartedAt), encodeTime(r.FinishedAt),
		r.DurationMs, boolToInt(r.Success), r.Summary)
	if err != nil {
		return fmt.Errorf("failed to log task run: %w", err)
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		var nextRun, lastRun sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Prompt, &t.ScheduleKind, &t.ScheduleValue,
			&t.Status, &nextRun, &lastRun, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.NextRun = decodeTimePtr(nextRun)
		t.LastRun = decodeTimePtr(lastRun)
		t.CreatedAt = decodeTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func encodeTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := decodeTime(v.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
