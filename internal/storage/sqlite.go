package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"todobot/internal/mail"
	"todobot/internal/task"
	kit "todobot/internal/transport"
	logx "todobot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("not found")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// DB is the SQLite store. It implements task.Store and mail.Store.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	// Cascade deletion of the notice ledger relies on this.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &DB{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- instants ----

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// ---- tasks ----

func (s *DB) InsertTask(ctx context.Context, t *task.Task) error {
	notify, err := json.Marshal(t.NotifyOffsets)
	if err != nil {
		return err
	}
	fired, err := json.Marshal(t.FiredOffsets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, guild_id, channel_id, title, assignee, deadline, importance, status, summary, notify_offsets, fired_offsets, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.GuildID, t.ChannelID, t.Title, t.Assignee, ms(t.Deadline),
		string(t.Importance), string(t.Status), nullStr(t.Summary), string(notify), string(fired), ms(t.CreatedAt),
	)
	return err
}

const taskColumns = `id, guild_id, channel_id, title, assignee, deadline, importance, status, summary, notify_offsets, fired_offsets, created_at`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var (
		t                  task.Task
		deadline, created  int64
		importance, status string
		summary            sql.NullString
		notify, fired      string
	)
	err := row.Scan(&t.ID, &t.GuildID, &t.ChannelID, &t.Title, &t.Assignee,
		&deadline, &importance, &status, &summary, &notify, &fired, &created)
	if err != nil {
		return nil, err
	}
	t.Deadline = fromMS(deadline)
	t.CreatedAt = fromMS(created)
	t.Importance = task.Importance(importance)
	t.Status = task.Status(status)
	t.Summary = summary.String
	if err := json.Unmarshal([]byte(notify), &t.NotifyOffsets); err != nil {
		return nil, fmt.Errorf("task %s: bad notify_offsets: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(fired), &t.FiredOffsets); err != nil {
		return nil, fmt.Errorf("task %s: bad fired_offsets: %w", t.ID, err)
	}
	return &t, nil
}

func (s *DB) ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY deadline`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) ListTasksByGuild(ctx context.Context, guildID int64) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE guild_id = ? ORDER BY deadline`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindTask resolves a full id or short prefix within one guild.
func (s *DB) FindTask(ctx context.Context, guildID int64, ref string) (*task.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE guild_id = ? AND id LIKE ? ORDER BY created_at LIMIT 1`,
		guildID, ref+"%")
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *DB) SetTaskStatus(ctx context.Context, id string, status task.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DB) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOffsetFired appends offset to the task's fired ledger inside a
// transaction. Already-fired offsets are a no-op, so a re-delivered tick
// cannot grow the ledger twice.
func (s *DB) MarkOffsetFired(ctx context.Context, id string, offset int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var notifyRaw, firedRaw string
	err = tx.QueryRowContext(ctx,
		`SELECT notify_offsets, fired_offsets FROM tasks WHERE id = ?`, id).Scan(&notifyRaw, &firedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var notify, fired []int
	if err := json.Unmarshal([]byte(notifyRaw), &notify); err != nil {
		return fmt.Errorf("task %s: bad notify_offsets: %w", id, err)
	}
	if err := json.Unmarshal([]byte(firedRaw), &fired); err != nil {
		return fmt.Errorf("task %s: bad fired_offsets: %w", id, err)
	}

	if !containsInt(notify, offset) {
		return fmt.Errorf("task %s: offset %d is not configured", id, offset)
	}
	if containsInt(fired, offset) {
		return nil
	}
	fired = append(fired, offset)
	b, err := json.Marshal(fired)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET fired_offsets = ? WHERE id = ?`, string(b), id); err != nil {
		return err
	}
	return tx.Commit()
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ---- mail connections ----

func (s *DB) UpsertConnection(ctx context.Context, c *mail.Connection) error {
	var last any
	if c.LastCheckedAt != nil {
		last = ms(*c.LastCheckedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mail_connections(id, guild_id, user_id, email, access_token, refresh_token, token_expires_at, last_checked_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(guild_id, user_id) DO UPDATE SET
		   email            = excluded.email,
		   access_token     = excluded.access_token,
		   refresh_token    = excluded.refresh_token,
		   token_expires_at = excluded.token_expires_at`,
		c.ID, c.GuildID, c.UserID, c.Email, c.AccessToken, c.RefreshToken,
		ms(c.TokenExpiresAt), last, ms(c.CreatedAt),
	)
	return err
}

const connColumns = `id, guild_id, user_id, email, access_token, refresh_token, token_expires_at, last_checked_at, created_at`

func scanConnection(row interface{ Scan(...any) error }) (*mail.Connection, error) {
	var (
		c               mail.Connection
		expires, create int64
		last            sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.GuildID, &c.UserID, &c.Email, &c.AccessToken, &c.RefreshToken,
		&expires, &last, &create)
	if err != nil {
		return nil, err
	}
	c.TokenExpiresAt = fromMS(expires)
	c.CreatedAt = fromMS(create)
	if last.Valid {
		t := fromMS(last.Int64)
		c.LastCheckedAt = &t
	}
	return &c, nil
}

func (s *DB) GetConnection(ctx context.Context, guildID, userID int64) (*mail.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connColumns+` FROM mail_connections WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *DB) DeleteConnection(ctx context.Context, guildID, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mail_connections WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DB) ListActiveConnections(ctx context.Context, now time.Time) ([]*mail.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connColumns+` FROM mail_connections WHERE token_expires_at > ? ORDER BY created_at`, ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mail.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DB) UpdateConnectionTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mail_connections SET access_token = ?, refresh_token = ?, token_expires_at = ? WHERE id = ?`,
		access, refresh, ms(expiresAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DB) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mail_connections SET last_checked_at = ? WHERE id = ?`, ms(at), id)
	return err
}

// ---- mail notice ledger ----

func (s *DB) HasNotice(ctx context.Context, connectionID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM mail_notices WHERE connection_id = ? AND message_id = ?`,
		connectionID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordNotice is the idempotent ledger write: inserting the same
// (connection, message) pair twice reports inserted=false.
func (s *DB) RecordNotice(ctx context.Context, n *mail.Notice) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mail_notices(id, connection_id, message_id, subject, sender, received_at, notified_at, delivery_chat_id, delivery_thread_id, delivery_message_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(connection_id, message_id) DO NOTHING`,
		n.ID, n.ConnectionID, n.MessageID, n.Subject, n.Sender,
		ms(n.ReceivedAt), ms(n.NotifiedAt),
		n.Delivery.ChatID, n.Delivery.ThreadID, n.Delivery.MessageID,
	)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()
	return inserted > 0, nil
}

func (s *DB) PurgeNoticesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mail_notices WHERE notified_at < ?`, ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListNotices returns the ledger for one connection, newest first.
// Used by the status command.
func (s *DB) ListNotices(ctx context.Context, connectionID string, limit int) ([]*mail.Notice, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection_id, message_id, subject, sender, received_at, notified_at, delivery_chat_id, delivery_thread_id, delivery_message_id
		 FROM mail_notices WHERE connection_id = ? ORDER BY notified_at DESC LIMIT ?`,
		connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mail.Notice
	for rows.Next() {
		var (
			n                  mail.Notice
			received, notified int64
			ref                kit.MessageRef
		)
		if err := rows.Scan(&n.ID, &n.ConnectionID, &n.MessageID, &n.Subject, &n.Sender,
			&received, &notified, &ref.ChatID, &ref.ThreadID, &ref.MessageID); err != nil {
			return nil, err
		}
		n.ReceivedAt = fromMS(received)
		n.NotifiedAt = fromMS(notified)
		n.Delivery = ref
		out = append(out, &n)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
