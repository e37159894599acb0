// Package store persists groups and channel registries in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrEmptyFilter is returned by queries that need at least one predicate.
	ErrEmptyFilter = errors.New("at least one predicate is required")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs the named statements against either the database or an open
// transaction.
type Queries struct {
	q querier
}

// Store owns the database handle.
type Store struct {
	Queries
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for databases created before guild tracking.
	_, _ = db.Exec(`ALTER TABLE channels ADD COLUMN guild_id TEXT NOT NULL DEFAULT ''`)

	return &Store{Queries: Queries{q: db}, db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is an open transaction. Hooks registered with OnCommit run, in order,
// only after a successful commit.
type Tx struct {
	Queries
	tx       *sql.Tx
	onCommit []func()
}

// OnCommit registers fn to run after the transaction commits.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{Queries: Queries{q: sqlTx}, tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			slog.Warn("store: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

const channelColumns = "id, webhook, guild_id, group_id"

func scanChannel(sc interface{ Scan(...any) error }) (*ChannelRow, error) {
	var row ChannelRow
	var webhook, groupID sql.NullString
	if err := sc.Scan(&row.ID, &webhook, &row.GuildID, &groupID); err != nil {
		return nil, err
	}
	row.Webhook = webhook.String
	row.GroupID = groupID.String
	return &row, nil
}

// GetChannel returns the registry row for id.
func (q Queries) GetChannel(ctx context.Context, id string) (*ChannelRow, error) {
	row, err := scanChannel(q.q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	return row, nil
}

// UpsertChannel inserts the row or updates the existing one in place.
func (q Queries) UpsertChannel(ctx context.Context, row *ChannelRow) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO channels (id, webhook, guild_id, group_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			webhook = excluded.webhook,
			guild_id = excluded.guild_id,
			group_id = excluded.group_id`,
		row.ID, nullable(row.Webhook), row.GuildID, nullable(row.GroupID))
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", row.ID, err)
	}
	return nil
}

// DeleteChannel deletes the row and reports whether it existed.
func (q Queries) DeleteChannel(ctx context.Context, id string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete channel %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// QueryChannels returns rows matching every set predicate of f.
func (q Queries) QueryChannels(ctx context.Context, f ChannelFilter) ([]*ChannelRow, error) {
	if f.Empty() {
		return nil, ErrEmptyFilter
	}
	var where []string
	var args []any
	if f.ID != "" {
		where = append(where, "id = ?")
		args = append(args, f.ID)
	}
	if f.Webhook != "" {
		where = append(where, "webhook = ?")
		args = append(args, f.Webhook)
	}
	if f.GuildID != "" {
		where = append(where, "guild_id = ?")
		args = append(args, f.GuildID)
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Unassigned {
		where = append(where, "group_id IS NULL")
	}
	if f.Registered {
		where = append(where, "webhook IS NOT NULL")
	}

	rows, err := q.q.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []*ChannelRow
	for rows.Next() {
		row, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ChannelsOfGroup returns the registries belonging to groupID.
func (q Queries) ChannelsOfGroup(ctx context.Context, groupID string) ([]*ChannelRow, error) {
	return q.QueryChannels(ctx, ChannelFilter{GroupID: groupID})
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

const groupColumns = "id, tag, owner_id, status, locale, settings, appearances, entrance, data, bans, created_at"

func scanGroup(sc interface{ Scan(...any) error }) (*GroupRow, error) {
	var g GroupRow
	err := sc.Scan(&g.ID, &g.Tag, &g.OwnerID, &g.Status, &g.Locale, &g.Settings,
		&g.Appearances, &g.Entrance, &g.Data, &g.Bans, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup inserts a new group row.
func (q Queries) CreateGroup(ctx context.Context, g *GroupRow) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Tag, g.OwnerID, g.Status, g.Locale, g.Settings, g.Appearances, g.Entrance, g.Data, g.Bans, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create group %s: %w", g.Tag, err)
	}
	return nil
}

// UpdateGroup rewrites every mutable column of the group.
func (q Queries) UpdateGroup(ctx context.Context, g *GroupRow) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE groups SET tag = ?, owner_id = ?, status = ?, locale = ?, settings = ?,
			appearances = ?, entrance = ?, data = ?, bans = ?
		WHERE id = ?`,
		g.Tag, g.OwnerID, g.Status, g.Locale, g.Settings, g.Appearances, g.Entrance, g.Data, g.Bans, g.ID)
	if err != nil {
		return fmt.Errorf("update group %s: %w", g.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGroup deletes the group row.
func (q Queries) DeleteGroup(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	return nil
}

// GetGroup returns the group with id.
func (q Queries) GetGroup(ctx context.Context, id string) (*GroupRow, error) {
	g, err := scanGroup(q.q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	return g, nil
}

// GetGroupByTag looks a group up by tag, case-insensitively.
func (q Queries) GetGroupByTag(ctx context.Context, tag string) (*GroupRow, error) {
	g, err := scanGroup(q.q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE LOWER(tag) = LOWER(?)`, tag))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group by tag %s: %w", tag, err)
	}
	return g, nil
}

// ListGroups returns every group ordered by creation time.
func (q Queries) ListGroups(ctx context.Context) ([]*GroupRow, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*GroupRow
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
