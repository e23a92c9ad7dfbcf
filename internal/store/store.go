// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trafficwatch/internal/model"

	_ "modernc.org/sqlite"
)

// Settings keys shared with the engine and the command front end.
const (
	KeyAlertsOn        = "alerts_on"
	KeySummaryInterval = "summary_interval"
	KeyTailOffset      = "tail_offset"
	KeyArchivedID      = "archived_through_id"
	KeyArchivedAt      = "archived_until"
)

// ErrInvalidEvent rejects events that would break the store invariants
// (empty domain or inbound tag).
var ErrInvalidEvent = errors.New("event has empty domain or inbound tag")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	observed_at     TEXT    NOT NULL,
	client_ip       TEXT    NOT NULL,
	client_port     INTEGER NOT NULL,
	protocol        TEXT    NOT NULL,
	domain          TEXT    NOT NULL,
	dest_port       INTEGER NOT NULL DEFAULT 0,
	inbound_tag     TEXT    NOT NULL,
	client_identity TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_observed_at ON events (observed_at);

CREATE TABLE IF NOT EXISTS watchlist (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	domain TEXT NOT NULL UNIQUE COLLATE NOCASE
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store
// ------------------------------------------------------------
// The only owner of durable state: the append-only events table,
// the watchlist and the settings table, all in one SQLite file.
//
// Two handles share the file:
//   - db, one connection: every write goes through it, so appends from
//     the ingestion path are applied one at a time
//   - rdb, a small query_only pool: every read. Under WAL a reader works
//     on a snapshot and never waits for the writer, so a long digest or
//     export scan cannot hold up Append
//
// Each read statement is its own transaction and sees a consistent
// snapshot; watchlist mutations are single statements, never half-applied.
// WAL + synchronous=FULL makes a committed append survive a crash.
type Store struct {
	db  *sql.DB
	rdb *sql.DB
}

const readConns = 4

// Open creates (if absent) and opens the database at path,
// applies the schema and inserts default settings.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(ctx, path,
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(FULL)",
	)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}

	// journal_mode is persistent, so readers opened after the writer are in WAL too
	rdb, err := openDB(ctx, path,
		"_pragma=busy_timeout(5000)",
		"_pragma=query_only(1)",
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	rdb.SetMaxOpenConns(readConns)
	rdb.SetMaxIdleConns(readConns)

	s := &Store{db: db, rdb: rdb}
	if err := s.EnsureDefaults(ctx, map[string]string{KeyAlertsOn: "1"}); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openDB(ctx context.Context, path string, pragmas ...string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?"+strings.Join(pragmas, "&"))
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap("ping", err)
	}
	return db, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	return errors.Join(s.rdb.Close(), s.db.Close())
}

// EnsureDefaults inserts each setting only if it has no value yet.
func (s *Store) EnsureDefaults(ctx context.Context, defaults map[string]string) error {
	for k, v := range defaults {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, k, v)
		if err != nil {
			return wrap("ensure_defaults", err)
		}
	}
	return nil
}

// ------------------------------------------------------------
// Events
// ------------------------------------------------------------

// Append stores one event. The row is committed when Append returns nil.
// There is no idempotency key: appending the same event twice stores two rows.
func (s *Store) Append(ctx context.Context, ev model.ConnectionEvent) error {
	return s.AppendWithCursor(ctx, ev, -1)
}

// AppendWithCursor stores ev and, when cursor >= 0, the tail cursor
// (settings.tail_offset) in the same transaction: one commit, and the
// cursor can never get ahead of the events it covers.
func (s *Store) AppendWithCursor(ctx context.Context, ev model.ConnectionEvent, cursor int64) error {
	if ev.Domain == "" || ev.InboundTag == "" {
		return &Error{Op: "append", Kind: Fatal, Err: ErrInvalidEvent}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events
			(observed_at, client_ip, client_port, protocol, domain, dest_port, inbound_tag, client_identity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ObservedAt, ev.ClientIP, ev.ClientPort, string(ev.Protocol),
		ev.Domain, ev.DestPort, ev.InboundTag, ev.ClientIdentity,
	); err != nil {
		return wrap("append", err)
	}
	if cursor >= 0 {
		if _, err := tx.ExecContext(ctx, upsertSetting, KeyTailOffset, strconv.FormatInt(cursor, 10)); err != nil {
			return wrap("append", err)
		}
	}
	return wrap("append", tx.Commit())
}

// QueryRecent returns events observed at or after since, oldest first.
//
// observed_at is fixed-width "YYYY/MM/DD HH:MM:SS[.ffffff]" text, so a
// lexicographic comparison against since rendered the same way is a
// chronological one.
func (s *Store) QueryRecent(ctx context.Context, since time.Time) ([]model.ConnectionEvent, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT id, observed_at, client_ip, client_port, protocol, domain, dest_port, inbound_tag, client_identity
		FROM events
		WHERE observed_at >= ?
		ORDER BY id`,
		model.FormatSourceTime(since),
	)
	if err != nil {
		return nil, wrap("query_recent", err)
	}
	return scanEvents("query_recent", rows)
}

// FindByDomain returns the newest events whose domain contains substr
// (case-insensitive), at most limit rows.
func (s *Store) FindByDomain(ctx context.Context, substr string, limit int) ([]model.ConnectionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT id, observed_at, client_ip, client_port, protocol, domain, dest_port, inbound_tag, client_identity
		FROM events
		WHERE instr(lower(domain), lower(?)) > 0
		ORDER BY id DESC
		LIMIT ?`,
		substr, limit,
	)
	if err != nil {
		return nil, wrap("find_by_domain", err)
	}
	return scanEvents("find_by_domain", rows)
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.rdb.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, wrap("count_events", err)
}

// EventsAfter returns up to limit events with id > afterID, in id order.
// Paging by id sees every committed row exactly once, whatever the
// timestamps in the source log look like.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]model.ConnectionEvent, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT id, observed_at, client_ip, client_port, protocol, domain, dest_port, inbound_tag, client_identity
		FROM events
		WHERE id > ?
		ORDER BY id
		LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, wrap("events_after", err)
	}
	return scanEvents("events_after", rows)
}

// GroupCount is how many times a client reached a domain through an inbound.
type GroupCount struct {
	Identity string
	Inbound  string
	Domain   string
	Count    int
}

// Summary is the grouped view of the events observed since a point in time.
type Summary struct {
	Groups    []GroupCount
	Events    int64
	Truncated bool // more groups existed than were returned
}

// Summarize groups the events observed at or after since by
// (client_identity, inbound_tag, domain) inside SQLite and returns at most
// maxGroups of them: clients by identity then inbound, inside a client by
// count descending then domain. maxGroups <= 0 returns every group.
// Memory does not grow with the number of rows in the window.
func (s *Store) Summarize(ctx context.Context, since time.Time, maxGroups int) (Summary, error) {
	from := model.FormatSourceTime(since)
	limit := maxGroups + 1
	if maxGroups <= 0 {
		limit = -1
	}

	tx, err := s.rdb.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, wrap("summarize", err)
	}
	defer tx.Rollback()

	var sum Summary
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE observed_at >= ?`, from,
	).Scan(&sum.Events); err != nil {
		return Summary{}, wrap("summarize", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT client_identity, inbound_tag, domain, COUNT(*) AS n
		FROM events
		WHERE observed_at >= ?
		GROUP BY client_identity, inbound_tag, domain
		ORDER BY client_identity, inbound_tag, n DESC, domain
		LIMIT ?`,
		from, limit,
	)
	if err != nil {
		return Summary{}, wrap("summarize", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g GroupCount
		if err := rows.Scan(&g.Identity, &g.Inbound, &g.Domain, &g.Count); err != nil {
			return Summary{}, wrap("summarize", err)
		}
		sum.Groups = append(sum.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, wrap("summarize", err)
	}

	if maxGroups > 0 && len(sum.Groups) > maxGroups {
		sum.Groups = sum.Groups[:maxGroups]
		sum.Truncated = true
	}
	return sum, nil
}

func scanEvents(op string, rows *sql.Rows) ([]model.ConnectionEvent, error) {
	defer rows.Close()

	var out []model.ConnectionEvent
	for rows.Next() {
		var ev model.ConnectionEvent
		var proto string
		if err := rows.Scan(
			&ev.ID, &ev.ObservedAt, &ev.ClientIP, &ev.ClientPort, &proto,
			&ev.Domain, &ev.DestPort, &ev.InboundTag, &ev.ClientIdentity,
		); err != nil {
			return nil, wrap(op, err)
		}
		ev.Protocol = model.Protocol(proto)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

// ------------------------------------------------------------
// Settings
// ------------------------------------------------------------

// GetSetting returns the current value for key, or def when unset.
func (s *Store) GetSetting(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.rdb.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, wrap("get_setting", err)
	}
	return v, nil
}

const upsertSetting = `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`

// SetSetting replaces the value for key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, upsertSetting, key, value)
	return wrap("set_setting", err)
}

// ------------------------------------------------------------
// Watchlist
// ------------------------------------------------------------

// ListWatchlist returns all entries in insertion order.
func (s *Store) ListWatchlist(ctx context.Context) ([]string, error) {
	rows, err := s.rdb.QueryContext(ctx, `SELECT domain FROM watchlist ORDER BY id`)
	if err != nil {
		return nil, wrap("list_watchlist", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, wrap("list_watchlist", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list_watchlist", err)
	}
	return out, nil
}

// AddWatchlist inserts domain (lower-cased). added is false when an
// entry equal to it, ignoring case, already exists.
func (s *Store) AddWatchlist(ctx context.Context, domain string) (added bool, err error) {
	d := normalizeDomain(domain)
	if d == "" {
		return false, &Error{Op: "add_watchlist", Kind: Fatal, Err: fmt.Errorf("empty domain")}
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO watchlist (domain) VALUES (?)`, d)
	if err != nil {
		return false, wrap("add_watchlist", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveWatchlist deletes domain, ignoring case. removed is false when it was absent.
func (s *Store) RemoveWatchlist(ctx context.Context, domain string) (removed bool, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE domain = ?`, normalizeDomain(domain))
	if err != nil {
		return false, wrap("remove_watchlist", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearWatchlist deletes every entry and returns how many were removed.
func (s *Store) ClearWatchlist(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist`)
	if err != nil {
		return 0, wrap("clear_watchlist", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}
