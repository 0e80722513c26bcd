// Package store implements the Message Store (C2): durable persistence of
// Messages and their per-recipient Deliveries, the offline NotificationDigest
// rollup, and a durable mirror of channel subscriptions used to find
// offline subscribers of a channel on publish. Backed by SQLite, the same
// database/sql + mattn/go-sqlite3 combination the authentication reference
// server uses for its delivery-tracking tables.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Delivery states, forming the forward-only state machine of §4.2.
const (
	StatePending    = "pending"
	StateDelivered  = "delivered"
	StateAckClient  = "ack_client"
	StateAckApp     = "ack_app"
	StateExpired    = "expired"
)

var stateRank = map[string]int{
	StatePending:   0,
	StateDelivered: 1,
	StateAckClient: 2,
	StateAckApp:    3,
	StateExpired:   4,
}

// Message mirrors the Message entity of §3.
type Message struct {
	MessageID       string
	Channel         string
	Body            string
	SenderProfileID string
	SenderAccountID string
	MessageType     string
	Priority        int
	CreatedAt       int64
}

// Delivery mirrors the Delivery entity of §3.
type Delivery struct {
	MessageID           string
	RecipientProfileID  string
	State               string
	DeliveredAt         sql.NullInt64
	AckedAt             sql.NullInt64
}

// DigestChannel is one row of a profile's digest rollup.
type DigestChannel struct {
	Channel  string
	Count    int
	Preview  string
	Priority int
}

// Store wraps the SQLite handle backing the Message Store and Cache Plane L2.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects to the SQLite database at path and ensures the schema
// exists, mirroring the reference auth server's NewService(db) pattern of
// owning its own connection and migrating on startup.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers; serialize through one conn.

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// NewForTesting wraps an already-open *sql.DB (typically a go-sqlmock
// connection) in a Store without touching the filesystem or applying the
// schema, mirroring the reference pack's NewDatabaseForTesting seam.
func NewForTesting(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Persist creates one Message row and N Delivery rows in state pending.
// Idempotent by message_id: a repeat call with the same id is a no-op
// success (§4.2).
func (s *Store) Persist(m Message, recipientProfileIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM messages WHERE message_id = ?`, m.MessageID).Scan(&exists); err != nil {
		return fmt.Errorf("check existing message: %w", err)
	}
	if exists > 0 {
		return nil
	}

	if _, err := tx.Exec(
		`INSERT INTO messages (message_id, channel, body, sender_profile_id, sender_account_id, message_type, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.Channel, m.Body, m.SenderProfileID, m.SenderAccountID, m.MessageType, m.Priority, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, profileID := range recipientProfileIDs {
		if _, err := tx.Exec(
			`INSERT INTO deliveries (message_id, recipient_profile_id, state) VALUES (?, ?, ?)`,
			m.MessageID, profileID, StatePending,
		); err != nil {
			return fmt.Errorf("insert delivery for %s: %w", profileID, err)
		}
	}

	return tx.Commit()
}

// MarkDelivered transitions pending -> delivered; idempotent; refuses to
// regress from a higher state.
func (s *Store) MarkDelivered(messageID, recipientProfileID string) error {
	return s.transition(messageID, recipientProfileID, StateDelivered, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE deliveries SET state = ?, delivered_at = ? WHERE message_id = ? AND recipient_profile_id = ?`,
			StateDelivered, time.Now().UnixMilli(), messageID, recipientProfileID)
		return err
	})
}

// RecordAck transitions a Delivery to ack_client or ack_app. ack_app is
// terminal; once reached, further ACKs at any level are a successful no-op.
func (s *Store) RecordAck(messageID, recipientProfileID, level string) error {
	target := StateAckClient
	if level == "app" {
		target = StateAckApp
	}
	return s.transition(messageID, recipientProfileID, target, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE deliveries SET state = ?, acked_at = ? WHERE message_id = ? AND recipient_profile_id = ?`,
			target, time.Now().UnixMilli(), messageID, recipientProfileID)
		return err
	})
}

// transition applies apply() only if it would move the Delivery forward in
// the state machine (or leave it unchanged); regressions and operations on
// a nonexistent Delivery are silent no-ops, matching the idempotence
// requirements of §4.2 and §8.
func (s *Store) transition(messageID, recipientProfileID, target string, apply func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT state FROM deliveries WHERE message_id = ? AND recipient_profile_id = ?`,
		messageID, recipientProfileID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read delivery state: %w", err)
	}

	if stateRank[target] <= stateRank[current] {
		return nil // already at or past target: forward-only, no regression.
	}

	if err := apply(tx); err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	return tx.Commit()
}

// GetPending returns Deliveries in {pending, delivered} for a recipient,
// optionally filtered by channel, ordered by priority desc, created_at asc.
func (s *Store) GetPending(profileID string, channel string) ([]Delivery, error) {
	query := `
		SELECT d.message_id, d.recipient_profile_id, d.state, d.delivered_at, d.acked_at
		FROM deliveries d
		JOIN messages m ON m.message_id = d.message_id
		WHERE d.recipient_profile_id = ? AND d.state IN ('pending', 'delivered')`
	args := []any{profileID}
	if channel != "" {
		query += " AND m.channel = ?"
		args = append(args, channel)
	}
	query += " ORDER BY m.priority DESC, m.created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.MessageID, &d.RecipientProfileID, &d.State, &d.DeliveredAt, &d.AckedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// BuildDigest returns a per-channel rollup for every channel with pending
// messages addressed to profileID, ordered priority desc, then by the
// digest row's updated_at asc (least recently updated channel first).
func (s *Store) BuildDigest(profileID string) ([]DigestChannel, int, error) {
	rows, err := s.db.Query(
		`SELECT channel, count, preview, priority FROM digests WHERE profile_id = ? ORDER BY priority DESC, updated_at ASC`,
		profileID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query digests: %w", err)
	}
	defer rows.Close()

	var channels []DigestChannel
	total := 0
	for rows.Next() {
		var c DigestChannel
		if err := rows.Scan(&c.Channel, &c.Count, &c.Preview, &c.Priority); err != nil {
			return nil, 0, fmt.Errorf("scan digest: %w", err)
		}
		channels = append(channels, c)
		total += c.Count
	}
	return channels, total, rows.Err()
}

// UpsertDigest increments the pending count for (profileID, channel) and
// stores the most recent preview, called when a publish fan-out finds the
// recipient offline.
func (s *Store) UpsertDigest(profileID, channel, preview string, priority int) error {
	_, err := s.db.Exec(`
		INSERT INTO digests (profile_id, channel, count, preview, priority, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(profile_id, channel) DO UPDATE SET
			count = count + 1,
			preview = excluded.preview,
			priority = excluded.priority,
			updated_at = excluded.updated_at`,
		profileID, channel, preview, priority, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert digest: %w", err)
	}
	return nil
}

// ClearDigest removes the digest row for (profileID, channel), called once
// the pending deliveries of that channel have been replayed to the client.
func (s *Store) ClearDigest(profileID, channel string) error {
	_, err := s.db.Exec(`DELETE FROM digests WHERE profile_id = ? AND channel = ?`, profileID, channel)
	return err
}

// Expire bulk-transitions unacknowledged Deliveries past beforeTs to
// expired. Intended to run periodically from a background goroutine.
func (s *Store) Expire(beforeTs int64) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE deliveries SET state = ?
		 WHERE state IN ('pending', 'delivered')
		 AND message_id IN (SELECT message_id FROM messages WHERE created_at < ?)`,
		StateExpired, beforeTs,
	)
	if err != nil {
		return 0, fmt.Errorf("expire deliveries: %w", err)
	}
	return res.RowsAffected()
}

// RecordSubscription durably mirrors a Subscription Registry membership so
// the profile stays a recipient of the channel (via SubscribersOf) while it
// has no live connection.
func (s *Store) RecordSubscription(profileID, channel string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO subscriptions (profile_id, channel, created_at) VALUES (?, ?, ?)`,
		profileID, channel, time.Now().UnixMilli(),
	)
	return err
}

// RemoveSubscription removes the durable mirror of a membership.
func (s *Store) RemoveSubscription(profileID, channel string) error {
	_, err := s.db.Exec(`DELETE FROM subscriptions WHERE profile_id = ? AND channel = ?`, profileID, channel)
	return err
}

// SubscribersOf returns every profile durably subscribed to channel,
// independent of whether that profile currently holds a live connection.
// A publish fan-out unions this against the Channels Table's live members
// to find subscribers who disconnected without unsubscribing: those
// profiles still owe a pending Delivery and a NotificationDigest entry.
func (s *Store) SubscribersOf(channel string) ([]string, error) {
	rows, err := s.db.Query(`SELECT profile_id FROM subscriptions WHERE channel = ?`, channel)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var profileID string
		if err := rows.Scan(&profileID); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, profileID)
	}
	return out, rows.Err()
}

// Profile is the minimal identity metadata the Auth Session component loads
// on successful token verification.
type Profile struct {
	AccountID   string
	ProfileID   string
	DisplayName string
}

// ErrProfileNotFound is returned by ProfileByAccountID when no profile row
// matches the token's account_id.
var ErrProfileNotFound = fmt.Errorf("profile not found")

// ProfileByAccountID loads the profile bound to an account, preferring an
// explicit profileID hint (from the token payload) when given.
func (s *Store) ProfileByAccountID(accountID, profileIDHint string) (*Profile, error) {
	var row *sql.Row
	if profileIDHint != "" {
		row = s.db.QueryRow(`SELECT account_id, profile_id, display_name FROM profiles WHERE profile_id = ?`, profileIDHint)
	} else {
		row = s.db.QueryRow(`SELECT account_id, profile_id, display_name FROM profiles WHERE account_id = ?`, accountID)
	}

	var p Profile
	if err := row.Scan(&p.AccountID, &p.ProfileID, &p.DisplayName); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// UpsertProfile inserts or updates a profile row; used by tests and by
// trusted internal provisioning paths.
func (s *Store) UpsertProfile(p Profile) error {
	_, err := s.db.Exec(
		`INSERT INTO profiles (account_id, profile_id, display_name) VALUES (?, ?, ?)
		 ON CONFLICT(profile_id) DO UPDATE SET account_id = excluded.account_id, display_name = excluded.display_name`,
		p.AccountID, p.ProfileID, p.DisplayName,
	)
	return err
}

// ErrCacheMiss is returned by CacheGet when no live (non-expired) entry
// exists for namespace/key.
var ErrCacheMiss = fmt.Errorf("cache miss")

// CacheGet reads the Cache Plane's L2 tier: a SQLite-backed entry that
// survives process restart, unlike the L1 in-process map.
func (s *Store) CacheGet(namespace, key string) (string, error) {
	var value string
	var ttlExpiresAt int64
	row := s.db.QueryRow(`SELECT value, ttl_expires_at FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err := row.Scan(&value, &ttlExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("query cache entry: %w", err)
	}
	if ttlExpiresAt < time.Now().UnixMilli() {
		return "", ErrCacheMiss
	}
	return value, nil
}

// CacheSet writes (or replaces) an L2 cache entry, bumping its version.
func (s *Store) CacheSet(namespace, key, value string, ttlExpiresAt int64) error {
	_, err := s.db.Exec(
		`INSERT INTO cache_entries (namespace, key, value, ttl_expires_at, version) VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, ttl_expires_at = excluded.ttl_expires_at, version = cache_entries.version + 1`,
		namespace, key, value, ttlExpiresAt,
	)
	return err
}

// CacheDelete removes an L2 cache entry.
func (s *Store) CacheDelete(namespace, key string) error {
	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

// CacheFlushNamespace removes every L2 entry under namespace.
func (s *Store) CacheFlushNamespace(namespace string) error {
	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE namespace = ?`, namespace)
	return err
}
