package store

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id        TEXT PRIMARY KEY,
	channel           TEXT NOT NULL,
	body              TEXT NOT NULL,
	sender_profile_id TEXT NOT NULL,
	sender_account_id TEXT NOT NULL,
	message_type      TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	message_id           TEXT NOT NULL,
	recipient_profile_id TEXT NOT NULL,
	state                TEXT NOT NULL DEFAULT 'pending',
	delivered_at         INTEGER,
	acked_at             INTEGER,
	PRIMARY KEY (message_id, recipient_profile_id)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_recipient ON deliveries(recipient_profile_id, state);

CREATE TABLE IF NOT EXISTS digests (
	profile_id TEXT NOT NULL,
	channel    TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	preview    TEXT NOT NULL DEFAULT '',
	priority   INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (profile_id, channel)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	profile_id TEXT NOT NULL,
	channel    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (profile_id, channel)
);

CREATE TABLE IF NOT EXISTS profiles (
	account_id TEXT NOT NULL,
	profile_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cache_entries (
	namespace      TEXT NOT NULL,
	key            TEXT NOT NULL,
	value          TEXT NOT NULL,
	ttl_expires_at INTEGER NOT NULL,
	version        INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (namespace, key)
);
`
