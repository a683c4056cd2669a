package db

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		username_lower TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		uri TEXT,
		url TEXT,
		inbox_uri TEXT,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		followers_uri TEXT,
		featured_uri TEXT,
		public_key_pem TEXT,
		private_key_pem TEXT,
		key_id TEXT,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		canonical_host TEXT,
		is_bot BOOLEAN NOT NULL DEFAULT FALSE,
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		is_suspended BOOLEAN NOT NULL DEFAULT FALSE,
		is_silenced BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		last_fetched_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP,
		UNIQUE(username_lower, host),
		UNIQUE(uri)
	)`

	sqlCreateAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_accounts_host ON accounts(host);
		CREATE INDEX IF NOT EXISTS idx_accounts_key_id ON accounts(key_id);
		CREATE INDEX IF NOT EXISTS idx_accounts_canonical ON accounts(username_lower, canonical_host);
	`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_host TEXT NOT NULL DEFAULT '',
		uri TEXT UNIQUE,
		url TEXT,
		message TEXT NOT NULL DEFAULT '',
		content_warning TEXT,
		name TEXT,
		visibility TEXT NOT NULL DEFAULT 'public',
		visible_user_ids TEXT NOT NULL DEFAULT '[]',
		mentioned_user_ids TEXT NOT NULL DEFAULT '[]',
		hashtags TEXT NOT NULL DEFAULT '[]',
		emojis TEXT NOT NULL DEFAULT '[]',
		attachments TEXT NOT NULL DEFAULT '[]',
		reference_ids TEXT NOT NULL DEFAULT '[]',
		reply_id TEXT,
		renote_id TEXT,
		sensitive BOOLEAN NOT NULL DEFAULT FALSE,
		poll TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP,
		deleted_at TIMESTAMP
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notes_renote_id ON notes(renote_id);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT,
		created_at TIMESTAMP NOT NULL,
		accepted BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS reactions (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		reaction TEXT NOT NULL,
		uri TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(account_id, note_id)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_reactions_note_id ON reactions(note_id);
		CREATE INDEX IF NOT EXISTS idx_reactions_uri ON reactions(uri);
	`

	sqlCreatePollVotesTable = `CREATE TABLE IF NOT EXISTS poll_votes (
		id TEXT NOT NULL PRIMARY KEY,
		note_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		choice INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(note_id, account_id, choice)
	)`

	sqlCreateEmojisTable = `CREATE TABLE IF NOT EXISTS emojis (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		uri TEXT,
		url TEXT NOT NULL,
		updated_at TIMESTAMP,
		UNIQUE(host, name)
	)`

	// Activities log table (for deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		local BOOLEAN NOT NULL DEFAULT FALSE
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		low_severity BOOLEAN NOT NULL DEFAULT FALSE,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`

	sqlCreateInboxQueueTable = `CREATE TABLE IF NOT EXISTS inbox_queue (
		id TEXT NOT NULL PRIMARY KEY,
		activity_json TEXT NOT NULL,
		key_id TEXT NOT NULL,
		algorithm TEXT,
		signature TEXT NOT NULL,
		signed_headers TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		host TEXT NOT NULL,
		ip TEXT,
		priority TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		claimed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateInboxQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbox_queue_priority ON inbox_queue(priority, created_at);
	`
)

type tableDef struct {
	name    string
	create  string
	indices string
}

var tables = []tableDef{
	{"accounts", sqlCreateAccountsTable, sqlCreateAccountsIndices},
	{"notes", sqlCreateNotesTable, sqlCreateNotesIndices},
	{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
	{"reactions", sqlCreateReactionsTable, sqlCreateReactionsIndices},
	{"poll_votes", sqlCreatePollVotesTable, ""},
	{"emojis", sqlCreateEmojisTable, ""},
	{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
	{"delivery_queue", sqlCreateDeliveryQueueTable, sqlCreateDeliveryQueueIndices},
	{"inbox_queue", sqlCreateInboxQueueTable, sqlCreateInboxQueueIndices},
}

// RunMigrations creates every table and index that does not exist yet.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(context.Background(), func(tx *sql.Tx) error {
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.create, t.name); err != nil {
				return err
			}
			// postgres runs one statement per Exec
			for _, stmt := range strings.Split(t.indices, ";") {
				if strings.TrimSpace(stmt) == "" {
					continue
				}
				if _, err := tx.Exec(stmt); err != nil {
					db.log.Warn("Failed to create indices", zap.String("table", t.name), zap.Error(err))
				}
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if db.dialect == Postgres {
		createSQL = strings.ReplaceAll(createSQL, "TIMESTAMP", "TIMESTAMPTZ")
	}
	_, err := tx.Exec(createSQL)
	if err != nil {
		db.log.Error("Failed to create table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	return nil
}
