package db

import (
	"database/sql"
	"log"
	"strings"
)

// Federation tables. Uniqueness constraints double as idempotence keys:
// duplicate activity URIs, duplicate follower edges and duplicate
// reactions are all rejected at this layer rather than locked in-process.
const (
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, actor_uri)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_account_id ON followers(account_id);
		CREATE INDEX IF NOT EXISTS idx_followers_actor_uri ON followers(actor_uri);
	`

	sqlCreateFollowerErrorsTable = `CREATE TABLE IF NOT EXISTS follower_errors (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFollowerErrorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follower_errors_follower_id ON follower_errors(follower_id);
	`

	sqlCreateFollowRequestsTable = `CREATE TABLE IF NOT EXISTS follow_requests (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, actor_uri)
	)`

	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_actors_actor_uri ON remote_actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateRepliesTable = `CREATE TABLE IF NOT EXISTS replies (
		id TEXT NOT NULL PRIMARY KEY,
		note_id TEXT NOT NULL,
		object_uri TEXT UNIQUE NOT NULL,
		author_uri TEXT NOT NULL,
		author_name TEXT,
		content TEXT,
		published TIMESTAMP,
		trashed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRepliesIndices = `
		CREATE INDEX IF NOT EXISTS idx_replies_note_id ON replies(note_id);
		CREATE INDEX IF NOT EXISTS idx_replies_object_uri ON replies(object_uri);
	`

	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS reactions (
		id TEXT NOT NULL PRIMARY KEY,
		note_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		actor_name TEXT,
		trashed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, object_uri, actor_uri)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_reactions_note_id ON reactions(note_id);
		CREATE INDEX IF NOT EXISTS idx_reactions_object_uri ON reactions(object_uri);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		actor_uri TEXT,
		object_uri TEXT,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_inbox ON delivery_queue(inbox_uri);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_object ON delivery_queue(object_uri);
	`
)

// RunMigrations creates the federation tables and indices.
func (db *DB) RunMigrations() error {
	log.Println("Running federation migrations...")

	tables := []string{
		sqlCreateFollowersTable,
		sqlCreateFollowerErrorsTable,
		sqlCreateFollowRequestsTable,
		sqlCreateRemoteActorsTable,
		sqlCreateActivitiesTable,
		sqlCreateRepliesTable,
		sqlCreateReactionsTable,
		sqlCreateDeliveryQueueTable,
	}
	indices := []string{
		sqlCreateFollowersIndices,
		sqlCreateFollowerErrorsIndices,
		sqlCreateRemoteActorsIndices,
		sqlCreateActivitiesIndices,
		sqlCreateRepliesIndices,
		sqlCreateReactionsIndices,
		sqlCreateDeliveryQueueIndices,
	}

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		for _, stmt := range tables {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, block := range indices {
			for _, stmt := range strings.Split(block, ";") {
				stmt = strings.TrimSpace(stmt)
				if stmt == "" {
					continue
				}
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
