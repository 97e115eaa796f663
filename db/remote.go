package db

import (
	"database/sql"

	"github.com/fedipress/fedipress/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertRemoteActor = `INSERT INTO remote_actors(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectRemoteActorByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at FROM remote_actors WHERE actor_uri = ?`

	sqlUpdateRemoteActor = `UPDATE remote_actors SET username = ?, display_name = ?, summary = ?, inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ? WHERE actor_uri = ?`

	sqlDeleteRemoteActor = `DELETE FROM remote_actors WHERE actor_uri = ?`
)

// UpsertRemoteActor stores a freshly fetched remote profile, updating the
// cached row when the actor is already known.
func (db *DB) UpsertRemoteActor(actor *domain.RemoteActor) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteActor,
			actor.Id.String(), actor.Username, actor.Domain, actor.ActorURI,
			actor.DisplayName, actor.Summary, actor.InboxURI,
			actor.SharedInboxURI, actor.OutboxURI, actor.PublicKeyPem,
			actor.AvatarURL, actor.LastFetchedAt)
		return err
	})
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteActor,
			actor.Username, actor.DisplayName, actor.Summary, actor.InboxURI,
			actor.SharedInboxURI, actor.OutboxURI, actor.PublicKeyPem,
			actor.AvatarURL, actor.LastFetchedAt, actor.ActorURI)
		return err
	})
}

func (db *DB) ReadRemoteActorByURI(uri string) (*domain.RemoteActor, error) {
	row := db.db.QueryRow(sqlSelectRemoteActorByURI, uri)
	var actor domain.RemoteActor
	var idStr string
	var displayName, summary, sharedInbox, outbox, avatar sql.NullString
	err := row.Scan(&idStr, &actor.Username, &actor.Domain, &actor.ActorURI,
		&displayName, &summary, &actor.InboxURI, &sharedInbox, &outbox,
		&actor.PublicKeyPem, &avatar, &actor.LastFetchedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	actor.Id, _ = uuid.Parse(idStr)
	actor.DisplayName = displayName.String
	actor.Summary = summary.String
	actor.SharedInboxURI = sharedInbox.String
	actor.OutboxURI = outbox.String
	actor.AvatarURL = avatar.String
	return &actor, nil
}

// DeleteRemoteActor drops a cached profile, e.g. after a verified actor
// tombstone.
func (db *DB) DeleteRemoteActor(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteActor, uri)
		return err
	})
}
