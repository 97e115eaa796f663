package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fedipress/fedipress/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertFollower = `INSERT INTO followers(id, account_id, actor_uri, inbox_uri, shared_inbox_uri, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlRefreshFollower = `UPDATE followers SET inbox_uri = ?, shared_inbox_uri = ?, updated_at = ? WHERE account_id = ? AND actor_uri = ?`

	sqlSelectFollower = `SELECT id, account_id, actor_uri, inbox_uri, shared_inbox_uri, created_at, updated_at FROM followers WHERE account_id = ? AND actor_uri = ?`

	sqlDeleteFollower = `DELETE FROM followers WHERE account_id = ? AND actor_uri = ?`

	sqlCountFollowers = `SELECT COUNT(*) FROM followers WHERE account_id = ?`

	sqlSelectFollowerInboxes = `SELECT inbox_uri, shared_inbox_uri FROM followers WHERE account_id = ?`

	sqlInsertFollowerError = `INSERT INTO follower_errors(id, follower_id, message, created_at) VALUES (?, ?, ?, ?)`

	sqlSelectFollowerErrors = `SELECT id, follower_id, message, created_at FROM follower_errors WHERE follower_id = ? ORDER BY created_at DESC`

	sqlCountFollowerErrors = `SELECT COUNT(*) FROM follower_errors WHERE follower_id = ?`

	sqlDeleteFollowerErrors = `DELETE FROM follower_errors WHERE follower_id = ?`
)

// AddFollower inserts a follow edge, or refreshes the delivery endpoints
// and timestamp when the edge already exists. A repeated Follow from the
// same actor never duplicates the edge.
func (db *DB) AddFollower(accountId uuid.UUID, actor *domain.RemoteActor) (*domain.Follower, error) {
	now := time.Now()
	follower := &domain.Follower{
		Id:             uuid.New(),
		AccountId:      accountId,
		ActorURI:       actor.ActorURI,
		InboxURI:       actor.InboxURI,
		SharedInboxURI: actor.SharedInboxURI,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollower,
			follower.Id.String(), accountId.String(), follower.ActorURI,
			follower.InboxURI, follower.SharedInboxURI,
			follower.CreatedAt, follower.UpdatedAt)
		return err
	})
	if err == nil {
		return follower, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRefreshFollower,
			actor.InboxURI, actor.SharedInboxURI, now,
			accountId.String(), actor.ActorURI)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadFollower(accountId, actor.ActorURI)
}

func (db *DB) ReadFollower(accountId uuid.UUID, actorURI string) (*domain.Follower, error) {
	row := db.db.QueryRow(sqlSelectFollower, accountId.String(), actorURI)
	follower, err := scanFollower(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return follower, err
}

// RemoveFollower deletes the edge and its error log. Removing an absent
// edge is a no-op.
func (db *DB) RemoveFollower(accountId uuid.UUID, actorURI string) error {
	follower, err := db.ReadFollower(accountId, actorURI)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteFollower, accountId.String(), actorURI); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeleteFollowerErrors, follower.Id.String())
		return err
	})
}

// ListFollowers returns one page of the follower collection in a stable
// order (creation time, ties broken by actor URI) plus the total count.
// order is "asc" or "desc"; page starts at 1.
func (db *DB) ListFollowers(accountId uuid.UUID, page, perPage int, order string) ([]domain.Follower, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	direction := "ASC"
	if order == "desc" {
		direction = "DESC"
	}

	var total int
	if err := db.db.QueryRow(sqlCountFollowers, accountId.String()).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT id, account_id, actor_uri, inbox_uri, shared_inbox_uri, created_at, updated_at
		FROM followers WHERE account_id = ?
		ORDER BY created_at %s, actor_uri %s LIMIT ? OFFSET ?`, direction, direction)

	rows, err := db.db.Query(query, accountId.String(), perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		follower, err := scanFollower(rows)
		if err != nil {
			return followers, total, err
		}
		followers = append(followers, *follower)
	}
	return followers, total, rows.Err()
}

// InboxesFor returns the deduplicated delivery endpoints for all of an
// account's followers. When preferShared is set, a follower's shared inbox
// replaces its personal inbox, so one POST to a shared endpoint reaches
// every follower behind it.
func (db *DB) InboxesFor(accountId uuid.UUID, preferShared bool) ([]string, error) {
	rows, err := db.db.Query(sqlSelectFollowerInboxes, accountId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var inboxes []string
	for rows.Next() {
		var inbox string
		var shared sql.NullString
		if err := rows.Scan(&inbox, &shared); err != nil {
			return inboxes, err
		}
		endpoint := inbox
		if preferShared && shared.String != "" {
			endpoint = shared.String
		}
		if endpoint == "" || seen[endpoint] {
			continue
		}
		seen[endpoint] = true
		inboxes = append(inboxes, endpoint)
	}
	return inboxes, rows.Err()
}

// RecordFollowerError appends to the follower's rolling error log.
func (db *DB) RecordFollowerError(followerId uuid.UUID, message string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollowerError,
			uuid.New().String(), followerId.String(), message, time.Now())
		return err
	})
}

// ClearFollowerErrors resets the log, called after a successful delivery.
func (db *DB) ClearFollowerErrors(followerId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowerErrors, followerId.String())
		return err
	})
}

// CountFollowerErrors returns the consecutive failure count: the log is
// cleared on success, so its size is the current streak.
func (db *DB) CountFollowerErrors(followerId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountFollowerErrors, followerId.String()).Scan(&count)
	return count, err
}

func (db *DB) ReadFollowerErrors(followerId uuid.UUID) ([]domain.FollowerError, error) {
	rows, err := db.db.Query(sqlSelectFollowerErrors, followerId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errors []domain.FollowerError
	for rows.Next() {
		var fe domain.FollowerError
		var idStr, followerIdStr string
		if err := rows.Scan(&idStr, &followerIdStr, &fe.Message, &fe.CreatedAt); err != nil {
			return errors, err
		}
		fe.Id, _ = uuid.Parse(idStr)
		fe.FollowerId, _ = uuid.Parse(followerIdStr)
		errors = append(errors, fe)
	}
	return errors, rows.Err()
}

// FollowersByInbox returns the followers of an account that are delivered
// through the given endpoint (personal or shared). Used to attribute a
// delivery failure to the affected edges.
func (db *DB) FollowersByInbox(accountId uuid.UUID, inboxURI string) ([]domain.Follower, error) {
	rows, err := db.db.Query(
		`SELECT id, account_id, actor_uri, inbox_uri, shared_inbox_uri, created_at, updated_at
		 FROM followers WHERE account_id = ? AND (inbox_uri = ? OR shared_inbox_uri = ?)`,
		accountId.String(), inboxURI, inboxURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		follower, err := scanFollower(rows)
		if err != nil {
			return followers, err
		}
		followers = append(followers, *follower)
	}
	return followers, rows.Err()
}

func scanFollower(row rowScanner) (*domain.Follower, error) {
	var follower domain.Follower
	var idStr, accountIdStr string
	var shared sql.NullString
	err := row.Scan(&idStr, &accountIdStr, &follower.ActorURI,
		&follower.InboxURI, &shared, &follower.CreatedAt, &follower.UpdatedAt)
	if err != nil {
		return nil, err
	}
	follower.Id, _ = uuid.Parse(idStr)
	follower.AccountId, _ = uuid.Parse(accountIdStr)
	follower.SharedInboxURI = shared.String
	return &follower, nil
}
