package db

import (
	"database/sql"
	"time"

	"github.com/fedipress/fedipress/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertFollowRequest = `INSERT INTO follow_requests(id, account_id, actor_uri, activity_uri, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	sqlSelectFollowRequest = `SELECT id, account_id, actor_uri, activity_uri, status, created_at FROM follow_requests WHERE account_id = ? AND actor_uri = ?`

	sqlSelectFollowRequestById = `SELECT id, account_id, actor_uri, activity_uri, status, created_at FROM follow_requests WHERE id = ?`

	sqlSelectPendingRequests = `SELECT id, account_id, actor_uri, activity_uri, status, created_at FROM follow_requests WHERE account_id = ? AND status = 'pending' ORDER BY created_at ASC`

	sqlRefreshFollowRequest = `UPDATE follow_requests SET activity_uri = ?, created_at = ? WHERE account_id = ? AND actor_uri = ? AND status = 'pending'`

	sqlDeleteFollowRequest = `DELETE FROM follow_requests WHERE id = ?`
)

// CreateFollowRequest opens a pending request. Only one open request per
// (account, actor) pair exists: a repeated Follow refreshes the stored
// activity URI instead of opening a second request.
func (db *DB) CreateFollowRequest(accountId uuid.UUID, actorURI, activityURI string) (*domain.FollowRequest, error) {
	request := &domain.FollowRequest{
		Id:          uuid.New(),
		AccountId:   accountId,
		ActorURI:    actorURI,
		ActivityURI: activityURI,
		Status:      domain.RequestPending,
		CreatedAt:   time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollowRequest,
			request.Id.String(), accountId.String(), actorURI, activityURI,
			request.Status, request.CreatedAt)
		return err
	})
	if err == nil {
		return request, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRefreshFollowRequest,
			activityURI, time.Now(), accountId.String(), actorURI)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadFollowRequest(accountId, actorURI)
}

func (db *DB) ReadFollowRequest(accountId uuid.UUID, actorURI string) (*domain.FollowRequest, error) {
	return scanFollowRequestRow(db.db.QueryRow(sqlSelectFollowRequest, accountId.String(), actorURI))
}

func (db *DB) ReadFollowRequestById(id uuid.UUID) (*domain.FollowRequest, error) {
	return scanFollowRequestRow(db.db.QueryRow(sqlSelectFollowRequestById, id.String()))
}

func (db *DB) ReadPendingFollowRequests(accountId uuid.UUID) ([]domain.FollowRequest, error) {
	rows, err := db.db.Query(sqlSelectPendingRequests, accountId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.FollowRequest
	for rows.Next() {
		request, err := scanFollowRequest(rows)
		if err != nil {
			return requests, err
		}
		requests = append(requests, *request)
	}
	return requests, rows.Err()
}

// DeleteFollowRequest removes the request row. The approve/reject flows
// in the activitypub layer call this after emitting Accept or Reject.
func (db *DB) DeleteFollowRequest(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowRequest, id.String())
		return err
	})
}

func scanFollowRequestRow(row *sql.Row) (*domain.FollowRequest, error) {
	request, err := scanFollowRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return request, err
}

func scanFollowRequest(row rowScanner) (*domain.FollowRequest, error) {
	var request domain.FollowRequest
	var idStr, accountIdStr string
	err := row.Scan(&idStr, &accountIdStr, &request.ActorURI,
		&request.ActivityURI, &request.Status, &request.CreatedAt)
	if err != nil {
		return nil, err
	}
	request.Id, _ = uuid.Parse(idStr)
	request.AccountId, _ = uuid.Parse(accountIdStr)
	return &request, nil
}
