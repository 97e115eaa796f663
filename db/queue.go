package db

import (
	"database/sql"
	"time"

	"github.com/fedipress/fedipress/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, account_id, inbox_uri, actor_uri, object_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Ordered by creation time so the per-inbox grouping in the delivery
	// engine sees items in emission order.
	sqlSelectPendingDeliveries = `SELECT id, account_id, inbox_uri, actor_uri, object_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC, id ASC LIMIT ?`

	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`

	sqlDeleteDelivery = `DELETE FROM delivery_queue WHERE id = ?`

	sqlDeleteDeliveriesByObjectURI = `DELETE FROM delivery_queue WHERE object_uri = ?`
)

// EnqueueDelivery adds one pending POST to the queue. This is the
// asynchronous hand-off point: the caller returns immediately and the
// delivery worker picks the row up on its next tick.
func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = item.CreatedAt
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDelivery,
			item.Id.String(), item.AccountId.String(), item.InboxURI,
			item.ActorURI, item.ObjectURI, item.ActivityJSON,
			item.Attempts, item.NextRetryAt, item.CreatedAt)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr, accountIdStr string
		var actorURI, objectURI sql.NullString
		if err := rows.Scan(&idStr, &accountIdStr, &item.InboxURI,
			&actorURI, &objectURI, &item.ActivityJSON, &item.Attempts,
			&item.NextRetryAt, &item.CreatedAt); err != nil {
			return items, err
		}
		item.Id, _ = uuid.Parse(idStr)
		item.AccountId, _ = uuid.Parse(accountIdStr)
		item.ActorURI = actorURI.String
		item.ObjectURI = objectURI.String
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// CancelDeliveriesForObject drops every queued delivery of a withdrawn
// object. Rows already picked up complete normally; only further retries
// are cancelled.
func (db *DB) CancelDeliveriesForObject(objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDeliveriesByObjectURI, objectURI)
		return err
	})
}
