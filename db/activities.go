package db

import (
	"database/sql"
	"time"

	"github.com/fedipress/fedipress/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`

	sqlSelectActivityByObjectURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE object_uri = ? ORDER BY created_at DESC LIMIT 1`

	sqlSelectLocalActivities = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE actor_uri = ? AND local = 1 AND activity_type = 'Create' ORDER BY created_at DESC LIMIT ? OFFSET ?`

	sqlCountLocalActivities = `SELECT COUNT(*) FROM activities WHERE actor_uri = ? AND local = 1 AND activity_type = 'Create'`

	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE id = ?`

	sqlDeleteActivityByObjectURI = `DELETE FROM activities WHERE object_uri = ?`
)

// RecordActivity stores a processed-activity record. The unique activity
// URI makes this the idempotence gate: recording the same activity twice
// returns ErrAlreadyExists without touching the first record.
func (db *DB) RecordActivity(activity *domain.Activity) error {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now()
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(), activity.ActivityURI, activity.ActivityType,
			activity.ActorURI, activity.ObjectURI, activity.RawJSON,
			activity.Processed, activity.Local, activity.CreatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (db *DB) ReadActivityByURI(uri string) (*domain.Activity, error) {
	return scanActivityRowOrNotFound(db.db.QueryRow(sqlSelectActivityByURI, uri))
}

func (db *DB) ReadActivityByObjectURI(uri string) (*domain.Activity, error) {
	return scanActivityRowOrNotFound(db.db.QueryRow(sqlSelectActivityByObjectURI, uri))
}

func (db *DB) MarkActivityProcessed(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActivityProcessed, id.String())
		return err
	})
}

func (db *DB) DeleteActivitiesByObjectURI(objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivityByObjectURI, objectURI)
		return err
	})
}

// ReadLocalActivities pages through the Create activities a local actor
// published, newest first. Backs the outbox collection.
func (db *DB) ReadLocalActivities(actorURI string, page, perPage int) ([]domain.Activity, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	var total int
	if err := db.db.QueryRow(sqlCountLocalActivities, actorURI).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.db.Query(sqlSelectLocalActivities, actorURI, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return activities, total, err
		}
		activities = append(activities, *activity)
	}
	return activities, total, rows.Err()
}

func scanActivityRowOrNotFound(row *sql.Row) (*domain.Activity, error) {
	activity, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return activity, err
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var activity domain.Activity
	var idStr string
	var objectURI sql.NullString
	err := row.Scan(&idStr, &activity.ActivityURI, &activity.ActivityType,
		&activity.ActorURI, &objectURI, &activity.RawJSON,
		&activity.Processed, &activity.Local, &activity.CreatedAt)
	if err != nil {
		return nil, err
	}
	activity.Id, _ = uuid.Parse(idStr)
	activity.ObjectURI = objectURI.String
	return &activity, nil
}
