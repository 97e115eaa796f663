package db

import (
	"database/sql"
	"time"

	"github.com/fedipress/fedipress/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertReply = `INSERT INTO replies(id, note_id, object_uri, author_uri, author_name, content, published, trashed, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`

	sqlUpdateReply = `UPDATE replies SET content = ?, author_name = ?, published = ?, trashed = 0 WHERE object_uri = ?`

	sqlSelectReplyByObjectURI = `SELECT id, note_id, object_uri, author_uri, author_name, content, published, trashed, created_at FROM replies WHERE object_uri = ?`

	sqlSelectRepliesByNoteId = `SELECT id, note_id, object_uri, author_uri, author_name, content, published, trashed, created_at FROM replies WHERE note_id = ? AND trashed = 0 ORDER BY published ASC`

	sqlTrashReply = `UPDATE replies SET trashed = 1 WHERE object_uri = ?`

	sqlInsertReaction = `INSERT INTO reactions(id, note_id, kind, object_uri, activity_uri, actor_uri, actor_name, trashed, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`

	sqlSelectReactionsByNoteId = `SELECT id, note_id, kind, object_uri, activity_uri, actor_uri, actor_name, trashed, created_at FROM reactions WHERE note_id = ? AND trashed = 0 ORDER BY created_at ASC`

	sqlTrashReactionByActivityURI = `UPDATE reactions SET trashed = 1 WHERE activity_uri = ?`
)

// UpsertReply stores a remote reply, updating content in place when the
// same remote object arrives again (Create redelivery or Update). The
// remote object URI is the idempotence key.
func (db *DB) UpsertReply(reply *domain.Reply) error {
	if reply.Id == uuid.Nil {
		reply.Id = uuid.New()
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now()
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReply,
			reply.Id.String(), reply.NoteId.String(), reply.ObjectURI,
			reply.AuthorURI, reply.AuthorName, reply.Content,
			reply.Published, reply.CreatedAt)
		return err
	})
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateReply,
			reply.Content, reply.AuthorName, reply.Published, reply.ObjectURI)
		return err
	})
}

func (db *DB) ReadReplyByObjectURI(uri string) (*domain.Reply, error) {
	row := db.db.QueryRow(sqlSelectReplyByObjectURI, uri)
	reply, err := scanReply(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return reply, err
}

func (db *DB) ReadRepliesByNoteId(noteId uuid.UUID) ([]domain.Reply, error) {
	rows, err := db.db.Query(sqlSelectRepliesByNoteId, noteId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replies []domain.Reply
	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return replies, err
		}
		replies = append(replies, *reply)
	}
	return replies, rows.Err()
}

// TrashReply soft-deletes the reply for the given remote object.
func (db *DB) TrashReply(objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTrashReply, objectURI)
		return err
	})
}

// RecordReaction stores a Like or Announce. The (kind, object, actor)
// uniqueness means an actor's repeated reaction to the same object
// returns ErrAlreadyExists.
func (db *DB) RecordReaction(reaction *domain.Reaction) error {
	if reaction.Id == uuid.Nil {
		reaction.Id = uuid.New()
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now()
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReaction,
			reaction.Id.String(), reaction.NoteId.String(), reaction.Kind,
			reaction.ObjectURI, reaction.ActivityURI, reaction.ActorURI,
			reaction.ActorName, reaction.CreatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (db *DB) ReadReactionsByNoteId(noteId uuid.UUID) ([]domain.Reaction, error) {
	rows, err := db.db.Query(sqlSelectReactionsByNoteId, noteId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []domain.Reaction
	for rows.Next() {
		var reaction domain.Reaction
		var idStr, noteIdStr string
		var actorName sql.NullString
		if err := rows.Scan(&idStr, &noteIdStr, &reaction.Kind,
			&reaction.ObjectURI, &reaction.ActivityURI, &reaction.ActorURI,
			&actorName, &reaction.Trashed, &reaction.CreatedAt); err != nil {
			return reactions, err
		}
		reaction.Id, _ = uuid.Parse(idStr)
		reaction.NoteId, _ = uuid.Parse(noteIdStr)
		reaction.ActorName = actorName.String
		reactions = append(reactions, reaction)
	}
	return reactions, rows.Err()
}

// TrashReaction soft-deletes the reaction created by the given activity,
// for Undo(Like) and Delete handling.
func (db *DB) TrashReaction(activityURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTrashReactionByActivityURI, activityURI)
		return err
	})
}

func scanReply(row rowScanner) (*domain.Reply, error) {
	var reply domain.Reply
	var idStr, noteIdStr string
	var authorName, content sql.NullString
	var published sql.NullTime
	err := row.Scan(&idStr, &noteIdStr, &reply.ObjectURI, &reply.AuthorURI,
		&authorName, &content, &published, &reply.Trashed, &reply.CreatedAt)
	if err != nil {
		return nil, err
	}
	reply.Id, _ = uuid.Parse(idStr)
	reply.NoteId, _ = uuid.Parse(noteIdStr)
	reply.AuthorName = authorName.String
	reply.Content = content.String
	if published.Valid {
		reply.Published = published.Time
	}
	return &reply, nil
}
