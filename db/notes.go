package db

import (
	"database/sql"
	"time"

	"github.com/fedipress/fedipress/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertNote = `INSERT INTO notes(id, user_id, message, created_at, visibility, in_reply_to_uri, object_uri, federated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectNoteById = `SELECT notes.id, accounts.username, notes.message, notes.created_at, notes.edited_at, notes.visibility, notes.in_reply_to_uri, notes.object_uri, notes.federated FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE notes.id = ?`
	sqlSelectNoteByObjectURI = `SELECT notes.id, accounts.username, notes.message, notes.created_at, notes.edited_at, notes.visibility, notes.in_reply_to_uri, notes.object_uri, notes.federated FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE notes.object_uri = ?`
	sqlSelectNotesByUsername = `SELECT notes.id, accounts.username, notes.message, notes.created_at, notes.edited_at, notes.visibility, notes.in_reply_to_uri, notes.object_uri, notes.federated FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE accounts.username = ?
                                                            ORDER BY notes.created_at DESC`
	sqlSelectAllNotes = `SELECT notes.id, accounts.username, notes.message, notes.created_at, notes.edited_at, notes.visibility, notes.in_reply_to_uri, notes.object_uri, notes.federated FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            ORDER BY notes.created_at DESC`
	sqlUpdateNoteMessage = `UPDATE notes SET message = ?, edited_at = ? WHERE id = ?`
	sqlDeleteNote        = `DELETE FROM notes WHERE id = ?`
)

// CreateNote stores a local post. The object URI anchors inbound replies
// and reactions to it.
func (db *DB) CreateNote(note *domain.Note, userId uuid.UUID) error {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	if note.Visibility == "" {
		note.Visibility = "public"
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNote,
			note.Id.String(), userId.String(), note.Message, note.CreatedAt,
			note.Visibility, note.InReplyToURI, note.ObjectURI, note.Federated)
		return err
	})
}

func (db *DB) ReadNoteById(id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.db.QueryRow(sqlSelectNoteById, id.String()))
}

// ReadNoteByObjectURI resolves a local object URL to the note it denotes.
// Inbound replies and reactions use this to find their local anchor.
func (db *DB) ReadNoteByObjectURI(uri string) (*domain.Note, error) {
	return scanNote(db.db.QueryRow(sqlSelectNoteByObjectURI, uri))
}

func (db *DB) ReadNotesByUsername(username string) ([]domain.Note, error) {
	rows, err := db.db.Query(sqlSelectNotesByUsername, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		note, err := scanNoteRow(rows)
		if err != nil {
			return notes, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}

func (db *DB) ReadAllNotes() ([]domain.Note, error) {
	rows, err := db.db.Query(sqlSelectAllNotes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		note, err := scanNoteRow(rows)
		if err != nil {
			return notes, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}

func (db *DB) UpdateNoteMessage(id uuid.UUID, message string) error {
	now := time.Now()
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateNoteMessage, message, now, id.String())
		return err
	})
}

func (db *DB) DeleteNote(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteNote, id.String())
		return err
	})
}

func scanNote(row *sql.Row) (*domain.Note, error) {
	note, err := scanNoteRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return note, err
}

func scanNoteRow(row rowScanner) (*domain.Note, error) {
	var note domain.Note
	var idStr string
	var editedAt sql.NullTime
	var inReplyTo, objectURI sql.NullString
	err := row.Scan(&idStr, &note.CreatedBy, &note.Message, &note.CreatedAt,
		&editedAt, &note.Visibility, &inReplyTo, &objectURI, &note.Federated)
	if err != nil {
		return nil, err
	}
	note.Id, _ = uuid.Parse(idStr)
	if editedAt.Valid {
		note.EditedAt = &editedAt.Time
	}
	note.InReplyToURI = inReplyTo.String
	note.ObjectURI = objectURI.String
	return &note, nil
}
