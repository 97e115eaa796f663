package db

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

// ErrNotFound is returned by reads that match no row.
var ErrNotFound = errors.New("db: not found")

// ErrAlreadyExists is returned when an insert hits a uniqueness
// constraint. Uniqueness constraints are the idempotence primitive: a
// duplicate insert is a signal to the caller, never a crash.
var ErrAlreadyExists = errors.New("db: already exists")

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id TEXT NOT NULL PRIMARY KEY,
                        username TEXT UNIQUE NOT NULL,
                        display_name TEXT,
                        summary TEXT,
                        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
                        web_public_key TEXT,
                        web_private_key TEXT
                        )`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes(
                        id TEXT NOT NULL PRIMARY KEY,
                        user_id TEXT NOT NULL,
                        message TEXT,
                        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
                        edited_at TIMESTAMP,
                        visibility TEXT DEFAULT 'public',
                        in_reply_to_uri TEXT,
                        object_uri TEXT,
                        federated INTEGER DEFAULT 1
                        )`
)

// Open opens (or creates) the database at path and runs the schema setup.
// Tests use this with a temp path; production code goes through GetDB.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Connection pool sized for concurrent inbox handling
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqlDB}
	if err := database.CreateDB(); err != nil {
		return nil, err
	}
	return database, nil
}

// GetDB returns the process-wide database, opening it on first use.
func GetDB() *DB {
	dbOnce.Do(func() {
		database, err := Open("fedipress.db")
		if err != nil {
			panic(err)
		}
		dbInstance = database
		if err := dbInstance.RunMigrations(); err != nil {
			panic(err)
		}
	})

	return dbInstance
}

// CreateDB creates the base tables.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlCreateAccountsTable); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateNotesTable); err != nil {
			return err
		}
		return nil
	})
}

// Close releases the underlying pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying
// on SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			var serr *sqlite.Error
			if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// isUniqueViolation reports whether an insert failed because of a
// uniqueness constraint.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
