package db

import (
	"database/sql"
	"time"

	"github.com/fedipress/fedipress/domain"
	"github.com/fedipress/fedipress/util"
	"github.com/google/uuid"
)

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE username = ?`
	sqlSelectAccountById       = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE id = ?`
	sqlSelectAllAccounts       = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts ORDER BY created_at ASC`

	sqlUpdateAccountKeys = `UPDATE accounts SET web_public_key = ?, web_private_key = ? WHERE id = ?`
)

// CreateAccount creates a local actor. The signing key pair is not
// generated here; it is created lazily on first federation use.
func (db *DB) CreateAccount(username, displayName, summary string) (*domain.Account, error) {
	acc := &domain.Account{
		Id:          uuid.New(),
		Username:    username,
		DisplayName: displayName,
		Summary:     summary,
		CreatedAt:   time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary,
			acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return acc, nil
}

func (db *DB) ReadAccountByUsername(username string) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountByUsername, username))
}

func (db *DB) ReadAccountById(id uuid.UUID) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountById, id.String()))
}

func (db *DB) ReadAllAccounts() ([]domain.Account, error) {
	rows, err := db.db.Query(sqlSelectAllAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccountRow(rows)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// EnsureKeyPair returns the account's signing key pair, generating and
// persisting one on first access. A key pair already present is never
// regenerated.
func (db *DB) EnsureKeyPair(acc *domain.Account) error {
	if acc.HasKeyPair() {
		return nil
	}
	keypair := util.GeneratePemKeypair()
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAccountKeys, keypair.Public, keypair.Private, acc.Id.String())
		return err
	})
	if err != nil {
		return err
	}
	acc.WebPublicKey = keypair.Public
	acc.WebPrivateKey = keypair.Private
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanAccount(row *sql.Row) (*domain.Account, error) {
	acc, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return acc, err
}

func scanAccountRow(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	var displayName, summary, pubKey, privKey sql.NullString
	err := row.Scan(&idStr, &acc.Username, &displayName, &summary,
		&acc.CreatedAt, &pubKey, &privKey)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.WebPublicKey = pubKey.String
	acc.WebPrivateKey = privKey.String
	return &acc, nil
}
