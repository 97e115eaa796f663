package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Account is a local actor: a publishing identity on this node.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s", acc.Id, acc.Username, acc.CreatedAt)
}

// HasKeyPair reports whether the signing key pair was already generated.
func (acc *Account) HasKeyPair() bool {
	return acc.WebPublicKey != "" && acc.WebPrivateKey != ""
}
