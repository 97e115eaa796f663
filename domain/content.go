package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Note is a local post, the unit of content this node federates.
type Note struct {
	Id           uuid.UUID
	CreatedBy    string
	Message      string
	CreatedAt    time.Time
	EditedAt     *time.Time
	Visibility   string // "public", "unlisted", "followers"
	InReplyToURI string
	ObjectURI    string
	Federated    bool
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tCreatedBy: %s \n\tMessage: %s \n\tCreatedAt: %s", note.Id, note.CreatedBy, note.Message, note.CreatedAt)
}

// Reply is a remote comment anchored to a local note, keyed by the remote
// object URI for idempotent upserts.
type Reply struct {
	Id         uuid.UUID
	NoteId     uuid.UUID
	ObjectURI  string
	AuthorURI  string
	AuthorName string
	Content    string
	Published  time.Time
	Trashed    bool
	CreatedAt  time.Time
}

// Reaction kinds match the activity verbs that produce them.
const (
	ReactionLike     = "like"
	ReactionAnnounce = "announce"
)

// Reaction is a remote Like or Announce recorded against a local note.
type Reaction struct {
	Id          uuid.UUID
	NoteId      uuid.UUID
	Kind        string
	ObjectURI   string
	ActivityURI string
	ActorURI    string
	ActorName   string
	Trashed     bool
	CreatedAt   time.Time
}

// SaveNote is the write model for creating a local note.
type SaveNote struct {
	UserId  uuid.UUID
	Message string
}
