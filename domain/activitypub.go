package domain

import (
	"github.com/google/uuid"
	"time"
)

// RemoteActor is a cached profile of a federated actor on another node.
type RemoteActor struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// BestInbox returns the shared inbox when the actor advertises one,
// otherwise the personal inbox.
func (r *RemoteActor) BestInbox() string {
	if r.SharedInboxURI != "" {
		return r.SharedInboxURI
	}
	return r.InboxURI
}

// Follower is a durable follow edge from a remote actor to a local account.
// The edge exists only after an Accept was sent for the corresponding Follow.
type Follower struct {
	Id             uuid.UUID
	AccountId      uuid.UUID
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FollowerError is one entry in a follower's rolling delivery error log.
type FollowerError struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	Message    string
	CreatedAt  time.Time
}

// Follow request states. Transitions are one-way: pending may become
// approved or rejected, nothing moves back to pending.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// FollowRequest is a not-yet-accepted subscription from a remote actor.
type FollowRequest struct {
	Id          uuid.UUID
	AccountId   uuid.UUID
	ActorURI    string
	ActivityURI string
	Status      string
	CreatedAt   time.Time
}

// Activity is a processed-activity record, kept for idempotence checks
// and for rendering the outbox.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Local        bool
	CreatedAt    time.Time
}

// DeliveryQueueItem is one pending outbound POST to a single inbox.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	AccountId    uuid.UUID
	InboxURI     string
	ActorURI     string
	ObjectURI    string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
