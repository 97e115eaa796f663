package activitypub

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/domain"
	"github.com/fedipress/fedipress/streams"
)

// Outbox builds outgoing activities and hands them to the delivery queue.
// Enqueueing is the asynchronous boundary: every Send method returns once
// the rows are durable, actual POSTs happen in the delivery worker.
type Outbox struct {
	database *db.DB
	policy   domain.FederationPolicy
	host     string
}

func NewOutbox(database *db.DB, policy domain.FederationPolicy, host string) *Outbox {
	return &Outbox{database: database, policy: policy, host: host}
}

// LocalActorURI returns the canonical URI of a local account.
func (o *Outbox) LocalActorURI(account *domain.Account) string {
	return ActorURI(o.host, account.Username)
}

func (o *Outbox) followersURI(account *domain.Account) string {
	return o.LocalActorURI(account) + "/followers"
}

// BuildNote renders a local note as an AS2 Note object with its audience
// derived from the note's visibility.
func (o *Outbox) BuildNote(account *domain.Account, note *domain.Note) *streams.Object {
	obj := streams.New("Note")
	obj.Set("id", note.ObjectURI)
	obj.Set("attributed_to", o.LocalActorURI(account))
	obj.Set("content", note.Message)
	obj.Set("published", note.CreatedAt.UTC().Format(time.RFC3339))
	if note.EditedAt != nil {
		obj.Set("updated", note.EditedAt.UTC().Format(time.RFC3339))
	}
	obj.Set("url", note.ObjectURI)
	if note.InReplyToURI != "" {
		obj.Set("in_reply_to", note.InReplyToURI)
	}

	switch note.Visibility {
	case "unlisted":
		obj.Set("to", []interface{}{o.followersURI(account)})
		obj.Set("cc", []interface{}{streams.PublicAudience})
	case "followers":
		obj.Set("to", []interface{}{o.followersURI(account)})
	default:
		obj.Set("to", []interface{}{streams.PublicAudience})
		obj.Set("cc", []interface{}{o.followersURI(account)})
	}
	return obj
}

// SendCreate federates a new local note to every follower inbox.
func (o *Outbox) SendCreate(account *domain.Account, note *domain.Note) error {
	return o.sendNoteActivity("Create", account, note)
}

// SendUpdate federates an edit of an existing note.
func (o *Outbox) SendUpdate(account *domain.Account, note *domain.Note) error {
	return o.sendNoteActivity("Update", account, note)
}

func (o *Outbox) sendNoteActivity(verb string, account *domain.Account, note *domain.Note) error {
	activity := streams.NewActivity(verb)
	activity.Set("actor", o.LocalActorURI(account))
	if err := activity.SetObject(o.BuildNote(account, note)); err != nil {
		return fmt.Errorf("failed to build %s activity: %w", verb, err)
	}

	payload, err := activity.ToJSON(true)
	if err != nil {
		return fmt.Errorf("failed to serialize %s activity: %w", verb, err)
	}

	o.recordLocal(activity, account, verb, note.ObjectURI, payload)
	return o.fanOut(account, note.ObjectURI, payload)
}

// SendDelete withdraws a note: queued deliveries of the note are cancelled
// and a Delete with a Tombstone goes out to the followers. Deliveries
// already in flight complete, the protocol is at-least-once.
func (o *Outbox) SendDelete(account *domain.Account, note *domain.Note) error {
	if err := o.database.CancelDeliveriesForObject(note.ObjectURI); err != nil {
		log.Printf("Outbox: Failed to cancel deliveries for %s: %v", note.ObjectURI, err)
	}

	tombstone := streams.New("Tombstone")
	tombstone.Set("id", note.ObjectURI)
	tombstone.Set("former_type", "Note")
	tombstone.Set("deleted", time.Now().UTC().Format(time.RFC3339))
	tombstone.Set("to", []interface{}{streams.PublicAudience})

	activity := streams.NewActivity("Delete")
	activity.Set("actor", o.LocalActorURI(account))
	if err := activity.SetObject(tombstone); err != nil {
		return fmt.Errorf("failed to build Delete activity: %w", err)
	}

	payload, err := activity.ToJSON(true)
	if err != nil {
		return fmt.Errorf("failed to serialize Delete activity: %w", err)
	}

	o.recordLocal(activity, account, "Delete", note.ObjectURI, payload)
	return o.fanOut(account, note.ObjectURI, payload)
}

// SendAccept confirms a Follow to the actor that sent it.
func (o *Outbox) SendAccept(account *domain.Account, remote *domain.RemoteActor, followURI string) error {
	return o.sendFollowResponse("Accept", account, remote, followURI)
}

// SendReject declines a Follow.
func (o *Outbox) SendReject(account *domain.Account, remote *domain.RemoteActor, followURI string) error {
	return o.sendFollowResponse("Reject", account, remote, followURI)
}

func (o *Outbox) sendFollowResponse(verb string, account *domain.Account, remote *domain.RemoteActor, followURI string) error {
	localURI := o.LocalActorURI(account)

	follow := streams.New("Follow")
	follow.Set("id", followURI)
	follow.Set("actor", remote.ActorURI)
	follow.Set("object", localURI)

	activity := streams.NewActivity(verb)
	activity.Set("id", fmt.Sprintf("%s#%s/follows/%s", localURI, verb, uuid.NewString()))
	activity.Set("actor", localURI)
	activity.Set("object", follow)
	activity.Set("to", []interface{}{remote.ActorURI})

	payload, err := activity.ToJSON(true)
	if err != nil {
		return fmt.Errorf("failed to serialize %s activity: %w", verb, err)
	}

	// Follow responses go to the personal inbox so the one actor that
	// asked gets the answer even behind a shared endpoint.
	return o.enqueue(account, remote.InboxURI, remote.ActorURI, followURI, payload)
}

// ApproveFollowRequest turns a pending request into a follower edge and
// sends the Accept. The request row is gone afterwards.
func (o *Outbox) ApproveFollowRequest(resolver *Resolver, requestId uuid.UUID) error {
	request, err := o.database.ReadFollowRequestById(requestId)
	if err != nil {
		return err
	}
	remote, err := resolver.ResolveActorByURL(request.ActorURI)
	if err != nil {
		return err
	}
	account, err := o.database.ReadAccountById(request.AccountId)
	if err != nil {
		return err
	}

	if _, err := o.database.AddFollower(account.Id, remote); err != nil {
		return err
	}
	if err := o.SendAccept(account, remote, request.ActivityURI); err != nil {
		return err
	}
	return o.database.DeleteFollowRequest(request.Id)
}

// RejectFollowRequest declines a pending request and drops it.
func (o *Outbox) RejectFollowRequest(resolver *Resolver, requestId uuid.UUID) error {
	request, err := o.database.ReadFollowRequestById(requestId)
	if err != nil {
		return err
	}
	remote, err := resolver.ResolveActorByURL(request.ActorURI)
	if err != nil {
		return err
	}
	account, err := o.database.ReadAccountById(request.AccountId)
	if err != nil {
		return err
	}

	if err := o.SendReject(account, remote, request.ActivityURI); err != nil {
		return err
	}
	return o.database.DeleteFollowRequest(request.Id)
}

// fanOut enqueues one delivery per deduplicated follower inbox. With
// shared inboxes preferred, followers behind the same endpoint cost a
// single POST.
func (o *Outbox) fanOut(account *domain.Account, objectURI string, payload []byte) error {
	inboxes, err := o.database.InboxesFor(account.Id, o.policy.SharedInbox)
	if err != nil {
		return fmt.Errorf("failed to resolve follower inboxes: %w", err)
	}

	for _, inbox := range inboxes {
		if err := o.enqueue(account, inbox, "", objectURI, payload); err != nil {
			log.Printf("Outbox: Failed to enqueue delivery to %s: %v", inbox, err)
		}
	}
	log.Printf("Outbox: Enqueued %d deliveries for %s", len(inboxes), objectURI)
	return nil
}

func (o *Outbox) enqueue(account *domain.Account, inboxURI, actorURI, objectURI string, payload []byte) error {
	return o.database.EnqueueDelivery(&domain.DeliveryQueueItem{
		AccountId:    account.Id,
		InboxURI:     inboxURI,
		ActorURI:     actorURI,
		ObjectURI:    objectURI,
		ActivityJSON: string(payload),
	})
}

func (o *Outbox) recordLocal(activity *streams.Activity, account *domain.Account, verb, objectURI string, payload []byte) {
	record := &domain.Activity{
		ActivityURI:  activity.GetString("id"),
		ActivityType: verb,
		ActorURI:     o.LocalActorURI(account),
		ObjectURI:    objectURI,
		RawJSON:      string(payload),
		Processed:    true,
		Local:        true,
	}
	if err := o.database.RecordActivity(record); err != nil && err != db.ErrAlreadyExists {
		log.Printf("Outbox: Failed to record local activity: %v", err)
	}
}
