package activitypub

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/domain"
	"github.com/fedipress/fedipress/streams"
)

// handlerFunc processes one verified activity for one local account.
type handlerFunc func(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error

// Dispatcher is the inbox state machine: verify, classify, deduplicate,
// gate visibility, then dispatch to the per-verb handler. Handler errors
// are logged per activity; a verified, parseable activity always answers
// 202 so remote servers do not retry what we chose to drop.
type Dispatcher struct {
	database *db.DB
	resolver *Resolver
	outbox   *Outbox
	policy   domain.FederationPolicy
	host     string
	handlers map[string]handlerFunc
}

func NewDispatcher(database *db.DB, resolver *Resolver, outbox *Outbox, policy domain.FederationPolicy, host string) *Dispatcher {
	d := &Dispatcher{
		database: database,
		resolver: resolver,
		outbox:   outbox,
		policy:   policy,
		host:     host,
	}
	d.handlers = map[string]handlerFunc{
		"follow":   d.handleFollow,
		"undo":     d.handleUndo,
		"like":     d.handleLike,
		"announce": d.handleAnnounce,
		"create":   d.handleCreate,
		"update":   d.handleUpdate,
		"delete":   d.handleDelete,
		"accept":   d.handleAccept,
	}
	return d
}

// HandleInbox processes a POST to a single actor's inbox.
func (d *Dispatcher) HandleInbox(w http.ResponseWriter, r *http.Request, username string) {
	account, err := d.database.ReadAccountByUsername(username)
	if err != nil {
		http.Error(w, "Unknown actor", http.StatusNotFound)
		return
	}
	d.process(w, r, []domain.Account{*account})
}

// HandleSharedInbox processes a POST to the instance-wide inbox. The
// target accounts are derived from the addressing of the activity, with
// the sender's existing follower edges as the fallback.
func (d *Dispatcher) HandleSharedInbox(w http.ResponseWriter, r *http.Request) {
	d.process(w, r, nil)
}

func (d *Dispatcher) process(w http.ResponseWriter, r *http.Request, accounts []domain.Account) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Printf("Inbox: Failed to parse activity: %v", err)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	typ := payloadType(payload)
	actorURI := stringField(payload, "actor")
	activityURI := stringField(payload, "id")
	if typ == "" || actorURI == "" {
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	log.Printf("Inbox: Received %s from %s", typ, actorURI)

	remote, ok := d.authenticate(w, r, typ, actorURI, objectIDOf(payload))
	if !ok {
		return
	}

	// Idempotence gate: the unique activity URI makes redelivery a no-op.
	var record *domain.Activity
	if activityURI != "" {
		record = &domain.Activity{
			ActivityURI:  activityURI,
			ActivityType: typ,
			ActorURI:     actorURI,
			ObjectURI:    objectIDOf(payload),
			RawJSON:      string(body),
		}
		if err := d.database.RecordActivity(record); err != nil {
			if err == db.ErrAlreadyExists {
				log.Printf("Inbox: Duplicate activity %s, skipping", activityURI)
				w.WriteHeader(http.StatusAccepted)
				return
			}
			log.Printf("Inbox: Failed to record activity: %v", err)
		}
	} else {
		log.Printf("Inbox: Activity without id from %s, processing without dedup", actorURI)
	}

	verb := strings.ToLower(typ)

	if !d.passesVisibilityGate(verb, payload) {
		log.Printf("Inbox: Dropping non-public %s from %s", typ, actorURI)
		d.finish(w, record)
		return
	}

	handler, known := d.handlers[verb]
	if !known {
		log.Printf("Inbox: Unsupported activity type: %s", typ)
		d.finish(w, record)
		return
	}

	if accounts == nil {
		accounts = d.sharedInboxTargets(payload, remote)
		if len(accounts) == 0 {
			log.Printf("Inbox: No local target for %s from %s", typ, actorURI)
			d.finish(w, record)
			return
		}
	}

	for i := range accounts {
		if err := handler(&accounts[i], payload, remote); err != nil {
			log.Printf("Inbox: Failed to handle %s for %s: %v", typ, accounts[i].Username, err)
		}
	}

	d.finish(w, record)
}

func (d *Dispatcher) finish(w http.ResponseWriter, record *domain.Activity) {
	if record != nil {
		if err := d.database.MarkActivityProcessed(record.Id); err != nil {
			log.Printf("Inbox: Failed to mark activity processed: %v", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// authenticate resolves the sending actor and verifies the request
// signature against its key. The only way around verification is the
// explicit policy exemption for Delete, and taking it is logged.
func (d *Dispatcher) authenticate(w http.ResponseWriter, r *http.Request, typ, actorURI, objectURI string) (*domain.RemoteActor, bool) {
	isSelfDelete := typ == "Delete" && objectURI == actorURI

	if r.Header.Get("Signature") == "" {
		if isSelfDelete && d.policy.AllowUnsignedDelete {
			log.Printf("Inbox: Accepting unsigned Delete for %s by policy exemption", actorURI)
			return nil, true
		}
		log.Printf("Inbox: Missing HTTP signature from %s", actorURI)
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return nil, false
	}

	remote, err := d.resolver.ResolveActorByURL(actorURI)
	if err != nil {
		// A deleted actor's document is gone, so its Delete can no
		// longer be verified by key. The handler re-checks 404/410.
		if isSelfDelete {
			return nil, true
		}
		log.Printf("Inbox: Failed to resolve actor %s: %v", actorURI, err)
		http.Error(w, "Failed to verify actor", http.StatusUnauthorized)
		return nil, false
	}

	signer, err := VerifyRequest(r, remote.PublicKeyPem, d.policy.MaxClockSkew)
	if err != nil {
		log.Printf("Inbox: Signature verification failed for %s: %v", actorURI, err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	if signer != actorURI {
		log.Printf("Inbox: Key owner %s does not match actor %s", signer, actorURI)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return nil, false
	}

	return remote, true
}

// passesVisibilityGate applies the public-audience requirement to
// content-bearing activities. A reply addressed to a local note counts as
// a recognized private interaction and passes.
func (d *Dispatcher) passesVisibilityGate(verb string, payload map[string]interface{}) bool {
	if !d.policy.RequirePublicAudience {
		return true
	}
	if verb != "create" && verb != "update" {
		return true
	}
	if streams.IsPublic(payload) {
		return true
	}
	inner := objectMap(payload)
	if inner != nil && streams.IsPublic(inner) {
		return true
	}
	return d.isReplyToLocal(inner)
}

func (d *Dispatcher) isReplyToLocal(inner map[string]interface{}) bool {
	if inner == nil {
		return false
	}
	inReplyTo := stringField(inner, "inReplyTo")
	if inReplyTo == "" {
		return false
	}
	_, err := d.database.ReadNoteByObjectURI(inReplyTo)
	return err == nil
}

// sharedInboxTargets maps an activity arriving on the shared inbox to the
// local accounts it concerns: actors named in the addressing first, then
// accounts the sender already follows.
func (d *Dispatcher) sharedInboxTargets(payload map[string]interface{}, remote *domain.RemoteActor) []domain.Account {
	addressed := make(map[string]bool)
	for _, key := range []string{"to", "cc", "audience"} {
		for _, uri := range stringList(payload[key]) {
			addressed[uri] = true
		}
	}
	if obj := stringField(payload, "object"); obj != "" {
		addressed[obj] = true
	}

	accounts, err := d.database.ReadAllAccounts()
	if err != nil {
		log.Printf("Inbox: Failed to list accounts: %v", err)
		return nil
	}

	var targets []domain.Account
	for _, account := range accounts {
		localURI := ActorURI(d.host, account.Username)
		if addressed[localURI] || addressed[localURI+"/followers"] {
			targets = append(targets, account)
		}
	}
	if len(targets) > 0 || remote == nil {
		return targets
	}

	// Fallback: route to the accounts this actor follows.
	for _, account := range accounts {
		if _, err := d.database.ReadFollower(account.Id, remote.ActorURI); err == nil {
			targets = append(targets, account)
		}
	}
	return targets
}

func (d *Dispatcher) handleFollow(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	localURI := ActorURI(d.host, account.Username)
	if target := objectIDOf(payload); target != localURI {
		log.Printf("Inbox: Follow targets %s, not %s, ignoring", target, localURI)
		return nil
	}
	followURI := stringField(payload, "id")

	if d.policy.ManualApproval {
		if _, err := d.database.CreateFollowRequest(account.Id, remote.ActorURI, followURI); err != nil {
			return err
		}
		log.Printf("Inbox: Follow from %s@%s pending approval", remote.Username, remote.Domain)
		return nil
	}

	if _, err := d.database.AddFollower(account.Id, remote); err != nil {
		return err
	}
	if err := d.outbox.SendAccept(account, remote, followURI); err != nil {
		return err
	}
	log.Printf("Inbox: Accepted follow from %s@%s", remote.Username, remote.Domain)
	return nil
}

// handleUndo reverses a Follow or a Like. Undo of anything else,
// Announce included, is ignored.
func (d *Dispatcher) handleUndo(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	inner := objectMap(payload)
	if inner == nil {
		log.Printf("Inbox: Undo without embedded object, ignoring")
		return nil
	}

	switch payloadType(inner) {
	case "Follow":
		if err := d.database.RemoveFollower(account.Id, remote.ActorURI); err != nil {
			return err
		}
		// An undone pending request disappears without a Reject.
		if request, err := d.database.ReadFollowRequest(account.Id, remote.ActorURI); err == nil {
			d.database.DeleteFollowRequest(request.Id)
		}
		log.Printf("Inbox: Removed follow from %s@%s", remote.Username, remote.Domain)
	case "Like":
		if err := d.database.TrashReaction(stringField(inner, "id")); err != nil {
			return err
		}
		log.Printf("Inbox: Undid like from %s", remote.ActorURI)
	default:
		log.Printf("Inbox: Undo of unsupported type %s, ignoring", payloadType(inner))
	}
	return nil
}

func (d *Dispatcher) handleLike(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	return d.recordReaction(account, payload, remote, domain.ReactionLike)
}

func (d *Dispatcher) handleAnnounce(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	return d.recordReaction(account, payload, remote, domain.ReactionAnnounce)
}

func (d *Dispatcher) recordReaction(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor, kind string) error {
	if d.policy.DisableReactions {
		log.Printf("Inbox: Reactions disabled, ignoring %s", kind)
		return nil
	}

	objectURI := objectIDOf(payload)
	note, err := d.database.ReadNoteByObjectURI(objectURI)
	if err != nil {
		log.Printf("Inbox: %s targets unknown object %s, ignoring", kind, objectURI)
		return nil
	}

	err = d.database.RecordReaction(&domain.Reaction{
		NoteId:      note.Id,
		Kind:        kind,
		ObjectURI:   objectURI,
		ActivityURI: stringField(payload, "id"),
		ActorURI:    remote.ActorURI,
		ActorName:   remote.DisplayName,
	})
	if err == db.ErrAlreadyExists {
		log.Printf("Inbox: Repeated %s from %s, skipping", kind, remote.ActorURI)
		return nil
	}
	return err
}

func (d *Dispatcher) handleCreate(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	return d.upsertReply(account, payload, remote)
}

// handleUpdate covers both edited replies and actor profile updates.
func (d *Dispatcher) handleUpdate(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	inner := objectMap(payload)
	if inner != nil {
		switch payloadType(inner) {
		case "Person", "Application", "Group", "Organization", "Service":
			d.resolver.Invalidate(stringField(inner, "id"))
			if _, err := d.resolver.ResolveActorByURL(stringField(inner, "id")); err != nil {
				return err
			}
			log.Printf("Inbox: Refreshed profile for %s", stringField(inner, "id"))
			return nil
		}
	}
	return d.upsertReply(account, payload, remote)
}

// upsertReply anchors a remote Note to the local note it replies to. The
// remote object id is the idempotence key, so Create redelivery and
// Update both land as an upsert.
func (d *Dispatcher) upsertReply(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	if d.policy.DisableIncomingInteractions {
		log.Printf("Inbox: Incoming interactions disabled, ignoring")
		return nil
	}

	inner := objectMap(payload)
	if inner == nil {
		log.Printf("Inbox: %s without embedded object, ignoring", payloadType(payload))
		return nil
	}

	inReplyTo := stringField(inner, "inReplyTo")
	note, err := d.database.ReadNoteByObjectURI(inReplyTo)
	if err != nil {
		log.Printf("Inbox: Reply %s targets no local object, ignoring", stringField(inner, "id"))
		return nil
	}

	published := time.Now()
	if ts, err := time.Parse(time.RFC3339, stringField(inner, "published")); err == nil {
		published = ts
	}

	authorURI := stringField(inner, "attributedTo")
	if authorURI == "" && remote != nil {
		authorURI = remote.ActorURI
	}
	authorName := ""
	if remote != nil {
		authorName = remote.DisplayName
	}

	err = d.database.UpsertReply(&domain.Reply{
		NoteId:     note.Id,
		ObjectURI:  stringField(inner, "id"),
		AuthorURI:  authorURI,
		AuthorName: authorName,
		Content:    stringField(inner, "content"),
		Published:  published,
	})
	if err != nil {
		return err
	}
	log.Printf("Inbox: Stored reply %s on note %s", stringField(inner, "id"), note.Id)
	return nil
}

// handleDelete distinguishes actor deletion from object deletion. Actor
// deletion is believed only when a re-fetch of the actor document answers
// 404 or 410; the payload alone proves nothing.
func (d *Dispatcher) handleDelete(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	actorURI := stringField(payload, "actor")
	objectURI := objectIDOf(payload)
	if objectURI == "" {
		log.Printf("Inbox: Delete without object, ignoring")
		return nil
	}

	if objectURI == actorURI {
		if !d.resolver.ActorGone(actorURI) {
			log.Printf("Inbox: Actor %s claims deletion but document is still served, ignoring", actorURI)
			return nil
		}
		if err := d.database.RemoveFollower(account.Id, actorURI); err != nil {
			return err
		}
		if request, err := d.database.ReadFollowRequest(account.Id, actorURI); err == nil {
			d.database.DeleteFollowRequest(request.Id)
		}
		d.resolver.Invalidate(actorURI)
		log.Printf("Inbox: Removed deleted actor %s", actorURI)
		return nil
	}

	if err := d.database.TrashReply(objectURI); err != nil {
		return err
	}
	if err := d.database.DeleteActivitiesByObjectURI(objectURI); err != nil {
		return err
	}
	log.Printf("Inbox: Deleted remote object %s", objectURI)
	return nil
}

// handleAccept acknowledges confirmations of activities we sent. The node
// keeps no outbound-follow state, so logging is the whole job.
func (d *Dispatcher) handleAccept(account *domain.Account, payload map[string]interface{}, remote *domain.RemoteActor) error {
	log.Printf("Inbox: %s confirmed %s", stringField(payload, "actor"), objectIDOf(payload))
	return nil
}

// payloadType returns the type of a decoded payload, taking the first
// entry when the type is a list.
func payloadType(m map[string]interface{}) string {
	switch t := m["type"].(type) {
	case string:
		return t
	case []interface{}:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func stringList(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// objectMap returns the embedded object of an activity, or nil when the
// object is a bare URI.
func objectMap(m map[string]interface{}) map[string]interface{} {
	inner, _ := m["object"].(map[string]interface{})
	return inner
}

// objectIDOf returns the object URI whether the object is a string or an
// embedded object.
func objectIDOf(m map[string]interface{}) string {
	switch obj := m["object"].(type) {
	case string:
		return obj
	case map[string]interface{}:
		return stringField(obj, "id")
	}
	return ""
}
