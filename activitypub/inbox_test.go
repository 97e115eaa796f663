package activitypub

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/domain"
	"github.com/fedipress/fedipress/util"
	"github.com/google/uuid"
)

const testHost = "local.example"

type inboxFixture struct {
	database   *db.DB
	dispatcher *Dispatcher
	account    *domain.Account
	bob        *domain.RemoteActor
	bobKey     *rsa.PrivateKey
}

func newInboxFixture(t *testing.T, policy domain.FederationPolicy) *inboxFixture {
	t.Helper()
	database := testDB(t)

	account, err := database.CreateAccount("alice", "Alice", "")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := database.EnsureKeyPair(account); err != nil {
		t.Fatalf("EnsureKeyPair failed: %v", err)
	}

	keys := util.GeneratePemKeypair()
	bobKey, err := ParsePrivateKey(keys.Private)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	bob := &domain.RemoteActor{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/bob",
		DisplayName:   "Bob",
		InboxURI:      "https://remote.example/users/bob/inbox",
		PublicKeyPem:  keys.Public,
		LastFetchedAt: time.Now(),
	}
	if err := database.UpsertRemoteActor(bob); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	resolver := NewResolver(database)
	outbox := NewOutbox(database, policy, testHost)
	return &inboxFixture{
		database:   database,
		dispatcher: NewDispatcher(database, resolver, outbox, policy, testHost),
		account:    account,
		bob:        bob,
		bobKey:     bobKey,
	}
}

func (f *inboxFixture) signedPost(t *testing.T, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", target, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/activity+json")
	if err := SignRequest(req, []byte(body), f.bobKey, KeyId(f.bob.ActorURI)); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}

func (f *inboxFixture) postInbox(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := f.signedPost(t, "https://local.example/users/alice/inbox", body)
	f.dispatcher.HandleInbox(w, req, "alice")
	return w
}

func (f *inboxFixture) localNote(t *testing.T) *domain.Note {
	t.Helper()
	note := &domain.Note{
		Message:   "hello fediverse",
		ObjectURI: fmt.Sprintf("https://%s/notes/%s", testHost, uuid.NewString()),
		Federated: true,
	}
	if err := f.database.CreateNote(note, f.account.Id); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	return note
}

func followActivity(id string) string {
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": %q,
		"type": "Follow",
		"actor": "https://remote.example/users/bob",
		"object": "https://local.example/users/alice"
	}`, id)
}

func TestInboxFollowAutoAccept(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	w := f.postInbox(t, followActivity("https://remote.example/activities/f1"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	if _, err := f.database.ReadFollower(f.account.Id, f.bob.ActorURI); err != nil {
		t.Errorf("Expected follower edge, got %v", err)
	}

	// The Accept goes through the queue, addressed to bob's own inbox
	items, err := f.database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 queued delivery, got %d", len(items))
	}
	if items[0].InboxURI != f.bob.InboxURI {
		t.Errorf("Accept queued for %s, want %s", items[0].InboxURI, f.bob.InboxURI)
	}
	if !strings.Contains(items[0].ActivityJSON, `"Accept"`) {
		t.Errorf("Queued payload is not an Accept: %s", items[0].ActivityJSON)
	}
}

func TestInboxFollowRedeliveryIsNoop(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	f.postInbox(t, followActivity("https://remote.example/activities/f1"))
	w := f.postInbox(t, followActivity("https://remote.example/activities/f1"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 on redelivery, got %d", w.Code)
	}

	items, _ := f.database.ReadPendingDeliveries(10)
	if len(items) != 1 {
		t.Errorf("Redelivery produced a second Accept: %d queued", len(items))
	}
}

func TestInboxRejectsUnsigned(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	body := followActivity("https://remote.example/activities/f1")
	req := httptest.NewRequest("POST", "https://local.example/users/alice/inbox", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	f.dispatcher.HandleInbox(w, req, "alice")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unsigned request, got %d", w.Code)
	}
	if _, err := f.database.ReadFollower(f.account.Id, f.bob.ActorURI); err != db.ErrNotFound {
		t.Error("Unsigned follow must not create an edge")
	}
}

func TestInboxFollowManualApproval(t *testing.T) {
	policy := domain.DefaultPolicy()
	policy.ManualApproval = true
	f := newInboxFixture(t, policy)

	f.postInbox(t, followActivity("https://remote.example/activities/f1"))

	if _, err := f.database.ReadFollower(f.account.Id, f.bob.ActorURI); err != db.ErrNotFound {
		t.Error("Manual approval must not create the edge immediately")
	}
	pending, err := f.database.ReadPendingFollowRequests(f.account.Id)
	if err != nil {
		t.Fatalf("ReadPendingFollowRequests failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending request, got %d", len(pending))
	}
	items, _ := f.database.ReadPendingDeliveries(10)
	if len(items) != 0 {
		t.Errorf("No Accept may be queued before approval, got %d items", len(items))
	}
}

func TestInboxUndoFollow(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	if _, err := f.database.AddFollower(f.account.Id, f.bob); err != nil {
		t.Fatalf("AddFollower failed: %v", err)
	}

	undo := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example/activities/u1",
		"type": "Undo",
		"actor": %q,
		"object": {
			"id": "https://remote.example/activities/f1",
			"type": "Follow",
			"actor": %q,
			"object": "https://local.example/users/alice"
		}
	}`, f.bob.ActorURI, f.bob.ActorURI)

	w := f.postInbox(t, undo)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if _, err := f.database.ReadFollower(f.account.Id, f.bob.ActorURI); err != db.ErrNotFound {
		t.Error("Expected follower edge removed after Undo")
	}
}

func TestInboxUndoAnnounceIgnored(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())
	note := f.localNote(t)

	f.postInbox(t, fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example/activities/a1",
		"type": "Announce",
		"actor": %q,
		"object": %q
	}`, f.bob.ActorURI, note.ObjectURI))

	w := f.postInbox(t, fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example/activities/u2",
		"type": "Undo",
		"actor": %q,
		"object": {
			"id": "https://remote.example/activities/a1",
			"type": "Announce",
			"actor": %q,
			"object": %q
		}
	}`, f.bob.ActorURI, f.bob.ActorURI, note.ObjectURI))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	reactions, err := f.database.ReadReactionsByNoteId(note.Id)
	if err != nil {
		t.Fatalf("ReadReactionsByNoteId failed: %v", err)
	}
	if len(reactions) != 1 {
		t.Fatalf("Undo of an Announce has no defined effect, expected the reaction kept, got %d", len(reactions))
	}
}

func TestInboxLikeRecordedOnce(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())
	note := f.localNote(t)

	like := func(id string) string {
		return fmt.Sprintf(`{
			"@context": "https://www.w3.org/ns/activitystreams",
			"id": %q,
			"type": "Like",
			"actor": %q,
			"object": %q
		}`, id, f.bob.ActorURI, note.ObjectURI)
	}

	f.postInbox(t, like("https://remote.example/activities/l1"))
	// A second Like of the same note by the same actor is absorbed
	w := f.postInbox(t, like("https://remote.example/activities/l2"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	reactions, err := f.database.ReadReactionsByNoteId(note.Id)
	if err != nil {
		t.Fatalf("ReadReactionsByNoteId failed: %v", err)
	}
	if len(reactions) != 1 {
		t.Fatalf("Expected 1 reaction, got %d", len(reactions))
	}
	if reactions[0].Kind != domain.ReactionLike {
		t.Errorf("Expected like, got %s", reactions[0].Kind)
	}
}

func TestInboxReactionsDisabled(t *testing.T) {
	policy := domain.DefaultPolicy()
	policy.DisableReactions = true
	f := newInboxFixture(t, policy)
	note := f.localNote(t)

	f.postInbox(t, fmt.Sprintf(`{
		"id": "https://remote.example/activities/l1",
		"type": "Like",
		"actor": %q,
		"object": %q
	}`, f.bob.ActorURI, note.ObjectURI))

	reactions, _ := f.database.ReadReactionsByNoteId(note.Id)
	if len(reactions) != 0 {
		t.Errorf("Reactions disabled, expected none, got %d", len(reactions))
	}
}

func replyActivity(id, noteURI, content string) string {
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": %q,
		"type": "Create",
		"actor": "https://remote.example/users/bob",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"object": {
			"id": "%s-obj",
			"type": "Note",
			"attributedTo": "https://remote.example/users/bob",
			"inReplyTo": %q,
			"content": %q,
			"published": "2026-08-30T10:00:00Z"
		}
	}`, id, id, noteURI, content)
}

func TestInboxCreateStoresReply(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())
	note := f.localNote(t)

	w := f.postInbox(t, replyActivity("https://remote.example/activities/c1", note.ObjectURI, "nice post"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	replies, err := f.database.ReadRepliesByNoteId(note.Id)
	if err != nil {
		t.Fatalf("ReadRepliesByNoteId failed: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("Expected 1 reply, got %d", len(replies))
	}
	if replies[0].Content != "nice post" {
		t.Errorf("Unexpected content: %q", replies[0].Content)
	}
	if replies[0].AuthorURI != f.bob.ActorURI {
		t.Errorf("Unexpected author: %s", replies[0].AuthorURI)
	}
}

func TestInboxUpdateEditsReply(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())
	note := f.localNote(t)

	f.postInbox(t, replyActivity("https://remote.example/activities/c1", note.ObjectURI, "first"))

	update := strings.Replace(
		replyActivity("https://remote.example/activities/c1", note.ObjectURI, "edited"),
		`"type": "Create"`, `"type": "Update"`, 1)
	update = strings.Replace(update, "activities/c1", "activities/up1", 1)

	f.postInbox(t, update)

	replies, _ := f.database.ReadRepliesByNoteId(note.Id)
	if len(replies) != 1 {
		t.Fatalf("Expected 1 reply after edit, got %d", len(replies))
	}
	if replies[0].Content != "edited" {
		t.Errorf("Expected edited content, got %q", replies[0].Content)
	}
}

func TestInboxCreateWithoutLocalTargetDropped(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())
	note := f.localNote(t)

	w := f.postInbox(t, replyActivity("https://remote.example/activities/c9",
		"https://elsewhere.example/notes/unknown", "into the void"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Silent drop still answers 202, got %d", w.Code)
	}

	replies, _ := f.database.ReadRepliesByNoteId(note.Id)
	if len(replies) != 0 {
		t.Errorf("Expected no stored reply, got %d", len(replies))
	}
}

func TestInboxNonPublicCreateDropped(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())
	note := f.localNote(t)

	private := fmt.Sprintf(`{
		"id": "https://remote.example/activities/c2",
		"type": "Create",
		"actor": %q,
		"to": ["https://remote.example/users/someone"],
		"object": {
			"id": "https://remote.example/notes/private",
			"type": "Note",
			"content": "psst"
		}
	}`, f.bob.ActorURI)

	w := f.postInbox(t, private)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	replies, _ := f.database.ReadRepliesByNoteId(note.Id)
	if len(replies) != 0 {
		t.Errorf("Non-public activity must be dropped, got %d replies", len(replies))
	}
}

func TestInboxUnknownTypeAccepted(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	w := f.postInbox(t, fmt.Sprintf(`{
		"id": "https://remote.example/activities/m1",
		"type": "Move",
		"actor": %q,
		"object": "https://remote.example/users/bob2"
	}`, f.bob.ActorURI))

	if w.Code != http.StatusAccepted {
		t.Errorf("Unknown types are acknowledged with 202, got %d", w.Code)
	}
}

func TestInboxDeleteRemoteObject(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())
	note := f.localNote(t)

	f.postInbox(t, replyActivity("https://remote.example/activities/c1", note.ObjectURI, "soon gone"))

	w := f.postInbox(t, fmt.Sprintf(`{
		"id": "https://remote.example/activities/d1",
		"type": "Delete",
		"actor": %q,
		"object": {
			"id": "https://remote.example/activities/c1-obj",
			"type": "Tombstone",
			"formerType": "Note"
		}
	}`, f.bob.ActorURI))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	replies, _ := f.database.ReadRepliesByNoteId(note.Id)
	if len(replies) != 0 {
		t.Errorf("Expected reply trashed after Delete, got %d", len(replies))
	}
}

func TestSharedInboxRoutesByAddressing(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	body := followActivity("https://remote.example/activities/f1")
	req := f.signedPost(t, "https://local.example/inbox", body)
	w := httptest.NewRecorder()
	f.dispatcher.HandleSharedInbox(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if _, err := f.database.ReadFollower(f.account.Id, f.bob.ActorURI); err != nil {
		t.Errorf("Shared inbox follow did not reach alice: %v", err)
	}
}

func TestSharedInboxNoLocalTarget(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	body := fmt.Sprintf(`{
		"id": "https://remote.example/activities/f2",
		"type": "Follow",
		"actor": %q,
		"object": "https://other.example/users/nobody"
	}`, f.bob.ActorURI)
	req := f.signedPost(t, "https://local.example/inbox", body)
	w := httptest.NewRecorder()
	f.dispatcher.HandleSharedInbox(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if _, err := f.database.ReadFollower(f.account.Id, f.bob.ActorURI); err != db.ErrNotFound {
		t.Error("Follow of a foreign actor must not create a local edge")
	}
}

func TestInboxActorDeleteVerifiedByRefetch(t *testing.T) {
	f := newInboxFixture(t, domain.DefaultPolicy())

	// The actor's document now answers 410
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()

	keys := util.GeneratePemKeypair()
	key, _ := ParsePrivateKey(keys.Private)
	actor := &domain.RemoteActor{
		Id:            uuid.New(),
		Username:      "mallory",
		Domain:        "remote.example",
		ActorURI:      gone.URL + "/users/mallory",
		InboxURI:      gone.URL + "/users/mallory/inbox",
		PublicKeyPem:  keys.Public,
		LastFetchedAt: time.Now(),
	}
	if err := f.database.UpsertRemoteActor(actor); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}
	if _, err := f.database.AddFollower(f.account.Id, actor); err != nil {
		t.Fatalf("AddFollower failed: %v", err)
	}

	body := fmt.Sprintf(`{
		"id": %q,
		"type": "Delete",
		"actor": %q,
		"object": %q
	}`, actor.ActorURI+"#delete", actor.ActorURI, actor.ActorURI)

	req := httptest.NewRequest("POST", "https://local.example/users/alice/inbox", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/activity+json")
	if err := SignRequest(req, []byte(body), key, KeyId(actor.ActorURI)); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	w := httptest.NewRecorder()
	f.dispatcher.HandleInbox(w, req, "alice")

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if _, err := f.database.ReadFollower(f.account.Id, actor.ActorURI); err != db.ErrNotFound {
		t.Error("Expected follower removed after verified actor deletion")
	}
	if _, err := f.database.ReadRemoteActorByURI(actor.ActorURI); err != db.ErrNotFound {
		t.Error("Expected cached actor dropped after deletion")
	}
}

func TestInboxUnsignedSelfDeleteExemption(t *testing.T) {
	policy := domain.DefaultPolicy()
	policy.AllowUnsignedDelete = true
	f := newInboxFixture(t, policy)

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()

	actor := &domain.RemoteActor{
		Id:            uuid.New(),
		Username:      "mallory",
		Domain:        "remote.example",
		ActorURI:      gone.URL + "/users/mallory",
		InboxURI:      gone.URL + "/users/mallory/inbox",
		LastFetchedAt: time.Now(),
	}
	if err := f.database.UpsertRemoteActor(actor); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}
	if _, err := f.database.AddFollower(f.account.Id, actor); err != nil {
		t.Fatalf("AddFollower failed: %v", err)
	}

	body := fmt.Sprintf(`{
		"id": %q,
		"type": "Delete",
		"actor": %q,
		"object": %q
	}`, actor.ActorURI+"#delete", actor.ActorURI, actor.ActorURI)

	// No Signature header at all
	req := httptest.NewRequest("POST", "https://local.example/users/alice/inbox", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/activity+json")
	w := httptest.NewRecorder()
	f.dispatcher.HandleInbox(w, req, "alice")

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 under the exemption, got %d", w.Code)
	}
	if _, err := f.database.ReadFollower(f.account.Id, actor.ActorURI); err != db.ErrNotFound {
		t.Error("Expected follower removed after exempted actor deletion")
	}
}
