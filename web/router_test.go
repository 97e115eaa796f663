package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/domain"
	"github.com/fedipress/fedipress/util"
)

const testDomain = "local.example"

func init() {
	gin.SetMode(gin.TestMode)
}

func testServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 8080
	conf.Conf.SslDomain = testDomain
	conf.Conf.WithAp = true
	conf.Conf.SharedInbox = true

	return NewServer(conf, database), database
}

func getJSON(t *testing.T, engine *gin.Engine, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to decode response from %s: %v", path, err)
		}
	}
	return rec.Code, body
}

func addTestFollower(t *testing.T, database *db.DB, accountId uuid.UUID, n int) *domain.RemoteActor {
	t.Helper()
	actor := &domain.RemoteActor{
		Username: fmt.Sprintf("remote%d", n),
		Domain:   "remote.example",
		ActorURI: fmt.Sprintf("https://remote.example/users/remote%d", n),
		InboxURI: fmt.Sprintf("https://remote.example/users/remote%d/inbox", n),
	}
	if err := database.UpsertRemoteActor(actor); err != nil {
		t.Fatalf("Failed to upsert remote actor: %v", err)
	}
	if _, err := database.AddFollower(accountId, actor); err != nil {
		t.Fatalf("Failed to add follower: %v", err)
	}
	return actor
}

func TestActorDocument(t *testing.T) {
	server, database := testServer(t)
	if _, err := database.CreateAccount("alice", "Alice", "Just testing"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	engine := server.Routes()

	status, doc := getJSON(t, engine, "/users/alice")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	actorURI := "https://" + testDomain + "/users/alice"
	if doc["id"] != actorURI {
		t.Errorf("Expected id %q, got %v", actorURI, doc["id"])
	}
	if doc["type"] != "Person" {
		t.Errorf("Expected type Person, got %v", doc["type"])
	}
	if doc["preferredUsername"] != "alice" {
		t.Errorf("Expected preferredUsername alice, got %v", doc["preferredUsername"])
	}
	if doc["inbox"] != actorURI+"/inbox" {
		t.Errorf("Unexpected inbox: %v", doc["inbox"])
	}

	key, ok := doc["publicKey"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected publicKey object, got %v", doc["publicKey"])
	}
	if key["owner"] != actorURI {
		t.Errorf("Expected key owner %q, got %v", actorURI, key["owner"])
	}
	pem, _ := key["publicKeyPem"].(string)
	if !strings.Contains(pem, "PUBLIC KEY") {
		t.Errorf("Expected a PEM public key, got %q", pem)
	}

	endpoints, ok := doc["endpoints"].(map[string]interface{})
	if !ok || endpoints["sharedInbox"] != "https://"+testDomain+"/inbox" {
		t.Errorf("Expected shared inbox endpoint, got %v", doc["endpoints"])
	}
}

func TestActorNotFound(t *testing.T) {
	server, _ := testServer(t)
	status, _ := getJSON(t, server.Routes(), "/users/nobody")
	if status != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", status)
	}
}

func TestFollowersCollectionEnvelope(t *testing.T) {
	server, database := testServer(t)
	account, err := database.CreateAccount("alice", "Alice", "")
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	for i := 0; i < 3; i++ {
		addTestFollower(t, database, account.Id, i)
	}
	engine := server.Routes()

	status, doc := getJSON(t, engine, "/users/alice/followers")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if doc["type"] != "OrderedCollection" {
		t.Errorf("Expected OrderedCollection, got %v", doc["type"])
	}
	if doc["totalItems"] != float64(3) {
		t.Errorf("Expected totalItems 3, got %v", doc["totalItems"])
	}
	if _, hasItems := doc["orderedItems"]; hasItems {
		t.Error("Envelope should not inline items")
	}
}

func TestFollowersCollectionPage(t *testing.T) {
	server, database := testServer(t)
	account, err := database.CreateAccount("alice", "Alice", "")
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	for i := 0; i < 5; i++ {
		addTestFollower(t, database, account.Id, i)
	}
	engine := server.Routes()

	status, doc := getJSON(t, engine, "/users/alice/followers?page=1&per_page=2")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if doc["type"] != "OrderedCollectionPage" {
		t.Errorf("Expected OrderedCollectionPage, got %v", doc["type"])
	}
	items, ok := doc["orderedItems"].([]interface{})
	if !ok || len(items) != 2 {
		t.Fatalf("Expected 2 items, got %v", doc["orderedItems"])
	}
	if doc["partOf"] != "https://"+testDomain+"/users/alice/followers" {
		t.Errorf("Unexpected partOf: %v", doc["partOf"])
	}
	if _, hasNext := doc["next"]; !hasNext {
		t.Error("Expected next link on a non-final page")
	}
	if _, hasPrev := doc["prev"]; hasPrev {
		t.Error("First page should have no prev link")
	}

	status, last := getJSON(t, engine, "/users/alice/followers?page=3&per_page=2")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if _, hasNext := last["next"]; hasNext {
		t.Error("Final page should have no next link")
	}
	if _, hasPrev := last["prev"]; !hasPrev {
		t.Error("Expected prev link on the final page")
	}
}

func TestFollowingCollectionIsEmpty(t *testing.T) {
	server, database := testServer(t)
	if _, err := database.CreateAccount("alice", "Alice", ""); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	status, doc := getJSON(t, server.Routes(), "/users/alice/following")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if doc["totalItems"] != float64(0) {
		t.Errorf("Expected empty following collection, got %v", doc["totalItems"])
	}
}

func TestWebfinger(t *testing.T) {
	server, database := testServer(t)
	if _, err := database.CreateAccount("alice", "Alice", ""); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	engine := server.Routes()

	status, doc := getJSON(t, engine, "/.well-known/webfinger?resource=acct:alice@"+testDomain)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if doc["subject"] != "acct:alice@"+testDomain {
		t.Errorf("Unexpected subject: %v", doc["subject"])
	}
	links, ok := doc["links"].([]interface{})
	if !ok || len(links) != 1 {
		t.Fatalf("Expected one link, got %v", doc["links"])
	}
	self := links[0].(map[string]interface{})
	if self["href"] != "https://"+testDomain+"/users/alice" {
		t.Errorf("Unexpected self link: %v", self["href"])
	}

	status, _ = getJSON(t, engine, "/.well-known/webfinger?resource=acct:alice@elsewhere.example")
	if status != http.StatusNotFound {
		t.Errorf("Expected 404 for a foreign domain, got %d", status)
	}

	status, _ = getJSON(t, engine, "/.well-known/webfinger?resource=https://example.com/users/alice")
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-acct resource, got %d", status)
	}
}

func TestNodeinfo(t *testing.T) {
	server, database := testServer(t)
	account, err := database.CreateAccount("alice", "Alice", "")
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	if err := database.CreateNote(&domain.Note{Message: "hello"}, account.Id); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	engine := server.Routes()

	status, index := getJSON(t, engine, "/.well-known/nodeinfo")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	links, ok := index["links"].([]interface{})
	if !ok || len(links) != 1 {
		t.Fatalf("Expected one nodeinfo link, got %v", index["links"])
	}

	status, doc := getJSON(t, engine, "/nodeinfo/2.0")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if doc["version"] != "2.0" {
		t.Errorf("Expected version 2.0, got %v", doc["version"])
	}
	usage := doc["usage"].(map[string]interface{})
	users := usage["users"].(map[string]interface{})
	if users["total"] != float64(1) {
		t.Errorf("Expected 1 user, got %v", users["total"])
	}
	if usage["localPosts"] != float64(1) {
		t.Errorf("Expected 1 local post, got %v", usage["localPosts"])
	}
}

func TestNoteEndpoint(t *testing.T) {
	server, database := testServer(t)
	account, err := database.CreateAccount("alice", "Alice", "")
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	public := &domain.Note{
		Id:        uuid.New(),
		Message:   "a public note",
		CreatedAt: time.Now(),
	}
	public.ObjectURI = "https://" + testDomain + "/notes/" + public.Id.String()
	if err := database.CreateNote(public, account.Id); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}

	private := &domain.Note{
		Id:         uuid.New(),
		Message:    "followers only",
		Visibility: "followers",
	}
	if err := database.CreateNote(private, account.Id); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	engine := server.Routes()

	status, doc := getJSON(t, engine, "/notes/"+public.Id.String())
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if doc["type"] != "Note" {
		t.Errorf("Expected Note, got %v", doc["type"])
	}
	if doc["content"] != "a public note" {
		t.Errorf("Unexpected content: %v", doc["content"])
	}
	if doc["attributedTo"] != "https://"+testDomain+"/users/alice" {
		t.Errorf("Unexpected attributedTo: %v", doc["attributedTo"])
	}

	status, _ = getJSON(t, engine, "/notes/"+private.Id.String())
	if status != http.StatusNotFound {
		t.Errorf("Expected 404 for a non-public note, got %d", status)
	}

	status, _ = getJSON(t, engine, "/notes/not-a-uuid")
	if status != http.StatusNotFound {
		t.Errorf("Expected 404 for a malformed id, got %d", status)
	}
}

func TestFeed(t *testing.T) {
	server, database := testServer(t)
	account, err := database.CreateAccount("alice", "Alice", "")
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	if err := database.CreateNote(&domain.Note{Message: "note for the feed"}, account.Id); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	if err := database.CreateNote(&domain.Note{Message: "hidden", Visibility: "followers"}, account.Id); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	engine := server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "note for the feed") {
		t.Error("Expected the public note in the feed")
	}
	if strings.Contains(body, "hidden") {
		t.Error("Non-public notes must not leak into the feed")
	}

	req = httptest.NewRequest(http.MethodGet, "/feed?format=atom", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "atom") {
		t.Errorf("Expected an atom content type, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	engine := gin.New()
	engine.Use(RateLimitMiddleware(NewRateLimiter(1, 2)))
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("Burst requests should pass, got %v", codes)
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after the bucket drained, got %v", codes)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	engine := gin.New()
	engine.Use(MaxBytesMiddleware(64))
	engine.POST("/inbox", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	small := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader("ok"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, small)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for a small body, got %d", rec.Code)
	}

	big := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(bytes.Repeat([]byte("x"), 128)))
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for an oversized body, got %d", rec.Code)
	}
}
