package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/domain"
	"github.com/fedipress/fedipress/util"
)

const (
	// memoryCacheTTL bounds the in-process layer; the sqlite layer below
	// it keeps actors for actorCacheTTL before a re-fetch.
	memoryCacheTTL = 10 * time.Minute
	actorCacheTTL  = 24 * time.Hour

	userAgent = "fedipress/1.0 ActivityPub"
)

// actorResponse is the wire shape of a remote actor document.
type actorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// webfingerResponse is the subset of RFC 7033 we consume.
type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Resolver looks up actors through three layers: an in-process TTL cache,
// the sqlite remote actor cache, and a network fetch. A failed resolution
// never poisons the caches.
type Resolver struct {
	database *db.DB
	client   *http.Client
	memory   *gocache.Cache
}

func NewResolver(database *db.DB) *Resolver {
	return &Resolver{
		database: database,
		client:   &http.Client{Timeout: 10 * time.Second},
		memory:   gocache.New(memoryCacheTTL, 2*memoryCacheTTL),
	}
}

// ResolveActorByURL returns the actor behind the given URI, fetching and
// caching its document when no fresh copy is held.
func (r *Resolver) ResolveActorByURL(actorURI string) (*domain.RemoteActor, error) {
	if cached, found := r.memory.Get(actorURI); found {
		return cached.(*domain.RemoteActor), nil
	}

	stored, err := r.database.ReadRemoteActorByURI(actorURI)
	if err == nil && time.Since(stored.LastFetchedAt) < actorCacheTTL {
		r.memory.SetDefault(actorURI, stored)
		return stored, nil
	}

	fetched, err := r.fetchActor(actorURI)
	if err != nil {
		return nil, err
	}

	if err := r.database.UpsertRemoteActor(fetched); err != nil {
		log.Printf("Resolver: Failed to cache actor %s: %v", actorURI, err)
	}
	r.memory.SetDefault(actorURI, fetched)
	return fetched, nil
}

// ResolveActorByHandle resolves a "user@host" handle through WebFinger on
// the handle's host, then fetches the actor document the host points at.
// A response whose profile lives on a different host fails with
// ErrWrongHost so a server cannot claim accounts it does not own.
func (r *Resolver) ResolveActorByHandle(handle string) (*domain.RemoteActor, error) {
	user, host, err := util.HandleParts(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		host, url.QueryEscape(fmt.Sprintf("acct:%s@%s", user, host)))

	req, err := http.NewRequest("GET", wfURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: webfinger request failed: %v", ErrActorUnresolvable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: webfinger returned status %d", ErrActorUnresolvable, resp.StatusCode)
	}

	var wf webfingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return nil, fmt.Errorf("%w: unparseable webfinger response: %v", ErrActorUnresolvable, err)
	}

	actorURI := ""
	for _, link := range wf.Links {
		if link.Rel == "self" && strings.Contains(link.Type, "activity+json") {
			actorURI = link.Href
			break
		}
	}
	if actorURI == "" {
		return nil, fmt.Errorf("%w: webfinger response has no self link", ErrActorUnresolvable)
	}

	profileHost, err := extractHost(actorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}
	if !strings.EqualFold(profileHost, host) {
		return nil, fmt.Errorf("%w: asked %s, got %s", ErrWrongHost, host, profileHost)
	}

	return r.ResolveActorByURL(actorURI)
}

// ResolveLocalActor returns a local account with its signing key pair in
// place, generating the pair on first use.
func (r *Resolver) ResolveLocalActor(username string) (*domain.Account, error) {
	account, err := r.database.ReadAccountByUsername(username)
	if err != nil {
		return nil, err
	}
	if err := r.database.EnsureKeyPair(account); err != nil {
		return nil, err
	}
	return account, nil
}

// ActorGone reports whether a remote actor's document now answers 404 or
// 410. Used to verify actor Delete activities by re-fetch instead of
// trusting the payload.
func (r *Resolver) ActorGone(actorURI string) bool {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone
}

// Invalidate drops an actor from both cache layers.
func (r *Resolver) Invalidate(actorURI string) {
	r.memory.Delete(actorURI)
	if err := r.database.DeleteRemoteActor(actorURI); err != nil {
		log.Printf("Resolver: Failed to drop cached actor %s: %v", actorURI, err)
	}
}

func (r *Resolver) fetchActor(actorURI string) (*domain.RemoteActor, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrActorUnresolvable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch returned status %d", ErrActorUnresolvable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}

	var actor actorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("%w: unparseable actor document: %v", ErrActorUnresolvable, err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor document missing required fields", ErrActorUnresolvable)
	}

	host, err := extractHost(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}

	return &domain.RemoteActor{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         host,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		LastFetchedAt:  time.Now(),
	}, nil
}

// extractHost returns the host part of an actor URI.
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractHost(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}
