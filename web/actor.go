package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fedipress/fedipress/activitypub"
	"github.com/fedipress/fedipress/domain"
	"github.com/fedipress/fedipress/streams"
)

// handleActor serves the actor document. The signing key is generated on
// first request, so a freshly created account becomes federable the
// moment someone looks it up.
func (s *Server) handleActor(c *gin.Context) {
	account, err := s.database.ReadAccountByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
		return
	}
	if err := s.database.EnsureKeyPair(account); err != nil {
		log.Printf("Actor: Failed to ensure key pair for %s: %v", account.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Key generation failed"})
		return
	}

	body, err := s.actorDocument(account).ToJSON(true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Serialization failed"})
		return
	}
	renderActivityJSON(c, http.StatusOK, body)
}

func (s *Server) actorDocument(account *domain.Account) *streams.Object {
	host := s.conf.Conf.SslDomain
	actorURI := activitypub.ActorURI(host, account.Username)

	displayName := account.DisplayName
	if displayName == "" {
		displayName = account.Username
	}

	person := streams.New("Person")
	person.Set("id", actorURI)
	person.Set("preferred_username", account.Username)
	person.Set("name", displayName)
	person.Set("summary", account.Summary)
	person.Set("url", actorURI)
	person.Set("published", account.CreatedAt.UTC().Format(time.RFC3339))
	person.Set("inbox", actorURI+"/inbox")
	person.Set("outbox", actorURI+"/outbox")
	person.Set("followers", actorURI+"/followers")
	person.Set("following", actorURI+"/following")
	person.Set("manually_approves_followers", s.conf.Policy().ManualApproval)
	person.Set("public_key", map[string]interface{}{
		"id":           activitypub.KeyId(actorURI),
		"owner":        actorURI,
		"publicKeyPem": account.WebPublicKey,
	})
	if s.conf.Policy().SharedInbox {
		person.Set("endpoints", map[string]interface{}{
			"sharedInbox": "https://" + host + "/inbox",
		})
	}
	return person
}
