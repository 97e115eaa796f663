package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fedipress/fedipress/activitypub"
	"github.com/fedipress/fedipress/streams"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func pageParams(c *gin.Context) (page, perPage int, order string, paged bool) {
	paged = c.Query("page") != ""
	page, _ = strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(c.Query("per_page"))
	if perPage < 1 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}
	order = "asc"
	if c.Query("order") == "desc" {
		order = "desc"
	}
	return page, perPage, order, paged
}

// handleFollowers serves the follower collection: the plain request gets
// the OrderedCollection envelope, ?page=N gets an OrderedCollectionPage
// with next/prev navigation.
func (s *Server) handleFollowers(c *gin.Context) {
	account, err := s.database.ReadAccountByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
		return
	}

	collectionURI := activitypub.ActorURI(s.conf.Conf.SslDomain, account.Username) + "/followers"
	page, perPage, order, paged := pageParams(c)

	followers, total, err := s.database.ListFollowers(account.Id, page, perPage, order)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}

	if !paged {
		s.renderCollection(c, collectionURI, total)
		return
	}

	items := make([]interface{}, 0, len(followers))
	for _, follower := range followers {
		items = append(items, follower.ActorURI)
	}
	s.renderCollectionPage(c, collectionURI, page, perPage, order, total, items)
}

// handleFollowing serves an empty collection: the node publishes, it does
// not subscribe.
func (s *Server) handleFollowing(c *gin.Context) {
	account, err := s.database.ReadAccountByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
		return
	}
	collectionURI := activitypub.ActorURI(s.conf.Conf.SslDomain, account.Username) + "/following"
	s.renderCollection(c, collectionURI, 0)
}

// handleOutbox pages through the public Create activities of an actor.
func (s *Server) handleOutbox(c *gin.Context) {
	account, err := s.database.ReadAccountByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
		return
	}

	actorURI := activitypub.ActorURI(s.conf.Conf.SslDomain, account.Username)
	collectionURI := actorURI + "/outbox"
	page, perPage, _, paged := pageParams(c)

	activities, total, err := s.database.ReadLocalActivities(actorURI, page, perPage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}

	if !paged {
		s.renderCollection(c, collectionURI, total)
		return
	}

	items := make([]interface{}, 0, len(activities))
	for _, activity := range activities {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(activity.RawJSON), &payload); err != nil {
			continue
		}
		delete(payload, "@context")
		items = append(items, payload)
	}
	s.renderCollectionPage(c, collectionURI, page, perPage, "", total, items)
}

func (s *Server) renderCollection(c *gin.Context, collectionURI string, total int) {
	body, err := json.Marshal(map[string]interface{}{
		"@context":   streams.ContextActivityStreams,
		"id":         collectionURI,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      collectionURI + "?page=1",
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Serialization failed"})
		return
	}
	renderActivityJSON(c, http.StatusOK, body)
}

func (s *Server) renderCollectionPage(c *gin.Context, collectionURI string, page, perPage int, order string, total int, items []interface{}) {
	pageURI := func(n int) string {
		uri := fmt.Sprintf("%s?page=%d&per_page=%d", collectionURI, n, perPage)
		if order != "" {
			uri += "&order=" + order
		}
		return uri
	}

	doc := map[string]interface{}{
		"@context":     streams.ContextActivityStreams,
		"id":           pageURI(page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURI,
		"totalItems":   total,
		"orderedItems": items,
	}
	if page*perPage < total {
		doc["next"] = pageURI(page + 1)
	}
	if page > 1 {
		doc["prev"] = pageURI(page - 1)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Serialization failed"})
		return
	}
	renderActivityJSON(c, http.StatusOK, body)
}
