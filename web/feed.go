package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"

	"github.com/fedipress/fedipress/domain"
)

// handleFeed serves the public notes as RSS, or Atom with ?format=atom.
// An optional username query narrows the feed to one account.
func (s *Server) handleFeed(c *gin.Context) {
	username := c.Query("username")

	var notes []domain.Note
	var title string
	var err error
	if username != "" {
		notes, err = s.database.ReadNotesByUsername(username)
		title = fmt.Sprintf("fedipress notes by %s", username)
	} else {
		notes, err = s.database.ReadAllNotes()
		title = "fedipress notes"
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}

	link := fmt.Sprintf("https://%s/feed", s.conf.Conf.SslDomain)
	if username != "" {
		link += "?username=" + username
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: "public notes",
		Created:     time.Now(),
	}

	for _, note := range notes {
		if note.Visibility != "public" {
			continue
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      note.Id.String(),
			Title:   note.CreatedAt.Format("2006-01-02 15:04"),
			Link:    &feeds.Link{Href: fmt.Sprintf("https://%s/notes/%s", s.conf.Conf.SslDomain, note.Id)},
			Content: note.Message,
			Author:  &feeds.Author{Name: note.CreatedBy},
			Created: note.CreatedAt,
		})
	}

	var body string
	contentType := "application/rss+xml; charset=utf-8"
	if c.Query("format") == "atom" {
		body, err = feed.ToAtom()
		contentType = "application/atom+xml; charset=utf-8"
	} else {
		body, err = feed.ToRss()
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Feed rendering failed"})
		return
	}
	c.Data(http.StatusOK, contentType, []byte(body))
}
