package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleNote serves a local post as an AS2 Note. Non-public posts are
// indistinguishable from missing ones.
func (s *Server) handleNote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown note"})
		return
	}

	note, err := s.database.ReadNoteById(id)
	if err != nil || note.Visibility != "public" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown note"})
		return
	}

	account, err := s.database.ReadAccountByUsername(note.CreatedBy)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown note"})
		return
	}

	body, err := s.outbox.BuildNote(account, note).ToJSON(true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Serialization failed"})
		return
	}
	renderActivityJSON(c, http.StatusOK, body)
}
