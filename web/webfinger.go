package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fedipress/fedipress/util"
)

// handleWebfinger resolves acct: resources to the local actor document.
// Only the configured federation domain is answered for, lookups with a
// foreign host are rejected.
func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported resource"})
		return
	}

	username, host, err := util.HandleParts(strings.TrimPrefix(resource, "acct:"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed resource"})
		return
	}
	if host != s.conf.Conf.SslDomain {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown domain"})
		return
	}

	account, err := s.database.ReadAccountByUsername(username)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown account"})
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, gin.H{
		"subject": fmt.Sprintf("acct:%s@%s", account.Username, s.conf.Conf.SslDomain),
		"links": []gin.H{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": fmt.Sprintf("https://%s/users/%s", s.conf.Conf.SslDomain, account.Username),
			},
		},
	})
}
