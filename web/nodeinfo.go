package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleNodeinfoIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": fmt.Sprintf("https://%s/nodeinfo/2.0", s.conf.Conf.SslDomain),
			},
		},
	})
}

func (s *Server) handleNodeinfo(c *gin.Context) {
	accounts, err := s.database.ReadAllAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}
	notes, err := s.database.ReadAllNotes()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": "2.0",
		"software": gin.H{
			"name":    "fedipress",
			"version": "1.0.0",
		},
		"protocols": []string{"activitypub"},
		"services": gin.H{
			"inbound":  []string{},
			"outbound": []string{},
		},
		"usage": gin.H{
			"users": gin.H{
				"total": len(accounts),
			},
			"localPosts": len(notes),
		},
		"openRegistrations": false,
		"metadata":          gin.H{},
	})
}
