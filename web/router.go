package web

import (
	"fmt"
	"log"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fedipress/fedipress/activitypub"
	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/util"
)

// Server wires the federation components behind the HTTP surface.
type Server struct {
	conf       *util.AppConfig
	database   *db.DB
	resolver   *activitypub.Resolver
	outbox     *activitypub.Outbox
	dispatcher *activitypub.Dispatcher
}

func NewServer(conf *util.AppConfig, database *db.DB) *Server {
	policy := conf.Policy()
	resolver := activitypub.NewResolver(database)
	outbox := activitypub.NewOutbox(database, policy, conf.Conf.SslDomain)
	return &Server{
		conf:       conf,
		database:   database,
		resolver:   resolver,
		outbox:     outbox,
		dispatcher: activitypub.NewDispatcher(database, resolver, outbox, policy, conf.Conf.SslDomain),
	}
}

// Routes builds the gin engine. Split from Run so tests can drive the
// engine through httptest.
func (s *Server) Routes() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/feed", s.handleFeed)

	if s.conf.Conf.WithAp {
		// Stricter rate limit for the federation endpoints: 5 req/sec
		// per IP, and a 1MB cap on activity bodies
		apLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

		g.GET("/users/:actor", s.handleActor)
		g.GET("/users/:actor/followers", s.handleFollowers)
		g.GET("/users/:actor/following", s.handleFollowing)
		g.GET("/users/:actor/outbox", s.handleOutbox)
		g.GET("/notes/:id", s.handleNote)

		g.POST("/users/:actor/inbox", apLimiter, maxBodySize, func(c *gin.Context) {
			s.dispatcher.HandleInbox(c.Writer, c.Request, c.Param("actor"))
		})
		g.POST("/inbox", apLimiter, maxBodySize, func(c *gin.Context) {
			s.dispatcher.HandleSharedInbox(c.Writer, c.Request)
		})

		g.GET("/.well-known/webfinger", s.handleWebfinger)
		g.GET("/.well-known/nodeinfo", s.handleNodeinfoIndex)
		g.GET("/nodeinfo/2.0", s.handleNodeinfo)
	}

	return g
}

// Run serves the router on the configured port, blocking until the
// listener fails.
func (s *Server) Run() error {
	log.Printf("Starting federation server on %s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	return s.Routes().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

func renderActivityJSON(c *gin.Context, status int, body []byte) {
	c.Data(status, "application/activity+json; charset=utf-8", body)
}
