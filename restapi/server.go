// Package restapi surfaces the pull side of the pipeline over HTTP: cursor
// pulls, acknowledgement, statistics, sync-state and the dead-letter admin
// commands. Endpoints are registered as RestMethods and served through one
// gin router; every response carries the CORS headers, and non-public routes
// verify the X-API-Key header before the real handler runs.
package restapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geniustep/hookbridge/engine"
)

// Now lambda to allow unit tests to inject replayable time.Now.
var Now = time.Now

// Server exposes one engine's pull surface. The route table is fixed at
// construction; Router or Run materialize it on a gin router.
type Server struct {
	engine *engine.Engine
	routes map[string]RestMethod
}

// NewServer wires the standard route table onto a fresh server.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		engine: eng,
		routes: make(map[string]RestMethod),
	}

	// Pull surface.
	s.RegisterMethod(GET, "/api/webhooks/pull", false, s.pullEvents)
	s.RegisterMethod(POST, "/api/webhooks/pull", false, s.pullEvents)
	s.RegisterMethod(POST, "/api/webhooks/mark-processed", false, s.markProcessed)
	s.RegisterMethod(GET, "/api/webhooks/stats", false, s.statistics)
	s.RegisterMethod(POST, "/api/webhooks/sync-state", false, s.syncState)

	// Dead-letter administration.
	s.RegisterMethod(GET, "/api/webhooks/dead-letters", false, s.deadLetters)
	s.RegisterMethod(POST, "/api/webhooks/dead-letters/retry", false, s.retryDeadLetters)
	s.RegisterMethod(POST, "/api/webhooks/dead-letters/ignore", false, s.ignoreDeadLetter)

	// Unauthenticated probes.
	s.RegisterMethod(GET, "/api/webhooks/health", true, s.health)
	s.RegisterMethod(OPTIONS, "/api/webhooks/options", true, s.corsPreflight)

	return s
}

// Router builds the HTTP router out of the registered methods, with API key
// verification wrapping the non-public handlers.
func (s *Server) Router() *gin.Engine {
	// Simple closure for header key verification.
	verifyHeaderKey := func(realHandler gin.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) {
			if s.verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()
	router.Use(corsHeaders())

	for _, rm := range s.routes {
		h := rm.Handler
		if !rm.Public {
			h = verifyHeaderKey(h)
		}
		switch rm.Verb {
		case GET:
			router.GET(rm.Path, h)
		case POST:
			router.POST(rm.Path, h)
		case OPTIONS:
			router.OPTIONS(rm.Path, h)
		default:
			panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
		}
	}
	return router
}

// Run serves the API, blocking until the listener stops.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

// verify checks the shared-secret key in the X-API-Key header. An unset key
// rejects everything rather than leaving the API open.
func (s *Server) verify(c *gin.Context) bool {
	key := s.engine.Options().APIKey
	presented := c.GetHeader("X-API-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
		errorJSON(c, http.StatusUnauthorized, "Authentication required")
		return false
	}
	return true
}

// corsHeaders stamps every response so browser consumers can call the API
// cross-origin.
func corsHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		c.Header("Access-Control-Max-Age", "86400")
		c.Next()
	}
}

func timestamp() string {
	return Now().UTC().Format(time.RFC3339)
}

// errorJSON writes the uniform error body every failure shares.
func errorJSON(c *gin.Context, status int, message string) {
	c.IndentedJSON(status, gin.H{
		"error":     true,
		"message":   message,
		"timestamp": timestamp(),
	})
}
