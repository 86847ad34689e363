package restapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geniustep/hookbridge"
)

// health reports liveness plus the pending backlog so monitors can alert on
// consumer lag. It stays reachable without an API key.
func (s *Server) health(c *gin.Context) {
	pending, err := s.engine.EventLog().PendingCount(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, fmt.Sprintf("Unhealthy: %v", err))
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        hookbridge.Version,
		"module":         "hookbridge",
		"pending_events": pending,
		"timestamp":      timestamp(),
	})
}

// corsPreflight exists so browsers get a 200 with the CORS headers the
// middleware already stamped.
func (s *Server) corsPreflight(c *gin.Context) {
	c.Status(http.StatusOK)
}
