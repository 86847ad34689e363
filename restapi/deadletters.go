package restapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/geniustep/hookbridge"
)

// deadLetters lists exhausted deliveries, newest first. resolution filters by
// disposition, limit caps the page at 100 by default.
func (s *Server) deadLetters(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	resolution := hookbridge.Resolution(c.Query("resolution"))
	rows, err := s.engine.Queue().DeadLetters(c.Request.Context(), resolution, limit)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	if rows == nil {
		rows = []hookbridge.DeadLetter{}
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"success":      true,
		"dead_letters": rows,
		"count":        len(rows),
		"timestamp":    timestamp(),
	})
}

// retryDeadLetters requeues the named dead letters for a fresh delivery
// attempt. Unknown ids are skipped rather than failing the batch.
func (s *Server) retryDeadLetters(c *gin.Context) {
	var body struct {
		IDs      []int64 `json:"ids"`
		Resolver string  `json:"resolver"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	if len(body.IDs) == 0 {
		errorJSON(c, http.StatusBadRequest, "ids must be a non-empty list")
		return
	}
	resolver := body.Resolver
	if resolver == "" {
		resolver = "api"
	}
	n, err := s.engine.Queue().BulkRetryDead(c.Request.Context(), body.IDs, resolver)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"success":       true,
		"retried_count": n,
		"timestamp":     timestamp(),
	})
}

// ignoreDeadLetter closes a dead letter without redelivery.
func (s *Server) ignoreDeadLetter(c *gin.Context) {
	var body struct {
		ID       int64  `json:"id"`
		Resolver string `json:"resolver"`
		Notes    string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	if body.ID == 0 {
		errorJSON(c, http.StatusBadRequest, "id is required")
		return
	}
	resolver := body.Resolver
	if resolver == "" {
		resolver = "api"
	}
	if err := s.engine.Queue().IgnoreDead(c.Request.Context(), body.ID, resolver, body.Notes); err != nil {
		var hbErr hookbridge.Error
		if errors.As(err, &hbErr) && hbErr.Code == hookbridge.ConfigInvalid {
			errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Ignore failed: %v", err))
			return
		}
		errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("Ignore failed: %v", err))
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": timestamp(),
	})
}
