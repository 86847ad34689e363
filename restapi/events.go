package restapi

import (
	"fmt"
	log "log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/geniustep/hookbridge"
)

// pullEvents serves the cursor query. GET takes query parameters, POST takes
// the same fields as a JSON body; models accepts a list or a comma string.
func (s *Server) pullEvents(c *gin.Context) {
	q, err := parsePullQuery(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid parameter: %v", err))
		return
	}
	res, err := s.engine.EventLog().Pull(c.Request.Context(), q)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	events := res.Events
	if events == nil {
		events = []hookbridge.EventLogEntry{}
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"success":   true,
		"events":    events,
		"last_id":   res.LastID,
		"has_more":  res.HasMore,
		"count":     res.Count,
		"timestamp": timestamp(),
	})
}

func parsePullQuery(c *gin.Context) (hookbridge.PullQuery, error) {
	params := map[string]any{}
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			return hookbridge.PullQuery{}, fmt.Errorf("invalid JSON body: %v", err)
		}
	} else {
		for k, vs := range c.Request.URL.Query() {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
	}

	var q hookbridge.PullQuery
	var err error
	if q.LastEventID, err = intParam(params, "last_event_id"); err != nil {
		return q, err
	}
	limit, err := intParam(params, "limit")
	if err != nil {
		return q, err
	}
	q.Limit = int(limit)
	q.Models = modelsParam(params["models"])
	if p, _ := params["priority"].(string); p != "" {
		q.Priority = hookbridge.Priority(p)
	}
	return q, nil
}

// intParam reads an integer that may arrive as a query string or a JSON
// number.
func intParam(params map[string]any, name string) (int64, error) {
	switch v := params[name].(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s must be an integer", name)
}

// modelsParam accepts either a JSON list or a comma separated string.
func modelsParam(v any) []string {
	var out []string
	switch m := v.(type) {
	case string:
		for _, s := range strings.Split(m, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, e := range m {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// markProcessed acknowledges pulled event ids. Callers that identify
// themselves with user_id and device_id also get their sync cursor advanced.
func (s *Server) markProcessed(c *gin.Context) {
	var body struct {
		EventIDs []int64 `json:"event_ids"`
		UserID   int64   `json:"user_id"`
		DeviceID string  `json:"device_id"`
		AppType  string  `json:"app_type"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	if len(body.EventIDs) == 0 {
		errorJSON(c, http.StatusBadRequest, "event_ids must be a non-empty list")
		return
	}
	n, err := s.engine.EventLog().MarkProcessed(c.Request.Context(), body.EventIDs)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	if body.UserID != 0 && body.DeviceID != "" {
		s.advanceSyncState(c, body.UserID, body.DeviceID, body.AppType, body.EventIDs, n)
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"success":         true,
		"processed_count": n,
		"message":         fmt.Sprintf("%d event(s) marked as processed", n),
		"timestamp":       timestamp(),
	})
}

// advanceSyncState moves the caller's cursor to the highest acked id. Cursor
// bookkeeping is best effort; the ack itself already succeeded.
func (s *Server) advanceSyncState(c *gin.Context, userID int64, deviceID, appType string, ids []int64, count int) {
	ctx := c.Request.Context()
	states := s.engine.Stores().SyncStates
	st, err := states.GetOrCreate(ctx, userID, deviceID, appType)
	if err != nil {
		log.Warn(fmt.Sprintf("sync state for user %d device %s failed: %v", userID, deviceID, err))
		return
	}
	for _, id := range ids {
		if id > st.LastEventID {
			st.LastEventID = id
		}
	}
	st.LastSyncTime = Now().UTC()
	st.SyncCount++
	st.TotalEventsSynced += int64(count)
	st.Active = true
	if err := states.Update(ctx, st); err != nil {
		log.Warn(fmt.Sprintf("sync state update for user %d device %s failed: %v", userID, deviceID, err))
	}
}

// statistics summarizes the journal over a trailing window, 7 days unless
// the caller asks otherwise.
func (s *Server) statistics(c *gin.Context) {
	days := 0
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}
	st, err := s.engine.EventLog().Stats(c.Request.Context(), days)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"success":   true,
		"stats":     st,
		"timestamp": timestamp(),
	})
}

// syncState returns the caller's cursor row, creating it on first contact.
func (s *Server) syncState(c *gin.Context) {
	var body struct {
		UserID   int64  `json:"user_id"`
		DeviceID string `json:"device_id"`
		AppType  string `json:"app_type"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorJSON(c, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	if body.UserID == 0 || body.DeviceID == "" {
		errorJSON(c, http.StatusBadRequest, "user_id and device_id are required")
		return
	}
	st, err := s.engine.Stores().SyncStates.GetOrCreate(c.Request.Context(), body.UserID, body.DeviceID, body.AppType)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"success":    true,
		"sync_state": st,
		"timestamp":  timestamp(),
	})
}
