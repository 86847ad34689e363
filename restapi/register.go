package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates supported HTTP operations.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// POST creates resources or submits commands.
	POST
	// OPTIONS answers CORS preflight probes.
	OPTIONS
)

// RestMethod describes a REST route handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler gin.HandlerFunc
	// Public routes skip API key verification (health, CORS preflight).
	Public bool
}

// RegisterMethod builds a RestMethod and registers it on the server.
func (s *Server) RegisterMethod(verb HTTPVerb, path string, public bool, h gin.HandlerFunc) error {
	m := RestMethod{
		Verb:    verb,
		Path:    path,
		Handler: h,
		Public:  public,
	}
	return s.register(m)
}

// register inserts a RestMethod into the server's route table preventing
// duplicates.
func (s *Server) register(m RestMethod) error {
	key := fmt.Sprintf("%d_%s", m.Verb, m.Path)
	if _, exists := s.routes[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	s.routes[key] = m
	return nil
}

// RestMethods returns all registered RestMethod entries keyed by verb+path.
func (s *Server) RestMethods() map[string]RestMethod {
	return s.routes
}
