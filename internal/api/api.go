// Package api exposes a thin, read-only status surface over the
// coordinator's ownership table: no auth, no persistence. The
// REST/auth surface fc_server's api_svr.py offers is explicitly out
// of scope (spec Non-goals); this package only answers "what does
// the coordinator currently see", for operators and dashboards.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamspace-dev/fc-coordinator/internal/coordinator"
)

// membershipSource is the subset of cluster.MembershipCache the
// status API needs; kept local so this package doesn't import
// internal/cluster just for an interface.
type membershipSource interface {
	Members(ctx context.Context) ([]string, error)
}

// Server wraps a gin engine bound to one Coordinator.
type Server struct {
	engine     *gin.Engine
	coord      *coordinator.Coordinator
	membership membershipSource
}

// New builds the status API. Handlers only ever read from the
// coordinator's ownership table; the surface has no mutating routes.
func New(coord *coordinator.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, coord: coord}
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/status/resources", s.handleListResources)
	engine.GET("/status/resources/:name", s.handleGetResource)
	engine.GET("/status/frameworks", s.handleListFrameworks)

	return s
}

// WithMembership attaches a cluster membership source, exposing
// /status/cluster. Only called when cluster.enable is set.
func (s *Server) WithMembership(membership membershipSource) *Server {
	s.membership = membership
	s.engine.GET("/status/cluster", s.handleListMembers)
	return s
}

// Engine returns the underlying gin engine, for http.Server wiring in
// cmd/fc-server.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type resourceView struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Holder string `json:"holder,omitempty"`
}

func (s *Server) handleListResources(c *gin.Context) {
	states := s.coord.Table().All()
	views := make([]resourceView, 0, len(states))
	for name, state := range states {
		views = append(views, resourceView{Name: name, Status: state.Status.String(), Holder: state.Holder})
	}
	c.JSON(http.StatusOK, gin.H{"resources": views})
}

func (s *Server) handleGetResource(c *gin.Context) {
	name := c.Param("name")
	state, ok := s.coord.Table().Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	c.JSON(http.StatusOK, resourceView{Name: name, Status: state.Status.String(), Holder: state.Holder})
}

type frameworkView struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Seize     bool   `json:"seize"`
	IsDefault bool   `json:"is_default"`
}

func (s *Server) handleListFrameworks(c *gin.Context) {
	regs := s.coord.Registry().All()
	views := make([]frameworkView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, frameworkView{
			Name:      reg.Handler.Name(),
			Priority:  reg.Priority,
			Seize:     reg.Seize,
			IsDefault: reg.IsDefault,
		})
	}
	c.JSON(http.StatusOK, gin.H{"frameworks": views})
}

func (s *Server) handleListMembers(c *gin.Context) {
	members, err := s.membership.Members(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}
