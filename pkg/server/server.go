// Package server exposes the memory store over a thin HTTP layer. The
// core owns no wire format; these handlers translate between JSON and the
// client façade and nothing more.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/mnemo"
	"github.com/soundprediction/mnemo/pkg/config"
)

// Server represents the HTTP server
type Server struct {
	config *config.Config
	router *gin.Engine
	client *mnemo.Client
	server *http.Server
}

// New creates a new server instance
func New(cfg *config.Config, client *mnemo.Client) *Server {
	return &Server{
		config: cfg,
		client: client,
	}
}

// Setup sets up the server routes and middleware
func (s *Server) Setup() {
	gin.SetMode(s.config.Server.Mode)

	s.router = gin.New()
	s.router.Use(gin.Logger())
	s.router.Use(gin.Recovery())

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
}

// setupRoutes sets up all the routes
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/episodes", s.addEpisode)
		v1.POST("/episodes/batch", s.addEpisodeBatch)
		v1.GET("/episodes/:uuid", s.getEpisode)
		v1.DELETE("/episodes/:uuid", s.deleteEpisode)

		v1.GET("/nodes/:uuid", s.getNode)
		v1.DELETE("/nodes/:uuid", s.deleteNode)

		v1.GET("/edges/:uuid", s.getEdge)
		v1.DELETE("/edges/:uuid", s.deleteEdge)

		v1.GET("/graphs/:graph_id/nodes", s.listNodes)
		v1.GET("/graphs/:graph_id/edges", s.listEdges)
		v1.GET("/graphs/:graph_id/episodes", s.listEpisodes)

		v1.POST("/search", s.search)
		v1.POST("/context", s.getContext)

		v1.PUT("/ontology", s.setOntology)
		v1.PUT("/rating-policy", s.setRatingPolicy)
	}
}

// Start starts the server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
