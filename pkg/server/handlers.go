package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/mnemo/pkg/composer"
	"github.com/soundprediction/mnemo/pkg/ingest"
	"github.com/soundprediction/mnemo/pkg/ontology"
	"github.com/soundprediction/mnemo/pkg/rating"
	"github.com/soundprediction/mnemo/pkg/search"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/types"
)

type episodeRequest struct {
	GraphID   string     `json:"graph_id" binding:"required"`
	Type      string     `json:"type"`
	Content   string     `json:"content" binding:"required"`
	Role      string     `json:"role"`
	RoleType  string     `json:"role_type"`
	Timestamp *time.Time `json:"timestamp"`
}

func (r *episodeRequest) input() ingest.EpisodeInput {
	input := ingest.EpisodeInput{
		Type:     types.EpisodeType(r.Type),
		Content:  r.Content,
		Role:     r.Role,
		RoleType: r.RoleType,
	}
	if r.Timestamp != nil {
		input.Reference = *r.Timestamp
	}
	return input
}

func (s *Server) addEpisode(c *gin.Context) {
	var req episodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	episode, err := s.client.AddEpisode(c.Request.Context(), req.GraphID, req.input())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, episode)
}

type batchRequest struct {
	GraphID  string `json:"graph_id" binding:"required"`
	Episodes []struct {
		Type      string     `json:"type"`
		Content   string     `json:"content" binding:"required"`
		Role      string     `json:"role"`
		RoleType  string     `json:"role_type"`
		Timestamp *time.Time `json:"timestamp"`
	} `json:"episodes" binding:"required"`
}

func (s *Server) addEpisodeBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inputs := make([]ingest.EpisodeInput, len(req.Episodes))
	for i, ep := range req.Episodes {
		inputs[i] = ingest.EpisodeInput{
			Type:     types.EpisodeType(ep.Type),
			Content:  ep.Content,
			Role:     ep.Role,
			RoleType: ep.RoleType,
		}
		if ep.Timestamp != nil {
			inputs[i].Reference = *ep.Timestamp
		}
	}

	episodes, err := s.client.AddEpisodeBatch(c.Request.Context(), req.GraphID, inputs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, episodes)
}

func (s *Server) getEpisode(c *gin.Context) {
	episode, err := s.client.EpisodeStatus(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, episode)
}

func (s *Server) deleteEpisode(c *gin.Context) {
	if err := s.client.DeleteEpisode(c.Request.Context(), c.Param("uuid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getNode(c *gin.Context) {
	node, err := s.client.GetNode(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) deleteNode(c *gin.Context) {
	err := s.client.DeleteNode(c.Request.Context(), c.Param("uuid"))
	writeError(c, err)
}

func (s *Server) getEdge(c *gin.Context) {
	edge, err := s.client.GetEdge(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, edge)
}

func (s *Server) deleteEdge(c *gin.Context) {
	if err := s.client.DeleteEdge(c.Request.Context(), c.Param("uuid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type listQuery struct {
	Limit  int    `form:"limit"`
	Cursor string `form:"cursor"`
}

func (s *Server) listNodes(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	nodes, cursor, err := s.client.ListNodes(c.Request.Context(), c.Param("graph_id"), store.Page{Limit: q.Limit, Cursor: q.Cursor})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "cursor": cursor})
}

func (s *Server) listEdges(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	edges, cursor, err := s.client.ListEdges(c.Request.Context(), c.Param("graph_id"), store.Page{Limit: q.Limit, Cursor: q.Cursor})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges, "cursor": cursor})
}

func (s *Server) listEpisodes(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	episodes, cursor, err := s.client.ListEpisodes(c.Request.Context(), c.Param("graph_id"), store.Page{Limit: q.Limit, Cursor: q.Cursor})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"episodes": episodes, "cursor": cursor})
}

type searchRequest struct {
	GraphID string        `json:"graph_id" binding:"required"`
	Query   string        `json:"query" binding:"required"`
	Config  search.Config `json:"config"`
}

func (s *Server) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := s.client.Search(c.Request.Context(), req.GraphID, req.Query, req.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

type contextRequest struct {
	GraphID     string          `json:"graph_id" binding:"required"`
	Messages    []types.Message `json:"messages" binding:"required"`
	FactCount   int             `json:"fact_count"`
	EntityCount int             `json:"entity_count"`
	MinRating   *float64        `json:"min_rating"`
}

func (s *Server) getContext(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	block, err := s.client.GetContext(c.Request.Context(), req.GraphID, req.Messages, composer.Options{
		FactCount:   req.FactCount,
		EntityCount: req.EntityCount,
		MinRating:   req.MinRating,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": block})
}

func (s *Server) setOntology(c *gin.Context) {
	var req ontology.Definition
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	version, err := s.client.SetOntology(req.EntityTypes, req.EdgeTypes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

func (s *Server) setRatingPolicy(c *gin.Context) {
	var req rating.Policy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.client.SetRatingPolicy(req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var validationErr *ontology.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrUnsupported):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ingest.ErrBatchTooLarge),
		errors.Is(err, types.ErrEmptyGraphID),
		errors.Is(err, types.ErrEmptyContent),
		errors.Is(err, types.ErrContentTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
