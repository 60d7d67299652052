package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type issueKeyRequest struct {
	Name string `json:"name" binding:"required"`
	Tier string `json:"tier" binding:"required"`
}

// IssueKey handles POST /keys. The plaintext key is returned once and never
// again.
func (s *Server) IssueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	key, plaintext, err := s.keys.Issue(c.Request.Context(), s.actor(c), req.Name, req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "plaintext": plaintext})
}

// ListKeys handles GET /keys: the caller's API keys, hashes omitted.
func (s *Server) ListKeys(c *gin.Context) {
	keys, err := s.keys.List(c.Request.Context(), s.actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RevokeKey handles DELETE /keys/:id. Only the issuing principal may revoke.
func (s *Server) RevokeKey(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}
	if err := s.keys.Revoke(c.Request.Context(), s.actor(c), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
