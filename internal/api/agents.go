package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mandatefi/mandate/internal/scoring"
)

type attestationRequest struct {
	Issuer string  `json:"issuer" binding:"required"`
	Kind   string  `json:"kind" binding:"required"`
	Weight float64 `json:"weight" binding:"required"`
}

// GetProfile handles GET /agents/:id/profile. Agents without history get the
// neutral baseline profile.
func (s *Server) GetProfile(c *gin.Context) {
	agentID := c.Param("id")
	p := s.scores.Profile(agentID)
	c.JSON(http.StatusOK, gin.H{
		"profile": p,
		"trend":   s.scores.Trend(agentID, 5),
		"history": s.scores.History(agentID),
	})
}

// RecordAttestation handles POST /agents/:id/attestations. Attestations are
// third-party endorsements that feed the external attestation scoring factor.
func (s *Server) RecordAttestation(c *gin.Context) {
	var req attestationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Weight < 0 || req.Weight > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "weight must be in [0, 1]"})
		return
	}

	agentID := c.Param("id")
	err := s.scores.RecordAttestation(c.Request.Context(), agentID, scoring.AttestationPayload{
		Issuer: req.Issuer,
		Kind:   req.Kind,
		Weight: req.Weight,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"profile": s.scores.Profile(agentID)})
}
