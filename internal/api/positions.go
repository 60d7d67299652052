package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mandatefi/mandate/internal/leverage"
)

type pledgeRequest struct {
	Assets []leverage.AssetInput `json:"assets" binding:"required"`
}

type releaseRequest struct {
	Symbols []string `json:"symbols" binding:"required"`
}

type rebalanceRequest struct {
	Reason string `json:"reason"`
}

// OpenPosition handles POST /positions.
func (s *Server) OpenPosition(c *gin.Context) {
	var req leverage.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.DelegationID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delegation_id required"})
		return
	}

	pos, err := s.engine.Open(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

// ListPositions handles GET /positions. The optional state query filters by
// position state.
func (s *Server) ListPositions(c *gin.Context) {
	state := leverage.State(c.Query("state"))
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.List(state)})
}

// GetPosition handles GET /positions/:id.
func (s *Server) GetPosition(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	pos, err := s.engine.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// EvaluatePosition handles POST /positions/:id/evaluate. It reprices the
// collateral package and returns the resulting evaluation; state transitions
// (warning entry/exit) are committed as a side effect.
func (s *Server) EvaluatePosition(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	ev, err := s.engine.Evaluate(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// RebalancePosition handles POST /positions/:id/rebalance.
func (s *Server) RebalancePosition(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	var req rebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "requested"
	}

	pos, err := s.engine.Rebalance(c.Request.Context(), id, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// PledgeCollateral handles POST /positions/:id/collateral.
func (s *Server) PledgeCollateral(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	var req pledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	pos, err := s.engine.Pledge(c.Request.Context(), id, req.Assets)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// ReleaseCollateral handles DELETE /positions/:id/collateral. Release is
// refused when it would push the position below the warning adequacy band.
func (s *Server) ReleaseCollateral(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	pos, err := s.engine.Release(c.Request.Context(), id, req.Symbols)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) positionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position id"})
		return uuid.Nil, false
	}
	return id, true
}
