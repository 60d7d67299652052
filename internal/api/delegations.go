package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/identity"
)

// delegationTermsRequest carries the owner-defined bounds of a delegation.
// Duration is a Go duration string, e.g. "720h".
type delegationTermsRequest struct {
	CreditLimit         decimal.Decimal `json:"credit_limit" binding:"required"`
	UtilizationCap      float64         `json:"utilization_cap" binding:"required"`
	Categories          []string        `json:"categories" binding:"required"`
	Duration            string          `json:"duration" binding:"required"`
	RevocationAuthority string          `json:"revocation_authority"`
}

func (r delegationTermsRequest) terms() (delegation.Terms, error) {
	d, err := time.ParseDuration(r.Duration)
	if err != nil {
		return delegation.Terms{}, err
	}
	return delegation.Terms{
		CreditLimit:         r.CreditLimit,
		UtilizationCap:      r.UtilizationCap,
		Categories:          r.Categories,
		Duration:            d,
		RevocationAuthority: r.RevocationAuthority,
	}, nil
}

type createDelegationRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	delegationTermsRequest
}

// CreateDelegation handles POST /delegations.
func (s *Server) CreateDelegation(c *gin.Context) {
	var req createDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	terms, err := req.terms()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration: " + err.Error()})
		return
	}

	d, err := s.registry.Create(c.Request.Context(), s.actor(c), req.AgentID, terms)
	if err != nil {
		writeError(c, err)
		return
	}

	s.logger.Info("delegation created",
		zap.String("delegation_id", d.ID.String()),
		zap.String("owner_id", d.OwnerID),
		zap.String("agent_id", d.AgentID))
	c.JSON(http.StatusCreated, d)
}

// ListDelegations handles GET /delegations. Without filters it returns the
// caller's delegations as owner.
func (s *Server) ListDelegations(c *gin.Context) {
	ownerID := c.Query("owner_id")
	agentID := c.Query("agent_id")
	if ownerID == "" && agentID == "" {
		ownerID = s.actor(c)
	}
	c.JSON(http.StatusOK, gin.H{"delegations": s.registry.List(ownerID, agentID)})
}

// GetDelegation handles GET /delegations/:id.
func (s *Server) GetDelegation(c *gin.Context) {
	id, ok := s.delegationID(c)
	if !ok {
		return
	}
	d, err := s.registry.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ModifyDelegation handles PATCH /delegations/:id. The body carries the full
// replacement terms; prospective only, committed utilization is untouched.
func (s *Server) ModifyDelegation(c *gin.Context) {
	id, ok := s.delegationID(c)
	if !ok {
		return
	}
	var req delegationTermsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	terms, err := req.terms()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration: " + err.Error()})
		return
	}

	d, err := s.registry.Modify(c.Request.Context(), id, s.actor(c), terms)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// PauseDelegation handles POST /delegations/:id/pause.
func (s *Server) PauseDelegation(c *gin.Context) {
	s.transition(c, s.registry.Pause)
}

// ResumeDelegation handles POST /delegations/:id/resume.
func (s *Server) ResumeDelegation(c *gin.Context) {
	s.transition(c, s.registry.Resume)
}

// RevokeDelegation handles POST /delegations/:id/revoke. Revocation is
// immediate and irreversible.
func (s *Server) RevokeDelegation(c *gin.Context) {
	s.transition(c, s.registry.Revoke)
}

// delegationID parses the :id path parameter and enforces the token's
// delegation scope. On failure it writes the response and returns ok=false.
func (s *Server) delegationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delegation id"})
		return uuid.Nil, false
	}
	if claims := identity.ClaimsFromCtx(c); claims != nil && !claims.PermitsDelegation(id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token not scoped to this delegation"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) transition(c *gin.Context, fn func(ctx context.Context, id uuid.UUID, actor string) error) {
	id, ok := s.delegationID(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), id, s.actor(c)); err != nil {
		writeError(c, err)
		return
	}
	d, err := s.registry.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
