package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mandatefi/mandate/internal/executor"
)

type executeRequest struct {
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Category string          `json:"category" binding:"required"`
}

type repayRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	DueAt  time.Time       `json:"due_at" binding:"required"`
}

// ExecuteTransaction handles POST /delegations/:id/transactions. The
// Idempotency-Key header makes resubmission safe: a replayed key returns the
// original result with 200 instead of 201.
func (s *Server) ExecuteTransaction(c *gin.Context) {
	id, ok := s.delegationID(c)
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	tx, err := s.exec.Execute(c.Request.Context(), executor.Request{
		DelegationID:   id,
		Amount:         req.Amount,
		Category:       req.Category,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if tx.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, tx)
}

// ListTransactions handles GET /delegations/:id/transactions.
func (s *Server) ListTransactions(c *gin.Context) {
	id, ok := s.delegationID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": s.exec.Transactions(id)})
}

// RecordRepayment handles POST /delegations/:id/repayments.
func (s *Server) RecordRepayment(c *gin.Context) {
	id, ok := s.delegationID(c)
	if !ok {
		return
	}
	var req repayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	rp, err := s.exec.Repay(c.Request.Context(), executor.RepayRequest{
		DelegationID:   id,
		Amount:         req.Amount,
		DueAt:          req.DueAt,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if rp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, rp)
}

// ListRepayments handles GET /delegations/:id/repayments.
func (s *Server) ListRepayments(c *gin.Context) {
	id, ok := s.delegationID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"repayments": s.exec.Repayments(id)})
}
