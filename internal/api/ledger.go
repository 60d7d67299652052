package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxEventPage = 500

// LedgerHead handles GET /ledger: the chain tip and its hash.
func (s *Server) LedgerHead(c *gin.Context) {
	ctx := c.Request.Context()
	head, err := s.store.Head(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
		return
	}
	root, err := s.store.Root(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"head": head, "root": root})
}

// VerifyLedger handles GET /ledger/verify: walks the full hash chain.
func (s *Server) VerifyLedger(c *gin.Context) {
	if err := s.store.Verify(c.Request.Context()); err != nil {
		s.logger.Error("ledger verification failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"intact": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intact": true})
}

// LedgerEvents handles GET /ledger/events?since=&limit=: the audit feed, in
// sequence order, paged by the since cursor.
func (s *Server) LedgerEvents(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > maxEventPage {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1, 500]"})
		return
	}

	events, err := s.store.ReadSince(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
		return
	}

	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next": next})
}

// PoolBalance handles GET /pool: the insurance pool's current balance.
func (s *Server) PoolBalance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balance": s.pool.Balance()})
}
