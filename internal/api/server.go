// Package api exposes the delegation ledger over HTTP. Handlers are thin:
// they bind requests, call into the domain packages, and map domain errors to
// status codes via writeError.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/apikey"
	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/executor"
	"github.com/mandatefi/mandate/internal/identity"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/leverage"
	"github.com/mandatefi/mandate/internal/liquidation"
	"github.com/mandatefi/mandate/internal/scoring"
)

// Server wires the domain services into HTTP routes.
type Server struct {
	registry *delegation.Registry
	exec     *executor.Executor
	scores   *scoring.Engine
	engine   *leverage.Engine
	pool     *liquidation.InsurancePool
	store    ledger.Store
	keys     *apikey.Service
	tokens   *identity.TokenIssuer
	logger   *zap.Logger
}

// NewServer creates a Server. tokens may be nil, which disables capability
// token enforcement (development mode); callers are then identified by the
// X-Actor header.
func NewServer(
	registry *delegation.Registry,
	exec *executor.Executor,
	scores *scoring.Engine,
	engine *leverage.Engine,
	pool *liquidation.InsurancePool,
	store ledger.Store,
	keys *apikey.Service,
	tokens *identity.TokenIssuer,
	logger *zap.Logger,
) *Server {
	return &Server{
		registry: registry,
		exec:     exec,
		scores:   scores,
		engine:   engine,
		pool:     pool,
		store:    store,
		keys:     keys,
		tokens:   tokens,
		logger:   logger,
	}
}

// Register mounts all routes on the given group. Rate limiting, CORS, and the
// API-key check are applied by the caller; token enforcement is applied here
// when a token issuer is configured.
func (s *Server) Register(rg *gin.RouterGroup) {
	if s.tokens != nil {
		rg.Use(identity.RequireToken(s.tokens))
	}

	rg.POST("/delegations", s.CreateDelegation)
	rg.GET("/delegations", s.ListDelegations)
	rg.GET("/delegations/:id", s.GetDelegation)
	rg.PATCH("/delegations/:id", s.ModifyDelegation)
	rg.POST("/delegations/:id/pause", s.PauseDelegation)
	rg.POST("/delegations/:id/resume", s.ResumeDelegation)
	rg.POST("/delegations/:id/revoke", s.RevokeDelegation)

	rg.POST("/delegations/:id/transactions", s.ExecuteTransaction)
	rg.GET("/delegations/:id/transactions", s.ListTransactions)
	rg.POST("/delegations/:id/repayments", s.RecordRepayment)
	rg.GET("/delegations/:id/repayments", s.ListRepayments)

	rg.GET("/agents/:id/profile", s.GetProfile)
	rg.POST("/agents/:id/attestations", s.RecordAttestation)

	rg.POST("/positions", s.OpenPosition)
	rg.GET("/positions", s.ListPositions)
	rg.GET("/positions/:id", s.GetPosition)
	rg.POST("/positions/:id/evaluate", s.EvaluatePosition)
	rg.POST("/positions/:id/rebalance", s.RebalancePosition)
	rg.POST("/positions/:id/collateral", s.PledgeCollateral)
	rg.DELETE("/positions/:id/collateral", s.ReleaseCollateral)

	rg.GET("/ledger", s.LedgerHead)
	rg.GET("/ledger/verify", s.VerifyLedger)
	rg.GET("/ledger/events", s.LedgerEvents)

	rg.GET("/pool", s.PoolBalance)

	if s.keys != nil {
		rg.POST("/keys", s.IssueKey)
		rg.GET("/keys", s.ListKeys)
		rg.DELETE("/keys/:id", s.RevokeKey)
	}
}

// actor resolves the caller identity. With token enforcement active this is
// the verified token subject; without it, the X-Actor header.
func (s *Server) actor(c *gin.Context) string {
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		return claims.Subject
	}
	return c.GetHeader("X-Actor")
}
