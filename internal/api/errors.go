package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/executor"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/leverage"
	"github.com/mandatefi/mandate/internal/oracle"
	"github.com/mandatefi/mandate/internal/scoring"
)

// writeError maps a domain error to its HTTP status and writes the JSON body.
//
// Contract: validation failures are 400, authorization failures 403, state
// conflicts 409, risk-limit refusals 422, and stale market data 503 — the
// caller can retry a 409/503 but must change the request for a 400/422.
func writeError(c *gin.Context, err error) {
	var invalidTerms *delegation.ErrInvalidTerms
	switch {
	case errors.As(err, &invalidTerms),
		errors.Is(err, executor.ErrInvalidAmount),
		errors.Is(err, executor.ErrCategoryNotPermitted),
		errors.Is(err, executor.ErrExcessRepayment),
		errors.Is(err, leverage.ErrTierUnknown),
		errors.Is(err, oracle.ErrUnknownSymbol):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, delegation.ErrNotOwner),
		errors.Is(err, delegation.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})

	case errors.Is(err, delegation.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, leverage.ErrPositionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, delegation.ErrNotActive),
		errors.Is(err, delegation.ErrRevoked),
		errors.Is(err, delegation.ErrExpired),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, scoring.ErrConcurrentModification),
		errors.Is(err, leverage.ErrVersionConflict),
		errors.Is(err, leverage.ErrPositionExists),
		errors.Is(err, leverage.ErrPositionTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, executor.ErrUtilizationExceeded),
		errors.Is(err, leverage.ErrLeverageExceeded),
		errors.Is(err, leverage.ErrCollateralInadequate),
		errors.Is(err, leverage.ErrNotEligible):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})

	case errors.Is(err, oracle.ErrStale):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
