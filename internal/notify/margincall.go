package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarginCaller formats and delivers margin-call notices. It satisfies
// liquidation.Notifier.
type MarginCaller struct {
	sender    Sender
	addresses AddressBook
	logger    *zap.Logger
}

// NewMarginCaller creates a MarginCaller. addresses resolves agent ids to
// email addresses; agents without one are skipped silently.
func NewMarginCaller(sender Sender, addresses AddressBook, logger *zap.Logger) *MarginCaller {
	return &MarginCaller{sender: sender, addresses: addresses, logger: logger}
}

// MarginCall delivers a margin-call notice for the position.
func (m *MarginCaller) MarginCall(ctx context.Context, agentID string, positionID uuid.UUID, required decimal.Decimal, deadline time.Time) error {
	to := m.addresses(agentID)
	if to == "" {
		m.logger.Debug("margin call skipped, no address", zap.String("agent_id", agentID))
		return nil
	}

	subject := fmt.Sprintf("Margin call on position %s", positionID)
	body := fmt.Sprintf(
		"Position %s has breached its leverage limit.\n\n"+
			"Required risk-adjusted collateral: %s\n"+
			"Recovery deadline: %s\n\n"+
			"Pledge additional collateral or reduce exposure before the deadline "+
			"to avoid staged liquidation.\n",
		positionID, required, deadline.Format(time.RFC3339),
	)
	if err := m.sender.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("send margin call: %w", err)
	}
	m.logger.Info("margin call sent",
		zap.String("agent_id", agentID),
		zap.String("position_id", positionID.String()),
	)
	return nil
}
