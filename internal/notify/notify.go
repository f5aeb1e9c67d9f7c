// Package notify delivers fire-and-forget notifications about completed
// orders and dividend payouts. Delivery failures never affect settlement.
package notify

import (
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/domain"
)

// Notifier receives settlement events. Implementations must not block the
// caller; the engine does not wait for delivery.
type Notifier interface {
	OrderCompleted(o *domain.Order)
	DividendPaid(p *domain.DividendPayment)
}

// Nop drops all notifications.
type Nop struct{}

func (Nop) OrderCompleted(*domain.Order)         {}
func (Nop) DividendPaid(*domain.DividendPayment) {}

// Log writes notifications to the structured log. Stands in for the external
// notification service in local and simulated runs.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log-backed notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (n *Log) OrderCompleted(o *domain.Order) {
	n.logger.Info("order completed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("instrument", o.Instrument),
		zap.String("side", string(o.Side)),
		zap.Int64("quantity", o.Quantity),
		zap.String("total", o.Total.String()))
}

func (n *Log) DividendPaid(p *domain.DividendPayment) {
	n.logger.Info("dividend paid",
		zap.String("event_id", p.EventID),
		zap.String("user_id", p.UserID),
		zap.String("instrument", p.Instrument),
		zap.Int64("units", p.Units),
		zap.String("amount", p.Amount.String()))
}
