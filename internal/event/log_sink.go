package event

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
)

// LogSink writes every event to the process logger.
type LogSink struct{}

func (LogSink) HandleEvent(_ context.Context, ev Event) error {
	fields := logrus.Fields{
		"event":    "grid_" + string(ev.Kind),
		"strategy": ev.StrategyID,
		"symbol":   ev.Symbol,
		"side":     ev.Side,
	}
	if ev.Status != "" {
		fields["status"] = ev.Status
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.Fill != nil {
		fields["order_id"] = ev.Fill.OrderID
		fields["requested_qty"] = ev.Fill.RequestedQty.String()
		fields["executed_qty"] = ev.Fill.ExecutedQty.String()
		fields["avg_price"] = ev.Fill.AvgPrice.String()
		fields["inferred"] = ev.Fill.Inferred
	}
	entry := logger.WithFields(fields)
	switch ev.Kind {
	case KindWarn:
		if ev.ErrKind != "" {
			entry = entry.WithField("err_kind", ev.ErrKind)
		}
		entry.Warn(ev.Err)
	case KindLimitReached:
		entry.Info("position limit reached")
	default:
		entry.Info(string(ev.Kind))
	}
	return nil
}
