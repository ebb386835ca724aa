package alert

import (
	"context"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
)

// EventSink forwards the grid events an operator has to act on.
type EventSink struct {
	Alerter Alerter
}

func (s EventSink) HandleEvent(_ context.Context, ev event.Event) error {
	if s.Alerter == nil || !important(ev) {
		return nil
	}
	fields := map[string]string{
		"strategy": ev.StrategyID,
		"symbol":   ev.Symbol,
		"side":     string(ev.Side),
	}
	if ev.Status != "" {
		fields["status"] = ev.Status
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.ErrKind != "" {
		fields["err_kind"] = string(ev.ErrKind)
	}
	if ev.Err != "" {
		fields["error"] = ev.Err
	}
	s.Alerter.Important("grid_"+string(ev.Kind), fields)
	return nil
}

func important(ev event.Event) bool {
	switch ev.Kind {
	case event.KindWarn:
		switch ev.ErrKind {
		case core.KindInsufficientFunds, core.KindPositionClosed, core.KindRateLimit, core.KindConfig:
			return true
		}
		return false
	case event.KindStatus:
		return ev.Status == "stopped" || ev.Status == "paused_price_band"
	}
	return false
}
