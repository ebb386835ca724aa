package metrics

import (
	"context"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
)

var knownStatuses = []string{
	"uninitialized",
	"initializing",
	"trading",
	"paused_manual",
	"paused_price_band",
	"paused_entry_price",
	"stopped",
}

// Sink turns strategy events into counters and gauges.
type Sink struct{}

func (Sink) HandleEvent(_ context.Context, ev event.Event) error {
	events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case event.KindOpened, event.KindClosed:
		if ev.Fill != nil {
			outcome := "filled"
			if ev.Fill.Inferred {
				outcome = "inferred"
			}
			IncOrder(ev.StrategyID, string(ev.Fill.Action), outcome)
		}
	case event.KindStatus:
		for _, s := range knownStatuses {
			v := 0.0
			if s == ev.Status {
				v = 1
			}
			status.WithLabelValues(ev.StrategyID, s).Set(v)
		}
	}
	if ev.State != nil {
		f, _ := ev.State.Position.Float64()
		position.WithLabelValues(ev.StrategyID, ev.Symbol, string(ev.Side)).Set(f)
	}
	return nil
}
