package event

import (
	"context"
	"time"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

type Kind string

const (
	KindWarn         Kind = "warn"
	KindOpened       Kind = "open_position"
	KindClosed       Kind = "close_position"
	KindStatus       Kind = "status"
	KindLimitReached Kind = "limit_reached"
)

// Event is what a grid engine reports to the outside world.
type Event struct {
	ID         string
	Kind       Kind
	StrategyID string
	Symbol     string
	Side       core.PositionSide
	Status     string
	Reason     string
	Fill       *core.Fill
	State      *core.ExecutionStatus
	ErrKind    core.ErrorKind
	Err        string
	Time       time.Time
}

// Sink consumes events. Implementations must be safe for use by a single
// dispatcher goroutine; they are never called concurrently by the Bus.
type Sink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Publisher is the producer side handed to engines.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
