package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
)

const (
	defaultBufferSize = 256
	defaultFillWait   = 5 * time.Second
)

// Bus fans events out to sinks from one dispatcher goroutine, in publish order.
// When the buffer is full, fill events wait up to FillWait for room and every
// other event is dropped.
type Bus struct {
	sinks    []Sink
	// FillWait bounds how long Publish blocks on a full buffer for opened
	// and closed events.
	FillWait time.Duration

	eventChan chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
}

func NewBus(bufferSize int, sinks ...Sink) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		sinks:     sinks,
		FillWait:  defaultFillWait,
		eventChan: make(chan Event, bufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.wg.Add(1)
	go b.processEvents()
	return b
}

func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		b.dropped.Add(1)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case b.eventChan <- ev:
		return
	default:
	}
	if (ev.Kind == KindOpened || ev.Kind == KindClosed) && b.FillWait > 0 {
		timer := time.NewTimer(b.FillWait)
		defer timer.Stop()
		select {
		case b.eventChan <- ev:
			return
		case <-b.ctx.Done():
		case <-timer.C:
		}
	}
	n := b.dropped.Add(1)
	logger.Event("event_dropped").WithFields(logrus.Fields{
		"kind":     ev.Kind,
		"strategy": ev.StrategyID,
		"dropped":  n,
	}).Warn("event buffer full")
}

func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) processEvents() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.eventChan:
			b.dispatch(ev)
		case <-b.ctx.Done():
			for {
				select {
				case ev := <-b.eventChan:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	for _, sink := range b.sinks {
		if err := b.deliver(sink, ev); err != nil {
			logger.Event("event_sink_failed").WithFields(logrus.Fields{
				"kind":     ev.Kind,
				"strategy": ev.StrategyID,
				"sink":     fmt.Sprintf("%T", sink),
			}).WithError(err).Warn("event sink error")
		}
	}
}

func (b *Bus) deliver(sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sink.HandleEvent(ctx, ev)
}

// Shutdown stops accepting events and flushes what is buffered.
func (b *Bus) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.wg.Wait()
}
