// Package pubsub fans strategy events out to Redis channels so dashboards and
// other processes can follow the grids without touching the database.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
)

const DefaultChannelPrefix = "grid.events."

type Options struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher is an event.Sink publishing each event as JSON on
// <prefix><strategy id>.
type Publisher struct {
	rdb    client
	prefix string
}

func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func NewPublisher(rdb client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Publisher{rdb: rdb, prefix: prefix}
}

func (p *Publisher) Channel(strategyID string) string {
	return p.prefix + strategyID
}

func (p *Publisher) HandleEvent(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(toMessage(ev))
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.Channel(ev.StrategyID), payload).Err()
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

type message struct {
	ID         string       `json:"id"`
	Event      string       `json:"event"`
	StrategyID string       `json:"strategy_id"`
	Symbol     string       `json:"symbol"`
	Side       string       `json:"side,omitempty"`
	Status     string       `json:"status,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	ErrKind    string       `json:"err_kind,omitempty"`
	Err        string       `json:"err,omitempty"`
	Fill       *fillMessage `json:"fill,omitempty"`
	Position   string       `json:"position,omitempty"`
	NextRise   *string      `json:"next_rise,omitempty"`
	NextFall   *string      `json:"next_fall,omitempty"`
	Time       time.Time    `json:"time"`
}

type fillMessage struct {
	Action       string `json:"action"`
	OrderID      string `json:"order_id"`
	RequestedQty string `json:"requested_qty"`
	ExecutedQty  string `json:"executed_qty"`
	AvgPrice     string `json:"avg_price"`
	Inferred     bool   `json:"inferred"`
}

func toMessage(ev event.Event) message {
	m := message{
		ID:         ev.ID,
		Event:      string(ev.Kind),
		StrategyID: ev.StrategyID,
		Symbol:     ev.Symbol,
		Side:       string(ev.Side),
		Status:     ev.Status,
		Reason:     ev.Reason,
		ErrKind:    string(ev.ErrKind),
		Err:        ev.Err,
		Time:       ev.Time.UTC(),
	}
	if f := ev.Fill; f != nil {
		m.Fill = &fillMessage{
			Action:       string(f.Action),
			OrderID:      f.OrderID,
			RequestedQty: f.RequestedQty.String(),
			ExecutedQty:  f.ExecutedQty.String(),
			AvgPrice:     f.AvgPrice.String(),
			Inferred:     f.Inferred,
		}
	}
	if st := ev.State; st != nil {
		m.Position = st.Position.String()
		m.NextRise = optional(st.NextRise)
		m.NextFall = optional(st.NextFall)
	}
	return m
}

func optional(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.String()
	return &s
}
