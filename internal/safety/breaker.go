package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/alert"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace     = "place order"
	actionReconnect = "reconnect"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type circuit struct {
	name              string
	maxFailures       int
	failures          int
	state             circuitState
	openedAt          time.Time
	openErr           error
	halfOpenSuccess   int
	cooldown          time.Duration
	halfOpenSuccesses int
}

// Breaker tracks consecutive order submission and stream reconnect failures.
// An open circuit refuses work until its cooldown passes, then lets probes
// through in half-open state.
type Breaker struct {
	enabled bool
	now     func() time.Time

	mu        sync.Mutex
	place     circuit
	reconnect circuit

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxReconnectFailures int) *Breaker {
	return &Breaker{
		enabled:   enabled,
		now:       func() time.Time { return time.Now().UTC() },
		place:     newCircuit(actionPlace, maxPlaceFailures),
		reconnect: newCircuit(actionReconnect, maxReconnectFailures),
	}
}

func newCircuit(name string, maxFailures int) circuit {
	return circuit{
		name:              name,
		maxFailures:       maxFailures,
		state:             circuitClosed,
		cooldown:          defaultCooldown,
		halfOpenSuccesses: defaultHalfOpenSuccesses,
	}
}

// SetClock replaces the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	if b == nil || now == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breaker) SetPlaceRecovery(cooldown time.Duration, halfOpenSuccesses int) {
	b.setRecovery(&b.place, cooldown, halfOpenSuccesses)
}

func (b *Breaker) SetReconnectRecovery(cooldown time.Duration, halfOpenSuccesses int) {
	b.setRecovery(&b.reconnect, cooldown, halfOpenSuccesses)
}

func (b *Breaker) setRecovery(c *circuit, cooldown time.Duration, halfOpenSuccesses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if halfOpenSuccesses < 1 {
		halfOpenSuccesses = defaultHalfOpenSuccesses
	}
	c.cooldown = cooldown
	c.halfOpenSuccesses = halfOpenSuccesses
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.reconnect, err)
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowReconnect() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.reconnect)
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &b.reconnect
	if c.state != circuitOpen || c.cooldown <= 0 {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= c.cooldown {
		return 0
	}
	return c.cooldown - elapsed
}

func (b *Breaker) ResetReconnect() {
	if b == nil {
		return
	}
	_ = b.RecordReconnect(nil)
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if c.cooldown > 0 && b.now().Sub(c.openedAt) < c.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	cooldown := c.cooldown
	alerter := b.alerter
	b.mu.Unlock()

	logger.Event("circuit_breaker_half_open").WithFields(logrus.Fields{
		"action":       c.name,
		"cooldown_sec": int64(cooldown / time.Second),
	}).Info("circuit probing")
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       c.name,
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= c.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitOpen:
			// Successes only count once the cooldown let a probe through.
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			logger.Event("circuit_breaker_recovered").WithFields(logrus.Fields{
				"action":                        c.name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit recovered")
			if alerter != nil && prevState != circuitClosed {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        c.name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		openErr := b.tripLocked(c, err, 1, "half_open_probe_failed")
		alerter := b.alerter
		b.mu.Unlock()
		b.reportTrip(alerter, c.name, "half_open", 1, c.maxFailures, err)
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 {
			logger.Event("circuit_breaker_near_trip").WithFields(logrus.Fields{
				"action":               c.name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).WithError(err).Warn("circuit about to open")
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(alerter, c.name, "closed", failures, limit, err)
	return openErr
}

func (b *Breaker) reportTrip(alerter alert.Alerter, name, phase string, failures, limit int, err error) {
	logger.Event("circuit_breaker_trip").WithFields(logrus.Fields{
		"action":               name,
		"phase":                phase,
		"consecutive_failures": failures,
		"threshold":            limit,
	}).WithError(err).Error("circuit opened")
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               name,
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	if failures < 1 {
		failures = c.maxFailures
	}
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v", ErrCircuitOpen, c.name, failures, c.cooldown.String(), reason, err)
	return c.openErr
}
