package core

import "errors"

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrRateLimited indicates the exchange throttled the caller.
	ErrRateLimited = errors.New("rate limited")
	// ErrPositionClosed indicates a reduce-only order found no position to reduce.
	ErrPositionClosed = errors.New("position closed externally")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrInvalidConfig indicates a strategy or process configuration failed validation.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrNotInitialized indicates a tick reached an engine that has not finished Init.
	ErrNotInitialized = errors.New("engine not initialized")
)

type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTransient         ErrorKind = "transient"
	KindRateLimit         ErrorKind = "rate_limit"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindPositionClosed    ErrorKind = "position_closed"
	KindConfig            ErrorKind = "config"
	KindRejected          ErrorKind = "rejected"
)

// Classify maps an error to the kind that decides how the engine reacts to it.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientFunds
	case errors.Is(err, ErrPositionClosed):
		return KindPositionClosed
	case errors.Is(err, ErrInvalidConfig):
		return KindConfig
	case errors.Is(err, ErrOrderRejected):
		return KindRejected
	default:
		return KindTransient
	}
}
