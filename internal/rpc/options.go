package rpc

import (
	"time"

	"github.com/parallel-codex/pcodex/internal/logging"
)

// defaultRequestTimeout applies when a Request caller passes no timeout.
const defaultRequestTimeout = 5 * time.Minute

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	logger         *logging.Logger
	defaultTimeout time.Duration
	onNotification func(Notification)
	onLost         func(error)
}

// WithLogger sets the logger for the client.
func WithLogger(logger *logging.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDefaultTimeout sets the timeout used when Request is called with a
// zero timeout. A zero or negative value is replaced with the default (5m).
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.defaultTimeout = d
	}
}

// WithNotificationHandler registers a handler for server notifications.
// The handler runs on the read-loop goroutine and must not block.
func WithNotificationHandler(h func(Notification)) Option {
	return func(c *clientConfig) {
		c.onNotification = h
	}
}

// WithLostHandler registers a handler invoked once per transport after the
// bulk-failure sweep when that transport is declared lost.
func WithLostHandler(h func(error)) Option {
	return func(c *clientConfig) {
		c.onLost = h
	}
}
