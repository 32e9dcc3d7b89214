// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmq

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/messaging"
	"github.com/glimte/mmq-go/serialization"
)

const (
	DefaultExchange     = "amq.topic"
	DefaultQueryTimeout = 3 * time.Second
	DefaultEventQueue   = "events"
	DefaultQueryQueue   = "queries"
)

var (
	ErrNotConnected = errors.New("mmq: hub not connected")
	ErrHubClosed    = errors.New("mmq: hub closed")
	ErrNotQuery     = errors.New("mmq: routing key is not a query")
)

// Config holds hub configuration
type Config struct {
	ModuleName         string
	EventExchange      string
	QueryExchange      string
	QueryTimeout       time.Duration
	DefaultContentType string
	PingResponder      bool
	Logger             *slog.Logger
	Metrics            messaging.MetricsCollector
	Codecs             *serialization.Registry
	Middleware         []messaging.Middleware
}

func defaultConfig() Config {
	return Config{
		EventExchange:      DefaultExchange,
		QueryExchange:      DefaultExchange,
		QueryTimeout:       DefaultQueryTimeout,
		DefaultContentType: contracts.DefaultContentType,
		PingResponder:      true,
		Logger:             slog.Default(),
		Metrics:            messaging.NoOpMetricsCollector{},
	}
}

func (c Config) validate() error {
	if c.ModuleName == "" {
		return errors.New("module name is required")
	}
	if strings.ContainsAny(c.ModuleName, " #*") {
		return fmt.Errorf("invalid module name %q", c.ModuleName)
	}
	if c.EventExchange == "" || c.QueryExchange == "" {
		return errors.New("exchange names cannot be empty")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %v", c.QueryTimeout)
	}
	return nil
}

// Option configures the hub
type Option func(*Config)

// WithModuleName sets the module name used for queue names and the publisher header
func WithModuleName(name string) Option {
	return func(c *Config) {
		c.ModuleName = name
	}
}

// WithEventExchange sets the exchange events are published to
func WithEventExchange(exchange string) Option {
	return func(c *Config) {
		c.EventExchange = exchange
	}
}

// WithQueryExchange sets the exchange queries are published to
func WithQueryExchange(exchange string) Option {
	return func(c *Config) {
		c.QueryExchange = exchange
	}
}

// WithQueryTimeout sets how long a query waits for its reply
func WithQueryTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.QueryTimeout = timeout
	}
}

// WithDefaultContentType sets the content type for untagged bodies
func WithDefaultContentType(contentType string) Option {
	return func(c *Config) {
		c.DefaultContentType = contentType
	}
}

// WithPingResponder enables or disables answering pings
func WithPingResponder(enabled bool) Option {
	return func(c *Config) {
		c.PingResponder = enabled
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithCodecs replaces the codec registry
func WithCodecs(codecs *serialization.Registry) Option {
	return func(c *Config) {
		c.Codecs = codecs
	}
}

// WithMiddleware wraps every handler bound on the hub's queues
func WithMiddleware(middleware ...messaging.Middleware) Option {
	return func(c *Config) {
		c.Middleware = append(c.Middleware, middleware...)
	}
}

type publishConfig struct {
	persistent  *bool
	headers     map[string]any
	contentType string
	timeout     time.Duration
}

// PublishOption tunes a single publish
type PublishOption func(*publishConfig)

// WithPersistent overrides the delivery mode. Events persist and queries
// do not unless told otherwise.
func WithPersistent(persistent bool) PublishOption {
	return func(c *publishConfig) {
		c.persistent = &persistent
	}
}

// WithHeader adds a header to the message
func WithHeader(key string, value any) PublishOption {
	return func(c *publishConfig) {
		if c.headers == nil {
			c.headers = make(map[string]any)
		}
		c.headers[key] = value
	}
}

// WithMessageContentType sets the content type of the body
func WithMessageContentType(contentType string) PublishOption {
	return func(c *publishConfig) {
		c.contentType = contentType
	}
}

// WithTimeout overrides the query timeout
func WithTimeout(timeout time.Duration) PublishOption {
	return func(c *publishConfig) {
		c.timeout = timeout
	}
}
