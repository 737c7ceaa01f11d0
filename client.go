// Copyright 2024 Conduit Contributors
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

package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/conduit-go/config"
	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/messaging"
	"github.com/glimte/conduit-go/monitor"
	"github.com/glimte/conduit-go/transport"
)

// ErrClientClosed is returned by a Client after Close.
var ErrClientClosed = errors.New("conduit: client closed")

// Client provides the main entry point for conduit. It owns one transport and
// one coordinator and hands out Senders and Receivers that share them.
type Client struct {
	cfg         *config.Config
	transport   transport.Transport
	coordinator coordination.Coordinator
	logger      *slog.Logger
	metrics     messaging.MetricsCollector

	ownsTransport   bool
	ownsCoordinator bool

	mu        sync.Mutex
	senders   []*messaging.Sender
	receivers []*messaging.Receiver
	closed    bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
	transport   transport.Transport
	coordinator coordination.Coordinator
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the collector shared by every sender and receiver
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTransport uses an existing transport instead of building one from
// config. The client does not close it.
func WithTransport(tr transport.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = tr
	}
}

// WithCoordinator uses an existing coordinator instead of building one from
// config. The client does not close it.
func WithCoordinator(coord coordination.Coordinator) ClientOption {
	return func(cfg *clientConfig) {
		cfg.coordinator = coord
	}
}

// NewClient creates a client from cfg. A nil cfg uses config.Default, which
// runs everything in memory.
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := &clientConfig{
		logger:  slog.Default(),
		metrics: messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(opts)
	}
	logger := opts.logger.With("conduitId", cfg.ID)

	c := &Client{
		cfg:         cfg,
		transport:   opts.transport,
		coordinator: opts.coordinator,
		logger:      logger,
		metrics:     opts.metrics,
	}

	if c.transport == nil {
		tr, err := transport.New(ctx, cfg.TransportConfig(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.transport = tr
		c.ownsTransport = true
	}

	if c.coordinator == nil {
		coord, err := coordination.New(cfg.CoordinationConfig(logger))
		if err != nil {
			if c.ownsTransport {
				_ = c.transport.Close()
			}
			return nil, fmt.Errorf("failed to create coordinator: %w", err)
		}
		c.coordinator = coord
		c.ownsCoordinator = true
	}

	logger.Info("Conduit client created",
		"transport", cfg.Transport.Type,
		"coordination", cfg.Coordination.Type)

	return c, nil
}

// ConduitID returns the conduit id every sender and receiver of this client uses
func (c *Client) ConduitID() string {
	return c.cfg.ID
}

// Transport returns the underlying transport
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// Coordinator returns the underlying coordinator
func (c *Client) Coordinator() coordination.Coordinator {
	return c.coordinator
}

// NewSender creates a sender configured from the sender section. opts are
// applied after the configured values.
func (c *Client) NewSender(opts ...messaging.SenderOption) (*messaging.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	all := append([]messaging.SenderOption{
		messaging.WithSenderConfig(c.cfg.SenderConfig()),
		messaging.WithSenderLogger(c.logger),
		messaging.WithSenderMetrics(c.metrics),
	}, opts...)

	sender, err := messaging.NewSender(c.cfg.ID, c.transport, c.coordinator, all...)
	if err != nil {
		return nil, err
	}
	c.senders = append(c.senders, sender)
	return sender, nil
}

// NewReceiver creates a receiver configured from the receiver section. The
// receiver is not started. Close stops it.
func (c *Client) NewReceiver(handler messaging.Handler, opts ...messaging.ReceiverOption) (*messaging.Receiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	all := []messaging.ReceiverOption{
		messaging.WithReceiverConfig(c.cfg.ReceiverConfig()),
		messaging.WithReceiverLogger(c.logger),
		messaging.WithReceiverMetrics(c.metrics),
	}
	if c.cfg.Receiver.ID != "" {
		all = append(all, messaging.WithReceiverID(c.cfg.Receiver.ID))
	}
	all = append(all, opts...)

	receiver, err := messaging.NewReceiver(c.cfg.ID, c.transport, c.coordinator, handler, all...)
	if err != nil {
		return nil, err
	}
	c.receivers = append(c.receivers, receiver)
	return receiver, nil
}

// RegisterHealthChecks adds transport, coordination, goroutine and
// per-receiver checks to registry
func (c *Client) RegisterHealthChecks(registry *monitor.Registry) {
	registry.SetMetadata("conduitId", c.cfg.ID)
	registry.Register(monitor.NewTransportChecker(c.transport))
	registry.Register(monitor.NewCoordinatorChecker(c.coordinator))
	registry.Register(monitor.NewGoroutineChecker(0, 0))

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.receivers {
		registry.Register(monitor.NewReceiverChecker(r))
	}
}

// Close stops receivers, closes senders, then closes the transport and
// coordinator if the client created them. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	receivers, senders := c.receivers, c.senders
	c.receivers, c.senders = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, r := range receivers {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop receiver %s: %w", r.ID(), err))
		}
	}
	for _, s := range senders {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sender: %w", err))
		}
	}
	if c.ownsTransport {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
	}
	if c.ownsCoordinator {
		if err := c.coordinator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close coordinator: %w", err))
		}
	}

	c.logger.Info("Conduit client closed")
	return errors.Join(errs...)
}
