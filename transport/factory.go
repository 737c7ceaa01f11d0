package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Type selects a transport backend.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeNATS     Type = "nats"
	TypeRabbitMQ Type = "rabbitmq"
)

// Config describes which transport to build and how to reach it.
type Config struct {
	Type Type
	// Servers is the broker server list. NATS accepts several; RabbitMQ uses the first.
	Servers       []string
	Name          string
	Username      string
	Password      string
	Token         string
	Exchange      string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// New builds the transport described by cfg.
func New(ctx context.Context, cfg Config) (Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryTransport(WithMemoryLogger(logger)), nil

	case TypeNATS:
		if len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("nats transport requires at least one server")
		}
		opts := []NATSOption{WithNATSLogger(logger)}
		if cfg.Name != "" {
			opts = append(opts, WithNATSName(cfg.Name))
		}
		if cfg.Username != "" {
			opts = append(opts, WithNATSUserInfo(cfg.Username, cfg.Password))
		}
		if cfg.Token != "" {
			opts = append(opts, WithNATSToken(cfg.Token))
		}
		if cfg.ReconnectWait > 0 {
			opts = append(opts, WithNATSReconnect(cfg.MaxReconnects, cfg.ReconnectWait))
		}
		return NewNATSTransport(strings.Join(cfg.Servers, ","), opts...)

	case TypeRabbitMQ:
		if len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("rabbitmq transport requires a server url")
		}
		opts := []RabbitMQOption{WithRabbitMQLogger(logger)}
		if cfg.Exchange != "" {
			opts = append(opts, WithRabbitMQExchange(cfg.Exchange))
		}
		return NewRabbitMQTransport(ctx, cfg.Servers[0], opts...)

	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
