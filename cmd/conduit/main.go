package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	conduit "github.com/glimte/conduit-go"
	"github.com/glimte/conduit-go/config"
	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/interceptors"
	"github.com/glimte/conduit-go/messaging"
	"github.com/glimte/conduit-go/monitor"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	conduitID  string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Request/reply messaging with topic ownership",
		Long: `conduit runs receivers and sends requests over a conduit.
Backends come from a YAML config file and CONDUIT_* environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.conduitID, "id", "", "Conduit id (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newReceiveCmd(flags),
		newSendCmd(flags),
		newWatchCmd(flags),
		newOwnerCmd(flags),
		newReceiversCmd(flags),
	)
	return rootCmd
}

// loadConfig applies the global flags on top of file and environment
func loadConfig(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.conduitID != "" {
		cfg.ID = flags.conduitID
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newReceiveCmd(flags *globalFlags) *cobra.Command {
	var (
		command      []string
		receiverID   string
		metricsAddr  string
		drainTimeout time.Duration
		maxParallel  int
		handlerLimit time.Duration
		topics       []string
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Run a receiver until interrupted",
		Long: `Run a receiver that answers every topic routed to it. By default the
payload is echoed back. With --exec the command is run per message with the
payload on stdin, and its stdout (JSON or plain text) becomes the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = metricsAddr
			}

			ctx, stop := signalContext()
			defer stop()

			reg := prometheus.NewRegistry()
			options := []conduit.ClientOption{conduit.WithLogger(logger)}
			if cfg.Metrics.Enabled {
				collector, err := monitor.NewPrometheusCollector(reg, cfg.ID)
				if err != nil {
					return err
				}
				options = append(options, conduit.WithMetrics(collector))
			}

			client, err := conduit.NewClient(ctx, cfg, options...)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				defer cancel()
				if err := client.Close(closeCtx); err != nil {
					logger.Error("Shutdown failed", "error", err)
				}
			}()

			handler := echoHandler
			if len(command) > 0 {
				handler = execHandler(command)
			}
			chain := interceptors.NewChain(interceptors.NewLoggingInterceptor(logger))
			if len(topics) > 0 {
				chain.Add(interceptors.NewFilteringInterceptor(interceptors.AllowTopics(topics...), interceptors.SkipWithError))
			}
			if maxParallel > 0 {
				chain.Add(interceptors.NewConcurrencyLimitInterceptor(maxParallel))
			}
			if handlerLimit > 0 {
				chain.Add(interceptors.NewTimeoutInterceptor(handlerLimit))
			}

			var receiverOpts []messaging.ReceiverOption
			if receiverID != "" {
				receiverOpts = append(receiverOpts, messaging.WithReceiverID(receiverID))
			}
			receiver, err := client.NewReceiver(chain.Then(handler), receiverOpts...)
			if err != nil {
				return err
			}
			receiver.OnOwnershipLost(func(topic string) {
				logger.Warn("Lost topic ownership", "topic", topic)
			})

			if err := receiver.Start(ctx); err != nil {
				return err
			}
			logger.Info("Receiver running", "receiverId", receiver.ID())

			if cfg.Metrics.Enabled {
				health := monitor.NewRegistry()
				client.RegisterHealthChecks(health)
				srv := newObservabilityServer(cfg.Metrics.Addr, reg, health)
				go func() {
					if err := serve(srv); err != nil {
						logger.Error("Metrics server failed", "error", err)
					}
				}()
				defer shutdown(srv, logger)
			}

			<-ctx.Done()
			logger.Info("Shutting down receiver", "receiverId", receiver.ID())
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&command, "exec", nil, "Command to run per message (repeat for arguments)")
	cmd.Flags().StringVar(&receiverID, "receiver-id", "", "Receiver id (default: random uuid)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 10*time.Second, "Time allowed for shutdown")
	cmd.Flags().IntVar(&maxParallel, "max-concurrent", 0, "Maximum concurrent handlers (0: unbounded)")
	cmd.Flags().DurationVar(&handlerLimit, "handler-timeout", 0, "Cancel handlers running longer than this (0: never)")
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "Only answer these topics (trailing * matches a prefix)")
	return cmd
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout   time.Duration
		messageID string
	)

	cmd := &cobra.Command{
		Use:   "send <topic> <json-payload>",
		Short: "Send one request and print the response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON: %s", args[1])
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := conduit.NewClient(ctx, cfg, conduit.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			sender, err := client.NewSender()
			if err != nil {
				return err
			}

			sendOpts := []messaging.SendOption{messaging.WithTimeout(timeout)}
			if messageID != "" {
				sendOpts = append(sendOpts, messaging.WithMessageID(messageID))
			}

			resp, err := sender.Send(ctx, args[0], payload, sendOpts...)
			if err != nil {
				return err
			}

			if err := printJSON(cmd, resp); err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("remote handler failed: %s", resp.Error)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Reply timeout (default: sender.default_timeout)")
	cmd.Flags().StringVar(&messageID, "message-id", "", "Message id, reuse it to get the cached result")
	return cmd
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <topic>",
		Short: "Print every response broadcast for a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := conduit.NewClient(ctx, cfg, conduit.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			sender, err := client.NewSender()
			if err != nil {
				return err
			}

			err = sender.SubscribeTopic(ctx, args[0], func(resp *contracts.Response) {
				if err := printJSON(cmd, resp); err != nil {
					logger.Error("Failed to print response", "error", err)
				}
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
}

func newOwnerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "owner <topic>",
		Short: "Show which receiver owns a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client, err := conduit.NewClient(cmd.Context(), cfg, conduit.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			owner, err := client.Coordinator().GetTopicOwner(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get topic owner: %w", err)
			}
			if owner == "" {
				cmd.Printf("Topic %s has no owner\n", args[0])
				return nil
			}
			cmd.Println(owner)
			return nil
		},
	}
}

func newReceiversCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "receivers",
		Short: "List live receivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client, err := conduit.NewClient(cmd.Context(), cfg, conduit.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			receivers, err := client.Coordinator().GetActiveReceivers(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list receivers: %w", err)
			}
			if len(receivers) == 0 {
				cmd.Println("No active receivers")
				return nil
			}
			for _, id := range receivers {
				cmd.Println(id)
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
