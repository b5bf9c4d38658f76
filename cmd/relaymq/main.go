package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/relaymq"
	"github.com/glimte/relaymq/config"
	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/health"
	"github.com/glimte/relaymq/interceptors"
	"github.com/glimte/relaymq/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var urls []string

	rootCmd := &cobra.Command{
		Use:   "relaymq",
		Short: "Send and receive RabbitMQ messages with retries and acknowledgment policies",
		Long: `relaymq publishes and consumes messages through a reliable AMQP layer.
Settings are read from RELAYMQ_* environment variables; flags override them.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&urls, "url", "u", nil, "RabbitMQ connection URLs, tried in order")

	connect := func(ctx context.Context, tune func(*config.Settings)) (*relaymq.Client, *slog.Logger, error) {
		settings, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if len(urls) > 0 {
			settings.Broker.URLs = urls
		}
		if tune != nil {
			tune(settings)
		}

		logger, err := newLogger(settings.Logging, os.Stderr)
		if err != nil {
			return nil, nil, err
		}
		slog.SetDefault(logger)

		client, err := relaymq.New(ctx, *settings, relaymq.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		serveMetrics(ctx, client, logger)
		return client, logger, nil
	}

	rootCmd.AddCommand(
		newProduceCommand(connect),
		newConsumeCommand(connect),
		newDeclareCommand(connect),
		newHealthCommand(connect),
	)
	return rootCmd
}

type connectFunc func(ctx context.Context, tune func(*config.Settings)) (*relaymq.Client, *slog.Logger, error)

func newProduceCommand(connect connectFunc) *cobra.Command {
	var (
		exchange   string
		kind       string
		routingKey string
		headers    []string
		serializer string
		mode       string
		expiration time.Duration
		delay      time.Duration
		count      int
	)

	cmd := &cobra.Command{
		Use:   "produce [message]",
		Short: "Publish a message, read from stdin when no argument is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			body, err := messageBody(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			hdrs, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			client, logger, err := connect(ctx, func(s *config.Settings) {
				if serializer != "" {
					s.Producer.Serializer = serializer
				}
				if mode != "" {
					s.Producer.SendMode = mode
				}
			})
			if err != nil {
				return err
			}
			defer client.Close()

			producer, err := client.NewProducer(exchange, contracts.ExchangeKind(kind))
			if err != nil {
				return err
			}

			payload := decodeArgument(body)
			for i := 0; i < count; i++ {
				sent, err := producer.Send(ctx, payload,
					messaging.WithRoutingKey(routingKey),
					messaging.WithHeaders(hdrs),
					messaging.WithExpiration(expiration),
					messaging.WithDelay(delay),
				)
				if err != nil {
					return err
				}
				if !sent {
					return fmt.Errorf("message %d was not sent to exchange %s", i+1, exchange)
				}
			}

			logger.Info("messages sent", "exchange", exchange, "routing_key", routingKey, "count", count)
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange name")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(contracts.ExchangeDirect), "Exchange type: direct, fanout, topic or headers")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "r", "", "Routing key")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Message header as key=value, repeatable")
	cmd.Flags().StringVar(&serializer, "serializer", "", "Serializer name: json, yaml, text or raw")
	cmd.Flags().StringVar(&mode, "mode", "", "Send mode: sync or async")
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "Message time to live")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Wait before the first transmission")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to send")
	_ = cmd.MarkFlagRequired("exchange")

	return cmd
}

func newConsumeCommand(connect connectFunc) *cobra.Command {
	var (
		async     bool
		poolSize  int
		retries   int
		alwaysAck bool
		noAck     bool
		prefetch  int
	)

	cmd := &cobra.Command{
		Use:   "consume queue [queue...]",
		Short: "Print deliveries from one or more queues until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, logger, err := connect(ctx, func(s *config.Settings) {
				if async {
					s.Consumer.HandlerType = "async"
				}
				if poolSize > 0 {
					s.Consumer.PoolSize = poolSize
				}
				if cmd.Flags().Changed("retries") {
					s.Consumer.RetryTimes = retries
				}
				if cmd.Flags().Changed("prefetch") {
					s.Consumer.PrefetchCount = prefetch
				}
				s.Consumer.AlwaysAck = s.Consumer.AlwaysAck || alwaysAck
				s.Consumer.NoAck = s.Consumer.NoAck || noAck
			})
			if err != nil {
				return err
			}
			defer client.Close()

			consumer, err := client.NewConsumer()
			if err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			printed := func(ctx context.Context, payload any, delivery *messaging.AckHandle) error {
				return out.Encode(map[string]any{
					"queue":       delivery.Metadata().Queue,
					"routing_key": delivery.Metadata().RoutingKey,
					"message_id":  delivery.MessageID(),
					"payload":     payload,
				})
			}

			handler := interceptors.NewInterceptorChain(interceptors.NewLoggingInterceptor(logger)).Then(printed)
			for _, queue := range args {
				name := client.Settings().Queue(queue)
				if err := consumer.AddListener(name, handler, messaging.ListenAccept("yaml", "text")); err != nil {
					return err
				}
			}

			logger.Info("consuming", "queues", args)
			return consumer.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&async, "async", false, "Dispatch deliveries to a worker pool")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "Worker pool size for async dispatch")
	cmd.Flags().IntVar(&retries, "retries", 0, "Handler re-attempts before a delivery is given up")
	cmd.Flags().BoolVar(&alwaysAck, "always-ack", false, "Acknowledge even when the handler fails")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "Let the broker treat deliveries as acknowledged")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "Maximum unacknowledged deliveries per queue")

	return cmd
}

func newDeclareCommand(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "declare topology.yaml",
		Short: "Declare the exchanges, queues and bindings described in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topology, err := config.LoadTopology(args[0])
			if err != nil {
				return err
			}

			client, logger, err := connect(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeclareTopology(cmd.Context(), topology); err != nil {
				return err
			}
			logger.Info("topology declared",
				"exchanges", len(topology.Exchanges),
				"queues", len(topology.Queues),
				"bindings", len(topology.Bindings))
			return nil
		},
	}
}

func newHealthCommand(connect connectFunc) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker connection and configured queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, _, err := connect(ctx, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			result := client.Health(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}

// serveMetrics exposes /metrics and /health when a metrics address is configured
func serveMetrics(ctx context.Context, client *relaymq.Client, logger *slog.Logger) {
	addr := client.Settings().Metrics.Address
	if addr == "" || client.Metrics() == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", client.Metrics().Handler())
	mux.Handle("/health", health.NewHandler(client.HealthRegistry(), 5*time.Second))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

func messageBody(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	body, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read message from stdin: %w", err)
	}
	return body, nil
}

// decodeArgument sends valid JSON as a structured value and anything else as text
func decodeArgument(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return strings.TrimRight(string(body), "\n")
}

func parseHeaders(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, want key=value", pair)
		}
		headers[k] = v
	}
	return headers, nil
}
