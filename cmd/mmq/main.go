package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mmq "github.com/glimte/mmq-go"
	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/internal/config"
	"github.com/glimte/mmq-go/messaging"
	"github.com/glimte/mmq-go/serialization"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals holds the settings shared by every command
type globals struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "mmq",
		Short: "Publish, query and listen on an mmq topic exchange",
		Long: `mmq talks to other modules over RabbitMQ the way a module does.
Settings come from the environment (MMQ_*) or a .env file; flags override them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		rabbitURL string
		module    string
		verbose   bool
	)
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (MMQ_URL)")
	rootCmd.PersistentFlags().StringVarP(&module, "module", "m", "", "Module name to publish as (MMQ_MODULE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("url") {
			cfg.URL = rabbitURL
		}
		if cmd.Flags().Changed("module") {
			cfg.Module = module
		}
		if verbose {
			cfg.LogLevel = "debug"
		}

		logger, err := cfg.Logger(os.Stderr)
		if err != nil {
			return err
		}
		g.cfg = cfg
		g.logger = logger
		return nil
	}

	// Publish command
	var (
		persistent bool
		headers    map[string]string
		asText     bool
	)
	publishCmd := &cobra.Command{
		Use:   "publish <routing-key> [body]",
		Short: "Publish an event",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if contracts.IsQuery(args[0]) {
				return fmt.Errorf("%s is a query, use the query command", args[0])
			}
			ctx, cancel := signalContext()
			defer cancel()

			hub, err := g.connect(ctx, false)
			if err != nil {
				return err
			}
			defer hub.Close()

			options := []mmq.PublishOption{mmq.WithPersistent(persistent)}
			for k, v := range headers {
				options = append(options, mmq.WithHeader(k, v))
			}

			receipt, err := hub.Publish(ctx, args[0], parseBody(args[1:], asText), nil, options...)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Printf("Published %s (hop %s)\n", args[0], receipt.HopID)
			return nil
		},
	}
	publishCmd.Flags().BoolVarP(&persistent, "persistent", "p", true, "Mark the message persistent")
	publishCmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Extra header key=value")
	publishCmd.Flags().BoolVar(&asText, "text", false, "Send the body as text/plain")

	// Query command
	var (
		timeout    time.Duration
		queryText  bool
		queryRetry int
	)
	queryCmd := &cobra.Command{
		Use:   "query <routing-key> [body]",
		Short: "Send a query and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			hub, err := g.connect(ctx, false)
			if err != nil {
				return err
			}
			defer hub.Close()

			var options []mmq.PublishOption
			if cmd.Flags().Changed("timeout") {
				options = append(options, mmq.WithTimeout(timeout))
			}

			body := parseBody(args[1:], queryText)
			var reply *messaging.Reply
			for attempt := 0; ; attempt++ {
				reply, err = hub.Query(ctx, args[0], body, nil, options...)
				if err == nil || !messaging.IsTimeout(err) || attempt >= queryRetry {
					break
				}
				g.logger.Warn("query timed out, retrying", "routingKey", args[0], "attempt", attempt+1)
			}
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			printReply(reply)
			return nil
		},
	}
	queryCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Reply timeout (MMQ_QUERY_TIMEOUT)")
	queryCmd.Flags().BoolVar(&queryText, "text", false, "Send the body as text/plain")
	queryCmd.Flags().IntVar(&queryRetry, "retry", 0, "Resend the query this many times after a timeout")

	// Listen command
	var queueName string
	listenCmd := &cobra.Command{
		Use:   "listen <pattern...>",
		Short: "Print events matching the routing patterns",
		Long:  "Bind an event queue to each pattern and print every message until interrupted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			hub, err := g.connect(ctx, true)
			if err != nil {
				return err
			}
			defer hub.Close()

			queue := hub.EventQueue(queueName, messaging.WithDurable(false), messaging.WithAutoDelete(true))
			for _, pattern := range args {
				if _, err := queue.Bind(pattern, printMessage); err != nil {
					return fmt.Errorf("invalid pattern %s: %w", pattern, err)
				}
			}
			if err := hub.Ready(ctx); err != nil {
				return fmt.Errorf("failed to start listening: %w", err)
			}

			fmt.Printf("Listening on %s... Press Ctrl+C to stop\n", queue.Name())
			fmt.Println(strings.Repeat("-", 60))
			<-ctx.Done()
			return nil
		},
	}
	listenCmd.Flags().StringVarP(&queueName, "queue", "q", "listen", "Queue name suffix")

	// Ping command
	pingCmd := &cobra.Command{
		Use:   "ping <module>",
		Short: "Check that a module is up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			hub, err := g.connect(ctx, false)
			if err != nil {
				return err
			}
			defer hub.Close()

			started := time.Now()
			name, err := hub.Ping(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ping %s: %w", args[0], err)
			}
			fmt.Printf("%s answered in %v\n", name, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}

	rootCmd.AddCommand(publishCmd, queryCmd, listenCmd, pingCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// connect dials the broker. Only a listening CLI answers pings; the other
// commands would otherwise lock the module's ping queue.
func (g *globals) connect(ctx context.Context, pingResponder bool) (*mmq.Hub, error) {
	hub, err := mmq.Dial(g.cfg.URL,
		mmq.WithModuleName(g.cfg.Module),
		mmq.WithEventExchange(g.cfg.EventExchange),
		mmq.WithQueryExchange(g.cfg.QueryExchange),
		mmq.WithQueryTimeout(g.cfg.QueryTimeout),
		mmq.WithPingResponder(pingResponder),
		mmq.WithLogger(g.logger),
	)
	if err != nil {
		return nil, err
	}
	if err := hub.Connect(ctx); err != nil {
		hub.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return hub, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseBody reads a JSON value, falling back to a plain string
func parseBody(args []string, asText bool) any {
	if len(args) == 0 {
		return nil
	}
	if asText {
		return serialization.WithContentType(serialization.ContentTypeText, args[0])
	}
	var v any
	if err := json.Unmarshal([]byte(args[0]), &v); err != nil {
		return args[0]
	}
	return v
}

func printMessage(ctx context.Context, body any, trace []string, msg *messaging.Message) (any, error) {
	env := msg.Envelope
	fmt.Printf("Routing Key: %s\n", env.RoutingKey)
	fmt.Printf("  Publisher: %s\n", env.Headers.Publisher)
	fmt.Printf("  Timestamp: %s\n", env.Headers.Timestamp)
	fmt.Printf("  Trace: %s\n", strings.Join(trace, " > "))
	fmt.Printf("  Content Type: %s\n", env.ContentType)
	if env.Redelivered {
		fmt.Printf("  Redelivered: true\n")
	}
	for k, v := range env.Headers.Extra {
		fmt.Printf("  %s: %v\n", k, v)
	}
	fmt.Printf("  Body: %s\n", truncate(render(body), 200))
	fmt.Println(strings.Repeat("-", 60))
	return nil, nil
}

func printReply(reply *messaging.Reply) {
	fmt.Println(render(reply.Body))
}

func render(body any) string {
	if s, ok := body.(string); ok {
		return s
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(data)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
