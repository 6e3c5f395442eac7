package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/core"
	"github.com/eleven-am/mesh/internal/domain"
)

var (
	nodeID      string
	host        string
	port        int
	seeds       []string
	configPath  string
	metricsAddr string
	logLevel    string
	withDemo    bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a mesh node",
	Long: `Start a mesh node and block until SIGINT or SIGTERM.

Examples:
  # Start the first node
  meshnode start --node-id=node1 --port=7401

  # Join it from a second node
  meshnode start --node-id=node2 --port=7402 --seeds=127.0.0.1:7401

  # Load settings from a file, flags win
  meshnode start --config=mesh.yaml --metrics-addr=:9090`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&nodeID, "node-id", "n", "", "Unique node identifier (generated when empty)")
	startCmd.Flags().StringVarP(&host, "host", "a", "", "Address advertised to other nodes")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Port of the node transport")
	startCmd.Flags().StringSliceVarP(&seeds, "seeds", "s", nil, "Seed nodes as host:port or id@host:port (comma-separated)")
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML or JSON config file")
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address")
	startCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	startCmd.Flags().BoolVar(&withDemo, "demo", true, "Host the math demo service")
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := newLogger(logLevel)

	config, err := buildConfig(logger)
	if err != nil {
		return err
	}

	broker, err := core.New(config)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	if withDemo {
		if err := broker.AddService(mathService(logger)); err != nil {
			return fmt.Errorf("register demo service: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	logger.Info("node started", "node_id", broker.NodeID(), "host", config.Host, "port", config.Port)

	metricsDone := make(chan error, 1)
	if config.Metrics.Enabled && config.Metrics.Addr != "" {
		server := metrics.NewServer(config.Metrics.Addr, broker, logger)
		go func() { metricsDone <- server.Start(ctx) }()
	} else {
		close(metricsDone)
	}

	select {
	case <-ctx.Done():
	case err := <-metricsDone:
		if err != nil {
			logger.Error("metrics server failed", "error", err)
		}
		<-ctx.Done()
	}

	logger.Info("shutting down")
	if err := broker.Stop(); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}
	return nil
}

func buildConfig(logger *slog.Logger) (*domain.Config, error) {
	config := domain.DefaultConfig()
	if configPath != "" {
		loaded, err := domain.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	config.Logger = logger

	if nodeID != "" {
		config.NodeID = nodeID
	}
	if config.NodeID == "" {
		config.NodeID = domain.DefaultNodeID()
	}
	if host != "" {
		config.Host = host
	}
	if port != 0 {
		config.Port = port
	}
	if metricsAddr != "" {
		config.Metrics.Enabled = true
		config.Metrics.Addr = metricsAddr
	}

	if len(seeds) > 0 {
		peers, err := parseSeeds(seeds)
		if err != nil {
			return nil, err
		}
		config.WithStaticPeers(peers...)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// parseSeeds reads host:port or id@host:port entries. Seeds without an id
// get a placeholder one; gossip learns the real id on first contact.
func parseSeeds(values []string) ([]domain.StaticPeer, error) {
	peers := make([]domain.StaticPeer, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		var id string
		if at := strings.Index(value, "@"); at >= 0 {
			id, value = value[:at], value[at+1:]
		}

		seedHost, seedPort, err := net.SplitHostPort(value)
		if err != nil {
			return nil, domain.NewValidationError("seeds", value, err.Error())
		}
		portNumber, err := strconv.Atoi(seedPort)
		if err != nil {
			return nil, domain.NewValidationError("seeds", value, "port must be a number")
		}
		peers = append(peers, domain.StaticPeer{ID: id, Address: seedHost, Port: portNumber})
	}
	return peers, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func mathService(logger *slog.Logger) core.Service {
	number := func(ctx *core.Context, key string) (int64, error) {
		value, ok := domain.ToInt64(ctx.Params()[key])
		if !ok {
			return 0, domain.NewValidationError(key, ctx.Params()[key], "must be a number")
		}
		return value, nil
	}

	return core.Service{
		Name: "math",
		Actions: []core.Action{
			{Name: "add", Handler: func(ctx *core.Context) (interface{}, error) {
				a, err := number(ctx, "a")
				if err != nil {
					return nil, err
				}
				b, err := number(ctx, "b")
				if err != nil {
					return nil, err
				}
				return a + b, nil
			}},
			{Name: "ping", Handler: func(ctx *core.Context) (interface{}, error) {
				return domain.Document{"pong": true, "caller": ctx.NodeID(), "level": ctx.Level()}, nil
			}},
		},
		Listeners: []core.Listener{
			{Event: "math.*", Handler: func(ctx *core.Context) error {
				logger.Debug("math event", "event", ctx.EventName(), "sender", ctx.NodeID())
				return nil
			}},
		},
	}
}
