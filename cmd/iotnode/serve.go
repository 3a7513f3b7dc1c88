package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"iotquery/internal/config"
	"iotquery/internal/httpapi"
	"iotquery/internal/logging"
	"iotquery/internal/node"
)

var (
	serveNodeID        string
	serveListen        string
	serveHTTPListen    string
	serveLocalDevices  string
	serveRemoteDevices string
	serveQueryTimeout  time.Duration
	serveReadingTTL    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node",
	Long: `Run a node hosting local devices and, optionally, attaching devices
hosted by other nodes. Flags override values from --config.`,
	Example: `  # Two local devices
  iotnode serve --node-id n1 --listen 127.0.0.1:50051 --local-devices d1,d2

  # Aggregate devices from another node and expose HTTP
  iotnode serve --node-id n2 --listen 127.0.0.1:50052 --http-listen :8080 \
    --remote-devices d1=127.0.0.1:50051,d2=127.0.0.1:50051

  # From a config file
  iotnode serve --config node.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveNodeID, "node-id", "", "node identifier")
	f.StringVar(&serveListen, "listen", "", "gRPC listen address")
	f.StringVar(&serveHTTPListen, "http-listen", "", "HTTP listen address (empty disables HTTP)")
	f.StringVar(&serveLocalDevices, "local-devices", "", "comma-separated ids of devices hosted here")
	f.StringVar(&serveRemoteDevices, "remote-devices", "", "remote devices as id=addr,id=addr")
	f.DurationVar(&serveQueryTimeout, "query-timeout", 0, "deadline of a group query")
	f.DurationVar(&serveReadingTTL, "reading-ttl", 0, "age after which a recorded temperature is forgotten")
}

// loadServeConfig reads --config, then applies the flags that were set.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID = serveNodeID
	}
	if flags.Changed("listen") {
		cfg.Listen = serveListen
	}
	if flags.Changed("http-listen") {
		cfg.HTTPListen = serveHTTPListen
	}
	if flags.Changed("local-devices") {
		cfg.LocalDevices = config.ParseDeviceIDs(serveLocalDevices)
	}
	if flags.Changed("remote-devices") {
		remote, err := config.ParseRemoteDevices(serveRemoteDevices)
		if err != nil {
			return nil, err
		}
		cfg.RemoteDevices = remote
	}
	if flags.Changed("query-timeout") {
		cfg.QueryTimeout = serveQueryTimeout
	}
	if flags.Changed("reading-ttl") {
		cfg.ReadingTTL = serveReadingTTL
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	n, err := node.NewNode(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(n.Start)

	var app *fiber.App
	if cfg.HTTPListen != "" {
		app = httpapi.NewApp(n.Group(), logger)
		eg.Go(func() error {
			logger.Info("starting HTTP gateway", zap.String("addr", cfg.HTTPListen))
			return app.Listen(cfg.HTTPListen)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		n.Stop()
		if app != nil {
			return app.Shutdown()
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
