package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eachlabs/streamport/internal/logging"
	"github.com/eachlabs/streamport/internal/provider"
	"github.com/eachlabs/streamport/internal/server"
)

var (
	serveHTTPAddr string
	serveTCPAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stream port listeners",
	Long: `Start serving stream ports.

Websocket channels are accepted on GET /ports/{name} and one-shot calls on
POST /v1/{name}. When a TCP address is configured, line-delimited JSON
channels are accepted there too.

Provider API keys are read from the config file or from
ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY and EACHLABS_API_KEY.

Examples:
  streamport serve
  streamport serve --http 0.0.0.0:8080 --tcp 0.0.0.0:9090
  streamport serve -v --config ./streamport.toml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http", "", "websocket/HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveTCPAddr, "tcp", "", "TCP listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHTTPAddr != "" {
		cfg.Server.HTTPAddr = serveHTTPAddr
	}
	if serveTCPAddr != "" {
		cfg.Server.TCPAddr = serveTCPAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg, err := provider.FromConfig(cfg.Providers())
	if err != nil {
		return fmt.Errorf("failed to create providers: %w", err)
	}
	if len(reg.IDs()) == 0 {
		log.Warn("no providers configured, every call will fail with unknown provider")
	} else {
		log.WithField("providers", reg.IDs()).Info("providers ready")
	}

	srv := server.New(server.Config{
		HTTPAddr:        cfg.Server.HTTPAddr,
		TCPAddr:         cfg.Server.TCPAddr,
		CallTimeout:     cfg.Server.CallTimeout.Std(),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		RatePerSecond:   cfg.Server.RateLimit.PerSecond,
		RateBurst:       cfg.Server.RateLimit.Burst,
	}, reg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx, cfg.Server.ShutdownTimeout.Std()); err != nil {
		log.WithError(err).Error("server stopped with error")
		return err
	}
	log.Info("server stopped")
	return nil
}
