package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/harun/dosolink/internal/client"
	"github.com/harun/dosolink/internal/config"
	"github.com/harun/dosolink/internal/observability"
	"github.com/harun/dosolink/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var connectTimeout time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect and stream events",
	Long: `Connect to the configured service, perform the version handshake and log
in with the stored identity. Events are printed until interrupted.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 15*time.Second, "time allowed for the first connection")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	zl := log.GetZerolog()

	if err := tracing.InitOpenTelemetry("dosolink", cfg.Metrics.TraceSample); err != nil {
		zl.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	metricsSrv := startMetricsServer(cfg.Metrics.Addr, zl)
	if metricsSrv != nil {
		defer metricsSrv.Close()
	}

	live := config.NewLive(cfg)
	watcher, err := config.NewWatcher(loader, live, log.Component("config"), func(c *config.Config) {
		zl.Info().Dur("requestTimeout", c.RequestTimeout()).Msg("Config reloaded")
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	c, err := client.New(cfg, zl, client.WithLive(live))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = c.Start(startCtx)
	cancel()
	if err != nil {
		_ = c.Stop()
		return err
	}

	if err := session(ctx, cmd.OutOrStdout(), c); err != nil {
		_ = c.Stop()
		return err
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			printStats(out, c)
			return c.Stop()
		case env := <-c.Events():
			fmt.Fprintf(out, "event %s %s\n", env.Kind, string(env.Payload))
		}
	}
}

// session runs the handshake and login that every command needs
func session(ctx context.Context, out io.Writer, c *client.Client) error {
	hello, err := c.Hello(ctx)
	if err != nil {
		return err
	}
	id, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Connected: server %s, identity %s\n", hello.ProtocolVersion, id)
	return nil
}

func printStats(out io.Writer, c *client.Client) {
	stats := c.Stats()
	fmt.Fprintf(out, "Outbound: %s (%d queued)\n", stats.OutboundState, stats.OutboundQueued)
	fmt.Fprintf(out, "Inbound: %s (%d queued)\n", stats.InboundState, stats.InboundQueued)
	fmt.Fprintf(out, "Pending: %d\n", stats.Pending)
	fmt.Fprintf(out, "Last request id: %d\n", stats.LastID)
}

// startMetricsServer serves /metrics on addr. An empty addr disables it.
func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Handle("/metrics", observability.MetricsHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server error")
		}
	}()

	logger.Info().Str("addr", addr).Msg("Metrics server started")
	return srv
}
