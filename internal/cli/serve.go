package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/dosolink/pkg/devserver"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development server",
	Long: `Run a websocket server that answers hello, ping, echo and identity
requests and broadcasts tick events. Useful for trying the client locally.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", -1, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort >= 0 {
		cfg.Server.Port = servePort
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	srv, err := devserver.NewServer(devserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		SharedSecret: cfg.Server.SharedSecret,
		TickInterval: time.Duration(cfg.Server.TickIntervalMs) * time.Millisecond,
		Version:      cfg.Server.Version,
		Logger:       log.GetZerolog(),

		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		MaxConcurrent:     cfg.Server.MaxConcurrent,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on ws://%s/ws\n", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
