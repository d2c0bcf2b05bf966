package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/dosolink/internal/client"
	"github.com/spf13/cobra"
)

var (
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure request round trips",
	RunE:  runPing,
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 4, "number of pings")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", time.Second, "delay between pings")
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount <= 0 {
		return fmt.Errorf("count must be positive")
	}

	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// a short-lived command has no use for keepalive pings
	cfg.Keepalive.Enabled = false

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	c, err := client.New(cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	defer c.Stop()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	startCtx, cancel := context.WithTimeout(ctx, connectTimeoutOrDefault())
	err = c.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var failed int
	var total time.Duration
	for i := 1; i <= pingCount; i++ {
		rtt, err := c.Ping(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(out, "ping %d: %v\n", i, err)
		} else {
			total += rtt
			fmt.Fprintf(out, "ping %d: %s\n", i, formatDuration(rtt))
		}

		if i < pingCount {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pingInterval):
			}
		}
	}

	ok := pingCount - failed
	if ok > 0 {
		fmt.Fprintf(out, "%d/%d replies, avg %s\n", ok, pingCount, formatDuration(total/time.Duration(ok)))
	} else {
		fmt.Fprintf(out, "0/%d replies\n", pingCount)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pings failed", failed, pingCount)
	}
	return nil
}

func connectTimeoutOrDefault() time.Duration {
	if connectTimeout > 0 {
		return connectTimeout
	}
	return 15 * time.Second
}
