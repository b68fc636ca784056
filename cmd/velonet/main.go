// Velonet CLI entry point.
//
// The serve command listens on one or more addresses and echoes every message
// back on the stream it arrived on; send connects to such a server, opens a
// stream and measures the round trip.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/velonet/internal/config"
	"github.com/1ureka/velonet/internal/metrics"
	"github.com/1ureka/velonet/internal/network"
	"github.com/1ureka/velonet/internal/util"
)

var version = "dev"

var (
	configPath  string
	logLevel    string
	metricsAddr string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "velonet",
	Short: "Participant and stream networking over tcp, udp, mpsc, websocket and webrtc.",
	Long: `velonet multiplexes prioritised message streams between participants ` +
		`over any mix of transports. Addresses look like tcp://host:port, ` +
		`udp://host:port, ws://host:port/path or webrtc+ws://host:port?pin=1234.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if metricsAddr != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = metricsAddr
		}
		return util.SetLogLevel(cfg.Log.Level)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		pterm.Info.Printfln("velonet v%s", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	pf.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error or off")
	pf.StringVar(&metricsAddr, "metrics", "", "serve /metrics and /api on this address")

	rootCmd.AddCommand(versionCmd, serveCmd, sendCmd)
}

// startNetwork creates the network and, when enabled, its metrics endpoint.
func startNetwork(ctx context.Context) *network.Network {
	var opts []network.Option
	if cfg.Metrics.Enabled {
		m := metrics.New()
		opts = append(opts, network.WithMetrics(m))
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, nil); err != nil {
				util.LogError("metrics endpoint: %v", err)
			}
		}()
	}
	return network.New(cfg.Network, opts...)
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
