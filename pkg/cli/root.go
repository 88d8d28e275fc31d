// Package cli implements the mgmtctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strand-protocol/strand/mgmtapi/pkg/channel"
	"github.com/strand-protocol/strand/mgmtapi/pkg/client"
	"github.com/strand-protocol/strand/mgmtapi/pkg/config"
	"github.com/strand-protocol/strand/mgmtapi/pkg/observability"
)

var (
	// Global flags
	cfgFile  string
	envFile  string
	addrFlag string
	timeout  time.Duration
	logLevel string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd is the base command for mgmtctl.
var rootCmd = &cobra.Command{
	Use:   "mgmtctl",
	Short: "Management protocol CLI: serve, ping, and run management operations",
	Long: `mgmtctl speaks the management request/response protocol. It can run a
management server and issue requests against one: liveness pings, the sample
double and echo operations, and batch id allocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env values fill in MGMT_* variables that are not already set.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if timeout > 0 {
			cfg.Client.RequestTimeout = timeout
		}

		logger, err = observability.SetupLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.mgmt/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with MGMT_* overrides")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "management server address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "per-request timeout (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

// targetAddr is the server address requests go to.
func targetAddr() string {
	if addrFlag != "" {
		return addrFlag
	}
	return cfg.Client.Address()
}

// requestContext bounds one command's requests by the configured timeout.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Client.RequestTimeout > 0 {
		return context.WithTimeout(ctx, cfg.Client.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// dial connects to the target server.
func dial(ctx context.Context) (*client.Client, error) {
	dialCtx := ctx
	if cfg.Client.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Client.DialTimeout)
		defer cancel()
	}
	return client.Dial(dialCtx, targetAddr(), client.WithChannelOptions(
		channel.WithLogger(logger),
		channel.WithRequestTimeout(cfg.Client.RequestTimeout),
	))
}
