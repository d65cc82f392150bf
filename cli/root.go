// Package cli implements the kdeconnect-service command line: the service
// itself and the client commands that drive it over the local socket.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kdeconnect-service/config"
	"kdeconnect-service/logger"
)

var (
	// Version is set at build time
	Version = "dev"
)

type rootOptions struct {
	dataDir  string
	socket   string
	logLevel string
	debug    bool
	timeout  time.Duration
	jsonOut  bool

	// signals overrides SIGINT/SIGTERM handling in tests.
	signals func(context.Context) (context.Context, context.CancelFunc)
	// logOutput overrides the configured log destination in tests.
	logOutput io.Writer
}

// NewRootCommand builds the kdeconnect-service command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{
		signals: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		},
	})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "kdeconnect-service",
		Short: "KDE Connect compatible background service",
		Long: `kdeconnect-service discovers KDE Connect devices on the local network,
pairs with them and keeps encrypted sessions open. Desktop components talk
to it over a local socket; the client commands below do the same.

Run without a subcommand to start the service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts, false)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dataDir, "data-dir", "", "Data directory (default: $"+config.DataDirEnv+" or the user config dir)")
	flags.StringVar(&opts.socket, "socket", "", "IPC socket path (default: from config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Timeout for client commands")
	flags.BoolVar(&opts.jsonOut, "json", false, "Print machine-readable JSON")

	root.AddCommand(
		newRunCommand(opts),
		newIdentityCommand(opts),
		newDevicesCommand(opts),
		newPairingsCommand(opts),
		newPairCommand(opts),
		newResolveCommand(opts, "accept", true),
		newResolveCommand(opts, "reject", false),
		newUnpairCommand(opts),
		newConnectCommand(opts),
		newSendCommand(opts),
		newPingCommand(opts),
		newWatchCommand(opts),
		newAuditCommand(opts),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCode(err)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var noBroadcast bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts, noBroadcast)
		},
	}
	cmd.Flags().BoolVar(&noBroadcast, "no-broadcast", false, "Only announce to configured seed addresses")
	return cmd
}

// loadConfig loads or creates config.json and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.DeviceConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate(opts.dataDir)
	if err != nil {
		return nil, "", exitErr(ExitIdentity, "load config: %w", err)
	}
	if opts.socket != "" {
		cfg.IPCSocketPath = opts.socket
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", exitErr(ExitIdentity, "invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

func newLogger(opts *rootOptions, cfg *config.DeviceConfig) (zerolog.Logger, error) {
	if opts.logOutput != nil {
		return logger.NewWithWriter(cfg.Log, opts.logOutput)
	}
	return logger.New(cfg.Log)
}

func runService(cmd *cobra.Command, opts *rootOptions, noBroadcast bool) error {
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log, err := newLogger(opts, cfg)
	if err != nil {
		return exitErr(ExitFailure, "configure logging: %w", err)
	}
	log.Info().Str("config", cfgPath).Str("version", Version).Msg("starting")

	service, err := StartService(ServiceOptions{
		Config:           cfg,
		DataDir:          dataDirOf(cfgPath),
		Logger:           log,
		DisableBroadcast: noBroadcast,
	})
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}

	ctx, stop := opts.signals(cmd.Context())
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	service.Close()
	return nil
}
