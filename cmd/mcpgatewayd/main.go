// Command mcpgatewayd runs the MCP aggregating gateway: a line-delimited
// JSON-RPC 2.0 server on standard input/output that multiplexes an
// administrator-configured set of downstream MCP servers behind a single
// endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/loomstack/mcpgatewayd/pkg/catalog"
	"github.com/loomstack/mcpgatewayd/pkg/downstream"
	"github.com/loomstack/mcpgatewayd/pkg/gateway"
	"github.com/loomstack/mcpgatewayd/pkg/gwconfig"
)

const version = "0.1.0"

type options struct {
	serverListPath string
	mcpConfigPath  string
	adminPrefix    string
	logLevel       string
	logger         *zap.Logger
}

func main() {
	opts := options{
		serverListPath: "servers.json",
		mcpConfigPath:  "mcp-config.json",
		adminPrefix:    gateway.DefaultAdminPrefix,
		logLevel:       "info",
		logger:         zap.NewNop(),
	}

	root := &cobra.Command{
		Use:   "mcpgatewayd",
		Short: "Aggregating gateway for the Model Context Protocol",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			applyFlagBindings(cmd.Flags(), &opts)
			log, err := buildLogger(opts.logLevel)
			if err != nil {
				return err
			}
			opts.logger = log
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.serverListPath, "servers", opts.serverListPath, "path to the server list document (toolCap + servers)")
	root.PersistentFlags().StringVar(&opts.mcpConfigPath, "mcp-config", opts.mcpConfigPath, "path to the launch descriptor document (mcpServers)")
	root.PersistentFlags().StringVar(&opts.adminPrefix, "admin-prefix", opts.adminPrefix, "reserved namespace prefix for built-in admin tools")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: debug, info, warn, error")

	if err := root.ExecuteContext(signalContext()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyFlagBindings(flags *pflag.FlagSet, opts *options) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "servers":
			opts.serverListPath, _ = flags.GetString("servers")
		case "mcp-config":
			opts.mcpConfigPath, _ = flags.GetString("mcp-config")
		case "admin-prefix":
			opts.adminPrefix, _ = flags.GetString("admin-prefix")
		case "log-level":
			opts.logLevel, _ = flags.GetString("log-level")
		}
	})
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	// The client reads standard output as the wire protocol; all logging
	// goes to standard error so the two streams never interleave.
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("mcpgatewayd: invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func run(ctx context.Context, opts *options) error {
	store := gwconfig.New(opts.serverListPath, opts.mcpConfigPath, opts.logger)
	if err := store.Load(); err != nil {
		// Load already defaulted the in-memory config and logged the
		// cause; the gateway still runs so admin tools can rebuild it.
		opts.logger.Warn("starting with defaulted configuration", zap.Error(err))
	}

	sessions := downstream.NewManager(store, opts.logger)
	defer sessions.CloseAll()

	cache := catalog.New(catalog.DefaultTTL, opts.logger)

	state := gateway.NewState(store, sessions, cache, opts.adminPrefix,
		gateway.ServerInfo{Name: "mcpgatewayd", Version: version}, opts.logger)

	dispatcher := gateway.NewDispatcher(state, os.Stdout, opts.logger)
	if err := dispatcher.Run(ctx, os.Stdin); err != nil {
		opts.logger.Error("gateway stopped", zap.Error(err))
		os.Exit(dispatcher.ExitCode())
	}
	return nil
}
