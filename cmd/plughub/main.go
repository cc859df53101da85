package main

import (
	"log/slog"
	"os"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/plughub/internal/config"
)

type rootFlags struct {
	listenAddr string
	dbPath     string
	pluginsDir string
}

var rf rootFlags

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "plughub",
		Short:         "Plugin sandbox, token broker and execution scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.listenAddr, "listen", "", "ops API listen address (overrides PLUGHUB_LISTEN_ADDR)")
	rootCmd.PersistentFlags().StringVar(&rf.dbPath, "db", "", "SQLite database path (overrides PLUGHUB_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&rf.pluginsDir, "plugins", "", "manifest directory (overrides PLUGHUB_PLUGINS_DIR)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(runPendingCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(delegationCheckCmd())
	rootCmd.AddCommand(pluginsCmd())

	return rootCmd
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if rf.listenAddr != "" {
		cfg.ListenAddr = rf.listenAddr
	}
	if rf.dbPath != "" {
		cfg.DBPath = rf.dbPath
	}
	if rf.pluginsDir != "" {
		cfg.PluginsDir = rf.pluginsDir
	}
	return cfg, nil
}
