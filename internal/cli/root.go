package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/config"
	"github.com/lazypower/clawsync/internal/logging"
)

var (
	configPath string
	apiURL     string
)

var rootCmd = &cobra.Command{
	Use:   "clawsync",
	Short: "Offline-first sync agent for Claw",
	Long: "clawsync records every capture, strike, release, extend and merge on the device first, " +
		"then reconciles it with the remote authority whenever the network allows.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.clawsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", "", "local API base URL (default from CLAWSYNC_URL or server.bind/port)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(authorityCmd)
	rootCmd.AddCommand(captureCmd, strikeCmd, releaseCmd, extendCmd, mergeCmd)
	rootCmd.AddCommand(statusCmd, failedCmd, retryCmd, discardCmd, flushCmd)
}

// loadConfig reads --config, falling back to the default path.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}
