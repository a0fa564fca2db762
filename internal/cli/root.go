// Package cli implements the embodia command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/internal/daemon"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "embodia",
	Short: "Embodia - real-time embodied agent runtime",
	Long: `Embodia runs an embodied agent on a fixed tick: it fuses the latest
observation from every input channel, asks a reasoning backend what to do and
routes the resulting actions to registered actuators.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.embodia/embodia.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads the config file named by --config and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// runningPID returns the PID recorded in the data directory if that process
// is alive.
func runningPID(cfg *config.Config) (int, bool) {
	pid, err := daemon.ReadPID(daemon.PIDFilePath(cfg.DataDir))
	if err != nil {
		return 0, false
	}
	return pid, daemon.ProcessAlive(pid)
}
