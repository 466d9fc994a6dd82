package cli

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFlag      string
	providerFlag    string
	modeFlag        string
	verbosityFlag   bool
	logFilenameFlag string
)

var rootCmd = &cobra.Command{
	Use:   "transport-cache",
	Short: "HTTP caching client and forward proxy",
	Long: "transport-cache fetches and serves HTTP resources through a " +
		"standards-based response cache with pluggable storage backends.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Cache provider to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "Cache mode (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&verbosityFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
}

func setupLogging() {
	logLevel := zerolog.DebugLevel
	if verbosityFlag {
		logLevel = zerolog.TraceLevel
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...))
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (Config, error) {
	config, err := getConfig(configFlag)
	if err != nil {
		return config, err
	}
	if providerFlag != "" {
		config.Cache.Provider = providerFlag
	}
	if modeFlag != "" {
		config.Mode = modeFlag
	}
	return config, nil
}

// Run executes the root command and returns an exit code.
func Run() int {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(purgeCmd)

	if err := rootCmd.Execute(); err != nil {
		// cobra already prints the error
		return 1
	}
	return 0
}
