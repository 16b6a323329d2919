package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"evlogai/internal/config"
	"evlogai/internal/logging"
)

const configFileName = "evlogai.toml"

var (
	configPath string // actual config file used
	cfg        *config.Config
	logger     arbor.ILogger = arbor.NewLogger()

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configFileName+" next to the executable or in the current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initEvlogai

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(categoriesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("evlogai failed")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "evlogai",
	Short:        "Extract Windows event logs and send them for AI analysis",
	SilenceUsage: true,
}

func initEvlogai(cmd *cobra.Command, _ []string) error {
	switch {
	case os.Getenv("EVLOGAI_CONFIG") != "":
		configPath = os.Getenv("EVLOGAI_CONFIG")
	case flagConfigFilePath != "":
		configPath = flagConfigFilePath
	default:
		configPath = findConfig()
	}

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}
	logger = logging.New(cfg.Logging)
	logger.Debug().Str("config", configPath).Str("command", cmd.Name()).Msg("evlogai starting")
	return nil
}

func findConfig() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, d := range dirs {
		path := filepath.Join(d, configFileName)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path
		}
	}
	return ""
}
