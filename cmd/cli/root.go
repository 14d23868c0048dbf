// Package cli provides the scanfleet command-line interface. It implements the
// Cobra command tree for queue and exclusion management, scheduler
// maintenance, planner runs, agent API keys and the server daemon.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanfleet/internal/api/handlers"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

const defaultConfigFile = "config.yaml"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// envOverrides are the configuration keys that SCANFLEET_* variables may set,
// e.g. SCANFLEET_DATABASE_PASSWORD.
var envOverrides = []string{
	"database.host",
	"database.port",
	"database.database",
	"database.username",
	"database.password",
	"database.ssl_mode",
	"api.listen_addr",
	"api.port",
	"logging.level",
	"scheduler.maintenance",
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanfleet",
	Short: "Distributed network reconnaissance scheduler",
	Long: `scanfleet hands out batches of scan targets to remote agents, limits the
load put on each network, and turns collected agent output into stored hosts,
services and findings through a pipeline of planner stages.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// Configuration and migration errors exit with 2 so service managers do not
// restart into the same failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.IsFatal(err) {
		return 2
	}
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/scanfleet")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	bindEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// bindEnv maps the override keys onto SCANFLEET_* variables.
func bindEnv() {
	viper.SetEnvPrefix("SCANFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envOverrides {
		_ = viper.BindEnv(key)
	}
}

// getConfigFilePath returns the config file viper resolved, or the default.
func getConfigFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return defaultConfigFile
}

// loadConfig loads the configuration file and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides copies SCANFLEET_* environment values into cfg.
func applyEnvOverrides(cfg *config.Config) {
	envSet := func(key string) bool {
		_, ok := os.LookupEnv("SCANFLEET_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
		return ok
	}

	if envSet("database.host") {
		cfg.Database.Host = viper.GetString("database.host")
	}
	if envSet("database.port") {
		cfg.Database.Port = viper.GetInt("database.port")
	}
	if envSet("database.database") {
		cfg.Database.Database = viper.GetString("database.database")
	}
	if envSet("database.username") {
		cfg.Database.Username = viper.GetString("database.username")
	}
	if envSet("database.password") {
		cfg.Database.Password = viper.GetString("database.password")
	}
	if envSet("database.ssl_mode") {
		cfg.Database.SSLMode = viper.GetString("database.ssl_mode")
	}
	if envSet("api.listen_addr") {
		cfg.API.ListenAddr = viper.GetString("api.listen_addr")
	}
	if envSet("api.port") {
		cfg.API.Port = viper.GetInt("api.port")
	}
	if envSet("logging.level") {
		cfg.Logging.Level = viper.GetString("logging.level")
	}
	if envSet("scheduler.maintenance") {
		cfg.Scheduler.Maintenance = viper.GetBool("scheduler.maintenance")
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
	handlers.SetBuildInfo(v, c, bt)
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyEnvOverrides(cfg)

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.Level == "debug",
	}
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}
