package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/objectfs/tiercache/internal/config"
)

// Version of the tiercache command
const Version = "0.3.0"

var (
	rootCmd = &cobra.Command{
		Use:   "tiercache",
		Short: "tiered web and object cache",
		Long: fmt.Sprintf(`tiercache (v%s)

A prioritized worker pool driving tiered caches: decoded values in RAM,
raw bytes in a persistent store and, for web caches, the network behind
them. Every cache shares one byte budget weighted by its priority.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tiercache",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiercache v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a YAML configuration file")
	flags.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("store-backend", "", "persistent tier (memory, file, leveldb, sqlite, s3)")
	flags.String("store-dir", "", "directory of the file, leveldb and sqlite backends")
	flags.String("budget", "", "byte budget shared by all caches, e.g. 256MB")
	flags.Int("workers", 0, "number of pool workers")
}

// loadConfiguration layers defaults, the config file, TIERCACHE_ variables
// (including .env files) and command line flags, in that order.
func loadConfiguration(cmd *cobra.Command) (*config.Configuration, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix("tiercache")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg := config.NewDefault()
	if path := v.GetString("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if v.IsSet("log-level") {
		cfg.Global.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Global.LogFormat = v.GetString("log-format")
	}
	if v.IsSet("store-backend") {
		cfg.Store.Backend = strings.ToLower(v.GetString("store-backend"))
	}
	if v.IsSet("store-dir") {
		cfg.Store.Directory = v.GetString("store-dir")
	}
	if v.IsSet("budget") {
		cfg.Cache.TotalBudget = v.GetString("budget")
	}
	if v.IsSet("workers") {
		cfg.Worker.Count = v.GetInt("workers")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
