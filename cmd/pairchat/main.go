package main

import (
	"fmt"
	"os"

	"github.com/npezzotti/pairchat/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:               "pairchat",
	Short:             "Two-party real-time chat relay and client",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var (
	flagConfigFile string

	// v holds the merged configuration of the running command.
	v *viper.Viper
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"signing-key":     config.KeySigningKey,
	"log-level":       config.KeyLogLevel,
	"log-development": config.KeyLogDevelopment,

	"addr":            config.KeyAddr,
	"dsn":             config.KeyDatabaseDSN,
	"allowed-origins": config.KeyAllowedOrigins,
	"redis-addr":      config.KeyRedisAddr,
	"redis-password":  config.KeyRedisPassword,
	"redis-db":        config.KeyRedisDB,
	"redis-prefix":    config.KeyRedisPrefix,
	"kafka-brokers":   config.KeyKafkaBrokers,
	"kafka-topic":     config.KeyKafkaTopic,
	"rate-limit":      config.KeyRateLimit,
	"rate-burst":      config.KeyRateBurst,

	"user":                   config.KeyUser,
	"relay-url":              config.KeyRelayURL,
	"data-dir":               config.KeyDataDir,
	"reconnect-max-attempts": config.KeyMaxAttempts,
	"reconnect-delay":        config.KeyRetryDelay,
	"outbox-size":            config.KeyOutboxSize,
	"typing-debounce":        config.KeyDebounce,
	"probe-interval":         config.KeyProbeInterval,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigFile, "config", "", "optional config file (yaml, json or toml)")
	flags.String("signing-key", config.DefaultSigningKey, "base64 encoded token signing key")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-development", false, "human readable console logs")

	rootCmd.AddCommand(relayCmd, chatCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	v, err = config.New(flagConfigFile)
	if err != nil {
		return err
	}

	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}
