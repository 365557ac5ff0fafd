package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PAIRCHAT"

	DefaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
)

// Keys shared by flags, environment variables and config files. The
// environment form is PAIRCHAT_ followed by the key upper-cased with dots and
// dashes replaced by underscores, e.g. PAIRCHAT_REDIS_ADDR.
const (
	KeyAddr           = "addr"
	KeyDatabaseDSN    = "dsn"
	KeySigningKey     = "signing-key"
	KeyAllowedOrigins = "allowed-origins"
	KeyRedisAddr      = "redis.addr"
	KeyRedisPassword  = "redis.password"
	KeyRedisDB        = "redis.db"
	KeyRedisPrefix    = "redis.prefix"
	KeyKafkaBrokers   = "kafka.brokers"
	KeyKafkaTopic     = "kafka.topic"
	KeyRateLimit      = "rate.limit"
	KeyRateBurst      = "rate.burst"
	KeyLogLevel       = "log.level"
	KeyLogDevelopment = "log.development"

	KeyRelayURL      = "relay-url"
	KeyUser          = "user"
	KeyDataDir       = "data-dir"
	KeyMaxAttempts   = "reconnect.max-attempts"
	KeyRetryDelay    = "reconnect.delay"
	KeyOutboxSize    = "outbox-size"
	KeyDebounce      = "typing.debounce"
	KeyProbeInterval = "probe-interval"
)

// New returns a viper instance with defaults and environment lookup set up.
// If configFile is not empty it is read as well.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAddr, "localhost:8000")
	v.SetDefault(KeySigningKey, DefaultSigningKey)
	v.SetDefault(KeyRedisPrefix, "pairchat")
	v.SetDefault(KeyKafkaTopic, "pairchat.messages")
	v.SetDefault(KeyRateLimit, 20.0)
	v.SetDefault(KeyRateBurst, 40)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyRelayURL, "ws://localhost:8000/ws")
	v.SetDefault(KeyMaxAttempts, 5)
	v.SetDefault(KeyRetryDelay, time.Second)
	v.SetDefault(KeyOutboxSize, 256)
	v.SetDefault(KeyDebounce, 1500*time.Millisecond)
	v.SetDefault(KeyProbeInterval, 5*time.Second)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	return v, nil
}

type RelayConfig struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	KafkaBrokers   []string
	KafkaTopic     string
	RateLimit      float64
	RateBurst      int
	LogLevel       string
	LogDevelopment bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// stringSlice reads a list that may come from a config file list or a
// comma-separated flag or environment value.
func stringSlice(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func NewRelayConfig(v *viper.Viper) (*RelayConfig, error) {
	cfg := &RelayConfig{
		ServerAddr:     v.GetString(KeyAddr),
		DatabaseDSN:    v.GetString(KeyDatabaseDSN),
		AllowedOrigins: stringSlice(v, KeyAllowedOrigins),
		RedisAddr:      v.GetString(KeyRedisAddr),
		RedisPassword:  v.GetString(KeyRedisPassword),
		RedisDB:        v.GetInt(KeyRedisDB),
		RedisPrefix:    v.GetString(KeyRedisPrefix),
		KafkaBrokers:   stringSlice(v, KeyKafkaBrokers),
		KafkaTopic:     v.GetString(KeyKafkaTopic),
		RateLimit:      v.GetFloat64(KeyRateLimit),
		RateBurst:      v.GetInt(KeyRateBurst),
		LogLevel:       v.GetString(KeyLogLevel),
		LogDevelopment: v.GetBool(KeyLogDevelopment),
	}

	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return nil, fmt.Errorf("kafka topic cannot be empty when brokers are set")
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		return nil, fmt.Errorf("rate limit and burst must be positive")
	}

	signingKey, err := decodeSigningSecret(v.GetString(KeySigningKey))
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg.SigningKey = signingKey

	return cfg, nil
}

type ClientConfig struct {
	RelayURL             string
	UserId               string
	DataDir              string
	SigningKey           []byte
	MaxReconnectAttempts int
	RetryDelay           time.Duration
	OutboxSize           int
	Debounce             time.Duration
	ProbeInterval        time.Duration
	LogLevel             string
	LogDevelopment       bool
}

func NewClientConfig(v *viper.Viper) (*ClientConfig, error) {
	cfg := &ClientConfig{
		RelayURL:             v.GetString(KeyRelayURL),
		UserId:               v.GetString(KeyUser),
		DataDir:              v.GetString(KeyDataDir),
		MaxReconnectAttempts: v.GetInt(KeyMaxAttempts),
		RetryDelay:           v.GetDuration(KeyRetryDelay),
		OutboxSize:           v.GetInt(KeyOutboxSize),
		Debounce:             v.GetDuration(KeyDebounce),
		ProbeInterval:        v.GetDuration(KeyProbeInterval),
		LogLevel:             v.GetString(KeyLogLevel),
		LogDevelopment:       v.GetBool(KeyLogDevelopment),
	}

	if cfg.UserId == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url must use ws or wss, got %q", u.Scheme)
	}

	if cfg.MaxReconnectAttempts <= 0 {
		return nil, fmt.Errorf("max reconnect attempts must be positive")
	}
	if cfg.RetryDelay < 0 || cfg.Debounce <= 0 || cfg.ProbeInterval <= 0 {
		return nil, fmt.Errorf("durations must be positive")
	}
	if cfg.OutboxSize <= 0 {
		return nil, fmt.Errorf("outbox size must be positive")
	}

	signingKey, err := decodeSigningSecret(v.GetString(KeySigningKey))
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg.SigningKey = signingKey

	return cfg, nil
}
