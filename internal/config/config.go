package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger modes.
const (
	LedgerSimulated = "simulated"
	LedgerChain     = "chain"
)

// Confirmation modes for the chain ledger.
const (
	ConfirmSync  = "sync"
	ConfirmAsync = "async"
)

// Config captures runtime settings for the traceledger service.
type Config struct {
	Addr        string `mapstructure:"TRACELEDGER_ADDR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	Env         string `mapstructure:"NODE_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`

	LedgerMode      string        `mapstructure:"LEDGER_MODE"`
	UseMockLedger   bool          `mapstructure:"USE_MOCK_BLOCKCHAIN"`
	Network         string        `mapstructure:"BLOCKCHAIN_NETWORK"`
	RPCURL          string        `mapstructure:"BLOCKCHAIN_RPC_URL"`
	PrivateKey      string        `mapstructure:"BLOCKCHAIN_PRIVATE_KEY"`
	ContractAddress string        `mapstructure:"CONTRACT_ADDRESS"`
	AnchorTimeout   time.Duration `mapstructure:"ANCHOR_TIMEOUT"`
	ConfirmMode     string        `mapstructure:"ANCHOR_CONFIRM_MODE"`
	ConfirmTimeout  time.Duration `mapstructure:"CONFIRM_TIMEOUT"`
	SimAnchorDelay  time.Duration `mapstructure:"SIM_ANCHOR_DELAY"`
	SimFailureRate  float64       `mapstructure:"SIM_FAILURE_RATE"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic    string   `mapstructure:"KAFKA_TOPIC"`
	AMQPURL       string   `mapstructure:"AMQP_URL"`
	AMQPExchange  string   `mapstructure:"AMQP_EXCHANGE"`
	S3Bucket      string   `mapstructure:"S3_BUCKET"`
	S3Prefix      string   `mapstructure:"S3_PREFIX"`
	RedisAddr     string   `mapstructure:"REDIS_ADDR"`
	RedisPassword string   `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int      `mapstructure:"REDIS_DB"`

	RateLimitRPS         float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int     `mapstructure:"RATE_LIMIT_BURST"`
	ParticipantCacheSize int     `mapstructure:"PARTICIPANT_CACHE_SIZE"`
	MaxBodyBytes         int64   `mapstructure:"MAX_BODY_BYTES"`
	TrustProxy           bool    `mapstructure:"TRUST_PROXY_HEADERS"`
}

const (
	defaultAddr            = ":5000"
	defaultChainTimeout    = 120 * time.Second
	defaultSimTimeout      = 5 * time.Second
	defaultConfirmTimeout  = 10 * time.Minute
	defaultSimAnchorDelay  = 500 * time.Millisecond
	defaultParticipantSize = 1024
	defaultBodyLimit       = 1 << 20 // 1MB
)

var defaults = map[string]interface{}{
	"TRACELEDGER_ADDR":       defaultAddr,
	"DATABASE_URL":           "",
	"NODE_ENV":               "development",
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
	"JWT_SECRET":             "",
	"LEDGER_MODE":            LedgerSimulated,
	"USE_MOCK_BLOCKCHAIN":    false,
	"BLOCKCHAIN_NETWORK":     "sepolia",
	"BLOCKCHAIN_RPC_URL":     "",
	"BLOCKCHAIN_PRIVATE_KEY": "",
	"CONTRACT_ADDRESS":       "",
	"ANCHOR_TIMEOUT":         time.Duration(0),
	"ANCHOR_CONFIRM_MODE":    ConfirmSync,
	"CONFIRM_TIMEOUT":        defaultConfirmTimeout,
	"SIM_ANCHOR_DELAY":       defaultSimAnchorDelay,
	"SIM_FAILURE_RATE":       0.0,
	"KAFKA_BROKERS":          []string{},
	"KAFKA_TOPIC":            "traceledger.events",
	"AMQP_URL":               "",
	"AMQP_EXCHANGE":          "traceledger.events",
	"S3_BUCKET":              "",
	"S3_PREFIX":              "traceledger",
	"REDIS_ADDR":             "",
	"REDIS_PASSWORD":         "",
	"REDIS_DB":               0,
	"RATE_LIMIT_RPS":         10.0,
	"RATE_LIMIT_BURST":       20,
	"TRUST_PROXY_HEADERS":    false,
	"PARTICIPANT_CACHE_SIZE": defaultParticipantSize,
	"MAX_BODY_BYTES":         int64(defaultBodyLimit),
}

// Load reads configuration from the environment and an optional .env file in
// dir, then validates it.
func Load(dir string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LedgerMode = strings.ToLower(strings.TrimSpace(c.LedgerMode))
	if c.UseMockLedger || c.LedgerMode == "" || c.LedgerMode == "mock" {
		c.LedgerMode = LedgerSimulated
	}
	c.ConfirmMode = strings.ToLower(strings.TrimSpace(c.ConfirmMode))
	if c.ConfirmMode == "" {
		c.ConfirmMode = ConfirmSync
	}
	if c.AnchorTimeout <= 0 {
		if c.LedgerMode == LedgerChain {
			c.AnchorTimeout = defaultChainTimeout
		} else {
			c.AnchorTimeout = defaultSimTimeout
		}
	}
	c.KafkaBrokers = splitList(c.KafkaBrokers)
	if c.ParticipantCacheSize <= 0 {
		c.ParticipantCacheSize = defaultParticipantSize
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultBodyLimit
	}
}

// Validate reports configuration that cannot run.
func (c Config) Validate() error {
	switch c.LedgerMode {
	case LedgerSimulated:
	case LedgerChain:
		var missing []string
		if c.RPCURL == "" {
			missing = append(missing, "BLOCKCHAIN_RPC_URL")
		}
		if c.PrivateKey == "" {
			missing = append(missing, "BLOCKCHAIN_PRIVATE_KEY")
		}
		if c.ContractAddress == "" {
			missing = append(missing, "CONTRACT_ADDRESS")
		}
		if len(missing) > 0 {
			return fmt.Errorf("chain ledger requires %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be %q or %q, got %q", LedgerSimulated, LedgerChain, c.LedgerMode)
	}

	switch c.ConfirmMode {
	case ConfirmSync:
	case ConfirmAsync:
		if c.LedgerMode != LedgerChain {
			return fmt.Errorf("ANCHOR_CONFIRM_MODE=async requires LEDGER_MODE=%s", LedgerChain)
		}
	default:
		return fmt.Errorf("ANCHOR_CONFIRM_MODE must be %q or %q, got %q", ConfirmSync, ConfirmAsync, c.ConfirmMode)
	}

	if c.SimFailureRate < 0 || c.SimFailureRate > 1 {
		return fmt.Errorf("SIM_FAILURE_RATE must be within [0,1]")
	}

	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when NODE_ENV=production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when NODE_ENV=production")
		}
	}
	return nil
}

// IsProduction reports whether the service runs with production guardrails.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
