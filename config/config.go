package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration supports human readable duration strings in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses values such as "30s" or "2m".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for rewardsd.
type Config struct {
	ListenAddress string         `toml:"ListenAddress"`
	Environment   string         `toml:"Environment"`
	DataDir       string         `toml:"DataDir"`
	ReceiptsDSN   string         `toml:"ReceiptsDSN"`
	Bank          BankConfig     `toml:"Bank"`
	Auth          AuthConfig     `toml:"Auth"`
	Webhooks      WebhookConfig  `toml:"Webhooks"`
	RateLimit     RateLimit      `toml:"RateLimit"`
	Telemetry     Telemetry      `toml:"Telemetry"`
	Recon         ReconConfig    `toml:"Recon"`
}

// BankConfig selects and parameterises the custody token account.
type BankConfig struct {
	// Mode is "memory" for in-process accounting or "evm" for an ERC-20
	// custody account.
	Mode            string   `toml:"Mode"`
	RPCURL          string   `toml:"RPCURL"`
	TokenAddress    string   `toml:"TokenAddress"`
	ChainID         int64    `toml:"ChainID"`
	SignerKeyEnv    string   `toml:"SignerKeyEnv"`
	CustodyAccount  string   `toml:"CustodyAccount"`
	GasLimit        uint64   `toml:"GasLimit"`
	Confirmations   uint64   `toml:"Confirmations"`
	TransferTimeout Duration `toml:"TransferTimeout"`
}

// AuthConfig secures the HTTP surface. Secrets are resolved from the named
// environment variables so configuration files stay free of credentials.
type AuthConfig struct {
	BearerTokenEnv string   `toml:"BearerTokenEnv"`
	JWTSecretEnv   string   `toml:"JWTSecretEnv"`
	AdminSubjects  []string `toml:"AdminSubjects"`
}

// WebhookConfig points at the subscription manifest and bounds the delivery
// queue.
type WebhookConfig struct {
	SubscriptionsPath string   `toml:"SubscriptionsPath"`
	QueueSize         int      `toml:"QueueSize"`
	QueueTTL          Duration `toml:"QueueTTL"`
}

// RateLimit throttles claim submissions per remote address.
type RateLimit struct {
	ClaimsPerMinute float64 `toml:"ClaimsPerMinute"`
	Burst           int     `toml:"Burst"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// ReconConfig drives the reconciliation report writer.
type ReconConfig struct {
	OutputDir     string   `toml:"OutputDir"`
	RetentionDays int      `toml:"RetentionDays"`
	Interval      Duration `toml:"Interval"`
}

// Load reads the configuration from path. A default file is created when the
// path does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Bank.Mode)) {
	case "", "memory":
	case "evm":
		if strings.TrimSpace(c.Bank.RPCURL) == "" {
			return fmt.Errorf("config: Bank.RPCURL required in evm mode")
		}
		if strings.TrimSpace(c.Bank.TokenAddress) == "" {
			return fmt.Errorf("config: Bank.TokenAddress required in evm mode")
		}
		if c.Bank.ChainID <= 0 {
			return fmt.Errorf("config: Bank.ChainID required in evm mode")
		}
		if strings.TrimSpace(c.Bank.SignerKeyEnv) == "" {
			return fmt.Errorf("config: Bank.SignerKeyEnv required in evm mode")
		}
	default:
		return fmt.Errorf("config: unknown bank mode %q", c.Bank.Mode)
	}
	if c.RateLimit.ClaimsPerMinute < 0 {
		return fmt.Errorf("config: RateLimit.ClaimsPerMinute must not be negative")
	}
	if c.Webhooks.QueueSize < 0 {
		return fmt.Errorf("config: Webhooks.QueueSize must not be negative")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./rewards-data"
	}
	if strings.TrimSpace(cfg.Bank.Mode) == "" {
		cfg.Bank.Mode = "memory"
	}
	if cfg.Bank.TransferTimeout.Duration <= 0 {
		cfg.Bank.TransferTimeout.Duration = 30 * time.Second
	}
	if cfg.Webhooks.QueueSize == 0 {
		cfg.Webhooks.QueueSize = 256
	}
	if cfg.Webhooks.QueueTTL.Duration <= 0 {
		cfg.Webhooks.QueueTTL.Duration = time.Hour
	}
	if cfg.RateLimit.ClaimsPerMinute == 0 {
		cfg.RateLimit.ClaimsPerMinute = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if strings.TrimSpace(cfg.Recon.OutputDir) == "" {
		cfg.Recon.OutputDir = filepath.Join(cfg.DataDir, "recon")
	}
	if cfg.Recon.RetentionDays == 0 {
		cfg.Recon.RetentionDays = 30
	}
	if cfg.Recon.Interval.Duration <= 0 {
		cfg.Recon.Interval.Duration = 24 * time.Hour
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8080",
		Environment:   "dev",
		DataDir:       "./rewards-data",
		Bank: BankConfig{
			Mode:            "memory",
			TransferTimeout: Duration{30 * time.Second},
		},
		Auth: AuthConfig{
			BearerTokenEnv: "REWARDS_API_TOKEN",
			JWTSecretEnv:   "REWARDS_JWT_SECRET",
			AdminSubjects:  []string{},
		},
		Webhooks: WebhookConfig{
			QueueSize: 256,
			QueueTTL:  Duration{time.Hour},
		},
		RateLimit: RateLimit{ClaimsPerMinute: 60, Burst: 10},
		Telemetry: Telemetry{Metrics: true},
		Recon: ReconConfig{
			OutputDir:     "./rewards-data/recon",
			RetentionDays: 30,
			Interval:      Duration{24 * time.Hour},
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
