package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the agent commerce service.
type Config struct {
	Service     string `toml:"Service"`
	Environment string `toml:"Environment"`

	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	DatabasePath  string `toml:"DatabasePath"`
	NonceDBPath   string `toml:"NonceDBPath"`

	LedgerURL      string `toml:"LedgerURL"`
	LedgerToken    string `toml:"LedgerToken"`
	EscrowContract string `toml:"EscrowContract"`
	Token          string `toml:"Token"`

	FeeBps          uint32 `toml:"FeeBps"`
	TreasuryAddress string `toml:"TreasuryAddress"`

	NegotiationTimeoutHours uint32 `toml:"NegotiationTimeoutHours"`
	ExecutionTimeoutHours   uint32 `toml:"ExecutionTimeoutHours"`
	EvaluationTimeoutHours  uint32 `toml:"EvaluationTimeoutHours"`
	EscrowDeadlineHours     uint32 `toml:"EscrowDeadlineHours"`
	SweepIntervalSeconds    uint32 `toml:"SweepIntervalSeconds"`

	NonceCapacity      int    `toml:"NonceCapacity"`
	MemoQuotaPerMinute uint32 `toml:"MemoQuotaPerMinute"`

	TelemetryEnabled  bool   `toml:"TelemetryEnabled"`
	TelemetryEndpoint string `toml:"TelemetryEndpoint"`
	TelemetryInsecure bool   `toml:"TelemetryInsecure"`
	TelemetryHeaders  string `toml:"TelemetryHeaders"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists. The ledger auth token may be supplied through the
// ACP_LEDGER_TOKEN environment variable instead of the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if token := strings.TrimSpace(os.Getenv("ACP_LEDGER_TOKEN")); token != "" {
		cfg.LedgerToken = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "acpd"
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8090"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./acp-data"
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "acp.db")
	}
	if strings.TrimSpace(c.Token) == "" {
		c.Token = "USDC"
	}
	if c.NegotiationTimeoutHours == 0 {
		c.NegotiationTimeoutHours = 24
	}
	if c.ExecutionTimeoutHours == 0 {
		c.ExecutionTimeoutHours = 72
	}
	if c.EvaluationTimeoutHours == 0 {
		c.EvaluationTimeoutHours = 24
	}
	if c.EscrowDeadlineHours == 0 {
		c.EscrowDeadlineHours = 168
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 60
	}
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps %d out of range [0,10000]", c.FeeBps)
	}
	if strings.TrimSpace(c.LedgerURL) == "" {
		return fmt.Errorf("config: LedgerURL is required")
	}
	if c.NonceCapacity < 0 {
		return fmt.Errorf("config: NonceCapacity must be non-negative")
	}
	return nil
}

// Durations translated from the hour/second counts in the file.
func (c *Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutHours) * time.Hour
}

func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutHours) * time.Hour
}

func (c *Config) EvaluationTimeout() time.Duration {
	return time.Duration(c.EvaluationTimeoutHours) * time.Hour
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Environment: "local",
		LedgerURL:   "http://127.0.0.1:8545",
		FeeBps:      250,
	}
	cfg.applyDefaults()
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create default config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}
