package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/jask/jaskledger/internal/dedup"
)

// Config holds application configuration.
type Config struct {
	Workspace WorkspaceConfig
	Dedup     DedupConfig
	Transfer  TransferConfig
	Lock      LockConfig
	Log       LogConfig
}

// WorkspaceConfig locates the data directory, the derived sqlite catalog
// and the CSV format rules.
type WorkspaceConfig struct {
	Root    string
	Catalog string
	Formats string
}

// DedupConfig tunes the matching engine.
type DedupConfig struct {
	DateWindowDays         int      `mapstructure:"date_window_days"`
	PendingWindowDays      int      `mapstructure:"pending_window_days"`
	AmountTolerance        string   `mapstructure:"amount_tolerance"`
	AmountTolerancePercent float64  `mapstructure:"amount_tolerance_percent"`
	SimilarityThreshold    float64  `mapstructure:"similarity_threshold"`
	BoilerplateSuffixes    []string `mapstructure:"boilerplate_suffixes"`
}

// TransferConfig tunes transfer detection.
type TransferConfig struct {
	Keywords   []string
	WindowDays int `mapstructure:"window_days"`
}

// LockConfig holds lock settings. A zero Wait fails fast.
type LockConfig struct {
	Owner string
	Wait  time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

func defaultRoot() string {
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "jaskledger")
}

func defaultOwner() string {
	host, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	return user + "@" + host
}

func configPath() string {
	if p := os.Getenv("JASKLEDGER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "jaskledger", "config.toml")
}

// Load reads configuration from file and env. Env var overrides use prefix JASKLEDGER_.
func Load() (Config, error) {
	v := viper.New()

	def := dedup.DefaultPolicy()
	v.SetDefault("workspace.root", defaultRoot())
	v.SetDefault("workspace.catalog", "")
	v.SetDefault("workspace.formats", "")
	v.SetDefault("dedup.date_window_days", def.DateWindowDays)
	v.SetDefault("dedup.pending_window_days", def.PendingWindowDays)
	v.SetDefault("dedup.amount_tolerance", def.AmountTolerance.String())
	v.SetDefault("dedup.amount_tolerance_percent", def.AmountTolerancePercent)
	v.SetDefault("dedup.similarity_threshold", def.SimilarityThreshold)
	v.SetDefault("dedup.boilerplate_suffixes", def.BoilerplateSuffixes)
	v.SetDefault("transfer.keywords", DefaultTransferKeywords)
	v.SetDefault("transfer.window_days", 3)
	v.SetDefault("lock.owner", defaultOwner())
	v.SetDefault("lock.wait", "0s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetConfigType("toml")

	if p := os.Getenv("JASKLEDGER_CONFIG"); p != "" {
		v.SetConfigFile(p)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "jaskledger"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("JASKLEDGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Workspace.Catalog == "" {
		c.Workspace.Catalog = filepath.Join(c.Workspace.Root, "catalog.db")
	}
	if c.Workspace.Formats == "" {
		c.Workspace.Formats = filepath.Join(filepath.Dir(configPath()), "formats.toml")
	}
	if _, err := c.DedupPolicy(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes cfg to the config file, creating the directory if needed.
func Save(cfg Config) error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("workspace.root", cfg.Workspace.Root)
	v.Set("workspace.catalog", cfg.Workspace.Catalog)
	v.Set("workspace.formats", cfg.Workspace.Formats)
	v.Set("dedup.date_window_days", cfg.Dedup.DateWindowDays)
	v.Set("dedup.pending_window_days", cfg.Dedup.PendingWindowDays)
	v.Set("dedup.amount_tolerance", cfg.Dedup.AmountTolerance)
	v.Set("dedup.amount_tolerance_percent", cfg.Dedup.AmountTolerancePercent)
	v.Set("dedup.similarity_threshold", cfg.Dedup.SimilarityThreshold)
	v.Set("dedup.boilerplate_suffixes", cfg.Dedup.BoilerplateSuffixes)
	v.Set("transfer.keywords", cfg.Transfer.Keywords)
	v.Set("transfer.window_days", cfg.Transfer.WindowDays)
	v.Set("lock.owner", cfg.Lock.Owner)
	v.Set("lock.wait", cfg.Lock.Wait.String())
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.development", cfg.Log.Development)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultTransferKeywords are description markers of inter-account transfers.
var DefaultTransferKeywords = []string{
	"TRANSFER", "PAYMENT THANK YOU", "AUTOPAY", "VENMO", "ZELLE", "PAYPAL", "CASH APP",
}

// DedupPolicy converts the dedup section into an engine policy.
func (c Config) DedupPolicy() (dedup.Policy, error) {
	p := dedup.Policy{
		DateWindowDays:         c.Dedup.DateWindowDays,
		PendingWindowDays:      c.Dedup.PendingWindowDays,
		AmountTolerancePercent: c.Dedup.AmountTolerancePercent,
		SimilarityThreshold:    c.Dedup.SimilarityThreshold,
		BoilerplateSuffixes:    c.Dedup.BoilerplateSuffixes,
	}
	tol := strings.TrimSpace(c.Dedup.AmountTolerance)
	if tol == "" {
		tol = "0"
	}
	d, err := decimal.NewFromString(tol)
	if err != nil {
		return dedup.Policy{}, fmt.Errorf("dedup.amount_tolerance %q: %w", c.Dedup.AmountTolerance, err)
	}
	if d.IsNegative() {
		return dedup.Policy{}, fmt.Errorf("dedup.amount_tolerance %q: must not be negative", c.Dedup.AmountTolerance)
	}
	if p.SimilarityThreshold < 0 || p.SimilarityThreshold > 1 {
		return dedup.Policy{}, fmt.Errorf("dedup.similarity_threshold %v: must be within [0,1]", p.SimilarityThreshold)
	}
	p.AmountTolerance = d
	return p, nil
}
