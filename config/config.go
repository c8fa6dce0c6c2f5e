// Package config loads the process configuration from an optional file and
// CUSTODY_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ahmadzakiakmal/custody/contract"
	"github.com/ahmadzakiakmal/custody/session"
)

// EnvPrefix prefixes every environment override, e.g. CUSTODY_LEDGER_PORT.
const EnvPrefix = "CUSTODY"

type Ledger struct {
	Host           string            `mapstructure:"host"`
	Port           int               `mapstructure:"port"`
	NetworkID      string            `mapstructure:"network_id"`
	Deployments    map[string]string `mapstructure:"deployments"`
	WriteTimeout   time.Duration     `mapstructure:"write_timeout"`
	ReadsPerSecond float64           `mapstructure:"reads_per_second"`
	ReadBurst      int               `mapstructure:"read_burst"`
}

type Wallet struct {
	Mnemonic string `mapstructure:"mnemonic"`
	Accounts int    `mapstructure:"accounts"`
}

type HTTP struct {
	Port string `mapstructure:"port"`
}

type Journal struct {
	// DSN of the Postgres journal. Empty disables journaling.
	DSN string `mapstructure:"dsn"`
}

type Node struct {
	Home string `mapstructure:"home"`
}

type Config struct {
	Ledger  Ledger  `mapstructure:"ledger"`
	Wallet  Wallet  `mapstructure:"wallet"`
	HTTP    HTTP    `mapstructure:"http"`
	Journal Journal `mapstructure:"journal"`
	Node    Node    `mapstructure:"node"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.host", "127.0.0.1")
	v.SetDefault("ledger.port", 8545)
	v.SetDefault("ledger.network_id", "1337")
	v.SetDefault("ledger.write_timeout", 30*time.Second)
	v.SetDefault("ledger.reads_per_second", 0.0)
	v.SetDefault("ledger.read_burst", 10)
	v.SetDefault("wallet.mnemonic", session.DevMnemonic)
	v.SetDefault("wallet.accounts", 3)
	v.SetDefault("http.port", "5000")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("node.home", "./node-config/custody-node")
}

// Load reads path when it is non-empty and applies environment overrides on
// top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if len(cfg.Ledger.Deployments) == 0 {
		cfg.Ledger.Deployments = map[string]string{
			cfg.Ledger.NetworkID: contract.Address(cfg.Ledger.NetworkID),
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Ledger.Host == "" {
		errs = append(errs, errors.New("ledger.host is empty"))
	}
	if c.Ledger.Port <= 0 || c.Ledger.Port > 65535 {
		errs = append(errs, fmt.Errorf("ledger.port %d out of range", c.Ledger.Port))
	}
	if c.Ledger.NetworkID == "" {
		errs = append(errs, errors.New("ledger.network_id is empty"))
	}
	if c.Ledger.WriteTimeout <= 0 {
		errs = append(errs, errors.New("ledger.write_timeout must be positive"))
	}
	for id, addr := range c.Ledger.Deployments {
		if !contract.ValidAccount(strings.ToLower(addr)) {
			errs = append(errs, fmt.Errorf("ledger.deployments[%s]: malformed address %q", id, addr))
		}
	}
	if c.Wallet.Accounts <= 0 {
		errs = append(errs, errors.New("wallet.accounts must be positive"))
	}
	if c.HTTP.Port == "" {
		errs = append(errs, errors.New("http.port is empty"))
	}
	return errors.Join(errs...)
}
