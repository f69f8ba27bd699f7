// Package config loads process configuration the way
// walletserver/config.Load does: godotenv for the environment, with a
// YAML file for everything godotenv doesn't cover (SPEC_FULL.md §2).
// Unlike walletserver's single ServerConfig{Port}, this process needs
// four listen/dial addresses, since descriptor inheritance is modeled as
// configured TCP targets rather than SCM_RIGHTS fd-passing (SPEC_FULL.md
// Open Question resolution #4).
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is everything cmd/agentprotod needs to boot an Instance.
type Config struct {
	AcceptAddr        string `yaml:"accept_addr"`
	ControlAddr       string `yaml:"control_addr"`
	DataServiceAddr   string `yaml:"data_service_addr"`
	NotifyServiceAddr string `yaml:"notify_service_addr"`
	MetricsAddr       string `yaml:"metrics_addr"`
	AdminAddr         string `yaml:"admin_addr"`
	LogLevel          string `yaml:"log_level"`

	// EntitySeedFile, if set, is loaded with LoadEntitySeed and installed
	// into the entity table at startup as an alternative to live
	// AUTH_ENTITY_ADD control calls (SPEC_FULL.md §3 domain stack table).
	EntitySeedFile string `yaml:"entity_seed_file"`
}

func defaults() Config {
	return Config{
		AcceptAddr:        "127.0.0.1:9000",
		ControlAddr:       "127.0.0.1:9001",
		DataServiceAddr:   "127.0.0.1:9002",
		NotifyServiceAddr: "127.0.0.1:9003",
		MetricsAddr:       "127.0.0.1:9090",
		AdminAddr:         "127.0.0.1:9091",
		LogLevel:          "info",
	}
}

// Load mirrors walletserver/config.Load's shape: load a .env file (missing
// is not an error, since the file is optional in every deployment except
// local development), then an optional YAML file, then environment
// variable overrides, in that order of increasing precedence.
func Load(yamlPath string) (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("config: loading .env: %w", err)
		}
	}

	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
		}
	}

	overrideFromEnv(&cfg)
	return cfg, nil
}

func overrideFromEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"AGENTPROTO_ACCEPT_ADDR":  &cfg.AcceptAddr,
		"AGENTPROTO_CONTROL_ADDR": &cfg.ControlAddr,
		"AGENTPROTO_DATA_ADDR":    &cfg.DataServiceAddr,
		"AGENTPROTO_NOTIFY_ADDR":  &cfg.NotifyServiceAddr,
		"AGENTPROTO_METRICS_ADDR": &cfg.MetricsAddr,
		"AGENTPROTO_ADMIN_ADDR":   &cfg.AdminAddr,
		"AGENTPROTO_LOG_LEVEL":    &cfg.LogLevel,
		"AGENTPROTO_ENTITY_SEED":  &cfg.EntitySeedFile,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}
