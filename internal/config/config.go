// Package config loads the service configuration from YAML files.
//
// Two files are read: a base config file and a secrets overlay. The overlay
// is unmarshalled on top of the base value, so secrets files only need to
// carry the sensitive fields (admin API keys, vault tokens, client secrets).
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the API key manager.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	APISix    APISixConfig    `yaml:"apisix" validate:"required"`
	Vault     VaultConfig     `yaml:"vault" validate:"required"`
	Keycloak  KeycloakConfig  `yaml:"keycloak" validate:"required"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// APISixInstanceConfig describes one gateway instance of the fleet.
type APISixInstanceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	AdminURL    string `yaml:"admin_url" validate:"required,url"`
	GatewayURL  string `yaml:"gateway_url" validate:"required,url"`
	AdminAPIKey string `yaml:"admin_api_key" validate:"required"`
}

type APISixConfig struct {
	KeyPath   string                 `yaml:"key_path" validate:"required"`
	KeyName   string                 `yaml:"key_name"`
	Instances []APISixInstanceConfig `yaml:"instances" validate:"required,min=1,dive"`
}

// VaultInstanceConfig describes one secret-store instance of the cluster.
type VaultInstanceConfig struct {
	Name  string `yaml:"name" validate:"required"`
	URL   string `yaml:"url" validate:"required,url"`
	Token string `yaml:"token" validate:"required"`
}

type VaultConfig struct {
	BasePath     string                `yaml:"base_path" validate:"required"`
	SecretPhrase string                `yaml:"secret_phrase" validate:"required"`
	Instances    []VaultInstanceConfig `yaml:"instances" validate:"required,min=1,dive"`
}

type KeycloakConfig struct {
	URL          string `yaml:"url" validate:"required,url"`
	Realm        string `yaml:"realm" validate:"required"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load reads the config file and the secrets overlay selected by the
// CONFIG_FILE and SECRETS_FILE environment variables (defaulting to
// config.yaml and secrets.yaml) and validates the merged result.
func Load() (*Config, error) {
	cfg := defaults()

	base := envStr("CONFIG_FILE", "config.yaml")
	if err := readInto(cfg, base, true); err != nil {
		return nil, err
	}

	// The secrets overlay is optional; tokens may live in the base file.
	secrets := envStr("SECRETS_FILE", "secrets.yaml")
	if err := readInto(cfg, secrets, false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the structural constraints of an already-populated config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Instance returns the gateway instance with the given name, or nil.
func (c *APISixConfig) Instance(name string) *APISixInstanceConfig {
	for i := range c.Instances {
		if c.Instances[i].Name == name {
			return &c.Instances[i]
		}
	}
	return nil
}

// Instance returns the secret-store instance with the given name, or nil.
func (c *VaultConfig) Instance(name string) *VaultInstanceConfig {
	for i := range c.Instances {
		if c.Instances[i].Name == name {
			return &c.Instances[i]
		}
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8082,
			LogLevel:       "INFO",
			AllowedOrigins: []string{"*"},
		},
		APISix: APISixConfig{
			KeyName: "auth_key",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "apikey-manager",
		},
	}
}

func readInto(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
