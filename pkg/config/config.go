package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Hub configuration.
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Node        NodeConfig        `yaml:"node"`
	Security    SecurityConfig    `yaml:"security"`
	MTLS        MTLSConfig        `yaml:"mtls"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Registry    RegistryConfig    `yaml:"registry"`
	Automation  AutomationConfig  `yaml:"automation"`
	OTA         OTAConfig         `yaml:"ota"`
	Groups      GroupsConfig      `yaml:"groups"`
	Federation  FederationConfig  `yaml:"federation"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Status      StatusConfig      `yaml:"status"`
	Logging     LogConfig         `yaml:"logging"`

	mu sync.RWMutex
}

// ApplicationConfig holds application identity.
type ApplicationConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// NodeConfig holds the Hub's mesh identity and listener settings.
type NodeConfig struct {
	ID        string   `yaml:"id"`
	TCPPort   int      `yaml:"tcp_port"`
	UDPPort   int      `yaml:"udp_port"`
	Roles     []string `yaml:"roles"`
	Broadcast float64  `yaml:"broadcast_interval"`
	PeerTTL   float64  `yaml:"peer_timeout"`
}

// SecurityConfig holds PSK authentication and replay-protection settings.
type SecurityConfig struct {
	PSKAuthEnabled       bool    `yaml:"psk_auth_enabled"`
	AllowUnauthenticated bool    `yaml:"allow_unauthenticated"`
	NonceWindow          float64 `yaml:"nonce_window"`
	KeyStorePath         string  `yaml:"key_store_path"`
	EncryptionEnabled    bool    `yaml:"encryption_enabled"`
}

// MTLSConfig holds Local CA / mutual-TLS settings.
type MTLSConfig struct {
	Enabled                bool   `yaml:"enabled"`
	CADir                  string `yaml:"ca_dir"`
	DeviceCertValidityDays int    `yaml:"device_cert_validity_days"`
}

// EnrollmentConfig holds PIN-pairing settings.
type EnrollmentConfig struct {
	PINLength   int `yaml:"pin_length"`
	PINTimeout  int `yaml:"pin_timeout"`
	MaxAttempts int `yaml:"max_attempts"`
}

// RegistryConfig holds device-registry persistence settings.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// AutomationConfig holds rule-engine persistence settings.
type AutomationConfig struct {
	RulesPath string `yaml:"rules_path"`
}

// OTAConfig holds firmware-update settings.
type OTAConfig struct {
	FirmwareDir     string  `yaml:"firmware_dir"`
	ChunkSize       int     `yaml:"chunk_size"`
	ChunkAckTimeout float64 `yaml:"chunk_ack_timeout"`
}

// GroupsConfig holds device-group/scene persistence settings.
type GroupsConfig struct {
	GroupsPath string `yaml:"groups_path"`
	ScenesPath string `yaml:"scenes_path"`
}

// FederationConfig holds hub-to-hub federation settings.
type FederationConfig struct {
	ConfigPath   string `yaml:"config_path"`
	SharedSecret string `yaml:"shared_secret"`
}

// PipelineConfig holds sensor time-series pipeline settings.
type PipelineConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Path          string  `yaml:"path"`
	MaxPoints     int     `yaml:"max_points"`
	FlushInterval float64 `yaml:"flush_interval"`
}

// StatusConfig holds the read-only operational status endpoint settings.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds structured-logging settings.
type LogConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Global config instance.
var globalConfig *Config
var configMu sync.RWMutex

// Load reads configuration from a YAML file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Default returns a Config populated with the Hub's documented defaults.
func Default() *Config {
	return &Config{
		Application: ApplicationConfig{Name: "meshhub", Version: "0.1.0"},
		Node: NodeConfig{
			TCPPort:   18800,
			UDPPort:   18799,
			Roles:     []string{"hub"},
			Broadcast: 10.0,
			PeerTTL:   30.0,
		},
		Security: SecurityConfig{
			PSKAuthEnabled:    true,
			NonceWindow:       60.0,
			EncryptionEnabled: true,
			KeyStorePath:      "mesh_keys.json",
		},
		MTLS: MTLSConfig{
			CADir:                  "mesh_ca",
			DeviceCertValidityDays: 365,
		},
		Enrollment: EnrollmentConfig{
			PINLength:   6,
			PINTimeout:  300,
			MaxAttempts: 3,
		},
		Registry:   RegistryConfig{Path: "device_registry.json"},
		Automation: AutomationConfig{RulesPath: "automation_rules.json"},
		OTA: OTAConfig{
			ChunkSize:       4096,
			ChunkAckTimeout: 30.0,
		},
		Groups: GroupsConfig{
			GroupsPath: "groups.json",
			ScenesPath: "scenes.json",
		},
		Pipeline: PipelineConfig{
			MaxPoints:     10000,
			FlushInterval: 60.0,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Get returns the global configuration instance.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reload reloads configuration from disk (hot reload, triggered on SIGHUP).
func Reload(configPath string) error {
	_, err := Load(configPath)
	return err
}

// Validate performs configuration sanity checks.
func (c *Config) Validate() error {
	if c.Node.TCPPort < 1 || c.Node.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp_port: %d", c.Node.TCPPort)
	}
	if c.Node.UDPPort < 1 || c.Node.UDPPort > 65535 {
		return fmt.Errorf("invalid udp_port: %d", c.Node.UDPPort)
	}
	if c.Security.NonceWindow <= 0 {
		return fmt.Errorf("nonce_window must be positive")
	}
	if c.Enrollment.PINLength < 4 {
		return fmt.Errorf("pin_length must be at least 4")
	}
	return nil
}
