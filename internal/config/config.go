// Package config builds the explicit configuration value shared by the
// control plane and the agent. Values come from an optional YAML file,
// overridden by EE_* environment variables, with defaults applied last.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Control ControlConfig `yaml:"control"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	RATLS   RATLSConfig   `yaml:"ratls"`
	Attest  AttestConfig  `yaml:"attest"`
	Agent   AgentConfig   `yaml:"agent"`
	Tokens  TokenConfig   `yaml:"tokens"`
}

type ControlConfig struct {
	Bind                 string   `yaml:"bind"`
	Port                 int      `yaml:"port"`
	AllowlistAsset       string   `yaml:"allowlist_asset"`
	GitHubToken          string   `yaml:"github_token"`
	PCCSURL              string   `yaml:"pccs_url"`
	RegistrationTTLDays  int      `yaml:"registration_ttl_days"`
	RegistrationWarnDays int      `yaml:"registration_warn_days"`
	HealthTimeoutSec     int      `yaml:"health_timeout_sec"`
	AllowedNetworks      []string `yaml:"allowed_networks"`
	SealedNetworks       []string `yaml:"sealed_networks"`
}

type ProxyConfig struct {
	Bind       string `yaml:"bind"`
	Port       int    `yaml:"port"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type LedgerConfig struct {
	DBPath string `yaml:"db_path"`
}

type RATLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertTTLSec        int    `yaml:"cert_ttl_sec"`
	RequireClientCert bool   `yaml:"require_client_cert"`
	SkipPCCS          bool   `yaml:"skip_pccs"`
	MaterialDir       string `yaml:"material_dir"`
	CommonName        string `yaml:"common_name"`
}

type AttestConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	DeadlineSec int `yaml:"deadline_sec"`
}

type AgentConfig struct {
	ControlWS         string `yaml:"control_ws"`
	Repo              string `yaml:"repo"`
	ReleaseTag        string `yaml:"release_tag"`
	AppName           string `yaml:"app_name"`
	Network           string `yaml:"network"`
	AgentID           string `yaml:"agent_id"`
	BackendURL        string `yaml:"backend_url"`
	MainPort          int    `yaml:"main_port"`
	HealthIntervalSec int    `yaml:"health_interval_sec"`
	ReconnectDelaySec int    `yaml:"reconnect_delay_sec"`
	StateDir          string `yaml:"state_dir"`
	WorkloadDir       string `yaml:"workload_dir"`
	GitHubToken       string `yaml:"github_token"`
}

// TokenConfig holds the three role tokens. An empty token disables that role.
type TokenConfig struct {
	Admin    string `yaml:"admin"`
	Launcher string `yaml:"launcher"`
	Uptime   string `yaml:"uptime"`
}

// Load reads the optional YAML file at path (ignored when missing), then
// applies EE_* environment overrides and defaults.
func Load(path string) (*Config, error) {
	// RA-TLS is on by default; hosts without TDX opt out explicitly.
	cfg := &Config{
		RATLS: RATLSConfig{Enabled: true, RequireClientCert: true},
	}
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Control.Bind = getEnv("EE_CONTROL_BIND", c.Control.Bind)
	c.Control.Port = getEnvInt("EE_CONTROL_PORT", c.Control.Port)
	c.Proxy.Bind = getEnv("EE_PROXY_BIND", c.Proxy.Bind)
	c.Proxy.Port = getEnvInt("EE_PROXY_PORT", c.Proxy.Port)
	c.Ledger.DBPath = getEnv("EE_DB_PATH", c.Ledger.DBPath)
	c.Control.AllowlistAsset = getEnv("EE_ALLOWLIST_ASSET", c.Control.AllowlistAsset)
	c.Control.GitHubToken = getEnv("EE_GITHUB_TOKEN", c.Control.GitHubToken)
	c.Control.PCCSURL = getEnv("EE_PCCS_URL", c.Control.PCCSURL)
	c.Control.RegistrationTTLDays = getEnvInt("EE_REGISTRATION_TTL_DAYS", c.Control.RegistrationTTLDays)
	c.Control.RegistrationWarnDays = getEnvInt("EE_REGISTRATION_WARN_DAYS", c.Control.RegistrationWarnDays)
	c.Control.HealthTimeoutSec = getEnvInt("EE_HEALTH_TIMEOUT_SEC", c.Control.HealthTimeoutSec)
	if nets := getEnv("EE_ALLOWED_NETWORKS", ""); nets != "" {
		c.Control.AllowedNetworks = splitCSV(nets)
	}
	if nets := getEnv("EE_SEALED_NETWORKS", ""); nets != "" {
		c.Control.SealedNetworks = splitCSV(nets)
	}

	c.Tokens.Admin = getEnv("EE_ADMIN_TOKEN", c.Tokens.Admin)
	c.Tokens.Launcher = getEnv("EE_LAUNCHER_TOKEN", c.Tokens.Launcher)
	c.Tokens.Uptime = getEnv("EE_UPTIME_TOKEN", c.Tokens.Uptime)

	c.RATLS.Enabled = getEnvBool("EE_RATLS_ENABLED", c.RATLS.Enabled)
	c.RATLS.CertTTLSec = getEnvInt("EE_RATLS_CERT_TTL_SEC", c.RATLS.CertTTLSec)
	c.RATLS.RequireClientCert = getEnvBool("EE_RATLS_REQUIRE_CLIENT_CERT", c.RATLS.RequireClientCert)
	c.RATLS.SkipPCCS = getEnvBool("EE_RATLS_SKIP_PCCS", c.RATLS.SkipPCCS)
	c.RATLS.MaterialDir = getEnv("EE_RATLS_MATERIAL_DIR", c.RATLS.MaterialDir)
	c.RATLS.CommonName = getEnv("EE_RATLS_COMMON_NAME", c.RATLS.CommonName)

	c.Attest.IntervalSec = getEnvInt("EE_ATTEST_INTERVAL_SEC", c.Attest.IntervalSec)
	c.Attest.DeadlineSec = getEnvInt("EE_ATTEST_DEADLINE_SEC", c.Attest.DeadlineSec)

	c.Agent.ControlWS = getEnv("EE_CONTROL_WS", c.Agent.ControlWS)
	c.Agent.Repo = getEnv("EE_REPO", c.Agent.Repo)
	c.Agent.ReleaseTag = getEnv("EE_RELEASE_TAG", c.Agent.ReleaseTag)
	c.Agent.AppName = getEnv("EE_APP_NAME", c.Agent.AppName)
	c.Agent.Network = getEnv("EE_NETWORK", c.Agent.Network)
	c.Agent.AgentID = getEnv("EE_AGENT_ID", c.Agent.AgentID)
	c.Agent.BackendURL = getEnv("EE_BACKEND_URL", c.Agent.BackendURL)
	c.Agent.MainPort = getEnvInt("EE_MAIN_PORT", c.Agent.MainPort)
	c.Agent.HealthIntervalSec = getEnvInt("EE_HEALTH_INTERVAL_SEC", c.Agent.HealthIntervalSec)
	c.Agent.ReconnectDelaySec = getEnvInt("EE_RECONNECT_DELAY_SEC", c.Agent.ReconnectDelaySec)
	c.Agent.StateDir = getEnv("EE_STATE_DIR", c.Agent.StateDir)
	c.Agent.WorkloadDir = getEnv("EE_WORKLOAD_DIR", c.Agent.WorkloadDir)
	c.Agent.GitHubToken = getEnv("EE_GITHUB_TOKEN", c.Agent.GitHubToken)
}

func (c *Config) applyDefaults() {
	if c.Control.Bind == "" {
		c.Control.Bind = "0.0.0.0"
	}
	if c.Control.Port == 0 {
		c.Control.Port = 8088
	}
	if c.Proxy.Bind == "" {
		c.Proxy.Bind = "0.0.0.0"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 9090
	}
	if c.Proxy.TimeoutSec == 0 {
		c.Proxy.TimeoutSec = 15
	}
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = "data/control-plane.db"
	}
	if c.Control.AllowlistAsset == "" {
		c.Control.AllowlistAsset = "agent-attestation-allowlist.json"
	}
	if c.Control.RegistrationTTLDays == 0 {
		c.Control.RegistrationTTLDays = 30
	}
	if c.Control.RegistrationWarnDays == 0 {
		c.Control.RegistrationWarnDays = 3
	}
	if c.Control.HealthTimeoutSec == 0 {
		c.Control.HealthTimeoutSec = 120
	}
	if len(c.Control.AllowedNetworks) == 0 {
		c.Control.AllowedNetworks = []string{"forge-1", "prod", "staging", "dev"}
	}
	if len(c.Control.SealedNetworks) == 0 {
		c.Control.SealedNetworks = []string{"prod"}
	}
	if c.RATLS.CertTTLSec == 0 {
		c.RATLS.CertTTLSec = 3600
	}
	if c.RATLS.MaterialDir == "" {
		c.RATLS.MaterialDir = "/var/lib/easy-enclave/ratls"
	}
	if c.RATLS.CommonName == "" {
		c.RATLS.CommonName = "easyenclave-ratls"
	}
	if c.Attest.IntervalSec == 0 {
		c.Attest.IntervalSec = 3600
	}
	if c.Attest.DeadlineSec == 0 {
		c.Attest.DeadlineSec = 30
	}
	if c.Agent.Network == "" {
		c.Agent.Network = "forge-1"
	}
	if c.Agent.BackendURL == "" {
		c.Agent.BackendURL = "http://127.0.0.1:8080"
	}
	if c.Agent.MainPort == 0 {
		c.Agent.MainPort = 8000
	}
	if c.Agent.HealthIntervalSec == 0 {
		c.Agent.HealthIntervalSec = 60
	}
	if c.Agent.ReconnectDelaySec == 0 {
		c.Agent.ReconnectDelaySec = 5
	}
	if c.Agent.StateDir == "" {
		c.Agent.StateDir = "/var/lib/easy-enclave/deployments"
	}
	if c.Agent.WorkloadDir == "" {
		c.Agent.WorkloadDir = "/opt/workload"
	}
}

// SealedRequired reports whether the given network demands a sealed image.
func (c *Config) SealedRequired(network string) bool {
	for _, n := range c.Control.SealedNetworks {
		if n == network {
			return true
		}
	}
	return false
}

// NetworkAllowed reports whether agents may register on the given network.
func (c *Config) NetworkAllowed(network string) bool {
	for _, n := range c.Control.AllowedNetworks {
		if n == network {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool accepts 1|true|yes|on, case-insensitive.
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
