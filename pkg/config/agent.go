package config

import (
	"fmt"
	"strings"
)

type AgentConfig struct {
	Server    EndpointConfig  `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Reporting ReportingConfig `yaml:"reporting"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type EndpointConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type IdentityConfig struct {
	// AgentID defaults to the hostname when empty.
	AgentID         string `yaml:"agent_id"`
	AgentName       string `yaml:"agent_name"`
	CredentialsPath string `yaml:"credentials_path"`
}

type ReportingConfig struct {
	Interval        int  `yaml:"interval_s"`
	Jitter          int  `yaml:"jitter_s"`
	ApprovalPoll    int  `yaml:"approval_poll_s"`
	CollectServices bool `yaml:"collect_services"`
	CollectSoftware bool `yaml:"collect_software"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

// DefaultAgentConfig returns a config with sensible defaults
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: EndpointConfig{
			URL:             "http://localhost:8080",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Identity: IdentityConfig{
			CredentialsPath: "/var/lib/tether/credentials.json",
		},
		Reporting: ReportingConfig{
			Interval:        60,
			Jitter:          10,
			ApprovalPoll:    30,
			CollectServices: true,
			CollectSoftware: true,
		},
		Health:  HealthConfig{TimeDriftMaxS: 120},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
	}
}

// LoadAgent reads the agent config from path with env var overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := readFile(path, cfg); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	envString("TETHER_SERVER_URL", &cfg.Server.URL)
	envString("TETHER_AGENT_ID", &cfg.Identity.AgentID)
	envString("TETHER_AGENT_NAME", &cfg.Identity.AgentName)
	envString("TETHER_CREDENTIALS_PATH", &cfg.Identity.CredentialsPath)
	envInt("TETHER_INTERVAL_S", &cfg.Reporting.Interval)
	envString("TETHER_LOG_LEVEL", &cfg.Logging.Level)
	envBool("TETHER_LOG_JSON", &cfg.Logging.JSON)
	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return ErrInvalidServerURL
	}
	if c.Reporting.Interval < 10 {
		return ErrInvalidInterval
	}
	if c.Identity.CredentialsPath == "" {
		return &Error{"credentials path is required"}
	}
	if c.Reporting.Jitter < 0 {
		c.Reporting.Jitter = 0
	}
	if c.Reporting.ApprovalPoll <= 0 {
		c.Reporting.ApprovalPoll = 30
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	c.Tracing.normalize()
	return nil
}
