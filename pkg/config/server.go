package config

import "fmt"

type ServerConfig struct {
	Listen    string          `yaml:"listen"`
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
	Security  SecurityConfig  `yaml:"security"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AdminConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

type SecurityConfig struct {
	// MismatchThreshold is the number of fingerprint mismatches that disable a token.
	MismatchThreshold int `yaml:"fingerprint_mismatch_threshold"`
	// RegisterRateLimit caps registration requests per client IP per minute. 0 disables it.
	RegisterRateLimit int `yaml:"register_rate_limit_per_min"`
}

type HeartbeatConfig struct {
	OfflineAfterS  int `yaml:"offline_after_s"`
	SweepIntervalS int `yaml:"sweep_interval_s"`
}

type BroadcastConfig struct {
	QueueSize        int `yaml:"queue_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	StatsIntervalS   int `yaml:"stats_interval_s"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:   ":8080",
		Database: DatabaseConfig{Path: "tether.db"},
		Security: SecurityConfig{
			MismatchThreshold: 5,
			RegisterRateLimit: 30,
		},
		Heartbeat: HeartbeatConfig{
			OfflineAfterS:  600,
			SweepIntervalS: 60,
		},
		Broadcast: BroadcastConfig{
			QueueSize:        1024,
			SubscriberBuffer: 64,
			StatsIntervalS:   30,
		},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
	}
}

// LoadServer reads the server config from path with env var overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readFile(path, cfg); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	envString("TETHER_LISTEN", &cfg.Listen)
	envString("TETHER_DB_PATH", &cfg.Database.Path)
	envString("TETHER_ADMIN_TOKEN", &cfg.Admin.Token)
	envString("TETHER_ADMIN_TOKEN_FILE", &cfg.Admin.TokenFile)
	envInt("TETHER_MISMATCH_THRESHOLD", &cfg.Security.MismatchThreshold)
	envInt("TETHER_OFFLINE_AFTER_S", &cfg.Heartbeat.OfflineAfterS)
	envString("TETHER_LOG_LEVEL", &cfg.Logging.Level)
	envBool("TETHER_LOG_JSON", &cfg.Logging.JSON)
	envString("TETHER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	if cfg.Admin.Token == "" && cfg.Admin.TokenFile != "" {
		token, err := readSecretFile(cfg.Admin.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read admin token file: %w", err)
		}
		cfg.Admin.Token = token
	}
	return cfg, nil
}

// Validate rejects unusable settings and fills in defaults for the rest.
func (c *ServerConfig) Validate() error {
	if c.Admin.Token == "" {
		return ErrMissingAdminToken
	}
	if len(c.Admin.Token) < 16 {
		return ErrWeakAdminToken
	}
	if c.Database.Path == "" {
		return ErrMissingDatabase
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Security.MismatchThreshold <= 0 {
		c.Security.MismatchThreshold = 5
	}
	if c.Security.RegisterRateLimit < 0 {
		c.Security.RegisterRateLimit = 0
	}
	if c.Heartbeat.OfflineAfterS <= 0 {
		c.Heartbeat.OfflineAfterS = 600
	}
	if c.Heartbeat.SweepIntervalS <= 0 {
		c.Heartbeat.SweepIntervalS = 60
	}
	if c.Broadcast.QueueSize <= 0 {
		c.Broadcast.QueueSize = 1024
	}
	if c.Broadcast.SubscriberBuffer <= 0 {
		c.Broadcast.SubscriberBuffer = 64
	}
	if c.Broadcast.StatsIntervalS < 0 {
		c.Broadcast.StatsIntervalS = 0
	}
	c.Tracing.normalize()
	return nil
}
