// Package config loads the YAML configuration of the tether server and agent.
// Values are read from the file first and then overridden by TETHER_*
// environment variables; command-line flags are applied by the binaries.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info"}
}

func defaultTracing() TracingConfig {
	return TracingConfig{SampleRatio: 1}
}

// readFile unmarshals path into out. A missing file is not an error.
func readFile(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// readSecretFile returns the trimmed contents of path.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (t *TracingConfig) normalize() {
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		t.SampleRatio = 1
	}
}

var (
	ErrMissingServerURL  = &Error{"server URL is required"}
	ErrInvalidServerURL  = &Error{"server URL must start with http:// or https://"}
	ErrInvalidInterval   = &Error{"reporting interval must be >= 10s"}
	ErrMissingAdminToken = &Error{"admin token is required"}
	ErrWeakAdminToken    = &Error{"admin token must be at least 16 characters"}
	ErrMissingDatabase   = &Error{"database path is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
