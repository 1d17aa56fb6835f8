// Package config loads smarthttp settings from a JSON file and the
// environment. File values are overridden by environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings holds the tunable knobs for the CLI and the engine.
type Settings struct {
	MaxRetries         int     `json:"max_retries,omitempty"`
	MaxRedirects       int     `json:"max_redirects,omitempty"`
	PoolMaxSize        int     `json:"pool_max_size,omitempty"`
	PoolAcquireTimeout Seconds `json:"pool_acquire_timeout_seconds,omitempty"`
	RetryableStatuses  []int   `json:"retryable_statuses,omitempty"`

	ForwardAuthAcrossRedirect bool `json:"forward_auth_across_redirect,omitempty"`
	AdaptiveOptimization      bool `json:"adaptive_optimization,omitempty"`
	AdaptivePacing            bool `json:"adaptive_pacing,omitempty"`

	// AdvisorAPIKey enables the remote header advisor when set. Also
	// picked up from OPENAI_API_KEY.
	AdvisorAPIKey string `json:"advisor_api_key,omitempty"`
	AdvisorModel  string `json:"advisor_model,omitempty"`

	// DatabasePath is where domain statistics are persisted. Empty
	// disables persistence.
	DatabasePath string `json:"database_path,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
}

// Seconds is a duration encoded as a number of seconds in JSON.
type Seconds time.Duration

// Duration converts to a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// UnmarshalJSON decodes a plain number of seconds.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = Seconds(time.Duration(n * float64(time.Second)))
	return nil
}

// MarshalJSON encodes as a number of seconds.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

// DefaultPath returns the default config file location,
// ~/.config/smarthttp/config.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "smarthttp.config.json"
	}
	return filepath.Join(home, ".config", "smarthttp", "config.json")
}

// Load reads settings from path (DefaultPath when empty) and applies
// environment overrides. A missing file is not an error; the environment
// alone can configure everything.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = DefaultPath()
	}

	s := &Settings{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Fine: environment-only configuration.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	s.applyEnvironment()
	return s, nil
}

// applyEnvironment overrides file values from SMARTHTTP_* variables.
func (s *Settings) applyEnvironment() {
	if v, ok := envInt("SMARTHTTP_MAX_RETRIES"); ok {
		s.MaxRetries = v
	}
	if v, ok := envInt("SMARTHTTP_MAX_REDIRECTS"); ok {
		s.MaxRedirects = v
	}
	if v, ok := envInt("SMARTHTTP_POOL_MAX_SIZE"); ok {
		s.PoolMaxSize = v
	}
	if v, ok := envInt("SMARTHTTP_POOL_ACQUIRE_TIMEOUT_SECONDS"); ok {
		s.PoolAcquireTimeout = Seconds(time.Duration(v) * time.Second)
	}
	if v, ok := envBool("SMARTHTTP_FORWARD_AUTH"); ok {
		s.ForwardAuthAcrossRedirect = v
	}
	if v, ok := envBool("SMARTHTTP_ADAPTIVE"); ok {
		s.AdaptiveOptimization = v
	}
	if v, ok := envBool("SMARTHTTP_ADAPTIVE_PACING"); ok {
		s.AdaptivePacing = v
	}
	if v := os.Getenv("SMARTHTTP_ADVISOR_API_KEY"); v != "" {
		s.AdvisorAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && s.AdvisorAPIKey == "" {
		s.AdvisorAPIKey = v
	}
	if v := os.Getenv("SMARTHTTP_ADVISOR_MODEL"); v != "" {
		s.AdvisorModel = v
	}
	if v := os.Getenv("SMARTHTTP_DB"); v != "" {
		s.DatabasePath = v
	}
	if v := os.Getenv("SMARTHTTP_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
