// Package config loads engine configuration from a yaml file with
// environment overrides. Retry, auth and sync tunables live in one
// place so every component consumes the same numbers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultRefreshBuffer      = 60 * time.Second
	defaultSessionTTL         = 5 * time.Minute
	defaultIdleTimeout        = 5 * time.Minute
	defaultSessionValidity    = 7 * 24 * time.Hour
	defaultLookbackSkew       = 24 * time.Hour
	defaultStaleStopThreshold = 5
	defaultMaxRetries         = 3
	defaultBaseDelay          = time.Second
	defaultMaxDelay           = 30 * time.Second
	defaultPageSize           = 20
	defaultRunInterval        = 15 * time.Minute
)

type fileConfig struct {
	DBPath string `yaml:"db_path"`

	Retry struct {
		MaxRetries int    `yaml:"max_retries"`
		BaseDelay  string `yaml:"base_delay"`
		MaxDelay   string `yaml:"max_delay"`
	} `yaml:"retry"`

	Auth struct {
		RefreshBuffer   string `yaml:"refresh_buffer"`
		AuthURL         string `yaml:"auth_url"`
		TokenURL        string `yaml:"token_url"`
		ClientID        string `yaml:"client_id"`
		ClientSecret    string `yaml:"client_secret"`
		SessionValidity string `yaml:"session_validity"`
	} `yaml:"auth"`

	Session struct {
		ValidatedTTL string `yaml:"validated_ttl"`
		IdleTimeout  string `yaml:"idle_timeout"`
		LoginURL     string `yaml:"login_url"`
		MailboxURL   string `yaml:"mailbox_url"`
	} `yaml:"session"`

	Sync struct {
		PageSize           int    `yaml:"page_size"`
		LookbackSkew       string `yaml:"lookback_skew"`
		StaleStopThreshold int    `yaml:"stale_stop_threshold"`
		RunInterval        string `yaml:"run_interval"`
	} `yaml:"sync"`

	Providers struct {
		PipelineBaseURL  string `yaml:"pipeline_base_url"`
		MailDeltaBaseURL string `yaml:"maildelta_base_url"`
	} `yaml:"providers"`
}

// RetryConfig is the single knob set consumed by the retry policy.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// AuthConfig configures the credential lifecycle manager.
type AuthConfig struct {
	RefreshBuffer   time.Duration
	AuthURL         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	SessionValidity time.Duration
}

// SessionConfig configures the browser session pool.
type SessionConfig struct {
	ValidatedTTL time.Duration
	IdleTimeout  time.Duration
	LoginURL     string
	MailboxURL   string
}

// SyncConfig configures adapters and the orchestrator.
type SyncConfig struct {
	PageSize           int
	LookbackSkew       time.Duration
	StaleStopThreshold int
	RunInterval        time.Duration
}

// ProviderConfig holds provider endpoint roots.
type ProviderConfig struct {
	PipelineBaseURL  string
	MailDeltaBaseURL string
}

// Config is the fully resolved engine configuration.
type Config struct {
	DBPath    string
	Retry     RetryConfig
	Auth      AuthConfig
	Session   SessionConfig
	Sync      SyncConfig
	Providers ProviderConfig
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath: "syncd.db",
		Retry: RetryConfig{
			MaxRetries: defaultMaxRetries,
			BaseDelay:  defaultBaseDelay,
			MaxDelay:   defaultMaxDelay,
		},
		Auth: AuthConfig{
			RefreshBuffer:   defaultRefreshBuffer,
			SessionValidity: defaultSessionValidity,
		},
		Session: SessionConfig{
			ValidatedTTL: defaultSessionTTL,
			IdleTimeout:  defaultIdleTimeout,
		},
		Sync: SyncConfig{
			PageSize:           defaultPageSize,
			LookbackSkew:       defaultLookbackSkew,
			StaleStopThreshold: defaultStaleStopThreshold,
			RunInterval:        defaultRunInterval,
		},
	}
}

// Load reads the yaml file at path (optional) and applies env overrides.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			applyFile(cfg, &fc)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.Retry.MaxRetries > 0 {
		cfg.Retry.MaxRetries = fc.Retry.MaxRetries
	}
	setDuration(&cfg.Retry.BaseDelay, fc.Retry.BaseDelay)
	setDuration(&cfg.Retry.MaxDelay, fc.Retry.MaxDelay)

	setDuration(&cfg.Auth.RefreshBuffer, fc.Auth.RefreshBuffer)
	setDuration(&cfg.Auth.SessionValidity, fc.Auth.SessionValidity)
	if fc.Auth.AuthURL != "" {
		cfg.Auth.AuthURL = fc.Auth.AuthURL
	}
	if fc.Auth.TokenURL != "" {
		cfg.Auth.TokenURL = fc.Auth.TokenURL
	}
	if fc.Auth.ClientID != "" {
		cfg.Auth.ClientID = fc.Auth.ClientID
	}
	if fc.Auth.ClientSecret != "" {
		cfg.Auth.ClientSecret = fc.Auth.ClientSecret
	}

	setDuration(&cfg.Session.ValidatedTTL, fc.Session.ValidatedTTL)
	setDuration(&cfg.Session.IdleTimeout, fc.Session.IdleTimeout)
	if fc.Session.LoginURL != "" {
		cfg.Session.LoginURL = fc.Session.LoginURL
	}
	if fc.Session.MailboxURL != "" {
		cfg.Session.MailboxURL = fc.Session.MailboxURL
	}

	if fc.Sync.PageSize > 0 {
		cfg.Sync.PageSize = fc.Sync.PageSize
	}
	setDuration(&cfg.Sync.LookbackSkew, fc.Sync.LookbackSkew)
	if fc.Sync.StaleStopThreshold > 0 {
		cfg.Sync.StaleStopThreshold = fc.Sync.StaleStopThreshold
	}
	setDuration(&cfg.Sync.RunInterval, fc.Sync.RunInterval)

	if fc.Providers.PipelineBaseURL != "" {
		cfg.Providers.PipelineBaseURL = fc.Providers.PipelineBaseURL
	}
	if fc.Providers.MailDeltaBaseURL != "" {
		cfg.Providers.MailDeltaBaseURL = fc.Providers.MailDeltaBaseURL
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNCD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SYNCD_OAUTH_CLIENT_ID"); v != "" {
		cfg.Auth.ClientID = v
	}
	if v := os.Getenv("SYNCD_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.Auth.ClientSecret = v
	}
	if v := os.Getenv("SYNCD_OAUTH_TOKEN_URL"); v != "" {
		cfg.Auth.TokenURL = v
	}
	if v := os.Getenv("SYNCD_PIPELINE_BASE_URL"); v != "" {
		cfg.Providers.PipelineBaseURL = v
	}
	if v := os.Getenv("SYNCD_MAILDELTA_BASE_URL"); v != "" {
		cfg.Providers.MailDeltaBaseURL = v
	}
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		*dst = d
	}
}
