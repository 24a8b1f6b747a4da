package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Inbox    InboxConfig    `json:"inbox"`
	Gateway  GatewayConfig  `json:"gateway"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	mu       sync.RWMutex
}

type ChannelsConfig struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Instagram InstagramConfig `json:"instagram"`
}

// WhatsAppConfig points the live channel at an Evolution-API style provider.
type WhatsAppConfig struct {
	Enabled        bool   `json:"enabled" env:"PICOCRM_CHANNELS_WHATSAPP_ENABLED"`
	APIURL         string `json:"api_url" env:"PICOCRM_CHANNELS_WHATSAPP_API_URL"`
	APIKey         string `json:"api_key" env:"PICOCRM_CHANNELS_WHATSAPP_API_KEY"`
	Token          string `json:"token" env:"PICOCRM_CHANNELS_WHATSAPP_TOKEN"`
	Instance       string `json:"instance" env:"PICOCRM_CHANNELS_WHATSAPP_INSTANCE"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"PICOCRM_CHANNELS_WHATSAPP_TIMEOUT_SECONDS"`
}

// Timeout returns the per-request provider timeout, never less than one second.
func (c WhatsAppConfig) Timeout() time.Duration {
	if c.TimeoutSeconds < 1 {
		return time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BearerToken prefers the API key over the instance token.
func (c WhatsAppConfig) BearerToken() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return c.Token
}

type InstagramConfig struct {
	Enabled bool `json:"enabled" env:"PICOCRM_CHANNELS_INSTAGRAM_ENABLED"`
	Seed    bool `json:"seed" env:"PICOCRM_CHANNELS_INSTAGRAM_SEED"`
}

type InboxConfig struct {
	Locale   string `json:"locale" env:"PICOCRM_INBOX_LOCALE"`
	Timezone string `json:"timezone" env:"PICOCRM_INBOX_TIMEZONE"`
}

// Location resolves the configured wall-clock zone used for labels and
// scheduled send times. Unknown zones fall back to time.Local.
func (c InboxConfig) Location() *time.Location {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type GatewayConfig struct {
	Host string `json:"host" env:"PICOCRM_GATEWAY_HOST"`
	Port int    `json:"port" env:"PICOCRM_GATEWAY_PORT"`
}

func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	Users []UserConfig `json:"users"`
}

type UserConfig struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"PICOCRM_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" env:"PICOCRM_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"PICOCRM_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"PICOCRM_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"PICOCRM_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"PICOCRM_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:        false,
				APIURL:         "http://localhost:8080",
				Instance:       "default",
				TimeoutSeconds: 15,
			},
			Instagram: InstagramConfig{
				Enabled: true,
				Seed:    true,
			},
		},
		Inbox: InboxConfig{
			Locale:   "pt-BR",
			Timezone: "America/Sao_Paulo",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18800,
		},
		Auth: AuthConfig{
			Users: []UserConfig{},
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     false,
			FilePath:        "~/.picocrm/picocrm.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// LoadConfig reads path (a missing file yields defaults), then layers the
// .env file next to it and the process environment on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	applyLegacyEnvOverrides(cfg)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	resolveEnvRefs(cfg)

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyLegacyEnvOverrides honours the VITE_WHATSAPP_* names used by older
// deployments. It runs before env.Parse so PICOCRM_* variables still win.
func applyLegacyEnvOverrides(cfg *Config) {
	bindings := []struct {
		target *string
		key    string
	}{
		{&cfg.Channels.WhatsApp.APIURL, "VITE_WHATSAPP_API_URL"},
		{&cfg.Channels.WhatsApp.APIKey, "VITE_WHATSAPP_API_KEY"},
		{&cfg.Channels.WhatsApp.Instance, "VITE_WHATSAPP_INSTANCE"},
		{&cfg.Channels.WhatsApp.Token, "VITE_WHATSAPP_TOKEN"},
	}
	for _, b := range bindings {
		if v := strings.TrimSpace(os.Getenv(b.key)); v != "" {
			*b.target = v
		}
	}
}

func resolveEnvRefs(cfg *Config) {
	wa := &cfg.Channels.WhatsApp
	wa.APIURL = resolveEnvRef(wa.APIURL)
	wa.APIKey = resolveEnvRef(wa.APIKey)
	wa.Token = resolveEnvRef(wa.Token)
	for i := range cfg.Auth.Users {
		cfg.Auth.Users[i].Password = resolveEnvRef(cfg.Auth.Users[i].Password)
	}
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		if val, ok := os.LookupEnv(strings.TrimSpace(s[1:])); ok {
			return val
		}
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// DefaultPath is ~/.picocrm/config.json.
func DefaultPath() string {
	return expandHome("~/.picocrm/config.json")
}

func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.FilePath)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
