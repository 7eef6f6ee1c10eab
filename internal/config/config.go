package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/arko-chat/e2ee/internal/credentials"
)

const (
	appName    = "arko-e2ee"
	configFile = "config.json"
)

type Config struct {
	StorePath string `json:"store_path"`
	Backend   string `json:"backend"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	RotationPeriod   Duration `json:"rotation_period,omitempty"`
	RotationMessages int      `json:"rotation_messages,omitempty"`
	DecryptWorkers   int      `json:"decrypt_workers,omitempty"`

	PickleKey string `json:"-"`
}

// Duration reads "168h" style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaults(appDir string) Config {
	return Config{
		StorePath: filepath.Join(appDir, "crypto"),
		Backend:   "goolm",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(configDir, appName))
}

// LoadFrom reads the config in appDir, writing a default one on first run.
func LoadFrom(appDir string) (*Config, error) {
	path := filepath.Join(appDir, configFile)
	cfg := defaults(appDir)

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		_ = os.WriteFile(path, out, 0600)
		log.Printf("Generated new config at: %s", path)
	}

	if cfg.PickleKey, err = credentials.PickleKey(); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("E2EE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("E2EE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("E2EE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("E2EE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("E2EE_ROTATION_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RotationMessages = n
		}
	}
	if v := os.Getenv("PICKLE_KEY"); v != "" {
		cfg.PickleKey = v
	}
}

// PickleKeyBytes decodes the pickle key. Keys that are not base64, e.g.
// set by hand through PICKLE_KEY, are used as raw bytes.
func (c *Config) PickleKeyBytes() []byte {
	if key, err := base64.StdEncoding.DecodeString(c.PickleKey); err == nil && len(key) > 0 {
		return key
	}
	return []byte(c.PickleKey)
}
