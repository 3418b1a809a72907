package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "POLICYDESK_"

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

type Config struct {
	Mode Mode `koanf:"mode"`

	HTTP struct {
		Port           string   `koanf:"port"`
		AllowedOrigins []string `koanf:"allowed_origins"`
	} `koanf:"http"`

	Storage struct {
		Backend string `koanf:"backend"` // "local", "firestore" or "memory"
		Local   struct {
			Path       string `koanf:"path"`
			Prefix     string `koanf:"prefix"`
			QuotaBytes int    `koanf:"quota_bytes"`
		} `koanf:"local"`
	} `koanf:"storage"`

	GCP struct {
		Project  string `koanf:"project"`
		Location string `koanf:"location"`
		Model    string `koanf:"model"`
	} `koanf:"gcp"`

	Firestore struct {
		ClientID string `koanf:"client_id"`
	} `koanf:"firestore"`

	Query struct {
		Backend       string        `koanf:"backend"` // "http" or "mock"
		BaseURL       string        `koanf:"base_url"`
		Timeout       time.Duration `koanf:"timeout"`
		RatePerSecond float64       `koanf:"rate_per_second"`
	} `koanf:"query"`

	Editor struct {
		Backend string `koanf:"backend"` // "http", "gemini" or "mock"
	} `koanf:"editor"`

	Drafts struct {
		AutosaveDelay time.Duration `koanf:"autosave_delay"`
	} `koanf:"drafts"`

	Progress struct {
		Interval time.Duration `koanf:"interval"`
	} `koanf:"progress"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func defaults() map[string]any {
	return map[string]any{
		"mode":                      string(ModeLocal),
		"http.port":                 "8080",
		"http.allowed_origins":      []string{"*"},
		"storage.backend":           "local",
		"storage.local.path":        "policydesk.db",
		"storage.local.prefix":      "policydesk",
		"storage.local.quota_bytes": 5 << 20,
		"gcp.project":               "",
		"gcp.location":              "us-central1",
		"gcp.model":                 "gemini-2.5-flash",
		"firestore.client_id":       "",
		"query.backend":             "mock",
		"query.base_url":            "",
		"query.timeout":             "120s",
		"query.rate_per_second":     5.0,
		"editor.backend":            "mock",
		"drafts.autosave_delay":     "500ms",
		"progress.interval":         "1500ms",
		"log.level":                 "info",
	}
}

// envKeys maps POLICYDESK_STORAGE_LOCAL_QUOTA_BYTES style names to their
// dotted keys. Only known keys are taken from the environment, since several
// key segments contain underscores themselves.
func envKeys() map[string]string {
	out := make(map[string]string)
	for k := range defaults() {
		out[EnvPrefix+strings.ToUpper(strings.ReplaceAll(k, ".", "_"))] = k
	}
	return out
}

// Load builds the configuration from defaults, then the TOML file at path
// (optional; "" skips it), then a .env file in the working directory, then
// POLICYDESK_* environment variables. Later sources win.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	known := envKeys()
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return known[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every selected backend has what it needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeLocal, ModeGCP:
	default:
		errs = append(errs, fmt.Errorf("mode must be local or gcp, got %q", c.Mode))
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.Path == "" {
			errs = append(errs, errors.New("storage.local.path is required for local storage"))
		}
	case "firestore":
		if c.GCP.Project == "" {
			errs = append(errs, errors.New("gcp.project is required for firestore storage"))
		}
		if c.Firestore.ClientID == "" {
			errs = append(errs, errors.New("firestore.client_id is required for firestore storage"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch c.Query.Backend {
	case "http":
		if c.Query.BaseURL == "" {
			errs = append(errs, errors.New("query.base_url is required for the http query backend"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown query.backend %q", c.Query.Backend))
	}

	switch c.Editor.Backend {
	case "http":
		if c.Query.BaseURL == "" {
			errs = append(errs, errors.New("query.base_url is required for the http editor"))
		}
	case "gemini":
		if c.GCP.Project == "" {
			errs = append(errs, errors.New("gcp.project is required for the gemini editor"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown editor.backend %q", c.Editor.Backend))
	}

	if c.Mode == ModeGCP && c.GCP.Project == "" {
		errs = append(errs, errors.New("gcp.project must be set in gcp mode"))
	}

	return errors.Join(errs...)
}
