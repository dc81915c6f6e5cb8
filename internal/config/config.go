// Package config loads client settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"docnotary/go-core/internal/backend"
	"docnotary/go-core/internal/hdkey"
	"docnotary/go-core/internal/signing"

	"gopkg.in/yaml.v3"
)

const (
	EnvBackendURL  = "NOTARY_BACKEND_URL"
	EnvSigningHash = "NOTARY_SIGNING_HASH"
	EnvStoreDir    = "NOTARY_STORE_DIR"
	EnvLogLevel    = "NOTARY_LOG_LEVEL"
	EnvExpirySkew  = "NOTARY_EXPIRY_SKEW"

	StoreFile   = "file"
	StoreMemory = "memory"
)

type Config struct {
	Backend BackendConfig
	Signing SigningConfig
	Store   StoreConfig
	Session SessionConfig
	Log     LogConfig
}

type BackendConfig struct {
	URL     string
	Timeout time.Duration
	Paths   backend.Paths
}

type SigningConfig struct {
	Hash string
	Path string
}

type StoreConfig struct {
	Kind string
	Dir  string
}

type SessionConfig struct {
	RefreshTimeout     time.Duration
	ExpirySkew         time.Duration
	ChallengePerMinute float64
	ChallengeBurst     int
}

type LogConfig struct {
	Level  string
	Format string
}

// FileConfig is the YAML schema. Zero values leave defaults untouched.
type FileConfig struct {
	Backend struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
		Paths   backend.Paths `yaml:"paths"`
	} `yaml:"backend"`
	Signing struct {
		Hash string `yaml:"hash"`
		Path string `yaml:"path"`
	} `yaml:"signing"`
	Store struct {
		Kind string `yaml:"kind"`
		Dir  string `yaml:"dir"`
	} `yaml:"store"`
	Session struct {
		RefreshTimeout     time.Duration  `yaml:"refreshTimeout"`
		ExpirySkew         *time.Duration `yaml:"expirySkew"`
		ChallengePerMinute float64        `yaml:"challengePerMinute"`
		ChallengeBurst     int            `yaml:"challengeBurst"`
	} `yaml:"session"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			URL:     "http://127.0.0.1:8787",
			Timeout: 15 * time.Second,
			Paths:   backend.DefaultPaths(),
		},
		Signing: SigningConfig{
			Hash: signing.SHA512.String(),
			Path: hdkey.DefaultPath.String(),
		},
		Store: StoreConfig{
			Kind: StoreFile,
			Dir:  defaultStoreDir(),
		},
		Session: SessionConfig{
			RefreshTimeout:     20 * time.Second,
			ExpirySkew:         30 * time.Second,
			ChallengePerMinute: 6,
			ChallengeBurst:     3,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFromPath reads configPath, or the first of the default locations
// that exists when configPath is empty, then applies env overrides. A
// missing default file is not an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := DefaultConfig()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = defaultCandidates()
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) && configPath == "" {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Backend.URL != "" {
		dst.Backend.URL = src.Backend.URL
	}
	if src.Backend.Timeout != 0 {
		dst.Backend.Timeout = src.Backend.Timeout
	}
	mergePath(&dst.Backend.Paths.Challenge, src.Backend.Paths.Challenge)
	mergePath(&dst.Backend.Paths.Complete, src.Backend.Paths.Complete)
	mergePath(&dst.Backend.Paths.Refresh, src.Backend.Paths.Refresh)
	mergePath(&dst.Backend.Paths.Me, src.Backend.Paths.Me)
	mergePath(&dst.Backend.Paths.Logout, src.Backend.Paths.Logout)
	mergePath(&dst.Backend.Paths.RegisterKey, src.Backend.Paths.RegisterKey)
	if src.Signing.Hash != "" {
		dst.Signing.Hash = src.Signing.Hash
	}
	if src.Signing.Path != "" {
		dst.Signing.Path = src.Signing.Path
	}
	if src.Store.Kind != "" {
		dst.Store.Kind = src.Store.Kind
	}
	if src.Store.Dir != "" {
		dst.Store.Dir = src.Store.Dir
	}
	if src.Session.RefreshTimeout != 0 {
		dst.Session.RefreshTimeout = src.Session.RefreshTimeout
	}
	if src.Session.ExpirySkew != nil {
		dst.Session.ExpirySkew = *src.Session.ExpirySkew
	}
	if src.Session.ChallengePerMinute != 0 {
		dst.Session.ChallengePerMinute = src.Session.ChallengePerMinute
	}
	if src.Session.ChallengeBurst != 0 {
		dst.Session.ChallengeBurst = src.Session.ChallengeBurst
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		cfg.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSigningHash)); v != "" {
		cfg.Signing.Hash = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoreDir)); v != "" {
		cfg.Store.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}

	raw := strings.TrimSpace(os.Getenv(EnvExpirySkew))
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		cfg.Session.ExpirySkew = d
		return
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		cfg.Session.ExpirySkew = time.Duration(secs) * time.Second
	}
}

func (c Config) Validate() error {
	if _, err := c.Suite(); err != nil {
		return err
	}
	if _, err := c.DerivationPath(); err != nil {
		return err
	}
	switch c.Store.Kind {
	case StoreFile:
		if strings.TrimSpace(c.Store.Dir) == "" {
			return errors.New("store.dir is required for the file store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if strings.TrimSpace(c.Backend.URL) == "" {
		return errors.New("backend.url is required")
	}
	if c.Session.ExpirySkew < 0 {
		return errors.New("session.expirySkew must not be negative")
	}
	return nil
}

func (c Config) Suite() (signing.Suite, error) {
	return signing.ParseSuite(c.Signing.Hash)
}

func (c Config) DerivationPath() (hdkey.Path, error) {
	return hdkey.ParsePath(c.Signing.Path)
}

func defaultCandidates() []string {
	out := []string{"notary.yaml", filepath.Join("configs", "notary.yaml")}
	if dir, err := os.UserConfigDir(); err == nil {
		out = append(out, filepath.Join(dir, "docnotary", "config.yaml"))
	}
	return out
}

func defaultStoreDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "docnotary", "secrets")
	}
	return ".notary-secrets"
}

func mergePath(dst *string, src string) {
	if strings.TrimSpace(src) != "" {
		*dst = src
	}
}
