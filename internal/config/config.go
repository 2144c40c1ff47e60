package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/imagelabeler/internal/common"
)

// EnvConfigPath names the environment variable consulted when no config path is given.
const EnvConfigPath = "IMAGELABELER_CONFIG"

const defaultConfigFile = "config.yaml"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Detector DetectorConfig `yaml:"detector"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"` // per file
	MaxFiles      int           `yaml:"maxFiles"`      // per batch
	StorageDir    string        `yaml:"storageDir"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for in-flight batches
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFile       string        `yaml:"logFile"`       // optional JSON log file
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"`    // memory|sqlite
	SQLitePath string `yaml:"sqlitePath"` // defaults to an in-memory database
}

// DetectorConfig selects the label detection provider and its options.
type DetectorConfig struct {
	Provider string         `yaml:"provider"` // mock|vision
	Mock     MockSettings   `yaml:"mock"`
	Vision   VisionSettings `yaml:"vision"`
}

// MockSettings config for the mock detector.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	FailOn string        `yaml:"failOn"` // fail images whose bytes contain this marker
}

// VisionSettings config for the Google Cloud Vision REST API.
type VisionSettings struct {
	BaseURL   string        `yaml:"baseUrl"` // default https://vision.googleapis.com
	APIKey    string        `yaml:"apiKey"`  // supports env expansion
	Timeout   time.Duration `yaml:"timeout"`
	MaxLabels int           `yaml:"maxLabels"`
	MaxColors int           `yaml:"maxColors"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(strings.TrimSpace(value.Value))
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Binary units: Ki, Mi, Gi, KiB, MiB, GiB. Decimal: KB, MB, GB. Case-insensitive.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)
	type unit struct {
		suffix string
		value  uint64
	}
	// Longer suffixes first so "KIB" is not mistaken for "B".
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			if val < 0 {
				return 0, fmt.Errorf("negative size in %q", orig)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var IMAGELABELER_CONFIG, then "config.yaml".
// A missing "config.yaml" in the implicit case yields the defaults.
func Load(path string) (*Config, error) {
	implicit := false
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
		} else {
			path = defaultConfigFile
			implicit = true
		}
	}

	var cfg Config
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case implicit && errors.Is(err, os.ErrNotExist):
		// run on defaults
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.MaxFiles <= 0 {
		cfg.Server.MaxFiles = common.DefaultMaxFiles
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "storage"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = common.DefaultShutdownGrace
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Store defaults
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = common.StoreBackendMemory
	}
	if cfg.Store.Backend == common.StoreBackendSQLite && strings.TrimSpace(cfg.Store.SQLitePath) == "" {
		cfg.Store.SQLitePath = ":memory:"
	}

	// Detector defaults
	cfg.Detector.Provider = strings.ToLower(strings.TrimSpace(cfg.Detector.Provider))
	if cfg.Detector.Provider == "" {
		cfg.Detector.Provider = common.DetectorMock
	}
	if cfg.Detector.Provider == common.DetectorVision {
		if strings.TrimSpace(cfg.Detector.Vision.BaseURL) == "" {
			cfg.Detector.Vision.BaseURL = "https://vision.googleapis.com"
		}
		if cfg.Detector.Vision.Timeout == 0 {
			cfg.Detector.Vision.Timeout = 60 * time.Second
		}
	}
	if cfg.Detector.Vision.MaxColors <= 0 {
		cfg.Detector.Vision.MaxColors = common.MaxDominantColors
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case common.StoreBackendMemory, common.StoreBackendSQLite:
	default:
		return fmt.Errorf("store.backend %q is not supported", cfg.Store.Backend)
	}

	switch cfg.Detector.Provider {
	case common.DetectorMock:
	case common.DetectorVision:
		if strings.TrimSpace(cfg.Detector.Vision.APIKey) == "" {
			return errors.New("detector.vision.apiKey is required")
		}
	default:
		return fmt.Errorf("detector.provider %q is not supported", cfg.Detector.Provider)
	}

	if _, err := ParseLogLevel(cfg.Server.LogLevel); err != nil {
		return err
	}
	return nil
}
