package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/platform"
	"github.com/stevecastle/stereoeye/stereo"
)

// Storage backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// S3Config locates the bucket used by the s3 storage backend. Empty
// credentials fall back to the default AWS credential chain.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle"`
}

// StorageConfig selects where uploads and render results are kept.
type StorageConfig struct {
	Backend  string   `json:"backend"`
	LocalDir string   `json:"localDir"`
	S3       S3Config `json:"s3"`
}

// ServerConfig holds settings for the render server.
type ServerConfig struct {
	Addr   string `json:"addr"`
	DBPath string `json:"dbPath"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`
	// bcrypt hash; the API is open when empty
	PasswordHash string `json:"passwordHash"`

	ThumbnailSize int `json:"thumbnailSize"`
	MaxUploadMB   int `json:"maxUploadMB"`
	Workers       int `json:"workers"`
}

// Config holds render defaults plus server and storage settings.
type Config struct {
	DefaultSize   string `json:"defaultSize"`
	DefaultLayout string `json:"defaultLayout"`
	// Warp goroutines per render
	Workers     int    `json:"workers"`
	JPEGQuality int    `json:"jpegQuality"`
	LogLevel    string `json:"logLevel"`

	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default job database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "jobs.db")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// DefaultStorageDir returns where the local backend keeps its objects.
func DefaultStorageDir() string {
	return filepath.Join(platform.GetDataDir(), "objects")
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		DefaultSize:   stereo.DefaultEffectSize,
		DefaultLayout: string(stereo.DefaultLayout),
		Workers:       1,
		JPEGQuality:   90,
		LogLevel:      "info",
		Server: ServerConfig{
			Addr:          "127.0.0.1:8097",
			DBPath:        DefaultDBPath(),
			JWTSecret:     uuid.New().String(),
			ThumbnailSize: 320,
			MaxUploadMB:   64,
			Workers:       2,
		},
		Storage: StorageConfig{
			Backend:  BackendLocal,
			LocalDir: DefaultStorageDir(),
		},
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

// Validate checks values that would otherwise only fail at render time.
func (c Config) Validate() error {
	if _, err := stereo.ParseLayout(c.DefaultLayout); err != nil {
		return fmt.Errorf("defaultLayout: %w", err)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpegQuality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	switch c.Storage.Backend {
	case BackendLocal:
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// ConfigPath returns the full path to the default config.json file.
func ConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config from the default location. See LoadFrom.
func Load() (Config, string, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config at path and updates the in-memory config. It
// returns the config and path. A missing file is created with default values;
// missing fields are filled from the defaults.
func LoadFrom(path string) (Config, string, error) {
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := defaultConfig()
			if err := ensureDirs(def); err != nil {
				return Config{}, path, err
			}
			if err := SaveTo(path, def); err != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %w", err)
			}
			return def, path, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	needsSave := fillDefaults(&c)

	if err := ensureDirs(c); err != nil {
		return Config{}, path, err
	}

	// Save config if we had to fill in critical missing fields
	if needsSave {
		if saveErr := SaveTo(path, c); saveErr != nil {
			// we can continue with the in-memory config
			logrus.WithError(saveErr).Warn("Failed to save updated config")
		}
	}

	Set(c)
	return c, path, nil
}

// fillDefaults fills zero fields and reports whether one of them must be
// persisted so it stays stable across restarts.
func fillDefaults(c *Config) bool {
	def := defaultConfig()
	needsSave := false

	if c.DefaultSize == "" {
		c.DefaultSize = def.DefaultSize
	}
	if c.DefaultLayout == "" {
		c.DefaultLayout = def.DefaultLayout
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = def.Server.DBPath
		needsSave = true
	}
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = def.Server.JWTSecret
		needsSave = true
	}
	if c.Server.ThumbnailSize <= 0 {
		c.Server.ThumbnailSize = def.Server.ThumbnailSize
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = def.Server.MaxUploadMB
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = def.Server.Workers
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Storage.Backend == BackendLocal && c.Storage.LocalDir == "" {
		c.Storage.LocalDir = def.Storage.LocalDir
		needsSave = true
	}
	return needsSave
}

func ensureDirs(c Config) error {
	dbDir := filepath.Dir(c.Server.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
	}
	return nil
}

// Save writes the config to the default location. Returns the path.
func Save(c Config) (string, error) {
	path := ConfigPath()
	return path, SaveTo(path, c)
}

// SaveTo writes the config to path, creating the directory as needed. Keys in
// an existing file that Config does not know about are preserved.
func SaveTo(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return fmt.Errorf("failed to map config JSON: %w", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, mergedData, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return nil
}
