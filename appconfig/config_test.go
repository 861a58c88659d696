package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.DefaultSize != "2%" {
		t.Errorf("Default DefaultSize = %q; want %q", cfg.DefaultSize, "2%")
	}
	if cfg.DefaultLayout != "RL" {
		t.Errorf("Default DefaultLayout = %q; want %q", cfg.DefaultLayout, "RL")
	}
	if cfg.JPEGQuality != 90 {
		t.Errorf("Default JPEGQuality = %d; want 90", cfg.JPEGQuality)
	}
	if cfg.Storage.Backend != BackendLocal {
		t.Errorf("Default Storage.Backend = %q; want %q", cfg.Storage.Backend, BackendLocal)
	}
	if cfg.Server.JWTSecret == "" {
		t.Error("Default JWTSecret should not be empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config does not validate: %v", err)
	}
}

// TestDefaultDBPath verifies the database lives in the data dir
func TestDefaultDBPath(t *testing.T) {
	path := DefaultDBPath()
	if filepath.Base(path) != "jobs.db" {
		t.Errorf("Default DB path should end with 'jobs.db'; got %q", path)
	}
	if filepath.Dir(path) != DefaultConfigDir() {
		t.Errorf("Default DB path %q is not in %q", path, DefaultConfigDir())
	}
}

// TestGetSet verifies Get/Set functions for in-memory config
func TestGetSet(t *testing.T) {
	// Save original and restore after test
	original := Get()
	defer Set(original)

	testConfig := Config{
		DefaultSize:   "12px",
		DefaultLayout: "LR",
		Server:        ServerConfig{DBPath: "/test/path/db.sqlite"},
	}

	Set(testConfig)

	retrieved := Get()

	if retrieved.DefaultSize != testConfig.DefaultSize {
		t.Errorf("Get().DefaultSize = %q; want %q", retrieved.DefaultSize, testConfig.DefaultSize)
	}
	if retrieved.DefaultLayout != testConfig.DefaultLayout {
		t.Errorf("Get().DefaultLayout = %q; want %q", retrieved.DefaultLayout, testConfig.DefaultLayout)
	}
	if retrieved.Server.DBPath != testConfig.Server.DBPath {
		t.Errorf("Get().Server.DBPath = %q; want %q", retrieved.Server.DBPath, testConfig.Server.DBPath)
	}
}

// TestValidate covers the rejected values
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad layout", func(c *Config) { c.DefaultLayout = "TB" }, "defaultLayout"},
		{"quality too high", func(c *Config) { c.JPEGQuality = 101 }, "jpegQuality"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, "unknown storage backend"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = BackendS3 }, "bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v; want error containing %q", err, tt.want)
			}
		})
	}
}

// TestLoadFromCreatesDefaults verifies a missing file is written with defaults
func TestLoadFromCreatesDefaults(t *testing.T) {
	original := Get()
	defer Set(original)

	path := filepath.Join(t.TempDir(), "conf", "config.json")
	cfg, got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom error = %v", err)
	}
	if got != path {
		t.Errorf("LoadFrom path = %q; want %q", got, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if Get().Server.JWTSecret != cfg.Server.JWTSecret {
		t.Error("LoadFrom did not update the in-memory config")
	}
}

// TestLoadFromFillsAndPreserves verifies missing fields are filled and unknown keys survive
func TestLoadFromFillsAndPreserves(t *testing.T) {
	original := Get()
	defer Set(original)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"defaultSize": "5%",
		"server": {"dbPath": "` + filepath.ToSlash(filepath.Join(dir, "db", "jobs.db")) + `"},
		"storage": {"backend": "local", "localDir": "` + filepath.ToSlash(dir) + `"},
		"customKey": {"keep": true}
	}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom error = %v", err)
	}
	if cfg.DefaultSize != "5%" {
		t.Errorf("DefaultSize = %q; want %q", cfg.DefaultSize, "5%")
	}
	if cfg.DefaultLayout != "RL" {
		t.Errorf("DefaultLayout = %q; want default %q", cfg.DefaultLayout, "RL")
	}
	if cfg.Server.JWTSecret == "" {
		t.Fatal("JWTSecret was not generated")
	}
	if _, err := os.Stat(filepath.Join(dir, "db")); err != nil {
		t.Errorf("database directory not created: %v", err)
	}

	// The generated secret is persisted and the unknown key kept.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if _, ok := onDisk["customKey"]; !ok {
		t.Error("customKey was dropped on save")
	}
	if !strings.Contains(string(onDisk["server"]), cfg.Server.JWTSecret) {
		t.Error("generated JWTSecret was not saved")
	}

	again, _, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Server.JWTSecret != cfg.Server.JWTSecret {
		t.Error("JWTSecret changed between loads")
	}
}

// TestLoadFromInvalidJSON verifies parse errors are reported
func TestLoadFromInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom accepted invalid JSON")
	}
}

// TestIsJSONObject tests the JSON object detection helper
func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{`{}`, true},
		{`{"key": "value"}`, true},
		{`  {  }  `, true},
		{`[]`, false},
		{`"string"`, false},
		{`123`, false},
		{`null`, false},
		{``, false},
	}

	for _, tt := range tests {
		result := isJSONObject([]byte(tt.input))
		if result != tt.expected {
			t.Errorf("isJSONObject(%q) = %v; want %v", tt.input, result, tt.expected)
		}
	}
}

// TestDeepMergeJSON tests the JSON merge functionality
func TestDeepMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		dst      string
		src      string
		expected string
	}{
		{
			name:     "Simple merge",
			dst:      `{"a": "1"}`,
			src:      `{"b": "2"}`,
			expected: `{"a":"1","b":"2"}`,
		},
		{
			name:     "Override value",
			dst:      `{"a": "1"}`,
			src:      `{"a": "2"}`,
			expected: `{"a":"2"}`,
		},
		{
			name:     "Nested merge",
			dst:      `{"nested": {"a": "1"}}`,
			src:      `{"nested": {"b": "2"}}`,
			expected: `{"nested":{"a":"1","b":"2"}}`,
		},
		{
			name:     "Add new nested",
			dst:      `{"a": "1"}`,
			src:      `{"nested": {"b": "2"}}`,
			expected: `{"a":"1","nested":{"b":"2"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst map[string]json.RawMessage
			var src map[string]json.RawMessage

			json.Unmarshal([]byte(tt.dst), &dst)
			json.Unmarshal([]byte(tt.src), &src)

			deepMergeJSON(dst, src)

			result, _ := json.Marshal(dst)

			// Parse both for comparison (order-independent)
			var resultMap, expectedMap map[string]interface{}
			json.Unmarshal(result, &resultMap)
			json.Unmarshal([]byte(tt.expected), &expectedMap)

			if !mapsEqual(resultMap, expectedMap) {
				t.Errorf("deepMergeJSON result = %s; want %s", result, tt.expected)
			}
		})
	}
}

// mapsEqual compares two maps recursively
func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok {
			return false
		}
		return mapsEqual(av, bv)
	default:
		return a == b
	}
}

// TestConfigJSONMarshal verifies the JSON key names
func TestConfigJSONMarshal(t *testing.T) {
	cfg := defaultConfig()

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal error = %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}

	expectedKeys := []string{"defaultSize", "defaultLayout", "workers", "jpegQuality", "logLevel", "server", "storage"}
	for _, key := range expectedKeys {
		if _, ok := parsed[key]; !ok {
			t.Errorf("Expected key %q not found in JSON output", key)
		}
	}
}

// TestConfigJSONUnmarshal verifies nested sections decode
func TestConfigJSONUnmarshal(t *testing.T) {
	jsonData := `{
		"defaultLayout": "L",
		"server": {"addr": ":9000", "passwordHash": "$2a$10$abc"},
		"storage": {
			"backend": "s3",
			"s3": {"bucket": "renders", "region": "eu-west-1", "usePathStyle": true}
		}
	}`

	var cfg Config
	if err := json.Unmarshal([]byte(jsonData), &cfg); err != nil {
		t.Fatalf("json.Unmarshal error = %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q; want %q", cfg.Server.Addr, ":9000")
	}
	if cfg.Storage.S3.Bucket != "renders" {
		t.Errorf("Storage.S3.Bucket = %q; want %q", cfg.Storage.S3.Bucket, "renders")
	}
	if !cfg.Storage.S3.UsePathStyle {
		t.Error("Storage.S3.UsePathStyle = false; want true")
	}
}

// TestConfigConcurrency tests concurrent access to Get/Set
func TestConfigConcurrency(t *testing.T) {
	// Save original and restore after test
	original := Get()
	defer Set(original)

	done := make(chan bool)

	// Writer goroutine
	go func() {
		for i := 0; i < 100; i++ {
			Set(Config{DefaultSize: "1px"})
		}
		done <- true
	}()

	// Reader goroutine
	go func() {
		for i := 0; i < 100; i++ {
			_ = Get()
		}
		done <- true
	}()

	// Wait for both to complete
	<-done
	<-done
}
