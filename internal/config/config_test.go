package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/babyfs/babyfs/pkg/errors"
)

func validConfig() *Configuration {
	cfg := NewDefault()
	cfg.Device.Path = "/tmp/disk.img"
	return cfg
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Device.Kind != DeviceKindFile {
		t.Errorf("Expected device kind file, got %s", cfg.Device.Kind)
	}
	if cfg.Pool.ObjectsPerSlab != 32 {
		t.Errorf("Expected ObjectsPerSlab 32, got %d", cfg.Pool.ObjectsPerSlab)
	}
	if cfg.Mount.SkipValidation {
		t.Error("Expected superblock validation to be on by default")
	}
	if cfg.Mount.AttrTimeout != time.Second {
		t.Errorf("Expected AttrTimeout 1s, got %v", cfg.Mount.AttrTimeout)
	}
	if cfg.Monitoring.Metrics.Enabled {
		t.Error("Expected metrics to be disabled by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{name: "valid config", mutate: func(*Configuration) {}},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Global.LogLevel = "LOUD" },
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name:    "file device without path",
			mutate:  func(c *Configuration) { c.Device.Path = "" },
			wantErr: true,
			errMsg:  "device.path is required",
		},
		{
			name:    "memory device without size",
			mutate:  func(c *Configuration) { c.Device.Kind = DeviceKindMemory; c.Device.SizeBlocks = 0 },
			wantErr: true,
			errMsg:  "size_blocks",
		},
		{
			name:    "s3 device without key",
			mutate:  func(c *Configuration) { c.Device.Kind = DeviceKindS3; c.Device.S3.Bucket = "images" },
			wantErr: true,
			errMsg:  "device.s3.bucket and device.s3.key",
		},
		{
			name: "s3 device with negative attempts",
			mutate: func(c *Configuration) {
				c.Device.Kind = DeviceKindS3
				c.Device.S3.Bucket = "images"
				c.Device.S3.Key = "baby.img"
				c.Device.S3.MaxAttempts = -1
			},
			wantErr: true,
			errMsg:  "max_attempts",
		},
		{
			name:    "unknown device kind",
			mutate:  func(c *Configuration) { c.Device.Kind = "tape" },
			wantErr: true,
			errMsg:  "unknown device.kind",
		},
		{
			name:    "pool smaller than one slab",
			mutate:  func(c *Configuration) { c.Pool.MaxObjects = 8 },
			wantErr: true,
			errMsg:  "pool.max_objects",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.errMsg)
			}
			if !errors.HasCode(err, errors.ErrCodeConfigValidation) {
				t.Errorf("Validate() error code = %v", errors.CodeOf(err))
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
global:
  log_level: DEBUG
device:
  kind: s3
  s3:
    bucket: images
    key: baby.img
pool:
  max_objects: 128
mount:
  skip_validation: true
`
	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Device.Kind != DeviceKindS3 || cfg.Device.S3.Key != "baby.img" {
		t.Errorf("Unexpected device config: %+v", cfg.Device)
	}
	if cfg.Device.S3.Region != "us-east-1" {
		t.Errorf("Defaults not kept for unset fields, region = %q", cfg.Device.S3.Region)
	}
	if cfg.Pool.MaxObjects != 128 || cfg.Pool.ObjectsPerSlab != 32 {
		t.Errorf("Unexpected pool config: %+v", cfg.Pool)
	}
	if !cfg.Mount.SkipValidation {
		t.Error("Expected SkipValidation to be true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	err := NewDefault().LoadFromFile("/nonexistent/config.yaml")
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD error, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BABYFS_LOG_LEVEL", "ERROR")
	t.Setenv("BABYFS_DEVICE_KIND", "MEMORY")
	t.Setenv("BABYFS_POOL_MAX_OBJECTS", "4096")
	t.Setenv("BABYFS_POOL_OBJECTS_PER_SLAB", "not-a-number")
	t.Setenv("BABYFS_SKIP_VALIDATION", "true")
	t.Setenv("BABYFS_METRICS_PORT", "9999")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Device.Kind != DeviceKindMemory {
		t.Errorf("Expected device kind memory, got %s", cfg.Device.Kind)
	}
	if cfg.Pool.MaxObjects != 4096 {
		t.Errorf("Expected MaxObjects 4096, got %d", cfg.Pool.MaxObjects)
	}
	if cfg.Pool.ObjectsPerSlab != 32 {
		t.Errorf("Malformed value should be ignored, got %d", cfg.Pool.ObjectsPerSlab)
	}
	if !cfg.Mount.SkipValidation {
		t.Error("Expected SkipValidation true")
	}
	if cfg.Monitoring.Metrics.Port != 9999 {
		t.Errorf("Expected metrics port 9999, got %d", cfg.Monitoring.Metrics.Port)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "babyfs.yaml")

	cfg := validConfig()
	cfg.Pool.MaxObjects = 777
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Pool.MaxObjects != 777 || loaded.Device.Path != "/tmp/disk.img" {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestLogger(t *testing.T) {
	cfg := validConfig()
	cfg.Global.LogFile = filepath.Join(t.TempDir(), "babyfs.log")

	logger, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger() error = %v", err)
	}
	logger.Info("hello")

	data, err := os.ReadFile(cfg.Global.LogFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing entry: %q", data)
	}
}
