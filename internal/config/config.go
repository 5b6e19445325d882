package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// Device kinds understood by the device factory.
const (
	DeviceKindFile   = "file"
	DeviceKindMemory = "memory"
	DeviceKindS3     = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Device     DeviceConfig     `yaml:"device"`
	Pool       PoolConfig       `yaml:"pool"`
	Mount      MountConfig      `yaml:"mount"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// DeviceConfig selects and configures the block device backing a mount
type DeviceConfig struct {
	Kind       string         `yaml:"kind"`
	Path       string         `yaml:"path"`
	SectorSize int            `yaml:"sector_size"`
	SizeBlocks int64          `yaml:"size_blocks"`
	ReadOnly   bool           `yaml:"read_only"`
	S3         S3DeviceConfig `yaml:"s3"`
}

// S3DeviceConfig points a device at a single S3 object holding the image
type S3DeviceConfig struct {
	Bucket          string        `yaml:"bucket"`
	Key             string        `yaml:"key"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// PoolConfig sizes the inode object pool
type PoolConfig struct {
	ObjectsPerSlab int `yaml:"objects_per_slab"`
	MaxObjects     int `yaml:"max_objects"`
	ReclaimBatch   int `yaml:"reclaim_batch"`
}

// MountConfig represents per-mount options
type MountConfig struct {
	MountPoint     string        `yaml:"mount_point"`
	ReadOnly       bool          `yaml:"read_only"`
	SkipValidation bool          `yaml:"skip_validation"`
	FSName         string        `yaml:"fsname"`
	AllowOther     bool          `yaml:"allow_other"`
	Debug          bool          `yaml:"debug"`
	AttrTimeout    time.Duration `yaml:"attr_timeout"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Device: DeviceConfig{
			Kind:       DeviceKindFile,
			SectorSize: 512,
			SizeBlocks: 1024,
			S3: S3DeviceConfig{
				Region:         "us-east-1",
				RequestTimeout:  30 * time.Second,
				MaxAttempts:     3,
				BreakerFailures: 5,
				BreakerTimeout:  30 * time.Second,
			},
		},
		Pool: PoolConfig{
			ObjectsPerSlab: 32,
			MaxObjects:     65536,
			ReclaimBatch:   128,
		},
		Mount: MountConfig{
			FSName:      "babyfs",
			AttrTimeout: time.Second,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      9469,
				Path:      "/metrics",
				Namespace: "babyfs",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from BABYFS_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("BABYFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("BABYFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("BABYFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("BABYFS_DEVICE_KIND"); val != "" {
		c.Device.Kind = strings.ToLower(val)
	}
	if val := os.Getenv("BABYFS_DEVICE_PATH"); val != "" {
		c.Device.Path = val
	}
	if val := os.Getenv("BABYFS_DEVICE_SECTOR_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Device.SectorSize = n
		}
	}
	if val := os.Getenv("BABYFS_S3_BUCKET"); val != "" {
		c.Device.S3.Bucket = val
	}
	if val := os.Getenv("BABYFS_S3_KEY"); val != "" {
		c.Device.S3.Key = val
	}
	if val := os.Getenv("BABYFS_S3_REGION"); val != "" {
		c.Device.S3.Region = val
	}
	if val := os.Getenv("BABYFS_S3_ENDPOINT"); val != "" {
		c.Device.S3.Endpoint = val
	}
	if val := os.Getenv("BABYFS_S3_ACCESS_KEY_ID"); val != "" {
		c.Device.S3.AccessKeyID = val
	}
	if val := os.Getenv("BABYFS_S3_SECRET_ACCESS_KEY"); val != "" {
		c.Device.S3.SecretAccessKey = val
	}
	if val := os.Getenv("BABYFS_S3_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Device.S3.MaxAttempts = n
		}
	}

	if val := os.Getenv("BABYFS_POOL_OBJECTS_PER_SLAB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.ObjectsPerSlab = n
		}
	}
	if val := os.Getenv("BABYFS_POOL_MAX_OBJECTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxObjects = n
		}
	}

	if val := os.Getenv("BABYFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("BABYFS_SKIP_VALIDATION"); val != "" {
		c.Mount.SkipValidation = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BABYFS_READ_ONLY"); val != "" {
		c.Mount.ReadOnly = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("BABYFS_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BABYFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Metrics.Port = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to marshal config").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create config directory").WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write config file").WithCause(err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).
			WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	switch c.Device.Kind {
	case DeviceKindFile:
		if c.Device.Path == "" {
			return invalid("device.path is required for file devices")
		}
	case DeviceKindMemory:
		if c.Device.SizeBlocks <= 0 {
			return invalid("device.size_blocks must be greater than 0")
		}
	case DeviceKindS3:
		if c.Device.S3.Bucket == "" || c.Device.S3.Key == "" {
			return invalid("device.s3.bucket and device.s3.key are required for s3 devices")
		}
		if c.Device.S3.MaxAttempts < 0 {
			return invalid("device.s3.max_attempts must not be negative")
		}
	default:
		return invalid("unknown device.kind: %q", c.Device.Kind)
	}
	if c.Device.SectorSize <= 0 {
		return invalid("device.sector_size must be greater than 0")
	}

	if c.Pool.ObjectsPerSlab <= 0 {
		return invalid("pool.objects_per_slab must be greater than 0")
	}
	if c.Pool.MaxObjects < c.Pool.ObjectsPerSlab {
		return invalid("pool.max_objects must be at least pool.objects_per_slab")
	}

	if c.Monitoring.Metrics.Enabled && c.Monitoring.Metrics.Port <= 0 {
		return invalid("monitoring.metrics.port must be greater than 0")
	}

	return nil
}

// Logger builds the structured logger described by the global section.
func (c *Configuration) Logger() (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, err
	}

	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = format
	if c.Global.LogFile != "" {
		file, err := os.OpenFile(c.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cfg.Output = file
	}
	return utils.NewStructuredLogger(cfg), nil
}
