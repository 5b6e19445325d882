package adapter

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/babyfs/babyfs/internal/babyfs"
	"github.com/babyfs/babyfs/internal/config"
	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/internal/device/s3dev"
	"github.com/babyfs/babyfs/internal/fuse"
	"github.com/babyfs/babyfs/internal/metrics"
	"github.com/babyfs/babyfs/internal/slab"
	"github.com/babyfs/babyfs/internal/vfs"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// Adapter wires one babyfs instance together: the block device, the host
// and babyfs module, metrics, and an optional FUSE mount.
type Adapter struct {
	config  *config.Configuration
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	host    *vfs.Host
	module  *babyfs.Module

	mu      sync.Mutex
	started bool
	sb      *vfs.SuperBlock
	fuse    fuse.PlatformFileSystem
}

// New creates an adapter for cfg. Nothing is opened until Start.
func New(ctx context.Context, cfg *config.Configuration) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cannot build logger").
			WithComponent("adapter").WithCause(err)
	}

	m := cfg.Monitoring.Metrics
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   m.Enabled,
		Port:      m.Port,
		Path:      m.Path,
		Namespace: m.Namespace,
	})
	if err != nil {
		return nil, err
	}

	host := vfs.NewHost(
		vfs.WithLogger(logger),
		vfs.WithMountObserver(collector),
		vfs.WithBufferObserver(collector),
	)
	module := babyfs.NewModule(host,
		babyfs.WithLogger(logger),
		babyfs.WithPoolObserver(collector),
		babyfs.WithPoolConfig(slab.Config{
			ObjectsPerSlab: cfg.Pool.ObjectsPerSlab,
			MaxObjects:     cfg.Pool.MaxObjects,
			ReclaimBatch:   cfg.Pool.ReclaimBatch,
		}),
	)

	return &Adapter{
		config:  cfg,
		logger:  logger.WithComponent("adapter"),
		metrics: collector,
		host:    host,
		module:  module,
	}, nil
}

// Start loads babyfs, mounts the configured device and, when a mount point
// is configured, exposes the instance through FUSE.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.NewError(errors.ErrCodeInvalidState, "adapter already started").
			WithComponent("adapter").WithOperation("start")
	}
	a.logger.Info("starting babyfs", utils.Fields{"device_kind": a.config.Device.Kind})

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if err := a.module.Init(); err != nil {
		a.abort(ctx)
		return err
	}

	dev, err := OpenDevice(ctx, a.config.Device)
	if err != nil {
		a.abort(ctx)
		return err
	}

	sb, err := a.module.Mount(ctx, dev, vfs.MountOptions{
		ReadOnly:       a.config.Mount.ReadOnly || a.config.Device.ReadOnly,
		SkipValidation: a.config.Mount.SkipValidation,
	})
	if err != nil {
		a.abort(ctx)
		return err
	}
	a.sb = sb

	if mp := a.config.Mount.MountPoint; mp != "" {
		fsys, err := fuse.NewFileSystem(sb, &fuse.Config{
			MountPoint:  mp,
			FSName:      a.config.Mount.FSName,
			Subtype:     babyfs.FSName,
			ReadOnly:    sb.ReadOnly(),
			AllowOther:  a.config.Mount.AllowOther,
			Debug:       a.config.Mount.Debug,
			AttrTimeout: a.config.Mount.AttrTimeout,
		}, fuse.WithLogger(a.logger), fuse.WithRecorder(a.metrics))
		if err == nil {
			mgr := fuse.NewPlatformMountManager(fsys)
			if err = mgr.Mount(ctx); err == nil {
				a.fuse = mgr
			}
		}
		if err != nil {
			a.abort(ctx)
			return err
		}
	}

	a.started = true
	a.logger.Info("babyfs started", utils.Fields{"device": dev.Name(), "mount_point": a.config.Mount.MountPoint})
	return nil
}

// abort undoes a partial Start. Callers hold a.mu.
func (a *Adapter) abort(ctx context.Context) {
	if err := a.teardown(ctx); err != nil {
		a.logger.Warn("cleanup after failed start", utils.Fields{"error": err})
	}
}

// Stop unmounts everything Start mounted and unloads babyfs.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.logger.Info("stopping babyfs")
	a.started = false
	return a.teardown(ctx)
}

func (a *Adapter) teardown(ctx context.Context) error {
	var result *multierror.Error
	if a.fuse != nil {
		if err := a.fuse.Unmount(); err != nil {
			result = multierror.Append(result, err)
		}
		a.fuse = nil
	}
	if a.sb != nil {
		if err := a.module.Unmount(a.sb); err != nil {
			result = multierror.Append(result, err)
		}
		a.sb = nil
	}
	if err := a.module.Exit(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.metrics.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// SuperBlock returns the mounted instance, or nil when stopped.
func (a *Adapter) SuperBlock() *vfs.SuperBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sb
}

// Statfs reports the mounted instance's statfs numbers.
func (a *Adapter) Statfs(ctx context.Context) (vfs.Statfs, error) {
	sb := a.SuperBlock()
	if sb == nil {
		return vfs.Statfs{}, errors.NewError(errors.ErrCodeInvalidState, "nothing mounted").
			WithComponent("adapter").WithOperation("statfs")
	}
	return sb.Statfs(ctx)
}

// Module returns the babyfs module.
func (a *Adapter) Module() *babyfs.Module { return a.module }

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// OpenDevice opens the block device dc describes. Memory devices have no
// backing image and come back freshly formatted.
func OpenDevice(ctx context.Context, dc config.DeviceConfig) (device.BlockDevice, error) {
	switch dc.Kind {
	case config.DeviceKindFile:
		return device.OpenFile(dc.Path, device.FileOptions{SectorSize: dc.SectorSize, ReadOnly: dc.ReadOnly})
	case config.DeviceKindMemory:
		name := dc.Path
		if name == "" {
			name = "mem0"
		}
		dev := device.NewMemDevice(name, dc.SizeBlocks*babyfs.BlockSize, dc.SectorSize)
		if _, err := babyfs.Format(ctx, dev, babyfs.FormatOptions{}); err != nil {
			return nil, err
		}
		return dev, nil
	case config.DeviceKindS3:
		s3 := dc.S3
		return s3dev.New(ctx, s3dev.Options{
			Bucket:          s3.Bucket,
			Key:             s3.Key,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			UsePathStyle:    s3.UsePathStyle,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			SectorSize:      dc.SectorSize,
			ReadOnly:        dc.ReadOnly,
			MaxAttempts:     s3.MaxAttempts,
			BreakerFailures: s3.BreakerFailures,
			BreakerTimeout:  s3.BreakerTimeout,
			RequestTimeout:  s3.RequestTimeout,
		})
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown device kind %q", dc.Kind).
			WithComponent("adapter").WithOperation("open_device")
	}
}

// Mkfs formats the device dc describes. With create set, a file device's
// image is created at dc.SizeBlocks blocks first.
func Mkfs(ctx context.Context, dc config.DeviceConfig, create bool, opts babyfs.FormatOptions) (babyfs.OnDiskSuperblock, error) {
	var (
		dev device.BlockDevice
		err error
	)
	if create && dc.Kind == config.DeviceKindFile {
		dev, err = device.CreateFile(dc.Path, dc.SizeBlocks*babyfs.BlockSize, dc.SectorSize)
	} else {
		dev, err = OpenDevice(ctx, dc)
	}
	if err != nil {
		return babyfs.OnDiskSuperblock{}, err
	}

	raw, err := babyfs.Format(ctx, dev, opts)
	if cerr := dev.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return raw, err
}

// ApplyDeviceURI points dc at the device named by uri:
//
//	/path/to/image or file:///path/to/image
//	mem://name
//	s3://bucket/key
func ApplyDeviceURI(dc *config.DeviceConfig, uri string) error {
	invalid := func(msg string, cause error) error {
		e := errors.NewError(errors.ErrCodeInvalidConfig, msg).
			WithComponent("adapter").WithOperation("parse_device_uri").WithContext("uri", uri)
		if cause != nil {
			e.WithCause(cause)
		}
		return e
	}

	if uri == "" {
		return invalid("device URI is empty", nil)
	}
	if !strings.Contains(uri, "://") {
		dc.Kind = config.DeviceKindFile
		dc.Path = filepath.Clean(uri)
		return nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return invalid("failed to parse URI", err)
	}

	switch parsed.Scheme {
	case "file":
		if parsed.Path == "" {
			return invalid("file URI must include a path", nil)
		}
		dc.Kind = config.DeviceKindFile
		dc.Path = filepath.Clean(parsed.Path)
	case "mem":
		dc.Kind = config.DeviceKindMemory
		dc.Path = parsed.Host
	case "s3":
		if parsed.Host == "" {
			return invalid("S3 URI must include bucket name", nil)
		}
		key := strings.TrimPrefix(parsed.Path, "/")
		if key == "" {
			return invalid("S3 URI must include an object key", nil)
		}
		dc.Kind = config.DeviceKindS3
		dc.S3.Bucket = parsed.Host
		dc.S3.Key = key
	default:
		return invalid("unsupported device scheme: "+parsed.Scheme+" (file, mem and s3 are supported)", nil)
	}
	return nil
}
