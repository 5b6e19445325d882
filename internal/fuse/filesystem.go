package fuse

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/babyfs/babyfs/internal/vfs"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// Config contains mount-specific configuration
type Config struct {
	MountPoint  string        `yaml:"mount_point"`
	FSName      string        `yaml:"fsname"`
	Subtype     string        `yaml:"subtype"`
	ReadOnly    bool          `yaml:"read_only"`
	AllowOther  bool          `yaml:"allow_other"`
	Debug       bool          `yaml:"debug"`
	AttrTimeout time.Duration `yaml:"attr_timeout"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		FSName:      "babyfs",
		Subtype:     "babyfs",
		AttrTimeout: time.Second,
	}
}

// Recorder receives per-operation timings. *metrics.Collector satisfies it.
type Recorder interface {
	RecordOperation(operation string, duration time.Duration, err error)
}

// Stats tracks FUSE operation counts.
type Stats struct {
	Getattrs int64 `json:"getattrs"`
	Statfs   int64 `json:"statfs"`
	Lookups  int64 `json:"lookups"`
	Readdirs int64 `json:"readdirs"`
	Errors   int64 `json:"errors"`
}

// PlatformFileSystem is what a platform mount manager offers.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() Stats
}

// FileSystem exposes one mounted babyfs instance: its root directory and
// its statfs numbers.
type FileSystem struct {
	sb       *vfs.SuperBlock
	config   *Config
	logger   *utils.StructuredLogger
	recorder Recorder

	mu    sync.RWMutex
	stats Stats
}

// Option configures a FileSystem.
type Option func(*FileSystem)

// WithLogger sets the logger.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(f *FileSystem) { f.logger = l }
}

// WithRecorder reports operation timings to r.
func WithRecorder(r Recorder) Option {
	return func(f *FileSystem) { f.recorder = r }
}

// NewFileSystem wraps a live superblock.
func NewFileSystem(sb *vfs.SuperBlock, config *Config, opts ...Option) (*FileSystem, error) {
	if sb == nil || sb.Root == nil || !sb.Alive() {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "superblock is not mounted").
			WithComponent("fuse").WithOperation("new_filesystem")
	}
	if config == nil {
		config = DefaultConfig()
	}
	f := &FileSystem{
		sb:     sb,
		config: config,
		logger: sb.Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.WithComponent("fuse")
	return f, nil
}

// Config returns the mount configuration.
func (f *FileSystem) Config() *Config { return f.config }

// SuperBlock returns the exposed instance.
func (f *FileSystem) SuperBlock() *vfs.SuperBlock { return f.sb }

// Attr is the platform-neutral attribute set of an inode.
type Attr struct {
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      uint64
	Blocks    uint64
	BlockSize uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// POSIX file type bits.
const (
	sIFDIR = 0040000
	sIFREG = 0100000
)

func unixMode(m os.FileMode) uint32 {
	perm := uint32(m.Perm())
	if m.IsDir() {
		return sIFDIR | perm
	}
	return sIFREG | perm
}

func (f *FileSystem) live() error {
	if !f.sb.Alive() || f.sb.Root == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem has been unmounted").
			WithComponent("fuse")
	}
	return nil
}

// RootAttr returns the attributes of the root inode.
func (f *FileSystem) RootAttr() (Attr, error) {
	if err := f.live(); err != nil {
		return Attr{}, err
	}
	inode := f.sb.Root.Inode
	size := inode.Size
	if size < 0 {
		size = 0
	}
	return Attr{
		Ino:       inode.Ino,
		Mode:      unixMode(inode.Mode),
		Nlink:     inode.Nlink,
		UID:       inode.UID,
		GID:       inode.GID,
		Size:      uint64(size),
		Blocks:    (uint64(size) + 511) / 512,
		BlockSize: uint32(f.sb.BlockSize),
		Atime:     inode.Atime,
		Mtime:     inode.Mtime,
		Ctime:     inode.Ctime,
	}, nil
}

// Statfs returns the instance's statfs numbers.
func (f *FileSystem) Statfs(ctx context.Context) (vfs.Statfs, error) {
	if err := f.live(); err != nil {
		return vfs.Statfs{}, err
	}
	return f.sb.Statfs(ctx)
}

func (f *FileSystem) record(op string, start time.Time, err error) {
	f.mu.Lock()
	switch op {
	case "getattr":
		f.stats.Getattrs++
	case "statfs":
		f.stats.Statfs++
	case "lookup":
		f.stats.Lookups++
	case "readdir":
		f.stats.Readdirs++
	}
	if err != nil {
		f.stats.Errors++
	}
	f.mu.Unlock()

	if err != nil {
		f.logger.Debug("fuse operation failed", utils.Fields{"op": op, "error": err})
	}
	if f.recorder != nil {
		f.recorder.RecordOperation("fuse_"+op, time.Since(start), err)
	}
}

// GetStats returns current operation counts.
func (f *FileSystem) GetStats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}
