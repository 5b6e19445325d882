package babyfs

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/internal/slab"
	"github.com/babyfs/babyfs/internal/vfs"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

const (
	// FSName is the name babyfs registers under.
	FSName = "babyfs"
	// InodeCacheName names the inode pool in logs and metrics.
	InodeCacheName = "babyfs_inode_cache"
)

// State is the module lifecycle state.
type State int

const (
	StateNotLoaded State = iota
	StatePoolReady
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNotLoaded:
		return "NOT_LOADED"
	case StatePoolReady:
		return "POOL_READY"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Module is the babyfs registration with one vfs.Host: the inode pool and
// the filesystem type.
type Module struct {
	host     *vfs.Host
	pool     slab.Config
	provider InodeProvider
	logger   *utils.StructuredLogger
	poolObs  slab.Observer

	mu     sync.Mutex
	state  State
	cache  *slab.Cache[InodeInfo]
	fs     *Filesystem
	fsType *vfs.FileSystemType
}

// Option configures a Module.
type Option func(*Module)

// WithPoolConfig sizes the inode pool.
func WithPoolConfig(cfg slab.Config) Option {
	return func(m *Module) { m.pool = cfg }
}

// WithInodeProvider replaces the inode table provider.
func WithInodeProvider(p InodeProvider) Option {
	return func(m *Module) { m.provider = p }
}

// WithLogger sets the module logger.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(m *Module) { m.logger = l }
}

// WithPoolObserver reports inode pool events to o.
func WithPoolObserver(o slab.Observer) Option {
	return func(m *Module) { m.poolObs = o }
}

// NewModule returns an unloaded module for host.
func NewModule(host *vfs.Host, opts ...Option) *Module {
	m := &Module{
		host:     host,
		provider: TableInodeProvider{},
		logger:   utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("babyfs")
	return m
}

// State returns the lifecycle state.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FSType returns the registered filesystem type, or nil before Init.
func (m *Module) FSType() *vfs.FileSystemType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsType
}

// PoolStats returns inode pool counters. It is zero before Init.
func (m *Module) PoolStats() slab.Stats {
	m.mu.Lock()
	cache := m.cache
	m.mu.Unlock()
	if cache == nil {
		return slab.Stats{Name: InodeCacheName}
	}
	return cache.Stats()
}

// Init creates the inode pool and registers babyfs with the host. If
// registration fails the pool is destroyed again.
func (m *Module) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateNotLoaded {
		return errors.Newf(errors.ErrCodeInvalidState, "init in state %s", m.state).
			WithComponent("babyfs").WithOperation("init")
	}
	m.logger.Info("init babyfs")

	opts := []slab.Option[InodeInfo]{
		slab.WithDomain[InodeInfo](m.host.Domain()),
		slab.WithLogger[InodeInfo](m.logger),
	}
	if m.poolObs != nil {
		opts = append(opts, slab.WithObserver[InodeInfo](m.poolObs))
	}
	cache, err := slab.NewCache(InodeCacheName, m.pool, initOnce, opts...)
	if err != nil {
		m.logger.Error("cannot create inode cache", utils.Fields{"error": err})
		return err
	}
	m.cache = cache
	m.fs = NewFilesystem(cache, m.provider, m.logger)
	m.state = StatePoolReady

	fs := m.fs
	fsType := &vfs.FileSystemType{
		Name:        FSName,
		RequiresDev: true,
		Mount: func(ctx context.Context, req *vfs.MountRequest) (*vfs.Dentry, error) {
			return vfs.MountBdev(ctx, req, fs.FillSuper)
		},
		KillSB: vfs.KillBlockSuper,
	}
	if err := m.host.RegisterFilesystem(fsType); err != nil {
		m.logger.Error("cannot register filesystem", utils.Fields{"error": err})
		if derr := cache.Destroy(); derr != nil {
			m.logger.Warn("inode cache teardown", utils.Fields{"error": derr})
		}
		m.cache, m.fs = nil, nil
		m.state = StateNotLoaded
		return err
	}
	m.fsType = fsType
	m.state = StateActive
	return nil
}

// Exit unregisters babyfs and destroys the inode pool once every deferred
// inode free has run. It fails, leaving the module active, while babyfs
// instances are still mounted. Exit on an unloaded module is a no-op.
func (m *Module) Exit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateNotLoaded:
		return nil
	case StateActive:
	default:
		return errors.Newf(errors.ErrCodeInvalidState, "exit in state %s", m.state).
			WithComponent("babyfs").WithOperation("exit")
	}
	m.logger.Info("unloading babyfs")

	if err := m.host.UnregisterFilesystem(m.fsType); err != nil {
		return err
	}
	m.fsType = nil
	m.state = StatePoolReady

	var result *multierror.Error
	if err := m.cache.Destroy(); err != nil {
		m.logger.Warn("inode cache destroyed with live inodes", utils.Fields{"error": err})
		result = multierror.Append(result, err)
	}
	m.cache, m.fs = nil, nil
	m.state = StateNotLoaded
	return result.ErrorOrNil()
}

func (m *Module) requireActive(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return errors.Newf(errors.ErrCodeInvalidState, "%s in state %s", op, m.state).
			WithComponent("babyfs").WithOperation(op)
	}
	return nil
}

// Mount mounts dev as babyfs. On success the device belongs to the mount.
func (m *Module) Mount(ctx context.Context, dev device.BlockDevice, opts vfs.MountOptions) (*vfs.SuperBlock, error) {
	if err := m.requireActive("mount"); err != nil {
		return nil, err
	}
	return m.host.Mount(ctx, FSName, dev, opts)
}

// Unmount tears down a babyfs instance. Unmounting twice is a no-op.
func (m *Module) Unmount(sb *vfs.SuperBlock) error {
	if err := m.requireActive("unmount"); err != nil {
		return err
	}
	m.host.Unmount(sb)
	return nil
}
