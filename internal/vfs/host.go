package vfs

import (
	"context"
	"sync"

	"github.com/babyfs/babyfs/internal/buffer"
	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/internal/slab"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// MountObserver receives mount events. *metrics.Collector implements it.
type MountObserver interface {
	MountSucceeded(fsType string)
	MountFailed(fsType string, err error)
	Unmounted(fsType string)
}

// MountOptions are the per-mount flags handed to a filesystem.
type MountOptions struct {
	ReadOnly bool
	// SkipValidation mounts without checking on-disk identification fields.
	SkipValidation bool
}

// MountRequest carries everything a FileSystemType.Mount needs.
type MountRequest struct {
	Host    *Host
	Type    *FileSystemType
	Dev     device.BlockDevice
	Options MountOptions
}

// FileSystemType describes a filesystem implementation.
type FileSystemType struct {
	Name string
	// RequiresDev marks filesystems that need a block device.
	RequiresDev bool
	Mount       func(ctx context.Context, req *MountRequest) (*Dentry, error)
	KillSB      func(sb *SuperBlock)
}

// Host is the filesystem switch: it knows the registered types and the
// live mounts, and serializes mounts per device.
type Host struct {
	mu     sync.Mutex
	types  map[string]*FileSystemType
	mounts map[string]*SuperBlock // by device name; nil while mounting
	// inflight counts mounts of each type that have not finished filling.
	inflight map[*FileSystemType]int

	domain   *slab.Domain
	logger   *utils.StructuredLogger
	observer MountObserver
	bufObs   buffer.Observer
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host logger.
func WithLogger(l *utils.StructuredLogger) HostOption {
	return func(h *Host) { h.logger = l }
}

// WithMountObserver reports mount events to o.
func WithMountObserver(o MountObserver) HostOption {
	return func(h *Host) { h.observer = o }
}

// WithBufferObserver attaches o to the buffer cache of every superblock.
func WithBufferObserver(o buffer.Observer) HostOption {
	return func(h *Host) { h.bufObs = o }
}

// NewHost returns a host with no registered filesystems.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		types:  make(map[string]*FileSystemType),
		mounts:   make(map[string]*SuperBlock),
		inflight: make(map[*FileSystemType]int),
		domain:   slab.NewDomain(),
		logger:   utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("vfs")
	return h
}

// Domain returns the read-side domain inode lookups run in.
func (h *Host) Domain() *slab.Domain { return h.domain }

// Logger returns the host logger.
func (h *Host) Logger() *utils.StructuredLogger { return h.logger }

// RegisterFilesystem makes fst available to Mount.
func (h *Host) RegisterFilesystem(fst *FileSystemType) error {
	if fst == nil || fst.Name == "" || fst.Mount == nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "filesystem type needs a name and a mount function").
			WithComponent("vfs").WithOperation("register")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.types[fst.Name]; exists {
		return errors.Newf(errors.ErrCodeAlreadyRegistered, "filesystem %q already registered", fst.Name).
			WithComponent("vfs").WithOperation("register")
	}
	h.types[fst.Name] = fst
	h.logger.Info("filesystem registered", utils.Fields{"fstype": fst.Name, "requires_dev": fst.RequiresDev})
	return nil
}

// UnregisterFilesystem removes fst. It fails while instances of fst are
// mounted or being mounted.
func (h *Host) UnregisterFilesystem(fst *FileSystemType) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if fst == nil || h.types[fst.Name] != fst {
		name := ""
		if fst != nil {
			name = fst.Name
		}
		return errors.Newf(errors.ErrCodeNotRegistered, "filesystem %q not registered", name).
			WithComponent("vfs").WithOperation("unregister")
	}
	if n := h.inflight[fst]; n > 0 {
		return errors.Newf(errors.ErrCodeInvalidState, "filesystem %q has %d mounts in progress", fst.Name, n).
			WithComponent("vfs").WithOperation("unregister")
	}
	for devName, sb := range h.mounts {
		if sb != nil && sb.Type == fst {
			return errors.Newf(errors.ErrCodeInvalidState, "filesystem %q still mounted on %s", fst.Name, devName).
				WithComponent("vfs").WithOperation("unregister")
		}
	}
	delete(h.types, fst.Name)
	h.logger.Info("filesystem unregistered", utils.Fields{"fstype": fst.Name})
	return nil
}

// Lookup returns the registered type called name.
func (h *Host) Lookup(name string) (*FileSystemType, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fst, ok := h.types[name]
	return fst, ok
}

// Mount mounts dev as filesystem type fsName. The device belongs to the
// mount from here on: it is closed on failure and at unmount.
func (h *Host) Mount(ctx context.Context, fsName string, dev device.BlockDevice, opts MountOptions) (*SuperBlock, error) {
	fst, ok := h.Lookup(fsName)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownFSType, "unknown filesystem type %q", fsName).
			WithComponent("vfs").WithOperation("mount")
	}
	if fst.RequiresDev && dev == nil {
		return nil, errors.Newf(errors.ErrCodeMountFailed, "filesystem %q requires a block device", fsName).
			WithComponent("vfs").WithOperation("mount")
	}

	devName := ""
	if dev != nil {
		devName = dev.Name()
	}

	h.mu.Lock()
	if h.types[fst.Name] != fst {
		h.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeUnknownFSType, "filesystem %q was unregistered", fsName).
			WithComponent("vfs").WithOperation("mount")
	}
	if _, busy := h.mounts[devName]; busy {
		h.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeAlreadyMounted, "%s is already mounted", devName).
			WithComponent("vfs").WithOperation("mount")
	}
	h.mounts[devName] = nil
	h.inflight[fst]++
	h.mu.Unlock()

	root, err := fst.Mount(ctx, &MountRequest{Host: h, Type: fst, Dev: dev, Options: opts})
	if err == nil && (root == nil || root.SB == nil) {
		err = errors.Newf(errors.ErrCodeInternalError, "filesystem %q returned no root", fsName).
			WithComponent("vfs").WithOperation("mount")
	}

	h.mu.Lock()
	h.inflight[fst]--
	if h.inflight[fst] == 0 {
		delete(h.inflight, fst)
	}
	if err != nil {
		delete(h.mounts, devName)
		h.mu.Unlock()
		h.logger.Error("mount failed", utils.Fields{"fstype": fsName, "device": devName, "error": err})
		if h.observer != nil {
			h.observer.MountFailed(fsName, err)
		}
		return nil, err
	}
	sb := root.SB
	h.mounts[devName] = sb
	h.mu.Unlock()

	sb.logger.Info("mounted", utils.Fields{"device": devName, "read_only": opts.ReadOnly})
	if h.observer != nil {
		h.observer.MountSucceeded(fsName)
	}
	return sb, nil
}

// Unmount tears sb down. Unmounting an instance that is no longer mounted
// is a no-op.
func (h *Host) Unmount(sb *SuperBlock) {
	if sb == nil {
		return
	}
	devName := sb.devName()

	h.mu.Lock()
	if h.mounts[devName] != sb {
		h.mu.Unlock()
		return
	}
	delete(h.mounts, devName)
	h.mu.Unlock()

	if sb.Type.KillSB != nil {
		sb.Type.KillSB(sb)
	} else {
		KillBlockSuper(sb)
	}

	sb.logger.Info("unmounted", utils.Fields{"device": devName})
	if h.observer != nil {
		h.observer.Unmounted(sb.Type.Name)
	}
}

// Mounts returns the live superblocks.
func (h *Host) Mounts() []*SuperBlock {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*SuperBlock, 0, len(h.mounts))
	for _, sb := range h.mounts {
		if sb != nil {
			out = append(out, sb)
		}
	}
	return out
}
