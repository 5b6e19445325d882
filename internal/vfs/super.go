package vfs

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/babyfs/babyfs/internal/buffer"
	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// SuperOperations is implemented by each filesystem for its superblocks.
type SuperOperations interface {
	// AllocInode returns an inode whose generic part went through
	// InodeInitOnce.
	AllocInode(sb *SuperBlock) (*Inode, error)
	// DestroyInode releases an inode evicted from the cache. Concurrent
	// lookups may still hold it until the host's read-side grace period
	// ends.
	DestroyInode(inode *Inode)
	WriteInode(ctx context.Context, inode *Inode) error
	// PutSuper releases the filesystem's private superblock state. It is
	// called only for superblocks that finished mounting.
	PutSuper(sb *SuperBlock)
	Statfs(ctx context.Context, sb *SuperBlock) (Statfs, error)
	SyncFS(ctx context.Context, sb *SuperBlock) error
}

// SuperBlock is one mounted filesystem instance.
type SuperBlock struct {
	ID      uuid.UUID
	Type    *FileSystemType
	Dev     device.BlockDevice
	Buffers *buffer.Cache
	Host    *Host
	Options MountOptions

	BlockSize int
	Magic     uint32
	// FSInfo is the filesystem's private state.
	FSInfo interface{}
	Ops    SuperOperations
	Root   *Dentry

	inodes *inodeCache
	logger *utils.StructuredLogger

	mu   sync.Mutex
	dead bool
}

// NewSuperBlock creates an unfilled superblock for req.
func NewSuperBlock(req *MountRequest) *SuperBlock {
	h := req.Host
	if h == nil {
		h = NewHost()
	}
	id := uuid.New()
	sb := &SuperBlock{
		ID:      id,
		Type:    req.Type,
		Dev:     req.Dev,
		Host:    h,
		Options: req.Options,
		inodes:  newInodeCache(),
	}

	fields := utils.Fields{"sb": id.String()}
	if req.Type != nil {
		fields["fstype"] = req.Type.Name
	}
	sb.logger = h.logger.WithFields(fields)

	if req.Dev != nil {
		opts := []buffer.Option{buffer.WithLogger(sb.logger)}
		if h.bufObs != nil {
			opts = append(opts, buffer.WithObserver(h.bufObs))
		}
		sb.Buffers = buffer.NewCache(req.Dev, opts...)
		sb.BlockSize = req.Dev.BlockSize()
	}
	return sb
}

// Logger returns a logger tagged with the superblock's id.
func (sb *SuperBlock) Logger() *utils.StructuredLogger { return sb.logger }

// ReadOnly reports whether the instance was mounted read-only.
func (sb *SuperBlock) ReadOnly() bool { return sb.Options.ReadOnly }

// SetBlockSize switches the device to size-byte blocks.
func (sb *SuperBlock) SetBlockSize(size int) error {
	if sb.Dev == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "superblock has no device").
			WithComponent("vfs").WithOperation("set_block_size")
	}
	if err := sb.Dev.SetBlockSize(size); err != nil {
		return err
	}
	sb.BlockSize = size
	return nil
}

// Statfs reports filesystem statistics, using SimpleStatfs when the
// filesystem has no operations.
func (sb *SuperBlock) Statfs(ctx context.Context) (Statfs, error) {
	if sb.Ops == nil {
		return SimpleStatfs(sb), nil
	}
	return sb.Ops.Statfs(ctx, sb)
}

// Sync writes back dirty inodes and then the filesystem's own state.
func (sb *SuperBlock) Sync(ctx context.Context) error {
	if sb.ReadOnly() || sb.Ops == nil {
		return nil
	}
	if err := sb.writeDirtyInodes(ctx); err != nil {
		return err
	}
	return sb.Ops.SyncFS(ctx, sb)
}

// Alive reports whether the superblock has not been killed.
func (sb *SuperBlock) Alive() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return !sb.dead
}

func (sb *SuperBlock) devName() string {
	if sb.Dev == nil {
		return ""
	}
	return sb.Dev.Name()
}
