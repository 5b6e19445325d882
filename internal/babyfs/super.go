package babyfs

import (
	"context"
	"sync"

	"github.com/babyfs/babyfs/internal/buffer"
	"github.com/babyfs/babyfs/internal/slab"
	"github.com/babyfs/babyfs/internal/vfs"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// SuperblockInfo is the per-mount babyfs state kept in sb.FSInfo.
type SuperblockInfo struct {
	mu       sync.Mutex
	bh       *buffer.Buffer
	released bool

	// Raw is the superblock as last read or synced.
	Raw OnDiskSuperblock
	// NrDstoreBlocks is this instance's data store size.
	NrDstoreBlocks uint32
}

// Info returns the babyfs state of sb, or nil.
func Info(sb *vfs.SuperBlock) *SuperblockInfo {
	if sb == nil {
		return nil
	}
	info, _ := sb.FSInfo.(*SuperblockInfo)
	return info
}

// release drops the pinned superblock buffer. Only the first call has an
// effect.
func (si *SuperblockInfo) release() {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.released {
		return
	}
	si.released = true
	si.bh.Release()
	si.bh = nil
}

// Released reports whether the superblock buffer has been released.
func (si *SuperblockInfo) Released() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.released
}

// Filesystem implements vfs.SuperOperations for babyfs superblocks.
type Filesystem struct {
	cache    *slab.Cache[InodeInfo]
	provider InodeProvider
	logger   *utils.StructuredLogger
}

var _ vfs.SuperOperations = (*Filesystem)(nil)

// NewFilesystem binds an inode pool and an inode provider.
func NewFilesystem(cache *slab.Cache[InodeInfo], provider InodeProvider, logger *utils.StructuredLogger) *Filesystem {
	if provider == nil {
		provider = TableInodeProvider{}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Filesystem{cache: cache, provider: provider, logger: logger.WithComponent("babyfs")}
}

// FillSuper reads the superblock of sb's device, loads the root inode and
// sets sb.Root. On failure everything it acquired is released.
func (fs *Filesystem) FillSuper(ctx context.Context, sb *vfs.SuperBlock) error {
	log := sb.Logger().WithComponent("babyfs")

	if err := sb.SetBlockSize(BlockSize); err != nil {
		log.Error("cannot set block size", utils.Fields{"block_size": BlockSize, "error": err})
		return errors.Newf(errors.ErrCodeIOError, "device cannot use %d-byte blocks", BlockSize).
			WithComponent("babyfs").WithOperation("fill_super").WithCause(err)
	}

	bh, err := sb.Buffers.Read(ctx, SuperBlockIndex)
	if err != nil {
		log.Error("cannot read superblock", utils.Fields{"error": err})
		return errors.NewError(errors.ErrCodeIOError, "cannot read superblock").
			WithComponent("babyfs").WithOperation("fill_super").WithCause(err)
	}

	raw, err := DecodeSuperblock(bh.Data())
	if err == nil && !sb.Options.SkipValidation {
		err = raw.Validate()
	}
	if err != nil {
		bh.Release()
		log.Error("superblock rejected", utils.Fields{"error": err})
		return err
	}

	info := &SuperblockInfo{bh: bh, Raw: raw, NrDstoreBlocks: raw.NrDstoreBlocks}
	sb.Magic = raw.Magic
	sb.Ops = fs
	sb.FSInfo = info

	root, err := fs.provider.Get(ctx, sb, RootIno)
	if err != nil {
		info.release()
		sb.FSInfo = nil
		log.Error("cannot load root inode", utils.Fields{"error": err})
		return err
	}

	sb.Root = vfs.MakeRoot(root)
	if sb.Root == nil {
		sb.Iput(root)
		info.release()
		sb.FSInfo = nil
		log.Error("cannot create root dentry")
		return errors.NewError(errors.ErrCodeOutOfMemory, "cannot create root dentry").
			WithComponent("babyfs").WithOperation("fill_super")
	}

	log.Debug("superblock loaded", utils.Fields{
		"blocks":      raw.NrDstoreBlocks,
		"free_blocks": raw.NrFreeBlocks,
		"inodes":      raw.NrInodes,
	})
	return nil
}

// AllocInode takes an inode from the pool.
func (fs *Filesystem) AllocInode(*vfs.SuperBlock) (*vfs.Inode, error) {
	bi, err := fs.cache.Alloc()
	if err != nil {
		return nil, err
	}
	bi.Blocks = [NrDirectBlocks]uint32{}
	return &bi.Inode, nil
}

// DestroyInode hands the inode back to the pool. The slot is reused only
// after concurrent lookups that may still see it are done.
func (fs *Filesystem) DestroyInode(inode *vfs.Inode) {
	bi := BabyI(inode)
	if bi == nil {
		fs.logger.Error("destroy of foreign inode", utils.Fields{"ino": inode.Ino})
		return
	}
	fs.cache.Free(bi)
}

// WriteInode persists inode through the provider.
func (fs *Filesystem) WriteInode(ctx context.Context, inode *vfs.Inode) error {
	if inode.SB != nil && inode.SB.ReadOnly() {
		return errors.NewError(errors.ErrCodeDeviceReadOnly, "filesystem mounted read-only").
			WithComponent("babyfs").WithOperation("write_inode")
	}
	return fs.provider.WriteBack(ctx, inode)
}

// PutSuper releases the superblock buffer. It is a no-op on a superblock
// that has already been put.
func (fs *Filesystem) PutSuper(sb *vfs.SuperBlock) {
	info := Info(sb)
	if info == nil {
		return
	}
	info.release()
	sb.FSInfo = nil
	sb.Logger().WithComponent("babyfs").Debug("superblock released")
}

// Statfs reports block and inode counts from the superblock.
func (fs *Filesystem) Statfs(_ context.Context, sb *vfs.SuperBlock) (vfs.Statfs, error) {
	st := vfs.SimpleStatfs(sb)
	info := Info(sb)
	if info == nil {
		return st, nil
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	total := uint64(info.NrDstoreBlocks)
	free := uint64(info.Raw.NrFreeBlocks)
	if free > total {
		free = total
	}
	st.Blocks = total
	st.BFree = free
	st.BAvail = free
	st.Files = uint64(info.Raw.NrInodes)
	st.NameLen = MaxNameLen
	return st, nil
}

// SyncFS writes the in-memory superblock back to its block.
func (fs *Filesystem) SyncFS(ctx context.Context, sb *vfs.SuperBlock) error {
	info := Info(sb)
	if info == nil || sb.ReadOnly() {
		return nil
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if info.released {
		return nil
	}
	info.Raw.Encode(info.bh.Data())
	info.bh.MarkDirty()
	return info.bh.Sync(ctx)
}
