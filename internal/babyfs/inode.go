package babyfs

import (
	"context"

	"github.com/babyfs/babyfs/internal/vfs"
	"github.com/babyfs/babyfs/pkg/errors"
)

// InodeInfo is the pooled babyfs inode: the generic inode plus the block
// map.
type InodeInfo struct {
	vfs.Inode
	Blocks [NrDirectBlocks]uint32
}

// initOnce is the pool constructor. It runs once per slot.
func initOnce(bi *InodeInfo) {
	vfs.InodeInitOnce(&bi.Inode)
	bi.Inode.Private = bi
}

// BabyI returns the InodeInfo embedding inode.
func BabyI(inode *vfs.Inode) *InodeInfo {
	if inode == nil {
		return nil
	}
	bi, _ := inode.Private.(*InodeInfo)
	return bi
}

// InodeProvider reads and writes babyfs inodes. Get returns the inode with
// a reference held; it fails with ErrCodeInodeNotFound or ErrCodeIOError.
type InodeProvider interface {
	Get(ctx context.Context, sb *vfs.SuperBlock, ino uint64) (*vfs.Inode, error)
	WriteBack(ctx context.Context, inode *vfs.Inode) error
}

// TableInodeProvider serves inodes from the fixed-size inode table the
// superblock points at.
type TableInodeProvider struct{}

// Get loads inode ino through the superblock's inode cache.
func (TableInodeProvider) Get(ctx context.Context, sb *vfs.SuperBlock, ino uint64) (*vfs.Inode, error) {
	info := Info(sb)
	if info == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "superblock not filled").
			WithComponent("babyfs").WithOperation("iget")
	}
	if ino == 0 || ino > uint64(info.Raw.NrInodes) {
		return nil, errors.Newf(errors.ErrCodeInodeNotFound, "inode %d out of range", ino).
			WithComponent("babyfs").WithOperation("iget").WithDetail("nr_inodes", info.Raw.NrInodes)
	}

	inode, isNew, err := sb.IgetLocked(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !isNew {
		return inode, nil
	}

	blk, off := inodeLocation(info.Raw, ino)
	bh, err := sb.Buffers.Read(ctx, blk)
	if err != nil {
		sb.IgetFailed(inode)
		return nil, errors.Newf(errors.ErrCodeIOError, "cannot read inode %d", ino).
			WithComponent("babyfs").WithOperation("iget").WithCause(err)
	}
	di := DecodeInode(bh.Data()[off : off+InodeSize])
	bh.Release()

	if di.Mode == 0 {
		sb.IgetFailed(inode)
		return nil, errors.Newf(errors.ErrCodeInodeNotFound, "inode %d is not in use", ino).
			WithComponent("babyfs").WithOperation("iget")
	}

	inode.Mode = di.FileMode()
	inode.UID = di.UID
	inode.GID = di.GID
	inode.Nlink = di.Nlink
	inode.Size = int64(di.Size)
	inode.Atime = fromUnix(di.Atime)
	inode.Mtime = fromUnix(di.Mtime)
	inode.Ctime = fromUnix(di.Ctime)
	BabyI(inode).Blocks = di.Blocks

	sb.UnlockNewInode(inode)
	return inode, nil
}

// WriteBack stores inode's fields in its inode table record and flushes
// the block.
func (TableInodeProvider) WriteBack(ctx context.Context, inode *vfs.Inode) error {
	sb := inode.SB
	info := Info(sb)
	if info == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "superblock not filled").
			WithComponent("babyfs").WithOperation("write_inode")
	}

	blk, off := inodeLocation(info.Raw, inode.Ino)
	bh, err := sb.Buffers.Read(ctx, blk)
	if err != nil {
		return err
	}
	defer bh.Release()

	di := OnDiskInode{
		Mode:   diskMode(inode.Mode),
		UID:    inode.UID,
		GID:    inode.GID,
		Nlink:  inode.Nlink,
		Size:   uint64(inode.Size),
		Atime:  unixTime(inode.Atime),
		Mtime:  unixTime(inode.Mtime),
		Ctime:  unixTime(inode.Ctime),
		Blocks: BabyI(inode).Blocks,
	}
	di.Encode(bh.Data()[off : off+InodeSize])
	bh.MarkDirty()
	return bh.Sync(ctx)
}
