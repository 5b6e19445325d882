package babyfs

import (
	"context"
	"time"

	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/pkg/errors"
)

// DefaultInodes is the inode table size Format uses when none is given.
const DefaultInodes = 128

// FormatOptions tunes Format.
type FormatOptions struct {
	// Inodes is the number of usable inode numbers, starting at RootIno.
	Inodes uint32
	// Now stamps the root inode. Zero means time.Now.
	Now time.Time
}

// Format writes an empty babyfs onto dev: a superblock in block 0, the
// inode table from block 1, and a root directory owning the first data
// block.
func Format(ctx context.Context, dev device.BlockDevice, opts FormatOptions) (OnDiskSuperblock, error) {
	if opts.Inodes == 0 {
		opts.Inodes = DefaultInodes
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	if err := dev.SetBlockSize(BlockSize); err != nil {
		return OnDiskSuperblock{}, err
	}

	const tableStart = SuperBlockIndex + 1
	tableBlocks := (int64(opts.Inodes) + 1 + InodesPerBlock - 1) / InodesPerBlock
	dataStart := tableStart + tableBlocks
	total := dev.NumBlocks()
	if total < dataStart+1 {
		return OnDiskSuperblock{}, errors.Newf(errors.ErrCodeBlockOutOfRange,
			"device has %d blocks, need at least %d for %d inodes", total, dataStart+1, opts.Inodes).
			WithComponent("babyfs").WithOperation("format")
	}

	raw := OnDiskSuperblock{
		Magic:           Magic,
		NrDstoreBlocks:  uint32(total - dataStart),
		NrFreeBlocks:    uint32(total - dataStart - 1),
		NrInodes:        opts.Inodes,
		InodeTableBlock: tableStart,
	}

	block := make([]byte, BlockSize)
	raw.Encode(block)
	if err := dev.WriteBlock(ctx, SuperBlockIndex, block); err != nil {
		return OnDiskSuperblock{}, err
	}

	stamp := unixTime(opts.Now)
	root := OnDiskInode{
		Mode:  modeDir | 0755,
		Nlink: 2,
		Size:  BlockSize,
		Atime: stamp,
		Mtime: stamp,
		Ctime: stamp,
	}
	root.Blocks[0] = uint32(dataStart)

	for i := int64(0); i < tableBlocks; i++ {
		clear(block)
		if i == 0 {
			root.Encode(block[RootIno*InodeSize : (RootIno+1)*InodeSize])
		}
		if err := dev.WriteBlock(ctx, tableStart+i, block); err != nil {
			return OnDiskSuperblock{}, err
		}
	}

	clear(block)
	if err := dev.WriteBlock(ctx, dataStart, block); err != nil {
		return OnDiskSuperblock{}, err
	}
	if err := dev.Sync(ctx); err != nil {
		return OnDiskSuperblock{}, err
	}
	return raw, nil
}
