package babyfs

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/babyfs/babyfs/pkg/errors"
)

// Magic identifies a babyfs superblock.
const Magic uint32 = 0xBABE1234

// On-disk constants.
const (
	BlockSize       = 4096
	SuperBlockIndex = 0
	RootIno         = 1
	MaxNameLen      = 255

	InodeSize      = 64
	InodesPerBlock = BlockSize / InodeSize
	NrDirectBlocks = 7

	superblockSize = 20
)

// OnDiskSuperblock is block 0 of a babyfs device. All fields are little
// endian.
type OnDiskSuperblock struct {
	Magic           uint32
	NrDstoreBlocks  uint32
	NrFreeBlocks    uint32
	NrInodes        uint32
	InodeTableBlock uint32
}

// DecodeSuperblock reads the superblock fields from the start of b.
func DecodeSuperblock(b []byte) (OnDiskSuperblock, error) {
	var raw OnDiskSuperblock
	if len(b) < superblockSize {
		return raw, errors.Newf(errors.ErrCodeCorrupt, "superblock buffer is %d bytes", len(b)).
			WithComponent("babyfs").WithOperation("decode_superblock")
	}
	raw.Magic = binary.LittleEndian.Uint32(b[0:4])
	raw.NrDstoreBlocks = binary.LittleEndian.Uint32(b[4:8])
	raw.NrFreeBlocks = binary.LittleEndian.Uint32(b[8:12])
	raw.NrInodes = binary.LittleEndian.Uint32(b[12:16])
	raw.InodeTableBlock = binary.LittleEndian.Uint32(b[16:20])
	return raw, nil
}

// Encode writes the superblock fields to the start of b.
func (s OnDiskSuperblock) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], s.Magic)
	binary.LittleEndian.PutUint32(b[4:8], s.NrDstoreBlocks)
	binary.LittleEndian.PutUint32(b[8:12], s.NrFreeBlocks)
	binary.LittleEndian.PutUint32(b[12:16], s.NrInodes)
	binary.LittleEndian.PutUint32(b[16:20], s.InodeTableBlock)
}

// Validate checks the identification fields.
func (s OnDiskSuperblock) Validate() error {
	if s.Magic != Magic {
		return errors.Newf(errors.ErrCodeCorrupt, "bad magic: wanted %#08x, found %#08x", Magic, s.Magic).
			WithComponent("babyfs").WithOperation("validate_superblock").
			WithDetail("magic", s.Magic)
	}
	if s.NrDstoreBlocks == 0 {
		return errors.NewError(errors.ErrCodeCorrupt, "data store block count is zero").
			WithComponent("babyfs").WithOperation("validate_superblock")
	}
	return nil
}

// Mode bits stored in OnDiskInode.Mode.
const (
	modeTypeMask uint32 = 0xF000
	modeDir      uint32 = 0x4000
	modeRegular  uint32 = 0x8000
	modePermMask uint32 = 0x0FFF
)

// OnDiskInode is one 64-byte inode table record. A zero Mode marks an
// unused record.
type OnDiskInode struct {
	Mode   uint32
	UID    uint32
	GID    uint32
	Nlink  uint32
	Size   uint64
	Atime  uint32
	Mtime  uint32
	Ctime  uint32
	Blocks [NrDirectBlocks]uint32
}

// DecodeInode reads an inode record from b.
func DecodeInode(b []byte) OnDiskInode {
	var di OnDiskInode
	di.Mode = binary.LittleEndian.Uint32(b[0:4])
	di.UID = binary.LittleEndian.Uint32(b[4:8])
	di.GID = binary.LittleEndian.Uint32(b[8:12])
	di.Nlink = binary.LittleEndian.Uint32(b[12:16])
	di.Size = binary.LittleEndian.Uint64(b[16:24])
	di.Atime = binary.LittleEndian.Uint32(b[24:28])
	di.Mtime = binary.LittleEndian.Uint32(b[28:32])
	di.Ctime = binary.LittleEndian.Uint32(b[32:36])
	for i := range di.Blocks {
		off := 36 + 4*i
		di.Blocks[i] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	return di
}

// Encode writes the record to b.
func (di OnDiskInode) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], di.Mode)
	binary.LittleEndian.PutUint32(b[4:8], di.UID)
	binary.LittleEndian.PutUint32(b[8:12], di.GID)
	binary.LittleEndian.PutUint32(b[12:16], di.Nlink)
	binary.LittleEndian.PutUint64(b[16:24], di.Size)
	binary.LittleEndian.PutUint32(b[24:28], di.Atime)
	binary.LittleEndian.PutUint32(b[28:32], di.Mtime)
	binary.LittleEndian.PutUint32(b[32:36], di.Ctime)
	for i, blk := range di.Blocks {
		off := 36 + 4*i
		binary.LittleEndian.PutUint32(b[off:off+4], blk)
	}
}

// FileMode converts the on-disk mode to an os.FileMode.
func (di OnDiskInode) FileMode() os.FileMode {
	m := os.FileMode(di.Mode & modePermMask)
	if di.Mode&modeTypeMask == modeDir {
		m |= os.ModeDir
	}
	return m
}

func diskMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m.IsDir() {
		return mode | modeDir
	}
	return mode | modeRegular
}

func unixTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

func fromUnix(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}

// inodeLocation returns the inode table block and byte offset of ino.
func inodeLocation(raw OnDiskSuperblock, ino uint64) (int64, int) {
	return int64(raw.InodeTableBlock) + int64(ino/InodesPerBlock), int(ino%InodesPerBlock) * InodeSize
}
