package vfs

// NameMax is the longest file name SimpleStatfs reports.
const NameMax = 255

// Statfs mirrors statfs(2).
type Statfs struct {
	Type      uint32 `json:"type"`
	BlockSize int64  `json:"block_size"`
	Blocks    uint64 `json:"blocks"`
	BFree     uint64 `json:"bfree"`
	BAvail    uint64 `json:"bavail"`
	Files     uint64 `json:"files"`
	FFree     uint64 `json:"ffree"`
	NameLen   int    `json:"namelen"`
	FSID      string `json:"fsid"`
}

// SimpleStatfs fills the fields every filesystem can answer from the
// superblock alone; block and file counts are left zero.
func SimpleStatfs(sb *SuperBlock) Statfs {
	return Statfs{
		Type:      sb.Magic,
		BlockSize: int64(sb.BlockSize),
		NameLen:   NameMax,
		FSID:      sb.ID.String(),
	}
}
