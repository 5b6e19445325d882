//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/babyfs/babyfs/pkg/errors"
)

// rootNode is the go-fuse node for the babyfs root directory.
type rootNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeGetattrer = (*rootNode)(nil)
	_ fs.NodeStatfser  = (*rootNode)(nil)
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeReaddirer = (*rootNode)(nil)
)

// Root returns the root node to hand to fs.Mount.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &rootNode{fsys: f}
}

// Getattr reports the root inode's attributes.
func (n *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	start := time.Now()
	attr, err := n.fsys.RootAttr()
	n.fsys.record("getattr", start, err)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	out.SetTimeout(n.fsys.config.AttrTimeout)
	return 0
}

// Statfs reports the babyfs superblock counts.
func (n *rootNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	start := time.Now()
	st, err := n.fsys.Statfs(ctx)
	n.fsys.record("statfs", start, err)
	if err != nil {
		return toErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.BFree
	out.Bavail = st.BAvail
	out.Files = st.Files
	out.Ffree = st.FFree
	out.Bsize = uint32(st.BlockSize)
	out.Frsize = uint32(st.BlockSize)
	out.NameLen = uint32(st.NameLen)
	return 0
}

// Lookup fails for every name: babyfs has no directory entries.
func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	err := n.fsys.live()
	n.fsys.record("lookup", start, err)
	if err != nil {
		return nil, toErrno(err)
	}
	return nil, syscall.ENOENT
}

// Readdir returns an empty listing.
func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	start := time.Now()
	err := n.fsys.live()
	n.fsys.record("readdir", start, err)
	if err != nil {
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(nil), 0
}

func fillAttr(out *fuse.Attr, attr Attr) {
	out.Ino = attr.Ino
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink
	out.Uid = attr.UID
	out.Gid = attr.GID
	out.Size = attr.Size
	out.Blocks = attr.Blocks
	out.Blksize = attr.BlockSize
	out.SetTimes(&attr.Atime, &attr.Mtime, &attr.Ctime)
}

func toErrno(err error) syscall.Errno {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInodeNotFound:
		return syscall.ENOENT
	case errors.ErrCodeDeviceReadOnly:
		return syscall.EROFS
	case errors.ErrCodeInvalidState, errors.ErrCodeComponentStopped:
		return syscall.ENODEV
	default:
		return syscall.EIO
	}
}
