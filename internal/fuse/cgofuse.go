//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// CgoFuseFS serves a FileSystem through cgofuse for macOS and Windows.
type CgoFuseFS struct {
	fuse.FileSystemBase

	filesystem *FileSystem
	config     *Config
	logger     *utils.StructuredLogger

	mu      sync.RWMutex
	host    *fuse.FileSystemHost
	mounted bool
	ready   chan struct{}
	done    chan struct{}
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(filesystem *FileSystem) *CgoFuseFS {
	return &CgoFuseFS{
		filesystem: filesystem,
		config:     filesystem.config,
		logger:     filesystem.logger,
	}
}

// NewPlatformMountManager returns the cgofuse mount manager.
func NewPlatformMountManager(filesystem *FileSystem) PlatformFileSystem {
	return NewCgoFuseFS(filesystem)
}

// Mount mounts the filesystem and waits for the host to call Init.
func (c *CgoFuseFS) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyMounted, "filesystem already mounted").
			WithComponent("fuse").WithOperation("mount")
	}
	c.host = fuse.NewFileSystemHost(c)
	c.ready = make(chan struct{})
	c.done = make(chan struct{})
	host, ready, done := c.host, c.ready, c.done
	c.mu.Unlock()

	options := c.mountOptions()
	failed := make(chan struct{})
	go func() {
		defer close(done)
		if !host.Mount(c.config.MountPoint, options) {
			close(failed)
		}
	}()

	select {
	case <-ready:
	case <-failed:
		return errors.NewError(errors.ErrCodeMountFailed, "cgofuse mount failed").
			WithComponent("fuse").WithOperation("mount").WithContext("mount_point", c.config.MountPoint)
	case <-ctx.Done():
		host.Unmount()
		return ctx.Err()
	}

	c.mu.Lock()
	c.mounted = true
	c.mu.Unlock()
	c.logger.Info("fuse mounted", utils.Fields{"mount_point": c.config.MountPoint, "host": "cgofuse"})
	return nil
}

func (c *CgoFuseFS) mountOptions() []string {
	fsName := c.config.FSName
	if fsName == "" {
		fsName = "babyfs"
	}
	options := []string{"-o", "fsname=" + fsName}
	if c.config.Subtype != "" {
		options = append(options, "-o", "subtype="+c.config.Subtype)
	}
	if c.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if c.config.ReadOnly || c.filesystem.sb.ReadOnly() {
		options = append(options, "-o", "ro")
	}
	if c.config.AttrTimeout > 0 {
		options = append(options, "-o", fmt.Sprintf("attr_timeout=%g", c.config.AttrTimeout.Seconds()))
	}
	if c.config.Debug {
		options = append(options, "-d")
	}
	return options
}

// Unmount unmounts the filesystem
func (c *CgoFuseFS) Unmount() error {
	c.mu.Lock()
	if !c.mounted || c.host == nil {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem not mounted").
			WithComponent("fuse").WithOperation("unmount")
	}
	host, done := c.host, c.done
	c.mu.Unlock()

	if !host.Unmount() {
		return errors.NewError(errors.ErrCodeIOError, "unmount failed").
			WithComponent("fuse").WithOperation("unmount").WithContext("mount_point", c.config.MountPoint)
	}
	<-done

	c.mu.Lock()
	c.mounted = false
	c.host = nil
	c.mu.Unlock()
	c.logger.Info("fuse unmounted", utils.Fields{"mount_point": c.config.MountPoint})
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (c *CgoFuseFS) IsMounted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mounted
}

// GetStats returns filesystem statistics
func (c *CgoFuseFS) GetStats() Stats {
	return c.filesystem.GetStats()
}

// Init is called by the host once the mount is live.
func (c *CgoFuseFS) Init() {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()
	if ready != nil {
		close(ready)
	}
}

// Getattr reports the root inode's attributes.
func (c *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	start := time.Now()
	if path != "/" {
		c.filesystem.record("lookup", start, nil)
		return -fuse.ENOENT
	}
	attr, err := c.filesystem.RootAttr()
	c.filesystem.record("getattr", start, err)
	if err != nil {
		return toErrc(err)
	}
	stat.Ino = attr.Ino
	stat.Mode = attr.Mode
	stat.Nlink = attr.Nlink
	stat.Uid = attr.UID
	stat.Gid = attr.GID
	stat.Size = int64(attr.Size)
	stat.Blocks = int64(attr.Blocks)
	stat.Blksize = int64(attr.BlockSize)
	stat.Atim = fuse.NewTimespec(attr.Atime)
	stat.Mtim = fuse.NewTimespec(attr.Mtime)
	stat.Ctim = fuse.NewTimespec(attr.Ctime)
	return 0
}

// Statfs reports the babyfs superblock counts.
func (c *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	start := time.Now()
	st, err := c.filesystem.Statfs(context.Background())
	c.filesystem.record("statfs", start, err)
	if err != nil {
		return toErrc(err)
	}
	stat.Bsize = uint64(st.BlockSize)
	stat.Frsize = uint64(st.BlockSize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.BFree
	stat.Bavail = st.BAvail
	stat.Files = st.Files
	stat.Ffree = st.FFree
	stat.Favail = st.FFree
	stat.Namemax = uint64(st.NameLen)
	return 0
}

// Opendir accepts only the root.
func (c *CgoFuseFS) Opendir(path string) (int, uint64) {
	if path != "/" {
		return -fuse.ENOENT, ^uint64(0)
	}
	if err := c.filesystem.live(); err != nil {
		return toErrc(err), ^uint64(0)
	}
	return 0, 0
}

// Readdir lists "." and "..".
func (c *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	start := time.Now()
	if path != "/" {
		return -fuse.ENOENT
	}
	err := c.filesystem.live()
	c.filesystem.record("readdir", start, err)
	if err != nil {
		return toErrc(err)
	}
	fill(".", nil, 0)
	fill("..", nil, 0)
	return 0
}

func toErrc(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInodeNotFound:
		return -fuse.ENOENT
	case errors.ErrCodeDeviceReadOnly:
		return -fuse.EROFS
	case errors.ErrCodeInvalidState, errors.ErrCodeComponentStopped:
		return -fuse.ENODEV
	default:
		return -fuse.EIO
	}
}
