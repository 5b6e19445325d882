//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *Config
	logger     *utils.StructuredLogger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem) *MountManager {
	return &MountManager{
		filesystem: filesystem,
		config:     filesystem.config,
		logger:     filesystem.logger,
	}
}

// NewPlatformMountManager returns the go-fuse mount manager.
func NewPlatformMountManager(filesystem *FileSystem) PlatformFileSystem {
	return NewMountManager(filesystem)
}

// Mount mounts the filesystem at the configured mount point and serves it
// in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return errors.NewError(errors.ErrCodeAlreadyMounted, "filesystem is already mounted").
			WithComponent("fuse").WithOperation("mount").WithContext("mount_point", m.config.MountPoint)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.NewError(errors.ErrCodeMountFailed, "failed to mount filesystem").
			WithComponent("fuse").WithOperation("mount").
			WithContext("mount_point", m.config.MountPoint).WithCause(err)
	}

	m.server = server
	m.mounted = true
	m.done = make(chan struct{})
	m.logger.Info("fuse mounted", utils.Fields{"mount_point": m.config.MountPoint})

	go func(server *fuse.Server, done chan struct{}) {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
			m.server = nil
		}
		m.mu.Unlock()
		close(done)
		m.logger.Debug("fuse server stopped", utils.Fields{"mount_point": m.config.MountPoint})
	}(server, m.done)

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server := m.server
	if !m.mounted || server == nil {
		m.mu.Unlock()
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem is not mounted").
			WithComponent("fuse").WithOperation("unmount")
	}
	m.mu.Unlock()

	m.logger.Info("unmounting fuse", utils.Fields{"mount_point": m.config.MountPoint})
	if err := server.Unmount(); err != nil {
		return errors.NewError(errors.ErrCodeIOError, "unmount failed").
			WithComponent("fuse").WithOperation("unmount").
			WithContext("mount_point", m.config.MountPoint).WithCause(err)
	}

	m.mu.Lock()
	if m.server == server {
		m.mounted = false
		m.server = nil
	}
	m.mu.Unlock()
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the configured mount point
func (m *MountManager) MountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server stops.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	fail := func(msg string, cause error) error {
		e := errors.NewError(errors.ErrCodeInvalidConfig, msg).
			WithComponent("fuse").WithOperation("validate_mount_point").
			WithContext("mount_point", m.config.MountPoint)
		if cause != nil {
			e.WithCause(cause)
		}
		return e
	}

	if m.config.MountPoint == "" {
		return fail("mount point cannot be empty", nil)
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fail("mount point does not exist", nil)
		}
		return fail("cannot access mount point", err)
	}
	if !info.IsDir() {
		return fail("mount point is not a directory", nil)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fail("cannot read mount point directory", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty", utils.Fields{"mount_point": m.config.MountPoint})
	}

	if isMounted("/proc/mounts", m.config.MountPoint) {
		return errors.NewError(errors.ErrCodeAlreadyMounted, "mount point is already mounted").
			WithComponent("fuse").WithOperation("validate_mount_point").
			WithContext("mount_point", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	timeout := m.config.AttrTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.Subtype,
			FsName:      m.fsName(),
			DirectMount: true,
			Debug:       m.config.Debug,
			AllowOther:  m.config.AllowOther,
		},
		AttrTimeout:     &timeout,
		EntryTimeout:    &timeout,
		NullPermissions: true,
	}
	if m.config.ReadOnly || m.filesystem.sb.ReadOnly() {
		opts.Options = append(opts.Options, "ro")
	}
	return opts
}

func (m *MountManager) fsName() string {
	if m.config.FSName != "" {
		return m.config.FSName
	}
	if dev := m.filesystem.sb.Dev; dev != nil {
		return dev.Name()
	}
	return "babyfs"
}

// isMounted reports whether mountPoint appears as a mount target in the
// mounts table at path. An unreadable table counts as not mounted.
func isMounted(path, mountPoint string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	want := filepath.Clean(mountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == want {
			return true
		}
	}
	return false
}
