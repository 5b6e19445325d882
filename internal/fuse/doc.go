/*
Package fuse exposes a mounted babyfs instance through FUSE.

Two hosts are supported through build constraints:

Default build: github.com/hanwen/go-fuse/v2, for Linux and macOS.

	go build ./cmd/babyfs

cgofuse build: github.com/winfsp/cgofuse, for macOS (macFUSE) and
Windows (WinFsp).

	go build -tags cgofuse ./cmd/babyfs

Both serve the same surface: the root directory's attributes, taken from
the root inode, and statfs, taken from the babyfs superblock. babyfs has
no directory format, so the root lists only "." and "..".

Usage:

	sb, _ := module.Mount(ctx, dev, vfs.MountOptions{})
	fsys, _ := fuse.NewFileSystem(sb, &fuse.Config{MountPoint: "/mnt/baby"})
	mgr := fuse.NewPlatformMountManager(fsys)
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()

Unmounting the FUSE side does not unmount the babyfs instance; the caller
still owns sb.
*/
package fuse
