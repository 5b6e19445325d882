/*
Package vfs is the host side of a mounted filesystem: a registry of
filesystem types, superblocks, a per-superblock inode cache and the
generic helpers block-backed filesystems build their mount and unmount
paths from.

A filesystem registers a FileSystemType with a Host. Host.Mount looks the
type up, reserves the device and calls the type's Mount function, which
for block filesystems is usually a thin wrapper around MountBdev with a
fill function that reads the on-disk superblock and produces the root
Dentry. Host.Unmount calls the type's KillSB, normally KillBlockSuper.

Inode lookups run inside a read-side critical section of the host's
slab.Domain, so an inode removed from the cache stays valid for readers
that found it before removal. Filesystems that pool their inodes should
share that domain with their slab.Cache.
*/
package vfs
