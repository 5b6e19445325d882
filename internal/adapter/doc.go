/*
Package adapter wires a babyfs instance together.

An Adapter owns, for one configuration:

  - the block device (file image, memory, or an S3 object)
  - a vfs.Host with babyfs registered on it
  - the Prometheus collector observing the pool, buffers and mounts
  - an optional FUSE mount of the instance

Start runs the module through Init and Mount, then mounts FUSE when
mount.mount_point is set. Stop reverses this and unloads the module; a
failed Start leaves nothing behind.

Device URIs accepted by ApplyDeviceURI:

	/var/lib/babyfs/disk.img     file image
	file:///var/lib/babyfs/disk.img
	mem://scratch                formatted in-memory device
	s3://bucket/images/disk.img  one S3 object
*/
package adapter
