/*
Package config loads babyfs configuration from YAML files and BABYFS_*
environment variables.

Precedence, highest first: environment, file, compiled-in defaults
(NewDefault). A typical file:

	global:
	  log_level: DEBUG
	  log_format: json
	device:
	  kind: file
	  path: /var/lib/babyfs/disk.img
	pool:
	  objects_per_slab: 32
	  max_objects: 65536
	mount:
	  mount_point: /mnt/baby
	monitoring:
	  metrics:
	    enabled: true
	    port: 9469

Validate must be called after loading; device, pool and mount code trust
the values it accepts.
*/
package config
