package image

import "errors"

// Container-level and pool-level failure classes. Individual mount attempt
// failures are never surfaced; they only advance the cascade.
var (
	// ErrIdentificationFailed marks a container whose format could not be
	// determined from content or extension.
	ErrIdentificationFailed = errors.New("container format identification failed")

	// ErrBridgeUnavailable marks a container for which no usable device
	// bridge mechanism exists on this host.
	ErrBridgeUnavailable = errors.New("no usable device bridge mechanism")

	// ErrMountExhausted marks a container whose every filesystem/mechanism
	// combination failed.
	ErrMountExhausted = errors.New("mount cascade exhausted")

	// ErrPartitionAmbiguous marks overlapping or conflicting partition
	// bindings.
	ErrPartitionAmbiguous = errors.New("ambiguous partition binding")

	// ErrUnmountFailed marks a teardown that could not complete even with
	// forced and lazy fallbacks.
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrPoolExhausted marks a mount point pool that could not be extended.
	ErrPoolExhausted = errors.New("mount point pool exhausted")
)
