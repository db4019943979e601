// Package kerrno defines the kernel's typed error taxonomy. Every failure
// path in wos returns one of these sentinels (wrapped with call-site
// context via github.com/pkg/errors where that context is useful) instead
// of panicking; see spec.md §7.
package kerrno

import "errors"

var (
	// ENOMEM is returned on physical/virtual allocation failure.
	ENOMEM = errors.New("enomem: out of memory")
	// EAGAIN is returned when an operation would block (empty/full ring,
	// no free AHCI command slot).
	EAGAIN = errors.New("eagain: resource temporarily unavailable")
	// ENOTTY is returned for an ioctl issued against a non-matching device.
	ENOTTY = errors.New("enotty: not a typewriter")
	// ENOENT is returned when a path, mount, or device name is not found.
	ENOENT = errors.New("enoent: no such file or directory")
	// EMFILE is returned when a task's FD table is full.
	EMFILE = errors.New("emfile: too many open files")
	// ENODEV is returned when a device is not present (AHCI probe, block
	// lookup).
	ENODEV = errors.New("enodev: no such device")
	// EIO is returned for device errors (AHCI TFES, spin timeout).
	EIO = errors.New("eio: input/output error")
	// ENOSYS is returned when a FileOperations/CharDeviceOps slot is unset.
	ENOSYS = errors.New("enosys: operation not supported")
	// EINVAL is returned for malformed arguments.
	EINVAL = errors.New("einval: invalid argument")
	// ESRCH is returned when a referenced task/pid/pgid does not exist.
	ESRCH = errors.New("esrch: no such process")
	// EBADF is returned for an invalid file descriptor.
	EBADF = errors.New("ebadf: bad file descriptor")
	// ENOSPC is returned when a filesystem has no free clusters/blocks left.
	ENOSPC = errors.New("enospc: no space left on device")
	// ETIMEOUT is returned when a bounded wait (ARP resolution)
	// expires without the expected completion.
	ETIMEOUT = errors.New("etimedout: connection timed out")
)
