//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

// Platforms without mlockall (including Windows) still get partial protection
// through enclave storage and explicit wiping; swapping cannot be prevented.

func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
