package mem

// ProtectionLevel reports how much of the process memory the engine was able
// to pin against swapping.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // no memory protection available
	ProtectionPartial                        // some protection measures applied
	ProtectionFull                           // full memory protection (locked memory)
)

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to prevent sensitive pages from being swapped to disk.
// Failure to lock is not fatal to the caller, which still has enclave-level
// protection for key material.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied.
func Unlock() error {
	return unlockMemoryPlatform()
}
