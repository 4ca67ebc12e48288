package misc

const (
	// CurrentEnvelopeVersion is written into the metadata of every envelope
	// produced by the current encrypt path.
	CurrentEnvelopeVersion = "2.0.0"

	// LegacyEnvelopeVersion is the pre-upgrade wire format. It is read-only:
	// the engine never produces new 1.x envelopes.
	LegacyEnvelopeVersion = "1.0.0"

	// ArgonTime KEK derivation parameters (Argon2id)
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// PBKDF2Iterations is the production iteration count for password-derived
	// backup keys. Test profiles may lower it through Options, never here.
	PBKDF2Iterations = 210_000

	// KEKSaltSize is the random salt length for KEK derivation.
	KEKSaltSize = 32

	// BackupSaltSize is the random salt length for password backups.
	BackupSaltSize = 16

	// CompressionThreshold is the serialized size above which the run-length
	// transform is applied when compression is enabled.
	CompressionThreshold = 1000

	// MinCompressRun is the shortest repeated run worth encoding. Shorter runs
	// are copied literally, which keeps worst-case expansion bounded.
	MinCompressRun = 4

	FilePermissions = 0600 // user read + write
)
