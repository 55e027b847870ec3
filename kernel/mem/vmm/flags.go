package vmm

// ProtFlags is the tri-bit protection-flag set callers pass to
// Pageset.Map: user accessibility, read-only-ness and executability.
// Intermediate (non-leaf) table entries always get FlagUser|FlagRW
// regardless of what the caller asks for; only the leaf entry reflects
// these flags.
type ProtFlags uint8

const (
	// ProtUser marks the mapping accessible from user mode. Mappings
	// without this flag are kernel-only.
	ProtUser ProtFlags = 1 << iota

	// ProtReadOnly marks the mapping read-only. Without it the mapping
	// is writable.
	ProtReadOnly

	// ProtExec allows instruction fetches through the mapping. Without
	// it the leaf entry is marked FlagNoExecute.
	ProtExec
)
