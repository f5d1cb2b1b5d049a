// Package synth defines the plug-in boundary between the patch catalog and
// the device-specific code that understands a synthesizer's program dumps.
// The catalog engine treats patch payloads and fingerprints as opaque; every
// byte-level decision is delegated to an Adapter.
package synth

// Patch is a decoded program dump. Adapters may return a richer type; the
// engine only ever asks for the raw bytes back.
type Patch interface {
	Data() []byte
}

// Adapter decodes and fingerprints patches for one synthesizer model.
type Adapter interface {
	// Name identifies the synthesizer. It is the value stored in the synth
	// column and must be stable across runs.
	Name() string

	// PatchFromData reconstitutes a patch from its stored payload. A false
	// return marks the payload as undecodable; the catalog skips such rows
	// with a diagnostic instead of failing the query.
	PatchFromData(data []byte, program int) (Patch, bool)

	// Fingerprint computes the content hash for a payload, as a lower-case
	// hex string. Adapters may canonicalize (strip headers, checksums or
	// position-dependent bits) before hashing.
	Fingerprint(data []byte) string
}

// DefaultNameChecker is an optional capability reporting whether a patch
// name is a factory placeholder. Names flagged as default never overwrite a
// stored name during a merge.
type DefaultNameChecker interface {
	IsDefaultName(name string) bool
}

// DefaultNamer is an optional capability producing a display name for
// patches whose dumps carry no name at all.
type DefaultNamer interface {
	DefaultNameFor(p Patch, program int) string
}

// HasDefaultName reports whether the adapter flags name as a factory
// placeholder. Adapters without the capability never do.
func HasDefaultName(a Adapter, name string) bool {
	if checker, ok := a.(DefaultNameChecker); ok {
		return checker.IsDefaultName(name)
	}
	return false
}
