// Package arctype holds types and sentinel errors shared across the
// archive, manifest, and runtime loader packages.
package arctype

// EntryFlag is a bit-flag set describing how an archive payload is stored.
type EntryFlag uint32

const (
	// EntryEncrypted marks payloads passed through the stream cipher.
	EntryEncrypted EntryFlag = 1 << 0

	// EntryCompressed marks payloads stored in compressed form.
	EntryCompressed EntryFlag = 1 << 1

	// EntryLiveUpdate marks payloads supplied at run time rather than
	// shipped in the bundled data file.
	EntryLiveUpdate EntryFlag = 1 << 2
)

// ResourceFlag describes where a manifest resource lives.
type ResourceFlag uint32

const (
	// ResourceBundled means the payload is in the main archive data file.
	ResourceBundled ResourceFlag = 1 << 0

	// ResourceExcluded means the payload was routed to a side resource
	// pack and must be fetched before first use.
	ResourceExcluded ResourceFlag = 1 << 1

	// ResourceLiveUpdate means the payload is only ever delivered through
	// the live-update channel.
	ResourceLiveUpdate ResourceFlag = 1 << 2
)

// HashAlgorithm identifies a digest algorithm used for resource hashing.
type HashAlgorithm uint32

const (
	HashUnknown HashAlgorithm = iota
	HashMD5
	HashSHA1
	HashSHA256
	HashSHA512
	HashBLAKE3
)

// String returns the conventional lowercase name of the algorithm.
func (a HashAlgorithm) String() string {
	switch a {
	case HashMD5:
		return "md5"
	case HashSHA1:
		return "sha1"
	case HashSHA256:
		return "sha256"
	case HashSHA512:
		return "sha512"
	case HashBLAKE3:
		return "blake3"
	default:
		return "unknown"
	}
}

// SignAlgorithm identifies the signature scheme used for manifests.
type SignAlgorithm uint32

const (
	SignUnknown SignAlgorithm = iota
	SignRSA
)
