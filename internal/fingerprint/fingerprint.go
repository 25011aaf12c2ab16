// Package fingerprint computes stable content fingerprints for files,
// the basis of cache-key derivation (C2) and change detection (C6).
package fingerprint

import (
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/types"
)

// Of reads path and returns its FileFingerprint. The content hash is an
// xxhash64 digest of the raw bytes, formatted as a fixed-width hex
// string so it composes cleanly into cache keys.
func Of(path string) (types.FileFingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.FileFingerprint{}, kberrors.New(kberrors.NotFound, "fingerprint.of", err).WithPath(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.FileFingerprint{}, kberrors.New(kberrors.PermissionDenied, "fingerprint.of", err).WithPath(path)
	}

	return types.FileFingerprint{
		Path:        path,
		ContentHash: HashBytes(data),
		Mtime:       info.ModTime(),
		Size:        info.Size(),
	}, nil
}

// HashBytes returns the hex xxhash64 digest of data.
func HashBytes(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// CacheKey derives a stable cache key from a (type, identifier, options,
// schema_version) tuple. Two logically equivalent requests must hash
// identically, so optsHash must already be a canonical representation of
// options (e.g. a sorted-key JSON encoding hashed by the caller).
func CacheKey(taskType, identifier, optsHash string, schemaVersion int) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", taskType, identifier, optsHash, schemaVersion)
	return fmt.Sprintf("%016x", h.Sum64())
}
