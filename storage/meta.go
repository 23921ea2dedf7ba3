package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"
)

// MetaSuffix is appended to a file name to form its metadata sidecar
// ("foo.jar" -> "foo.jar.nr-meta").
const MetaSuffix = ".nr-meta"

// HiddenPrefix and HiddenSuffix mark internal files that never appear in
// directory listings.
const (
	HiddenPrefix = ".nitro_repo"
	HiddenSuffix = ".nitro_repo"
)

// RepositoryMetaDirectory holds per-repository opaque blobs (rendered
// READMEs, derived indexes) inside the repository's file tree.
const RepositoryMetaDirectory = ".config.nitro_repo"

// FileHashes carries the content hashes recorded for a stored file.
type FileHashes struct {
	// SHA256 is the base64-encoded SHA-256 of the file contents.
	SHA256 string `json:"sha256,omitempty"`
}

// HashBytes computes the base64-encoded SHA-256 of a byte slice.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SidecarMeta is the JSON document persisted next to each file with the
// .nr-meta suffix. It is created lazily on first access.
type SidecarMeta struct {
	Hashes   FileHashes                 `json:"hashes"`
	Created  time.Time                  `json:"created"`
	Modified time.Time                  `json:"modified"`
	Extras   map[string]json.RawMessage `json:"extras,omitempty"`
}

// FileMeta describes one file or directory as seen by callers of a storage.
type FileMeta struct {
	Name        string     `json:"name"`
	Directory   bool       `json:"directory"`
	Size        int64      `json:"size,omitempty"`
	FileCount   int        `json:"file_count,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Created     time.Time  `json:"created"`
	Modified    time.Time  `json:"modified"`
	Hashes      FileHashes `json:"hashes,omitempty"`
}

// IsHiddenName reports whether a file name is elided from directory
// listings: internal .nitro_repo files and the metadata sidecars.
func IsHiddenName(name string) bool {
	if name == "" {
		return false
	}
	if len(name) >= len(HiddenPrefix) && name[:len(HiddenPrefix)] == HiddenPrefix {
		return true
	}
	if len(name) >= len(HiddenSuffix) && name[len(name)-len(HiddenSuffix):] == HiddenSuffix {
		return true
	}
	if len(name) >= len(MetaSuffix) && name[len(name)-len(MetaSuffix):] == MetaSuffix {
		return true
	}
	return false
}
