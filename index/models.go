// Package index maintains the derived project/version index. Protocol
// handlers feed it on upload (Maven POMs, NPM publish records); the browse
// API reads it back through path-based reverse lookups. Projects and
// versions are derived data: a fresh storage can be rebuilt by re-reading
// the artifacts, but at steady state the database is authoritative.
package index

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Project aggregates the versions of one protocol-native identifier
// ("groupId:artifactId" for Maven, "@scope/name" or "name" for NPM).
type Project struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	RepositoryID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_repo_project_key" json:"repository_id"`
	// ProjectKey is the protocol-native identifier, unique per repository.
	ProjectKey string  `gorm:"uniqueIndex:idx_repo_project_key;size:255" json:"project_key"`
	Scope      *string `json:"scope,omitempty"`
	Name       string  `json:"name"`
	// StoragePath is the project's directory relative to the repository
	// root, with a leading slash ("/com/example/foo").
	StoragePath      string    `gorm:"index" json:"storage_path"`
	LatestRelease    *string   `json:"latest_release,omitempty"`
	LatestPreRelease *string   `json:"latest_pre_release,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Tags             []string  `gorm:"serializer:json" json:"tags,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName pins the table name.
func (Project) TableName() string { return "projects" }

// ProjectVersion is one published version of a project. Extra carries the
// protocol-native version metadata (a POM summary or the NPM publish
// record).
type ProjectVersion struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	ProjectID int64  `gorm:"uniqueIndex:idx_project_version" json:"project_id"`
	Version   string `gorm:"uniqueIndex:idx_project_version;size:255" json:"version"`
	// ReleaseType classifies the version string (release, snapshot, ...).
	ReleaseType ReleaseType `json:"release_type"`
	// VersionPath is the version's directory relative to the repository
	// root, with a leading slash ("/com/example/foo/1.0.0").
	VersionPath string          `gorm:"index" json:"version_path"`
	Publisher   *int64          `json:"publisher,omitempty"`
	Extra       json.RawMessage `gorm:"serializer:json" json:"extra,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TableName pins the table name.
func (ProjectVersion) TableName() string { return "project_versions" }

// ProjectResolution annotates a browse path with the project and version it
// corresponds to. Either field may be nil.
type ProjectResolution struct {
	Project *Project        `json:"project,omitempty"`
	Version *ProjectVersion `json:"version,omitempty"`
}
