// Package repository defines the contract between the request pipeline and
// the protocol handlers: the Repository interface, the request and response
// types the handlers exchange with the pipeline, and the typed per-repository
// configuration plane.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/index"
	"nitro.evalgo.org/storage"
)

// Record is the persisted description of one repository. A repository
// belongs to exactly one storage; (storage, name) is case-insensitively
// unique.
type Record struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StorageID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_storage_repo_name" json:"storage_id"`
	Name      string    `gorm:"uniqueIndex:idx_storage_repo_name;size:32" json:"name"`
	// TypeName selects the protocol handler ("maven", "npm").
	TypeName   string    `json:"type_name"`
	Visibility string    `json:"visibility"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName pins the table name.
func (Record) TableName() string { return "repositories" }

// Deps bundles the shared collaborators a protocol handler needs.
type Deps struct {
	DB      *gorm.DB
	Configs *ConfigStore
	Index   *index.Index
	Auth    *auth.Store
}

// Repository is one loaded repository with its protocol handler. Handlers
// are safe for concurrent use; mutable configuration sits behind read-write
// locks swapped by Reload.
type Repository interface {
	ID() uuid.UUID
	Name() string
	// StorageName is the owning storage's human name, used to build
	// Content-Location headers and tarball URLs.
	StorageName() string
	// Type returns the repository-type tag ("maven", "npm").
	Type() string
	Visibility() auth.Visibility
	Active() bool
	Storage() storage.Storage
	// ConfigTypes lists the config-plane keys this handler understands.
	ConfigTypes() []string
	// Reload refreshes configuration and the active flag from the database.
	Reload(ctx context.Context) error
	// HandleRequest serves one repository-plane request. Unsupported
	// methods return a 405 response, not an error.
	HandleRequest(ctx context.Context, req *Request) (*Response, error)
}

// Factory loads repositories of one protocol type.
type Factory interface {
	TypeName() string
	Load(ctx context.Context, record Record, store storage.Storage, deps *Deps) (Repository, error)
}
