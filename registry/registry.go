// Package registry holds the loaded storages and repositories of a running
// instance: UUID-keyed maps behind read-write locks plus a case-insensitive
// (storage name, repository name) lookup cache reconciled against the
// database.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"nitro.evalgo.org/common"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

// StorageRecord is the persisted description of one storage backend.
// Storage names are case-insensitively unique.
type StorageRecord struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string          `gorm:"uniqueIndex;size:32" json:"name"`
	TypeName   string          `json:"type_name"`
	TypeConfig json.RawMessage `gorm:"serializer:json" json:"type_config"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TableName pins the table name.
func (StorageRecord) TableName() string { return "storages" }

type nameKey struct {
	storage    string
	repository string
}

func newNameKey(storageName, repositoryName string) nameKey {
	return nameKey{
		storage:    strings.ToLower(storageName),
		repository: strings.ToLower(repositoryName),
	}
}

// Registry is the in-memory state of loaded storages and repositories.
// Readers on the request path never serialize with each other.
type Registry struct {
	mu           sync.RWMutex
	storages     map[uuid.UUID]storage.Storage
	repositories map[uuid.UUID]repository.Repository
	names        map[nameKey]uuid.UUID

	db               *gorm.DB
	storageFactories *storage.FactorySet
	repoFactories    map[string]repository.Factory
	deps             *repository.Deps
}

// New creates an empty registry.
func New(db *gorm.DB, storageFactories *storage.FactorySet, deps *repository.Deps) *Registry {
	return &Registry{
		storages:         make(map[uuid.UUID]storage.Storage),
		repositories:     make(map[uuid.UUID]repository.Repository),
		names:            make(map[nameKey]uuid.UUID),
		db:               db,
		storageFactories: storageFactories,
		repoFactories:    make(map[string]repository.Factory),
		deps:             deps,
	}
}

// RegisterRepositoryFactory adds a protocol handler factory.
func (r *Registry) RegisterRepositoryFactory(factory repository.Factory) {
	r.repoFactories[factory.TypeName()] = factory
}

// LoadAll loads every storage and repository row. Failures to instantiate a
// single storage or repository are logged and skipped so the service boots
// with the working subset.
func (r *Registry) LoadAll(ctx context.Context) error {
	var storageRows []StorageRecord
	if err := r.db.Find(&storageRows).Error; err != nil {
		return err
	}
	for _, row := range storageRows {
		if err := r.loadStorage(row); err != nil {
			common.Logger.WithError(err).Errorf("failed to load storage %s", row.Name)
		}
	}

	var repoRows []repository.Record
	if err := r.db.Find(&repoRows).Error; err != nil {
		return err
	}
	for _, row := range repoRows {
		if err := r.loadRepository(ctx, row); err != nil {
			common.Logger.WithError(err).Errorf("failed to load repository %s", row.Name)
		}
	}
	common.Logger.Infof("registry loaded %d storages and %d repositories",
		len(r.storages), len(r.repositories))
	return nil
}

func (r *Registry) loadStorage(row StorageRecord) error {
	store, err := r.storageFactories.Create(storage.Config{
		ID:         row.ID,
		Name:       row.Name,
		TypeName:   row.TypeName,
		TypeConfig: row.TypeConfig,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.storages[row.ID] = store
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadRepository(ctx context.Context, row repository.Record) error {
	r.mu.RLock()
	store, ok := r.storages[row.StorageID]
	r.mu.RUnlock()
	if !ok {
		return errors.New("owning storage is not loaded")
	}
	factory, ok := r.repoFactories[row.TypeName]
	if !ok {
		return errors.New("unknown repository type " + row.TypeName)
	}
	repo, err := factory.Load(ctx, row, store, r.deps)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.repositories[row.ID] = repo
	r.names[newNameKey(store.Name(), row.Name)] = row.ID
	r.mu.Unlock()
	return nil
}

// AddStorage persists and loads a new storage. Used by the admin plane and
// tests.
func (r *Registry) AddStorage(record StorageRecord) (storage.Storage, error) {
	if err := r.db.Create(&record).Error; err != nil {
		return nil, err
	}
	if err := r.loadStorage(record); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storages[record.ID], nil
}

// AddRepository persists and loads a new repository.
func (r *Registry) AddRepository(ctx context.Context, record repository.Record) (repository.Repository, error) {
	if err := r.db.Create(&record).Error; err != nil {
		return nil, err
	}
	if err := r.loadRepository(ctx, record); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.repositories[record.ID], nil
}

// GetStorage returns a loaded storage by id.
func (r *Registry) GetStorage(id uuid.UUID) (storage.Storage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.storages[id]
	return store, ok
}

// GetRepository returns a loaded repository by id.
func (r *Registry) GetRepository(id uuid.UUID) (repository.Repository, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repositories[id]
	return repo, ok
}

// GetRepositoryFromNames resolves a repository by (storage name, repository
// name), both case-insensitive. The cache is consulted first; on a miss the
// database is queried and the cache filled. A database hit whose id is not
// loaded drops the cache entry and returns nil: the admin is expected to
// reload.
func (r *Registry) GetRepositoryFromNames(storageName, repositoryName string) (repository.Repository, error) {
	key := newNameKey(storageName, repositoryName)
	r.mu.RLock()
	if id, ok := r.names[key]; ok {
		repo, loaded := r.repositories[id]
		r.mu.RUnlock()
		if loaded {
			return repo, nil
		}
		r.mu.Lock()
		delete(r.names, key)
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.RUnlock()

	var row repository.Record
	err := r.db.
		Joins("JOIN storages ON storages.id = repositories.storage_id").
		Where("LOWER(storages.name) = ? AND LOWER(repositories.name) = ?", key.storage, key.repository).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	repo, loaded := r.repositories[row.ID]
	if !loaded {
		common.Logger.Warnf("repository %s/%s exists in the database but is not loaded",
			storageName, repositoryName)
		return nil, nil
	}
	r.names[key] = row.ID
	return repo, nil
}

// Repositories snapshots the loaded repositories.
func (r *Registry) Repositories() []repository.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]repository.Repository, 0, len(r.repositories))
	for _, repo := range r.repositories {
		out = append(out, repo)
	}
	return out
}

// UnloadAll releases every storage. Called on shutdown after the session
// sweeper has stopped.
func (r *Registry) UnloadAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, store := range r.storages {
		if err := store.Unload(ctx); err != nil {
			common.Logger.WithError(err).Errorf("failed to unload storage %s", store.Name())
		}
		delete(r.storages, id)
	}
	r.repositories = make(map[uuid.UUID]repository.Repository)
	r.names = make(map[nameKey]uuid.UUID)
}
