package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RepoRef identifies a repository inside a storage. The local backend lays
// files out under the repository name; the S3 backend keys objects by the
// repository UUID.
type RepoRef struct {
	ID   uuid.UUID
	Name string
}

// File is the result of opening a path: either a regular file with a content
// stream, or a single-level directory listing.
type File struct {
	Meta FileMeta
	// Content streams the file bytes. Nil for directories. The caller owns
	// closing it.
	Content io.ReadCloser
	// Entries is the bounded, single-level listing for directories.
	Entries []FileMeta
}

// IsDirectory reports whether the opened path was a directory.
func (f *File) IsDirectory() bool { return f.Meta.Directory }

// DirectoryStream lazily yields the entries of a large directory.
type DirectoryStream interface {
	// Next returns the next entry, or nil at the end of the directory.
	Next(ctx context.Context) (*FileMeta, error)
	// Count returns the number of entries when cheaply known, else -1.
	Count() int
	Close() error
}

// Storage is the operations contract shared by all backends. Every method
// re-validates the path it is given; implementations return *Error with a
// tagged kind on failure.
type Storage interface {
	// Name returns the storage's human name.
	Name() string
	// ID returns the storage's UUID.
	ID() uuid.UUID
	// TypeName returns the backend tag ("local", "s3").
	TypeName() string

	// SaveFile writes content at path atomically with respect to concurrent
	// readers, creating parent directories. created is false when an
	// existing file was replaced.
	SaveFile(ctx context.Context, repo RepoRef, path StoragePath, content io.Reader) (written int64, created bool, err error)
	// DeleteFile removes a file. Idempotent; existed is false when the path
	// was already absent.
	DeleteFile(ctx context.Context, repo RepoRef, path StoragePath) (existed bool, err error)
	// OpenFile returns the file (with content stream) or directory listing
	// at path, or nil when the path does not exist.
	OpenFile(ctx context.Context, repo RepoRef, path StoragePath) (*File, error)
	// GetFileInformation returns metadata only, or nil when absent.
	GetFileInformation(ctx context.Context, repo RepoRef, path StoragePath) (*FileMeta, error)
	// StreamDirectory returns a lazy iterator over a directory, or nil when
	// the path is not a directory.
	StreamDirectory(ctx context.Context, repo RepoRef, path StoragePath) (DirectoryStream, error)
	// FileExists reports whether a file or directory exists at path.
	FileExists(ctx context.Context, repo RepoRef, path StoragePath) (bool, error)

	// PutRepositoryMeta stores an opaque JSON blob for derived per-repository
	// data under the given key.
	PutRepositoryMeta(ctx context.Context, repo RepoRef, key string, value json.RawMessage) error
	// GetRepositoryMeta loads a blob stored with PutRepositoryMeta. The
	// boolean is false when no blob exists for the key.
	GetRepositoryMeta(ctx context.Context, repo RepoRef, key string) (json.RawMessage, bool, error)

	// ValidateConfigChange dry-runs a reconfiguration.
	ValidateConfigChange(typeConfig json.RawMessage) error
	// Unload releases resources and flushes queues.
	Unload(ctx context.Context) error
}

// Config is the persisted description of one storage.
type Config struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	TypeName   string          `json:"type_name"`
	TypeConfig json.RawMessage `json:"type_config"`
}

// Factory creates storages of one backend type.
type Factory interface {
	TypeName() string
	// TestConfig validates a type config without creating the storage.
	TestConfig(typeConfig json.RawMessage) error
	// Create instantiates the storage from its persisted config.
	Create(cfg Config) (Storage, error)
}

// FactorySet resolves factories by storage-type tag.
type FactorySet struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactorySet returns a set preloaded with the built-in backends.
func NewFactorySet() *FactorySet {
	set := &FactorySet{factories: make(map[string]Factory)}
	set.Register(NewLocalFactory())
	set.Register(NewS3Factory())
	return set
}

// Register adds a factory, replacing any previous one for the same type.
func (s *FactorySet) Register(factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[factory.TypeName()] = factory
}

// Get resolves a factory by type name.
func (s *FactorySet) Get(typeName string) (Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	factory, ok := s.factories[typeName]
	return factory, ok
}

// TypeNames lists the registered backend tags, sorted.
func (s *FactorySet) TypeNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.factories))
	for name := range s.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates a storage from its persisted config via the matching
// factory.
func (s *FactorySet) Create(cfg Config) (Storage, error) {
	factory, ok := s.Get(cfg.TypeName)
	if !ok {
		return nil, newError(KindConfig, "", fmt.Errorf("unknown storage type %q", cfg.TypeName))
	}
	return factory.Create(cfg)
}

// sliceStream adapts an in-memory listing to the DirectoryStream interface.
type sliceStream struct {
	entries []FileMeta
	next    int
}

func newSliceStream(entries []FileMeta) *sliceStream {
	return &sliceStream{entries: entries}
}

func (s *sliceStream) Next(ctx context.Context) (*FileMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.entries) {
		return nil, nil
	}
	entry := s.entries[s.next]
	s.next++
	return &entry, nil
}

func (s *sliceStream) Count() int { return len(s.entries) }

func (s *sliceStream) Close() error { return nil }
