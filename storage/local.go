package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"nitro.evalgo.org/common"
)

// LocalTypeName is the backend tag for filesystem storages.
const LocalTypeName = "local"

// LocalConfig is the type-specific configuration of a local storage.
type LocalConfig struct {
	// Root is the directory under which each repository gets a folder.
	Root string `json:"root"`
}

// LocalStorage stores each repository as a directory under the configured
// root. Metadata sidecars live next to each file with the .nr-meta suffix.
type LocalStorage struct {
	id   uuid.UUID
	name string
	root string
	log  *common.ContextLogger
}

type localFactory struct{}

// NewLocalFactory returns the factory for filesystem storages.
func NewLocalFactory() Factory { return localFactory{} }

func (localFactory) TypeName() string { return LocalTypeName }

func (localFactory) TestConfig(typeConfig json.RawMessage) error {
	var cfg LocalConfig
	if err := json.Unmarshal(typeConfig, &cfg); err != nil {
		return newError(KindConfig, "", fmt.Errorf("invalid local storage config: %w", err))
	}
	if cfg.Root == "" {
		return newError(KindConfig, "", errors.New("local storage requires a root directory"))
	}
	if !filepath.IsAbs(cfg.Root) {
		return newError(KindConfig, "", fmt.Errorf("root %q must be absolute", cfg.Root))
	}
	return nil
}

func (f localFactory) Create(cfg Config) (Storage, error) {
	if err := f.TestConfig(cfg.TypeConfig); err != nil {
		return nil, err
	}
	var typeConfig LocalConfig
	if err := json.Unmarshal(cfg.TypeConfig, &typeConfig); err != nil {
		return nil, newError(KindConfig, "", err)
	}
	if err := os.MkdirAll(typeConfig.Root, 0o755); err != nil {
		return nil, newError(KindIO, typeConfig.Root, err)
	}
	return &LocalStorage{
		id:   cfg.ID,
		name: cfg.Name,
		root: typeConfig.Root,
		log: common.NewContextLogger(nil, map[string]interface{}{
			"storage":      cfg.Name,
			"storage_type": LocalTypeName,
		}),
	}, nil
}

// NewLocalStorage creates a local storage rooted at root. Used directly by
// tests; production code goes through the factory.
func NewLocalStorage(id uuid.UUID, name, root string) (*LocalStorage, error) {
	cfg, _ := json.Marshal(LocalConfig{Root: root})
	s, err := localFactory{}.Create(Config{ID: id, Name: name, TypeName: LocalTypeName, TypeConfig: cfg})
	if err != nil {
		return nil, err
	}
	return s.(*LocalStorage), nil
}

func (s *LocalStorage) Name() string     { return s.name }
func (s *LocalStorage) ID() uuid.UUID    { return s.id }
func (s *LocalStorage) TypeName() string { return LocalTypeName }

func (s *LocalStorage) repoDir(repo RepoRef) string {
	return filepath.Join(s.root, strings.ToLower(repo.Name))
}

func (s *LocalStorage) fsPath(repo RepoRef, path StoragePath) string {
	return filepath.Join(s.repoDir(repo), filepath.FromSlash(path.String()))
}

// checkCollision rejects writes whose ancestor already exists as a regular
// file (creating a/b/c when a/b is a file).
func (s *LocalStorage) checkCollision(repo RepoRef, path StoragePath) error {
	current := s.repoDir(repo)
	components := path.Components()
	for i, component := range components[:max(len(components)-1, 0)] {
		current = filepath.Join(current, component)
		info, err := os.Stat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return newError(KindIO, current, err)
		}
		if !info.IsDir() {
			ancestor := strings.Join(components[:i+1], "/")
			return newError(KindPathCollision, path.String(),
				fmt.Errorf("ancestor %q exists as a file", ancestor))
		}
	}
	return nil
}

// SaveFile writes to a temporary file in the target directory and renames it
// into place, so concurrent readers never observe a partial file.
func (s *LocalStorage) SaveFile(ctx context.Context, repo RepoRef, path StoragePath, content io.Reader) (int64, bool, error) {
	if path.IsRoot() {
		return 0, false, newError(KindBadPath, "", errors.New("cannot save to the repository root"))
	}
	if err := s.checkCollision(repo, path); err != nil {
		return 0, false, err
	}
	target := s.fsPath(repo, path)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, false, newError(KindIO, path.String(), err)
	}

	created := true
	var createdAt time.Time
	if info, err := os.Stat(target); err == nil {
		created = false
		if existing, err := s.readSidecar(target); err == nil && existing != nil {
			createdAt = existing.Created
		} else {
			createdAt = info.ModTime()
		}
	}

	tmp, err := os.CreateTemp(dir, HiddenPrefix+"-upload-*")
	if err != nil {
		return 0, false, newError(KindIO, path.String(), err)
	}
	tmpName := tmp.Name()
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), content)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, false, newError(KindIO, path.String(), err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, false, newError(KindIO, path.String(), err)
	}

	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	sidecar := SidecarMeta{
		Hashes:   FileHashes{SHA256: base64.StdEncoding.EncodeToString(hasher.Sum(nil))},
		Created:  createdAt,
		Modified: now,
	}
	if err := s.writeSidecar(target, &sidecar); err != nil {
		s.log.WithError(err).Warnf("failed to write sidecar for %s", path)
	}
	s.log.Debugf("saved %s (%d bytes, created=%v)", path, written, created)
	return written, created, nil
}

// DeleteFile removes the file and its sidecar. Idempotent.
func (s *LocalStorage) DeleteFile(ctx context.Context, repo RepoRef, path StoragePath) (bool, error) {
	target := s.fsPath(repo, path)
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, newError(KindIO, path.String(), err)
	}
	if err := os.Remove(target + MetaSuffix); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).Warnf("failed to remove sidecar for %s", path)
	}
	return true, nil
}

func (s *LocalStorage) sidecarPath(target string) string { return target + MetaSuffix }

func (s *LocalStorage) readSidecar(target string) (*SidecarMeta, error) {
	data, err := os.ReadFile(s.sidecarPath(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta SidecarMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *LocalStorage) writeSidecar(target string, meta *SidecarMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(s.sidecarPath(target), data, 0o644)
}

// getOrCreateSidecar loads the sidecar for a file, computing hashes and
// timestamps on first access.
func (s *LocalStorage) getOrCreateSidecar(target string, info os.FileInfo) (*SidecarMeta, error) {
	meta, err := s.readSidecar(target)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return meta, nil
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, err
	}
	meta = &SidecarMeta{
		Hashes:   FileHashes{SHA256: HashBytes(data)},
		Created:  info.ModTime().UTC(),
		Modified: info.ModTime().UTC(),
	}
	if err := s.writeSidecar(target, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *LocalStorage) fileMeta(target string, info os.FileInfo) (FileMeta, error) {
	sidecar, err := s.getOrCreateSidecar(target, info)
	if err != nil {
		return FileMeta{}, err
	}
	return FileMeta{
		Name:        info.Name(),
		Size:        info.Size(),
		ContentType: contentTypeForName(info.Name()),
		Created:     sidecar.Created,
		Modified:    sidecar.Modified,
		Hashes:      sidecar.Hashes,
	}, nil
}

func (s *LocalStorage) listDirectory(target string) ([]FileMeta, error) {
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}
	metas := make([]FileMeta, 0, len(entries))
	for _, entry := range entries {
		if IsHiddenName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if entry.IsDir() {
			count, err := s.countVisible(filepath.Join(target, entry.Name()))
			if err != nil {
				return nil, err
			}
			metas = append(metas, FileMeta{
				Name:      entry.Name(),
				Directory: true,
				FileCount: count,
				Created:   info.ModTime().UTC(),
				Modified:  info.ModTime().UTC(),
			})
			continue
		}
		meta, err := s.fileMeta(filepath.Join(target, entry.Name()), info)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

func (s *LocalStorage) countVisible(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !IsHiddenName(entry.Name()) {
			count++
		}
	}
	return count, nil
}

// OpenFile returns the file with a content stream, or a single-level
// directory listing, or nil when the path does not exist.
func (s *LocalStorage) OpenFile(ctx context.Context, repo RepoRef, path StoragePath) (*File, error) {
	target := s.fsPath(repo, path)
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError(KindIO, path.String(), err)
	}
	if info.IsDir() {
		entries, err := s.listDirectory(target)
		if err != nil {
			return nil, newError(KindIO, path.String(), err)
		}
		name := path.FileName()
		if name == "" {
			name = strings.ToLower(repo.Name)
		}
		return &File{
			Meta: FileMeta{
				Name:      name,
				Directory: true,
				FileCount: len(entries),
				Created:   info.ModTime().UTC(),
				Modified:  info.ModTime().UTC(),
			},
			Entries: entries,
		}, nil
	}
	meta, err := s.fileMeta(target, info)
	if err != nil {
		return nil, newError(KindIO, path.String(), err)
	}
	handle, err := os.Open(target)
	if err != nil {
		return nil, newError(KindIO, path.String(), err)
	}
	return &File{Meta: meta, Content: handle}, nil
}

// GetFileInformation returns metadata only, or nil when absent.
func (s *LocalStorage) GetFileInformation(ctx context.Context, repo RepoRef, path StoragePath) (*FileMeta, error) {
	target := s.fsPath(repo, path)
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError(KindIO, path.String(), err)
	}
	if info.IsDir() {
		count, err := s.countVisible(target)
		if err != nil {
			return nil, newError(KindIO, path.String(), err)
		}
		name := path.FileName()
		if name == "" {
			name = strings.ToLower(repo.Name)
		}
		return &FileMeta{
			Name:      name,
			Directory: true,
			FileCount: count,
			Created:   info.ModTime().UTC(),
			Modified:  info.ModTime().UTC(),
		}, nil
	}
	meta, err := s.fileMeta(target, info)
	if err != nil {
		return nil, newError(KindIO, path.String(), err)
	}
	return &meta, nil
}

// StreamDirectory lazily yields a directory's entries.
func (s *LocalStorage) StreamDirectory(ctx context.Context, repo RepoRef, path StoragePath) (DirectoryStream, error) {
	target := s.fsPath(repo, path)
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError(KindIO, path.String(), err)
	}
	if !info.IsDir() {
		return nil, nil
	}
	entries, err := s.listDirectory(target)
	if err != nil {
		return nil, newError(KindIO, path.String(), err)
	}
	return newSliceStream(entries), nil
}

// FileExists reports whether a file or directory exists at path.
func (s *LocalStorage) FileExists(ctx context.Context, repo RepoRef, path StoragePath) (bool, error) {
	_, err := os.Stat(s.fsPath(repo, path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, newError(KindIO, path.String(), err)
	}
	return true, nil
}

func (s *LocalStorage) metaBlobPath(repo RepoRef, key string) string {
	return filepath.Join(s.repoDir(repo), RepositoryMetaDirectory, key+".json")
}

// PutRepositoryMeta stores an opaque blob under the repository's meta
// directory.
func (s *LocalStorage) PutRepositoryMeta(ctx context.Context, repo RepoRef, key string, value json.RawMessage) error {
	if err := validateComponent(key); err != nil {
		return newError(KindBadPath, key, err)
	}
	target := s.metaBlobPath(repo, key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return newError(KindIO, key, err)
	}
	if err := os.WriteFile(target, value, 0o644); err != nil {
		return newError(KindIO, key, err)
	}
	return nil
}

// GetRepositoryMeta loads a blob stored with PutRepositoryMeta.
func (s *LocalStorage) GetRepositoryMeta(ctx context.Context, repo RepoRef, key string) (json.RawMessage, bool, error) {
	data, err := os.ReadFile(s.metaBlobPath(repo, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, newError(KindIO, key, err)
	}
	return data, true, nil
}

// ValidateConfigChange dry-runs a reconfiguration.
func (s *LocalStorage) ValidateConfigChange(typeConfig json.RawMessage) error {
	return localFactory{}.TestConfig(typeConfig)
}

// Unload releases resources. The local backend has nothing to flush.
func (s *LocalStorage) Unload(ctx context.Context) error { return nil }

func contentTypeForName(name string) string {
	switch {
	case strings.HasSuffix(name, ".jar"):
		return "application/java-archive"
	case strings.HasSuffix(name, ".pom"), strings.HasSuffix(name, ".xml"):
		return "application/xml"
	case strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
