package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*LocalStorage, RepoRef) {
	t.Helper()
	store, err := NewLocalStorage(uuid.New(), "local1", t.TempDir())
	require.NoError(t, err)
	return store, RepoRef{ID: uuid.New(), Name: "maven-releases"}
}

func TestSaveAndOpenRoundTrip(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()
	path := MustParsePath("com/example/foo/1.0.0/foo-1.0.0.jar")
	body := []byte("hello")

	written, created, err := store.SaveFile(ctx, repo, path, bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), written)
	assert.True(t, created)

	file, err := store.OpenFile(ctx, repo, path)
	require.NoError(t, err)
	require.NotNil(t, file)
	defer file.Content.Close()

	got, err := io.ReadAll(file.Content)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, int64(len(body)), file.Meta.Size)
	assert.Equal(t, HashBytes(body), file.Meta.Hashes.SHA256)
	assert.False(t, file.Meta.Directory)
}

func TestSaveReplacesExisting(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()
	path := MustParsePath("a/b/file.txt")

	_, created, err := store.SaveFile(ctx, repo, path, bytes.NewReader([]byte("one")))
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = store.SaveFile(ctx, repo, path, bytes.NewReader([]byte("two")))
	require.NoError(t, err)
	assert.False(t, created, "replacing an existing file reports created=false")

	file, err := store.OpenFile(ctx, repo, path)
	require.NoError(t, err)
	defer file.Content.Close()
	got, _ := io.ReadAll(file.Content)
	assert.Equal(t, []byte("two"), got)
	assert.Equal(t, HashBytes([]byte("two")), file.Meta.Hashes.SHA256)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()
	path := MustParsePath("dir/file.txt")

	_, _, err := store.SaveFile(ctx, repo, path, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	existed, err := store.DeleteFile(ctx, repo, path)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.DeleteFile(ctx, repo, path)
	require.NoError(t, err)
	assert.False(t, existed)

	file, err := store.OpenFile(ctx, repo, path)
	require.NoError(t, err)
	assert.Nil(t, file)
}

func TestPathCollision(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()

	_, _, err := store.SaveFile(ctx, repo, MustParsePath("a/b"), bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	_, _, err = store.SaveFile(ctx, repo, MustParsePath("a/b/c"), bytes.NewReader([]byte("y")))
	require.Error(t, err)
	assert.True(t, IsPathCollision(err))
	assert.Contains(t, err.Error(), `"a/b"`)
}

func TestDirectoryListingElidesHiddenFiles(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()

	_, _, err := store.SaveFile(ctx, repo, MustParsePath("pkg/visible.txt"), bytes.NewReader([]byte("v")))
	require.NoError(t, err)
	_, _, err = store.SaveFile(ctx, repo, MustParsePath("pkg/sub/nested.txt"), bytes.NewReader([]byte("n")))
	require.NoError(t, err)

	file, err := store.OpenFile(ctx, repo, MustParsePath("pkg"))
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.True(t, file.IsDirectory())

	names := make([]string, 0, len(file.Entries))
	for _, entry := range file.Entries {
		names = append(names, entry.Name)
	}
	// The .nr-meta sidecars must not leak into the listing.
	assert.Equal(t, []string{"sub", "visible.txt"}, names)
	assert.Equal(t, 2, file.Meta.FileCount)

	for _, entry := range file.Entries {
		if entry.Name == "sub" {
			assert.True(t, entry.Directory)
			assert.Equal(t, 1, entry.FileCount)
		}
	}
}

func TestOpenMissingReturnsNil(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()

	file, err := store.OpenFile(ctx, repo, MustParsePath("nope/missing.bin"))
	require.NoError(t, err)
	assert.Nil(t, file)

	meta, err := store.GetFileInformation(ctx, repo, MustParsePath("nope/missing.bin"))
	require.NoError(t, err)
	assert.Nil(t, meta)

	exists, err := store.FileExists(ctx, repo, MustParsePath("nope/missing.bin"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetFileInformation(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()
	path := MustParsePath("g/a/1.0/a-1.0.pom")
	body := []byte("<project/>")

	_, _, err := store.SaveFile(ctx, repo, path, bytes.NewReader(body))
	require.NoError(t, err)

	meta, err := store.GetFileInformation(ctx, repo, path)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "a-1.0.pom", meta.Name)
	assert.Equal(t, int64(len(body)), meta.Size)
	assert.Equal(t, HashBytes(body), meta.Hashes.SHA256)
	assert.Equal(t, "application/xml", meta.ContentType)
}

func TestStreamDirectory(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()

	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		path, err := MustParsePath("dir").Push(name)
		require.NoError(t, err)
		_, _, err = store.SaveFile(ctx, repo, path, bytes.NewReader([]byte(name)))
		require.NoError(t, err)
	}

	stream, err := store.StreamDirectory(ctx, repo, MustParsePath("dir"))
	require.NoError(t, err)
	require.NotNil(t, stream)
	defer stream.Close()
	assert.Equal(t, 3, stream.Count())

	seen := 0
	for {
		entry, err := stream.Next(ctx)
		require.NoError(t, err)
		if entry == nil {
			break
		}
		seen++
	}
	assert.Equal(t, 3, seen)

	// Not a directory.
	stream, err = store.StreamDirectory(ctx, repo, MustParsePath("dir/one.txt"))
	require.NoError(t, err)
	assert.Nil(t, stream)
}

func TestRepositoryMetaRoundTrip(t *testing.T) {
	store, repo := newTestStorage(t)
	ctx := context.Background()

	value := json.RawMessage(`{"readme":"<p>hi</p>"}`)
	require.NoError(t, store.PutRepositoryMeta(ctx, repo, "readme", value))

	got, ok, err := store.GetRepositoryMeta(ctx, repo, "readme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, string(value), string(got))

	_, ok, err = store.GetRepositoryMeta(ctx, repo, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	// The meta directory must not appear in the root listing.
	file, err := store.OpenFile(ctx, repo, StoragePath{})
	require.NoError(t, err)
	require.NotNil(t, file)
	for _, entry := range file.Entries {
		assert.NotEqual(t, RepositoryMetaDirectory, entry.Name)
	}
}

func TestValidateConfigChange(t *testing.T) {
	store, _ := newTestStorage(t)
	assert.NoError(t, store.ValidateConfigChange(json.RawMessage(`{"root":"/var/lib/nitro"}`)))
	assert.Error(t, store.ValidateConfigChange(json.RawMessage(`{"root":""}`)))
	assert.Error(t, store.ValidateConfigChange(json.RawMessage(`{"root":"relative/path"}`)))
	assert.Error(t, store.ValidateConfigChange(json.RawMessage(`not json`)))
}
