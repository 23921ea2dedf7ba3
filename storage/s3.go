package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"nitro.evalgo.org/common"
)

// S3TypeName is the backend tag for S3-compatible object stores.
const S3TypeName = "s3"

// directoryContentType marks explicit directory objects in the bucket.
const directoryContentType = "application/x-directory"

// sha256MetadataKey is the object metadata key carrying the base64 SHA-256.
const sha256MetadataKey = "sha256"

// S3Config is the type-specific configuration of an S3 storage. Endpoint is
// optional; when set, the client uses path-style addressing, which covers
// MinIO and other self-hosted S3 implementations.
type S3Config struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// sharedHTTPClient provides connection pooling across all S3 operations.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// S3Storage keys objects as {repository_uuid}/{storage_path}. Directory
// semantics are simulated with prefix listings and the delimiter "/"; an
// object with the application/x-directory content type is an explicit
// directory marker.
type S3Storage struct {
	id       uuid.UUID
	name     string
	cfg      S3Config
	client   *s3.Client
	uploader *manager.Uploader
	log      *common.ContextLogger
}

type s3Factory struct{}

// NewS3Factory returns the factory for S3-compatible storages.
func NewS3Factory() Factory { return s3Factory{} }

func (s3Factory) TypeName() string { return S3TypeName }

func (s3Factory) TestConfig(typeConfig json.RawMessage) error {
	var cfg S3Config
	if err := json.Unmarshal(typeConfig, &cfg); err != nil {
		return newError(KindConfig, "", fmt.Errorf("invalid s3 storage config: %w", err))
	}
	if cfg.Bucket == "" {
		return newError(KindConfig, "", errors.New("s3 storage requires a bucket"))
	}
	if cfg.Region == "" {
		return newError(KindConfig, "", errors.New("s3 storage requires a region"))
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return newError(KindConfig, "", errors.New("s3 storage requires credentials"))
	}
	return nil
}

func (f s3Factory) Create(cfg Config) (Storage, error) {
	if err := f.TestConfig(cfg.TypeConfig); err != nil {
		return nil, err
	}
	var typeConfig S3Config
	if err := json.Unmarshal(cfg.TypeConfig, &typeConfig); err != nil {
		return nil, newError(KindConfig, "", err)
	}
	client, err := newS3Client(context.Background(), typeConfig)
	if err != nil {
		return nil, err
	}
	return &S3Storage{
		id:       cfg.ID,
		name:     cfg.Name,
		cfg:      typeConfig,
		client:   client,
		uploader: manager.NewUploader(client),
		log: common.NewContextLogger(nil, map[string]interface{}{
			"storage":      cfg.Name,
			"storage_type": S3TypeName,
			"bucket":       typeConfig.Bucket,
		}),
	}, nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, newError(KindConfig, "", fmt.Errorf("failed to load AWS config: %w", err))
	}
	client := s3.NewFromConfig(loaded, func(o *s3.Options) {
		o.HTTPClient = sharedHTTPClient
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

func (s *S3Storage) Name() string     { return s.name }
func (s *S3Storage) ID() uuid.UUID    { return s.id }
func (s *S3Storage) TypeName() string { return S3TypeName }

func (s *S3Storage) objectKey(repo RepoRef, path StoragePath) string {
	return repo.ID.String() + "/" + path.String()
}

func (s *S3Storage) headObject(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, newError(KindIO, key, err)
	}
	return head, nil
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// SaveFile uploads the content in a single put; S3 makes the object visible
// atomically, matching the local backend's rename discipline.
func (s *S3Storage) SaveFile(ctx context.Context, repo RepoRef, path StoragePath, content io.Reader) (int64, bool, error) {
	if path.IsRoot() {
		return 0, false, newError(KindBadPath, "", errors.New("cannot save to the repository root"))
	}
	key := s.objectKey(repo, path)
	existing, err := s.headObject(ctx, key)
	if err != nil {
		return 0, false, err
	}
	created := existing == nil
	createdAt := time.Now().UTC()
	if existing != nil {
		if prev, ok := existing.Metadata["created"]; ok {
			if parsed, err := time.Parse(time.RFC3339, prev); err == nil {
				createdAt = parsed
			}
		}
	}

	// Buffer the body to hash it; artifact uploads are bounded by the
	// request body limit.
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, false, newError(KindIO, path.String(), err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeForName(path.FileName())),
		Metadata: map[string]string{
			sha256MetadataKey: HashBytes(data),
			"created":         createdAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return 0, false, newError(KindIO, path.String(), err)
	}
	s.log.Debugf("saved %s (%d bytes, created=%v)", path, len(data), created)
	return int64(len(data)), created, nil
}

// DeleteFile removes the object. Idempotent.
func (s *S3Storage) DeleteFile(ctx context.Context, repo RepoRef, path StoragePath) (bool, error) {
	key := s.objectKey(repo, path)
	existing, err := s.headObject(ctx, key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, newError(KindIO, path.String(), err)
	}
	return true, nil
}

func metaFromHead(name string, head *s3.HeadObjectOutput) FileMeta {
	meta := FileMeta{
		Name:     name,
		Created:  time.Now().UTC(),
		Modified: time.Now().UTC(),
	}
	if head.ContentLength != nil {
		meta.Size = *head.ContentLength
	}
	if head.ContentType != nil {
		meta.ContentType = *head.ContentType
	}
	if head.LastModified != nil {
		meta.Modified = head.LastModified.UTC()
		meta.Created = head.LastModified.UTC()
	}
	if created, ok := head.Metadata["created"]; ok {
		if parsed, err := time.Parse(time.RFC3339, created); err == nil {
			meta.Created = parsed
		}
	}
	if hash, ok := head.Metadata[sha256MetadataKey]; ok {
		meta.Hashes.SHA256 = hash
	}
	return meta
}

// listDirectory builds a single-level listing from a prefix + delimiter
// listing. Returns nil when the prefix matches nothing.
func (s *S3Storage) listDirectory(ctx context.Context, repo RepoRef, path StoragePath) ([]FileMeta, error) {
	prefix := s.objectKey(repo, path)
	if !path.IsRoot() {
		prefix += "/"
	} else {
		prefix = repo.ID.String() + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var entries []FileMeta
	found := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, newError(KindIO, path.String(), err)
		}
		for _, sub := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(*sub.Prefix, prefix), "/")
			if IsHiddenName(name) || name == RepositoryMetaDirectory {
				continue
			}
			entries = append(entries, FileMeta{
				Name:      name,
				Directory: true,
				Created:   time.Now().UTC(),
				Modified:  time.Now().UTC(),
			})
		}
		for _, object := range page.Contents {
			found = true
			name := strings.TrimPrefix(*object.Key, prefix)
			if name == "" || IsHiddenName(name) {
				continue
			}
			meta := FileMeta{
				Name:        name,
				ContentType: contentTypeForName(name),
			}
			if object.Size != nil {
				meta.Size = *object.Size
			}
			if object.LastModified != nil {
				meta.Modified = object.LastModified.UTC()
				meta.Created = object.LastModified.UTC()
			}
			if object.ETag != nil {
				meta.Hashes.SHA256 = strings.Trim(*object.ETag, `"`)
			}
			entries = append(entries, meta)
		}
	}
	if !found {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// OpenFile gets the object, falling back to a directory listing when the key
// does not exist or is an explicit directory marker.
func (s *S3Storage) OpenFile(ctx context.Context, repo RepoRef, path StoragePath) (*File, error) {
	key := s.objectKey(repo, path)
	if !path.IsRoot() {
		object, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if !isS3NotFound(err) {
				return nil, newError(KindIO, path.String(), err)
			}
		} else {
			if object.ContentType != nil && *object.ContentType == directoryContentType {
				object.Body.Close()
			} else {
				meta := FileMeta{
					Name:        path.FileName(),
					ContentType: contentTypeForName(path.FileName()),
					Created:     time.Now().UTC(),
					Modified:    time.Now().UTC(),
				}
				if object.ContentLength != nil {
					meta.Size = *object.ContentLength
				}
				if object.LastModified != nil {
					meta.Modified = object.LastModified.UTC()
					meta.Created = object.LastModified.UTC()
				}
				if created, ok := object.Metadata["created"]; ok {
					if parsed, err := time.Parse(time.RFC3339, created); err == nil {
						meta.Created = parsed
					}
				}
				if hash, ok := object.Metadata[sha256MetadataKey]; ok {
					meta.Hashes.SHA256 = hash
				}
				return &File{Meta: meta, Content: object.Body}, nil
			}
		}
	}
	entries, err := s.listDirectory(ctx, repo, path)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, nil
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
			Created:   time.Now().UTC(),
			Modified:  time.Now().UTC(),
		},
		Entries: entries,
	}, nil
}

// GetFileInformation returns metadata only, or nil when absent.
func (s *S3Storage) GetFileInformation(ctx context.Context, repo RepoRef, path StoragePath) (*FileMeta, error) {
	if !path.IsRoot() {
		head, err := s.headObject(ctx, s.objectKey(repo, path))
		if err != nil {
			return nil, err
		}
		if head != nil {
			if head.ContentType == nil || *head.ContentType != directoryContentType {
				meta := metaFromHead(path.FileName(), head)
				return &meta, nil
			}
		}
	}
	entries, err := s.listDirectory(ctx, repo, path)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, nil
	}
	name := path.FileName()
	if name == "" {
		name = strings.ToLower(repo.Name)
	}
	return &FileMeta{
		Name:      name,
		Directory: true,
		FileCount: len(entries),
		Created:   time.Now().UTC(),
		Modified:  time.Now().UTC(),
	}, nil
}

// StreamDirectory yields a directory's entries. The listing is fetched page
// by page but exposed through the common stream interface.
func (s *S3Storage) StreamDirectory(ctx context.Context, repo RepoRef, path StoragePath) (DirectoryStream, error) {
	entries, err := s.listDirectory(ctx, repo, path)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, nil
	}
	return newSliceStream(entries), nil
}

// FileExists reports whether an object or prefix exists at path.
func (s *S3Storage) FileExists(ctx context.Context, repo RepoRef, path StoragePath) (bool, error) {
	head, err := s.headObject(ctx, s.objectKey(repo, path))
	if err != nil {
		return false, err
	}
	if head != nil {
		return true, nil
	}
	entries, err := s.listDirectory(ctx, repo, path)
	if err != nil {
		return false, err
	}
	return entries != nil, nil
}

func (s *S3Storage) metaBlobKey(repo RepoRef, key string) string {
	return repo.ID.String() + "/" + RepositoryMetaDirectory + "/" + key
}

// PutRepositoryMeta stores an opaque blob under the repository's
// .config.nitro_repo prefix.
func (s *S3Storage) PutRepositoryMeta(ctx context.Context, repo RepoRef, key string, value json.RawMessage) error {
	if err := validateComponent(key); err != nil {
		return newError(KindBadPath, key, err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.metaBlobKey(repo, key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return newError(KindIO, key, err)
	}
	return nil
}

// GetRepositoryMeta loads a blob stored with PutRepositoryMeta.
func (s *S3Storage) GetRepositoryMeta(ctx context.Context, repo RepoRef, key string) (json.RawMessage, bool, error) {
	object, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.metaBlobKey(repo, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, newError(KindIO, key, err)
	}
	defer object.Body.Close()
	data, err := io.ReadAll(object.Body)
	if err != nil {
		return nil, false, newError(KindIO, key, err)
	}
	return data, true, nil
}

// ValidateConfigChange dry-runs a reconfiguration.
func (s *S3Storage) ValidateConfigChange(typeConfig json.RawMessage) error {
	return s3Factory{}.TestConfig(typeConfig)
}

// Unload drains the shared HTTP client's idle connections.
func (s *S3Storage) Unload(ctx context.Context) error {
	sharedHTTPClient.CloseIdleConnections()
	return nil
}
