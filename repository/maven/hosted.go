package maven

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/common"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

// Hosted is the deployable Maven variant. Configuration blobs sit behind a
// read-write lock and are swapped whole by Reload.
type Hosted struct {
	id          uuid.UUID
	name        string
	storageName string
	store       storage.Storage
	deps        *repository.Deps
	active      atomic.Bool
	log         *common.ContextLogger

	mu         sync.RWMutex
	visibility auth.Visibility
	pushRules  repository.PushRules
	project    repository.ProjectConfig
	cfg        Config
}

func loadHosted(record repository.Record, store storage.Storage, deps *repository.Deps, cfg Config) (*Hosted, error) {
	pushRules := repository.PushRules{}
	if err := deps.Configs.GetOrDefault(record.ID, repository.ConfigTypePushRules, &pushRules); err != nil {
		return nil, err
	}
	projectCfg := repository.DefaultProjectConfig()
	if err := deps.Configs.GetOrDefault(record.ID, repository.ConfigTypeProject, &projectCfg); err != nil {
		return nil, err
	}
	hosted := &Hosted{
		id:          record.ID,
		name:        record.Name,
		storageName: store.Name(),
		store:       store,
		deps:        deps,
		visibility:  auth.ParseVisibility(record.Visibility),
		pushRules:   pushRules,
		project:     projectCfg,
		cfg:         cfg,
		log:         common.RepositoryLogger(TypeName, store.Name(), record.Name),
	}
	hosted.active.Store(record.Active)
	return hosted, nil
}

func (h *Hosted) ID() uuid.UUID       { return h.id }
func (h *Hosted) Name() string        { return h.name }
func (h *Hosted) StorageName() string { return h.storageName }
func (h *Hosted) Type() string        { return TypeName }
func (h *Hosted) Active() bool        { return h.active.Load() }

func (h *Hosted) Storage() storage.Storage { return h.store }

func (h *Hosted) Visibility() auth.Visibility {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.visibility
}

// ConfigTypes lists the config-plane keys this handler understands.
func (h *Hosted) ConfigTypes() []string {
	return []string{
		repository.ConfigTypePushRules,
		repository.ConfigTypeProject,
		repository.ConfigTypeFrontend,
		repository.ConfigTypeMavenConfig,
	}
}

// Reload refreshes the active flag and swaps the configuration blobs.
func (h *Hosted) Reload(ctx context.Context) error {
	var record repository.Record
	err := h.deps.DB.First(&record, "id = ?", h.id).Error
	if err != nil {
		h.log.WithError(err).Error("failed to reload repository row; deactivating")
		h.active.Store(false)
		return nil
	}
	pushRules := repository.PushRules{}
	if err := h.deps.Configs.GetOrDefault(h.id, repository.ConfigTypePushRules, &pushRules); err != nil {
		return err
	}
	projectCfg := repository.DefaultProjectConfig()
	if err := h.deps.Configs.GetOrDefault(h.id, repository.ConfigTypeProject, &projectCfg); err != nil {
		return err
	}
	cfg := DefaultConfig()
	if err := h.deps.Configs.GetOrDefault(h.id, repository.ConfigTypeMavenConfig, &cfg); err != nil {
		return err
	}
	h.active.Store(record.Active)
	h.mu.Lock()
	h.visibility = auth.ParseVisibility(record.Visibility)
	h.pushRules = pushRules
	h.project = projectCfg
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

// HandleRequest dispatches GET, HEAD and PUT; everything else is 405.
func (h *Hosted) HandleRequest(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	switch req.Method {
	case http.MethodGet:
		return h.handleGet(ctx, req)
	case http.MethodHead:
		return h.handleHead(ctx, req)
	case http.MethodPut:
		return h.handlePut(ctx, req)
	default:
		return repository.UnsupportedMethod(req.Method, TypeName), nil
	}
}

func (h *Hosted) handleGet(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	if denied, err := repository.CheckRead(req.Authentication, h.deps.Auth, h.Visibility(), h.id); denied != nil || err != nil {
		return denied, err
	}
	file, err := h.store.OpenFile(ctx, h.repoRef(), req.Path)
	if err != nil {
		return nil, err
	}
	if denied, err := repository.CheckListing(req.Authentication, h.deps.Auth, h.Visibility(), h.id, file); denied != nil || err != nil {
		if file != nil && file.Content != nil {
			file.Content.Close()
		}
		return denied, err
	}
	return repository.FileResponse(file), nil
}

func (h *Hosted) handleHead(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	if denied, err := repository.CheckRead(req.Authentication, h.deps.Auth, h.Visibility(), h.id); denied != nil || err != nil {
		return denied, err
	}
	meta, err := h.store.GetFileInformation(ctx, h.repoRef(), req.Path)
	if err != nil {
		return nil, err
	}
	return repository.MetaResponse(meta), nil
}

func (h *Hosted) handlePut(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	h.mu.RLock()
	pushRules := h.pushRules
	policy := h.cfg.Policy
	autoIndex := h.project.AutoIndex
	h.mu.RUnlock()

	if pushRules.MustUseAuthTokenForPush && !req.Authentication.HasAuthToken() {
		h.log.Info("deploy rejected: repository requires an auth token for push")
		return repository.RequireAuthToken(), nil
	}
	user, denied, err := repository.RequireDeployer(req.Authentication, h.deps.Auth, h.id)
	if denied != nil || err != nil {
		return denied, err
	}

	if req.NitroDeployVersion() != "" {
		// Reserved for the richer deploy protocol.
		return repository.UnsupportedMethod(req.Method, TypeName), nil
	}
	if pushRules.RequireNitroDeploy {
		return repository.RequireNitroDeploy(), nil
	}

	if req.Path.IsRoot() {
		return repository.BadRequest("cannot deploy to the repository root"), nil
	}
	if version := deployVersionFromPath(req.Path); version != "" {
		if err := CheckVersionPolicy(policy, version); err != nil {
			return repository.BadRequest(err.Error()), nil
		}
	}

	body, err := req.BodyBytes()
	if err != nil {
		return repository.BadRequest("failed to read request body"), nil
	}
	h.log.Infof("saving file %s (%d bytes)", req.Path, len(body))
	_, created, err := h.store.SaveFile(ctx, h.repoRef(), req.Path, bytes.NewReader(body))
	if err != nil {
		if storage.IsPathCollision(err) {
			return repository.Text(http.StatusConflict, err.Error()), nil
		}
		return nil, err
	}

	location := "/repositories/" + h.storageName + "/" + h.name + "/" + req.Path.String()
	if req.Path.HasExtension("pom") {
		pom, err := ParsePom(body)
		if err != nil {
			// The artifact is already on disk; the index is not updated.
			// The operator can reindex.
			h.log.WithError(err).Warn("uploaded POM does not parse")
			return repository.BadRequest(err.Error()), nil
		}
		if autoIndex {
			if err := h.postPomUpload(req.Path, user.ID, pom); err != nil {
				h.log.WithError(err).Error("failed to update project index after POM upload")
			}
		}
	}
	return repository.PutResponse(created, location), nil
}

// postPomUpload upserts the project and version rows for an uploaded POM.
// The artifact is on disk before this runs; a crash in between is
// recoverable by reindexing.
func (h *Hosted) postPomUpload(path storage.StoragePath, userID int64, pom *Pom) error {
	versionDir := path.Parent()
	projectDir := versionDir.Parent()
	var description *string
	if pom.Description != "" {
		description = &pom.Description
	}
	name := pom.Name
	if name == "" {
		name = pom.ArtifactID
	}
	project, err := h.deps.Index.GetOrCreateProject(indexNewProject(h.id, pom, name, projectDir.DirectoryPath(), description))
	if err != nil {
		return err
	}
	version := pom.EffectiveVersion()
	_, err = h.deps.Index.UpsertVersion(project.ID, version, versionDir.DirectoryPath(), &userID, pom.Summary())
	return err
}

func (h *Hosted) repoRef() storage.RepoRef {
	return storage.RepoRef{ID: h.id, Name: h.name}
}

// deployVersionFromPath extracts the version directory from a deploy path
// (g/a/v/file -> v). Too-short paths have no version to check.
func deployVersionFromPath(path storage.StoragePath) string {
	components := path.Components()
	if len(components) < 3 {
		return ""
	}
	return components[len(components)-2]
}
