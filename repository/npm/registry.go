package npm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/common"
	"nitro.evalgo.org/index"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

// TypeName is the repository-type tag for NPM registries.
const TypeName = "npm"

// npmTimeFormat is the timestamp format of the registry's time map.
const npmTimeFormat = "2006-01-02T15:04:05.000Z"

// Registry is the hosted NPM variant.
type Registry struct {
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
}

// Factory loads NPM registries.
type Factory struct{}

// NewFactory returns the NPM repository factory.
func NewFactory() Factory { return Factory{} }

// TypeName returns the repository-type tag.
func (Factory) TypeName() string { return TypeName }

// Load builds the handler for one repository row.
func (Factory) Load(ctx context.Context, record repository.Record, store storage.Storage, deps *repository.Deps) (repository.Repository, error) {
	pushRules := repository.PushRules{}
	if err := deps.Configs.GetOrDefault(record.ID, repository.ConfigTypePushRules, &pushRules); err != nil {
		return nil, err
	}
	projectCfg := repository.DefaultProjectConfig()
	if err := deps.Configs.GetOrDefault(record.ID, repository.ConfigTypeProject, &projectCfg); err != nil {
		return nil, err
	}
	registry := &Registry{
		id:          record.ID,
		name:        record.Name,
		storageName: store.Name(),
		store:       store,
		deps:        deps,
		visibility:  auth.ParseVisibility(record.Visibility),
		pushRules:   pushRules,
		project:     projectCfg,
		log:         common.RepositoryLogger(TypeName, store.Name(), record.Name),
	}
	registry.active.Store(record.Active)
	return registry, nil
}

func (r *Registry) ID() uuid.UUID       { return r.id }
func (r *Registry) Name() string        { return r.name }
func (r *Registry) StorageName() string { return r.storageName }
func (r *Registry) Type() string        { return TypeName }
func (r *Registry) Active() bool        { return r.active.Load() }

func (r *Registry) Storage() storage.Storage { return r.store }

func (r *Registry) Visibility() auth.Visibility {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visibility
}

// ConfigTypes lists the config-plane keys this handler understands.
func (r *Registry) ConfigTypes() []string {
	return []string{
		repository.ConfigTypePushRules,
		repository.ConfigTypeProject,
		repository.ConfigTypeFrontend,
		repository.ConfigTypeNpmConfig,
	}
}

// Reload refreshes the active flag and swaps the configuration blobs.
func (r *Registry) Reload(ctx context.Context) error {
	var record repository.Record
	err := r.deps.DB.First(&record, "id = ?", r.id).Error
	if err != nil {
		r.log.WithError(err).Error("failed to reload repository row; deactivating")
		r.active.Store(false)
		return nil
	}
	pushRules := repository.PushRules{}
	if err := r.deps.Configs.GetOrDefault(r.id, repository.ConfigTypePushRules, &pushRules); err != nil {
		return err
	}
	projectCfg := repository.DefaultProjectConfig()
	if err := r.deps.Configs.GetOrDefault(r.id, repository.ConfigTypeProject, &projectCfg); err != nil {
		return err
	}
	r.active.Store(record.Active)
	r.mu.Lock()
	r.visibility = auth.ParseVisibility(record.Visibility)
	r.pushRules = pushRules
	r.project = projectCfg
	r.mu.Unlock()
	return nil
}

// HandleRequest dispatches GET and PUT; the npm CLI uses nothing else
// against this registry.
func (r *Registry) HandleRequest(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	switch req.Method {
	case http.MethodGet:
		return r.handleGet(ctx, req)
	case http.MethodPut:
		return r.handlePut(ctx, req)
	default:
		return repository.UnsupportedMethod(req.Method, TypeName), nil
	}
}

func (r *Registry) handleGet(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	if denied, err := repository.CheckRead(req.Authentication, r.deps.Auth, r.Visibility(), r.id); denied != nil || err != nil {
		return denied, err
	}
	getPath, err := ClassifyGetPath(req.Path)
	if err != nil {
		return repository.BadRequest(err.Error()), nil
	}
	switch getPath.Kind {
	case GetPackageInfo:
		return r.packageInfo(getPath.Name)
	case GetVersionInfo:
		return r.versionInfo(getPath.Name, getPath.Version)
	case GetTarball:
		return r.tarball(ctx, req, getPath)
	default:
		return repository.NotFound(), nil
	}
}

func (r *Registry) packageInfo(name string) (*repository.Response, error) {
	project, err := r.deps.Index.GetProjectByKey(r.id, name)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return repository.Text(http.StatusNotFound,
			fmt.Sprintf("Project %s not found in repository", name)), nil
	}
	versions, err := r.deps.Index.GetAllVersions(project.ID)
	if err != nil {
		return nil, err
	}
	response := PackageInfoResponse{
		ID:       project.ProjectKey,
		Name:     project.Name,
		DistTags: map[string]string{},
		Versions: map[string]json.RawMessage{},
		Time: map[string]string{
			"created":  project.CreatedAt.UTC().Format(npmTimeFormat),
			"modified": project.UpdatedAt.UTC().Format(npmTimeFormat),
		},
	}
	if project.Description != nil {
		response.Description = *project.Description
	}
	if project.LatestRelease != nil {
		response.DistTags["latest"] = *project.LatestRelease
	} else if project.LatestPreRelease != nil {
		response.DistTags["latest"] = *project.LatestPreRelease
	}
	for _, version := range versions {
		response.Time[version.Version] = version.CreatedAt.UTC().Format(npmTimeFormat)
		if len(version.Extra) == 0 {
			r.log.Warnf("version %s of %s has no stored publish record", version.Version, name)
			continue
		}
		response.Versions[version.Version] = version.Extra
	}
	return repository.JSON(http.StatusOK, response), nil
}

func (r *Registry) versionInfo(name, versionString string) (*repository.Response, error) {
	_, version, response, err := r.lookupVersion(name, versionString)
	if response != nil || err != nil {
		return response, err
	}
	if len(version.Extra) == 0 {
		return repository.Text(http.StatusInternalServerError, "stored version has no publish record"), nil
	}
	return &repository.Response{
		Status:      http.StatusOK,
		Body:        version.Extra,
		ContentType: "application/json",
	}, nil
}

func (r *Registry) tarball(ctx context.Context, req *repository.Request, getPath GetPath) (*repository.Response, error) {
	_, version, response, err := r.lookupVersion(getPath.Name, getPath.Version)
	if response != nil || err != nil {
		return response, err
	}
	storagePath, err := storage.ParsePath(version.VersionPath)
	if err != nil {
		return nil, err
	}
	storagePath, err = storagePath.Push(stripScope(getPath.File))
	if err != nil {
		return repository.BadRequest(err.Error()), nil
	}
	file, err := r.store.OpenFile(ctx, r.repoRef(), storagePath)
	if err != nil {
		return nil, err
	}
	if denied, err := repository.CheckListing(req.Authentication, r.deps.Auth, r.Visibility(), r.id, file); denied != nil || err != nil {
		if file != nil && file.Content != nil {
			file.Content.Close()
		}
		return denied, err
	}
	return repository.FileResponse(file), nil
}

func (r *Registry) lookupVersion(name, versionString string) (*index.Project, *index.ProjectVersion, *repository.Response, error) {
	project, err := r.deps.Index.GetProjectByKey(r.id, name)
	if err != nil {
		return nil, nil, nil, err
	}
	if project == nil {
		return nil, nil, repository.Text(http.StatusNotFound,
			fmt.Sprintf("Project %s not found in repository", name)), nil
	}
	version, err := r.deps.Index.GetVersion(project.ID, versionString)
	if err != nil {
		return nil, nil, nil, err
	}
	if version == nil {
		return nil, nil, repository.Text(http.StatusNotFound,
			fmt.Sprintf("Version %s not found in project %s", versionString, name)), nil
	}
	return project, version, nil, nil
}

func (r *Registry) handlePut(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	pathString := req.Path.String()
	if strings.HasPrefix(pathString, "-/user/org.couchdb.user:") {
		return r.handleCouchLogin(req)
	}
	if pathString == "-/v1/login" {
		return r.handleWebLogin(req)
	}

	r.mu.RLock()
	pushRules := r.pushRules
	r.mu.RUnlock()
	if pushRules.MustUseAuthTokenForPush && !req.Authentication.HasAuthToken() {
		return repository.RequireAuthToken(), nil
	}
	user, denied, err := repository.RequireDeployer(req.Authentication, r.deps.Auth, r.id)
	if denied != nil || err != nil {
		return denied, err
	}

	command := req.NpmCommand()
	if command != "publish" {
		return repository.Text(http.StatusMethodNotAllowed,
			fmt.Sprintf("unsupported npm command %q", command)), nil
	}
	return r.handlePublish(ctx, req, user)
}

func (r *Registry) handlePublish(ctx context.Context, req *repository.Request, user *auth.User) (*repository.Response, error) {
	var publish PublishRequest
	if err := req.BodyJSON(&publish); err != nil {
		return repository.BadRequest(err.Error()), nil
	}
	if len(publish.Versions) != 1 {
		return repository.BadRequest("Only one release or attachment at a time"), nil
	}
	var versionString string
	var data VersionData
	for v, d := range publish.Versions {
		versionString, data = v, d
	}
	if err := data.Dist.ValidateTarball(r.storageName, r.name); err != nil {
		return repository.BadRequest(err.Error()), nil
	}

	packageName := ParsePackageName(publish.Name)
	projectPath, err := storage.ParsePath(publish.Name)
	if err != nil {
		return repository.BadRequest(err.Error()), nil
	}
	var scope *string
	if packageName.Scope != "" {
		scope = &packageName.Scope
	}
	var description *string
	if data.Description != "" {
		description = &data.Description
	}
	project, err := r.deps.Index.GetOrCreateProject(index.NewProject{
		RepositoryID: r.id,
		ProjectKey:   publish.Name,
		Scope:        scope,
		Name:         packageName.Name,
		StoragePath:  projectPath.DirectoryPath(),
		Description:  description,
	})
	if err != nil {
		return nil, err
	}

	versionPath, err := projectPath.Push(versionString)
	if err != nil {
		return repository.BadRequest(err.Error()), nil
	}
	if _, err := r.deps.Index.UpsertVersion(project.ID, versionString, versionPath.DirectoryPath(), &user.ID, data.Raw); err != nil {
		return nil, err
	}

	for file, attachment := range publish.Attachments {
		decoded, err := attachment.Decode()
		if err != nil {
			return repository.BadRequest(err.Error()), nil
		}
		target, err := versionPath.Push(stripScope(file))
		if err != nil {
			return repository.BadRequest(err.Error()), nil
		}
		r.log.Infof("saving attachment %s (%d bytes)", target, len(decoded))
		if _, _, err := r.store.SaveFile(ctx, r.repoRef(), target, bytes.NewReader(decoded)); err != nil {
			return nil, err
		}
	}
	return &repository.Response{Status: http.StatusNoContent}, nil
}

// handleCouchLogin implements PUT /-/user/org.couchdb.user:{username} so
// `npm adduser` succeeds against an existing account.
func (r *Registry) handleCouchLogin(req *repository.Request) (*repository.Response, error) {
	pathString := req.Path.String()
	username := strings.TrimPrefix(pathString, "-/user/org.couchdb.user:")
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := req.BodyJSON(&body); err != nil {
		return repository.BadRequest(err.Error()), nil
	}
	if body.Name != "" {
		username = body.Name
	}
	user, err := r.deps.Auth.VerifyLogin(username, body.Password)
	if err != nil {
		if err == auth.ErrInvalidCredentials || err == auth.ErrUserInactive {
			return repository.Unauthorized(), nil
		}
		return nil, err
	}
	return repository.JSON(http.StatusCreated, map[string]string{
		"ok": fmt.Sprintf("user '%s' created", user.Username),
	}), nil
}

// handleWebLogin is a minimal web-flow login: Basic credentials buy a fresh
// auth token returned in the response body.
func (r *Registry) handleWebLogin(req *repository.Request) (*repository.Response, error) {
	if !req.Authentication.Authenticated() {
		return repository.WWWAuthenticate(`Basic realm="Nitro Repo"`), nil
	}
	plaintext, _, err := r.deps.Auth.CreateAuthToken(
		req.Authentication.User.ID, "npm login", auth.TokenTypeAPI, 90*24*time.Hour)
	if err != nil {
		return nil, err
	}
	return repository.JSON(http.StatusCreated, map[string]string{"token": plaintext}), nil
}

func (r *Registry) repoRef() storage.RepoRef {
	return storage.RepoRef{ID: r.id, Name: r.name}
}
