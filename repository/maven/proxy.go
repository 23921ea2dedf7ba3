package maven

import (
	"bytes"
	"context"
	"fmt"
	"io"
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

// proxyUserAgent identifies Nitro Repo to upstream mirrors.
const proxyUserAgent = "Nitro Repo"

// proxyRequestTimeout bounds each upstream fetch.
const proxyRequestTimeout = 30 * time.Second

// Proxy is the caching Maven variant. On GET miss it walks its routes in
// priority order, caches the first 2xx body into local storage and serves
// it. The cache is append-only; staleness and eviction are not handled.
type Proxy struct {
	id          uuid.UUID
	name        string
	storageName string
	store       storage.Storage
	deps        *repository.Deps
	active      atomic.Bool
	client      *http.Client
	log         *common.ContextLogger

	mu         sync.RWMutex
	visibility auth.Visibility
	project    repository.ProjectConfig
	routes     []ProxyRoute

	// prefetches tracks detached downloads so Unload can wait for
	// quiescence.
	prefetches sync.WaitGroup
}

func loadProxy(record repository.Record, store storage.Storage, deps *repository.Deps, cfg Config) (*Proxy, error) {
	projectCfg := repository.DefaultProjectConfig()
	if err := deps.Configs.GetOrDefault(record.ID, repository.ConfigTypeProject, &projectCfg); err != nil {
		return nil, err
	}
	routes := make([]ProxyRoute, len(cfg.Routes))
	copy(routes, cfg.Routes)
	SortRoutes(routes)
	proxy := &Proxy{
		id:          record.ID,
		name:        record.Name,
		storageName: store.Name(),
		store:       store,
		deps:        deps,
		visibility:  auth.ParseVisibility(record.Visibility),
		project:     projectCfg,
		routes:      routes,
		client:      &http.Client{Timeout: proxyRequestTimeout},
		log:         common.RepositoryLogger(TypeName, store.Name(), record.Name),
	}
	proxy.active.Store(record.Active)
	return proxy, nil
}

func (p *Proxy) ID() uuid.UUID       { return p.id }
func (p *Proxy) Name() string        { return p.name }
func (p *Proxy) StorageName() string { return p.storageName }
func (p *Proxy) Type() string        { return TypeName }
func (p *Proxy) Active() bool        { return p.active.Load() }

func (p *Proxy) Storage() storage.Storage { return p.store }

func (p *Proxy) Visibility() auth.Visibility {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.visibility
}

// ConfigTypes lists the config-plane keys this handler understands.
func (p *Proxy) ConfigTypes() []string {
	return []string{
		repository.ConfigTypeProject,
		repository.ConfigTypeFrontend,
		repository.ConfigTypeMavenConfig,
	}
}

// Reload refreshes the active flag, visibility and routes.
func (p *Proxy) Reload(ctx context.Context) error {
	var record repository.Record
	err := p.deps.DB.First(&record, "id = ?", p.id).Error
	if err != nil {
		p.log.WithError(err).Error("failed to reload repository row; deactivating")
		p.active.Store(false)
		return nil
	}
	cfg := DefaultConfig()
	if err := p.deps.Configs.GetOrDefault(p.id, repository.ConfigTypeMavenConfig, &cfg); err != nil {
		return err
	}
	if cfg.Mode != "proxy" {
		return fmt.Errorf("repository %s reconfigured away from proxy mode; reload requires a restart", p.name)
	}
	projectCfg := repository.DefaultProjectConfig()
	if err := p.deps.Configs.GetOrDefault(p.id, repository.ConfigTypeProject, &projectCfg); err != nil {
		return err
	}
	routes := make([]ProxyRoute, len(cfg.Routes))
	copy(routes, cfg.Routes)
	SortRoutes(routes)

	p.active.Store(record.Active)
	p.mu.Lock()
	p.visibility = auth.ParseVisibility(record.Visibility)
	p.project = projectCfg
	p.routes = routes
	p.mu.Unlock()
	return nil
}

// HandleRequest dispatches GET and HEAD; a proxy is never deployed to.
func (p *Proxy) HandleRequest(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	switch req.Method {
	case http.MethodGet:
		return p.handleGet(ctx, req)
	case http.MethodHead:
		return p.handleHead(ctx, req)
	default:
		return repository.UnsupportedMethod(req.Method, TypeName), nil
	}
}

func (p *Proxy) handleGet(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	if denied, err := repository.CheckRead(req.Authentication, p.deps.Auth, p.Visibility(), p.id); denied != nil || err != nil {
		return denied, err
	}
	file, err := p.store.OpenFile(ctx, p.repoRef(), req.Path)
	if err != nil {
		return nil, err
	}
	if file == nil {
		p.log.Debugf("cache miss for %s; trying upstream routes", req.Path)
		file, err = p.fetchFromUpstream(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		if file == nil {
			return repository.ServiceUnavailable("all proxy routes failed"), nil
		}
	}
	if denied, err := repository.CheckListing(req.Authentication, p.deps.Auth, p.Visibility(), p.id, file); denied != nil || err != nil {
		if file.Content != nil {
			file.Content.Close()
		}
		return denied, err
	}
	return repository.FileResponse(file), nil
}

func (p *Proxy) handleHead(ctx context.Context, req *repository.Request) (*repository.Response, error) {
	if denied, err := repository.CheckRead(req.Authentication, p.deps.Auth, p.Visibility(), p.id); denied != nil || err != nil {
		return denied, err
	}
	meta, err := p.store.GetFileInformation(ctx, p.repoRef(), req.Path)
	if err != nil {
		return nil, err
	}
	return repository.MetaResponse(meta), nil
}

// fetchFromUpstream walks the routes in order, caches the first successful
// body and re-opens it from storage. Returns nil when every route failed.
func (p *Proxy) fetchFromUpstream(ctx context.Context, path storage.StoragePath) (*storage.File, error) {
	p.mu.RLock()
	routes := make([]ProxyRoute, len(p.routes))
	copy(routes, p.routes)
	p.mu.RUnlock()

	for _, route := range routes {
		url := strings.TrimSuffix(route.URL, "/") + "/" + path.String()
		body, ok := p.download(ctx, url)
		if !ok {
			continue
		}
		if _, _, err := p.store.SaveFile(ctx, p.repoRef(), path, bytes.NewReader(body)); err != nil {
			return nil, err
		}
		if path.HasExtension("pom") {
			p.schedulePrefetch(path, route, body)
		}
		return p.store.OpenFile(ctx, p.repoRef(), path)
	}
	return nil, nil
}

func (p *Proxy) download(ctx context.Context, url string) ([]byte, bool) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.log.WithError(err).Warnf("failed to build upstream request for %s", url)
		return nil, false
	}
	request.Header.Set("User-Agent", proxyUserAgent)
	response, err := p.client.Do(request)
	if err != nil {
		p.log.WithError(err).Warnf("upstream request failed for %s", url)
		return nil, false
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		p.log.Debugf("upstream %s answered %d", url, response.StatusCode)
		return nil, false
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		p.log.WithError(err).Warnf("failed to read upstream body for %s", url)
		return nil, false
	}
	return body, true
}

// schedulePrefetch warms the cache with the POM's jar, sources and javadoc
// siblings. The task is detached from the originating request: cancelling
// the client download must not cancel it.
func (p *Proxy) schedulePrefetch(pomPath storage.StoragePath, route ProxyRoute, pomBody []byte) {
	p.prefetches.Add(1)
	go func() {
		defer p.prefetches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := p.prefetchProjectFiles(ctx, pomPath, route, pomBody); err != nil {
			p.log.WithError(err).Warn("proxy prefetch failed")
		}
	}()
}

func (p *Proxy) prefetchProjectFiles(ctx context.Context, pomPath storage.StoragePath, route ProxyRoute, pomBody []byte) error {
	pom, err := ParsePom(pomBody)
	if err != nil {
		return err
	}
	version := pom.EffectiveVersion()
	if version == "" {
		return fmt.Errorf("POM is missing a version")
	}
	versionDir := pomPath.Parent()
	for _, file := range []string{
		fmt.Sprintf("%s-%s.jar", pom.ArtifactID, version),
		fmt.Sprintf("%s-%s-sources.jar", pom.ArtifactID, version),
		fmt.Sprintf("%s-%s-javadoc.jar", pom.ArtifactID, version),
	} {
		path, err := versionDir.Push(file)
		if err != nil {
			continue
		}
		exists, err := p.store.FileExists(ctx, p.repoRef(), path)
		if err != nil || exists {
			continue
		}
		url := strings.TrimSuffix(route.URL, "/") + "/" + path.String()
		body, ok := p.download(ctx, url)
		if !ok {
			// Best effort; sources and javadoc often do not exist.
			continue
		}
		if _, _, err := p.store.SaveFile(ctx, p.repoRef(), path, bytes.NewReader(body)); err != nil {
			p.log.WithError(err).Warnf("failed to cache prefetched %s", path)
		}
	}
	return nil
}

func (p *Proxy) repoRef() storage.RepoRef {
	return storage.RepoRef{ID: p.id, Name: p.name}
}

// WaitForPrefetches blocks until detached downloads finish. Used by
// shutdown and tests.
func (p *Proxy) WaitForPrefetches() {
	p.prefetches.Wait()
}

func indexNewProject(repositoryID uuid.UUID, pom *Pom, name, storagePath string, description *string) index.NewProject {
	return index.NewProject{
		RepositoryID: repositoryID,
		ProjectKey:   pom.ProjectKey(),
		Name:         name,
		StoragePath:  storagePath,
		Description:  description,
	}
}
