package maven

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/index"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

const testPom = `<project>
  <groupId>com.example</groupId>
  <artifactId>foo</artifactId>
  <version>1.0.0</version>
  <description>Test artifact</description>
</project>`

func TestParsePom(t *testing.T) {
	pom, err := ParsePom([]byte(testPom))
	require.NoError(t, err)
	assert.Equal(t, "com.example", pom.EffectiveGroupID())
	assert.Equal(t, "foo", pom.ArtifactID)
	assert.Equal(t, "1.0.0", pom.EffectiveVersion())
	assert.Equal(t, "com.example:foo", pom.ProjectKey())
}

func TestParsePomParentFallback(t *testing.T) {
	pom, err := ParsePom([]byte(`<project>
	  <parent><groupId>com.example</groupId><version>2.0.0</version></parent>
	  <artifactId>child</artifactId>
	</project>`))
	require.NoError(t, err)
	assert.Equal(t, "com.example", pom.EffectiveGroupID())
	assert.Equal(t, "2.0.0", pom.EffectiveVersion())
}

func TestParsePomInvalid(t *testing.T) {
	_, err := ParsePom([]byte("not xml at all <"))
	assert.Error(t, err)
	_, err = ParsePom([]byte("<project></project>"))
	assert.Error(t, err, "a POM without artifactId is rejected")
}

func TestCheckVersionPolicy(t *testing.T) {
	assert.NoError(t, CheckVersionPolicy(PolicyRelease, "1.0.0"))
	assert.Error(t, CheckVersionPolicy(PolicyRelease, "1.0.0-SNAPSHOT"))
	assert.Error(t, CheckVersionPolicy(PolicyRelease, "1.0.0-snapshot"))
	assert.NoError(t, CheckVersionPolicy(PolicySnapshot, "1.0.0-SNAPSHOT"))
	assert.Error(t, CheckVersionPolicy(PolicySnapshot, "1.0.0"))
	assert.NoError(t, CheckVersionPolicy(PolicyMixed, "1.0.0"))
	assert.NoError(t, CheckVersionPolicy(PolicyMixed, "1.0.0-SNAPSHOT"))
}

func TestSortRoutes(t *testing.T) {
	one, five := 1, 5
	routes := []ProxyRoute{
		{URL: "https://c.example", Priority: nil},
		{URL: "https://b.example", Priority: &five},
		{URL: "https://a.example", Priority: &one},
	}
	SortRoutes(routes)
	assert.Equal(t, "https://a.example", routes[0].URL)
	assert.Equal(t, "https://b.example", routes[1].URL)
	assert.Equal(t, "https://c.example", routes[2].URL)
}

type testEnv struct {
	deps   *repository.Deps
	store  storage.Storage
	record repository.Record
	user   *auth.User
}

func newTestEnv(t *testing.T, cfg Config, visibility string) *testEnv {
	t.Helper()
	handle, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, handle.AutoMigrate(
		&auth.User{}, &auth.AuthToken{}, &auth.UserRepositoryAction{},
		&repository.Record{}, &repository.ConfigRecord{},
		&index.Project{}, &index.ProjectVersion{},
	))

	authStore := auth.NewStore(handle)
	deps := &repository.Deps{
		DB:      handle,
		Configs: repository.NewConfigStore(handle),
		Index:   index.New(handle),
		Auth:    authStore,
	}
	store, err := storage.NewLocalStorage(uuid.New(), "local1", t.TempDir())
	require.NoError(t, err)

	record := repository.Record{
		ID:         uuid.New(),
		StorageID:  store.ID(),
		Name:       "maven-releases",
		TypeName:   TypeName,
		Visibility: visibility,
		Active:     true,
	}
	require.NoError(t, handle.Create(&record).Error)
	require.NoError(t, deps.Configs.Put(record.ID, repository.ConfigTypeMavenConfig, cfg))

	user, err := authStore.CreateUser(auth.NewUser{
		Username: "deployer",
		Email:    "deployer@example.com",
		Password: "secret-password-1",
		Admin:    true,
	})
	require.NoError(t, err)

	return &testEnv{deps: deps, store: store, record: record, user: user}
}

func (e *testEnv) loadHosted(t *testing.T) *Hosted {
	t.Helper()
	repo, err := NewFactory().Load(context.Background(), e.record, e.store, e.deps)
	require.NoError(t, err)
	hosted, ok := repo.(*Hosted)
	require.True(t, ok)
	return hosted
}

func (e *testEnv) putRequest(path, body string, authn *auth.Authentication) *repository.Request {
	return &repository.Request{
		Method:         http.MethodPut,
		Path:           storage.MustParsePath(path),
		Headers:        http.Header{},
		Body:           io.NopCloser(bytes.NewReader([]byte(body))),
		Authentication: authn,
	}
}

func (e *testEnv) getRequest(path string, authn *auth.Authentication) *repository.Request {
	return &repository.Request{
		Method:         http.MethodGet,
		Path:           storage.MustParsePath(path),
		Headers:        http.Header{},
		Authentication: authn,
	}
}

func asUser(user *auth.User) *auth.Authentication {
	return &auth.Authentication{Mode: auth.ModeBearer, User: user, AuthToken: &auth.AuthToken{ID: 1, UserID: user.ID}}
}

func anonymous() *auth.Authentication {
	return &auth.Authentication{Mode: auth.ModeNone}
}

func TestHostedDeployAndFetch(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyRelease}, "public")
	hosted := env.loadHosted(t)
	ctx := context.Background()

	response, err := hosted.HandleRequest(ctx, env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", "hello", asUser(env.user)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, response.Status)
	assert.Equal(t, "/repositories/local1/maven-releases/com/example/foo/1.0.0/foo-1.0.0.jar", response.Location)

	response, err = hosted.HandleRequest(ctx, env.getRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	require.NotNil(t, response.File)
	body, err := io.ReadAll(response.File.Content)
	require.NoError(t, err)
	response.File.Content.Close()
	assert.Equal(t, "hello", string(body))
}

func TestHostedPomUpdatesIndex(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyRelease}, "public")
	hosted := env.loadHosted(t)
	ctx := context.Background()

	response, err := hosted.HandleRequest(ctx, env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.pom", testPom, asUser(env.user)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, response.Status)

	version, err := env.deps.Index.FindByVersionDirectory("/com/example/foo/1.0.0", env.record.ID)
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, "1.0.0", version.Version)

	project, err := env.deps.Index.GetProjectByID(version.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "com.example:foo", project.ProjectKey)
	require.NotNil(t, project.LatestRelease)
	assert.Equal(t, "1.0.0", *project.LatestRelease)
}

func TestHostedPolicyRejectsSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyRelease}, "public")
	hosted := env.loadHosted(t)

	response, err := hosted.HandleRequest(context.Background(), env.putRequest(
		"com/example/foo/1.0.0-SNAPSHOT/foo-1.0.0-SNAPSHOT.jar", "x", asUser(env.user)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, response.Status)
	assert.Contains(t, string(response.Body), "SNAPSHOT in release only")
}

func TestHostedMalformedPomIsBadRequestButStored(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyMixed}, "public")
	hosted := env.loadHosted(t)
	ctx := context.Background()

	response, err := hosted.HandleRequest(ctx, env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.pom", "definitely not xml <", asUser(env.user)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, response.Status)

	// Best effort: the file landed on disk even though the index was not
	// updated.
	exists, err := env.store.FileExists(ctx, storage.RepoRef{ID: env.record.ID, Name: env.record.Name},
		storage.MustParsePath("com/example/foo/1.0.0/foo-1.0.0.pom"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHostedDeployRequiresAuth(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyMixed}, "public")
	hosted := env.loadHosted(t)

	response, err := hosted.HandleRequest(context.Background(), env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", "x", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, response.Status)
}

func TestHostedPushRules(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyMixed}, "public")
	require.NoError(t, env.deps.Configs.Put(env.record.ID, repository.ConfigTypePushRules,
		repository.PushRules{MustUseAuthTokenForPush: true}))
	hosted := env.loadHosted(t)

	// Password auth is rejected when tokens are mandatory.
	passwordAuth := &auth.Authentication{Mode: auth.ModeBasic, User: env.user}
	response, err := hosted.HandleRequest(context.Background(), env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", "x", passwordAuth))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, response.Status)
	assert.Contains(t, string(response.Body), "Authentication Token is required")

	// Token auth passes.
	response, err = hosted.HandleRequest(context.Background(), env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", "x", asUser(env.user)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, response.Status)
}

func TestHostedRequireNitroDeploy(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyMixed}, "public")
	require.NoError(t, env.deps.Configs.Put(env.record.ID, repository.ConfigTypePushRules,
		repository.PushRules{RequireNitroDeploy: true}))
	hosted := env.loadHosted(t)

	response, err := hosted.HandleRequest(context.Background(), env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", "x", asUser(env.user)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, response.Status)
	assert.Contains(t, string(response.Body), "Nitro Deploy")
}

func TestHostedHiddenRefusesListing(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyMixed}, "hidden")
	hosted := env.loadHosted(t)
	ctx := context.Background()

	_, err := hosted.HandleRequest(ctx, env.putRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", "hello", asUser(env.user)))
	require.NoError(t, err)

	// Files are served to anyone.
	response, err := hosted.HandleRequest(ctx, env.getRequest(
		"com/example/foo/1.0.0/foo-1.0.0.jar", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	response.File.Content.Close()

	// Directory listings are refused to anonymous callers.
	response, err = hosted.HandleRequest(ctx, env.getRequest("com/example/foo", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, response.Status)
	assert.Contains(t, string(response.Body), "Indexing is not allowed")
}

func TestHostedUnsupportedMethod(t *testing.T) {
	env := newTestEnv(t, Config{Mode: "hosted", Policy: PolicyMixed}, "public")
	hosted := env.loadHosted(t)

	request := env.getRequest("com/example", anonymous())
	request.Method = http.MethodDelete
	response, err := hosted.HandleRequest(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, response.Status)
}

func TestProxyMissThenHit(t *testing.T) {
	upstreamHits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		if r.URL.Path == "/org/slf4j/slf4j-api/2.0.9/slf4j-api-2.0.9.jar" {
			w.Write([]byte("jar-bytes"))
			return
		}
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	env := newTestEnv(t, Config{Mode: "proxy", Routes: []ProxyRoute{{URL: upstream.URL}}}, "public")
	repo, err := NewFactory().Load(context.Background(), env.record, env.store, env.deps)
	require.NoError(t, err)
	proxy, ok := repo.(*Proxy)
	require.True(t, ok)
	ctx := context.Background()

	response, err := proxy.HandleRequest(ctx, env.getRequest(
		"org/slf4j/slf4j-api/2.0.9/slf4j-api-2.0.9.jar", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	body, _ := io.ReadAll(response.File.Content)
	response.File.Content.Close()
	assert.Equal(t, "jar-bytes", string(body))
	assert.Equal(t, 1, upstreamHits)

	// Second request is served from the cache; the upstream is not hit.
	response, err = proxy.HandleRequest(ctx, env.getRequest(
		"org/slf4j/slf4j-api/2.0.9/slf4j-api-2.0.9.jar", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	response.File.Content.Close()
	assert.Equal(t, 1, upstreamHits)
}

func TestProxyAllRoutesFail(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer upstream.Close()

	env := newTestEnv(t, Config{Mode: "proxy", Routes: []ProxyRoute{{URL: upstream.URL}}}, "public")
	repo, err := NewFactory().Load(context.Background(), env.record, env.store, env.deps)
	require.NoError(t, err)

	response, err := repo.HandleRequest(context.Background(), env.getRequest(
		"org/example/missing/1.0/missing-1.0.jar", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, response.Status)
}

func TestProxyPomTriggersPrefetch(t *testing.T) {
	pom := `<project><groupId>org.example</groupId><artifactId>lib</artifactId><version>1.2.3</version></project>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/org/example/lib/1.2.3/lib-1.2.3.pom":
			w.Write([]byte(pom))
		case "/org/example/lib/1.2.3/lib-1.2.3.jar":
			w.Write([]byte("jar"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t, Config{Mode: "proxy", Routes: []ProxyRoute{{URL: upstream.URL}}}, "public")
	repo, err := NewFactory().Load(context.Background(), env.record, env.store, env.deps)
	require.NoError(t, err)
	proxy := repo.(*Proxy)
	ctx := context.Background()

	response, err := proxy.HandleRequest(ctx, env.getRequest(
		"org/example/lib/1.2.3/lib-1.2.3.pom", anonymous()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	response.File.Content.Close()

	proxy.WaitForPrefetches()
	exists, err := env.store.FileExists(ctx,
		storage.RepoRef{ID: env.record.ID, Name: env.record.Name},
		storage.MustParsePath("org/example/lib/1.2.3/lib-1.2.3.jar"))
	require.NoError(t, err)
	assert.True(t, exists, "the jar sibling was prefetched into the cache")
}
