package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/config"
	"nitro.evalgo.org/index"
	"nitro.evalgo.org/registry"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/repository/maven"
	"nitro.evalgo.org/repository/npm"
	"nitro.evalgo.org/session"
	"nitro.evalgo.org/storage"
)

type testServer struct {
	echo     *echo.Echo
	server   *Server
	handle   *gorm.DB
	registry *registry.Registry
	deps     *repository.Deps
	sessions session.Manager

	storageID  uuid.UUID
	admin      *auth.User
	adminToken string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	handle, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, handle.AutoMigrate(
		&auth.User{}, &auth.AuthToken{}, &auth.UserRepositoryAction{},
		&registry.StorageRecord{}, &repository.Record{}, &repository.ConfigRecord{},
		&index.Project{}, &index.ProjectVersion{},
	))

	authStore := auth.NewStore(handle)
	deps := &repository.Deps{
		DB:      handle,
		Configs: repository.NewConfigStore(handle),
		Index:   index.New(handle),
		Auth:    authStore,
	}
	reg := registry.New(handle, storage.NewFactorySet(), deps)
	reg.RegisterRepositoryFactory(maven.NewFactory())
	reg.RegisterRepositoryFactory(npm.NewFactory())

	sessions := session.NewBasicManager(time.Hour, 0)
	t.Cleanup(func() { sessions.Close() })

	server := &Server{
		Config:        config.Default(),
		Registry:      reg,
		Auth:          authStore,
		Authenticator: &auth.Authenticator{Store: authStore, Sessions: sessions},
		Sessions:      sessions,
		Index:         deps.Index,
	}

	localCfg, _ := json.Marshal(storage.LocalConfig{Root: t.TempDir()})
	storageID := uuid.New()
	_, err = reg.AddStorage(registry.StorageRecord{
		ID:         storageID,
		Name:       "local1",
		TypeName:   storage.LocalTypeName,
		TypeConfig: localCfg,
	})
	require.NoError(t, err)

	admin, err := authStore.CreateUser(auth.NewUser{
		Username: "root-admin",
		Email:    "admin@example.com",
		Password: "admin-password-1",
		Admin:    true,
	})
	require.NoError(t, err)
	adminToken, _, err := authStore.CreateAuthToken(admin.ID, "test", auth.TokenTypeAPI, 0)
	require.NoError(t, err)

	return &testServer{
		echo:       server.NewEcho(),
		server:     server,
		handle:     handle,
		registry:   reg,
		deps:       deps,
		sessions:   sessions,
		storageID:  storageID,
		admin:      admin,
		adminToken: adminToken,
	}
}

func (ts *testServer) addRepository(t *testing.T, name, typeName, visibility string, cfg interface{}) repository.Record {
	t.Helper()
	record := repository.Record{
		ID:         uuid.New(),
		StorageID:  ts.storageID,
		Name:       name,
		TypeName:   typeName,
		Visibility: visibility,
		Active:     true,
	}
	if cfg != nil {
		configType := repository.ConfigTypeMavenConfig
		if typeName == npm.TypeName {
			configType = repository.ConfigTypeNpmConfig
		}
		require.NoError(t, ts.deps.Configs.Put(record.ID, configType, cfg))
	}
	_, err := ts.registry.AddRepository(context.Background(), record)
	require.NoError(t, err)
	return record
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) put(path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return ts.do(req)
}

func (ts *testServer) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return ts.do(req)
}

const fooPom = `<project><groupId>com.example</groupId><artifactId>foo</artifactId><version>1.0.0</version></project>`

func TestMavenRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	record := ts.addRepository(t, "maven-releases", maven.TypeName, "public",
		maven.Config{Mode: "hosted", Policy: maven.PolicyRelease})

	rec := ts.put("/repositories/local1/maven-releases/com/example/foo/1.0.0/foo-1.0.0.jar", "hello", ts.adminToken)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/repositories/local1/maven-releases/com/example/foo/1.0.0/foo-1.0.0.jar",
		rec.Header().Get("Content-Location"))

	rec = ts.put("/repositories/local1/maven-releases/com/example/foo/1.0.0/foo-1.0.0.pom", fooPom, ts.adminToken)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// The browse API resolves the project for the directory.
	rec = ts.get(fmt.Sprintf("/browse/%s/com/example/foo", record.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var browse struct {
		Files             []storage.FileMeta      `json:"files"`
		ProjectResolution index.ProjectResolution `json:"project_resolution"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &browse))
	require.NotNil(t, browse.ProjectResolution.Project)
	assert.Equal(t, "com.example:foo", browse.ProjectResolution.Project.ProjectKey)

	// Anonymous fetch of the artifact.
	rec = ts.get("/repositories/local1/maven-releases/com/example/foo/1.0.0/foo-1.0.0.jar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))
	assert.Equal(t, "5", rec.Header().Get(echo.HeaderContentLength))
}

func TestMavenPolicyRejection(t *testing.T) {
	ts := newTestServer(t)
	ts.addRepository(t, "maven-releases", maven.TypeName, "public",
		maven.Config{Mode: "hosted", Policy: maven.PolicyRelease})

	rec := ts.put("/repositories/local1/maven-releases/com/example/foo/1.0.0-SNAPSHOT/foo-1.0.0-SNAPSHOT.jar", "x", ts.adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "SNAPSHOT in release only")
}

func TestRepositoryNameLookupIsCaseInsensitive(t *testing.T) {
	ts := newTestServer(t)
	ts.addRepository(t, "maven-releases", maven.TypeName, "public",
		maven.Config{Mode: "hosted", Policy: maven.PolicyMixed})

	rec := ts.put("/repositories/LOCAL1/MAVEN-RELEASES/a/b/1.0/b-1.0.jar", "x", ts.adminToken)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.get("/repositories/Local1/Maven-Releases/a/b/1.0/b-1.0.jar", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRepositoryIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get("/repositories/local1/ghost/some/file.jar", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "not found")
}

func TestDisabledRepositoryIs403(t *testing.T) {
	ts := newTestServer(t)
	record := ts.addRepository(t, "maven-releases", maven.TypeName, "public",
		maven.Config{Mode: "hosted", Policy: maven.PolicyMixed})
	require.NoError(t, ts.handle.Model(&repository.Record{}).
		Where("id = ?", record.ID).Update("active", false).Error)
	repo, ok := ts.registry.GetRepository(record.ID)
	require.True(t, ok)
	require.NoError(t, repo.Reload(context.Background()))

	rec := ts.get("/repositories/local1/maven-releases/a/b.jar", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Repository is disabled")
}

func TestNpmPublishAndFetch(t *testing.T) {
	ts := newTestServer(t)
	ts.addRepository(t, "npm-hosted", npm.TypeName, "public", nil)

	tarball := []byte("tarball-bytes")
	publish := map[string]interface{}{
		"_id":  "mylib",
		"name": "mylib",
		"versions": map[string]interface{}{
			"1.0.0": map[string]interface{}{
				"name":    "mylib",
				"version": "1.0.0",
				"dist": map[string]interface{}{
					"tarball": "http://host/repositories/local1/npm-hosted/mylib/-/mylib-1.0.0.tgz",
				},
			},
		},
		"_attachments": map[string]interface{}{
			"mylib-1.0.0.tgz": map[string]interface{}{
				"content_type": "application/octet-stream",
				"data":         base64Encode(tarball),
				"length":       len(tarball),
			},
		},
	}
	body, _ := json.Marshal(publish)
	req := httptest.NewRequest(http.MethodPut, "/repositories/local1/npm-hosted/mylib", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.adminToken)
	req.Header.Set("npm-command", "publish")
	rec := ts.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.get("/repositories/local1/npm-hosted/mylib", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info npm.PackageInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "1.0.0", info.DistTags["latest"])

	rec = ts.get("/repositories/local1/npm-hosted/mylib/-/mylib-1.0.0.tgz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tarball-bytes", rec.Body.String())
}

func TestPrivateRepositoryAuth(t *testing.T) {
	ts := newTestServer(t)
	record := ts.addRepository(t, "private1", maven.TypeName, "private",
		maven.Config{Mode: "hosted", Policy: maven.PolicyMixed})

	reader, err := ts.deps.Auth.CreateUser(auth.NewUser{
		Username: "reader",
		Email:    "reader@example.com",
		Password: "reader-password-1",
	})
	require.NoError(t, err)
	require.NoError(t, ts.deps.Auth.GrantRepositoryAction(reader.ID, record.ID, auth.ActionRead))

	// No credentials: 401 with a challenge.
	rec := ts.get("/repositories/local1/private1/any/file.jar", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	// Basic credentials of a reader: the file (here 404, nothing deployed).
	req := httptest.NewRequest(http.MethodGet, "/repositories/local1/private1/any/file.jar", nil)
	req.SetBasicAuth("reader", "reader-password-1")
	rec = ts.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A user without the read action: 403.
	_, err = ts.deps.Auth.CreateUser(auth.NewUser{
		Username: "outsider",
		Email:    "outsider@example.com",
		Password: "outsider-password-1",
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/repositories/local1/private1/any/file.jar", nil)
	req.SetBasicAuth("outsider", "outsider-password-1")
	rec = ts.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHiddenRepositoryRefusesBrowse(t *testing.T) {
	ts := newTestServer(t)
	record := ts.addRepository(t, "hidden1", maven.TypeName, "hidden",
		maven.Config{Mode: "hosted", Policy: maven.PolicyMixed})

	rec := ts.put("/repositories/local1/hidden1/g/a/1.0/a-1.0.jar", "secret", ts.adminToken)
	require.Equal(t, http.StatusCreated, rec.Code)

	// File bytes are served to anyone.
	rec = ts.get("/repositories/local1/hidden1/g/a/1.0/a-1.0.jar", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Directory listings on the artifact plane are refused.
	rec = ts.get("/repositories/local1/hidden1/g/a", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The browse API refuses before emitting any listing bytes.
	rec = ts.get(fmt.Sprintf("/browse/%s/g/a", record.ID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoginAndSession(t *testing.T) {
	ts := newTestServer(t)

	// Wrong password.
	badReq := httptest.NewRequest(http.MethodPost, "/api/login",
		strings.NewReader(`{"username":"root-admin","password":"wrong"}`))
	badReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := ts.do(badReq)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Successful login issues a session cookie bound to a fresh token.
	req := httptest.NewRequest(http.MethodPost, "/api/login",
		strings.NewReader(`{"username":"root-admin","password":"admin-password-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password_hash")
	assert.NotContains(t, rec.Body.String(), "argon2")

	cookies := rec.Result().Cookies()
	var sessionCookie *http.Cookie
	for _, cookie := range cookies {
		if cookie.Name == "session" {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, strings.HasPrefix(sessionCookie.Value, "nrs_"))
	assert.True(t, sessionCookie.Secure)

	// The cookie authenticates /api/me.
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(sessionCookie)
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var me auth.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "root-admin", me.Username)

	// An unknown session token is rotated: new Set-Cookie, old token dead.
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "nrs_longgone000"})
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rotated := rec.Result().Cookies()
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, "nrs_longgone000", rotated[0].Value)
}

func TestTokenSelfService(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/token", strings.NewReader(`{"description":"ci"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+ts.adminToken)
	rec := ts.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created.Token, 32)

	// Listing shows the token without any hash material.
	req = httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+ts.adminToken)
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "token_hash")

	// Deleting invalidates it.
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/token/%d", created.AuthToken.ID), nil)
	req.Header.Set("Authorization", "Bearer "+ts.adminToken)
	rec = ts.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, _, err := ts.deps.Auth.VerifyAuthToken(created.Token, nil)
	assert.Error(t, err)
}

func TestBrowseStream(t *testing.T) {
	ts := newTestServer(t)
	record := ts.addRepository(t, "maven-releases", maven.TypeName, "public",
		maven.Config{Mode: "hosted", Policy: maven.PolicyMixed})
	ts.put("/repositories/local1/maven-releases/com/example/one.txt", "1", ts.adminToken)
	ts.put("/repositories/local1/maven-releases/com/example/two.txt", "2", ts.adminToken)

	rec := ts.get(fmt.Sprintf("/browse-stream/%s/com/example", record.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jsonstream", rec.Header().Get(echo.HeaderContentType))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3, "primary data line plus one line per file")
	var primary browsePrimaryData
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &primary))
	assert.Equal(t, 2, primary.NumberOfFiles)
	var first storage.FileMeta
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &first))
	assert.Equal(t, "one.txt", first.Name)
}

func TestBrowseWebSocket(t *testing.T) {
	ts := newTestServer(t)
	record := ts.addRepository(t, "maven-releases", maven.TypeName, "public",
		maven.Config{Mode: "hosted", Policy: maven.PolicyMixed})
	ts.put("/repositories/local1/maven-releases/com/example/one.txt", "1", ts.adminToken)

	httpServer := httptest.NewServer(ts.echo)
	defer httpServer.Close()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/browse-ws/" + record.ID.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: wsListDirectory, Data: "com/example"}))

	var opened wsOutgoing
	require.NoError(t, conn.ReadJSON(&opened))
	assert.Equal(t, wsOpenedDirectory, opened.Type)

	var item wsOutgoing
	require.NoError(t, conn.ReadJSON(&item))
	assert.Equal(t, wsDirectoryItem, item.Type)

	var end wsOutgoing
	require.NoError(t, conn.ReadJSON(&end))
	assert.Equal(t, wsEndOfDirectory, end.Type)

	// The connection is reusable; a bad path produces an Error frame.
	require.NoError(t, conn.WriteJSON(wsIncoming{Type: wsListDirectory, Data: "does/not/exist"}))
	var failure wsOutgoing
	require.NoError(t, conn.ReadJSON(&failure))
	assert.Equal(t, wsError, failure.Type)
}

func TestInfoEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get("/api/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info infoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Nitro Repo", info.Name)
	assert.NotEmpty(t, info.Version)
}

func TestDirectoryListingContentNegotiation(t *testing.T) {
	ts := newTestServer(t)
	ts.addRepository(t, "maven-releases", maven.TypeName, "public",
		maven.Config{Mode: "hosted", Policy: maven.PolicyMixed})
	ts.put("/repositories/local1/maven-releases/com/example/one.txt", "1", ts.adminToken)

	rec := ts.get("/repositories/local1/maven-releases/com/example",
		map[string]string{echo.HeaderAccept: echo.MIMEApplicationJSON})
	require.Equal(t, http.StatusOK, rec.Code)
	var listing directoryListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "one.txt", listing.Files[0].Name)

	rec = ts.get("/repositories/local1/maven-releases/com/example", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/html")
	assert.Contains(t, rec.Body.String(), "one.txt")
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
