package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"nitro.evalgo.org/index"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

// browseResponse is the /browse payload.
type browseResponse struct {
	Files             []storage.FileMeta       `json:"files"`
	ProjectResolution *index.ProjectResolution `json:"project_resolution,omitempty"`
}

// browsePrimaryData is the first frame/line of the streaming variants.
type browsePrimaryData struct {
	ProjectResolution *index.ProjectResolution `json:"project_resolution,omitempty"`
	NumberOfFiles     int                      `json:"number_of_files"`
}

// resolveBrowseTarget parses the path parameters and runs the access check
// shared by all three browse endpoints. A nil repository with a nil error
// means the response has already been written.
func (s *Server) resolveBrowseTarget(c echo.Context) (repository.Repository, storage.StoragePath, error) {
	repositoryID, err := uuid.Parse(c.Param("repository_id"))
	if err != nil {
		return nil, storage.StoragePath{}, errorJSON(c, http.StatusBadRequest, "invalid repository id", nil)
	}
	path, err := storage.ParsePath(c.Param("*"))
	if err != nil {
		return nil, storage.StoragePath{}, errorJSON(c, http.StatusBadRequest, err.Error(), nil)
	}
	repo, ok := s.Registry.GetRepository(repositoryID)
	if !ok {
		return nil, storage.StoragePath{}, errorJSON(c, http.StatusNotFound,
			fmt.Sprintf("repository %s not found", repositoryID), nil)
	}

	authn, err := s.Authenticator.Authenticate(c.Request())
	if err != nil {
		return nil, storage.StoragePath{}, handlerError(c, err)
	}
	finishAuthentication(c, authn)
	allowed, err := authn.CanListRepository(s.Auth, repo.Visibility(), repo.ID())
	if err != nil {
		return nil, storage.StoragePath{}, handlerError(c, err)
	}
	if !allowed {
		return nil, storage.StoragePath{}, errorJSON(c, http.StatusForbidden,
			"missing permission to browse this repository", nil)
	}
	return repo, path, nil
}

func (s *Server) checkForProject(c echo.Context) bool {
	raw := c.QueryParam("check_for_project")
	if raw == "" {
		return true
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return value
}

func (s *Server) resolveProject(repo repository.Repository, path storage.StoragePath) *index.ProjectResolution {
	resolution, err := s.Index.ResolvePath(path.DirectoryPath(), repo.ID())
	if err != nil {
		// Annotation is best effort; the listing itself still goes out.
		return &index.ProjectResolution{}
	}
	return &resolution
}

// handleBrowse walks one directory level and annotates it with the project
// and version at the path.
func (s *Server) handleBrowse(c echo.Context) error {
	repo, path, err := s.resolveBrowseTarget(c)
	if repo == nil {
		return err
	}
	file, err := repo.Storage().OpenFile(c.Request().Context(),
		storage.RepoRef{ID: repo.ID(), Name: repo.Name()}, path)
	if err != nil {
		return handlerError(c, err)
	}
	if file == nil {
		return errorJSON(c, http.StatusNotFound, "file not found", nil)
	}
	if file.Content != nil {
		file.Content.Close()
	}

	response := browseResponse{}
	if file.IsDirectory() {
		response.Files = file.Entries
	} else {
		response.Files = []storage.FileMeta{file.Meta}
	}
	if response.Files == nil {
		response.Files = []storage.FileMeta{}
	}
	if s.checkForProject(c) {
		response.ProjectResolution = s.resolveProject(repo, path)
	}
	return c.JSON(http.StatusOK, response)
}

// handleBrowseStream emits application/jsonstream: one primary-data line,
// then one JSON object per file.
func (s *Server) handleBrowseStream(c echo.Context) error {
	repo, path, err := s.resolveBrowseTarget(c)
	if repo == nil {
		return err
	}
	ctx := c.Request().Context()
	stream, err := repo.Storage().StreamDirectory(ctx,
		storage.RepoRef{ID: repo.ID(), Name: repo.Name()}, path)
	if err != nil {
		return handlerError(c, err)
	}
	if stream == nil {
		return errorJSON(c, http.StatusNotFound, "directory not found", nil)
	}
	defer stream.Close()

	primary := browsePrimaryData{NumberOfFiles: stream.Count()}
	if s.checkForProject(c) {
		primary.ProjectResolution = s.resolveProject(repo, path)
	}

	writer := c.Response()
	writer.Header().Set(echo.HeaderContentType, "application/jsonstream")
	writer.WriteHeader(http.StatusOK)
	encoder := newLineEncoder(writer)
	if err := encoder.encode(primary); err != nil {
		return err
	}
	for {
		entry, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if err := encoder.encode(entry); err != nil {
			return err
		}
	}
}

// lineEncoder writes newline-delimited JSON and flushes per line.
type lineEncoder struct {
	writer  *echo.Response
	flusher http.Flusher
}

func newLineEncoder(writer *echo.Response) *lineEncoder {
	flusher, _ := writer.Writer.(http.Flusher)
	return &lineEncoder{writer: writer, flusher: flusher}
}

func (e *lineEncoder) encode(value interface{}) error {
	data, err := marshalJSONLine(value)
	if err != nil {
		return err
	}
	if _, err := e.writer.Write(data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func marshalJSONLine(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
