package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/common"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

// lastModifiedFormat is the RFC 2822 date layout used on file responses.
const lastModifiedFormat = "Mon, 02 Jan 2006 15:04:05 -0700"

// handleRepositoryRequest is the artifact-plane entry point:
// {METHOD} /repositories/{storage}/{repository}/{*path}.
func (s *Server) handleRepositoryRequest(c echo.Context) error {
	storageName := c.Param("storage")
	repositoryName := c.Param("repository")

	path, err := storage.ParsePath(c.Param("*"))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error(), nil)
	}

	repo, err := s.Registry.GetRepositoryFromNames(storageName, repositoryName)
	if err != nil {
		return handlerError(c, err)
	}
	if repo == nil {
		return errorJSON(c, http.StatusNotFound,
			fmt.Sprintf("repository %s/%s not found", storageName, repositoryName), nil)
	}
	if !repo.Active() {
		return errorJSON(c, http.StatusForbidden, "Repository is disabled", nil)
	}

	authn, err := s.Authenticator.Authenticate(c.Request())
	if err != nil {
		return handlerError(c, err)
	}
	if authn.Mode == auth.ModeUnknownScheme {
		common.Logger.Warnf("unknown authorization scheme %q on repository request", authn.UnknownScheme)
	}

	request := &repository.Request{
		Method:         c.Request().Method,
		Path:           path,
		Headers:        c.Request().Header,
		Query:          c.QueryParams(),
		Body:           c.Request().Body,
		Authentication: authn,
	}
	response, err := repo.HandleRequest(c.Request().Context(), request)
	if err != nil {
		return handlerError(c, err)
	}
	finishAuthentication(c, authn)
	return renderRepoResponse(c, response)
}

// renderRepoResponse converts a handler response to HTTP with the uniform
// header set: Last-Modified from the file meta, ETag from the SHA-256,
// Content-Length and Content-Type from the meta.
func renderRepoResponse(c echo.Context, response *repository.Response) error {
	header := c.Response().Header()
	if response.WWWAuthenticate != "" {
		header.Set("WWW-Authenticate", response.WWWAuthenticate)
	}
	if response.Location != "" {
		header.Set("Content-Location", response.Location)
	}

	switch {
	case response.File != nil && response.File.IsDirectory():
		return renderDirectoryListing(c, response.Status, response.File)
	case response.File != nil:
		setFileHeaders(header, &response.File.Meta)
		contentType := response.File.Meta.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		defer response.File.Content.Close()
		return c.Stream(response.Status, contentType, response.File.Content)
	case response.Meta != nil:
		setFileHeaders(header, response.Meta)
		if response.Meta.Directory {
			header.Set(echo.HeaderContentType, echo.MIMETextHTML)
		} else if response.Meta.ContentType != "" {
			header.Set(echo.HeaderContentType, response.Meta.ContentType)
		}
		c.Response().WriteHeader(response.Status)
		return nil
	case response.Body != nil:
		return c.Blob(response.Status, response.ContentType, response.Body)
	default:
		return c.NoContent(response.Status)
	}
}

func setFileHeaders(header http.Header, meta *storage.FileMeta) {
	if !meta.Modified.IsZero() {
		header.Set("Last-Modified", meta.Modified.Format(lastModifiedFormat))
	}
	if meta.Hashes.SHA256 != "" {
		header.Set("ETag", meta.Hashes.SHA256)
	}
	if !meta.Directory {
		header.Set(echo.HeaderContentLength, fmt.Sprintf("%d", meta.Size))
	}
}

// directoryListing is the JSON shape of a directory response.
type directoryListing struct {
	Path  string             `json:"path"`
	Files []storage.FileMeta `json:"files"`
}

// renderDirectoryListing answers JSON when the client accepts it and a
// minimal HTML page otherwise.
func renderDirectoryListing(c echo.Context, status int, file *storage.File) error {
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON) {
		return c.JSON(status, directoryListing{Path: file.Meta.Name, Files: file.Entries})
	}
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html><html><head><title>Index of ")
	sb.WriteString(file.Meta.Name)
	sb.WriteString("</title></head><body><h1>Index of ")
	sb.WriteString(file.Meta.Name)
	sb.WriteString("</h1><ul>")
	for _, entry := range file.Entries {
		name := entry.Name
		if entry.Directory {
			name += "/"
			sb.WriteString(fmt.Sprintf(`<li><a href="%s">%s</a></li>`, name, name))
			continue
		}
		sb.WriteString(fmt.Sprintf(`<li><a href="%s">%s</a> (%s, %s)</li>`,
			name, name, humanize.Bytes(uint64(entry.Size)), entry.Modified.Format(time.RFC1123)))
	}
	sb.WriteString("</ul></body></html>")
	return c.HTML(status, sb.String())
}
