package repository

import (
	"encoding/json"
	"fmt"
	"net/http"

	"nitro.evalgo.org/storage"
)

// Response is what a protocol handler returns to the pipeline. Exactly one
// of File, Meta or Body is populated; the pipeline renders headers and
// status uniformly (§ the request pipeline).
type Response struct {
	Status int
	// File streams a file or renders a directory listing.
	File *storage.File
	// Meta renders headers only (HEAD requests).
	Meta *storage.FileMeta
	// Location is sent as Content-Location on put responses.
	Location string
	// Body plus ContentType is the escape hatch for protocol-native
	// payloads (npm registry JSON) and plain-text errors.
	Body        []byte
	ContentType string
	// WWWAuthenticate carries a challenge on 401 responses.
	WWWAuthenticate string
}

// FileResponse wraps an opened file; nil files become 404.
func FileResponse(file *storage.File) *Response {
	if file == nil {
		return NotFound()
	}
	return &Response{Status: http.StatusOK, File: file}
}

// MetaResponse wraps file metadata; nil metas become 404.
func MetaResponse(meta *storage.FileMeta) *Response {
	if meta == nil {
		return NotFound()
	}
	return &Response{Status: http.StatusOK, Meta: meta}
}

// PutResponse reports a completed write: 201 for a new file, 204 for a
// replacement, with the artifact's Content-Location either way.
func PutResponse(created bool, location string) *Response {
	status := http.StatusNoContent
	if created {
		status = http.StatusCreated
	}
	return &Response{Status: status, Location: location}
}

// Text builds a plain-text response.
func Text(status int, message string) *Response {
	return &Response{Status: status, Body: []byte(message), ContentType: "text/plain; charset=utf-8"}
}

// JSON builds a protocol-native JSON response.
func JSON(status int, value interface{}) *Response {
	data, err := json.Marshal(value)
	if err != nil {
		return InternalError(err)
	}
	return &Response{Status: status, Body: data, ContentType: "application/json"}
}

// NotFound is a 404 with a plain message.
func NotFound() *Response {
	return Text(http.StatusNotFound, "File not found")
}

// BadRequest is a 400 with a caller-visible reason.
func BadRequest(message string) *Response {
	return Text(http.StatusBadRequest, message)
}

// Unauthorized is a bare 401.
func Unauthorized() *Response {
	return Text(http.StatusUnauthorized, "Unauthorized")
}

// WWWAuthenticate is a 401 carrying a challenge header.
func WWWAuthenticate(challenge string) *Response {
	response := Text(http.StatusUnauthorized, "Unauthorized")
	response.WWWAuthenticate = challenge
	return response
}

// Forbidden is a 403 for missing repository permissions.
func Forbidden() *Response {
	return Text(http.StatusForbidden, "You do not have permission to access this repository")
}

// RequireAuthToken rejects password- and cookie-based pushes when the
// must_use_auth_token_for_push rule is set.
func RequireAuthToken() *Response {
	return Text(http.StatusUnauthorized, "Authentication Token is required for this repository.")
}

// RequireNitroDeploy rejects the stock deploy flow when require_nitro_deploy
// is set.
func RequireNitroDeploy() *Response {
	return Text(http.StatusBadRequest, "This repository requires Nitro Deploy to push")
}

// IndexingNotAllowed refuses directory listings on hidden repositories.
func IndexingNotAllowed() *Response {
	return Text(http.StatusForbidden, "Indexing is not allowed for this repository")
}

// DisabledRepository is the 403 for inactive repositories.
func DisabledRepository() *Response {
	return Text(http.StatusForbidden, "Repository is disabled")
}

// UnsupportedMethod is the 405 for methods a handler does not implement.
func UnsupportedMethod(method, repositoryType string) *Response {
	return Text(http.StatusMethodNotAllowed,
		fmt.Sprintf("Method %s is not supported for repository type %s", method, repositoryType))
}

// ServiceUnavailable reports exhausted proxy routes.
func ServiceUnavailable(message string) *Response {
	return Text(http.StatusServiceUnavailable, message)
}

// InternalError is a 500 carrying the error text.
func InternalError(err error) *Response {
	return Text(http.StatusInternalServerError, fmt.Sprintf("Internal Error: %v", err))
}
