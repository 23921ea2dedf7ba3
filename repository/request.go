package repository

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/storage"
)

// NitroDeployHeader is reserved for the richer deploy protocol. When a
// repository sets the require_nitro_deploy push rule, stock PUT flows
// without this header are rejected.
const NitroDeployHeader = "Nitro-Repo-Deploy"

// NpmCommandHeader discriminates npm CLI commands on PUT requests.
const NpmCommandHeader = "npm-command"

// Request is one repository-plane request handed to a protocol handler.
type Request struct {
	Method         string
	Path           storage.StoragePath
	Headers        http.Header
	Query          url.Values
	Body           io.ReadCloser
	Authentication *auth.Authentication
}

// BodyBytes reads the request body into memory. Handlers call this only
// when they must parse the payload; raw file writes stream the body
// straight into storage.
func (r *Request) BodyBytes() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

// BodyJSON decodes the request body into out.
func (r *Request) BodyJSON(out interface{}) error {
	data, err := r.BodyBytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse request body: %w", err)
	}
	return nil
}

// UserAgent returns the client's User-Agent header.
func (r *Request) UserAgent() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("User-Agent")
}

// NitroDeployVersion returns the Nitro-Repo-Deploy header, empty when the
// stock flow is in use.
func (r *Request) NitroDeployVersion() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(NitroDeployHeader)
}

// NpmCommand returns the npm-command header.
func (r *Request) NpmCommand() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(NpmCommandHeader)
}
