// Package npm implements the NPM registry handler: publish, package and
// version metadata, tarball serving, and the adduser/login endpoints the
// npm CLI drives.
package npm

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nitro.evalgo.org/storage"
)

// PackageName splits "@scope/name" into its parts; unscoped packages have
// an empty scope.
type PackageName struct {
	Scope string
	Name  string
}

// ParsePackageName parses a package identifier.
func ParsePackageName(raw string) PackageName {
	if strings.HasPrefix(raw, "@") {
		if scope, name, found := strings.Cut(raw, "/"); found {
			return PackageName{Scope: scope, Name: name}
		}
	}
	return PackageName{Name: raw}
}

// String renders the protocol-native identifier.
func (p PackageName) String() string {
	if p.Scope != "" {
		return p.Scope + "/" + p.Name
	}
	return p.Name
}

// Dist is the distribution block of a published version.
type Dist struct {
	Integrity string `json:"integrity,omitempty"`
	Shasum    string `json:"shasum,omitempty"`
	Tarball   string `json:"tarball"`
}

// ErrInvalidTarball rejects publish requests whose tarball URL does not
// point back at this repository.
var ErrInvalidTarball = errors.New("invalid tarball URL")

// ValidateTarball checks that the tarball URL's path is
// /{base}/{storage_name}/{repo_name}/... so the registry serves what it
// stores.
func (d Dist) ValidateTarball(storageName, repositoryName string) error {
	parsed, err := url.Parse(d.Tarball)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarball, err)
	}
	segments := strings.Split(strings.TrimPrefix(parsed.EscapedPath(), "/"), "/")
	if len(segments) < 3 {
		return fmt.Errorf("%w: missing base path", ErrInvalidTarball)
	}
	// segments[0] is the artifact-plane prefix ("repositories").
	if segments[1] != storageName {
		return fmt.Errorf("%w: missing storage name", ErrInvalidTarball)
	}
	if segments[2] != repositoryName {
		return fmt.Errorf("%w: missing repository name", ErrInvalidTarball)
	}
	return nil
}

// VersionData is one entry of a publish request's versions map. Raw keeps
// the complete version JSON for the index and later GET responses.
type VersionData struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Dist        Dist   `json:"dist"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw document alongside the parsed fields.
func (v *VersionData) UnmarshalJSON(data []byte) error {
	type versionAlias VersionData
	var alias versionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*v = VersionData(alias)
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Attachment is one base64-encoded tarball in a publish request.
type Attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int64  `json:"length"`
}

// Decode returns the attachment's bytes.
func (a Attachment) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}
	return data, nil
}

// PublishRequest is the JSON payload of `npm publish`.
type PublishRequest struct {
	ID          string                 `json:"_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	DistTags    map[string]string      `json:"dist-tags"`
	Versions    map[string]VersionData `json:"versions"`
	Attachments map[string]Attachment  `json:"_attachments"`
}

// GetKind classifies a GET path.
type GetKind int

const (
	// GetPackageInfo is /{name} or /@scope/{name}.
	GetPackageInfo GetKind = iota
	// GetVersionInfo is /{name}/{version}.
	GetVersionInfo
	// GetTarball is /{name}/-/{file}.tgz.
	GetTarball
)

// GetPath is a classified GET request path.
type GetPath struct {
	Kind    GetKind
	Name    string
	Version string
	File    string
}

// ErrInvalidGetPath rejects paths no registry route matches.
var ErrInvalidGetPath = errors.New("invalid registry path")

// ClassifyGetPath maps a storage path onto the registry's GET routes:
//
//	{pkg}                      package info
//	{pkg}/{version}            version info
//	{pkg}/-/{file}.tgz         tarball
//
// Scoped packages prepend "@{scope}/" to every form; the tarball file name
// may itself repeat the scope.
func ClassifyGetPath(path storage.StoragePath) (GetPath, error) {
	components := path.Components()
	if len(components) == 0 {
		return GetPath{}, ErrInvalidGetPath
	}
	if strings.HasPrefix(components[0], "@") {
		return classifyScoped(components)
	}
	return classifyUnscoped(components)
}

func classifyScoped(components []string) (GetPath, error) {
	if len(components) < 2 {
		return GetPath{}, ErrInvalidGetPath
	}
	name := components[0] + "/" + components[1]
	switch len(components) {
	case 2:
		return GetPath{Kind: GetPackageInfo, Name: name}, nil
	case 3:
		return GetPath{Kind: GetVersionInfo, Name: name, Version: components[2]}, nil
	case 4, 5:
		if components[2] != "-" {
			return GetPath{}, ErrInvalidGetPath
		}
		file := components[len(components)-1]
		version, ok := versionFromTarballName(file)
		if !ok {
			return GetPath{}, ErrInvalidGetPath
		}
		return GetPath{Kind: GetTarball, Name: name, Version: version, File: file}, nil
	default:
		return GetPath{}, ErrInvalidGetPath
	}
}

func classifyUnscoped(components []string) (GetPath, error) {
	name := components[0]
	switch len(components) {
	case 1:
		return GetPath{Kind: GetPackageInfo, Name: name}, nil
	case 2:
		return GetPath{Kind: GetVersionInfo, Name: name, Version: components[1]}, nil
	case 3:
		if components[1] != "-" {
			return GetPath{}, ErrInvalidGetPath
		}
		file := components[2]
		version, ok := versionFromTarballName(file)
		if !ok {
			return GetPath{}, ErrInvalidGetPath
		}
		return GetPath{Kind: GetTarball, Name: name, Version: version, File: file}, nil
	default:
		return GetPath{}, ErrInvalidGetPath
	}
}

// versionFromTarballName extracts "1.0.0" from "mylib-1.0.0.tgz".
func versionFromTarballName(file string) (string, bool) {
	if !strings.HasSuffix(file, ".tgz") {
		return "", false
	}
	base := strings.TrimSuffix(file, ".tgz")
	idx := strings.LastIndex(base, "-")
	if idx < 0 || idx == len(base)-1 {
		return "", false
	}
	return base[idx+1:], true
}

// stripScope reduces an attachment name like "@scope/mylib-1.0.0.tgz" to
// its file part.
func stripScope(file string) string {
	if strings.HasPrefix(file, "@") && strings.Contains(file, "/") {
		parts := strings.Split(file, "/")
		return parts[len(parts)-1]
	}
	return file
}

// PackageInfoResponse is the registry metadata document for one package.
type PackageInfoResponse struct {
	ID          string                     `json:"_id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	DistTags    map[string]string          `json:"dist-tags"`
	Versions    map[string]json.RawMessage `json:"versions"`
	Time        map[string]string          `json:"time"`
}
