// Package storage implements the byte-level storage backends for Nitro Repo.
// A storage holds the files of one or more repositories keyed by
// (repository, path). Two backends are provided: the local filesystem and
// S3-compatible object stores. Both enforce the same path-safety rules and
// expose the same metadata model, so the protocol handlers never care which
// one is behind a repository.
package storage

import (
	"fmt"
	"strings"
)

// InvalidPathError describes a rejected storage path.
type InvalidPathError struct {
	Raw    string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid storage path %q: %s", e.Raw, e.Reason)
}

// StoragePath is an ordered sequence of validated path components relative to
// a repository root. The zero value is the repository root itself.
type StoragePath struct {
	components []string
}

// ParsePath parses a slash-separated path into a StoragePath. Empty segments
// (leading, trailing or doubled slashes) are dropped; any component that
// could escape the repository root is rejected.
func ParsePath(raw string) (StoragePath, error) {
	var path StoragePath
	for _, component := range strings.Split(raw, "/") {
		if component == "" {
			continue
		}
		if err := validateComponent(component); err != nil {
			return StoragePath{}, &InvalidPathError{Raw: raw, Reason: err.Error()}
		}
		path.components = append(path.components, component)
	}
	return path, nil
}

// MustParsePath is ParsePath for compile-time-constant paths in tests and
// internal callers. It panics on invalid input.
func MustParsePath(raw string) StoragePath {
	path, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return path
}

func validateComponent(component string) error {
	if component == "." || component == ".." {
		return fmt.Errorf("component %q escapes the repository root", component)
	}
	if len(component) > 255 {
		return fmt.Errorf("component exceeds 255 characters")
	}
	if strings.ContainsRune(component, '\x00') {
		return fmt.Errorf("component contains NUL")
	}
	if strings.ContainsRune(component, '\\') {
		return fmt.Errorf("component contains a backslash")
	}
	return nil
}

// Components returns the path components in order.
func (p StoragePath) Components() []string {
	out := make([]string, len(p.components))
	copy(out, p.components)
	return out
}

// IsRoot reports whether the path addresses the repository root.
func (p StoragePath) IsRoot() bool {
	return len(p.components) == 0
}

// String joins the components with slashes. The root renders as "".
func (p StoragePath) String() string {
	return strings.Join(p.components, "/")
}

// DirectoryPath renders the path with a leading slash, the form used by the
// project index ("/com/example/foo").
func (p StoragePath) DirectoryPath() string {
	return "/" + p.String()
}

// Push returns a new path with one validated component appended.
func (p StoragePath) Push(component string) (StoragePath, error) {
	if component == "" {
		return p, nil
	}
	if err := validateComponent(component); err != nil {
		return StoragePath{}, &InvalidPathError{Raw: component, Reason: err.Error()}
	}
	next := StoragePath{components: make([]string, 0, len(p.components)+1)}
	next.components = append(next.components, p.components...)
	next.components = append(next.components, component)
	return next, nil
}

// Join appends a parsed relative path.
func (p StoragePath) Join(raw string) (StoragePath, error) {
	rel, err := ParsePath(raw)
	if err != nil {
		return StoragePath{}, err
	}
	next := StoragePath{components: make([]string, 0, len(p.components)+len(rel.components))}
	next.components = append(next.components, p.components...)
	next.components = append(next.components, rel.components...)
	return next, nil
}

// Parent returns the path without its final component. The parent of the
// root is the root.
func (p StoragePath) Parent() StoragePath {
	if len(p.components) == 0 {
		return p
	}
	parent := StoragePath{components: make([]string, len(p.components)-1)}
	copy(parent.components, p.components[:len(p.components)-1])
	return parent
}

// FileName returns the final component, or "" for the root.
func (p StoragePath) FileName() string {
	if len(p.components) == 0 {
		return ""
	}
	return p.components[len(p.components)-1]
}

// HasExtension reports whether the final component ends with "." + ext.
func (p StoragePath) HasExtension(ext string) bool {
	return strings.HasSuffix(p.FileName(), "."+ext)
}

// Equal compares two paths component-wise.
func (p StoragePath) Equal(other StoragePath) bool {
	if len(p.components) != len(other.components) {
		return false
	}
	for i := range p.components {
		if p.components[i] != other.components[i] {
			return false
		}
	}
	return true
}
