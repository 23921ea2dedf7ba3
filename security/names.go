package security

import (
	"errors"
	"regexp"
)

// Storage, repository and user names share one rule: 3-32 characters drawn
// from [A-Za-z0-9_-]. Uniqueness checks elsewhere are case-insensitive, so
// validation does not care about case.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

var (
	// ErrInvalidName is returned for a name outside the allowed format.
	ErrInvalidName = errors.New("name must be 3-32 characters of A-Za-z0-9_-")
)

// ValidateName reports whether a storage, repository or user name is valid.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// ValidName is the boolean form of ValidateName.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}
