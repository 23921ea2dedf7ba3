package repository

import (
	"github.com/google/uuid"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/storage"
)

// basicChallenge is the WWW-Authenticate challenge sent to protocol clients
// that can retry with credentials (mvn, npm).
const basicChallenge = `Basic realm="Nitro Repo"`

// CheckRead gates a read request. Returns a non-nil response to short-
// circuit with: a 401 challenge for anonymous callers, 403 for
// authenticated callers without the read action.
func CheckRead(authn *auth.Authentication, store *auth.Store, visibility auth.Visibility, repositoryID uuid.UUID) (*Response, error) {
	ok, err := authn.CanReadRepository(store, visibility, repositoryID)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	if !authn.Authenticated() {
		return WWWAuthenticate(basicChallenge), nil
	}
	return Forbidden(), nil
}

// CheckListing refuses directory results to callers who may fetch files but
// not index the repository (hidden visibility, anonymous caller). Returns
// nil when the file is not a directory.
func CheckListing(authn *auth.Authentication, store *auth.Store, visibility auth.Visibility, repositoryID uuid.UUID, file *storage.File) (*Response, error) {
	if file == nil || !file.IsDirectory() {
		return nil, nil
	}
	ok, err := authn.CanListRepository(store, visibility, repositoryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return IndexingNotAllowed(), nil
	}
	return nil, nil
}

// RequireDeployer gates a write request: nil user plus a short-circuit
// response when the caller may not deploy.
func RequireDeployer(authn *auth.Authentication, store *auth.Store, repositoryID uuid.UUID) (*auth.User, *Response, error) {
	if !authn.Authenticated() {
		return nil, Unauthorized(), nil
	}
	ok, err := authn.CanDeployTo(store, repositoryID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, Forbidden(), nil
	}
	return authn.User, nil, nil
}
