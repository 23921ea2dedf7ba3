package auth

import (
	"github.com/google/uuid"
)

// Visibility is a repository's read-access policy.
type Visibility string

const (
	// VisibilityPublic repositories are readable by anyone.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate repositories require the read action.
	VisibilityPrivate Visibility = "private"
	// VisibilityHidden repositories serve files to anyone but refuse
	// directory listings and indexing APIs to anonymous callers.
	VisibilityHidden Visibility = "hidden"
)

// ParseVisibility normalizes a stored visibility tag, defaulting to public.
func ParseVisibility(raw string) Visibility {
	switch Visibility(raw) {
	case VisibilityPrivate:
		return VisibilityPrivate
	case VisibilityHidden:
		return VisibilityHidden
	default:
		return VisibilityPublic
	}
}

// IsAdmin reports whether the authenticated user is an administrator.
func (a *Authentication) IsAdmin() bool {
	return a.User != nil && a.User.Admin
}

// CanManageSystem reports whether the user may administer storages and
// repositories.
func (a *Authentication) CanManageSystem() bool {
	return a.User != nil && (a.User.Admin || a.User.SystemManager)
}

// CanManageUsers reports whether the user may administer accounts.
func (a *Authentication) CanManageUsers() bool {
	return a.User != nil && (a.User.Admin || a.User.UserManager)
}

// CanReadRepository decides whether this identity may fetch files from a
// repository. Public and hidden repositories serve files to anyone; private
// repositories require the read action or an administrative role.
func (a *Authentication) CanReadRepository(store *Store, visibility Visibility, repositoryID uuid.UUID) (bool, error) {
	switch visibility {
	case VisibilityPublic, VisibilityHidden:
		return true, nil
	case VisibilityPrivate:
		if !a.Authenticated() {
			return false, nil
		}
		if a.CanManageSystem() {
			return true, nil
		}
		return store.HasRepositoryAction(a.User, repositoryID, ActionRead)
	default:
		return false, nil
	}
}

// CanListRepository decides whether this identity may receive directory
// listings and index responses. Hidden repositories refuse anonymous
// listing even though they serve file bytes.
func (a *Authentication) CanListRepository(store *Store, visibility Visibility, repositoryID uuid.UUID) (bool, error) {
	switch visibility {
	case VisibilityPublic:
		return true, nil
	case VisibilityHidden, VisibilityPrivate:
		if !a.Authenticated() {
			return false, nil
		}
		if a.CanManageSystem() {
			return true, nil
		}
		return store.HasRepositoryAction(a.User, repositoryID, ActionRead)
	default:
		return false, nil
	}
}

// CanDeployTo decides whether this identity may write to a repository.
// Deploy always requires the write action regardless of visibility.
func (a *Authentication) CanDeployTo(store *Store, repositoryID uuid.UUID) (bool, error) {
	if !a.Authenticated() {
		return false, nil
	}
	if a.CanManageSystem() {
		return true, nil
	}
	return store.HasRepositoryAction(a.User, repositoryID, ActionWrite)
}
