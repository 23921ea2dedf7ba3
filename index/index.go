package index

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Index is the persistent project/version store consumed by the protocol
// handlers and the browse API.
type Index struct {
	db *gorm.DB
}

// New creates an Index on the shared database handle.
func New(db *gorm.DB) *Index { return &Index{db: db} }

// NewProject describes a project to create on first publish.
type NewProject struct {
	RepositoryID uuid.UUID
	ProjectKey   string
	Scope        *string
	Name         string
	StoragePath  string
	Description  *string
}

// GetOrCreateProject is an idempotent upsert keyed by
// (repository, project key).
func (i *Index) GetOrCreateProject(req NewProject) (*Project, error) {
	existing, err := i.GetProjectByKey(req.RepositoryID, req.ProjectKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	project := &Project{
		RepositoryID: req.RepositoryID,
		ProjectKey:   req.ProjectKey,
		Scope:        req.Scope,
		Name:         req.Name,
		StoragePath:  req.StoragePath,
		Description:  req.Description,
	}
	err = i.db.Clauses(clause.OnConflict{DoNothing: true}).Create(project).Error
	if err != nil {
		return nil, err
	}
	if project.ID == 0 {
		// A concurrent publish won the insert race; read theirs.
		return i.GetProjectByKey(req.RepositoryID, req.ProjectKey)
	}
	return project, nil
}

// GetProjectByKey loads a project by its case-insensitive key.
func (i *Index) GetProjectByKey(repositoryID uuid.UUID, projectKey string) (*Project, error) {
	var project Project
	err := i.db.First(&project, "repository_id = ? AND LOWER(project_key) = ?",
		repositoryID, strings.ToLower(projectKey)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// GetProjectByID loads a project by id, or nil.
func (i *Index) GetProjectByID(id int64) (*Project, error) {
	var project Project
	err := i.db.First(&project, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// UpsertVersion creates or updates a project version and recomputes the
// project's latest-release / latest-pre-release pointers in the same
// transaction. Conflicting uploads update the extra blob in place.
func (i *Index) UpsertVersion(projectID int64, version, versionPath string, publisher *int64, extra json.RawMessage) (*ProjectVersion, error) {
	releaseType := ClassifyVersion(version)
	var row ProjectVersion
	err := i.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&row, "project_id = ? AND version = ?", projectID, version).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = ProjectVersion{
				ProjectID:   projectID,
				Version:     version,
				ReleaseType: releaseType,
				VersionPath: versionPath,
				Publisher:   publisher,
				Extra:       extra,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			row.ReleaseType = releaseType
			row.VersionPath = versionPath
			row.Publisher = publisher
			row.Extra = extra
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}

		var project Project
		if err := tx.First(&project, "id = ?", projectID).Error; err != nil {
			return err
		}
		if releaseType.IsRelease() {
			if project.LatestRelease == nil || versionGreater(version, *project.LatestRelease) {
				project.LatestRelease = &version
			}
		} else {
			// Snapshots and pre-releases always take the pointer; the most
			// recent upload is what a developer wants to resolve.
			project.LatestPreRelease = &version
		}
		return tx.Save(&project).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetAllVersions returns a project's versions, newest row first.
func (i *Index) GetAllVersions(projectID int64) ([]ProjectVersion, error) {
	var versions []ProjectVersion
	err := i.db.Where("project_id = ?", projectID).Order("created_at DESC").Find(&versions).Error
	return versions, err
}

// GetVersion loads one version of a project, or nil.
func (i *Index) GetVersion(projectID int64, version string) (*ProjectVersion, error) {
	var row ProjectVersion
	err := i.db.First(&row, "project_id = ? AND version = ?", projectID, version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindByVersionDirectory resolves a directory path to the version stored at
// it, scoped to one repository.
func (i *Index) FindByVersionDirectory(path string, repositoryID uuid.UUID) (*ProjectVersion, error) {
	var row ProjectVersion
	err := i.db.Joins("JOIN projects ON projects.id = project_versions.project_id").
		Where("project_versions.version_path = ? AND projects.repository_id = ?", path, repositoryID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindByProjectDirectory resolves a directory path to the project stored at
// it, scoped to one repository.
func (i *Index) FindByProjectDirectory(path string, repositoryID uuid.UUID) (*Project, error) {
	var project Project
	err := i.db.First(&project, "storage_path = ? AND repository_id = ?", path, repositoryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// ResolvePath annotates a directory path with the version or project at it:
// version directories resolve to (project, version), project directories to
// (project, nil).
func (i *Index) ResolvePath(path string, repositoryID uuid.UUID) (ProjectResolution, error) {
	version, err := i.FindByVersionDirectory(path, repositoryID)
	if err != nil {
		return ProjectResolution{}, err
	}
	if version != nil {
		project, err := i.GetProjectByID(version.ProjectID)
		if err != nil {
			return ProjectResolution{}, err
		}
		return ProjectResolution{Project: project, Version: version}, nil
	}
	project, err := i.FindByProjectDirectory(path, repositoryID)
	if err != nil {
		return ProjectResolution{}, err
	}
	return ProjectResolution{Project: project}, nil
}
