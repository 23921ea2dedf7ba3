package repository

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config-plane keys. Unknown keys stored for a repository are silently
// ignored by handlers that do not understand them.
const (
	ConfigTypePushRules   = "push_rules"
	ConfigTypeProject     = "project"
	ConfigTypeFrontend    = "frontend"
	ConfigTypeMavenConfig = "maven_config"
	ConfigTypeNpmConfig   = "npm_config"
)

// ConfigRecord is one typed configuration blob attached to a repository.
type ConfigRecord struct {
	ID           int64           `gorm:"primaryKey" json:"id"`
	RepositoryID uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_repo_config_type" json:"repository_id"`
	ConfigType   string          `gorm:"uniqueIndex:idx_repo_config_type;size:64" json:"config_type"`
	Value        json.RawMessage `gorm:"serializer:json" json:"value"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TableName pins the table name.
func (ConfigRecord) TableName() string { return "repository_configs" }

// PushRules governs which authentication modes and deploy flows a
// repository accepts for writes.
type PushRules struct {
	// MustUseAuthTokenForPush forbids basic auth and session cookies on
	// deploys.
	MustUseAuthTokenForPush bool `json:"must_use_auth_token_for_push"`
	// RequireNitroDeploy rejects the stock PUT flow; pushes must present
	// the Nitro-Repo-Deploy header.
	RequireNitroDeploy bool `json:"require_nitro_deploy"`
}

// ProjectConfig controls the derived project index.
type ProjectConfig struct {
	// AutoIndex updates the project/version index on upload.
	AutoIndex bool `json:"auto_index"`
}

// DefaultProjectConfig enables indexing.
func DefaultProjectConfig() ProjectConfig { return ProjectConfig{AutoIndex: true} }

// ConfigStore reads and writes the (repository, config_type, value) table.
// Upserts are atomic; readers always see one consistent blob.
type ConfigStore struct {
	db *gorm.DB
}

// NewConfigStore creates a ConfigStore on the shared database handle.
func NewConfigStore(db *gorm.DB) *ConfigStore { return &ConfigStore{db: db} }

// Get loads a config blob into out. Returns false when the repository has
// no blob of that type.
func (s *ConfigStore) Get(repositoryID uuid.UUID, configType string, out interface{}) (bool, error) {
	var record ConfigRecord
	err := s.db.First(&record, "repository_id = ? AND config_type = ?", repositoryID, configType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(record.Value, out); err != nil {
		return false, err
	}
	return true, nil
}

// GetOrDefault loads a config blob into out, leaving out untouched when the
// repository has none. Callers pass out pre-filled with defaults.
func (s *ConfigStore) GetOrDefault(repositoryID uuid.UUID, configType string, out interface{}) error {
	_, err := s.Get(repositoryID, configType, out)
	return err
}

// Put upserts a config blob atomically.
func (s *ConfigStore) Put(repositoryID uuid.UUID, configType string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	record := ConfigRecord{
		RepositoryID: repositoryID,
		ConfigType:   configType,
		Value:        data,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "repository_id"}, {Name: "config_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record).Error
}
