// Package auth implements the authentication core: user and auth-token
// persistence, per-request credential resolution, and the capability checks
// consulted by the repository handlers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"nitro.evalgo.org/security"
)

// RepositoryAction is a per-repository capability.
type RepositoryAction string

const (
	// ActionRead allows fetching files from a repository.
	ActionRead RepositoryAction = "read"
	// ActionWrite allows deploying artifacts to a repository.
	ActionWrite RepositoryAction = "write"
)

// User is a Nitro Repo account. The password hash is never serialized in any
// outbound representation.
type User struct {
	ID                    int64              `gorm:"primaryKey" json:"id"`
	Username              string             `gorm:"uniqueIndex;size:32" json:"username"`
	Email                 string             `gorm:"uniqueIndex;size:255" json:"email"`
	PasswordHash          string             `gorm:"column:password_hash" json:"-"`
	Active                bool               `json:"active"`
	Admin                 bool               `json:"admin"`
	UserManager           bool               `json:"user_manager"`
	SystemManager         bool               `json:"system_manager"`
	DefaultActions        []RepositoryAction `gorm:"serializer:json" json:"default_repository_actions"`
	RequirePasswordChange bool               `json:"require_password_change"`
	PasswordChangedAt     time.Time          `json:"password_changed_at"`
	CreatedAt             time.Time          `json:"created_at"`
}

// TableName pins the table name expected by the rest of the system.
func (User) TableName() string { return "users" }

// UserRepositoryAction grants one action on one repository to one user.
type UserRepositoryAction struct {
	ID           int64            `gorm:"primaryKey" json:"id"`
	UserID       int64            `gorm:"index:idx_user_repo_action" json:"user_id"`
	RepositoryID uuid.UUID        `gorm:"type:uuid;index:idx_user_repo_action" json:"repository_id"`
	Action       RepositoryAction `json:"action"`
}

// TableName pins the table name.
func (UserRepositoryAction) TableName() string { return "user_repository_actions" }

var (
	// ErrInvalidCredentials is returned for a wrong username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserInactive is returned when an inactive user authenticates.
	ErrUserInactive = errors.New("user is not active")
	// ErrUserExists is returned when a username or email is taken.
	ErrUserExists = errors.New("user already exists")
)

// Store wraps the database handle for the authentication core.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on the shared database handle.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for callers composing transactions.
func (s *Store) DB() *gorm.DB { return s.db }

// NewUser describes a user to create.
type NewUser struct {
	Username       string
	Email          string
	Password       string
	Admin          bool
	UserManager    bool
	SystemManager  bool
	DefaultActions []RepositoryAction
}

// CreateUser validates and persists a new user.
func (s *Store) CreateUser(req NewUser) (*User, error) {
	if err := security.ValidateName(req.Username); err != nil {
		return nil, fmt.Errorf("invalid username: %w", err)
	}
	var count int64
	if err := s.db.Model(&User{}).
		Where("LOWER(username) = ? OR LOWER(email) = ?", strings.ToLower(req.Username), strings.ToLower(req.Email)).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUserExists
	}
	user := &User{
		Username:          req.Username,
		Email:             req.Email,
		Active:            true,
		Admin:             req.Admin,
		UserManager:       req.UserManager,
		SystemManager:     req.SystemManager,
		DefaultActions:    req.DefaultActions,
		PasswordChangedAt: time.Now().UTC(),
	}
	if req.Password != "" {
		hash, err := security.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	if err := s.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByID loads a user, or nil when absent.
func (s *Store) GetUserByID(id int64) (*User, error) {
	var user User
	err := s.db.First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername loads a user by case-insensitive username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var user User
	err := s.db.First(&user, "LOWER(username) = ?", strings.ToLower(username)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyLogin resolves a username/password pair to a user. The argon2
// verification is CPU-bound; callers on a hot path should treat this as a
// blocking operation.
func (s *Store) VerifyLogin(username, password string) (*User, error) {
	user, err := s.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordHash == "" {
		// Burn a verification anyway so missing users take as long as
		// wrong passwords.
		_ = security.VerifyPassword(password, dummyHash)
		return nil, ErrInvalidCredentials
	}
	if err := security.VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrUserInactive
	}
	return user, nil
}

// dummyHash keeps failed lookups constant-time-ish with failed verifications.
var dummyHash = func() string {
	hash, err := security.HashPassword("nitro-repo-dummy-password")
	if err != nil {
		panic(err)
	}
	return hash
}()

// GrantRepositoryAction grants an action on a repository to a user.
func (s *Store) GrantRepositoryAction(userID int64, repositoryID uuid.UUID, action RepositoryAction) error {
	grant := UserRepositoryAction{UserID: userID, RepositoryID: repositoryID, Action: action}
	return s.db.Create(&grant).Error
}

// HasRepositoryAction reports whether a user holds an action on a
// repository, either through a per-repository grant or through the user's
// default repository actions.
func (s *Store) HasRepositoryAction(user *User, repositoryID uuid.UUID, action RepositoryAction) (bool, error) {
	if user == nil {
		return false, nil
	}
	for _, def := range user.DefaultActions {
		if def == action {
			return true, nil
		}
	}
	var count int64
	err := s.db.Model(&UserRepositoryAction{}).
		Where("user_id = ? AND repository_id = ? AND action = ?", user.ID, repositoryID, action).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
