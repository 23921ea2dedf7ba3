package auth

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"nitro.evalgo.org/common"
	"nitro.evalgo.org/security"
)

// TokenType distinguishes tokens created explicitly from those minted by a
// browser login.
type TokenType string

const (
	// TokenTypeAPI is a long-lived token created by the user.
	TokenTypeAPI TokenType = "api"
	// TokenTypeSession is minted by POST /api/login and bound to a session.
	TokenTypeSession TokenType = "session_token"
)

// AuthToken is a hashed API token. The plaintext is 32 random alphanumerics,
// shown to the user exactly once at creation; the server keeps only the
// SHA-256 hash and the trailing eight characters used to bound lookups.
type AuthToken struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	UserID      int64     `gorm:"index" json:"user_id"`
	TokenHash   string    `gorm:"uniqueIndex;size:64" json:"-"`
	LastEight   string    `gorm:"index;size:8" json:"last_eight"`
	Description string    `json:"description"`
	TokenType   TokenType `json:"token_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TableName pins the table name.
func (AuthToken) TableName() string { return "user_auth_tokens" }

// Expired reports whether the token's expiration has passed. A zero
// expiration means the token never expires.
func (t *AuthToken) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// ErrTokenNotFound is returned when no candidate matches a presented token.
var ErrTokenNotFound = errors.New("auth token not found")

// hashedTokenLength is the length of a base64 SHA-256 digest. Rows whose
// hash column has a different length predate hashed storage and are never
// matched.
const hashedTokenLength = 44

// CreateAuthToken mints a token for a user and returns the plaintext exactly
// once alongside the stored row. ttl <= 0 creates a non-expiring token.
func (s *Store) CreateAuthToken(userID int64, description string, tokenType TokenType, ttl time.Duration) (string, *AuthToken, error) {
	var plaintext, hash string
	for {
		plaintext = security.GenerateToken()
		hash = security.HashToken(plaintext)
		var count int64
		if err := s.db.Model(&AuthToken{}).Where("token_hash = ?", hash).Count(&count).Error; err != nil {
			return "", nil, err
		}
		if count == 0 {
			break
		}
	}
	token := &AuthToken{
		UserID:      userID,
		TokenHash:   hash,
		LastEight:   security.TokenLastEight(plaintext),
		Description: description,
		TokenType:   tokenType,
	}
	if ttl > 0 {
		token.ExpiresAt = time.Now().Add(ttl).UTC()
	}
	if err := s.db.Create(token).Error; err != nil {
		return "", nil, err
	}
	return plaintext, token, nil
}

// VerifyAuthToken resolves a plaintext token to its row and owning user.
// Candidates are filtered by the indexed last-eight column (and optionally
// by user id), then each candidate's hash is compared; first match wins.
func (s *Store) VerifyAuthToken(plaintext string, userID *int64) (*AuthToken, *User, error) {
	query := s.db.Where("last_eight = ?", security.TokenLastEight(plaintext))
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}
	var candidates []AuthToken
	if err := query.Find(&candidates).Error; err != nil {
		return nil, nil, err
	}
	presented := security.HashToken(plaintext)
	for i := range candidates {
		candidate := &candidates[i]
		if len(candidate.TokenHash) != hashedTokenLength {
			// Plaintext rows from before hashed storage are never matched;
			// the operator regenerates those tokens.
			common.Logger.Warnf("auth token %d has a legacy unhashed value; ignoring", candidate.ID)
			continue
		}
		if candidate.TokenHash != presented {
			continue
		}
		if candidate.Expired() {
			return nil, nil, ErrTokenNotFound
		}
		user, err := s.GetUserByID(candidate.UserID)
		if err != nil {
			return nil, nil, err
		}
		if user == nil || !user.Active {
			return nil, nil, ErrTokenNotFound
		}
		return candidate, user, nil
	}
	return nil, nil, ErrTokenNotFound
}

// GetAuthTokenByID loads a token row, or nil when absent.
func (s *Store) GetAuthTokenByID(id int64) (*AuthToken, error) {
	var token AuthToken
	err := s.db.First(&token, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ListUserTokens returns all of a user's tokens, newest first.
func (s *Store) ListUserTokens(userID int64) ([]AuthToken, error) {
	var tokens []AuthToken
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&tokens).Error
	return tokens, err
}

// DeleteAuthToken removes one of a user's tokens.
func (s *Store) DeleteAuthToken(id, userID int64) error {
	return s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&AuthToken{}).Error
}
