package auth

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"nitro.evalgo.org/common"
	"nitro.evalgo.org/session"
)

// Mode records which credential form a request carried.
type Mode string

const (
	// ModeBearer is an Authorization: Bearer token.
	ModeBearer Mode = "bearer"
	// ModeBasic is an Authorization: Basic user:pass pair.
	ModeBasic Mode = "basic"
	// ModeSession is a session cookie.
	ModeSession Mode = "session"
	// ModeNone means no identification was presented.
	ModeNone Mode = "none"
	// ModeUnknownScheme records an Authorization header with a scheme the
	// server does not understand. The request is not failed; the value is
	// kept for diagnostics.
	ModeUnknownScheme Mode = "unknown_scheme"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "session"

// Authentication is the resolved identity of one request.
type Authentication struct {
	Mode      Mode
	User      *User
	AuthToken *AuthToken
	Session   *session.Session
	// NewSession is set when this request created or rotated a session; the
	// response must carry a matching Set-Cookie.
	NewSession *session.Session
	// UnknownScheme and UnknownValue hold the raw Authorization header for
	// ModeUnknownScheme.
	UnknownScheme string
	UnknownValue  string
}

// Authenticated reports whether a user was resolved.
func (a *Authentication) Authenticated() bool { return a.User != nil }

// HasAuthToken reports whether the request authenticated with an auth token
// (directly or through a token-bound session). Push rules use this to forbid
// password- and cookie-based deploys.
func (a *Authentication) HasAuthToken() bool { return a.AuthToken != nil && a.Mode != ModeSession }

// Authenticator resolves request credentials against the user store and the
// session manager.
type Authenticator struct {
	Store    *Store
	Sessions session.Manager
}

// Authenticate resolves the four authentication modes in order: bearer
// token, basic credentials, session cookie, none. Invalid credentials leave
// the user unset; permission checks downstream turn that into 401/403.
func (a *Authenticator) Authenticate(r *http.Request) (*Authentication, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		scheme, value, _ := strings.Cut(header, " ")
		switch strings.ToLower(scheme) {
		case "bearer":
			return a.authenticateBearer(strings.TrimSpace(value))
		case "basic":
			return a.authenticateBasic(strings.TrimSpace(value))
		default:
			// Unknown schemes degrade rather than fail; fall through to the
			// session cookie.
			result, err := a.authenticateCookie(r)
			if err != nil {
				return nil, err
			}
			if !result.Authenticated() {
				result.Mode = ModeUnknownScheme
				result.UnknownScheme = scheme
				result.UnknownValue = value
			}
			return result, nil
		}
	}
	return a.authenticateCookie(r)
}

func (a *Authenticator) authenticateBearer(token string) (*Authentication, error) {
	result := &Authentication{Mode: ModeBearer}
	if token == "" {
		return result, nil
	}
	authToken, user, err := a.Store.VerifyAuthToken(token, nil)
	if err != nil {
		if err == ErrTokenNotFound {
			common.Logger.Debug("bearer token did not match any stored token")
			return result, nil
		}
		return nil, err
	}
	result.User = user
	result.AuthToken = authToken
	return result, nil
}

func (a *Authenticator) authenticateBasic(encoded string) (*Authentication, error) {
	result := &Authentication{Mode: ModeBasic}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, nil
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return result, nil
	}
	// A numeric username means the password is a token scoped to that user.
	if userID, err := strconv.ParseInt(username, 10, 64); err == nil {
		authToken, user, err := a.Store.VerifyAuthToken(password, &userID)
		if err != nil {
			if err == ErrTokenNotFound {
				return result, nil
			}
			return nil, err
		}
		result.User = user
		result.AuthToken = authToken
		return result, nil
	}
	user, err := a.Store.VerifyLogin(username, password)
	if err != nil {
		if err == ErrInvalidCredentials || err == ErrUserInactive {
			return result, nil
		}
		return nil, err
	}
	result.User = user
	return result, nil
}

func (a *Authenticator) authenticateCookie(r *http.Request) (*Authentication, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return &Authentication{Mode: ModeNone}, nil
	}
	result := &Authentication{Mode: ModeSession}
	current, err := a.Sessions.RetrieveSession(cookie.Value)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Expired() {
		fresh, err := a.Sessions.ReCreateSession(cookie.Value)
		if err != nil {
			return nil, err
		}
		result.Session = &fresh
		result.NewSession = &fresh
		return result, nil
	}
	result.Session = current
	if current.UserID != nil {
		user, err := a.Store.GetUserByID(*current.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil && user.Active {
			result.User = user
			if current.AuthTokenID != nil {
				token, err := a.Store.GetAuthTokenByID(*current.AuthTokenID)
				if err != nil {
					return nil, err
				}
				if token != nil && !token.Expired() {
					result.AuthToken = token
				}
			}
		}
	}
	return result, nil
}
