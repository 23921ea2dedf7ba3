package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/common"
	"nitro.evalgo.org/version"
)

// loginRequest is the POST /api/login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin verifies a password, mints a session-bound auth token and
// binds it to the caller's session cookie (creating or rotating the session
// as needed).
func (s *Server) handleLogin(c echo.Context) error {
	var body loginRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid login body", nil)
	}
	user, err := s.Auth.VerifyLogin(body.Username, body.Password)
	if err != nil {
		if err == auth.ErrInvalidCredentials || err == auth.ErrUserInactive {
			return errorJSON(c, http.StatusUnauthorized, "invalid username or password", nil)
		}
		return handlerError(c, err)
	}

	_, token, err := s.Auth.CreateAuthToken(user.ID, "browser session", auth.TokenTypeSession, s.Config.Session.Lifetime)
	if err != nil {
		return handlerError(c, err)
	}

	// Reuse the caller's live session when one exists, otherwise issue one.
	sessionToken := ""
	if cookie, err := c.Cookie(auth.SessionCookieName); err == nil {
		if existing, err := s.Sessions.RetrieveSession(cookie.Value); err == nil && existing != nil && !existing.Expired() {
			sessionToken = existing.Token
		}
	}
	if sessionToken == "" {
		fresh, err := s.Sessions.CreateSession()
		if err != nil {
			return handlerError(c, err)
		}
		sessionToken = fresh.Token
		setSessionCookie(c, &fresh)
	}
	if err := s.Sessions.SetAuthToken(sessionToken, user.ID, token.ID); err != nil {
		return handlerError(c, err)
	}
	common.Logger.Infof("user %s logged in", user.Username)
	return c.JSON(http.StatusOK, user)
}

// handleMe returns the authenticated user. The password hash never appears
// in the serialization.
func (s *Server) handleMe(c echo.Context) error {
	authn, err := s.Authenticator.Authenticate(c.Request())
	if err != nil {
		return handlerError(c, err)
	}
	finishAuthentication(c, authn)
	if !authn.Authenticated() {
		return errorJSON(c, http.StatusUnauthorized, "not logged in", nil)
	}
	return c.JSON(http.StatusOK, authn.User)
}

// createTokenRequest is the POST /api/token body.
type createTokenRequest struct {
	Description string `json:"description"`
}

// createTokenResponse carries the plaintext exactly once.
type createTokenResponse struct {
	Token     string          `json:"token"`
	AuthToken *auth.AuthToken `json:"auth_token"`
}

func (s *Server) handleCreateToken(c echo.Context) error {
	authn, err := s.Authenticator.Authenticate(c.Request())
	if err != nil {
		return handlerError(c, err)
	}
	finishAuthentication(c, authn)
	if !authn.Authenticated() {
		return errorJSON(c, http.StatusUnauthorized, "not logged in", nil)
	}
	var body createTokenRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid token body", nil)
	}
	plaintext, token, err := s.Auth.CreateAuthToken(authn.User.ID, body.Description, auth.TokenTypeAPI, 0)
	if err != nil {
		return handlerError(c, err)
	}
	return c.JSON(http.StatusCreated, createTokenResponse{Token: plaintext, AuthToken: token})
}

func (s *Server) handleListTokens(c echo.Context) error {
	authn, err := s.Authenticator.Authenticate(c.Request())
	if err != nil {
		return handlerError(c, err)
	}
	finishAuthentication(c, authn)
	if !authn.Authenticated() {
		return errorJSON(c, http.StatusUnauthorized, "not logged in", nil)
	}
	tokens, err := s.Auth.ListUserTokens(authn.User.ID)
	if err != nil {
		return handlerError(c, err)
	}
	return c.JSON(http.StatusOK, tokens)
}

func (s *Server) handleDeleteToken(c echo.Context) error {
	authn, err := s.Authenticator.Authenticate(c.Request())
	if err != nil {
		return handlerError(c, err)
	}
	finishAuthentication(c, authn)
	if !authn.Authenticated() {
		return errorJSON(c, http.StatusUnauthorized, "not logged in", nil)
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid token id", nil)
	}
	if err := s.Auth.DeleteAuthToken(id, authn.User.ID); err != nil {
		return handlerError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// infoResponse is the GET /api/info payload.
type infoResponse struct {
	Name    string             `json:"name"`
	Version string             `json:"version"`
	Build   *version.BuildInfo `json:"build"`
}

func (s *Server) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, infoResponse{
		Name:    s.Config.Application.Name,
		Version: version.Version,
		Build:   version.GetBuildInfo(),
	})
}
