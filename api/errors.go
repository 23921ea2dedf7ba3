package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"nitro.evalgo.org/common"
	"nitro.evalgo.org/storage"
)

// errorReasonHeader carries a short machine-readable failure tag for
// request logging.
const errorReasonHeader = "X-Error-Reason"

// ErrorBody is the uniform JSON error envelope.
type ErrorBody struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func errorJSON(c echo.Context, status int, message string, details interface{}) error {
	c.Response().Header().Set(errorReasonHeader, http.StatusText(status))
	return c.JSON(status, ErrorBody{Message: message, Details: details})
}

// handlerError maps an internal error to a response, translating tagged
// storage error kinds to their status codes.
func handlerError(c echo.Context, err error) error {
	switch storage.KindOf(err) {
	case storage.KindBadPath:
		return errorJSON(c, http.StatusBadRequest, err.Error(), nil)
	case storage.KindPathCollision:
		return errorJSON(c, http.StatusConflict, err.Error(), nil)
	case storage.KindNotFound:
		return errorJSON(c, http.StatusNotFound, err.Error(), nil)
	default:
		common.Logger.WithError(err).Error("internal error handling request")
		c.Response().Header().Set(errorReasonHeader, "internal")
		return c.JSON(http.StatusInternalServerError, ErrorBody{
			Message: "internal error",
			Error:   err.Error(),
		})
	}
}

// httpErrorHandler renders uncaught echo errors with the same envelope.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := err.Error()
	if httpErr, ok := err.(*echo.HTTPError); ok {
		status = httpErr.Code
		if text, ok := httpErr.Message.(string); ok {
			message = text
		}
	}
	if status >= http.StatusInternalServerError {
		common.Logger.WithError(err).Error("request failed")
	}
	if writeErr := errorJSON(c, status, message, nil); writeErr != nil {
		common.Logger.WithError(writeErr).Error("failed to write error response")
	}
}
