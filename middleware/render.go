package middleware

import (
	"net/http"

	"PPMessenger/tools/errs"

	"github.com/gin-gonic/gin"
)

const ctxUserIDKey = "ppm.userID"

// SetUserID records the authenticated user on the request context.
func SetUserID(c *gin.Context, userID int64) { c.Set(ctxUserIDKey, userID) }

// UserID returns the user set by the auth middleware.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ctxUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(code int) int {
	switch code {
	case errs.AuthorizationError:
		return http.StatusUnauthorized
	case errs.ProtocolError:
		return http.StatusBadRequest
	case errs.AuthorizationViolation, errs.NotMember:
		return http.StatusForbidden
	case errs.RecordNotFound:
		return http.StatusNotFound
	case errs.RecordIsExist:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Fail aborts the request with err rendered as a CodeError body. Errors
// without a code, and internal ones, are reported generically.
func Fail(c *gin.Context, err error) {
	if err != nil {
		_ = c.Error(err)
	}
	ce, ok := errs.As(err)
	if !ok || ce.Code == errs.ServerInternalError {
		c.AbortWithStatusJSON(http.StatusInternalServerError, errs.ErrInternal)
		return
	}
	c.AbortWithStatusJSON(StatusOf(ce.Code), ce)
}

// OK renders v with the given status.
func OK(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}
