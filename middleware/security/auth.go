package security

import (
	"strings"

	"PPMessenger/middleware"
	"PPMessenger/tools/errs"
	"PPMessenger/tools/security"

	"github.com/gin-gonic/gin"
)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "Authorization"
	EnableAuthorizationBearer bool   // 默认 true
	// QueryToken, when set, is also read from the query string.
	QueryToken string

	JWT security.Options
}

func DefaultOptions(jwt security.Options) *Options {
	return &Options{
		HeaderToken:               "Authorization",
		EnableAuthorizationBearer: true,
		JWT:                       jwt,
	}
}

// Middleware verifies the bearer token and stores its subject as the user
// id of the request. Missing or invalid tokens get a 401.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFrom(c, opts)
		if token == "" {
			middleware.Fail(c, errs.ErrUnauthorized.WrapMsg("missing bearer token"))
			return
		}
		claims, err := security.Verify(opts.JWT, token)
		if err != nil {
			middleware.Fail(c, errs.ErrUnauthorized.WrapMsg(err.Error()))
			return
		}
		uid, err := claims.UserID()
		if err != nil {
			middleware.Fail(c, errs.ErrUnauthorized.WrapMsg(err.Error()))
			return
		}
		middleware.SetUserID(c, uid)
		c.Next()
	}
}

func tokenFrom(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	// 兼容 Authorization: Bearer xxx
	if opts.EnableAuthorizationBearer && len(token) > len("bearer ") &&
		strings.EqualFold(token[:len("bearer ")], "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" && opts.QueryToken != "" {
		token = strings.TrimSpace(c.Query(opts.QueryToken))
	}
	return token
}
