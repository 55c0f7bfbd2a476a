package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

// Router mounts handlers on a group, putting the auth middleware in front
// of routes that ask for it.
type Router struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

func NewRouter(r gin.IRoutes, auth gin.HandlerFunc) *Router {
	return &Router{r: r, auth: auth}
}

func (rt *Router) handle(method, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth && rt.auth != nil {
		rt.r.Handle(method, path, rt.auth, handler)
		return
	}
	rt.r.Handle(method, path, handler)
}

// 封装 POST
func (rt *Router) POST(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.handle(http.MethodPost, path, handler, opt)
}

// 封装 GET
func (rt *Router) GET(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.handle(http.MethodGet, path, handler, opt)
}

func (rt *Router) PATCH(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.handle(http.MethodPatch, path, handler, opt)
}

func (rt *Router) DELETE(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.handle(http.MethodDelete, path, handler, opt)
}
