package router

import (
	"github.com/gin-gonic/gin"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router mounts the three route surfaces of the billing service: the public
// surface (provider webhooks, health), the authenticated API surface under
// /api/<version>, and the operator surface under /admin. Each surface carries
// its own middleware chain; the engine-level chain applies to all of them.
type Router struct {
	engine     *gin.Engine
	apiVersion string

	public []RouteRegistrar
	api    []RouteRegistrar
	admin  []RouteRegistrar

	apiMiddleware   []gin.HandlerFunc
	adminMiddleware []gin.HandlerFunc
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// WithAPIMiddleware sets the middleware chain for the /api surface,
// typically authentication and rate limiting
func WithAPIMiddleware(mw ...gin.HandlerFunc) RouterOption {
	return func(r *Router) {
		r.apiMiddleware = append(r.apiMiddleware, mw...)
	}
}

// WithAdminMiddleware sets the middleware chain for the /admin surface,
// typically authentication plus the admin role gate
func WithAdminMiddleware(mw ...gin.HandlerFunc) RouterOption {
	return func(r *Router) {
		r.adminMiddleware = append(r.adminMiddleware, mw...)
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RegisterPublic mounts a registrar on the unauthenticated surface under the
// given prefix, e.g. "/webhooks" for provider deliveries
func (r *Router) RegisterPublic(prefix string, registrar RouteRegistrar) *Router {
	r.public = append(r.public, prefixed{prefix: prefix, inner: registrar})
	return r
}

// Register mounts a registrar on the authenticated /api/<version> surface
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.api = append(r.api, registrar)
	return r
}

// RegisterAdmin mounts a registrar on the /admin surface
func (r *Router) RegisterAdmin(registrar RouteRegistrar) *Router {
	r.admin = append(r.admin, registrar)
	return r
}

// Setup registers all routes with the engine
func (r *Router) Setup() {
	root := r.engine.Group("")
	for _, registrar := range r.public {
		registrar.RegisterRoutes(root)
	}

	api := r.engine.Group("/api/"+r.apiVersion, r.apiMiddleware...)
	for _, registrar := range r.api {
		registrar.RegisterRoutes(api)
	}

	admin := r.engine.Group("/admin", r.adminMiddleware...)
	for _, registrar := range r.admin {
		registrar.RegisterRoutes(admin)
	}
}

// prefixed wraps a registrar so its routes land under an extra prefix
type prefixed struct {
	prefix string
	inner  RouteRegistrar
}

func (p prefixed) RegisterRoutes(rg *gin.RouterGroup) {
	p.inner.RegisterRoutes(rg.Group(p.prefix))
}
