package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type registrarFunc func(rg *gin.RouterGroup)

func (f registrarFunc) RegisterRoutes(rg *gin.RouterGroup) {
	f(rg)
}

func pingRegistrar(prefix string) RouteRegistrar {
	return registrarFunc(func(rg *gin.RouterGroup) {
		rg.GET(prefix+"/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})
	})
}

func TestNewRouter(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)

	assert.NotNil(t, r)
	assert.Equal(t, "v1", r.apiVersion)
}

func TestNewRouterWithAPIVersion(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine, WithAPIVersion("v2"))

	assert.Equal(t, "v2", r.apiVersion)
}

func TestRouterRegister(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)

	result := r.Register(pingRegistrar("/entitlements"))

	assert.Equal(t, r, result, "Register should return router for chaining")
	assert.Len(t, r.api, 1)
}

func TestRouterSetup(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine, WithAPIVersion("v1"))

	r.Register(pingRegistrar("/entitlements"))
	r.Setup()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/ping", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestRouterPublicSurface(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)

	r.RegisterPublic("/webhooks", registrarFunc(func(rg *gin.RouterGroup) {
		rg.POST("/stripe", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
	}))
	r.Setup()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouterPublicSurfaceSkipsAPIMiddleware(t *testing.T) {
	engine := gin.New()
	reject := func(c *gin.Context) {
		c.AbortWithStatus(http.StatusUnauthorized)
	}
	r := NewRouter(engine, WithAPIMiddleware(reject))

	r.RegisterPublic("/webhooks", pingRegistrar(""))
	r.Register(pingRegistrar("/entitlements"))
	r.Setup()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/ping", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "public surface must bypass API middleware")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/ping", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "API surface must run API middleware")
}

func TestRouterAdminSurface(t *testing.T) {
	engine := gin.New()
	var sawAdminMiddleware bool
	r := NewRouter(engine, WithAdminMiddleware(func(c *gin.Context) {
		sawAdminMiddleware = true
		c.Next()
	}))

	r.RegisterAdmin(registrarFunc(func(rg *gin.RouterGroup) {
		rg.POST("/orgs/:id/trial", func(c *gin.Context) {
			c.String(http.StatusOK, c.Param("id"))
		})
	}))
	r.Setup()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/orgs/org-1/trial", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "org-1", w.Body.String())
	assert.True(t, sawAdminMiddleware)
}

func TestRouterAdminMiddlewareGate(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine, WithAdminMiddleware(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusForbidden)
	}))

	r.RegisterAdmin(pingRegistrar("/orgs"))
	r.Register(pingRegistrar("/entitlements"))
	r.Setup()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/orgs/ping", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/ping", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "admin middleware must not leak onto the API surface")
}

func TestRouterMultipleRegistrars(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)

	r.Register(pingRegistrar("/entitlements")).
		Register(pingRegistrar("/usage")).
		Register(pingRegistrar("/subscription"))
	r.Setup()

	for _, path := range []string{
		"/api/v1/entitlements/ping",
		"/api/v1/usage/ping",
		"/api/v1/subscription/ping",
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestRouterAPIMiddlewareOrder(t *testing.T) {
	engine := gin.New()
	var order []string
	first := func(c *gin.Context) {
		order = append(order, "first")
		c.Next()
	}
	second := func(c *gin.Context) {
		order = append(order, "second")
		c.Next()
	}
	r := NewRouter(engine, WithAPIMiddleware(first), WithAPIMiddleware(second))

	r.Register(pingRegistrar("/entitlements"))
	r.Setup()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/ping", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"first", "second"}, order)
}
