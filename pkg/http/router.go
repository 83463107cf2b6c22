package xhttp

import (
	"github.com/fasthttp/router"
)

type Router = router.Router

func NewRouter() *Router {
	return router.New()
}

// CreateDefaultRouter returns a router with path redirection enabled and
// unknown routes answered by NotFoundHandler. OPTIONS handling is off; the
// API has no browser-facing surface.
func CreateDefaultRouter() *Router {
	r := NewRouter()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true
	r.SaveMatchedRoutePath = true
	r.NotFound = NotFoundHandler
	r.MethodNotAllowed = NotFoundHandler
	r.HandleOPTIONS = false
	r.HandleMethodNotAllowed = true
	return r
}

// NotFoundHandler answers unknown routes with the same JSON error shape
// the API handlers use.
func NotFoundHandler(ctx *RequestCtx) {
	ctx.SetStatusCode(StatusNotFound)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"not found"}`)
}
