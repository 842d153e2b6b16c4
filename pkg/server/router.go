package server

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const paramsContextKey contextKey = "path_params"

// Params holds path parameters extracted by ParamRouter
type Params map[string]string

// GetPathParam retrieves a path parameter from the request context
func GetPathParam(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsContextKey).(Params)
	if params == nil {
		return ""
	}
	return params[name]
}

// ParamRouter is a tiny router supporting patterns with {param} segments.
// Requests matching no pattern go to Fallback, or get a 404 without one.
type ParamRouter struct {
	routes   []route
	Fallback http.Handler
}

type route struct {
	pattern string
	parts   []string
	handler http.HandlerFunc
}

// NewParamRouter creates a new ParamRouter instance
func NewParamRouter() *ParamRouter {
	return &ParamRouter{routes: make([]route, 0)}
}

// Handle registers a handler for a pattern like "/api/voices/{id}".
// Literal patterns registered earlier win over parameter patterns of the
// same length.
func (rtr *ParamRouter) Handle(pattern string, handler http.HandlerFunc) {
	pattern = strings.TrimSuffix(pattern, "/")
	rtr.routes = append(rtr.routes, route{pattern: pattern, parts: splitPath(pattern), handler: handler})
}

// ServeHTTP dispatches to the first matching route
func (rtr *ParamRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inParts := splitPath(strings.TrimSuffix(r.URL.Path, "/"))

	for _, rt := range rtr.routes {
		params, ok := rt.match(inParts)
		if !ok {
			continue
		}
		ctx := context.WithValue(r.Context(), paramsContextKey, params)
		rt.handler(w, r.WithContext(ctx))
		return
	}

	if rtr.Fallback != nil {
		rtr.Fallback.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (rt route) match(inParts []string) (Params, bool) {
	if len(rt.parts) != len(inParts) {
		return nil, false
	}
	params := make(Params)
	for i, pp := range rt.parts {
		if isParam(pp) {
			if inParts[i] == "" {
				return nil, false
			}
			params[strings.TrimSuffix(strings.TrimPrefix(pp, "{"), "}")] = inParts[i]
			continue
		}
		if pp != inParts[i] {
			return nil, false
		}
	}
	return params, true
}

// splitPath keeps the leading empty element of the root slash so patterns
// and paths split the same way.
func splitPath(p string) []string {
	if p == "" || p == "/" {
		return []string{""}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.Split(p, "/")
}

func isParam(seg string) bool {
	return strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") && len(seg) > 2
}
