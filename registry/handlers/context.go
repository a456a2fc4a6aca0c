package handlers

import (
	"context"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/registry/api/errcode"
	v2 "github.com/stowage/stowage/registry/api/v2"
)

// Context contains the request specific context for use across handlers.
// Resources that don't need to be shared across handlers should not be on
// this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Repository is the repository for the current request. All requests
	// should be scoped to a single repository. This field may be nil.
	Repository stowage.Repository

	// Errors is a collection of errors encountered during the request to
	// be returned to the client API. If errors are added to the
	// collection, the handler *must not* start the response via
	// http.ResponseWriter.
	Errors errcode.Errors

	urlBuilder *v2.URLBuilder

	// vars holds the matched route variables for the request.
	vars map[string]string
}

// Value overrides context.Context.Value to ensure that calls are routed to
// the wrapped context.
func (ctx *Context) Value(key interface{}) interface{} {
	return ctx.Context.Value(key)
}
