// Package v2 describes the HTTP surface of the registry: route templates,
// a URL builder for responses and the registry error codes.
package v2

import (
	"github.com/distribution/reference"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// Route names, used to dispatch a matched request to its handler and to
// build URLs for Location and Link headers.
const (
	RouteNameBase            = "base"
	RouteNameManifest        = "manifest"
	RouteNameTags            = "tags"
	RouteNameBlob            = "blob"
	RouteNameBlobUpload      = "blob-upload"
	RouteNameBlobUploadChunk = "blob-upload-chunk"
	RouteNameCatalog         = "catalog"
)

// routeInfo associates a route name with its gorilla/mux path template.
// Name and reference segments embed the repository grammar, so malformed
// names miss the route entirely and surface as 404s before a handler runs.
type routeInfo struct {
	name string
	path string
}

// Repository name grammar for route templates. reference.NameRegexp is not
// used here: its domain component admits uppercase, which registry paths
// must reject.
const (
	namePathComponent = `[a-z0-9]+(?:(?:\.|_|__|-+)[a-z0-9]+)*`
	namePath          = namePathComponent + `(?:/` + namePathComponent + `)*`
)

var routes = []routeInfo{
	{
		name: RouteNameBase,
		path: "/v2/",
	},
	{
		name: RouteNameCatalog,
		path: "/v2/_catalog",
	},
	{
		name: RouteNameManifest,
		path: "/v2/{name:" + namePath + "}/manifests/{reference:" + reference.TagRegexp.String() + "|" + digest.DigestRegexp.String() + "}",
	},
	{
		name: RouteNameTags,
		path: "/v2/{name:" + namePath + "}/tags/list",
	},
	{
		name: RouteNameBlob,
		path: "/v2/{name:" + namePath + "}/blobs/{digest:[a-zA-Z0-9-_+.]+:[a-fA-F0-9]+}",
	},
	{
		name: RouteNameBlobUpload,
		path: "/v2/{name:" + namePath + "}/blobs/uploads/",
	},
	{
		name: RouteNameBlobUploadChunk,
		path: "/v2/{name:" + namePath + "}/blobs/uploads/{uuid:[a-zA-Z0-9-_.=]+}",
	},
}

// Router builds a gorilla/mux router with registered routes for the API.
// The router can then be used to dispatch to handlers looked up by route
// name.
func Router() *mux.Router {
	router := mux.NewRouter().UseEncodedPath()

	for _, descriptor := range routes {
		router.Path(descriptor.path).Name(descriptor.name)
	}

	return router
}
