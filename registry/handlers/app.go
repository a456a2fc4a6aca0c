package handlers

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/distribution/reference"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/configuration"
	"github.com/stowage/stowage/internal/dcontext"
	"github.com/stowage/stowage/registry/api/errcode"
	v2 "github.com/stowage/stowage/registry/api/v2"
	"github.com/stowage/stowage/registry/auth"
	"github.com/stowage/stowage/registry/storage"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
	"github.com/stowage/stowage/registry/storage/driver/factory"
)

// App is a global registry application object. Shared resources can be
// placed on this object that will be accessible from all requests. Any
// writable fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	router           *mux.Router
	driver           storagedriver.StorageDriver
	registry         stowage.Namespace
	accessController auth.AccessController

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewApp takes a configuration and returns a configured app. The app only
// implements ServeHTTP and can be wrapped in other handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	driver, err := factory.Create(config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		return nil, fmt.Errorf("error creating storage driver: %w", err)
	}

	registry, err := storage.NewRegistry(ctx, driver, storage.EnableDelete)
	if err != nil {
		return nil, fmt.Errorf("error creating registry: %w", err)
	}

	app := &App{
		Context:  ctx,
		Config:   config,
		router:   v2.Router(),
		driver:   driver,
		registry: registry,
	}

	if config.Auth.Type() != "" && config.Auth.Type() != "none" {
		accessController, err := auth.GetAccessController(config.Auth.Type(), config.Auth.Parameters())
		if err != nil {
			return nil, fmt.Errorf("unable to configure authorization (%s): %w", config.Auth.Type(), err)
		}
		app.accessController = accessController
		dcontext.GetLogger(ctx).Debugf("authorization backend configured: %s", config.Auth.Type())
	}

	// Register the handler dispatchers.
	app.register(v2.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)

	app.startUploadReaper(ctx)

	return app, nil
}

// Registry exposes the underlying namespace, used by the garbage
// collection command and tests.
func (app *App) Registry() stowage.Namespace {
	return app.registry
}

// Driver exposes the raw storage driver backing this app.
func (app *App) Driver() storagedriver.StorageDriver {
	return app.driver
}

// Shutdown stops the background upload reaper and waits for it to exit.
func (app *App) Shutdown() {
	if app.reaperCancel != nil {
		app.reaperCancel()
		<-app.reaperDone
	}
}

// startUploadReaper runs the upload purge loop on the configured interval.
// The first run is delayed by a random fraction of the interval so that
// replicas sharing a backend do not purge in lockstep.
func (app *App) startUploadReaper(ctx context.Context) {
	interval := app.Config.Uploads.PurgeInterval
	timeout := app.Config.Uploads.Timeout

	reaperCtx, cancel := context.WithCancel(ctx)
	app.reaperCancel = cancel
	app.reaperDone = make(chan struct{})

	go func() {
		defer close(app.reaperDone)

		var jitter time.Duration
		if max := int64(interval) / 10; max > 0 {
			jitter = time.Duration(rand.Int63n(max))
		}
		select {
		case <-time.After(jitter):
		case <-reaperCtx.Done():
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			storage.PurgeUploads(reaperCtx, app.driver, time.Now().Add(-timeout), true)

			select {
			case <-ticker.C:
			case <-reaperCtx.Done():
				return
			}
		}
	}()
}

// register maps a route name to a dispatch function. The dispatcher will
// be invoked with a request-scoped context to build the request handler.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(routeName, dispatch))
}

// dispatchFunc takes a context and request and returns a constructed
// handler for the route. The dispatcher will use this to dynamically create
// request specific handlers for each endpoint without creating a new router
// for each request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher handles creating a request-scoped context, resolving the
// repository when the route carries a name, and rendering any accumulated
// errors once the inner handler returns.
func (app *App) dispatcher(routeName string, dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// All API responses advertise the distribution API version.
		w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")

		ctx := app.context(w, r)

		if err := app.authorized(w, r, ctx); err != nil {
			dcontext.GetLogger(ctx).Warnf("error authorizing context: %v", err)
			return
		}

		if nameRequired(routeName) {
			nameRef, err := reference.WithName(ctx.vars["name"])
			if err != nil {
				dcontext.GetLogger(ctx).Errorf("error parsing reference from context: %v", err)
				ctx.Errors = append(ctx.Errors, v2.ErrorCodeNameInvalid.WithDetail(err))
				if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
					dcontext.GetLogger(ctx).Errorf("error serving error json: %v (from %v)", err, ctx.Errors)
				}
				return
			}

			repository, err := app.registry.Repository(ctx, nameRef)
			if err != nil {
				dcontext.GetLogger(ctx).Errorf("error resolving repository: %v", err)
				switch err := err.(type) {
				case stowage.ErrRepositoryUnknown:
					ctx.Errors = append(ctx.Errors, v2.ErrorCodeNameUnknown.WithDetail(err))
				case stowage.ErrRepositoryNameInvalid:
					ctx.Errors = append(ctx.Errors, v2.ErrorCodeNameInvalid.WithDetail(err))
				default:
					ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
				}
				if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
					dcontext.GetLogger(ctx).Errorf("error serving error json: %v (from %v)", err, ctx.Errors)
				}
				return
			}

			ctx.Repository = repository
		}

		dispatch(ctx, r).ServeHTTP(w, r)

		// Automated error response handling here. Handlers may return
		// their own errors if they need different behavior (such as
		// range errors for layer upload).
		if ctx.Errors.Len() > 0 {
			if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
				dcontext.GetLogger(ctx).Errorf("error serving error json: %v (from %v)", err, ctx.Errors)
			}
		}
	})
}

// context constructs the request-scoped context for a request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	vars := mux.Vars(r)

	requestCtx := dcontext.WithLogger(r.Context(), logrus.NewEntry(logrus.StandardLogger()).WithFields(logrus.Fields{
		"http.request.method": r.Method,
		"http.request.uri":    r.RequestURI,
		"vars.name":           vars["name"],
	}))

	return &Context{
		App:        app,
		Context:    requestCtx,
		urlBuilder: v2.NewURLBuilderFromRequest(r, app.Config.HTTP.RelativeURLs),
		vars:       vars,
	}
}

// authorized checks the request against the access controller, if any is
// configured. Without one, every request is allowed.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, ctx *Context) error {
	if app.accessController == nil {
		return nil
	}

	var accessRecords []auth.Access
	if name := ctx.vars["name"]; name != "" {
		accessRecords = appendAccessRecords(accessRecords, r.Method, name)
	}

	_, err := app.accessController.Authorized(ctx, accessRecords...)
	if err != nil {
		switch err := err.(type) {
		case auth.Challenge:
			err.SetHeaders(r, w)
			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithDetail(accessRecords)); err != nil {
				dcontext.GetLogger(ctx).Errorf("error serving error json: %v", err)
			}
		default:
			if err := errcode.ServeJSON(w, errcode.ErrorCodeDenied.WithDetail(err.Error())); err != nil {
				dcontext.GetLogger(ctx).Errorf("error serving error json: %v", err)
			}
		}
		return err
	}

	return nil
}

// appendAccessRecords returns the access records for the route, mapping
// HTTP methods onto pull/push/delete actions for the named repository.
func appendAccessRecords(records []auth.Access, method string, repo string) []auth.Access {
	resource := auth.Resource{
		Type: "repository",
		Name: repo,
	}

	switch method {
	case http.MethodGet, http.MethodHead:
		records = append(records, auth.Access{Resource: resource, Action: "pull"})
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		records = append(records,
			auth.Access{Resource: resource, Action: "pull"},
			auth.Access{Resource: resource, Action: "push"})
	case http.MethodDelete:
		records = append(records, auth.Access{Resource: resource, Action: "delete"})
	}
	return records
}

// nameRequired returns true if the route requires a repository name.
func nameRequired(routeName string) bool {
	switch routeName {
	case v2.RouteNameBase, v2.RouteNameCatalog:
		return false
	}
	return true
}

// apiBase implements a simple yes-man for doing overall checks against the
// api. This can support auth roundtrips to support docker login.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

// ServeHTTP routes the request through the registry API router.
func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}
