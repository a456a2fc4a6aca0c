// Package auth defines the boundary between the registry core and access
// control. The core never interprets credentials itself; it asks a
// registered AccessController whether a request may perform a set of
// accesses and propagates the resulting challenge on refusal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidCredential is returned when the auth token does not
	// authenticate correctly.
	ErrInvalidCredential = errors.New("invalid authorization credential")

	// ErrAuthenticationFailure returned when authentication fails.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// UserInfo carries information about an authenticated/authorized client.
type UserInfo struct {
	Name string
}

// Resource describes a resource by type and name.
type Resource struct {
	Type  string
	Class string
	Name  string
}

// Access describes a specific action that is requested or allowed for a
// given resource.
type Access struct {
	Resource
	Action string
}

// Grant contains the identity and authorized resources of an authorized
// request.
type Grant struct {
	User      UserInfo
	Resources []Resource
}

// Challenge is a special error type which is used for HTTP 401 Unauthorized
// responses and is able to write the response with WWW-Authenticate
// challenge header values based on the error.
type Challenge interface {
	error

	// SetHeaders prepares the request to conduct a challenge response by
	// adding the an HTTP challenge header on the response message. Callers
	// are expected to set the appropriate HTTP status code (e.g. 401) them-
	// selves.
	SetHeaders(r *http.Request, w http.ResponseWriter)
}

// AccessController controls access to registry resources based on a
// request and required access levels for a request. Implementations can
// support both complete denial and http authorization challenges.
type AccessController interface {
	// Authorized returns a non-nil error if the context is granted access
	// and returns a new authorized context. If one or more Access structs
	// are provided, the requested access will be compared with what is
	// available to the context.
	//
	// An error of type Challenge will be returned when the access
	// controller needs the client to complete a challenge before
	// proceeding.
	Authorized(ctx context.Context, access ...Access) (*Grant, error)
}

// InitFunc is the type of an AccessController factory function and is used
// to register the constructor for different AccesController backends.
type InitFunc func(options map[string]interface{}) (AccessController, error)

var accessControllers = map[string]InitFunc{}

// Register is used to register an InitFunc for an AccessController backend
// with the given name.
func Register(name string, initFunc InitFunc) error {
	if _, exists := accessControllers[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}

	accessControllers[name] = initFunc

	return nil
}

// GetAccessController constructs an AccessController with the given
// options using the named backend.
func GetAccessController(name string, options map[string]interface{}) (AccessController, error) {
	if initFunc, exists := accessControllers[name]; exists {
		return initFunc(options)
	}

	return nil, fmt.Errorf("no access controller registered with name: %s", name)
}
