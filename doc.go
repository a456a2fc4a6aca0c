// Package stowage defines the interfaces that make up a content-addressable
// container registry: blob storage, manifest services, tag services and the
// repository namespace that ties them together. Implementations are provided
// under registry/storage; the HTTP surface that exposes them over the OCI
// distribution protocol lives under registry/handlers.
package stowage
