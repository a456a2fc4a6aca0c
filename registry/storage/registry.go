package storage

import (
	"context"

	"github.com/distribution/reference"

	"github.com/stowage/stowage"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// registry is the top-level implementation of Registry for use in the
// storage package. All instances should descend from this object.
type registry struct {
	blobStore     *blobStore
	statter       *blobStatter
	deleteEnabled bool
	driver        storagedriver.StorageDriver
}

// RegistryOption is the type used for functional options for NewRegistry.
type RegistryOption func(*registry) error

// EnableDelete is a functional option for NewRegistry. It enables deletion
// on the registry.
func EnableDelete(registry *registry) error {
	registry.deleteEnabled = true
	return nil
}

// NewRegistry creates a new registry instance from the provided driver. The
// resulting registry may be shared by multiple goroutines but is cheap to
// allocate.
func NewRegistry(ctx context.Context, driver storagedriver.StorageDriver, options ...RegistryOption) (stowage.Namespace, error) {
	statter := &blobStatter{
		driver: driver,
	}

	bs := &blobStore{
		driver:  driver,
		statter: statter,
	}

	registry := &registry{
		blobStore: bs,
		statter:   statter,
		driver:    driver,
	}

	for _, option := range options {
		if err := option(registry); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// Repository returns an instance of the repository tied to the registry.
// Instances should not be shared between goroutines but are cheap to
// allocate. In general, they should be request scoped.
func (reg *registry) Repository(ctx context.Context, canonicalName reference.Named) (stowage.Repository, error) {
	return &repository{
		ctx:      ctx,
		registry: reg,
		name:     canonicalName,
	}, nil
}

// Blobs returns an enumerator over the registry's global blob set.
func (reg *registry) Blobs() stowage.BlobEnumerator {
	return reg.blobStore
}

// BlobStatter returns a statter over the registry's global blob set.
func (reg *registry) BlobStatter() stowage.BlobStatter {
	return reg.statter
}

// repository provides name-scoped access to various services.
type repository struct {
	ctx      context.Context
	registry *registry
	name     reference.Named
}

// Named returns the name of the repository.
func (repo *repository) Named() reference.Named {
	return repo.name
}

// Manifests returns an instance of ManifestService. Instantiation is cheap
// and may be context sensitive in the future. The instance should be used
// similar to a request local.
func (repo *repository) Manifests(ctx context.Context, options ...stowage.ManifestServiceOption) (stowage.ManifestService, error) {
	revisionStore := &linkedBlobStore{
		ctx:       ctx,
		blobStore: repo.registry.blobStore,
		registry:  repo.registry,
		repository: repo,
		linkPath:  manifestRevisionLinkPath,
		linkDirectoryPathSpec: manifestRevisionsPathSpec{
			name: repo.name.Name(),
		},

		// Manifest revisions are removable independent of layer links.
		deleteEnabled: true,
	}

	ms := &manifestStore{
		ctx:        ctx,
		repository: repo,
		blobStore:  revisionStore,
	}

	// Apply options
	for _, option := range options {
		err := option.Apply(ms)
		if err != nil {
			return nil, err
		}
	}

	return ms, nil
}

// Blobs returns an instance of the BlobStore. Instantiation is cheap and
// may be context sensitive in the future. The instance should be used
// similar to a request local.
func (repo *repository) Blobs(ctx context.Context) stowage.BlobStore {
	return &linkedBlobStore{
		ctx:       ctx,
		blobStore: repo.registry.blobStore,
		registry:  repo.registry,
		repository: repo,
		linkPath:  blobLinkPath,
		linkDirectoryPathSpec: layersPathSpec{
			name: repo.name.Name(),
		},
		deleteEnabled: repo.registry.deleteEnabled,
	}
}

// Tags returns an instance of the TagService backed by the tag directory
// of the repository.
func (repo *repository) Tags(ctx context.Context) stowage.TagService {
	return &tagStore{
		repository: repo,
		blobStore:  repo.registry.blobStore,
	}
}
