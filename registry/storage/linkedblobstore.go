package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/distribution/reference"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/internal/dcontext"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// linkPathFunc describes a function that can resolve a link based on the
// repository name and digest.
type linkPathFunc func(name string, dgst digest.Digest) (string, error)

type optionFunc func(interface{}) error

func (f optionFunc) Apply(v interface{}) error {
	return f(v)
}

// WithMountFrom returns a BlobCreateOption which designates that the blob
// should be mounted from the given canonical reference.
func WithMountFrom(ref reference.Canonical) stowage.BlobCreateOption {
	return optionFunc(func(v interface{}) error {
		opts, ok := v.(*stowage.CreateOptions)
		if !ok {
			return fmt.Errorf("unexpected options type: %T", v)
		}

		opts.Mount.ShouldMount = true
		opts.Mount.From = ref

		return nil
	})
}

// linkedBlobStore provides a full BlobService that namespaces the blobs to
// a given repository. Effectively, it provides an access controlled view of
// the global blob store: a digest is visible through this store only if the
// repository holds a link file for it.
type linkedBlobStore struct {
	*blobStore
	registry              *registry
	repository            stowage.Repository
	ctx                   context.Context // only to be used where context can't be gotten
	deleteEnabled         bool
	linkPath              linkPathFunc
	linkDirectoryPathSpec pathSpec
}

var _ stowage.BlobStore = &linkedBlobStore{}

func (lbs *linkedBlobStore) Stat(ctx context.Context, dgst digest.Digest) (stowage.Descriptor, error) {
	linkPath, err := lbs.linkPath(lbs.repository.Named().Name(), dgst)
	if err != nil {
		return stowage.Descriptor{}, err
	}

	target, err := lbs.blobStore.readlink(ctx, linkPath)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return stowage.Descriptor{}, stowage.ErrBlobUnknown
		}

		return stowage.Descriptor{}, err
	}

	// The link may point at a digest other than the request digest if the
	// repository linked a canonicalized version. Stat the target.
	return lbs.registry.statter.Stat(ctx, target)
}

func (lbs *linkedBlobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Get(ctx, canonical.Digest)
}

func (lbs *linkedBlobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Open(ctx, canonical.Digest)
}

// ServeBlob streams the linked blob to the client, honoring single byte
// ranges via the http package range machinery. Failure paths close the
// reader so that handles do not leak when a client disconnects mid-body.
func (lbs *linkedBlobStore) ServeBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, dgst digest.Digest) error {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return err
	}

	br, err := lbs.blobStore.Open(ctx, canonical.Digest)
	if err != nil {
		return err
	}
	defer br.Close()

	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, canonical.Digest)) // If-None-Match handled by ServeContent
	w.Header().Set("Docker-Content-Digest", canonical.Digest.String())

	if w.Header().Get("Content-Type") == "" {
		// Set the content type if not already set.
		w.Header().Set("Content-Type", canonical.MediaType)
	}

	http.ServeContent(w, r, canonical.Digest.String(), time.Time{}, br)
	return nil
}

func (lbs *linkedBlobStore) Put(ctx context.Context, mediaType string, p []byte) (stowage.Descriptor, error) {
	// Place the data in the blob store first.
	desc, err := lbs.blobStore.Put(ctx, mediaType, p)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting into main store: %v", err)
		return stowage.Descriptor{}, err
	}

	return desc, lbs.linkBlob(ctx, desc)
}

// Create begins a blob write session and returns a handle.
func (lbs *linkedBlobStore) Create(ctx context.Context, options ...stowage.BlobCreateOption) (stowage.BlobWriter, error) {
	var opts stowage.CreateOptions

	for _, option := range options {
		err := option.Apply(&opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.Mount.ShouldMount {
		desc, err := lbs.mount(ctx, opts.Mount.From, opts.Mount.From.Digest())
		if err == nil {
			// Mount successful, no upload necessary
			return nil, stowage.ErrBlobMounted{From: opts.Mount.From, Descriptor: desc}
		}
		// possibly fall through to an upload, caller's choice
		return nil, err
	}

	id := uuid.NewString()
	startedAt := time.Now().UTC()

	path, err := pathFor(uploadDataPathSpec{id: id})
	if err != nil {
		return nil, err
	}

	startedAtPath, err := pathFor(uploadStartedAtPathSpec{id: id})
	if err != nil {
		return nil, err
	}

	// Write a startedat file for this upload
	if err := lbs.blobStore.driver.PutContent(ctx, startedAtPath, []byte(startedAt.Format(time.RFC3339))); err != nil {
		return nil, err
	}

	return lbs.newBlobUpload(ctx, id, path, startedAt, false)
}

func (lbs *linkedBlobStore) Resume(ctx context.Context, id string) (stowage.BlobWriter, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, stowage.ErrBlobUploadUnknown
	}

	startedAtPath, err := pathFor(uploadStartedAtPathSpec{id: id})
	if err != nil {
		return nil, err
	}

	startedAtBytes, err := lbs.blobStore.driver.GetContent(ctx, startedAtPath)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return nil, stowage.ErrBlobUploadUnknown
		}

		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339, string(startedAtBytes))
	if err != nil {
		return nil, err
	}

	path, err := pathFor(uploadDataPathSpec{id: id})
	if err != nil {
		return nil, err
	}

	return lbs.newBlobUpload(ctx, id, path, startedAt, true)
}

// Delete removes the repository's link for dgst. When the last link
// anywhere in the registry goes away, the backing blob file is unlinked as
// well.
func (lbs *linkedBlobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	if !lbs.deleteEnabled {
		return stowage.ErrUnsupported
	}

	// Ensure the repository actually links the blob; a repository cannot
	// force deletion of content it does not reference.
	if _, err := lbs.Stat(ctx, dgst); err != nil {
		return err
	}

	linkPath, err := lbs.linkPath(lbs.repository.Named().Name(), dgst)
	if err != nil {
		return err
	}

	// Remove the directory holding the link file, not just the file, so
	// that listings do not report an empty digest directory.
	if err := lbs.blobStore.driver.Delete(ctx, path.Dir(linkPath)); err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if !errors.As(err, &pathNotFound) {
			return err
		}
	}

	refs, err := lbs.registry.countBlobReferences(ctx, dgst)
	if err != nil {
		return err
	}

	if refs == 0 {
		return lbs.blobStore.Delete(ctx, dgst)
	}

	return nil
}

// mount attempts to create a link in this repository for a blob already
// linked in sourceRepo. Mounting never copies data.
func (lbs *linkedBlobStore) mount(ctx context.Context, sourceRepo reference.Canonical, dgst digest.Digest) (stowage.Descriptor, error) {
	sourceLinkPath, err := lbs.linkPath(sourceRepo.Name(), dgst)
	if err != nil {
		return stowage.Descriptor{}, err
	}

	if _, err := lbs.blobStore.readlink(ctx, sourceLinkPath); err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return stowage.Descriptor{}, stowage.ErrBlobUnknown
		}
		return stowage.Descriptor{}, err
	}

	desc, err := lbs.registry.statter.Stat(ctx, dgst)
	if err != nil {
		return stowage.Descriptor{}, err
	}

	return desc, lbs.linkBlob(ctx, desc)
}

// newBlobUpload allocates a new upload controller with the given state.
func (lbs *linkedBlobStore) newBlobUpload(ctx context.Context, id string, path string, startedAt time.Time, doAppend bool) (stowage.BlobWriter, error) {
	fw, err := lbs.driver.Writer(ctx, path, doAppend)
	if err != nil {
		return nil, err
	}

	bw := &blobWriter{
		ctx:        ctx,
		blobStore:  lbs,
		id:         id,
		startedAt:  startedAt,
		digester:   digest.Canonical.Digester(),
		fileWriter: fw,
		driver:     lbs.driver,
		path:       path,
		resumedAt:  fw.Size(),
	}

	return bw, nil
}

// linkBlob links a valid, written blob into the registry under the named
// repository for the upload controller.
func (lbs *linkedBlobStore) linkBlob(ctx context.Context, canonical stowage.Descriptor) error {
	dgsts := []digest.Digest{canonical.Digest}

	for _, dgst := range dgsts {
		blobLinkPath, err := lbs.linkPath(lbs.repository.Named().Name(), dgst)
		if err != nil {
			return err
		}

		if err := lbs.blobStore.link(ctx, blobLinkPath, canonical.Digest); err != nil {
			return err
		}
	}

	return nil
}

// countBlobReferences scans the layer link sets of every repository for
// dgst, using the link graph itself as the source of truth. There is no
// auxiliary counter to fall out of sync.
func (reg *registry) countBlobReferences(ctx context.Context, dgst digest.Digest) (int, error) {
	var count int

	err := reg.enumerateLayeredRepositories(ctx, func(repoName string) error {
		linkPath, err := blobLinkPath(repoName, dgst)
		if err != nil {
			return err
		}

		if _, err := reg.driver.Stat(ctx, linkPath); err != nil {
			var pathNotFound storagedriver.PathNotFoundError
			if errors.As(err, &pathNotFound) {
				return nil
			}
			return err
		}

		count++
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// blobLinkPath provides the path to the blob link, also known as layers.
func blobLinkPath(name string, dgst digest.Digest) (string, error) {
	return pathFor(layerLinkPathSpec{name: name, digest: dgst})
}

// manifestRevisionLinkPath provides the path to the manifest revision link.
func manifestRevisionLinkPath(name string, dgst digest.Digest) (string, error) {
	return pathFor(manifestRevisionLinkPathSpec{name: name, revision: dgst})
}
