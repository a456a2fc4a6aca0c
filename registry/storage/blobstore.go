package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/internal/dcontext"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// blobStore implements the read side of the blob store interface over a
// driver without enforcing the repository-level link access layer. It is
// content addressable and deduplicated: a digest resolves to at most one
// stored file regardless of how many repositories reference it.
type blobStore struct {
	driver  storagedriver.StorageDriver
	statter stowage.BlobStatter
}

var _ stowage.BlobProvider = &blobStore{}

// Get implements the BlobReadService.Get call.
func (bs *blobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	bp, err := bs.path(dgst)
	if err != nil {
		return nil, err
	}

	p, err := bs.driver.GetContent(ctx, bp)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return nil, stowage.ErrBlobUnknown
		}

		return nil, err
	}

	return p, nil
}

func (bs *blobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	desc, err := bs.statter.Stat(ctx, dgst)
	if err != nil {
		return nil, err
	}

	path, err := bs.path(desc.Digest)
	if err != nil {
		return nil, err
	}

	return newFileReader(ctx, bs.driver, path, desc.Size)
}

// Put stores the content p in the blob store, calculating the digest. If
// the content is already present, only the digest will be returned. This
// should only be used for small objects, such as manifests.
func (bs *blobStore) Put(ctx context.Context, mediaType string, p []byte) (stowage.Descriptor, error) {
	dgst := digest.FromBytes(p)
	desc, err := bs.statter.Stat(ctx, dgst)
	if err == nil {
		// content already present
		return desc, nil
	} else if err != stowage.ErrBlobUnknown {
		dcontext.GetLogger(ctx).Errorf("blobStore: error stating content (%v): %v", dgst, err)
		// real error, return it
		return stowage.Descriptor{}, err
	}

	bp, err := bs.path(dgst)
	if err != nil {
		return stowage.Descriptor{}, err
	}

	// The driver stages and renames, so a reader never sees a partial
	// write even if two writers race here.
	return stowage.Descriptor{
		Size: int64(len(p)),

		// The central blob store does not track media types; callers that
		// know better override this per repository.
		MediaType: "application/octet-stream",
		Digest:    dgst,
	}, bs.driver.PutContent(ctx, bp, p)
}

// Delete removes the blob file backing dgst. A missing file is not an
// error: concurrent deleters and the sweep phase of garbage collection may
// race to the same unlink.
func (bs *blobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	bp, err := bs.path(dgst)
	if err != nil {
		return err
	}

	if err := bs.driver.Delete(ctx, bp); err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return nil
		}
		return err
	}

	return nil
}

// Enumerate visits every blob digest in the store. The walk is in path
// order, which groups digests by algorithm then hex prefix.
func (bs *blobStore) Enumerate(ctx context.Context, ingester func(dgst digest.Digest) error) error {
	specPath, err := pathFor(blobsPathSpec{})
	if err != nil {
		return err
	}

	err = WalkFallback(ctx, bs.driver, specPath, func(fileInfo storagedriver.FileInfo) error {
		if fileInfo.IsDir() {
			return nil
		}

		// <alg>/<prefix>/<hex>
		filePath := fileInfo.Path()
		digestPath := strings.TrimPrefix(filePath, specPath+"/")
		parts := strings.Split(digestPath, "/")
		if len(parts) != 3 {
			return nil
		}

		dgst := digest.NewDigestFromHex(parts[0], parts[2])
		if err := dgst.Validate(); err != nil {
			dcontext.GetLogger(ctx).Debugf("skipping invalid digest path %q: %v", filePath, err)
			return nil
		}

		return ingester(dgst)
	})
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// path returns the canonical path for the blob identified by digest. The
// blob may or may not exist.
func (bs *blobStore) path(dgst digest.Digest) (string, error) {
	bp, err := pathFor(blobPathSpec{
		digest: dgst,
	})
	if err != nil {
		return "", err
	}

	return bp, nil
}

// link links the path to the provided digest by writing the digest into
// the target file. Caller must own the path lock.
func (bs *blobStore) link(ctx context.Context, path string, dgst digest.Digest) error {
	return bs.driver.PutContent(ctx, path, []byte(dgst))
}

// readlink returns the linked digest at path.
func (bs *blobStore) readlink(ctx context.Context, path string) (digest.Digest, error) {
	content, err := bs.driver.GetContent(ctx, path)
	if err != nil {
		return "", err
	}

	linked, err := digest.Parse(string(content))
	if err != nil {
		return "", err
	}

	return linked, nil
}

type blobStatter struct {
	driver storagedriver.StorageDriver
}

var _ stowage.BlobStatter = &blobStatter{}

// Stat implements BlobStatter.Stat by returning the descriptor for the blob
// at the content-addressed path, if it exists. If not, an error is
// returned.
func (bs *blobStatter) Stat(ctx context.Context, dgst digest.Digest) (stowage.Descriptor, error) {
	path, err := pathFor(blobPathSpec{
		digest: dgst,
	})
	if err != nil {
		return stowage.Descriptor{}, err
	}

	fi, err := bs.driver.Stat(ctx, path)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return stowage.Descriptor{}, stowage.ErrBlobUnknown
		}

		return stowage.Descriptor{}, err
	}

	if fi.IsDir() {
		// The layout stores the blob directly at the digest path. A
		// directory here means the backend was written by something else.
		dcontext.GetLogger(ctx).Warnf("blob path should not be a directory: %q", path)
		return stowage.Descriptor{}, stowage.ErrBlobUnknown
	}

	return stowage.Descriptor{
		Size: fi.Size(),

		// mediatype is not stored by the blob store; report octet-stream.
		MediaType: "application/octet-stream",
		Digest:    dgst,
	}, nil
}
