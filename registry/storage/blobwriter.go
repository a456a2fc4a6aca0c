package storage

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/internal/dcontext"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// blobWriter is used to control the various aspects of resumable blob
// upload. Bytes written through it are teed into a streaming digester, so
// commit can verify content without a second pass when the session was not
// resumed.
type blobWriter struct {
	ctx       context.Context
	blobStore *linkedBlobStore

	id        string
	startedAt time.Time
	digester  digest.Digester

	// resumedAt is the data file offset at which this writer instance
	// began. When nonzero the digester has not seen the earlier bytes and
	// verification falls back to rehashing the file.
	resumedAt int64

	fileWriter storagedriver.FileWriter
	driver     storagedriver.StorageDriver
	path       string

	committed, cancelled bool
}

var _ stowage.BlobWriter = &blobWriter{}

// ID returns the identifier for this upload.
func (bw *blobWriter) ID() string {
	return bw.id
}

func (bw *blobWriter) StartedAt() time.Time {
	return bw.startedAt
}

func (bw *blobWriter) Write(p []byte) (int, error) {
	return io.MultiWriter(bw.fileWriter, bw.digester.Hash()).Write(p)
}

func (bw *blobWriter) ReadFrom(r io.Reader) (n int64, err error) {
	return io.Copy(bw.fileWriter, io.TeeReader(r, bw.digester.Hash()))
}

func (bw *blobWriter) Size() int64 {
	return bw.fileWriter.Size()
}

func (bw *blobWriter) Close() error {
	if bw.committed {
		return errors.New("blobwriter close after commit")
	}
	if bw.cancelled {
		// Cancel already closed the file writer.
		return nil
	}

	return bw.fileWriter.Close()
}

// Commit marks the upload as ready to become the blob identified by the
// provisional descriptor. The data file is verified, moved into its
// content-addressed location, linked into the repository and the session
// directory is torn down.
func (bw *blobWriter) Commit(ctx context.Context, desc stowage.Descriptor) (stowage.Descriptor, error) {
	dcontext.GetLogger(ctx).Debug("(*blobWriter).Commit")

	if err := bw.fileWriter.Commit(ctx); err != nil {
		return stowage.Descriptor{}, err
	}

	if err := bw.fileWriter.Close(); err != nil {
		return stowage.Descriptor{}, err
	}

	// Record the intended target before validation so that a garbage
	// collection pass racing this commit can see the digest as claimed.
	if desc.Digest != "" {
		if targetPath, err := pathFor(uploadTargetPathSpec{id: bw.id}); err == nil {
			if err := bw.driver.PutContent(ctx, targetPath, []byte(desc.Digest)); err != nil {
				dcontext.GetLogger(ctx).Errorf("error recording upload target: %v", err)
			}
		}
	}

	canonical, err := bw.validateBlob(ctx, desc)
	if err != nil {
		return stowage.Descriptor{}, err
	}

	if err := bw.moveBlob(ctx, canonical); err != nil {
		return stowage.Descriptor{}, err
	}

	if err := bw.blobStore.linkBlob(ctx, canonical); err != nil {
		return stowage.Descriptor{}, err
	}

	if err := bw.removeResources(ctx); err != nil {
		return stowage.Descriptor{}, err
	}

	bw.committed = true
	return canonical, nil
}

// Cancel the blob upload process, releasing any resources associated with
// the writer and canceling the operation.
func (bw *blobWriter) Cancel(ctx context.Context) error {
	dcontext.GetLogger(ctx).Debug("(*blobWriter).Cancel")
	if err := bw.fileWriter.Cancel(ctx); err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if !errors.As(err, &pathNotFound) {
			return err
		}
	}

	// The file writer is closed as part of Cancel; later Close calls on
	// this writer are no-ops.
	bw.cancelled = true

	return bw.removeResources(ctx)
}

// validateBlob checks the data against the digest, returning an error if it
// does not match. The canonical descriptor is returned.
func (bw *blobWriter) validateBlob(ctx context.Context, desc stowage.Descriptor) (stowage.Descriptor, error) {
	var (
		verified bool
		size     int64
	)

	if desc.Digest == "" {
		// if no descriptors are provided, we have nothing to validate
		// against. We don't really want to support this for the registry.
		return stowage.Descriptor{}, stowage.ErrBlobInvalidDigest{
			Reason: fmt.Errorf("cannot validate against empty digest"),
		}
	}

	if err := desc.Digest.Validate(); err != nil {
		return stowage.Descriptor{}, stowage.ErrBlobInvalidDigest{
			Digest: desc.Digest,
			Reason: err,
		}
	}

	fi, err := bw.driver.Stat(ctx, bw.path)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			// Zero-length blob: nothing was ever written to the data file.
			size = 0
		} else {
			return stowage.Descriptor{}, err
		}
	} else {
		size = fi.Size()
	}

	if desc.Size > 0 && desc.Size != size {
		return stowage.Descriptor{}, stowage.ErrBlobInvalidLength
	}
	desc.Size = size

	canonicalDgst, err := bw.blobDigest(ctx, desc, size)
	if err != nil {
		return stowage.Descriptor{}, err
	}

	verified = constantTimeEqual(canonicalDgst, desc.Digest)
	if !verified {
		dcontext.GetLogger(ctx).Errorf("canonical digest %v does not match provided digest %v", canonicalDgst, desc.Digest)
		return stowage.Descriptor{}, stowage.ErrBlobInvalidDigest{
			Digest: desc.Digest,
			Reason: fmt.Errorf("content does not match digest"),
		}
	}

	// update desc with canonical hash
	desc.Digest = canonicalDgst

	if desc.MediaType == "" {
		desc.MediaType = "application/octet-stream"
	}

	return desc, nil
}

// blobDigest returns the digest of the accumulated data file. The streaming
// digester is authoritative when it observed every byte; a resumed session
// or an algorithm mismatch forces a full rehash of the file.
func (bw *blobWriter) blobDigest(ctx context.Context, desc stowage.Descriptor, size int64) (digest.Digest, error) {
	if bw.resumedAt == 0 && desc.Digest.Algorithm() == digest.Canonical {
		return bw.digester.Digest(), nil
	}

	digester := desc.Digest.Algorithm().Digester()

	if size > 0 {
		fr, err := newFileReader(ctx, bw.driver, bw.path, size)
		if err != nil {
			return "", err
		}
		defer fr.Close()

		if _, err := io.Copy(digester.Hash(), fr); err != nil {
			return "", err
		}
	}

	return digester.Digest(), nil
}

// moveBlob moves the data into its final, content-addressed location,
// identified by the canonical descriptor. If a blob with the same digest is
// already present, the session data is simply dropped: content addressing
// makes the two byte-identical.
func (bw *blobWriter) moveBlob(ctx context.Context, desc stowage.Descriptor) error {
	blobPath, err := pathFor(blobPathSpec{digest: desc.Digest})
	if err != nil {
		return err
	}

	// Check for existence
	if _, err := bw.blobStore.driver.Stat(ctx, blobPath); err == nil {
		// dedupe: the blob already exists; leave it in place and discard
		// the session data.
		return nil
	} else {
		var pathNotFound storagedriver.PathNotFoundError
		if !errors.As(err, &pathNotFound) {
			return err
		}
	}

	if desc.Size == 0 {
		// If no data was received, the data file may never have been
		// created. Write the empty payload directly.
		return bw.blobStore.driver.PutContent(ctx, blobPath, []byte{})
	}

	return bw.blobStore.driver.Move(ctx, bw.path, blobPath)
}

// removeResources releases all state held by the upload session: the data
// file, the startedat marker and the target record go with the session
// directory.
func (bw *blobWriter) removeResources(ctx context.Context) error {
	uploadPath, err := pathFor(uploadPathSpec{id: bw.id})
	if err != nil {
		return err
	}

	if err := bw.driver.Delete(ctx, uploadPath); err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if !errors.As(err, &pathNotFound) {
			dcontext.GetLogger(ctx).Errorf("unable to delete layer upload resources %q: %v", uploadPath, err)
			return err
		}
	}

	return nil
}

// constantTimeEqual compares two digest strings without leaking where they
// diverge through timing.
func constantTimeEqual(a, b digest.Digest) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
