package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/registry/storage/driver/inmemory"
)

type blobTestEnv struct {
	ctx      context.Context
	registry stowage.Namespace
	repo     stowage.Repository
	bs       stowage.BlobStore
}

func newBlobTestEnv(t *testing.T, name string) *blobTestEnv {
	t.Helper()
	ctx := context.Background()

	registry, err := NewRegistry(ctx, inmemory.New(), EnableDelete)
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}

	named, err := reference.WithName(name)
	if err != nil {
		t.Fatalf("error parsing name %q: %v", name, err)
	}

	repo, err := registry.Repository(ctx, named)
	if err != nil {
		t.Fatalf("unexpected error getting repo: %v", err)
	}

	return &blobTestEnv{
		ctx:      ctx,
		registry: registry,
		repo:     repo,
		bs:       repo.Blobs(ctx),
	}
}

func randomBlob(t *testing.T, size int) ([]byte, digest.Digest) {
	t.Helper()
	p := make([]byte, size)
	if _, err := rand.Read(p); err != nil {
		t.Fatalf("error generating test blob: %v", err)
	}
	return p, digest.FromBytes(p)
}

// uploadBlob pushes p into the repository through the full writer path.
func uploadBlob(t *testing.T, env *blobTestEnv, p []byte, dgst digest.Digest) stowage.Descriptor {
	t.Helper()

	wr, err := env.bs.Create(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error creating upload: %v", err)
	}

	if _, err := io.Copy(wr, bytes.NewReader(p)); err != nil {
		t.Fatalf("unexpected error writing upload: %v", err)
	}

	desc, err := wr.Commit(env.ctx, stowage.Descriptor{Digest: dgst})
	if err != nil {
		t.Fatalf("unexpected error committing upload: %v", err)
	}
	return desc
}

func TestSimpleBlobUpload(t *testing.T) {
	env := newBlobTestEnv(t, "foo/bar")
	p, dgst := randomBlob(t, 1<<12)

	desc := uploadBlob(t, env, p, dgst)
	if desc.Digest != dgst {
		t.Fatalf("committed digest %q does not match %q", desc.Digest, dgst)
	}
	if desc.Size != int64(len(p)) {
		t.Fatalf("committed size %d does not match %d", desc.Size, len(p))
	}

	statDesc, err := env.bs.Stat(env.ctx, dgst)
	if err != nil {
		t.Fatalf("unexpected error checking for existence: %v", err)
	}
	if statDesc.Size != desc.Size {
		t.Fatalf("descriptors not equal: %v != %v", statDesc, desc)
	}

	rc, err := env.bs.Open(env.ctx, dgst)
	if err != nil {
		t.Fatalf("unexpected error opening blob: %v", err)
	}
	defer rc.Close()

	h := digest.Canonical.Digester()
	if _, err := io.Copy(h.Hash(), rc); err != nil {
		t.Fatalf("error reading layer: %v", err)
	}
	if h.Digest() != dgst {
		t.Fatalf("content digest mismatch: %q != %q", h.Digest(), dgst)
	}

	// Re-upload the same content. Content addressing makes this a cheap
	// no-op on the backing store.
	uploadBlob(t, env, p, dgst)

	// Delete, then verify it is really gone.
	if err := env.bs.Delete(env.ctx, dgst); err != nil {
		t.Fatalf("unexpected error deleting blob: %v", err)
	}

	if _, err := env.bs.Stat(env.ctx, dgst); err != stowage.ErrBlobUnknown {
		t.Fatalf("expected ErrBlobUnknown, got %v", err)
	}
	if _, err := env.bs.Get(env.ctx, dgst); err != stowage.ErrBlobUnknown {
		t.Fatalf("expected ErrBlobUnknown on get, got %v", err)
	}

	// Re-upload restores the blob.
	uploadBlob(t, env, p, dgst)
	if _, err := env.bs.Stat(env.ctx, dgst); err != nil {
		t.Fatalf("unexpected error after re-upload: %v", err)
	}
}

func TestBlobUploadDigestMismatch(t *testing.T) {
	env := newBlobTestEnv(t, "foo/bar")
	p, _ := randomBlob(t, 1024)
	_, otherDgst := randomBlob(t, 1024)

	wr, err := env.bs.Create(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error creating upload: %v", err)
	}

	if _, err := io.Copy(wr, bytes.NewReader(p)); err != nil {
		t.Fatalf("unexpected error writing upload: %v", err)
	}

	_, err = wr.Commit(env.ctx, stowage.Descriptor{Digest: otherDgst})
	if _, ok := err.(stowage.ErrBlobInvalidDigest); !ok {
		t.Fatalf("expected ErrBlobInvalidDigest, got %v", err)
	}

	if err := wr.Cancel(env.ctx); err != nil {
		t.Fatalf("unexpected error cancelling after failed commit: %v", err)
	}

	// The session must be gone.
	if _, err := env.bs.Resume(env.ctx, wr.ID()); err != stowage.ErrBlobUploadUnknown {
		t.Fatalf("expected ErrBlobUploadUnknown, got %v", err)
	}
}

func TestBlobUploadSizeMismatch(t *testing.T) {
	env := newBlobTestEnv(t, "foo/bar")
	p, dgst := randomBlob(t, 1024)

	wr, err := env.bs.Create(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error creating upload: %v", err)
	}
	if _, err := io.Copy(wr, bytes.NewReader(p)); err != nil {
		t.Fatalf("unexpected error writing upload: %v", err)
	}

	if _, err := wr.Commit(env.ctx, stowage.Descriptor{Digest: dgst, Size: int64(len(p)) + 1}); err != stowage.ErrBlobInvalidLength {
		t.Fatalf("expected ErrBlobInvalidLength, got %v", err)
	}
}

func TestBlobUploadEmpty(t *testing.T) {
	env := newBlobTestEnv(t, "foo/bar")
	dgst := digest.FromBytes(nil)

	wr, err := env.bs.Create(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error creating upload: %v", err)
	}

	desc, err := wr.Commit(env.ctx, stowage.Descriptor{Digest: dgst})
	if err != nil {
		t.Fatalf("unexpected error committing zero-length upload: %v", err)
	}
	if desc.Size != 0 {
		t.Fatalf("unexpected size for empty blob: %d", desc.Size)
	}

	p, err := env.bs.Get(env.ctx, dgst)
	if err != nil {
		t.Fatalf("unexpected error reading empty blob: %v", err)
	}
	if len(p) != 0 {
		t.Fatalf("empty blob has %d bytes", len(p))
	}
}

func TestBlobUploadResume(t *testing.T) {
	env := newBlobTestEnv(t, "foo/bar")
	p, dgst := randomBlob(t, 2048)

	wr, err := env.bs.Create(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error creating upload: %v", err)
	}
	id := wr.ID()

	if _, err := wr.Write(p[:1024]); err != nil {
		t.Fatalf("unexpected error writing first half: %v", err)
	}
	if err := wr.Close(); err != nil {
		t.Fatalf("unexpected error closing writer: %v", err)
	}

	wr, err = env.bs.Resume(env.ctx, id)
	if err != nil {
		t.Fatalf("unexpected error resuming upload: %v", err)
	}
	if wr.Size() != 1024 {
		t.Fatalf("resumed writer has size %d, expected 1024", wr.Size())
	}

	if _, err := wr.Write(p[1024:]); err != nil {
		t.Fatalf("unexpected error writing second half: %v", err)
	}

	desc, err := wr.Commit(env.ctx, stowage.Descriptor{Digest: dgst})
	if err != nil {
		t.Fatalf("unexpected error committing resumed upload: %v", err)
	}
	if desc.Digest != dgst {
		t.Fatalf("committed digest %q does not match %q", desc.Digest, dgst)
	}
}

func TestBlobMount(t *testing.T) {
	env := newBlobTestEnv(t, "source/repo")
	p, dgst := randomBlob(t, 1024)
	uploadBlob(t, env, p, dgst)

	destNamed, err := reference.WithName("dest/repo")
	if err != nil {
		t.Fatal(err)
	}
	destRepo, err := env.registry.Repository(env.ctx, destNamed)
	if err != nil {
		t.Fatalf("unexpected error getting dest repo: %v", err)
	}
	destBlobs := destRepo.Blobs(env.ctx)

	sourceNamed, _ := reference.WithName("source/repo")
	canonicalRef, err := reference.WithDigest(sourceNamed, dgst)
	if err != nil {
		t.Fatal(err)
	}

	_, err = destBlobs.Create(env.ctx, WithMountFrom(canonicalRef))
	mounted, ok := err.(stowage.ErrBlobMounted)
	if !ok {
		t.Fatalf("expected ErrBlobMounted, got %v", err)
	}
	if mounted.Descriptor.Digest != dgst {
		t.Fatalf("mounted descriptor digest %q does not match %q", mounted.Descriptor.Digest, dgst)
	}

	if _, err := destBlobs.Stat(env.ctx, dgst); err != nil {
		t.Fatalf("blob not visible in destination after mount: %v", err)
	}

	// Deleting from the destination must not remove the source's access.
	if err := destBlobs.Delete(env.ctx, dgst); err != nil {
		t.Fatalf("unexpected error deleting mounted blob: %v", err)
	}
	if _, err := env.bs.Stat(env.ctx, dgst); err != nil {
		t.Fatalf("source lost blob after destination delete: %v", err)
	}
}

func TestBlobMountUnknownSource(t *testing.T) {
	env := newBlobTestEnv(t, "dest/repo")
	_, dgst := randomBlob(t, 16)

	sourceNamed, _ := reference.WithName("missing/repo")
	canonicalRef, err := reference.WithDigest(sourceNamed, dgst)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.bs.Create(env.ctx, WithMountFrom(canonicalRef)); err != stowage.ErrBlobUnknown {
		t.Fatalf("expected ErrBlobUnknown for missing mount source, got %v", err)
	}
}

func TestBlobDeleteDisabled(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistry(ctx, inmemory.New())
	if err != nil {
		t.Fatal(err)
	}

	named, _ := reference.WithName("foo/bar")
	repo, err := registry.Repository(ctx, named)
	if err != nil {
		t.Fatal(err)
	}
	bs := repo.Blobs(ctx)

	_, dgst := randomBlob(t, 16)
	if err := bs.Delete(ctx, dgst); err != stowage.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported with deletes disabled, got %v", err)
	}
}

func TestBlobWriterCloseAfterCancel(t *testing.T) {
	env := newBlobTestEnv(t, "foo/bar")
	p, _ := randomBlob(t, 64)

	wr, err := env.bs.Create(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error creating upload: %v", err)
	}
	if _, err := wr.Write(p); err != nil {
		t.Fatalf("unexpected error writing upload: %v", err)
	}

	if err := wr.Cancel(env.ctx); err != nil {
		t.Fatalf("unexpected error cancelling upload: %v", err)
	}

	// Cancel already tore down the file writer; a subsequent Close must
	// not surface a second close.
	if err := wr.Close(); err != nil {
		t.Fatalf("unexpected error closing cancelled writer: %v", err)
	}
}

func TestBlobLastReferenceRemovesFile(t *testing.T) {
	env := newBlobTestEnv(t, "foo/bar")
	p, dgst := randomBlob(t, 512)
	uploadBlob(t, env, p, dgst)

	if err := env.bs.Delete(env.ctx, dgst); err != nil {
		t.Fatalf("unexpected error deleting blob: %v", err)
	}

	// No repository references the blob any longer, so the global store
	// must not know it either.
	if _, err := env.registry.BlobStatter().Stat(env.ctx, dgst); err != stowage.ErrBlobUnknown {
		t.Fatalf("expected blob file to be removed, got %v", err)
	}
}
