package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/internal/dcontext"
	"github.com/stowage/stowage/manifest"
	"github.com/stowage/stowage/manifest/manifestlist"
	"github.com/stowage/stowage/manifest/ocischema"
	"github.com/stowage/stowage/manifest/schema2"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// manifestStore provides a storage-backed ManifestService. Manifests are
// kept in the global blob store and made visible through per-repository
// revision links.
type manifestStore struct {
	ctx        context.Context
	repository *repository
	blobStore  *linkedBlobStore

	skipDependencyVerification bool
}

var _ stowage.ManifestService = &manifestStore{}

// SkipLayerVerification allows a manifest to be Put before its layer links
// are created. This is used by tooling that restores a backend from a dump,
// where blobs arrive after the manifests that reference them.
func SkipLayerVerification() stowage.ManifestServiceOption {
	return skipLayerOption{}
}

type skipLayerOption struct{}

func (o skipLayerOption) Apply(m stowage.ManifestService) error {
	if ms, ok := m.(*manifestStore); ok {
		ms.skipDependencyVerification = true
		return nil
	}
	return fmt.Errorf("skip layer verification only valid for manifestStore")
}

func (ms *manifestStore) Exists(ctx context.Context, dgst digest.Digest) (bool, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Exists")

	_, err := ms.blobStore.Stat(ctx, dgst)
	if err != nil {
		if err == stowage.ErrBlobUnknown {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func (ms *manifestStore) Get(ctx context.Context, dgst digest.Digest, options ...stowage.ManifestServiceOption) (stowage.Manifest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Get")

	content, err := ms.blobStore.Get(ctx, dgst)
	if err != nil {
		if err == stowage.ErrBlobUnknown {
			return nil, stowage.ErrManifestUnknownRevision{
				Name:     ms.repository.Named().Name(),
				Revision: dgst,
			}
		}

		return nil, err
	}

	// The stored blob does not record its media type; sniff it from the
	// payload. The OCI schemas make the mediaType field optional, so an
	// absent one falls back to the registered OCI types, distinguishing an
	// index from an image manifest by the presence of a manifests array.
	var versioned manifest.Versioned
	if err = json.Unmarshal(content, &versioned); err != nil {
		return nil, err
	}

	if versioned.MediaType == "" {
		var shape struct {
			Manifests []json.RawMessage `json:"manifests"`
		}
		if err = json.Unmarshal(content, &shape); err != nil {
			return nil, err
		}
		if shape.Manifests != nil {
			versioned.MediaType = v1.MediaTypeImageIndex
		} else {
			versioned.MediaType = v1.MediaTypeImageManifest
		}
	}

	m, _, err := stowage.UnmarshalManifest(versioned.MediaType, content)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (ms *manifestStore) Put(ctx context.Context, m stowage.Manifest, options ...stowage.ManifestServiceOption) (digest.Digest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Put")

	switch m := m.(type) {
	case *ocischema.DeserializedManifest:
		if err := ms.verifyImageManifest(ctx, m.References()); err != nil {
			return "", err
		}
	case *schema2.DeserializedManifest:
		if err := ms.verifyImageManifest(ctx, m.References()); err != nil {
			return "", err
		}
	case *ocischema.DeserializedImageIndex:
		// Referenced manifests are not required to be present; only the
		// descriptors themselves are validated.
		if err := verifyDescriptors(m.References()); err != nil {
			return "", err
		}
	case *manifestlist.DeserializedManifestList:
		if err := verifyDescriptors(m.References()); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unrecognized manifest type %T", m)
	}

	mediaType, payload, err := m.Payload()
	if err != nil {
		return "", err
	}

	revision, err := ms.blobStore.Put(ctx, mediaType, payload)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting payload into blobstore: %v", err)
		return "", err
	}

	if err := ms.blobStore.linkBlob(ctx, revision); err != nil {
		return "", err
	}

	return revision.Digest, nil
}

// Delete removes the revision of the manifest referenced by digest. The
// underlying blob is left to garbage collection; tags pointing at this
// revision are removed so no dangling pointers linger in listings.
func (ms *manifestStore) Delete(ctx context.Context, dgst digest.Digest) error {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Delete")

	if _, err := ms.blobStore.Stat(ctx, dgst); err != nil {
		if err == stowage.ErrBlobUnknown {
			return stowage.ErrManifestUnknownRevision{
				Name:     ms.repository.Named().Name(),
				Revision: dgst,
			}
		}
		return err
	}

	revisionPath, err := pathFor(manifestRevisionPathSpec{
		name:     ms.repository.Named().Name(),
		revision: dgst,
	})
	if err != nil {
		return err
	}

	if err := ms.blobStore.driver.Delete(ctx, revisionPath); err != nil {
		return err
	}

	tagService := ms.repository.Tags(ctx)
	tags, err := tagService.Lookup(ctx, stowage.Descriptor{Digest: dgst})
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := tagService.Untag(ctx, tag); err != nil {
			return err
		}
	}

	return nil
}

// Enumerate visits every manifest revision digest linked in the
// repository.
func (ms *manifestStore) Enumerate(ctx context.Context, ingester func(digest.Digest) error) error {
	revisionsPath, err := pathFor(manifestRevisionsPathSpec{
		name: ms.repository.Named().Name(),
	})
	if err != nil {
		return err
	}

	// revisions/<algorithm>/<hex>/link
	algorithms, err := ms.blobStore.driver.List(ctx, revisionsPath)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return nil
		}
		return err
	}

	for _, algPath := range algorithms {
		hexDirs, err := ms.blobStore.driver.List(ctx, algPath)
		if err != nil {
			return err
		}
		alg := path.Base(algPath)
		sort.Strings(hexDirs)
		for _, hexDir := range hexDirs {
			dgst := digest.NewDigestFromHex(alg, path.Base(hexDir))
			if err := dgst.Validate(); err != nil {
				dcontext.GetLogger(ctx).Debugf("skipping invalid revision path %q: %v", hexDir, err)
				continue
			}
			if err := ingester(dgst); err != nil {
				return err
			}
		}
	}

	return nil
}

// verifyImageManifest enforces referential integrity for image manifests:
// every referenced config and layer blob must already exist in the store.
func (ms *manifestStore) verifyImageManifest(ctx context.Context, references []stowage.Descriptor) error {
	var errs stowage.ErrManifestVerification

	if err := verifyDescriptors(references); err != nil {
		return err
	}

	if ms.skipDependencyVerification {
		return nil
	}

	for _, descriptor := range references {
		if _, err := ms.repository.registry.statter.Stat(ctx, descriptor.Digest); err != nil {
			if err != stowage.ErrBlobUnknown {
				errs = append(errs, err)
				continue
			}

			// On error here, we always append unknown blob errors.
			errs = append(errs, stowage.ErrManifestBlobUnknown{Digest: descriptor.Digest})
		}
	}

	if len(errs) != 0 {
		return errs
	}

	return nil
}

// verifyDescriptors applies the structural checks shared by all manifest
// kinds: a parseable digest, a media type and a non-negative size on every
// descriptor.
func verifyDescriptors(references []stowage.Descriptor) error {
	var errs stowage.ErrManifestVerification

	for _, descriptor := range references {
		if err := descriptor.Digest.Validate(); err != nil {
			errs = append(errs, stowage.ErrBlobInvalidDigest{Digest: descriptor.Digest, Reason: err})
			continue
		}
		if descriptor.MediaType == "" {
			errs = append(errs, fmt.Errorf("descriptor %v has no media type", descriptor.Digest))
		}
		if descriptor.Size < 0 {
			errs = append(errs, fmt.Errorf("descriptor %v has negative size", descriptor.Digest))
		}
	}

	if len(errs) != 0 {
		return errs
	}

	return nil
}
