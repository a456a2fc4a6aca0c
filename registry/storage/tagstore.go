package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

var _ stowage.TagService = &tagStore{}

// tagStore provides methods to manage manifest tags in a backend storage
// driver. A tag is a single link file pointing at a manifest revision;
// writing the same tag again atomically replaces the target.
type tagStore struct {
	repository *repository
	blobStore  *blobStore
}

// All returns all tags
func (ts *tagStore) All(ctx context.Context) ([]string, error) {
	pathSpec, err := pathFor(manifestTagsPathSpec{
		name: ts.repository.Named().Name(),
	})
	if err != nil {
		return nil, err
	}

	entries, err := ts.blobStore.driver.List(ctx, pathSpec)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			// The tags directory is created lazily on first Tag. A
			// repository pushed to only by digest exists without it, and an
			// existing repository must list as empty rather than unknown.
			repoDir := path.Dir(path.Dir(pathSpec))
			if _, statErr := ts.blobStore.driver.Stat(ctx, repoDir); statErr != nil {
				if errors.As(statErr, &pathNotFound) {
					return nil, stowage.ErrRepositoryUnknown{Name: ts.repository.Named().Name()}
				}
				return nil, statErr
			}
			return []string{}, nil
		}
		return nil, err
	}

	tags := make([]string, 0, len(entries))
	for _, entry := range entries {
		_, filename := path.Split(entry)
		tags = append(tags, filename)
	}

	sort.Strings(tags)

	return tags, nil
}

// List returns the lexically sorted tags strictly after last, up to limit
// entries. io.EOF signals that the listing is exhausted.
func (ts *tagStore) List(ctx context.Context, limit int, last string) ([]string, error) {
	filledBuffer := false

	tags, err := ts.All(ctx)
	if err != nil {
		return nil, err
	}

	begin := 0
	if last != "" {
		begin = sort.SearchStrings(tags, last)
		if begin < len(tags) && tags[begin] == last {
			begin++
		}
	}
	tags = tags[begin:]

	if limit >= 0 && len(tags) > limit {
		tags = tags[:limit]
		filledBuffer = true
	}

	if filledBuffer {
		return tags, nil
	}
	return tags, io.EOF
}

// Tag tags the digest with the given tag, updating the store to point at
// the current tag. The digest must point to a manifest.
func (ts *tagStore) Tag(ctx context.Context, tag string, desc stowage.Descriptor) error {
	if err := desc.Digest.Validate(); err != nil {
		return err
	}

	currentPath, err := pathFor(manifestTagCurrentPathSpec{
		name: ts.repository.Named().Name(),
		tag:  tag,
	})
	if err != nil {
		return err
	}

	// Link into the index
	return ts.blobStore.link(ctx, currentPath, desc.Digest)
}

// resolve the current revision for name and tag.
func (ts *tagStore) Get(ctx context.Context, tag string) (stowage.Descriptor, error) {
	currentPath, err := pathFor(manifestTagCurrentPathSpec{
		name: ts.repository.Named().Name(),
		tag:  tag,
	})
	if err != nil {
		return stowage.Descriptor{}, err
	}

	revision, err := ts.blobStore.readlink(ctx, currentPath)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return stowage.Descriptor{}, stowage.ErrTagUnknown{Tag: tag}
		}

		return stowage.Descriptor{}, err
	}

	return stowage.Descriptor{Digest: revision}, nil
}

// Untag removes the tag association
func (ts *tagStore) Untag(ctx context.Context, tag string) error {
	tagPath, err := pathFor(manifestTagPathSpec{
		name: ts.repository.Named().Name(),
		tag:  tag,
	})
	if err != nil {
		return err
	}

	if err := ts.blobStore.driver.Delete(ctx, tagPath); err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return stowage.ErrTagUnknown{Tag: tag}
		}
		return err
	}

	return nil
}

// Lookup recovers a list of tags which refer to this digest. When a
// manifest is deleted by digest, a lookup is used to clean up the dangling
// tags referencing it.
func (ts *tagStore) Lookup(ctx context.Context, desc stowage.Descriptor) ([]string, error) {
	allTags, err := ts.All(ctx)
	switch err.(type) {
	case stowage.ErrRepositoryUnknown:
		// This tag store has been initialized but not yet populated
		break
	case nil:
		break
	default:
		return nil, err
	}

	var tags []string
	for _, tag := range allTags {
		tagLinkPathSpec := manifestTagCurrentPathSpec{
			name: ts.repository.Named().Name(),
			tag:  tag,
		}

		tagLinkPath, err := pathFor(tagLinkPathSpec)
		if err != nil {
			return nil, err
		}

		tagDigest, err := ts.blobStore.readlink(ctx, tagLinkPath)
		if err != nil {
			var pathNotFound storagedriver.PathNotFoundError
			if errors.As(err, &pathNotFound) {
				continue
			}
			return nil, err
		}

		if tagDigest == desc.Digest {
			tags = append(tags, tag)
		}
	}

	return tags, nil
}

// referencedBy reports whether any tag in the repository currently points
// at dgst.
func (ts *tagStore) referencedBy(ctx context.Context, dgst digest.Digest) (bool, error) {
	tags, err := ts.Lookup(ctx, stowage.Descriptor{Digest: dgst})
	if err != nil {
		return false, err
	}
	return len(tags) > 0, nil
}
