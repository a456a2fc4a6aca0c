package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/internal/dcontext"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// GCOpts contains options for garbage collector
type GCOpts struct {
	// DryRun walks the graph and reports what would be removed without
	// deleting anything.
	DryRun bool

	// MinAge protects recently written blobs from the sweep. A blob whose
	// file is younger than MinAge is never removed, closing the race with
	// an in-flight upload whose manifest has not arrived yet.
	MinAge time.Duration
}

// GCStats summarizes one mark-and-sweep run.
type GCStats struct {
	Blobs               int
	Referenced          int
	Orphaned            int
	Deleted             int
	SkippedTooNew       int
	SkippedActiveUpload int
	BytesReclaimed      int64
	Duration            time.Duration
	Errors              int
}

// MarkAndSweep performs a mark and sweep of registry data. The mark phase
// walks every repository's tags and manifest revisions, collecting the
// digests of the manifests themselves and of everything their descriptors
// reference. The sweep phase removes unreachable blobs, subject to the
// MinAge and active-upload guards.
func MarkAndSweep(ctx context.Context, storageDriver storagedriver.StorageDriver, registry stowage.Namespace, opts GCOpts) (*GCStats, error) {
	start := time.Now()
	stats := &GCStats{}

	repositoryEnumerator, ok := registry.(stowage.RepositoryEnumerator)
	if !ok {
		return nil, fmt.Errorf("unable to convert Namespace to RepositoryEnumerator")
	}

	// mark
	markSet := make(map[digest.Digest]struct{})
	err := repositoryEnumerator.Enumerate(ctx, func(repoName string) error {
		dcontext.GetLogger(ctx).Debugf("marking repository %s", repoName)

		var err error
		named, err := reference.WithName(repoName)
		if err != nil {
			return fmt.Errorf("failed to parse repo name %s: %v", repoName, err)
		}
		repository, err := registry.Repository(ctx, named)
		if err != nil {
			return fmt.Errorf("failed to construct repository: %v", err)
		}

		manifestService, err := repository.Manifests(ctx)
		if err != nil {
			return fmt.Errorf("failed to construct manifest service: %v", err)
		}

		manifestEnumerator, ok := manifestService.(stowage.ManifestEnumerator)
		if !ok {
			return fmt.Errorf("unable to convert ManifestService into ManifestEnumerator")
		}

		err = manifestEnumerator.Enumerate(ctx, func(dgst digest.Digest) error {
			// Mark the manifest's blob
			dcontext.GetLogger(ctx).Debugf("%s: marking manifest %s", repoName, dgst)
			markSet[dgst] = struct{}{}

			return markManifestReferences(ctx, dgst, manifestService, func(d digest.Digest) bool {
				_, marked := markSet[d]
				if !marked {
					markSet[d] = struct{}{}
					dcontext.GetLogger(ctx).Debugf("%s: marking blob %s", repoName, d)
				}
				return marked
			})
		})

		// In certain situations such as unfinished uploads, deleting all
		// intermediate blobs can take a dedicated repository through a
		// state with no manifests. That is not an error.
		if err != nil {
			var pathNotFound storagedriver.PathNotFoundError
			if !errors.As(err, &pathNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to mark: %v", err)
	}

	uploadTargets, err := activeUploadTargets(ctx, storageDriver)
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("unable to read active upload targets: %v", err)
		stats.Errors++
		uploadTargets = map[digest.Digest]struct{}{}
	}

	// sweep
	blobService := registry.Blobs()
	deadline := time.Now().Add(-opts.MinAge)

	err = blobService.Enumerate(ctx, func(dgst digest.Digest) error {
		stats.Blobs++

		if _, ok := markSet[dgst]; ok {
			stats.Referenced++
			return nil
		}

		stats.Orphaned++

		blobPath, err := pathFor(blobPathSpec{digest: dgst})
		if err != nil {
			stats.Errors++
			return nil
		}

		fi, err := storageDriver.Stat(ctx, blobPath)
		if err != nil {
			// raced with a concurrent delete
			var pathNotFound storagedriver.PathNotFoundError
			if errors.As(err, &pathNotFound) {
				return nil
			}
			stats.Errors++
			dcontext.GetLogger(ctx).Errorf("failed to stat blob %s: %v", dgst, err)
			return nil
		}

		if fi.ModTime().After(deadline) {
			stats.SkippedTooNew++
			dcontext.GetLogger(ctx).Infof("blob eligible for deletion but too new: %s", dgst)
			return nil
		}

		if _, active := uploadTargets[dgst]; active {
			stats.SkippedActiveUpload++
			dcontext.GetLogger(ctx).Infof("blob eligible for deletion but targeted by an active upload: %s", dgst)
			return nil
		}

		dcontext.GetLogger(ctx).Infof("blob eligible for deletion: %s", dgst)
		if opts.DryRun {
			return nil
		}

		if err := storageDriver.Delete(ctx, blobPath); err != nil {
			stats.Errors++
			dcontext.GetLogger(ctx).Errorf("failed to delete blob %s: %v", dgst, err)
			return nil
		}

		stats.Deleted++
		stats.BytesReclaimed += fi.Size()
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("error enumerating blobs: %v", err)
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// markManifestReferences adds the digests referenced by the manifest to the
// mark set, recursing through image indices so that referenced
// sub-manifests and their layers survive the sweep.
func markManifestReferences(ctx context.Context, dgst digest.Digest, manifestService stowage.ManifestService, visited func(digest.Digest) bool) error {
	manifest, err := manifestService.Get(ctx, dgst)
	if err != nil {
		return fmt.Errorf("failed to retrieve manifest for digest %v: %v", dgst, err)
	}

	descriptors := manifest.References()
	for _, descriptor := range descriptors {
		// do not visit references if already marked
		if visited(descriptor.Digest) {
			continue
		}

		if ok, _ := manifestService.Exists(ctx, descriptor.Digest); ok {
			err := markManifestReferences(ctx, descriptor.Digest, manifestService, visited)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// activeUploadTargets collects the digests claimed by open upload
// sessions. A session records its target when finalize begins; any blob
// matching a recorded target is skipped by the sweep.
func activeUploadTargets(ctx context.Context, storageDriver storagedriver.StorageDriver) (map[digest.Digest]struct{}, error) {
	targets := make(map[digest.Digest]struct{})

	root, err := pathFor(uploadsRootPathSpec{})
	if err != nil {
		return targets, err
	}

	uploadDirs, err := storageDriver.List(ctx, root)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			return targets, nil
		}
		return targets, err
	}

	for _, dir := range uploadDirs {
		targetPath, err := pathFor(uploadTargetPathSpec{id: path.Base(dir)})
		if err != nil {
			continue
		}

		content, err := storageDriver.GetContent(ctx, targetPath)
		if err != nil {
			// most sessions never record a target
			continue
		}

		dgst, err := digest.Parse(string(content))
		if err != nil {
			continue
		}
		targets[dgst] = struct{}{}
	}

	return targets, nil
}
