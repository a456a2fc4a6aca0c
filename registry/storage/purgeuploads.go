package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/stowage/stowage/internal/dcontext"
	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// uploadData holds the state of a single outstanding upload session.
type uploadData struct {
	containingDir string
	startedAt     time.Time
}

func newUploadData() uploadData {
	return uploadData{
		containingDir: "",
		// default to far in future to protect against missing startedat
		startedAt: time.Now().Add(10000 * time.Hour),
	}
}

// PurgeUploads deletes files from the upload directory created before
// olderThan. The list of files deleted and errors encountered are returned.
func PurgeUploads(ctx context.Context, driver storagedriver.StorageDriver, olderThan time.Time, actuallyDelete bool) ([]string, []error) {
	dcontext.GetLogger(ctx).Infof("PurgeUploads starting: olderThan=%s, actuallyDelete=%t", olderThan, actuallyDelete)
	uploadData, errors := getOutstandingUploads(ctx, driver)
	var deleted []string
	for _, uploadData := range uploadData {
		if uploadData.startedAt.Before(olderThan) {
			var err error
			dcontext.GetLogger(ctx).Infof("Upload files in %s have older date (%s) than purge date (%s). Removing upload directory.",
				uploadData.containingDir, uploadData.startedAt, olderThan)
			if actuallyDelete {
				err = driver.Delete(ctx, uploadData.containingDir)
			}
			if err == nil {
				deleted = append(deleted, uploadData.containingDir)
			} else {
				errors = append(errors, err)
			}
		}
	}

	dcontext.GetLogger(ctx).Infof("Purge uploads finished. Num deleted=%d, num errors=%d", len(deleted), len(errors))
	return deleted, errors
}

// getOutstandingUploads scans the upload directory for session state,
// keyed by upload id. A session with a missing or unparseable startedat
// file is reported as started at the zero time, which makes any purge
// deadline catch it.
func getOutstandingUploads(ctx context.Context, driver storagedriver.StorageDriver) (map[string]uploadData, []error) {
	var errs []error
	uploads := make(map[string]uploadData)

	root, err := pathFor(uploadsRootPathSpec{})
	if err != nil {
		return uploads, append(errs, err)
	}

	uploadDirs, err := driver.List(ctx, root)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			// no uploads at all
			return uploads, errs
		}
		return uploads, append(errs, err)
	}

	for _, dir := range uploadDirs {
		id := path.Base(dir)
		ud := newUploadData()
		ud.containingDir = dir

		startedAtPath, err := pathFor(uploadStartedAtPathSpec{id: id})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		startedAtBytes, err := driver.GetContent(ctx, startedAtPath)
		if err != nil {
			// missing startedat: treat the session as expired
			errs = append(errs, fmt.Errorf("upload %s has no startedat: %w", id, err))
			ud.startedAt = time.Time{}
			uploads[id] = ud
			continue
		}

		startedAt, err := time.Parse(time.RFC3339, string(startedAtBytes))
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s startedat unparseable: %w", id, err))
			ud.startedAt = time.Time{}
			uploads[id] = ud
			continue
		}

		ud.startedAt = startedAt
		uploads[id] = ud
	}

	return uploads, errs
}
