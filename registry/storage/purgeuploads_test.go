package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	storagedriver "github.com/stowage/stowage/registry/storage/driver"
	"github.com/stowage/stowage/registry/storage/driver/inmemory"
)

func testUploadFS(t *testing.T, numUploads int, startedAt time.Time) (storagedriver.StorageDriver, context.Context) {
	d := inmemory.New()
	ctx := context.Background()
	for i := 0; i < numUploads; i++ {
		addUploads(ctx, t, d, uuid.NewString(), startedAt)
	}
	return d, ctx
}

func addUploads(ctx context.Context, t *testing.T, d storagedriver.StorageDriver, uploadID string, startedAt time.Time) {
	dataPath, err := pathFor(uploadDataPathSpec{id: uploadID})
	if err != nil {
		t.Fatalf("Unable to resolve path")
	}
	if err := d.PutContent(ctx, dataPath, []byte("")); err != nil {
		t.Fatalf("Unable to write data file")
	}

	startedAtPath, err := pathFor(uploadStartedAtPathSpec{id: uploadID})
	if err != nil {
		t.Fatalf("Unable to resolve path")
	}

	if d.PutContent(ctx, startedAtPath, []byte(startedAt.Format(time.RFC3339))) != nil {
		t.Fatalf("Unable to write startedAt file")
	}
}

func TestPurgeGather(t *testing.T) {
	uploadCount := 5
	fs, ctx := testUploadFS(t, uploadCount, time.Now())
	uploadData, errs := getOutstandingUploads(ctx, fs)
	if len(errs) != 0 {
		t.Errorf("Unexpected errors: %q", errs)
	}
	if len(uploadData) != uploadCount {
		t.Errorf("Unexpected upload file count: %d != %d", uploadCount, len(uploadData))
	}
}

func TestPurgeNone(t *testing.T) {
	fs, ctx := testUploadFS(t, 10, time.Now())
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	deleted, errs := PurgeUploads(ctx, fs, oneHourAgo, true)
	if len(errs) != 0 {
		t.Error("Unexpected errors", errs)
	}
	if len(deleted) != 0 {
		t.Errorf("Unexpectedly deleted files for time: %s", oneHourAgo)
	}
}

func TestPurgeAll(t *testing.T) {
	uploadCount := 10
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	fs, ctx := testUploadFS(t, uploadCount, oneHourAgo)

	// Ensure > 1 hour has passed, we will deduct a few seconds.
	deleted, errs := PurgeUploads(ctx, fs, time.Now().Add(-3*time.Second), true)
	if len(errs) != 0 {
		t.Error("Unexpected errors:", errs)
	}
	if len(deleted) != uploadCount {
		t.Errorf("Unexpectedly deleted file count %d != %d", len(deleted), uploadCount)
	}
}

func TestPurgeSome(t *testing.T) {
	oldUploadCount := 5
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	fs, ctx := testUploadFS(t, oldUploadCount, oneHourAgo)

	newUploadCount := 4
	for i := 0; i < newUploadCount; i++ {
		addUploads(ctx, t, fs, uuid.NewString(), time.Now().Add(1*time.Hour))
	}

	deleted, errs := PurgeUploads(ctx, fs, time.Now(), true)
	if len(errs) != 0 {
		t.Error("Unexpected errors:", errs)
	}
	if len(deleted) != oldUploadCount {
		t.Errorf("Unexpectedly deleted file count %d != %d", len(deleted), oldUploadCount)
	}
}

func TestPurgeOnlyUploads(t *testing.T) {
	oldUploadCount := 5
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	fs, ctx := testUploadFS(t, oldUploadCount, oneHourAgo)

	// Create a directory tree outside the upload directory.
	dataPath, err := pathFor(uploadDataPathSpec{id: uuid.NewString()})
	if err != nil {
		t.Fatalf(err.Error())
	}
	nonUploadPath := strings.Replace(dataPath, "/uploads", "/scratch", 1)
	if strings.HasPrefix(nonUploadPath, "/uploads") {
		t.Fatalf("Non-upload path not created correctly")
	}
	if err := fs.PutContent(ctx, nonUploadPath, []byte("")); err != nil {
		t.Fatalf("Unable to write data file")
	}

	deleted, errs := PurgeUploads(ctx, fs, time.Now(), true)
	if len(errs) != 0 {
		t.Error("Unexpected errors", errs)
	}
	for _, file := range deleted {
		if !strings.Contains(file, "uploads") {
			t.Errorf("Non-upload file deleted")
		}
	}
	if len(deleted) != oldUploadCount {
		t.Errorf("Unexpectedly deleted file count %d != %d", len(deleted), oldUploadCount)
	}
}

func TestPurgeMissingStartedAt(t *testing.T) {
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	fs, ctx := testUploadFS(t, 1, oneHourAgo)

	// Strip all startedat markers; the sessions must still be purged.
	err := WalkFallback(ctx, fs, "/", func(fileInfo storagedriver.FileInfo) error {
		filePath := fileInfo.Path()
		_, file := path.Split(filePath)

		if file == "startedat" {
			if err := fs.Delete(ctx, filePath); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error during Walk: %s ", err.Error())
	}

	deleted, errs := PurgeUploads(ctx, fs, time.Now(), true)
	if len(errs) != 1 {
		t.Errorf("Expected one error per session with missing startedat, got %q", errs)
	}
	if len(deleted) != 1 {
		t.Errorf("Expected purge of single upload file, got %d", len(deleted))
	}
}

func TestPurgeDryRun(t *testing.T) {
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	fs, ctx := testUploadFS(t, 3, oneHourAgo)

	deleted, errs := PurgeUploads(ctx, fs, time.Now(), false)
	if len(errs) != 0 {
		t.Error("Unexpected errors", errs)
	}
	if len(deleted) != 3 {
		t.Errorf("Dry run should report all candidates, got %d", len(deleted))
	}

	// Nothing must actually be gone.
	remaining, errs := getOutstandingUploads(ctx, fs)
	if len(errs) != 0 {
		t.Error("Unexpected errors", errs)
	}
	if len(remaining) != 3 {
		t.Errorf("Dry run deleted sessions: %d remaining", len(remaining))
	}
}

var errEarlyExit = errors.New("early exit")

func TestWalkEarlyExit(t *testing.T) {
	fs, ctx := testUploadFS(t, 2, time.Now())

	var seen int
	err := WalkFallback(ctx, fs, "/", func(fileInfo storagedriver.FileInfo) error {
		seen++
		return errEarlyExit
	})
	if !errors.Is(err, errEarlyExit) {
		t.Fatalf("expected early exit error, got %v", err)
	}
	if seen != 1 {
		t.Fatalf("walk continued after error: %d entries seen", seen)
	}
}
