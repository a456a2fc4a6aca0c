package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// WalkFallback traverses a filesystem defined within driver, starting from
// the given path, calling f on each file. If the returned error from the
// WalkFn is storagedriver.ErrSkipDir and fileInfo refers to a directory,
// the directory will not be entered and Walk will continue the traversal.
// Directory entries are visited in lexical order, which makes the output
// deterministic across backends.
func WalkFallback(ctx context.Context, driver storagedriver.StorageDriver, from string, f storagedriver.WalkFn) error {
	children, err := driver.List(ctx, from)
	if err != nil {
		return err
	}
	sort.Strings(children)
	for _, child := range children {
		fileInfo, err := driver.Stat(ctx, child)
		if err != nil {
			var pathNotFound storagedriver.PathNotFoundError
			if errors.As(err, &pathNotFound) {
				// list produced entries missing by the time we stat them;
				// the entry was deleted in between
				continue
			}
			return err
		}
		err = f(fileInfo)
		if err == nil && fileInfo.IsDir() {
			if err := WalkFallback(ctx, driver, child, f); err != nil {
				return err
			}
		} else if err == storagedriver.ErrSkipDir {
			// Stop iteration if it's a file, otherwise noop if it's a directory
			if !fileInfo.IsDir() {
				return nil
			}
		} else if err != nil {
			return fmt.Errorf("%s: %w", child, err)
		}
	}
	return nil
}
