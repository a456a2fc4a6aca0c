// Package inmemory provides a purely in-process storage driver. It holds
// every object in a flat map guarded by a single mutex, with directories
// existing implicitly as path prefixes. Intended for tests and throwaway
// registries; contents do not survive the process.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/stowage/stowage/registry/storage/driver"
	"github.com/stowage/stowage/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory
// interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type file struct {
	data    []byte
	modtime time.Time
}

// Driver is a storagedriver.StorageDriver implementation backed by a map of
// in-memory files. All paths are keys of the map; directories exist only as
// common prefixes of those keys.
type Driver struct {
	mu    sync.RWMutex
	files map[string]*file
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new empty Driver.
func New() *Driver {
	return &Driver{
		files: make(map[string]*file),
	}
}

// Implement the storagedriver.StorageDriver interface.

func (d *Driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *Driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}

	buf := make([]byte, len(f.data))
	copy(buf, f.data)
	return buf, nil
}

// PutContent stores the []byte content at a location designated by "path".
func (d *Driver) PutContent(ctx context.Context, path string, contents []byte) error {
	if err := checkPath(path); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, len(contents))
	copy(buf, contents)
	d.files[path] = &file{data: buf, modtime: time.Now()}
	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *Driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}

	if offset > int64(len(f.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}

	buf := make([]byte, int64(len(f.data))-offset)
	copy(buf, f.data[offset:])
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Writer returns a FileWriter at "path". With doAppend set, writing
// continues from the current end of any existing file.
func (d *Driver) Writer(ctx context.Context, path string, doAppend bool) (storagedriver.FileWriter, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var buf []byte
	if doAppend {
		if f, ok := d.files[path]; ok {
			buf = append(buf, f.data...)
		}
	}

	return &writer{d: d, path: path, buf: buf}, nil
}

// Stat retrieves the FileInfo for the given path, including the current
// size in bytes and the modification time.
func (d *Driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if f, ok := d.files[path]; ok {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    path,
			Size:    int64(len(f.data)),
			ModTime: f.modtime,
		}}, nil
	}

	// A path with stored descendants is a directory.
	prefix := path + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
				Path:    path,
				IsDir:   true,
				ModTime: time.Now(),
			}}, nil
		}
	}

	return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *Driver) List(ctx context.Context, path string) ([]string, error) {
	if path != "/" {
		if err := checkPath(path); err != nil {
			return nil, err
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	prefix := strings.TrimRight(path, "/") + "/"
	children := make(map[string]struct{})
	for p := range d.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		children[prefix+rest] = struct{}{}
	}

	if len(children) == 0 && path != "/" {
		if _, ok := d.files[path]; !ok {
			return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
		}
	}

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *Driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	if err := checkPath(sourcePath); err != nil {
		return err
	}
	if err := checkPath(destPath); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[sourcePath]
	if !ok {
		return storagedriver.PathNotFoundError{Path: sourcePath, DriverName: driverName}
	}

	delete(d.files, sourcePath)
	f.modtime = time.Now()
	d.files[destPath] = f
	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *Driver) Delete(ctx context.Context, path string) error {
	if err := checkPath(path); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	found := false
	prefix := path + "/"
	for p := range d.files {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(d.files, p)
			found = true
		}
	}

	if !found {
		return storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	return nil
}

func checkPath(path string) error {
	if !storagedriver.PathRegexp.MatchString(path) {
		return storagedriver.InvalidPathError{Path: path, DriverName: driverName}
	}
	return nil
}

// writer buffers all written content and publishes it into the driver map
// on Commit or Close.
type writer struct {
	d         *Driver
	path      string
	buf       []byte
	closed    bool
	committed bool
	cancelled bool
}

var _ storagedriver.FileWriter = &writer{}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}

	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *writer) Size() int64 {
	return int64(len(w.buf))
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true

	if !w.cancelled {
		w.flush()
	}
	return nil
}

// Cancel discards the written data. It is valid after Close so that a
// failed commit can still roll back its staged content.
func (w *writer) Cancel(ctx context.Context) error {
	w.cancelled = true

	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	delete(w.d.files, w.path)
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	w.committed = true

	w.flush()
	return nil
}

func (w *writer) flush() {
	buf := make([]byte, len(w.buf))
	copy(buf, w.buf)

	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.files[w.path] = &file{data: buf, modtime: time.Now()}
}
