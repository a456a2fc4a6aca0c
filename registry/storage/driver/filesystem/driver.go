// Package filesystem provides a storage driver backed by a local directory
// tree. All writes are staged and renamed into place so that readers never
// observe partial content, and every path derived from user input is
// canonicalized and checked against the configured root before use.
package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	storagedriver "github.com/stowage/stowage/registry/storage/driver"
	"github.com/stowage/stowage/registry/storage/driver/factory"
)

const (
	driverName           = "filesystem"
	defaultRootDirectory = "./data"
)

// DriverParameters represents all configuration options available for the
// filesystem driver.
type DriverParameters struct {
	RootDirectory string
}

func init() {
	factory.Register(driverName, &filesystemDriverFactory{})
}

// filesystemDriverFactory implements the factory.StorageDriverFactory
// interface.
type filesystemDriverFactory struct{}

func (factory *filesystemDriverFactory) Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	params, err := fromParametersImpl(parameters)
	if err != nil || params == nil {
		return nil, err
	}
	return New(*params)
}

func fromParametersImpl(parameters map[string]interface{}) (*DriverParameters, error) {
	rootDirectory := defaultRootDirectory

	if parameters != nil {
		if rootDir, ok := parameters["rootdirectory"]; ok {
			rd, ok := rootDir.(string)
			if !ok {
				return nil, fmt.Errorf("rootdirectory must be a string")
			}
			if rd != "" {
				rootDirectory = rd
			}
		}
	}

	return &DriverParameters{
		RootDirectory: rootDirectory,
	}, nil
}

// driver is a storagedriver.StorageDriver implementation backed by a local
// filesystem. All provided paths will be subpaths of the rootDirectory.
type driver struct {
	rootDirectory string
}

// New constructs a new driver rooted at the given directory. The directory
// is created if it does not exist.
func New(params DriverParameters) (storagedriver.StorageDriver, error) {
	absRoot, err := filepath.Abs(params.RootDirectory)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(absRoot, 0o777); err != nil {
		return nil, err
	}

	return &driver{rootDirectory: absRoot}, nil
}

// Implement the storagedriver.StorageDriver interface

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	rc, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// PutContent stores the []byte content at a location designated by "path".
// The content is staged into a temporary file in the destination directory
// and renamed into place.
func (d *driver) PutContent(ctx context.Context, subPath string, contents []byte) error {
	fullPath, err := d.fullPath(subPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o777); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), filepath.Base(fullPath)+".tmp.")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, subPath string, offset int64) (io.ReadCloser, error) {
	fullPath, err := d.fullPath(subPath)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(fullPath, os.O_RDONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
		}

		return nil, err
	}

	seekPos, err := file.Seek(offset, io.SeekStart)
	if err != nil {
		file.Close()
		return nil, err
	} else if seekPos < offset {
		file.Close()
		return nil, storagedriver.InvalidOffsetError{Path: subPath, Offset: offset, DriverName: driverName}
	}

	return file, nil
}

// Writer returns a FileWriter at "path". With doAppend set, writing
// continues from the current end of any existing file.
func (d *driver) Writer(ctx context.Context, subPath string, doAppend bool) (storagedriver.FileWriter, error) {
	fullPath, err := d.fullPath(subPath)
	if err != nil {
		return nil, err
	}

	parentDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(parentDir, 0o777); err != nil {
		return nil, err
	}

	fp, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}

	var offset int64

	if !doAppend {
		err := fp.Truncate(0)
		if err != nil {
			fp.Close()
			return nil, err
		}
	} else {
		n, err := fp.Seek(0, io.SeekEnd)
		if err != nil {
			fp.Close()
			return nil, err
		}
		offset = n
	}

	return newFileWriter(fp, offset), nil
}

// Stat retrieves the FileInfo for the given path, including the current
// size in bytes and the modification time.
func (d *driver) Stat(ctx context.Context, subPath string) (storagedriver.FileInfo, error) {
	fullPath, err := d.fullPath(subPath)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
		}

		return nil, err
	}

	return fileInfo{
		path:     subPath,
		FileInfo: fi,
	}, nil
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *driver) List(ctx context.Context, subPath string) ([]string, error) {
	fullPath, err := d.fullPath(subPath)
	if err != nil {
		return nil, err
	}

	dir, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
		}
		return nil, err
	}
	defer dir.Close()

	fileNames, err := dir.Readdirnames(0)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(fileNames))
	for _, fileName := range fileNames {
		keys = append(keys, strings.TrimRight(subPath, "/")+"/"+fileName)
	}

	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	source, err := d.fullPath(sourcePath)
	if err != nil {
		return err
	}
	dest, err := d.fullPath(destPath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(source); os.IsNotExist(err) {
		return storagedriver.PathNotFoundError{Path: sourcePath, DriverName: driverName}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o777); err != nil {
		return err
	}

	return os.Rename(source, dest)
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, subPath string) error {
	fullPath, err := d.fullPath(subPath)
	if err != nil {
		return err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
		}
		return err
	}

	return os.RemoveAll(fullPath)
}

// fullPath returns the absolute path of a key within the Driver's storage,
// refusing any key that is malformed or that would resolve outside the
// configured root.
func (d *driver) fullPath(subPath string) (string, error) {
	if !storagedriver.PathRegexp.MatchString(subPath) {
		return "", storagedriver.InvalidPathError{Path: subPath, DriverName: driverName}
	}

	fullPath := filepath.Clean(filepath.Join(d.rootDirectory, filepath.FromSlash(subPath)))
	if !strings.HasPrefix(fullPath, d.rootDirectory+string(filepath.Separator)) {
		return "", storagedriver.InvalidPathError{Path: subPath, DriverName: driverName}
	}

	return fullPath, nil
}

type fileInfo struct {
	os.FileInfo
	path string
}

var _ storagedriver.FileInfo = fileInfo{}

// Path provides the full path of the target of this file info.
func (fi fileInfo) Path() string {
	return fi.path
}

// Size returns current length in bytes of the file. The return value can
// be used to write to the end of the file at path. The value is
// meaningless if IsDir returns true.
func (fi fileInfo) Size() int64 {
	if fi.IsDir() {
		return 0
	}

	return fi.FileInfo.Size()
}

// ModTime returns the modification time for the file. For backends that
// don't have a modification time, the creation time should be returned.
func (fi fileInfo) ModTime() time.Time {
	return fi.FileInfo.ModTime()
}

// IsDir returns true if the path is a directory.
func (fi fileInfo) IsDir() bool {
	return fi.FileInfo.IsDir()
}

type fileWriter struct {
	file      *os.File
	size      int64
	bw        *bufio.Writer
	closed    bool
	committed bool
	cancelled bool
}

func newFileWriter(file *os.File, size int64) *fileWriter {
	return &fileWriter{
		file: file,
		size: size,
		bw:   bufio.NewWriter(file),
	}
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, fmt.Errorf("already closed")
	} else if fw.committed {
		return 0, fmt.Errorf("already committed")
	} else if fw.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}
	n, err := fw.bw.Write(p)
	fw.size += int64(n)
	return n, err
}

func (fw *fileWriter) Size() int64 {
	return fw.size
}

func (fw *fileWriter) Close() error {
	if fw.closed {
		return fmt.Errorf("already closed")
	}

	if err := fw.bw.Flush(); err != nil {
		return err
	}

	if err := fw.file.Sync(); err != nil {
		return err
	}

	if err := fw.file.Close(); err != nil {
		return err
	}
	fw.closed = true
	return nil
}

// Cancel discards the written data. It is valid after Close so that a
// failed commit can still clean up its staging file.
func (fw *fileWriter) Cancel(ctx context.Context) error {
	fw.cancelled = true
	fw.file.Close()

	if err := os.Remove(fw.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fw *fileWriter) Commit(ctx context.Context) error {
	if fw.closed {
		return fmt.Errorf("already closed")
	} else if fw.committed {
		return fmt.Errorf("already committed")
	} else if fw.cancelled {
		return fmt.Errorf("already cancelled")
	}

	if err := fw.bw.Flush(); err != nil {
		return err
	}

	if err := fw.file.Sync(); err != nil {
		return err
	}

	fw.committed = true
	return nil
}
