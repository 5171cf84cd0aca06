// Package filesystem implements objectstore.StorageDriver against a
// local directory tree: rootDirectory-relative subpaths and a
// bufio-backed Writer with explicit Commit/Cancel semantics.
package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencrate/registry/internal/objectstore"
)

const driverName = "filesystem"

func init() {
	objectstore.Register(driverName, &driverFactory{})
}

type driverFactory struct{}

func (driverFactory) Create(_ context.Context, parameters map[string]interface{}) (objectstore.StorageDriver, error) {
	root, _ := parameters["rootdirectory"].(string)
	if root == "" {
		root = "/var/lib/registry"
	}
	return New(root), nil
}

// Driver stores content-addressed bytes under subpaths of RootDirectory.
type Driver struct {
	RootDirectory string
}

func New(rootDirectory string) *Driver {
	return &Driver{RootDirectory: rootDirectory}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) fullPath(key string) string {
	return filepath.Join(d.RootDirectory, filepath.Clean("/"+key))
}

func (d *Driver) GetContent(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(d.fullPath(key))
	if os.IsNotExist(err) {
		return nil, objectstore.PathNotFoundError{Path: key}
	}
	return data, err
}

func (d *Driver) PutContent(_ context.Context, key string, content []byte) error {
	full := d.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

func (d *Driver) Reader(_ context.Context, key string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(d.fullPath(key))
	if os.IsNotExist(err) {
		return nil, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (d *Driver) Writer(_ context.Context, key string, doAppend bool) (objectstore.FileWriter, error) {
	full := d.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if doAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(full, flags, 0o644)
	if err != nil {
		return nil, err
	}

	var size int64
	if doAppend {
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
	}

	return &fileWriter{file: f, bw: bufio.NewWriter(f), size: size}, nil
}

func (d *Driver) Stat(_ context.Context, key string) (objectstore.FileInfo, error) {
	info, err := os.Stat(d.fullPath(key))
	if os.IsNotExist(err) {
		return objectstore.FileInfo{}, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return objectstore.FileInfo{}, err
	}
	return objectstore.FileInfo{Path: key, Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (d *Driver) Delete(_ context.Context, key string) error {
	err := os.RemoveAll(d.fullPath(key))
	if os.IsNotExist(err) {
		return objectstore.PathNotFoundError{Path: key}
	}
	return err
}

// URLFor never returns a redirect: local files are always served in-process.
func (d *Driver) URLFor(_ context.Context, _ string, _ map[string]interface{}) (string, error) {
	return "", nil
}

type fileWriter struct {
	file      *os.File
	bw        *bufio.Writer
	size      int64
	committed bool
	closed    bool
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, fmt.Errorf("filesystem: write after close")
	}
	n, err := fw.bw.Write(p)
	fw.size += int64(n)
	return n, err
}

func (fw *fileWriter) Size() int64 { return fw.size }

func (fw *fileWriter) Commit() error {
	if err := fw.bw.Flush(); err != nil {
		return err
	}
	fw.committed = true
	return fw.file.Sync()
}

func (fw *fileWriter) Cancel() error {
	fw.closed = true
	fw.file.Close()
	return os.Remove(fw.file.Name())
}

func (fw *fileWriter) Close() error {
	if fw.closed {
		return nil
	}
	if !fw.committed {
		if err := fw.bw.Flush(); err != nil {
			fw.file.Close()
			return err
		}
	}
	fw.closed = true
	return fw.file.Close()
}
