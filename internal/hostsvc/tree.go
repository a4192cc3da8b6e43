// Package hostsvc implements the host side of the transfer protocol: serving
// directory listings, file and folder downloads, uploads and web-preview
// fetches over established peer sessions.
package hostsvc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/peerdrive/peerdrive/internal/common"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

// Entry describes one child of a directory in the hosted tree.
type Entry struct {
	Name string
	Dir  bool
	Size int64
}

// Tree is the hierarchical handle tree a host exposes, addressed by path
// segments from the hosted root. The empty path denotes the root directory;
// file operations address the file by its full segment path.
type Tree interface {
	List(path []string) ([]Entry, error)
	Open(path []string) (io.ReadCloser, int64, error)
	Create(path []string) (io.WriteCloser, error)
	Remove(path []string) error
}

// DirTree serves a directory of the local filesystem.
type DirTree struct {
	root string
}

// NewDirTree roots a Tree at dir, which must exist and be a directory.
func NewDirTree(dir string) (*DirTree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("hosted root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("hosted root %s is not a directory", abs)
	}
	return &DirTree{root: abs}, nil
}

// resolve validates the segments and maps them onto the local path.
func (t *DirTree) resolve(path []string) (string, error) {
	if err := protocol.ValidatePath(path); err != nil {
		return "", err
	}
	return filepath.Join(append([]string{t.root}, path...)...), nil
}

func (t *DirTree) List(path []string) ([]Entry, error) {
	dir, err := t.resolve(path)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %v", common.ErrNotFound, err)
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := Entry{Name: de.Name(), Dir: de.IsDir()}
		if !de.IsDir() {
			info, err := de.Info()
			if err != nil {
				// The file vanished between readdir and stat; skip it.
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (t *DirTree) Open(path []string) (io.ReadCloser, int64, error) {
	name, err := t.resolve(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %v", common.ErrNotFound, err)
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: not a regular file", common.ErrNotFound)
	}
	return f, info.Size(), nil
}

func (t *DirTree) Create(path []string) (io.WriteCloser, error) {
	name, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Create(name)
}

func (t *DirTree) Remove(path []string) error {
	name, err := t.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(name)
}
