package hostsvc

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/peerdrive/peerdrive/internal/common"
)

// memTree is an in-memory Tree used by engine tests.
type memTree struct {
	mu   sync.Mutex
	root *memNode
}

type memNode struct {
	dir      bool
	data     []byte
	children map[string]*memNode
}

func newMemTree() *memTree {
	return &memTree{root: &memNode{dir: true, children: map[string]*memNode{}}}
}

// addFile places content at a slash-joined path, creating parent directories.
func (t *memTree) addFile(p string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := strings.Split(p, "/")
	node := t.mkdirs(segs[:len(segs)-1])
	node.children[segs[len(segs)-1]] = &memNode{data: append([]byte{}, data...)}
}

func (t *memTree) addDir(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mkdirs(strings.Split(p, "/"))
}

func (t *memTree) mkdirs(segs []string) *memNode {
	node := t.root
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		child, ok := node.children[seg]
		if !ok {
			child = &memNode{dir: true, children: map[string]*memNode{}}
			node.children[seg] = child
		}
		node = child
	}
	return node
}

func (t *memTree) find(path []string) (*memNode, error) {
	node := t.root
	for _, seg := range path {
		child, ok := node.children[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, seg)
		}
		node = child
	}
	return node, nil
}

func (t *memTree) get(p string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, err := t.find(strings.Split(p, "/"))
	if err != nil || node.dir {
		return nil, false
	}
	return append([]byte{}, node.data...), true
}

func (t *memTree) List(path []string) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, err := t.find(path)
	if err != nil {
		return nil, err
	}
	if !node.dir {
		return nil, fmt.Errorf("%w: not a directory", common.ErrNotFound)
	}
	entries := make([]Entry, 0, len(node.children))
	for name, child := range node.children {
		entries = append(entries, Entry{Name: name, Dir: child.dir, Size: int64(len(child.data))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (t *memTree) Open(path []string) (io.ReadCloser, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, err := t.find(path)
	if err != nil {
		return nil, 0, err
	}
	if node.dir {
		return nil, 0, fmt.Errorf("%w: not a regular file", common.ErrNotFound)
	}
	data := append([]byte{}, node.data...)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (t *memTree) Create(path []string) (io.WriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", common.ErrInvalidPath)
	}
	parent, err := t.find(path[:len(path)-1])
	if err != nil {
		return nil, err
	}
	node := &memNode{}
	parent.children[path[len(path)-1]] = node
	return &memWriter{tree: t, node: node}, nil
}

func (t *memTree) Remove(path []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", common.ErrInvalidPath)
	}
	parent, err := t.find(path[:len(path)-1])
	if err != nil {
		return err
	}
	name := path[len(path)-1]
	if _, ok := parent.children[name]; !ok {
		return fmt.Errorf("%w: %s", common.ErrNotFound, name)
	}
	delete(parent.children, name)
	return nil
}

type memWriter struct {
	tree *memTree
	node *memNode
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.tree.mu.Lock()
	defer w.tree.mu.Unlock()
	w.node.data = append(w.node.data, p...)
	return len(p), nil
}

func (w *memWriter) Close() error { return nil }
