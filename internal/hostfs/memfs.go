package hostfs

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ehrlich-b/wingpad/internal/fstree"
)

// Mem is an in-memory FS for tests. Paths are slash-separated and treated
// as absolute.
type Mem struct {
	mu    sync.Mutex
	nodes map[string]*Contents
}

func NewMem() *Mem {
	return &Mem{nodes: map[string]*Contents{
		"/": {Kind: fstree.KindDirectory},
	}}
}

func clean(p string) string {
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (m *Mem) ContentsAtPath(_ context.Context, p string) (*Contents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.nodes[clean(p)]
	if !ok {
		return nil, nil
	}
	out := *c
	out.Binary = append([]byte(nil), c.Binary...)
	return &out, nil
}

func (m *Mem) CreateDir(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	for cur := p; cur != "/"; cur = path.Dir(cur) {
		if c, ok := m.nodes[cur]; ok && c.Kind != fstree.KindDirectory {
			return fmt.Errorf("%s exists and is not a directory", cur)
		}
	}
	for cur := p; cur != "/"; cur = path.Dir(cur) {
		if _, ok := m.nodes[cur]; !ok {
			m.nodes[cur] = &Contents{Kind: fstree.KindDirectory}
		}
	}
	return nil
}

func (m *Mem) WriteFile(_ context.Context, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	for cur := path.Dir(p); cur != "/"; cur = path.Dir(cur) {
		if _, ok := m.nodes[cur]; !ok {
			m.nodes[cur] = &Contents{Kind: fstree.KindDirectory}
		}
	}
	if isText(data) {
		m.nodes[p] = &Contents{Kind: fstree.KindText, Text: string(data)}
	} else {
		m.nodes[p] = &Contents{Kind: fstree.KindBinary, Binary: append([]byte(nil), data...)}
	}
	return nil
}

// WriteBinary stores data as a binary file regardless of its bytes.
func (m *Mem) WriteBinary(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[clean(p)] = &Contents{Kind: fstree.KindBinary, Binary: append([]byte(nil), data...)}
}

func (m *Mem) CreateSymlink(_ context.Context, p, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[clean(p)] = &Contents{Kind: fstree.KindSymlink, Symlink: target}
	return nil
}

func (m *Mem) Move(_ context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldPath, newPath = clean(oldPath), clean(newPath)
	if _, ok := m.nodes[oldPath]; !ok {
		return fmt.Errorf("%s doesn't exist", oldPath)
	}
	moved := make(map[string]*Contents)
	prefix := oldPath + "/"
	for p, c := range m.nodes {
		if p == oldPath {
			moved[newPath] = c
			delete(m.nodes, p)
		} else if strings.HasPrefix(p, prefix) {
			moved[newPath+"/"+strings.TrimPrefix(p, prefix)] = c
			delete(m.nodes, p)
		}
	}
	for p, c := range moved {
		m.nodes[p] = c
	}
	return nil
}

func (m *Mem) Delete(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	prefix := p + "/"
	for cur := range m.nodes {
		if cur == p || strings.HasPrefix(cur, prefix) {
			delete(m.nodes, cur)
		}
	}
	return nil
}

func (m *Mem) Walk(_ context.Context, root string, fn func(string, *Contents) error) error {
	m.mu.Lock()
	var paths []string
	root = clean(root)
	prefix := root + "/"
	if root == "/" {
		prefix = "/"
	}
	for p := range m.nodes {
		if p != root && strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	m.mu.Unlock()

	// Lexicographic order visits parents before children.
	sort.Strings(paths)
	for _, p := range paths {
		m.mu.Lock()
		c, ok := m.nodes[p]
		var copied Contents
		if ok {
			copied = *c
			copied.Binary = append([]byte(nil), c.Binary...)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := fn(p, &copied); err != nil {
			return err
		}
	}
	return nil
}

// Paths returns every stored path, sorted, for test assertions.
func (m *Mem) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.nodes {
		if p != "/" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func isText(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}
