package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TempSet owns every file materialised for one composition. Callers defer
// Cleanup right after creating it; Release frees individual files early.
type TempSet struct {
	dir string

	mu    sync.Mutex
	files map[string]struct{}
}

// NewTempSet creates a private directory under parent (os.TempDir if empty).
func NewTempSet(parent, prefix string) (*TempSet, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return nil, fmt.Errorf("failed to create temp root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, sanitizeName(prefix)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &TempSet{dir: dir, files: make(map[string]struct{})}, nil
}

func (t *TempSet) Dir() string { return t.dir }

// Path reserves name inside the set and returns its absolute path.
func (t *TempSet) Path(name string) string {
	p := filepath.Join(t.dir, sanitizeName(name))
	t.mu.Lock()
	t.files[p] = struct{}{}
	t.mu.Unlock()
	return p
}

// Write stores data under name.
func (t *TempSet) Write(name string, data []byte) (string, error) {
	p := t.Path(name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write temp file %s: %w", name, err)
	}
	return p, nil
}

// Release deletes files that are no longer needed.
func (t *TempSet) Release(paths ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		os.Remove(p)
		delete(t.files, p)
	}
}

// Live reports how many reserved files have not been released.
func (t *TempSet) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Cleanup removes the whole directory. Safe to call more than once.
func (t *TempSet) Cleanup() error {
	t.mu.Lock()
	t.files = make(map[string]struct{})
	t.mu.Unlock()
	if err := os.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("failed to remove temp dir: %w", err)
	}
	return nil
}

// sanitizeName keeps a single path element made of safe characters.
func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
