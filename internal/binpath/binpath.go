// Package binpath resolves helper executables and remembers the answer.
package binpath

import (
	"os"
	"path/filepath"
	"sync"
)

// DefaultPath is searched when $PATH is unset.
const DefaultPath = "/usr/bin:/usr/local/bin:/opt/bin:/opt/local/bin"

// Options configures a Cache.
type Options struct {
	// Dirs are searched, in order, before PATH. Defaults to ~/.wakatime.
	Dirs []string

	// PathEnv overrides $PATH; empty means read the environment.
	PathEnv string
}

// Cache maps a binary name to its resolved path. Entries, including
// misses, are never invalidated.
type Cache struct {
	dirs    []string
	pathEnv string

	mu    sync.Mutex
	paths map[string]string
}

// New creates an empty cache.
func New(opts Options) *Cache {
	dirs := opts.Dirs
	if dirs == nil {
		if home, err := os.UserHomeDir(); err == nil {
			dirs = []string{filepath.Join(home, ".wakatime")}
		}
	}
	return &Cache{
		dirs:    dirs,
		pathEnv: opts.PathEnv,
		paths:   make(map[string]string),
	}
}

// Lookup returns the path of name, searching Dirs then PATH.
func (c *Cache) Lookup(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.paths[name]; ok {
		return p, p != ""
	}

	p := c.search(name)
	c.paths[name] = p
	return p, p != ""
}

// Find returns the first of names that resolves.
func (c *Cache) Find(names ...string) (string, bool) {
	for _, name := range names {
		if p, ok := c.Lookup(name); ok {
			return p, true
		}
	}
	return "", false
}

func (c *Cache) search(name string) string {
	for _, dir := range c.dirs {
		if p := filepath.Join(dir, name); isExecutable(p) {
			return p
		}
	}

	env := c.pathEnv
	if env == "" {
		env = os.Getenv("PATH")
	}
	if env == "" {
		env = DefaultPath
	}
	for _, dir := range filepath.SplitList(env) {
		if dir == "" {
			continue
		}
		if p := filepath.Join(dir, name); isExecutable(p) {
			return p
		}
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
