// Package discovery finds the native source files a run should generate
// tests for, in a stable order.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Unit is one source file eligible for test generation. Units are immutable
// once discovered.
type Unit struct {
	ID     string `json:"id"`     // slash-separated path relative to the project root
	Path   string `json:"path"`   // absolute path on disk
	Digest string `json:"digest"` // hex sha256 of the file content
	Order  int    `json:"order"`  // position in discovery order
}

// Options configures a discovery walk.
type Options struct {
	Root        string
	Extensions  []string // e.g. ".cc", ".cpp"
	ExcludeDirs []string // matched as whole path segments
	SkipPaths   []string // absolute directories to skip entirely (tests dir, build dir)
}

// Discover walks opts.Root and returns matching units sorted by ID.
func Discover(opts Options) ([]Unit, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", root)
	}

	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts[strings.ToLower(e)] = true
	}
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			skip[abs] = true
		}
	}

	var units []Unit
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (skip[path] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchExcludedDir(rel, opts.ExcludeDirs) != "" {
			return nil
		}
		digest, err := FileDigest(path)
		if err != nil {
			return err
		}
		units = append(units, Unit{ID: rel, Path: path, Digest: digest})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	for i := range units {
		units[i].Order = i
	}
	return units, nil
}

// matchExcludedDir checks if a relative path contains an excluded directory
// as a proper path segment (not a substring). Returns the matched dir or "".
func matchExcludedDir(rel string, dirs []string) string {
	parts := strings.Split(rel, "/")
	parts = parts[:len(parts)-1]
	for _, dir := range dirs {
		dir = strings.Trim(filepath.ToSlash(dir), "/")
		if dir == "" {
			continue
		}
		if strings.Contains(dir, "/") {
			// Multi-segment like "ext/vendor"
			if strings.HasPrefix(rel, dir+"/") || strings.Contains(rel, "/"+dir+"/") {
				return dir
			}
			continue
		}
		for _, p := range parts {
			if p == dir {
				return dir
			}
		}
	}
	return ""
}

// FileDigest returns the hex sha256 of the file at path.
func FileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Digest(data), nil
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Filter keeps units whose ID equals or is nested under one of prefixes.
// An empty prefix list keeps everything. Order values are preserved.
func Filter(units []Unit, prefixes []string) []Unit {
	if len(prefixes) == 0 {
		return units
	}
	var out []Unit
	for _, u := range units {
		for _, p := range prefixes {
			p = strings.TrimSuffix(filepath.ToSlash(p), "/")
			if u.ID == p || strings.HasPrefix(u.ID, p+"/") {
				out = append(out, u)
				break
			}
		}
	}
	return out
}
