package config

import (
	"path"
	"sort"
	"strings"
)

// EndpointSet is an immutable set of request paths.
type EndpointSet struct {
	paths map[string]struct{}
}

// NewEndpointSet normalizes and collects paths. Blank entries are ignored.
func NewEndpointSet(paths ...string) EndpointSet {
	s := EndpointSet{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		if p = NormalizePath(p); p != "" {
			s.paths[p] = struct{}{}
		}
	}
	return s
}

// Contains reports whether p (query excluded) is in the set.
func (s EndpointSet) Contains(p string) bool {
	if s.paths == nil {
		return false
	}
	_, ok := s.paths[NormalizePath(p)]
	return ok
}

func (s EndpointSet) Len() int { return len(s.paths) }

// Paths returns the members sorted.
func (s EndpointSet) Paths() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// NormalizePath cleans p and drops any trailing slash except for the root.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
