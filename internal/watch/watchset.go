package watch

import (
	"path/filepath"
	"strings"
	"time"
)

// Artifact is one watched path and the newest modification time seen for it.
type Artifact struct {
	Path     string
	LastSeen time.Time
}

// Name returns the basename reported in change events.
func (a Artifact) Name() string {
	return filepath.Base(a.Path)
}

// WatchSet is the fixed, ordered collection of watched artifacts. Entries are
// never added or removed after construction.
type WatchSet struct {
	artifacts []Artifact
}

// NewWatchSet builds a WatchSet from paths, keeping the first occurrence of
// duplicates and dropping blank entries.
func NewWatchSet(paths []string) *WatchSet {
	seen := make(map[string]struct{}, len(paths))
	artifacts := make([]Artifact, 0, len(paths))
	for _, raw := range paths {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		cleaned := filepath.Clean(trimmed)
		if _, ok := seen[cleaned]; ok {
			continue
		}
		seen[cleaned] = struct{}{}
		artifacts = append(artifacts, Artifact{Path: cleaned})
	}
	return &WatchSet{artifacts: artifacts}
}

// Len reports the number of watched artifacts.
func (s *WatchSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.artifacts)
}

// Artifacts returns a copy of the watched artifacts in configured order.
func (s *WatchSet) Artifacts() []Artifact {
	if s == nil {
		return nil
	}
	out := make([]Artifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// Paths returns the watched paths in configured order.
func (s *WatchSet) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.artifacts))
	for i, artifact := range s.artifacts {
		out[i] = artifact.Path
	}
	return out
}

// Dirs returns the distinct parent directories of the watched paths.
func (s *WatchSet) Dirs() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(s.artifacts))
	var dirs []string
	for _, artifact := range s.artifacts {
		dir := filepath.Dir(artifact.Path)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

// Contains reports whether path is one of the watched artifacts.
func (s *WatchSet) Contains(path string) bool {
	if s == nil {
		return false
	}
	cleaned := filepath.Clean(path)
	for _, artifact := range s.artifacts {
		if artifact.Path == cleaned {
			return true
		}
	}
	return false
}
