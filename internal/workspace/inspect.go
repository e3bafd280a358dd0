package workspace

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	bomperr "bomp/internal/errors"
	"bomp/internal/replace"
	"bomp/shared/types"

	"github.com/bmatcuk/doublestar/v4"
)

// Inspect builds the workspace snapshot for the Cargo workspace rooted at
// dir, a slash separated directory relative to root. Member globs are
// expanded the way cargo does; the lock file is optional.
func Inspect(root, dir string) (*shared.Snapshot, error) {
	dir = shared.CleanPath(dir)
	rootManifest := path.Join(dir, ManifestName)

	data, _, err := replace.ReadTarget(root, rootManifest)
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(data)
	if err != nil {
		return nil, bomperr.Planning(rootManifest, "parsing workspace manifest", err)
	}
	if m.Package == nil && m.Workspace == nil {
		return nil, bomperr.Planning(rootManifest, "manifest has neither [package] nor [workspace]", nil)
	}

	snap := &shared.Snapshot{
		Root:         root,
		RootManifest: rootManifest,
	}

	seen := make(map[string]bool)
	if m.Package != nil {
		pkg, err := describe(rootManifest, m.Package)
		if err != nil {
			return nil, err
		}
		snap.Packages = append(snap.Packages, pkg)
		seen[rootManifest] = true
	}

	if m.Workspace != nil {
		dirs, err := expandMembers(filepath.Join(root, filepath.FromSlash(dir)), m.Workspace.Members, m.Workspace.Exclude)
		if err != nil {
			return nil, bomperr.Planning(rootManifest, "expanding workspace members", err)
		}
		for _, member := range dirs {
			manifest := path.Join(dir, member, ManifestName)
			if seen[manifest] {
				continue
			}
			seen[manifest] = true

			data, _, err := replace.ReadTarget(root, manifest)
			if err != nil {
				return nil, err
			}
			mm, err := parseManifest(data)
			if err != nil {
				return nil, bomperr.Planning(manifest, "parsing member manifest", err)
			}
			if mm.Package == nil {
				return nil, bomperr.Planning(manifest, "member manifest has no [package] table", nil)
			}
			pkg, err := describe(manifest, mm.Package)
			if err != nil {
				return nil, err
			}
			snap.Packages = append(snap.Packages, pkg)
		}
	}

	lock := path.Join(dir, LockName)
	if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(lock))); err == nil && info.Mode().IsRegular() {
		snap.LockPath = lock
	}
	return snap, nil
}

func describe(manifest string, p *cargoPackage) (shared.WorkspacePackage, error) {
	if p.Name == "" {
		return shared.WorkspacePackage{}, bomperr.Planning(manifest, "package has no name", nil)
	}
	version, inherited, err := p.declared()
	if err != nil {
		return shared.WorkspacePackage{}, bomperr.Planning(manifest, "reading package version", err)
	}
	return shared.WorkspacePackage{
		Name:            p.Name,
		ManifestPath:    manifest,
		DeclaredVersion: version,
		Inherited:       inherited,
	}, nil
}

// expandMembers resolves member patterns to member directories, relative to
// the workspace directory and sorted. Literal members must exist; glob
// matches without a manifest are skipped.
func expandMembers(workspaceDir string, members, exclude []string) ([]string, error) {
	fsys := os.DirFS(workspaceDir)

	var out []string
	for _, pattern := range members {
		pattern = shared.CleanPath(pattern)
		if pattern == "" || pattern == "." {
			continue
		}
		if !hasMeta(pattern) {
			if _, err := fs.Stat(fsys, path.Join(pattern, ManifestName)); err != nil {
				return nil, err
			}
			out = append(out, pattern)
			continue
		}
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if _, err := fs.Stat(fsys, path.Join(match, ManifestName)); err != nil {
				continue
			}
			out = append(out, match)
		}
	}

	filtered := out[:0]
	for _, member := range out {
		if !excluded(member, exclude) {
			filtered = append(filtered, member)
		}
	}
	sort.Strings(filtered)
	return dedupe(filtered), nil
}

func excluded(member string, exclude []string) bool {
	for _, ex := range exclude {
		ex = shared.CleanPath(ex)
		if member == ex || strings.HasPrefix(member, ex+"/") {
			return true
		}
		if ok, _ := doublestar.Match(ex, member); ok {
			return true
		}
	}
	return false
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[{`)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
