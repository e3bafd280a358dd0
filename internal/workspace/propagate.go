package workspace

import (
	"context"
	"fmt"
	"sort"

	bomperr "bomp/internal/errors"
	"bomp/internal/logging"
	"bomp/internal/replace"
	"bomp/internal/versioning"
	"bomp/shared/types"

	"go.uber.org/zap"
)

// Propagator bumps a Cargo workspace: matching Cargo.lock entries, member
// manifests that declare their own version, and the shared
// [workspace.package] version inherited by the rest.
type Propagator struct {
	Snapshot *shared.Snapshot
	Mode     shared.ReplacementMode
	Logger   *zap.Logger
}

func NewPropagator(snapshot *shared.Snapshot, mode shared.ReplacementMode, logger *zap.Logger) *Propagator {
	return &Propagator{
		Snapshot: snapshot,
		Mode:     mode,
		Logger:   logger,
	}
}

func (p *Propagator) String() string {
	return "cargo workspace " + p.Snapshot.RootManifest
}

// Targets lists every file the propagator may edit: the lock file, each
// member manifest and the root manifest.
func (p *Propagator) Targets() []string {
	var out []string
	if p.Snapshot.LockPath != "" {
		out = append(out, p.Snapshot.LockPath)
	}
	rootListed := false
	for _, pkg := range p.Snapshot.Packages {
		out = append(out, pkg.ManifestPath)
		rootListed = rootListed || pkg.ManifestPath == p.Snapshot.RootManifest
	}
	if !rootListed {
		out = append(out, p.Snapshot.RootManifest)
	}
	return out
}

// Plan returns at most one edit per path: the lock file first, then member
// manifests in snapshot order, then the root manifest if no member edit
// already covered it. Any parse failure aborts the whole plan.
func (p *Propagator) Plan(ctx context.Context, root string, r shared.VersionReplacement) ([]*shared.PendingEdit, error) {
	log := logging.OrNop(p.Logger)
	if p.Snapshot.Root != "" {
		root = p.Snapshot.Root
	}
	if !versioning.Valid(r.OldVersion) || !versioning.Valid(r.NewVersion) {
		return nil, bomperr.Planning(p.Snapshot.RootManifest,
			fmt.Sprintf("invalid version text: %q -> %q", r.OldVersion, r.NewVersion), nil)
	}

	targets := p.targets()
	log.Debug("Planning workspace bump",
		zap.String("from", r.OldVersion),
		zap.String("to", r.NewVersion),
		zap.Int("packages", len(targets)))

	var edits []*shared.PendingEdit
	queued := make(map[string]bool)

	if p.Snapshot.LockPath != "" {
		edit, err := planLock(root, p.Snapshot.LockPath, targets, r)
		if err != nil {
			return nil, err
		}
		if edit != nil {
			edits = append(edits, edit)
			queued[edit.Path] = true
		}
	}

	for _, pkg := range p.Snapshot.Packages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !targets[pkg.Name] {
			continue
		}
		if pkg.Inherited {
			log.Debug("Skipping inherited version", zap.String("package", pkg.Name))
			continue
		}
		if queued[shared.CleanPath(pkg.ManifestPath)] {
			continue
		}
		edit, err := p.planMember(root, pkg, r)
		if err != nil {
			return nil, err
		}
		if edit != nil {
			edits = append(edits, edit)
			queued[edit.Path] = true
		}
	}

	rootManifest := shared.CleanPath(p.Snapshot.RootManifest)
	if rootManifest != "" && !queued[rootManifest] {
		edit, err := planRoot(root, rootManifest, r)
		if err != nil {
			return nil, err
		}
		if edit != nil {
			edits = append(edits, edit)
		}
	}

	log.Info("Planned workspace bump", zap.Int("edits", len(edits)))
	return edits, nil
}

// targets is the selected member set; unknown explicit names are ignored.
func (p *Propagator) targets() map[string]bool {
	out := make(map[string]bool, len(p.Snapshot.Packages))
	for _, pkg := range p.Snapshot.Packages {
		if p.Mode.IsAutodetect() || p.Mode.Packages[pkg.Name] {
			out[pkg.Name] = true
		}
	}
	return out
}

func planLock(root, lockPath string, targets map[string]bool, r shared.VersionReplacement) (*shared.PendingEdit, error) {
	lockPath = shared.CleanPath(lockPath)
	content, perm, err := replace.ReadTarget(root, lockPath)
	if err != nil {
		return nil, err
	}
	lock, err := parseLock(content)
	if err != nil {
		return nil, bomperr.Planning(lockPath, "parsing lock file", err)
	}

	expected := 0
	for _, pkg := range lock.Package {
		if targets[pkg.Name] && pkg.Version == r.OldVersion {
			expected++
		}
	}
	if expected == 0 {
		return nil, nil
	}

	names := make(map[int]string)
	versions := make(map[int]tomlValue)
	for _, v := range scanValues(content) {
		if v.Index < 0 {
			continue
		}
		switch v.Key {
		case "package.name":
			names[v.Index] = v.Value
		case "package.version":
			versions[v.Index] = v
		}
	}

	var spans []replace.Span
	for i := 0; i < len(lock.Package); i++ {
		v, ok := versions[i]
		if !ok || !targets[names[i]] || v.Value != r.OldVersion {
			continue
		}
		spans = append(spans, v.Span)
	}
	if len(spans) != expected {
		return nil, bomperr.Planning(lockPath,
			fmt.Sprintf("located %d of %d lock file entries to rewrite", len(spans), expected), nil)
	}

	out, err := replace.Splice(content, spans, []byte(r.NewVersion))
	if err != nil {
		return nil, bomperr.Planning(lockPath, "rewriting lock file", err)
	}
	return &shared.PendingEdit{Path: lockPath, Content: out, Perm: perm}, nil
}

// planMember rewrites a member's own version. When the member manifest is
// also the workspace root, the shared version is rewritten in the same
// document so the root is queued once.
func (p *Propagator) planMember(root string, pkg shared.WorkspacePackage, r shared.VersionReplacement) (*shared.PendingEdit, error) {
	manifestPath := shared.CleanPath(pkg.ManifestPath)
	content, perm, err := replace.ReadTarget(root, manifestPath)
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(content)
	if err != nil {
		return nil, bomperr.Planning(manifestPath, "parsing manifest", err)
	}
	if m.Package == nil {
		return nil, bomperr.Planning(manifestPath, "manifest has no [package] table", nil)
	}
	version, inherited, err := m.Package.declared()
	if err != nil {
		return nil, bomperr.Planning(manifestPath, "reading package version", err)
	}
	if inherited || version != r.OldVersion {
		return nil, nil
	}

	values := scanValues(content)
	spans, err := locate(values, manifestPath, "package.version", r.OldVersion)
	if err != nil {
		return nil, err
	}
	if manifestPath == shared.CleanPath(p.Snapshot.RootManifest) && m.sharedVersion() == r.OldVersion {
		more, err := locate(values, manifestPath, "workspace.package.version", r.OldVersion)
		if err != nil {
			return nil, err
		}
		spans = append(spans, more...)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	out, err := replace.Splice(content, spans, []byte(r.NewVersion))
	if err != nil {
		return nil, bomperr.Planning(manifestPath, "rewriting manifest", err)
	}
	return &shared.PendingEdit{Path: manifestPath, Content: out, Perm: perm}, nil
}

func planRoot(root, manifestPath string, r shared.VersionReplacement) (*shared.PendingEdit, error) {
	content, perm, err := replace.ReadTarget(root, manifestPath)
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(content)
	if err != nil {
		return nil, bomperr.Planning(manifestPath, "parsing workspace manifest", err)
	}
	if m.sharedVersion() != r.OldVersion {
		return nil, nil
	}
	spans, err := locate(scanValues(content), manifestPath, "workspace.package.version", r.OldVersion)
	if err != nil {
		return nil, err
	}
	out, err := replace.Splice(content, spans, []byte(r.NewVersion))
	if err != nil {
		return nil, bomperr.Planning(manifestPath, "rewriting workspace manifest", err)
	}
	return &shared.PendingEdit{Path: manifestPath, Content: out, Perm: perm}, nil
}

// locate maps a decoded value back to its byte span; the decoder and the
// line scanner must agree or the document is left untouched.
func locate(values []tomlValue, path, key, want string) ([]replace.Span, error) {
	v, ok := lookup(values, key)
	if !ok || v.Value != want {
		return nil, bomperr.Planning(path, "cannot locate "+key+" for rewriting", nil)
	}
	return []replace.Span{v.Span}, nil
}
