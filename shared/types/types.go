// shared/types/types.go
package shared

import (
	"io/fs"
	"path"
	"strings"
)

// VersionReplacement is the old -> new version intent of one invocation.
type VersionReplacement struct {
	OldVersion string `json:"old_version" yaml:"old_version"`
	NewVersion string `json:"new_version" yaml:"new_version"`
}

// Mode selects the substitution strategy for a tracked file.
type Mode int

const (
	// Direct replaces every literal occurrence of the old version.
	Direct Mode = iota
	// ContextVerified replaces only occurrences whose two preceding lines
	// match a verification pattern.
	ContextVerified
)

func (m Mode) String() string {
	switch m {
	case Direct:
		return "direct"
	case ContextVerified:
		return "context-verified"
	default:
		return "unknown"
	}
}

// TargetFileSpec declares how one tracked file is edited.
type TargetFileSpec struct {
	Path                string `json:"path"`
	Mode                Mode   `json:"mode"`
	VerificationPattern string `json:"verification_pattern,omitempty"`
}

// PendingEdit is the fully computed replacement content of one file.
//
// Path is slash separated and relative to the project root. Content is owned
// by the edit until a sink consumes it with Release.
type PendingEdit struct {
	Path    string      `json:"path"`
	Content []byte      `json:"-"`
	Perm    fs.FileMode `json:"perm"`
}

// Release drops the staged bytes once the edit has been consumed.
func (e *PendingEdit) Release() {
	e.Content = nil
}

// Released reports whether the edit was already consumed.
func (e *PendingEdit) Released() bool {
	return e.Content == nil
}

// CleanPath normalizes a logical path to the slash separated form used as
// the identity of an edit.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// WorkspacePackage is a read-only snapshot of one workspace member.
// DeclaredVersion is empty when Inherited is set.
type WorkspacePackage struct {
	Name            string `json:"name"`
	ManifestPath    string `json:"manifest_path"`
	DeclaredVersion string `json:"declared_version,omitempty"`
	Inherited       bool   `json:"inherited"`
}

// ReplacementMode selects which workspace members the propagator bumps.
// A nil Packages set means every member (autodetect).
type ReplacementMode struct {
	Packages map[string]bool
}

// Autodetect selects every workspace member.
func Autodetect() ReplacementMode {
	return ReplacementMode{}
}

// ExplicitList selects the named members only.
func ExplicitList(names ...string) ReplacementMode {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return ReplacementMode{Packages: set}
}

// IsAutodetect reports whether every member is selected.
func (m ReplacementMode) IsAutodetect() bool {
	return m.Packages == nil
}

// Snapshot is the workspace view handed to the propagator.
// Paths are relative to Root; LockPath is empty when the workspace has no
// lock file.
type Snapshot struct {
	Root         string             `json:"root"`
	RootManifest string             `json:"root_manifest"`
	LockPath     string             `json:"lock_path,omitempty"`
	Packages     []WorkspacePackage `json:"packages"`
}
