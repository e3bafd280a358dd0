package workspace

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	ManifestName = "Cargo.toml"
	LockName     = "Cargo.lock"
)

type cargoManifest struct {
	Package   *cargoPackage   `toml:"package"`
	Workspace *cargoWorkspace `toml:"workspace"`
}

type cargoPackage struct {
	Name string `toml:"name"`
	// a string, or an inline table such as { workspace = true }
	Version any `toml:"version"`
}

type cargoWorkspace struct {
	Members []string               `toml:"members"`
	Exclude []string               `toml:"exclude"`
	Package *cargoWorkspacePackage `toml:"package"`
}

type cargoWorkspacePackage struct {
	Version string `toml:"version"`
}

type cargoLock struct {
	Package []cargoLockPackage `toml:"package"`
}

type cargoLockPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

func parseManifest(data []byte) (*cargoManifest, error) {
	var m cargoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func parseLock(data []byte) (*cargoLock, error) {
	var l cargoLock
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// declared resolves the package version field. A missing version yields
// ("", false).
func (p *cargoPackage) declared() (version string, inherited bool, err error) {
	switch v := p.Version.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, false, nil
	case map[string]any:
		if ws, ok := v["workspace"].(bool); ok && ws {
			return "", true, nil
		}
		return "", false, fmt.Errorf("package.version table must be { workspace = true }")
	default:
		return "", false, fmt.Errorf("package.version has unsupported type %T", v)
	}
}

// sharedVersion is the [workspace.package] version members may inherit.
func (m *cargoManifest) sharedVersion() string {
	if m.Workspace == nil || m.Workspace.Package == nil {
		return ""
	}
	return m.Workspace.Package.Version
}
