// package skills resolves, verifies, and installs new capability
// implementations through a supply-chain trust boundary: pinned references,
// allow/deny lists, bundle checksums, and trust-anchor signatures.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFileName is the manifest's file name inside a bundle.
const ManifestFileName = "manifest.json"

// SignatureAlgorithmHMACSHA256 is the only supported signature algorithm.
const SignatureAlgorithmHMACSHA256 = "hmac-sha256"

// Permissions declares what an installed skill is allowed to reach.
type Permissions struct {
	AllowedEgressHosts []string `json:"allowedEgressHosts,omitempty"`
	Commands           []string `json:"commands,omitempty"`
}

// Manifest describes one published skill version. A version is immutable once
// published; installation requires a pinned name@version reference.
type Manifest struct {
	Name               string      `json:"name"`
	Version            string      `json:"version"`
	Description        string      `json:"description,omitempty"`
	Entrypoint         string      `json:"entrypoint,omitempty"`
	Checksum           string      `json:"checksum,omitempty"`
	Signature          string      `json:"signature,omitempty"`
	SignatureAlgorithm string      `json:"signatureAlgorithm,omitempty"`
	SignatureKeyID     string      `json:"signatureKeyId,omitempty"`
	Permissions        Permissions `json:"permissions,omitempty"`
}

// LoadManifest reads and validates the manifest file in bundleDir.
func LoadManifest(bundleDir string) (Manifest, error) {
	b, err := os.ReadFile(filepath.Join(bundleDir, ManifestFileName))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" || m.Version == "" {
		return Manifest{}, fmt.Errorf("manifest requires name and version")
	}
	return m, nil
}

// Reference is a parsed skill reference.
type Reference struct {
	Name    string
	Version string
}

// Pinned reports whether the reference fixes an exact version. Floating tags
// ("latest") do not count.
func (r Reference) Pinned() bool {
	return r.Version != "" && r.Version != "latest"
}

func (r Reference) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// ParseReference splits "name@version" (version optional).
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, fmt.Errorf("empty skill reference")
	}
	name, version, found := strings.Cut(raw, "@")
	if name == "" {
		return Reference{}, fmt.Errorf("skill reference %q has no name", raw)
	}
	if found && version == "" {
		return Reference{}, fmt.Errorf("skill reference %q has empty version", raw)
	}
	return Reference{Name: name, Version: version}, nil
}

// SanitizeVersion makes a version string safe as a directory name.
func SanitizeVersion(version string) string {
	var b strings.Builder
	for _, r := range version {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
