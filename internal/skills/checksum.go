package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/kilnworks/autopilot/internal/canonical"
)

// ComputeBundleChecksum hashes the full bundle file tree: relative paths are
// sorted, each file contributes path plus content digest. The manifest file
// contributes its canonical form with the checksum and signature fields
// cleared, which breaks the circular dependency between those fields and the
// manifest that carries them. Publishers therefore checksum first, then sign.
func ComputeBundleChecksum(bundleDir string) (string, error) {
	var paths []string
	err := filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk bundle: %w", err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		content, err := os.ReadFile(filepath.Join(bundleDir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		if rel == ManifestFileName {
			content, err = manifestChecksumBytes(content)
			if err != nil {
				return "", err
			}
		}
		contentSum := sha256.Sum256(content)
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(contentSum[:])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// manifestChecksumBytes canonicalizes the manifest with its checksum and
// signature fields removed.
func manifestChecksumBytes(raw []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest for checksum: %w", err)
	}
	delete(doc, "checksum")
	delete(doc, "signature")
	delete(doc, "signatureAlgorithm")
	delete(doc, "signatureKeyId")
	canon, err := canonical.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest for checksum: %w", err)
	}
	return canon, nil
}
