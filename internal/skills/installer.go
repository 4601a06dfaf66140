package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnworks/autopilot/internal/audit"
)

// InstallerConfig carries the trust-boundary toggles.
type InstallerConfig struct {
	// SourceDir holds published bundles as <source>/<name>/<version>/.
	SourceDir string

	// InstallDir receives verified bundles as <install>/<name>/<sanitized-version>/.
	InstallDir string

	RequirePinned    bool
	RequireChecksum  bool
	RequireSignature bool

	// AllowList restricts installable references by exact name@version or bare
	// name. Empty means everything not denied.
	AllowList []string

	// DenyList blocks references outright; it is checked first and wins even
	// over an allow-list entry.
	DenyList []string
}

// InstallPlan identifies who asked for the install.
type InstallPlan struct {
	RequestedBy string
}

// InstalledSkill reports the outcome of a successful install.
type InstalledSkill struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Path              string    `json:"path"`
	ChecksumVerified  bool      `json:"checksumVerified"`
	SignatureVerified bool      `json:"signatureVerified"`
	InstalledAt       time.Time `json:"installedAt"`
	AlreadyInstalled  bool      `json:"alreadyInstalled,omitempty"`
}

// installRecord is what installed-manifest.json carries: the manifest plus
// requester and timestamp. Together with the adjacent audit.log it forms a
// skill-local audit trail independent of the global audit store.
type installRecord struct {
	Manifest          Manifest  `json:"manifest"`
	RequestedBy       string    `json:"requestedBy"`
	InstalledAt       time.Time `json:"installedAt"`
	ChecksumVerified  bool      `json:"checksumVerified"`
	SignatureVerified bool      `json:"signatureVerified"`
}

// Installer is the skill ingestion pipeline.
type Installer struct {
	cfg     InstallerConfig
	anchors *TrustAnchors
	audit   audit.Store
	logger  *log.Logger
}

func NewInstaller(cfg InstallerConfig, anchors *TrustAnchors, auditStore audit.Store, logger *log.Logger) *Installer {
	if logger == nil {
		logger = log.New(os.Stdout, "[skills] ", log.LstdFlags)
	}
	return &Installer{cfg: cfg, anchors: anchors, audit: auditStore, logger: logger}
}

// Install resolves, verifies, and installs one skill reference. Verification
// failures abort before the install path is touched; a crash mid-copy leaves
// only a temp directory, never a half-populated install.
func (i *Installer) Install(ctx context.Context, reference string, plan InstallPlan) (InstalledSkill, error) {
	ref, err := ParseReference(reference)
	if err != nil {
		return InstalledSkill{}, err
	}

	// Pinning and list checks happen before any file I/O.
	if i.cfg.RequirePinned && !ref.Pinned() {
		return i.reject(ctx, ref, plan, installErrf(CodeUnpinnedReference, "reference %q is not pinned to an exact version", ref))
	}
	if matchesList(i.cfg.DenyList, ref) {
		return i.reject(ctx, ref, plan, installErrf(CodeInstallDenied, "reference %q is deny-listed", ref))
	}
	if len(i.cfg.AllowList) > 0 && !matchesList(i.cfg.AllowList, ref) {
		return i.reject(ctx, ref, plan, installErrf(CodeInstallDenied, "reference %q is not on the allow list", ref))
	}

	bundleDir := filepath.Join(i.cfg.SourceDir, ref.Name, ref.Version)
	if fi, err := os.Stat(bundleDir); err != nil || !fi.IsDir() {
		return i.reject(ctx, ref, plan, installErrf(CodeInstallDenied, "bundle %q not found in source", ref))
	}

	manifest, err := LoadManifest(bundleDir)
	if err != nil {
		return i.reject(ctx, ref, plan, installErrf(CodeInstallDenied, "load manifest: %v", err))
	}
	if manifest.Name != ref.Name || manifest.Version != ref.Version {
		return i.reject(ctx, ref, plan, installErrf(CodeInstallDenied,
			"manifest identifies %s@%s, reference was %s", manifest.Name, manifest.Version, ref))
	}

	checksumVerified := false
	if i.cfg.RequireChecksum {
		if manifest.Checksum == "" {
			return i.reject(ctx, ref, plan, installErrf(CodeChecksumMismatch, "missing checksum in manifest"))
		}
		computed, err := ComputeBundleChecksum(bundleDir)
		if err != nil {
			return i.reject(ctx, ref, plan, installErrf(CodeChecksumMismatch, "compute checksum: %v", err))
		}
		if computed != manifest.Checksum {
			return i.reject(ctx, ref, plan, installErrf(CodeChecksumMismatch,
				"bundle checksum %s does not match manifest %s", computed, manifest.Checksum))
		}
		checksumVerified = true
	}

	signatureVerified := false
	if i.cfg.RequireSignature {
		if i.anchors == nil {
			return i.reject(ctx, ref, plan, installErrf(CodeUnknownTrustAnchor, "no trust anchors configured"))
		}
		if err := i.anchors.Verify(manifest); err != nil {
			if ie, ok := InstallFailure(err); ok {
				return i.reject(ctx, ref, plan, ie)
			}
			return InstalledSkill{}, err
		}
		signatureVerified = true
	}

	installPath := filepath.Join(i.cfg.InstallDir, ref.Name, SanitizeVersion(ref.Version))
	now := time.Now().UTC()

	if _, err := os.Stat(installPath); err == nil {
		// Versions are immutable once published; an existing install stands.
		i.appendLocalAudit(installPath, fmt.Sprintf("%s reinstall-noop %s by %s", now.Format(time.RFC3339), ref, plan.RequestedBy))
		return InstalledSkill{
			Name: ref.Name, Version: ref.Version, Path: installPath,
			ChecksumVerified: checksumVerified, SignatureVerified: signatureVerified,
			InstalledAt: now, AlreadyInstalled: true,
		}, nil
	}

	// Stage into a temp sibling, then rename so the final path appears only
	// fully populated.
	if err := os.MkdirAll(filepath.Dir(installPath), 0o755); err != nil {
		return InstalledSkill{}, fmt.Errorf("create install parent: %w", err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(installPath), ".staging-")
	if err != nil {
		return InstalledSkill{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := copyTree(bundleDir, staging); err != nil {
		return InstalledSkill{}, fmt.Errorf("copy bundle: %w", err)
	}
	record := installRecord{
		Manifest:          manifest,
		RequestedBy:       plan.RequestedBy,
		InstalledAt:       now,
		ChecksumVerified:  checksumVerified,
		SignatureVerified: signatureVerified,
	}
	recordBytes, _ := json.MarshalIndent(record, "", "  ")
	if err := os.WriteFile(filepath.Join(staging, "installed-manifest.json"), recordBytes, 0o644); err != nil {
		return InstalledSkill{}, fmt.Errorf("write installed-manifest.json: %w", err)
	}
	if err := os.Rename(staging, installPath); err != nil {
		return InstalledSkill{}, fmt.Errorf("finalize install: %w", err)
	}

	i.appendLocalAudit(installPath, fmt.Sprintf("%s installed %s by %s checksum=%t signature=%t",
		now.Format(time.RFC3339), ref, plan.RequestedBy, checksumVerified, signatureVerified))
	i.appendGlobalAudit(ctx, ref, plan, audit.ApprovalStateApproved, "")
	i.logger.Printf("installed %s at %s", ref, installPath)

	return InstalledSkill{
		Name: ref.Name, Version: ref.Version, Path: installPath,
		ChecksumVerified: checksumVerified, SignatureVerified: signatureVerified,
		InstalledAt: now,
	}, nil
}

// reject records the denial in the global audit log and returns the error.
func (i *Installer) reject(ctx context.Context, ref Reference, plan InstallPlan, ie *InstallError) (InstalledSkill, error) {
	i.appendGlobalAudit(ctx, ref, plan, audit.ApprovalStateDenied, ie.Error())
	return InstalledSkill{}, ie
}

func (i *Installer) appendGlobalAudit(ctx context.Context, ref Reference, plan InstallPlan, state, rationale string) {
	if i.audit == nil {
		return
	}
	ev := &audit.Event{
		ActorType:     audit.ActorTypeHuman,
		ActorID:       plan.RequestedBy,
		Action:        "skill.install",
		Rationale:     rationale,
		Target:        ref.String(),
		ApprovalState: state,
	}
	if err := i.audit.Append(ctx, ev); err != nil {
		i.logger.Printf("append install audit: %v", err)
	}
}

// appendLocalAudit writes the skill-local audit line next to the install.
// Intentionally redundant with the global audit store for forensic recovery.
func (i *Installer) appendLocalAudit(installPath, line string) {
	f, err := os.OpenFile(filepath.Join(installPath, "audit.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		i.logger.Printf("open local audit log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		i.logger.Printf("write local audit log: %v", err)
	}
}

// matchesList matches by exact name@version or bare name.
func matchesList(list []string, ref Reference) bool {
	for _, entry := range list {
		if entry == ref.String() || entry == ref.Name {
			return true
		}
	}
	return false
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, in); err != nil {
			return err
		}
		return out.Close()
	})
}
