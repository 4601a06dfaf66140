package skills_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/skills"
)

const anchorKey = "studio-release"

func testAnchors() *skills.TrustAnchors {
	return skills.NewTrustAnchors(map[string]string{anchorKey: "release-signing-secret"})
}

// publishBundle lays out <sourceDir>/<name>/<version>/ the way release tooling
// would: files first, then checksum, then signature.
func publishBundle(t *testing.T, sourceDir string, m skills.Manifest, files map[string]string, anchors *skills.TrustAnchors) {
	t.Helper()
	dir := filepath.Join(sourceDir, m.Name, m.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir bundle: %v", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	writeManifest := func(m skills.Manifest) {
		b, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			t.Fatalf("marshal manifest: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, skills.ManifestFileName), b, 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	writeManifest(m)

	sum, err := skills.ComputeBundleChecksum(dir)
	if err != nil {
		t.Fatalf("compute checksum: %v", err)
	}
	m.Checksum = sum
	writeManifest(m)

	if anchors != nil {
		sig, err := anchors.Sign(m, anchorKey)
		if err != nil {
			t.Fatalf("sign manifest: %v", err)
		}
		m.Signature = sig
		m.SignatureAlgorithm = skills.SignatureAlgorithmHMACSHA256
		m.SignatureKeyID = anchorKey
		writeManifest(m)
	}
}

func newTestInstaller(t *testing.T, cfg skills.InstallerConfig) (*skills.Installer, string, string) {
	t.Helper()
	if cfg.SourceDir == "" {
		cfg.SourceDir = t.TempDir()
	}
	if cfg.InstallDir == "" {
		cfg.InstallDir = t.TempDir()
	}
	inst := skills.NewInstaller(cfg, testAnchors(), audit.NewFileStore(t.TempDir()), nil)
	return inst, cfg.SourceDir, cfg.InstallDir
}

func plannerManifest() skills.Manifest {
	return skills.Manifest{
		Name:       "glaze-planner",
		Version:    "1.0.0",
		Entrypoint: "plan.star",
		Permissions: skills.Permissions{
			AllowedEgressHosts: []string{"portal.internal"},
		},
	}
}

func TestInstallVerifiedBundle(t *testing.T) {
	inst, src, installDir := newTestInstaller(t, skills.InstallerConfig{
		RequirePinned:    true,
		RequireChecksum:  true,
		RequireSignature: true,
	})
	publishBundle(t, src, plannerManifest(), map[string]string{"plan.star": "plan()"}, testAnchors())

	got, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !got.ChecksumVerified || !got.SignatureVerified {
		t.Fatalf("verification flags not set: %+v", got)
	}
	if got.AlreadyInstalled {
		t.Fatalf("fresh install flagged as reinstall")
	}

	wantDir := filepath.Join(installDir, "glaze-planner", "1.0.0")
	if got.Path != wantDir {
		t.Fatalf("unexpected install path %s", got.Path)
	}
	for _, name := range []string{"plan.star", skills.ManifestFileName, "installed-manifest.json", "audit.log"} {
		if _, err := os.Stat(filepath.Join(wantDir, name)); err != nil {
			t.Fatalf("missing %s in install: %v", name, err)
		}
	}

	// installed-manifest.json carries the requester for the skill-local trail.
	b, err := os.ReadFile(filepath.Join(wantDir, "installed-manifest.json"))
	if err != nil {
		t.Fatalf("read installed-manifest.json: %v", err)
	}
	var record struct {
		RequestedBy string `json:"requestedBy"`
	}
	if err := json.Unmarshal(b, &record); err != nil {
		t.Fatalf("parse installed-manifest.json: %v", err)
	}
	if record.RequestedBy != "ops-1" {
		t.Fatalf("requester not recorded: %+v", record)
	}
}

func TestInstallRejectsUnpinnedReference(t *testing.T) {
	inst, _, installDir := newTestInstaller(t, skills.InstallerConfig{RequirePinned: true})

	for _, ref := range []string{"glaze-planner", "glaze-planner@latest"} {
		_, err := inst.Install(context.Background(), ref, skills.InstallPlan{RequestedBy: "ops-1"})
		ie, ok := skills.InstallFailure(err)
		if !ok || ie.Code != skills.CodeUnpinnedReference {
			t.Fatalf("reference %q: expected UNPINNED_REFERENCE, got %v", ref, err)
		}
	}
	if entries, _ := os.ReadDir(installDir); len(entries) != 0 {
		t.Fatalf("rejected installs must not touch the install dir")
	}
}

func TestDenyListWinsOverAllowList(t *testing.T) {
	src := t.TempDir()
	publishBundle(t, src, plannerManifest(), map[string]string{"plan.star": "plan()"}, nil)

	inst, _, _ := newTestInstaller(t, skills.InstallerConfig{
		SourceDir: src,
		AllowList: []string{"glaze-planner"},
		DenyList:  []string{"glaze-planner@1.0.0"},
	})
	_, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	ie, ok := skills.InstallFailure(err)
	if !ok || ie.Code != skills.CodeInstallDenied {
		t.Fatalf("expected INSTALL_DENIED, got %v", err)
	}
}

func TestAllowListExcludesOthers(t *testing.T) {
	src := t.TempDir()
	publishBundle(t, src, plannerManifest(), map[string]string{"plan.star": "plan()"}, nil)

	inst, _, _ := newTestInstaller(t, skills.InstallerConfig{
		SourceDir: src,
		AllowList: []string{"some-other-skill"},
	})
	_, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	ie, ok := skills.InstallFailure(err)
	if !ok || ie.Code != skills.CodeInstallDenied {
		t.Fatalf("expected INSTALL_DENIED, got %v", err)
	}
}

func TestInstallRejectsMissingChecksum(t *testing.T) {
	src := t.TempDir()
	// Publish without the checksum step: manifest carries no checksum field.
	dir := filepath.Join(src, "glaze-planner", "1.0.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	b, _ := json.Marshal(plannerManifest())
	if err := os.WriteFile(filepath.Join(dir, skills.ManifestFileName), b, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	inst, _, installDir := newTestInstaller(t, skills.InstallerConfig{SourceDir: src, RequireChecksum: true})
	_, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	ie, ok := skills.InstallFailure(err)
	if !ok || ie.Code != skills.CodeChecksumMismatch {
		t.Fatalf("expected CHECKSUM_MISMATCH, got %v", err)
	}
	if entries, _ := os.ReadDir(installDir); len(entries) != 0 {
		t.Fatalf("rejected installs must not touch the install dir")
	}
}

func TestInstallRejectsTamperedBundle(t *testing.T) {
	src := t.TempDir()
	publishBundle(t, src, plannerManifest(), map[string]string{"plan.star": "plan()"}, nil)

	// Flip content after publish.
	tampered := filepath.Join(src, "glaze-planner", "1.0.0", "plan.star")
	if err := os.WriteFile(tampered, []byte("exfiltrate()"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	inst, _, installDir := newTestInstaller(t, skills.InstallerConfig{SourceDir: src, RequireChecksum: true})
	_, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	ie, ok := skills.InstallFailure(err)
	if !ok || ie.Code != skills.CodeChecksumMismatch {
		t.Fatalf("expected CHECKSUM_MISMATCH, got %v", err)
	}
	if entries, _ := os.ReadDir(installDir); len(entries) != 0 {
		t.Fatalf("no partial install may remain, found %v", entries)
	}
}

func TestInstallRejectsForgedSignature(t *testing.T) {
	src := t.TempDir()
	// Signed by a key the installer does not trust (same id, different secret).
	forger := skills.NewTrustAnchors(map[string]string{anchorKey: "not-the-real-secret"})
	publishBundle(t, src, plannerManifest(), map[string]string{"plan.star": "plan()"}, forger)

	inst, _, _ := newTestInstaller(t, skills.InstallerConfig{
		SourceDir:        src,
		RequireChecksum:  true,
		RequireSignature: true,
	})
	_, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	ie, ok := skills.InstallFailure(err)
	if !ok || ie.Code != skills.CodeSignatureMismatch {
		t.Fatalf("expected SIGNATURE_MISMATCH, got %v", err)
	}
}

func TestReinstallIsNoop(t *testing.T) {
	src := t.TempDir()
	publishBundle(t, src, plannerManifest(), map[string]string{"plan.star": "plan()"}, nil)
	inst, _, _ := newTestInstaller(t, skills.InstallerConfig{SourceDir: src, RequireChecksum: true})

	first, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	if err != nil {
		t.Fatalf("first install: %v", err)
	}
	second, err := inst.Install(context.Background(), "glaze-planner@1.0.0", skills.InstallPlan{RequestedBy: "ops-2"})
	if err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if !second.AlreadyInstalled {
		t.Fatalf("reinstall should be flagged: %+v", second)
	}
	if second.Path != first.Path {
		t.Fatalf("reinstall must resolve to the same path")
	}
}

func TestInstallUnknownBundle(t *testing.T) {
	inst, _, _ := newTestInstaller(t, skills.InstallerConfig{})
	_, err := inst.Install(context.Background(), "no-such-skill@1.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	ie, ok := skills.InstallFailure(err)
	if !ok || ie.Code != skills.CodeInstallDenied {
		t.Fatalf("expected INSTALL_DENIED for missing bundle, got %v", err)
	}
}

func TestInstallRejectsManifestIdentityMismatch(t *testing.T) {
	src := t.TempDir()
	m := plannerManifest()
	publishBundle(t, src, m, map[string]string{"plan.star": "plan()"}, nil)

	// Move the bundle so the path claims a different version than the manifest.
	oldDir := filepath.Join(src, m.Name, "1.0.0")
	newDir := filepath.Join(src, m.Name, "2.0.0")
	if err := os.Rename(oldDir, newDir); err != nil {
		t.Fatalf("rename: %v", err)
	}

	inst, _, _ := newTestInstaller(t, skills.InstallerConfig{SourceDir: src})
	_, err := inst.Install(context.Background(), "glaze-planner@2.0.0", skills.InstallPlan{RequestedBy: "ops-1"})
	ie, ok := skills.InstallFailure(err)
	if !ok || ie.Code != skills.CodeInstallDenied {
		t.Fatalf("expected INSTALL_DENIED for identity mismatch, got %v", err)
	}
}

func TestBundleChecksumIgnoresSignatureFields(t *testing.T) {
	src := t.TempDir()
	m := plannerManifest()
	publishBundle(t, src, m, map[string]string{"plan.star": "plan()"}, testAnchors())

	dir := filepath.Join(src, m.Name, m.Version)
	manifest, err := skills.LoadManifest(dir)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	computed, err := skills.ComputeBundleChecksum(dir)
	if err != nil {
		t.Fatalf("compute checksum: %v", err)
	}
	if computed != manifest.Checksum {
		t.Fatalf("signing must not invalidate the checksum: computed %s manifest %s", computed, manifest.Checksum)
	}
}
