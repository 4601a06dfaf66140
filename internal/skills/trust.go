package skills

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kilnworks/autopilot/internal/canonical"
)

// TrustAnchors is the map of named keys trusted to sign skill manifests.
type TrustAnchors struct {
	keys map[string]string
}

func NewTrustAnchors(keys map[string]string) *TrustAnchors {
	copied := make(map[string]string, len(keys))
	for id, secret := range keys {
		copied[id] = secret
	}
	return &TrustAnchors{keys: copied}
}

// signedBody is the manifest minus its signature fields, canonicalized.
func signedBody(m Manifest) ([]byte, error) {
	stripped := m
	stripped.Signature = ""
	stripped.SignatureAlgorithm = ""
	stripped.SignatureKeyID = ""
	return canonical.Marshal(stripped)
}

// Sign computes the hex hmac-sha256 signature of the manifest under the named
// key. Used by publishing tooling and tests.
func (t *TrustAnchors) Sign(m Manifest, keyID string) (string, error) {
	secret, ok := t.keys[keyID]
	if !ok {
		return "", installErrf(CodeUnknownTrustAnchor, "trust anchor %q not configured", keyID)
	}
	body, err := signedBody(m)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the manifest's declared signature. Unknown key ids and
// unsupported algorithms are rejected outright; the digest comparison is
// constant time, so a near-match leaks nothing.
func (t *TrustAnchors) Verify(m Manifest) error {
	if m.Signature == "" {
		return installErrf(CodeSignatureMismatch, "manifest has no signature")
	}
	if m.SignatureAlgorithm != SignatureAlgorithmHMACSHA256 {
		return installErrf(CodeUnsupportedAlgorithm, "algorithm %q not supported", m.SignatureAlgorithm)
	}
	secret, ok := t.keys[m.SignatureKeyID]
	if !ok {
		return installErrf(CodeUnknownTrustAnchor, "trust anchor %q not configured", m.SignatureKeyID)
	}

	body, err := signedBody(m)
	if err != nil {
		return installErrf(CodeSignatureMismatch, "canonicalize manifest: %v", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	declared, err := hex.DecodeString(m.Signature)
	if err != nil {
		return installErrf(CodeSignatureMismatch, "signature is not valid hex")
	}
	if !hmac.Equal(expected, declared) {
		return installErrf(CodeSignatureMismatch, "signature does not match manifest")
	}
	return nil
}
