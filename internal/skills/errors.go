package skills

import "fmt"

// Verification and installation failure codes.
const (
	CodeInstallDenied        = "INSTALL_DENIED"
	CodeUnpinnedReference    = "UNPINNED_REFERENCE"
	CodeChecksumMismatch     = "CHECKSUM_MISMATCH"
	CodeSignatureMismatch    = "SIGNATURE_MISMATCH"
	CodeUnknownTrustAnchor   = "UNKNOWN_TRUST_ANCHOR"
	CodeUnsupportedAlgorithm = "UNSUPPORTED_SIGNATURE_ALGORITHM"
)

// InstallError is a terminal installation failure. No partial install is left
// on disk when one is returned.
type InstallError struct {
	Code    string
	Message string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func installErrf(code, format string, args ...interface{}) *InstallError {
	return &InstallError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InstallFailure extracts an *InstallError from err, if it is one.
func InstallFailure(err error) (*InstallError, bool) {
	ie, ok := err.(*InstallError)
	return ie, ok
}
