package capability

import "fmt"

// Machine-readable reason codes for governance outcomes. Every denial carries
// one of these plus the audit event id so operators can trace the decision.
const (
	ReasonPolicyDenied         = "POLICY_DENIED"
	ReasonTenantMismatch       = "TENANT_MISMATCH"
	ReasonQuotaExceeded        = "QUOTA_EXCEEDED"
	ReasonConnectorUnavailable = "CONNECTOR_UNAVAILABLE"
)

// DeniedError is a terminal, audited governance denial.
type DeniedError struct {
	Code         string
	Message      string
	AuditEventID string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s (audit=%s)", e.Code, e.Message, e.AuditEventID)
}

// Denied extracts a *DeniedError from err, if it is one.
func Denied(err error) (*DeniedError, bool) {
	de, ok := err.(*DeniedError)
	return de, ok
}
