package messaging

// Subject constants for the trust layer message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// SubjectTrustAlertsCritical carries CRITICAL operational alerts such as
	// audit storage outages and integrity failures.
	SubjectTrustAlertsCritical = "trust.alerts.critical"

	// SubjectTrustAlertsAll matches every trust alert subject.
	SubjectTrustAlertsAll = "trust.alerts.>"
)

// AlertSubject returns the subject for alerts of the given kind.
// Example: trust.alerts.storage_unavailable
func AlertSubject(kind string) string {
	return "trust.alerts." + kind
}
