package adapters

import (
	"fmt"
	"strings"

	"github.com/corvidsec/raven/internal/domain/scanning"
)

// wellKnownServices maps common TCP ports to service names for finding
// titles. Unknown ports are reported without a service label.
var wellKnownServices = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	80:    "http",
	110:   "pop3",
	135:   "msrpc",
	139:   "netbios-ssn",
	143:   "imap",
	443:   "https",
	445:   "microsoft-ds",
	993:   "imaps",
	995:   "pop3s",
	1433:  "ms-sql-s",
	1521:  "oracle",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgresql",
	6379:  "redis",
	8080:  "http-proxy",
	8443:  "https-alt",
	27017: "mongodb",
}

// highRiskPorts expose administrative or legacy services that should rarely
// face a network.
var highRiskPorts = map[int]struct{}{
	21: {}, 23: {}, 25: {}, 53: {}, 135: {}, 139: {}, 445: {},
	1433: {}, 1521: {}, 3306: {}, 3389: {}, 5432: {},
}

var mediumRiskPorts = map[int]struct{}{
	22: {}, 80: {}, 110: {}, 143: {}, 443: {}, 993: {}, 995: {},
}

var dangerousServices = []string{"telnet", "ftp", "rsh", "rlogin", "netbios", "smb"}

func serviceName(port int) string { return wellKnownServices[port] }

func assessPortSeverity(port int, service string) scanning.Severity {
	if _, high := highRiskPorts[port]; high {
		return scanning.SeverityHigh
	}
	for _, dangerous := range dangerousServices {
		if service != "" && strings.Contains(service, dangerous) {
			return scanning.SeverityHigh
		}
	}
	if _, medium := mediumRiskPorts[port]; medium {
		return scanning.SeverityMedium
	}
	return scanning.SeverityLow
}

// severityScore assigns the CVSS-style score used for findings whose source
// reports a risk class rather than a numeric score.
func severityScore(s scanning.Severity) float64 {
	switch s {
	case scanning.SeverityCritical:
		return 9.5
	case scanning.SeverityHigh:
		return 8.0
	case scanning.SeverityMedium:
		return 5.5
	case scanning.SeverityLow:
		return 3.0
	default:
		return 1.0
	}
}

var portRemediations = map[int]string{
	21:   "Replace FTP with SFTP or FTPS for secure file transfer",
	22:   "SSH is relatively secure, ensure strong authentication and latest version",
	23:   "Replace Telnet with SSH for secure remote access",
	25:   "Secure SMTP configuration and prevent open relay",
	53:   "Secure DNS server configuration and restrict zone transfers",
	80:   "Consider using HTTPS instead of HTTP for web traffic",
	110:  "Use secure POP3S or IMAP over TLS instead of plain POP3",
	135:  "Windows RPC - restrict access and apply latest security patches",
	139:  "NetBIOS - disable if not needed, restrict network access",
	143:  "Use IMAP over TLS instead of plain IMAP",
	443:  "HTTPS is secure, ensure proper TLS configuration",
	445:  "SMB - ensure latest patches and restrict network access",
	993:  "IMAPS - secure, verify TLS configuration",
	995:  "POP3S - secure, verify TLS configuration",
	1433: "MSSQL - restrict network access and use SQL authentication",
	1521: "Oracle DB - restrict network access and secure configuration",
	3306: "MySQL - restrict network access and secure configuration",
	3389: "RDP - use strong authentication and restrict network access",
	5432: "PostgreSQL - restrict network access and secure configuration",
}

func portRemediation(port int, service string) string {
	if remediation, ok := portRemediations[port]; ok {
		return remediation
	}
	switch {
	case strings.Contains(service, "telnet"):
		return "Replace Telnet with SSH for secure remote access"
	case strings.Contains(service, "ftp"):
		return "Replace FTP with SFTP or FTPS for secure file transfer"
	case service != "":
		return fmt.Sprintf("Review necessity of %s service and restrict network access if possible", service)
	default:
		return "Review necessity of this service and restrict network access if possible"
	}
}
