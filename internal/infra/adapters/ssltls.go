package adapters

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

// EngineSSLTLS is the registered name of the TLS inspection engine.
const EngineSSLTLS = "ssl_tls"

const (
	defaultTLSDialTimeout = 10 * time.Second

	// certExpiryWarningWindow flags certificates expiring soon enough that
	// rotation should already be scheduled.
	certExpiryWarningWindow = 30 * 24 * time.Hour
)

// SSLTLSConfig configures the TLS inspection engine.
type SSLTLSConfig struct {
	// DialTimeout bounds each handshake attempt.
	DialTimeout time.Duration
}

var _ scanning.EngineAdapter = (*SSLTLSAdapter)(nil)

// SSLTLSAdapter inspects a target's TLS endpoint directly: one full
// handshake for certificate checks, then per-version probes for legacy
// protocol support.
type SSLTLSAdapter struct {
	cfg    SSLTLSConfig
	logger *logger.Logger
}

// NewSSLTLSAdapter creates the ssl_tls engine adapter.
func NewSSLTLSAdapter(cfg SSLTLSConfig, log *logger.Logger) *SSLTLSAdapter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultTLSDialTimeout
	}
	return &SSLTLSAdapter{cfg: cfg, logger: log.With("component", "ssl_tls_adapter")}
}

// Name returns the engine's registered name.
func (a *SSLTLSAdapter) Name() string { return EngineSSLTLS }

// HealthCheck always succeeds: inspection runs in-process and needs no
// external tool.
func (a *SSLTLSAdapter) HealthCheck(context.Context) error { return nil }

// Start resolves the TLS endpoint from the target and launches inspection.
func (a *SSLTLSAdapter) Start(ctx context.Context, spec scanning.RunSpec) (scanning.RunHandle, error) {
	host, port, err := tlsEndpoint(spec.Target)
	if err != nil {
		return nil, err
	}

	a.logger.Info(ctx, "starting tls inspection",
		"job_id", spec.JobID, "run_id", spec.RunID, "host", host, "port", port)

	s := newSession(ctx)
	s.run(func(ctx context.Context) error {
		return a.inspect(ctx, s, spec.RunID, host, port)
	})
	return s, nil
}

// tlsEndpoint derives the host and TLS port to inspect. An explicit port on
// the target wins; otherwise 443.
func tlsEndpoint(target string) (string, string, error) {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return "", "", fmt.Errorf("no host in target %q", target)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return u.Hostname(), port, nil
}

func (a *SSLTLSAdapter) inspect(ctx context.Context, s *session, runID uuid.UUID, host, port string) error {
	addr := net.JoinHostPort(host, port)
	s.emitProgress(0.1, fmt.Sprintf("connecting to %s", addr))

	state, err := a.handshake(ctx, addr, host, 0, 0)
	if err != nil {
		return fmt.Errorf("tls handshake with %s: %w", addr, err)
	}

	s.emitProgress(0.25, "handshake complete, inspecting certificate chain")
	for _, finding := range a.certificateFindings(runID, host, addr, state) {
		if !s.emitFinding(0.5, finding) {
			return ctx.Err()
		}
	}

	s.emitProgress(0.5, "probing legacy protocol support")
	legacyProbes := []struct {
		version  uint16
		severity scanning.Severity
	}{
		{tls.VersionTLS10, scanning.SeverityMedium},
		{tls.VersionTLS11, scanning.SeverityLow},
	}
	for i, probe := range legacyProbes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.handshake(ctx, addr, host, probe.version, probe.version); err == nil {
			if !s.emitFinding(0.5, legacyProtocolFinding(runID, host, addr, probe.version, probe.severity)) {
				return ctx.Err()
			}
		}
		s.emitProgress(0.5+0.4*float64(i+1)/float64(len(legacyProbes)), "probing legacy protocol support")
	}

	if !s.emitFinding(0.95, endpointInfoFinding(runID, host, addr, state)) {
		return ctx.Err()
	}

	s.emitProgress(1, "tls inspection completed")
	return nil
}

// handshake performs one TLS handshake, optionally pinned to a single
// protocol version. Verification is disabled so invalid certificates can be
// inspected instead of aborting the scan.
func (a *SSLTLSAdapter) handshake(ctx context.Context, addr, host string, minVersion, maxVersion uint16) (tls.ConnectionState, error) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: a.cfg.DialTimeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
			MinVersion:         minVersion,
			MaxVersion:         maxVersion,
		},
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer conn.Close()
	return conn.(*tls.Conn).ConnectionState(), nil
}

func (a *SSLTLSAdapter) certificateFindings(runID uuid.UUID, host, addr string, state tls.ConnectionState) []*scanning.Finding {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	cert := state.PeerCertificates[0]
	now := time.Now()

	var findings []*scanning.Finding
	record := func(check string, severity scanning.Severity, title, description string) {
		findings = append(findings, certFinding(runID, host, addr, cert, check, severity, title, description))
	}

	if now.After(cert.NotAfter) {
		record("expired_cert", scanning.SeverityHigh,
			"Expired TLS Certificate",
			fmt.Sprintf("The certificate for %s expired on %s", host, cert.NotAfter.Format(time.RFC3339)))
	} else if cert.NotAfter.Sub(now) < certExpiryWarningWindow {
		record("expiring_cert", scanning.SeverityLow,
			"TLS Certificate Expiring Soon",
			fmt.Sprintf("The certificate for %s expires on %s", host, cert.NotAfter.Format(time.RFC3339)))
	}

	if now.Before(cert.NotBefore) {
		record("premature_cert", scanning.SeverityMedium,
			"TLS Certificate Not Yet Valid",
			fmt.Sprintf("The certificate for %s is not valid before %s", host, cert.NotBefore.Format(time.RFC3339)))
	}

	if err := cert.VerifyHostname(host); err != nil {
		record("hostname_mismatch", scanning.SeverityHigh,
			"TLS Certificate Hostname Mismatch",
			fmt.Sprintf("The certificate presented by %s does not cover %s", addr, host))
	}

	if isSelfSigned(cert) {
		record("self_signed", scanning.SeverityMedium,
			"Self-Signed TLS Certificate",
			fmt.Sprintf("The certificate for %s is self-signed and not issued by a trusted authority", host))
	}

	return findings
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

func certFinding(runID uuid.UUID, host, addr string, cert *x509.Certificate, check string, severity scanning.Severity, title, description string) *scanning.Finding {
	evidence, _ := json.Marshal(map[string]string{
		"subject":    cert.Subject.String(),
		"issuer":     cert.Issuer.String(),
		"not_before": cert.NotBefore.Format(time.RFC3339),
		"not_after":  cert.NotAfter.Format(time.RFC3339),
	})
	f := scanning.NewFinding(
		uuid.New(), runID, EngineSSLTLS,
		fmt.Sprintf("tls_%s_%s", check, host),
		severity, severityScore(severity),
		title, description, addr,
		evidence,
	)
	return f.WithRemediation("Obtain and deploy a valid certificate from a trusted certificate authority")
}

func legacyProtocolFinding(runID uuid.UUID, host, addr string, version uint16, severity scanning.Severity) *scanning.Finding {
	name := tls.VersionName(version)
	evidence, _ := json.Marshal(map[string]string{"protocol": name})
	f := scanning.NewFinding(
		uuid.New(), runID, EngineSSLTLS,
		fmt.Sprintf("tls_legacy_%x_%s", version, host),
		severity, severityScore(severity),
		fmt.Sprintf("Legacy Protocol %s Supported", name),
		fmt.Sprintf("The server at %s accepts %s handshakes, a protocol with known weaknesses", addr, name),
		addr,
		evidence,
	)
	return f.WithRemediation("Disable TLS versions below 1.2 in the server configuration")
}

func endpointInfoFinding(runID uuid.UUID, host, addr string, state tls.ConnectionState) *scanning.Finding {
	evidence, _ := json.Marshal(map[string]string{
		"protocol":     tls.VersionName(state.Version),
		"cipher_suite": tls.CipherSuiteName(state.CipherSuite),
	})
	return scanning.NewFinding(
		uuid.New(), runID, EngineSSLTLS,
		fmt.Sprintf("tls_endpoint_%s", host),
		scanning.SeverityInfo, severityScore(scanning.SeverityInfo),
		"TLS Service Detected",
		fmt.Sprintf("%s negotiated %s with %s", addr, tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite)),
		addr,
		evidence,
	)
}
