package adapters

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

func TestParsePortSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    string
		want    []int
		wantErr string
	}{
		{name: "single_port", spec: "443", want: []int{443}},
		{name: "list", spec: "22,80,443", want: []int{22, 80, 443}},
		{name: "range", spec: "8000-8002", want: []int{8000, 8001, 8002}},
		{name: "mixed_with_spaces", spec: "22, 8000-8001", want: []int{22, 8000, 8001}},
		{name: "duplicates_collapse", spec: "80,80,79-80", want: []int{80, 79}},
		{name: "port_zero", spec: "0", wantErr: "out of range"},
		{name: "port_too_high", spec: "65536", wantErr: "out of range"},
		{name: "not_a_number", spec: "https", wantErr: "invalid port"},
		{name: "inverted_range", spec: "9000-8000", wantErr: "invalid port range"},
		{name: "empty", spec: "", wantErr: "selects no ports"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parsePortSpec(tt.spec)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostFromTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		target  string
		want    string
		wantErr bool
	}{
		{name: "url_with_port_and_path", target: "https://example.com:8443/admin", want: "example.com"},
		{name: "bare_host", target: "example.com", want: "example.com"},
		{name: "host_port", target: "example.com:9090", want: "example.com"},
		{name: "ip", target: "10.0.0.7", want: "10.0.0.7"},
		{name: "url_without_host", target: "http://", wantErr: true},
		{name: "empty", target: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := hostFromTarget(tt.target)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortScanAdapterSweepsLocalListener(t *testing.T) {
	t.Parallel()

	// A listening socket accepts connects without an Accept loop; a second
	// listener is closed immediately so its port answers with a refusal.
	open, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer open.Close()
	openPort := open.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := closed.Addr().(*net.TCPAddr).Port
	require.NoError(t, closed.Close())

	adapter := NewPortScanAdapter(PortScanConfig{
		Concurrency: 4,
		DialTimeout: 500 * time.Millisecond,
		RatePerSec:  1000,
	}, logger.Noop())

	spec := scanning.RunSpec{
		JobID:   uuid.New(),
		RunID:   uuid.New(),
		Target:  "127.0.0.1",
		Options: map[string]any{"ports": fmt.Sprintf("%d,%d", openPort, closedPort)},
	}

	handle, err := adapter.Start(context.Background(), spec)
	require.NoError(t, err)

	updates := drainRun(t, handle)
	terminal := updates[len(updates)-1]
	require.True(t, terminal.Done)
	require.NoError(t, terminal.Err)

	findings := collectFindings(updates)
	require.Len(t, findings, 1, "only the listening port should be reported")

	f := findings[0]
	assert.Equal(t, EnginePortScan, f.EngineName())
	assert.Equal(t, spec.RunID, f.RunID())
	assert.Equal(t, fmt.Sprintf("port_127.0.0.1_%d_tcp", openPort), f.NaturalKey())
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(openPort)), f.Location())
	assert.Equal(t, scanning.SeverityLow, f.Severity(), "ephemeral ports carry no known service risk")
	assert.NotEmpty(t, f.Remediation())

	var final scanning.RunUpdate
	for _, u := range updates {
		if !u.Done && u.Finding == nil {
			final = u
		}
	}
	assert.Equal(t, 1.0, final.Fraction)
	assert.Contains(t, final.Message, "sweep completed")
}

func TestPortScanAdapterStartValidation(t *testing.T) {
	t.Parallel()

	adapter := NewPortScanAdapter(PortScanConfig{}, logger.Noop())

	_, err := adapter.Start(context.Background(), scanning.RunSpec{Target: ""})
	require.ErrorContains(t, err, "no host in target")

	_, err = adapter.Start(context.Background(), scanning.RunSpec{
		Target:  "127.0.0.1",
		Options: map[string]any{"ports": "not-ports"},
	})
	require.ErrorContains(t, err, "invalid port")
}

func TestPortScanAdapterClassifiesKnownServices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		port     int
		service  string
		severity scanning.Severity
	}{
		{port: 23, service: "telnet", severity: scanning.SeverityHigh},
		{port: 3389, service: "rdp", severity: scanning.SeverityHigh},
		{port: 22, service: "ssh", severity: scanning.SeverityMedium},
		{port: 443, service: "https", severity: scanning.SeverityMedium},
		{port: 48555, service: "", severity: scanning.SeverityLow},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.port), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.service, serviceName(tt.port))
			assert.Equal(t, tt.severity, assessPortSeverity(tt.port, serviceName(tt.port)))
			assert.NotEmpty(t, portRemediation(tt.port, serviceName(tt.port)))
		})
	}
}
