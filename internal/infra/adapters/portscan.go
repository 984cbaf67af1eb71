package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

// EnginePortScan is the registered name of the port sweep engine.
const EnginePortScan = "port_scan"

const (
	defaultPortSpec    = "1-1000"
	defaultConcurrency = 64
	defaultDialTimeout = 2 * time.Second
	defaultRatePerSec  = 500
)

// PortScanConfig configures the TCP connect sweep.
type PortScanConfig struct {
	// Ports is the sweep range, e.g. "1-1000" or "22,80,443,8000-8100".
	Ports string
	// Concurrency bounds the number of parallel connection attempts.
	Concurrency int
	// DialTimeout is the per-port connection timeout.
	DialTimeout time.Duration
	// RatePerSec caps connection attempts per second across all workers.
	RatePerSec int
}

var _ scanning.EngineAdapter = (*PortScanAdapter)(nil)

// PortScanAdapter sweeps a target's TCP ports with direct connect probes.
// Open ports become findings classified by the port's typical service risk.
type PortScanAdapter struct {
	cfg    PortScanConfig
	logger *logger.Logger
}

// NewPortScanAdapter creates the port_scan engine adapter.
func NewPortScanAdapter(cfg PortScanConfig, log *logger.Logger) *PortScanAdapter {
	if cfg.Ports == "" {
		cfg.Ports = defaultPortSpec
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	return &PortScanAdapter{cfg: cfg, logger: log.With("component", "port_scan_adapter")}
}

// Name returns the engine's registered name.
func (a *PortScanAdapter) Name() string { return EnginePortScan }

// HealthCheck always succeeds: the sweep runs in-process and needs no
// external tool.
func (a *PortScanAdapter) HealthCheck(context.Context) error { return nil }

// Start validates the target and port specification, then launches the sweep.
func (a *PortScanAdapter) Start(ctx context.Context, spec scanning.RunSpec) (scanning.RunHandle, error) {
	host, err := hostFromTarget(spec.Target)
	if err != nil {
		return nil, err
	}

	ports, err := parsePortSpec(stringOption(spec.Options, "ports", a.cfg.Ports))
	if err != nil {
		return nil, err
	}

	concurrency := intOption(spec.Options, "concurrency", a.cfg.Concurrency)
	if concurrency <= 0 {
		concurrency = a.cfg.Concurrency
	}

	a.logger.Info(ctx, "starting port sweep",
		"job_id", spec.JobID, "run_id", spec.RunID, "host", host, "ports", len(ports))

	s := newSession(ctx)
	s.run(func(ctx context.Context) error {
		return a.sweep(ctx, s, spec.RunID, host, ports, concurrency)
	})
	return s, nil
}

type portResult struct {
	port int
	open bool
}

func (a *PortScanAdapter) sweep(
	ctx context.Context,
	s *session,
	runID uuid.UUID,
	host string,
	ports []int,
	concurrency int,
) error {
	total := len(ports)
	s.emitProgress(0, fmt.Sprintf("starting port sweep of %s, %d ports", host, total))

	limiter := rate.NewLimiter(rate.Limit(a.cfg.RatePerSec), a.cfg.RatePerSec)
	results := make(chan portResult, concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var sweepErr error
	go func() {
		for _, port := range ports {
			port := port
			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				res := portResult{port: port, open: a.probe(gctx, host, port)}
				select {
				case results <- res:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		sweepErr = g.Wait()
		close(results)
	}()

	// One reporting step per ~5% keeps the update stream proportional to the
	// sweep size instead of per-port.
	step := total / 20
	if step == 0 {
		step = 1
	}

	var scanned, open int
	for res := range results {
		scanned++
		fraction := float64(scanned) / float64(total)
		if res.open {
			open++
			if !s.emitFinding(fraction, openPortFinding(runID, host, res.port)) {
				return ctx.Err()
			}
		}
		if scanned%step == 0 || scanned == total {
			s.emitProgress(fraction, fmt.Sprintf("swept %d of %d ports, %d open", scanned, total, open))
		}
	}

	if sweepErr != nil {
		return sweepErr
	}
	s.emitProgress(1, fmt.Sprintf("sweep completed, %d open ports", open))
	return nil
}

func (a *PortScanAdapter) probe(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// parsePortSpec expands a comma-separated list of ports and inclusive ranges
// into a deduplicated slice, e.g. "22,80,8000-8002" -> [22 80 8000 8001 8002].
func parsePortSpec(spec string) ([]int, error) {
	var ports []int
	seen := make(map[int]struct{})

	add := func(p int) error {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			ports = append(ports, p)
		}
		return nil
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, isRange := strings.Cut(part, "-"); isRange {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			end, err := strconv.Atoi(hi)
			if err != nil || end < start {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			for p := start; p <= end; p++ {
				if err := add(p); err != nil {
					return nil, err
				}
			}
			continue
		}

		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		if err := add(p); err != nil {
			return nil, err
		}
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("port specification %q selects no ports", spec)
	}
	return ports, nil
}

// hostFromTarget extracts the bare hostname from a URL or host[:port] target.
func hostFromTarget(target string) (string, error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			return "", fmt.Errorf("no host in target %q", target)
		}
		return u.Hostname(), nil
	}

	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if host == "" {
		return "", fmt.Errorf("no host in target %q", target)
	}
	return host, nil
}

func openPortFinding(runID uuid.UUID, host string, port int) *scanning.Finding {
	service := serviceName(port)

	title := fmt.Sprintf("Open Port %d/TCP", port)
	description := fmt.Sprintf("Port %d is open on %s", port, host)
	if service != "" {
		title += " - " + service
		description += " running " + service
	}

	severity := assessPortSeverity(port, service)
	evidence, _ := json.Marshal(map[string]any{
		"port":     port,
		"protocol": "tcp",
		"service":  service,
	})

	f := scanning.NewFinding(
		uuid.New(), runID, EnginePortScan,
		fmt.Sprintf("port_%s_%d_tcp", host, port),
		severity, severityScore(severity),
		title, description,
		net.JoinHostPort(host, strconv.Itoa(port)),
		evidence,
	)
	if remediation := portRemediation(port, service); remediation != "" {
		f.WithRemediation(remediation)
	}
	return f
}
