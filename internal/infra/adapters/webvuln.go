package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

// EngineWebVuln is the registered name of the web vulnerability engine.
const EngineWebVuln = "web_vuln"

const (
	defaultMaxCrawlDepth = 5
	defaultPollInterval  = 2 * time.Second
)

// WebVulnConfig configures the connection to the ZAP-compatible daemon and
// the default scan behavior.
type WebVulnConfig struct {
	// BaseURL is the daemon's API address, e.g. http://127.0.0.1:8080.
	BaseURL string
	// APIKey authenticates API calls when the daemon requires one.
	APIKey string
	// MaxCrawlDepth bounds the spider's crawl (maxChildren).
	MaxCrawlDepth int
	// PollInterval is the cadence of spider/active-scan status polls.
	PollInterval time.Duration
}

var _ scanning.EngineAdapter = (*WebVulnAdapter)(nil)

// WebVulnAdapter drives a ZAP-compatible daemon through a full web scan:
// spider crawl, passive scan drain, active scan, then alert collection. The
// daemon's alerts become findings keyed on plugin, URL, and parameter.
type WebVulnAdapter struct {
	client *zapClient
	cfg    WebVulnConfig
	logger *logger.Logger
}

// NewWebVulnAdapter creates the web_vuln engine adapter.
func NewWebVulnAdapter(cfg WebVulnConfig, log *logger.Logger) *WebVulnAdapter {
	if cfg.MaxCrawlDepth <= 0 {
		cfg.MaxCrawlDepth = defaultMaxCrawlDepth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &WebVulnAdapter{
		client: newZAPClient(cfg.BaseURL, cfg.APIKey),
		cfg:    cfg,
		logger: log.With("component", "web_vuln_adapter"),
	}
}

// Name returns the engine's registered name.
func (a *WebVulnAdapter) Name() string { return EngineWebVuln }

// HealthCheck verifies the daemon answers its version endpoint.
func (a *WebVulnAdapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.version(ctx); err != nil {
		return fmt.Errorf("zap daemon unreachable: %w", err)
	}
	return nil
}

// webVulnScanOptions are the per-run overrides accepted in RunSpec.Options.
type webVulnScanOptions struct {
	maxCrawlDepth    int
	enableSpider     bool
	enableActiveScan bool
}

func (a *WebVulnAdapter) scanOptions(opts map[string]any) webVulnScanOptions {
	return webVulnScanOptions{
		maxCrawlDepth:    intOption(opts, "max_crawl_depth", a.cfg.MaxCrawlDepth),
		enableSpider:     boolOption(opts, "enable_spider", true),
		enableActiveScan: boolOption(opts, "enable_active_scan", true),
	}
}

// Start validates the target and launches the scan session.
func (a *WebVulnAdapter) Start(ctx context.Context, spec scanning.RunSpec) (scanning.RunHandle, error) {
	u, err := url.Parse(spec.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("target %q is not an absolute http(s) url", spec.Target)
	}

	a.logger.Info(ctx, "starting web vulnerability scan",
		"job_id", spec.JobID, "run_id", spec.RunID, "target", spec.Target)

	h := &webVulnHandle{session: newSession(ctx), client: a.client}
	h.session.run(func(ctx context.Context) error { return a.scan(ctx, h, spec) })
	return h, nil
}

func (a *WebVulnAdapter) scan(ctx context.Context, h *webVulnHandle, spec scanning.RunSpec) error {
	opts := a.scanOptions(spec.Options)

	h.emitProgress(0, "initializing scan")
	if _, err := a.client.version(ctx); err != nil {
		return fmt.Errorf("zap daemon unreachable: %w", err)
	}

	if opts.enableSpider {
		h.emitProgress(0.10, "starting spider crawl")
		spiderID, err := a.client.startSpider(ctx, spec.Target, opts.maxCrawlDepth)
		if err != nil {
			return fmt.Errorf("starting spider: %w", err)
		}
		h.setSpiderID(spiderID)
		if err := a.pollSpider(ctx, h, spiderID); err != nil {
			return err
		}
	}

	h.emitProgress(0.40, "spider crawl completed, waiting on passive scan")
	if err := a.waitPassiveScan(ctx, h); err != nil {
		return err
	}

	if opts.enableActiveScan {
		h.emitProgress(0.60, "starting active scan")
		ascanID, err := a.client.startActiveScan(ctx, spec.Target)
		if err != nil {
			return fmt.Errorf("starting active scan: %w", err)
		}
		h.setActiveScanID(ascanID)
		if err := a.pollActiveScan(ctx, h, ascanID); err != nil {
			return err
		}
	}

	h.emitProgress(0.90, "active scan completed, collecting alerts")
	alerts, err := a.client.alerts(ctx, spec.Target)
	if err != nil {
		return fmt.Errorf("collecting alerts: %w", err)
	}

	for _, alert := range alerts {
		if !h.emitFinding(0.95, alertToFinding(spec.RunID, alert)) {
			return ctx.Err()
		}
	}

	h.emitProgress(1, fmt.Sprintf("scan completed, %d alerts", len(alerts)))
	return nil
}

func (a *WebVulnAdapter) pollSpider(ctx context.Context, h *webVulnHandle, scanID string) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pct, err := a.client.spiderStatus(ctx, scanID)
		if err != nil {
			return fmt.Errorf("spider status: %w", err)
		}
		h.emitProgress(0.10+0.30*float64(pct)/100, fmt.Sprintf("spider crawling: %d%%", pct))
		if pct >= 100 {
			return nil
		}
	}
}

func (a *WebVulnAdapter) waitPassiveScan(ctx context.Context, h *webVulnHandle) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		records, err := a.client.recordsToScan(ctx)
		if err != nil {
			return fmt.Errorf("passive scan status: %w", err)
		}
		if records <= 0 {
			return nil
		}
		h.emitProgress(0.45, fmt.Sprintf("passive scan: %d records remaining", records))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *WebVulnAdapter) pollActiveScan(ctx context.Context, h *webVulnHandle, scanID string) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pct, err := a.client.activeScanStatus(ctx, scanID)
		if err != nil {
			return fmt.Errorf("active scan status: %w", err)
		}
		h.emitProgress(0.60+0.30*float64(pct)/100, fmt.Sprintf("active scan: %d%%", pct))
		if pct >= 100 {
			return nil
		}
	}
}

// alertToFinding maps a ZAP alert into a domain finding. The natural key ties
// dedup to the alert's plugin, URL, and parameter, matching how the daemon
// itself identifies an alert instance.
func alertToFinding(runID uuid.UUID, alert zapAlert) *scanning.Finding {
	severity, score := mapZAPRisk(alert.Risk)
	naturalKey := fmt.Sprintf("zap_%s_%s_%s", alert.PluginID, alert.URL, alert.Param)

	evidence, _ := json.Marshal(map[string]string{
		"evidence":   alert.Evidence,
		"confidence": alert.Confidence,
		"cweid":      alert.CWEID,
		"reference":  alert.Reference,
	})

	f := scanning.NewFinding(
		uuid.New(), runID, EngineWebVuln,
		naturalKey, severity, score,
		alert.Name, alert.Description, alert.URL,
		evidence,
	)
	if alert.Solution != "" {
		f.WithRemediation(alert.Solution)
	}
	return f
}

func mapZAPRisk(risk string) (scanning.Severity, float64) {
	switch risk {
	case "High":
		return scanning.SeverityHigh, 8.0
	case "Medium":
		return scanning.SeverityMedium, 5.5
	case "Low":
		return scanning.SeverityLow, 3.0
	case "Informational":
		return scanning.SeverityInfo, 1.0
	default:
		return scanning.SeverityLow, 3.0
	}
}

// webVulnHandle extends the shared session with daemon-side stop actions so
// cooperative cancellation also halts the remote spider and active scan.
type webVulnHandle struct {
	*session
	client *zapClient

	mu       sync.Mutex
	spiderID string
	ascanID  string
}

func (h *webVulnHandle) setSpiderID(id string) {
	h.mu.Lock()
	h.spiderID = id
	h.mu.Unlock()
}

func (h *webVulnHandle) setActiveScanID(id string) {
	h.mu.Lock()
	h.ascanID = id
	h.mu.Unlock()
}

// Cancel stops the daemon-side scans best-effort, then ends the session's
// scan body cooperatively.
func (h *webVulnHandle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	spiderID, ascanID := h.spiderID, h.ascanID
	h.mu.Unlock()

	var errs []error
	if spiderID != "" {
		if err := h.client.stopSpider(ctx, spiderID); err != nil {
			errs = append(errs, fmt.Errorf("stopping spider: %w", err))
		}
	}
	if ascanID != "" {
		if err := h.client.stopActiveScan(ctx, ascanID); err != nil {
			errs = append(errs, fmt.Errorf("stopping active scan: %w", err))
		}
	}

	_ = h.session.Cancel(ctx)
	return errors.Join(errs...)
}
