package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
)

// zapClient is a minimal client for the ZAP daemon's JSON API, covering the
// endpoints the web_vuln adapter drives. ZAP encodes every value as a string,
// including numeric scan identifiers and percentages.
type zapClient struct {
	httpc *resty.Client
}

func newZAPClient(baseURL, apiKey string) *zapClient {
	httpc := resty.New()
	httpc.SetBaseURL(baseURL)
	if apiKey != "" {
		httpc.SetHeader("X-ZAP-API-Key", apiKey)
	}
	return &zapClient{httpc: httpc}
}

// zapAlert is one alert record from /JSON/core/view/alerts/.
type zapAlert struct {
	Name        string `json:"name"`
	Risk        string `json:"risk"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Param       string `json:"param"`
	Evidence    string `json:"evidence"`
	Solution    string `json:"solution"`
	Reference   string `json:"reference"`
	Confidence  string `json:"confidence"`
	PluginID    string `json:"pluginId"`
	CWEID       string `json:"cweid"`
}

func (c *zapClient) version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/JSON/core/view/version/")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%d on version check", resp.StatusCode())
	}
	return out.Version, nil
}

func (c *zapClient) startSpider(ctx context.Context, target string, maxChildren int) (string, error) {
	var out struct {
		Scan string `json:"scan"`
	}
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"url":         target,
			"maxChildren": strconv.Itoa(maxChildren),
		}).
		SetResult(&out).
		Get("/JSON/spider/action/scan/")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%d on spider start", resp.StatusCode())
	}
	return out.Scan, nil
}

func (c *zapClient) spiderStatus(ctx context.Context, scanID string) (int, error) {
	return c.statusPercent(ctx, "/JSON/spider/view/status/", scanID)
}

func (c *zapClient) stopSpider(ctx context.Context, scanID string) error {
	return c.stopAction(ctx, "/JSON/spider/action/stop/", scanID)
}

func (c *zapClient) recordsToScan(ctx context.Context) (int, error) {
	var out struct {
		RecordsToScan string `json:"recordsToScan"`
	}
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/JSON/pscan/view/recordsToScan/")
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("%d on passive scan status", resp.StatusCode())
	}
	n, err := strconv.Atoi(out.RecordsToScan)
	if err != nil {
		return 0, fmt.Errorf("unparseable recordsToScan %q", out.RecordsToScan)
	}
	return n, nil
}

func (c *zapClient) startActiveScan(ctx context.Context, target string) (string, error) {
	var out struct {
		Scan string `json:"scan"`
	}
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"url": target}).
		SetResult(&out).
		Get("/JSON/ascan/action/scan/")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%d on active scan start", resp.StatusCode())
	}
	return out.Scan, nil
}

func (c *zapClient) activeScanStatus(ctx context.Context, scanID string) (int, error) {
	return c.statusPercent(ctx, "/JSON/ascan/view/status/", scanID)
}

func (c *zapClient) stopActiveScan(ctx context.Context, scanID string) error {
	return c.stopAction(ctx, "/JSON/ascan/action/stop/", scanID)
}

func (c *zapClient) alerts(ctx context.Context, baseURL string) ([]zapAlert, error) {
	var out struct {
		Alerts []zapAlert `json:"alerts"`
	}
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"baseurl": baseURL}).
		SetResult(&out).
		Get("/JSON/core/view/alerts/")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%d on alert collection", resp.StatusCode())
	}
	return out.Alerts, nil
}

func (c *zapClient) statusPercent(ctx context.Context, path, scanID string) (int, error) {
	var out struct {
		Status string `json:"status"`
	}
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"scanId": scanID}).
		SetResult(&out).
		Get(path)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("%d on status poll", resp.StatusCode())
	}
	pct, err := strconv.Atoi(out.Status)
	if err != nil {
		return 0, fmt.Errorf("unparseable status %q", out.Status)
	}
	return pct, nil
}

func (c *zapClient) stopAction(ctx context.Context, path, scanID string) error {
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"scanId": scanID}).
		Get(path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%d on stop action", resp.StatusCode())
	}
	return nil
}
