package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

const testAlerts = `{"alerts":[
	{"name":"Cross Site Scripting (Reflected)","risk":"High","description":"Reflected XSS in the search box","url":"http://target.example/search","param":"q","evidence":"q=<script>","solution":"Encode user input before rendering","reference":"https://owasp.org/www-community/attacks/xss/","confidence":"Medium","pluginId":"40012","cweid":"79"},
	{"name":"X-Content-Type-Options Header Missing","risk":"Informational","description":"The header is not set","url":"http://target.example/","param":"","evidence":"","solution":"","reference":"","confidence":"Low","pluginId":"10021","cweid":"693"}
]}`

// fakeZAP emulates the slice of the daemon's JSON API the adapter drives.
// Every response value is a string, matching the real API.
type fakeZAP struct {
	mu           sync.Mutex
	apiKey       string
	maxChildren  string
	paths        []string
	spiderPolls  int
	pscanPolls   int
	spiderStops  []string
	ascanStops   []string
	holdSpider   bool
	spiderPolled chan struct{}
}

func (z *fakeZAP) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		z.mu.Lock()
		z.paths = append(z.paths, r.URL.Path)
		if key := r.Header.Get("X-ZAP-API-Key"); key != "" {
			z.apiKey = key
		}
		z.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/JSON/core/view/version/":
			io.WriteString(w, `{"version":"2.14.0"}`)
		case "/JSON/spider/action/scan/":
			z.mu.Lock()
			z.maxChildren = r.URL.Query().Get("maxChildren")
			z.mu.Unlock()
			io.WriteString(w, `{"scan":"1"}`)
		case "/JSON/spider/view/status/":
			z.mu.Lock()
			z.spiderPolls++
			first := z.spiderPolls == 1
			hold := z.holdSpider
			if first && z.spiderPolled != nil {
				close(z.spiderPolled)
			}
			z.mu.Unlock()
			if hold || first {
				io.WriteString(w, `{"status":"50"}`)
			} else {
				io.WriteString(w, `{"status":"100"}`)
			}
		case "/JSON/spider/action/stop/":
			z.mu.Lock()
			z.spiderStops = append(z.spiderStops, r.URL.Query().Get("scanId"))
			z.mu.Unlock()
			io.WriteString(w, `{"Result":"OK"}`)
		case "/JSON/pscan/view/recordsToScan/":
			z.mu.Lock()
			z.pscanPolls++
			first := z.pscanPolls == 1
			z.mu.Unlock()
			if first {
				io.WriteString(w, `{"recordsToScan":"3"}`)
			} else {
				io.WriteString(w, `{"recordsToScan":"0"}`)
			}
		case "/JSON/ascan/action/scan/":
			io.WriteString(w, `{"scan":"2"}`)
		case "/JSON/ascan/view/status/":
			io.WriteString(w, `{"status":"100"}`)
		case "/JSON/ascan/action/stop/":
			z.mu.Lock()
			z.ascanStops = append(z.ascanStops, r.URL.Query().Get("scanId"))
			z.mu.Unlock()
			io.WriteString(w, `{"Result":"OK"}`)
		case "/JSON/core/view/alerts/":
			io.WriteString(w, testAlerts)
		default:
			http.NotFound(w, r)
		}
	}
}

func (z *fakeZAP) sawPath(path string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, p := range z.paths {
		if p == path {
			return true
		}
	}
	return false
}

func newWebVulnTest(t *testing.T, zap *fakeZAP, apiKey string) *WebVulnAdapter {
	t.Helper()
	srv := httptest.NewServer(zap.handler())
	t.Cleanup(srv.Close)
	return NewWebVulnAdapter(WebVulnConfig{
		BaseURL:      srv.URL,
		APIKey:       apiKey,
		PollInterval: 10 * time.Millisecond,
	}, logger.Noop())
}

func TestWebVulnAdapterFullScan(t *testing.T) {
	t.Parallel()

	zap := &fakeZAP{}
	adapter := newWebVulnTest(t, zap, "test-key")

	spec := scanning.RunSpec{
		JobID:  uuid.New(),
		RunID:  uuid.New(),
		Target: "http://target.example",
		// JSON-decoded request options arrive as float64.
		Options: map[string]any{"max_crawl_depth": float64(2)},
	}

	handle, err := adapter.Start(context.Background(), spec)
	require.NoError(t, err)

	updates := drainRun(t, handle)
	terminal := updates[len(updates)-1]
	require.True(t, terminal.Done)
	require.NoError(t, terminal.Err)

	byKey := make(map[string]*scanning.Finding)
	for _, f := range collectFindings(updates) {
		byKey[f.NaturalKey()] = f
	}
	require.Len(t, byKey, 2)

	xss, ok := byKey["zap_40012_http://target.example/search_q"]
	require.True(t, ok, "alert identity must combine plugin, url, and param")
	assert.Equal(t, EngineWebVuln, xss.EngineName())
	assert.Equal(t, spec.RunID, xss.RunID())
	assert.Equal(t, scanning.SeverityHigh, xss.Severity())
	assert.Equal(t, 8.0, xss.Score())
	assert.Equal(t, "Cross Site Scripting (Reflected)", xss.Title())
	assert.Equal(t, "http://target.example/search", xss.Location())
	assert.Equal(t, "Encode user input before rendering", xss.Remediation())
	assert.Contains(t, string(xss.Evidence()), `"cweid":"79"`)

	header, ok := byKey["zap_10021_http://target.example/_"]
	require.True(t, ok)
	assert.Equal(t, scanning.SeverityInfo, header.Severity())
	assert.Empty(t, header.Remediation())

	var final scanning.RunUpdate
	for _, u := range updates {
		if !u.Done && u.Finding == nil {
			final = u
		}
	}
	assert.Equal(t, 1.0, final.Fraction)
	assert.Contains(t, final.Message, "2 alerts")

	zap.mu.Lock()
	defer zap.mu.Unlock()
	assert.Equal(t, "2", zap.maxChildren, "per-run option must override the configured crawl depth")
	assert.Equal(t, "test-key", zap.apiKey)
}

func TestWebVulnAdapterSkipsDisabledStages(t *testing.T) {
	t.Parallel()

	zap := &fakeZAP{}
	adapter := newWebVulnTest(t, zap, "")

	handle, err := adapter.Start(context.Background(), scanning.RunSpec{
		JobID:  uuid.New(),
		RunID:  uuid.New(),
		Target: "http://target.example",
		Options: map[string]any{
			"enable_spider":      false,
			"enable_active_scan": false,
		},
	})
	require.NoError(t, err)

	updates := drainRun(t, handle)
	require.NoError(t, updates[len(updates)-1].Err)
	require.Len(t, collectFindings(updates), 2)

	assert.False(t, zap.sawPath("/JSON/spider/action/scan/"))
	assert.False(t, zap.sawPath("/JSON/ascan/action/scan/"))
	assert.True(t, zap.sawPath("/JSON/core/view/alerts/"))
}

func TestWebVulnAdapterCancelStopsDaemonScan(t *testing.T) {
	t.Parallel()

	zap := &fakeZAP{holdSpider: true, spiderPolled: make(chan struct{})}
	adapter := newWebVulnTest(t, zap, "")

	handle, err := adapter.Start(context.Background(), scanning.RunSpec{
		JobID:  uuid.New(),
		RunID:  uuid.New(),
		Target: "http://target.example",
	})
	require.NoError(t, err)

	select {
	case <-zap.spiderPolled:
	case <-time.After(5 * time.Second):
		t.Fatal("spider never started")
	}

	require.NoError(t, handle.Cancel(context.Background()))

	updates := drainRun(t, handle)
	terminal := updates[len(updates)-1]
	require.True(t, terminal.Done)
	assert.ErrorIs(t, terminal.Err, context.Canceled)

	zap.mu.Lock()
	defer zap.mu.Unlock()
	assert.Equal(t, []string{"1"}, zap.spiderStops, "cancel must stop the daemon-side spider")
	assert.Empty(t, zap.ascanStops)
}

func TestWebVulnAdapterRejectsBadTarget(t *testing.T) {
	t.Parallel()

	adapter := NewWebVulnAdapter(WebVulnConfig{BaseURL: "http://127.0.0.1:1"}, logger.Noop())

	for _, target := range []string{"ftp://example.com", "http://", "not a url"} {
		_, err := adapter.Start(context.Background(), scanning.RunSpec{Target: target})
		require.ErrorContains(t, err, "not an absolute http(s) url", "target %q", target)
	}
}

func TestWebVulnAdapterHealthCheck(t *testing.T) {
	t.Parallel()

	zap := &fakeZAP{}
	adapter := newWebVulnTest(t, zap, "")
	require.NoError(t, adapter.HealthCheck(context.Background()))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	unhealthy := NewWebVulnAdapter(WebVulnConfig{BaseURL: broken.URL}, logger.Noop())
	err := unhealthy.HealthCheck(context.Background())
	require.ErrorContains(t, err, "zap daemon unreachable")
}
