package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"alertrelay/internal/app"
	"alertrelay/internal/clock"
	"alertrelay/internal/config"
	"alertrelay/internal/domain"
	"alertrelay/test/testutil"
)

const webhookJSON = `{
  "receiver": "relay",
  "status": "firing",
  "version": "4",
  "groupKey": "{}:{alertname=\"KubePodCrashLooping\"}",
  "truncatedAlerts": 0,
  "groupLabels": {"alertname": "KubePodCrashLooping"},
  "commonLabels": {"alertname": "KubePodCrashLooping", "severity": "warning"},
  "commonAnnotations": {"runbook": "https://runbooks.example.com/crashloop"},
  "externalURL": "http://alertmanager:9093",
  "alerts": [
    {
      "fingerprint": "a1",
      "status": "firing",
      "startsAt": "2024-03-01T10:00:00Z",
      "labels": {"alertname": "KubePodCrashLooping", "severity": "warning", "namespace": "payments", "pod": "api-1", "prometheus": "k8s"},
      "annotations": {"runbook": "https://runbooks.example.com/crashloop"}
    },
    {
      "fingerprint": "a2",
      "status": "firing",
      "startsAt": "2024-03-01T10:01:00Z",
      "labels": {"alertname": "KubePodCrashLooping", "severity": "warning", "namespace": "billing", "pod": "worker-7", "prometheus": "k8s"},
      "annotations": {"runbook": "https://runbooks.example.com/crashloop"}
    },
    {
      "fingerprint": "a3",
      "status": "firing",
      "startsAt": "2024-03-01T10:02:00Z",
      "labels": {"alertname": "KubePodCrashLooping", "severity": "warning", "namespace": "payments", "pod": "api-2", "prometheus": "k8s"},
      "annotations": {"runbook": "https://runbooks.example.com/crashloop"}
    }
  ]
}`

// groupCollector records alert groups delivered to a fake webhook target.
type groupCollector struct {
	mu       sync.Mutex
	groups   []domain.AlertGroup
	paths    []string
	statuses []int
	server   *httptest.Server
}

// newGroupCollector starts a target answering with statuses in order, then 200.
func newGroupCollector(t *testing.T, statuses ...int) *groupCollector {
	t.Helper()

	collector := &groupCollector{statuses: statuses}
	collector.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		collector.mu.Lock()
		defer collector.mu.Unlock()

		collector.paths = append(collector.paths, request.Method+" "+request.URL.Path)
		status := http.StatusOK
		if len(collector.statuses) > 0 {
			status = collector.statuses[0]
			collector.statuses = collector.statuses[1:]
		}
		if status < http.StatusMultipleChoices && len(body) > 0 {
			var group domain.AlertGroup
			if err := json.Unmarshal(body, &group); err == nil {
				collector.groups = append(collector.groups, group)
			}
		}
		writer.WriteHeader(status)
	}))
	t.Cleanup(collector.server.Close)
	return collector
}

func (c *groupCollector) snapshot() ([]domain.AlertGroup, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.AlertGroup(nil), c.groups...), append([]string(nil), c.paths...)
}

// writeConfig writes a TOML config with the HTTP listener on port.
func writeConfig(t *testing.T, port int, extra string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.toml")
	body := fmt.Sprintf(`
[service]
name = "alertrelay-e2e"

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
listen = "127.0.0.1:%d"
`, port) + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// startService creates and runs the service, stopping it on cleanup.
// Params: test handle, config path and HTTP port.
// Returns: base URL of the running service.
func startService(t *testing.T, path string, port int) string {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("service run error: %v", err)
			}
		case <-time.After(8 * time.Second):
			t.Errorf("service did not stop after cancel")
		}
	})

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	testutil.WaitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
	return baseURL
}

func freePort(t *testing.T) int {
	t.Helper()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	return port
}
