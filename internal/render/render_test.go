package render

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"alertrelay/internal/config"
	"alertrelay/internal/domain"
	"alertrelay/internal/engine"
	"alertrelay/internal/notify"
)

func testBatch() engine.Batch {
	return engine.Batch{
		Route: "team",
		Group: domain.AlertGroup{
			GroupKey:     "{}:{alertname=\"Disk\"}",
			Status:       "firing",
			Receiver:     "relay",
			CommonLabels: map[string]string{"alertname": "Disk", "team": "core"},
			Alerts: []domain.Alert{
				{Status: "firing", Labels: map[string]string{"alertname": "Disk", "team": "core", "host": "a"}},
			},
		},
		Targets: []config.Target{{URL: "https://hooks.example.com/a"}},
	}
}

func TestRenderDefaultJSONBody(t *testing.T) {
	t.Parallel()

	renderer := NewRenderer(nil)
	payload, parser, err := renderer.Render(config.Route{Name: "team"}, testBatch())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if parser != nil {
		t.Fatalf("expected no error parser without error_body")
	}
	if payload.ContentType != "application/json" || payload.Route != "team" || len(payload.Targets) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload.Data, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded["group_key"] != "{}:{alertname=\"Disk\"}" || decoded["status"] != "firing" {
		t.Fatalf("unexpected body %s", payload.Data)
	}
	if payload.CommonLabels["team"] != "core" {
		t.Fatalf("expected common labels for url resolution, got %v", payload.CommonLabels)
	}
}

func TestRenderRouteTemplate(t *testing.T) {
	t.Parallel()

	route := config.Route{
		Name: "team",
		Template: config.RouteTemplate{
			Body:        `{{ .Route }}: {{ .Group.CommonLabels.alertname }} x{{ len .Group.Alerts }} [{{ join (sortedKeys .Group.CommonLabels) "," }}]`,
			ContentType: "text/plain",
		},
	}
	payload, _, err := NewRenderer(nil).Render(route, testBatch())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := string(payload.Data); got != "team: Disk x1 [alertname,team]" {
		t.Fatalf("unexpected body %q", got)
	}
	if payload.ContentType != "text/plain" {
		t.Fatalf("unexpected content type %q", payload.ContentType)
	}
}

func TestRenderTemplateMissingKeyFails(t *testing.T) {
	t.Parallel()

	route := config.Route{Name: "team", Template: config.RouteTemplate{Body: `{{ .Group.CommonLabels.absent }}`}}
	if _, _, err := NewRenderer(nil).Render(route, testBatch()); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestRenderErrorParser(t *testing.T) {
	t.Parallel()

	route := config.Route{
		Name: "team",
		Template: config.RouteTemplate{
			ErrorBody: `{"text":"{{ .Route }} delivery to {{ .URL }} failed: {{ .StatusCode }} {{ .Error }}"}`,
		},
	}
	payload, parser, err := NewRenderer(nil).Render(route, testBatch())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if parser == nil {
		t.Fatalf("expected error parser")
	}

	body, ok := parser(notify.Failure{
		URL:        "https://hooks.example.com/a",
		StatusCode: http.StatusBadRequest,
		Err:        errors.New("unexpected status 400"),
		Payload:    payload,
	})
	if !ok {
		t.Fatalf("expected parser to produce body")
	}
	want := `{"text":"team delivery to https://hooks.example.com/a failed: 400 unexpected status 400"}`
	if string(body) != want {
		t.Fatalf("expected %s, got %s", want, body)
	}
}

func TestRenderErrorParserDeclinesOnTemplateError(t *testing.T) {
	t.Parallel()

	route := config.Route{Name: "team", Template: config.RouteTemplate{ErrorBody: `{{ .Missing }}`}}
	_, parser, err := NewRenderer(nil).Render(route, testBatch())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if body, ok := parser(notify.Failure{}); ok || body != nil {
		t.Fatalf("expected parser to decline, got %q", body)
	}
}

func TestRenderInvalidTemplate(t *testing.T) {
	t.Parallel()

	route := config.Route{Name: "team", Template: config.RouteTemplate{Body: `{{ .Route `}}
	_, _, err := NewRenderer(nil).Render(route, testBatch())
	if err == nil || !strings.Contains(err.Error(), "team") {
		t.Fatalf("expected parse error naming route, got %v", err)
	}
}
