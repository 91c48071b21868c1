package domain

import (
	"strings"
	"testing"
)

const sampleWebhookJSON = `{
  "receiver": "promac",
  "status": "firing",
  "externalURL": "http://alertmanager:9093",
  "version": "4",
  "groupKey": "{}:{alertname=\"Disk\"}",
  "groupLabels": {"alertname": "Disk"},
  "commonLabels": {"alertname": "Disk", "severity": "warning"},
  "commonAnnotations": {"summary": "disk full"},
  "alerts": [
    {
      "fingerprint": "a1",
      "status": "firing",
      "startsAt": "2024-03-01T10:00:00Z",
      "endsAt": "0001-01-01T00:00:00Z",
      "generatorURL": "http://prometheus/graph",
      "labels": {"alertname": "Disk", "severity": "warning", "team": "infra"},
      "annotations": {"summary": "disk full"}
    },
    {
      "fingerprint": "a2",
      "status": "firing",
      "startsAt": "2024-03-01T10:01:00Z",
      "endsAt": "0001-01-01T00:00:00Z",
      "generatorURL": "http://prometheus/graph",
      "labels": {"alertname": "Disk", "severity": "warning"},
      "annotations": {"summary": "disk full"}
    }
  ]
}`

func TestDecodeWebhook(t *testing.T) {
	t.Parallel()

	payload, err := DecodeWebhook([]byte(sampleWebhookJSON))
	if err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if payload.TruncatedAlerts != 0 {
		t.Fatalf("expected default truncatedAlerts 0, got %d", payload.TruncatedAlerts)
	}
	if len(payload.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(payload.Alerts))
	}
	if !payload.Alerts[0].EndsAt.IsZero() {
		t.Fatalf("expected zero endsAt sentinel, got %s", payload.Alerts[0].EndsAt)
	}
}

func TestDecodeWebhookRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":      `{"receiver":`,
		"no receiver":   strings.Replace(sampleWebhookJSON, `"receiver": "promac",`, ``, 1),
		"no group key":  strings.Replace(sampleWebhookJSON, `"groupKey": "{}:{alertname=\"Disk\"}",`, ``, 1),
		"empty alerts":  `{"receiver":"r","status":"firing","groupKey":"k","alerts":[]}`,
		"bad timestamp": strings.Replace(sampleWebhookJSON, `"2024-03-01T10:00:00Z"`, `"yesterday"`, 1),
	}
	for name, body := range cases {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeWebhook([]byte(body)); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestNormalizeDoesNotAliasPayload(t *testing.T) {
	t.Parallel()

	payload, err := DecodeWebhook([]byte(sampleWebhookJSON))
	if err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	group := payload.Normalize()
	if group.ExternalURL != "http://alertmanager:9093" || group.GroupKey == "" {
		t.Fatalf("unexpected normalized metadata: %+v", group)
	}

	group.CommonLabels["new"] = "x"
	group.Alerts[0].Labels["team"] = "changed"
	if _, ok := payload.CommonLabels["new"]; ok {
		t.Fatalf("normalized common labels alias payload")
	}
	if payload.Alerts[0].Labels["team"] != "infra" {
		t.Fatalf("normalized alert labels alias payload")
	}
}

func TestCloneAndFieldAccessors(t *testing.T) {
	t.Parallel()

	group := AlertGroup{Alerts: []Alert{{}}}
	group.Common(FieldAnnotations)["summary"] = "x"
	group.Alerts[0].Pairs(FieldLabels)["team"] = "infra"

	clone := group.Clone()
	clone.CommonAnnotations["summary"] = "y"
	clone.Alerts[0].Labels["team"] = "db"

	if group.CommonAnnotations["summary"] != "x" {
		t.Fatalf("clone shares common annotations")
	}
	if group.Alerts[0].Labels["team"] != "infra" {
		t.Fatalf("clone shares alert labels")
	}

	field, err := ParseField("Annotation")
	if err != nil || field != FieldAnnotations {
		t.Fatalf("expected annotations field, got %v err=%v", field, err)
	}
	if _, err := ParseField("tags"); err == nil {
		t.Fatalf("expected unsupported field error")
	}
}
