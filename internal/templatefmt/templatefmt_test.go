package templatefmt

import (
	"testing"
	"time"
)

func TestParseURLTemplateFailsOnMissingKey(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseURLTemplate("url", `https://hooks/{{ .CommonLabels.team }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data := map[string]map[string]string{"CommonLabels": {"team": "infra"}}
	out, err := Execute(tmpl, data)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out) != "https://hooks/infra" {
		t.Fatalf("unexpected url %q", out)
	}

	if _, err := Execute(tmpl, map[string]map[string]string{"CommonLabels": {}}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	if got := FormatDuration(90 * time.Second); got != "1.5m" {
		t.Fatalf("expected 1.5m, got %q", got)
	}
	if got := FormatTime(time.Time{}); got != "" {
		t.Fatalf("expected empty zero time, got %q", got)
	}
	keys := SortedKeys(map[string]string{"b": "2", "a": "1"})
	if len(keys) != 2 || keys[0] != "a" {
		t.Fatalf("unexpected key order %v", keys)
	}
	if got := MarshalJSON(map[string]string{"k": "v"}); got != `{"k":"v"}` {
		t.Fatalf("unexpected json %q", got)
	}
}
