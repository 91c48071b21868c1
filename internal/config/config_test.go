package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alertrelay/internal/domain"
)

const baseRoutingTOML = `[service]
name = "relay-test"

[ingest.http]
listen = "127.0.0.1:18080"

[routing.remove]
labels = ["prometheus"]
re_labels = ["^__"]

[routing.add.labels]
source = "promac"

[routing.sending]
retries = 2
fallback_url = "https://fallback.example.com/hook"

[routing.route.infra]
catch = false
split_by = { target = "label", value = "namespace" }

[routing.route.infra.remove]
labels = ["severity"]

[routing.route.infra.sending]
backoff_factor = 1.5

[[routing.route.infra.targets]]
url = "https://hooks.example.com/infra"

[[routing.route.infra.targets]]
url_from_label = "webhook"
sending = { retries = 0 }
`

func TestLoadSnapshotFromTOMLFile(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, "relay.toml", baseRoutingTOML)

	if cfg.Service.Name != "relay-test" {
		t.Fatalf("unexpected service name %q", cfg.Service.Name)
	}
	if cfg.Ingest.HTTP.RoutePrefix != "/route" || cfg.Ingest.HTTP.MetricsPath != "/metrics" {
		t.Fatalf("unexpected http defaults: %+v", cfg.Ingest.HTTP)
	}
	if len(cfg.Routing.Routes) != 2 {
		t.Fatalf("expected infra + generic routes, got %d", len(cfg.Routing.Routes))
	}

	infra, ok := cfg.Routing.Route("INFRA")
	if !ok {
		t.Fatalf("expected case-insensitive route lookup")
	}
	if infra.Catch {
		t.Fatalf("expected catch=false for infra")
	}
	if infra.SplitBy == nil || infra.SplitBy.Value != "namespace" {
		t.Fatalf("unexpected split_by %+v", infra.SplitBy)
	}
	if len(infra.Targets) != 2 || infra.Targets[1].Sending == nil {
		t.Fatalf("unexpected targets %+v", infra.Targets)
	}
	if len(cfg.Routing.Remove.Patterns(domain.FieldLabels)) != 1 {
		t.Fatalf("expected compiled routing remove pattern")
	}

	generic, ok := cfg.Routing.Route(GenericRouteName)
	if !ok || !generic.Catch {
		t.Fatalf("expected synthesized catch-all generic route")
	}
}

func TestLoadSnapshotFromYAMLFile(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, "relay.yaml", `
routing:
  override:
    labels:
      env: prod
  route:
    generic:
      catch: true
      targets:
        - expansion_url: "https://hooks/{{ .CommonLabels.team }}"
    db:
      split_by:
        target: annotation
        value: owner
      extract_webhooks: ["webhook_url"]
      extract_webhooks_re: ["^hook_"]
`)

	if len(cfg.Routing.Routes) != 2 {
		t.Fatalf("expected 2 routes without duplicate generic, got %d", len(cfg.Routing.Routes))
	}
	db, ok := cfg.Routing.Route("db")
	if !ok {
		t.Fatalf("expected db route")
	}
	if db.SplitBy.Field().String() != "annotations" {
		t.Fatalf("expected annotation split, got %s", db.SplitBy.Field())
	}
	if len(db.ExtractPatterns()) != 1 {
		t.Fatalf("expected one compiled extract pattern")
	}
	if cfg.Routing.Override.Labels["env"] != "prod" {
		t.Fatalf("unexpected override %+v", cfg.Routing.Override)
	}
}

func TestLoadSnapshotFromDirMergesFragments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "a.toml"), baseRoutingTOML)
	writeConfigFile(t, filepath.Join(dir, "b.yml"), `
routing:
  remove:
    labels: ["replica"]
  sending:
    handle_failure: false
  route:
    db:
      targets:
        - url: "https://hooks.example.com/db"
`)

	cfg, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if got := strings.Join(cfg.Routing.Remove.Labels, ","); got != "prometheus,replica" {
		t.Fatalf("unexpected merged remove labels %q", got)
	}
	policy := MergeSending(cfg.Routing.Sending)
	if policy.Retries != 2 || policy.HandleFailure {
		t.Fatalf("unexpected merged sending %+v", policy)
	}
	if _, ok := cfg.Routing.Route("db"); !ok {
		t.Fatalf("expected db route from second fragment")
	}
}

func TestLoadSnapshotRejectsDuplicateRoutesAcrossFragments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "a.toml"), baseRoutingTOML)
	writeConfigFile(t, filepath.Join(dir, "b.toml"), `[routing.route.Infra]
[[routing.route.Infra.targets]]
url = "https://hooks.example.com/other"
`)

	_, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err == nil || !strings.Contains(err.Error(), "duplicate route name") {
		t.Fatalf("expected duplicate route error, got %v", err)
	}
}

func TestLoadSnapshotValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "invalid route name",
			body:    "[routing.route.\"bad name\"]\n",
			wantErr: "route name must match",
		},
		{
			name:    "invalid split target",
			body:    "[routing.route.a]\nsplit_by = { target = \"tag\", value = \"x\" }\n",
			wantErr: "split_by.target",
		},
		{
			name:    "missing split value",
			body:    "[routing.route.a]\nsplit_by = { target = \"label\" }\n",
			wantErr: "split_by.value is required",
		},
		{
			name:    "target without url source",
			body:    "[routing.route.a]\n[[routing.route.a.targets]]\nsending = { retries = 1 }\n",
			wantErr: "one of url",
		},
		{
			name:    "negative retries",
			body:    "[routing.sending]\nretries = -1\n",
			wantErr: "retries must be >=0",
		},
		{
			name:    "invalid regex",
			body:    "[routing.remove]\nre_labels = [\"(\"]\n",
			wantErr: "invalid pattern",
		},
		{
			name:    "broken expansion template",
			body:    "[routing.route.a]\n[[routing.route.a.targets]]\nexpansion_url = \"{{ .CommonLabels\"\n",
			wantErr: "expansion_url",
		},
		{
			name:    "explicit name key",
			body:    "[routing.route.a]\nname = \"a\"\n",
			wantErr: "name is not supported",
		},
		{
			name:    "unknown field",
			body:    "[routing.route.a]\nretries = 1\n",
			wantErr: "decode config file",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "relay.toml")
			writeConfigFile(t, path, tc.body)
			_, err := LoadSnapshot(ConfigSource{File: path})
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFromCLI(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error without source")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error with both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil || src.File != "a.toml" || src.Path() != "a.toml" {
		t.Fatalf("unexpected source %+v err=%v", src, err)
	}
}

func TestSendingPolicyFromRoutingRouteAndTarget(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, "relay.toml", baseRoutingTOML)
	infra, _ := cfg.Routing.Route("infra")

	first := MergeSending(cfg.Routing.Sending, infra.Sending)
	if first.Retries != 2 || first.BackoffFactor != 1.5 || !first.HandleFailure {
		t.Fatalf("unexpected route policy %+v", first)
	}
	if first.FallbackURL != "https://fallback.example.com/hook" {
		t.Fatalf("unexpected fallback %q", first.FallbackURL)
	}
	if first.Timeout != 10*time.Second || first.Workers != 4 {
		t.Fatalf("unexpected default timeout/workers %+v", first)
	}

	second := MergeSending(cfg.Routing.Sending, infra.Sending, *infra.Targets[1].Sending)
	if second.Retries != 0 {
		t.Fatalf("expected target override retries=0, got %d", second.Retries)
	}
}

func mustLoadSnapshot(t *testing.T, name, body string) Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	writeConfigFile(t, path, body)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return cfg
}

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config %q: %v", path, err)
	}
}

func TestLoadSnapshotCompilesExpansionTemplates(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, "relay.toml", `
[[routing.route.team.targets]]
expansion_url = "https://hooks.example.com/{{ .CommonLabels.team }}"

[[routing.route.team.targets]]
url = "https://hooks.example.com/static"
`)
	team, ok := cfg.Routing.Route("team")
	if !ok {
		t.Fatalf("expected team route")
	}
	if team.Targets[0].expansion == nil {
		t.Fatalf("expected expansion_url compiled at load time")
	}
	if team.Targets[1].expansion != nil {
		t.Fatalf("static target must not carry a template")
	}

	clone := CloneTargets(team.Targets)
	tmpl, err := clone[0].ExpansionTemplate()
	if err != nil || tmpl != team.Targets[0].expansion {
		t.Fatalf("expected clone to reuse compiled template, got %v (%v)", tmpl, err)
	}

	adHoc := Target{ExpansionURL: "https://hooks.example.com/{{ .CommonLabels.team }}"}
	if tmpl, err := adHoc.ExpansionTemplate(); err != nil || tmpl == nil {
		t.Fatalf("expected ad-hoc target template to parse, got %v", err)
	}
}
