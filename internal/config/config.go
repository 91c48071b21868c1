package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"alertrelay/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultServiceName       = "alertrelay"
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultMetricsPath       = "/metrics"
	defaultRoutePrefix       = "/route"
	defaultMaxBodyBytes      = 2 << 20
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultNATSSubjectPrefix = "alertrelay.route"
	defaultNATSQueueGroup    = "alertrelay"
	defaultReloadDebounceMS  = 500
	defaultContentType       = "application/json"

	// GenericRouteName is synthesized when configuration does not declare it.
	GenericRouteName = "generic"
)

var routeNamePattern = regexp.MustCompile(`^[a-z0-9_-]*$`)

// Config holds service runtime settings and routing rules.
// Params: sections from one file or merged directory snapshot.
// Returns: validated immutable runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service" yaml:"service"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Ingest  IngestConfig  `toml:"ingest" yaml:"ingest"`
	Routing Routing       `toml:"routing" yaml:"routing"`
}

// rawConfig mirrors the document model before route normalization.
type rawConfig struct {
	Service ServiceConfig `toml:"service" yaml:"service"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Ingest  IngestConfig  `toml:"ingest" yaml:"ingest"`
	Routing rawRouting    `toml:"routing" yaml:"routing"`
}

// rawRouting keeps routes keyed by `[routing.route.<name>]` table name.
type rawRouting struct {
	Remove   Remove              `toml:"remove" yaml:"remove"`
	Add      Add                 `toml:"add" yaml:"add"`
	Override Override            `toml:"override" yaml:"override"`
	Sending  Sending             `toml:"sending" yaml:"sending"`
	Route    map[string]rawRoute `toml:"route" yaml:"route"`
}

// rawRoute stores one route body; the name comes from its table key.
type rawRoute struct {
	Name              string        `toml:"name" yaml:"name"`
	Catch             *bool         `toml:"catch" yaml:"catch"`
	Remove            Remove        `toml:"remove" yaml:"remove"`
	Add               Add           `toml:"add" yaml:"add"`
	Override          Override      `toml:"override" yaml:"override"`
	SplitBy           *SplitBy      `toml:"split_by" yaml:"split_by"`
	Targets           []Target      `toml:"targets" yaml:"targets"`
	Sending           Sending       `toml:"sending" yaml:"sending"`
	ExtractWebhooks   []string      `toml:"extract_webhooks" yaml:"extract_webhooks"`
	ExtractWebhooksRE []string      `toml:"extract_webhooks_re" yaml:"extract_webhooks_re"`
	Template          RouteTemplate `toml:"template" yaml:"template"`
}

// ServiceConfig contains process-level settings.
// Params: name and hot-reload controls.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name             string `toml:"name" yaml:"name"`
	ReloadEnabled    bool   `toml:"reload_enabled" yaml:"reload_enabled"`
	ReloadDebounceMS int    `toml:"reload_debounce_ms" yaml:"reload_debounce_ms"`
}

// IngestConfig defines inbound webhook interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http" yaml:"http"`
	NATS NATSIngestConfig `toml:"nats" yaml:"nats"`
}

// HTTPIngestConfig configures the webhook listener.
// Params: listen address, service endpoints, route prefix and body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Listen       string `toml:"listen" yaml:"listen"`
	HealthPath   string `toml:"health_path" yaml:"health_path"`
	ReadyPath    string `toml:"ready_path" yaml:"ready_path"`
	MetricsPath  string `toml:"metrics_path" yaml:"metrics_path"`
	RoutePrefix  string `toml:"route_prefix" yaml:"route_prefix"`
	MaxBodyBytes int64  `toml:"max_body_bytes" yaml:"max_body_bytes"`
}

// NATSIngestConfig configures core NATS webhook ingestion.
// Params: enable flag, server URLs, subject prefix and queue group.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	URL           []string `toml:"url" yaml:"url"`
	SubjectPrefix string   `toml:"subject_prefix" yaml:"subject_prefix"`
	QueueGroup    string   `toml:"queue_group" yaml:"queue_group"`
}

// LogConfig defines console and file sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console" yaml:"console"`
	File    LogSinkConfig `toml:"file" yaml:"file"`
}

// LogSinkConfig configures one sink.
// Params: enabled flag, level, format ("line" or "json") and file path.
// Returns: sink behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Level   string `toml:"level" yaml:"level"`
	Format  string `toml:"format" yaml:"format"`
	Path    string `toml:"path" yaml:"path"`
}

// Routing is the global rule scope plus every route.
// Params: routing-level remove/add/override/sending and ordered routes.
// Returns: routing snapshot consumed by the preprocessing pipeline.
type Routing struct {
	Remove   Remove   `toml:"remove" yaml:"remove"`
	Add      Add      `toml:"add" yaml:"add"`
	Override Override `toml:"override" yaml:"override"`
	Sending  Sending  `toml:"sending" yaml:"sending"`
	Routes   []Route  `toml:"-" yaml:"-"`
}

// Route returns route by case-insensitive name.
// Params: route name from request path or subject.
// Returns: route and true when found.
func (r Routing) Route(name string) (Route, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, route := range r.Routes {
		if route.Name == name {
			return route, true
		}
	}
	return Route{}, false
}

// Route is one named webhook endpoint with its rules and targets.
// Params: catch flag, scoped rules, optional split, targets, sending and rendering options.
// Returns: read-only route entry of a config snapshot.
type Route struct {
	Name              string
	Catch             bool
	Remove            Remove
	Add               Add
	Override          Override
	SplitBy           *SplitBy
	Targets           []Target
	Sending           Sending
	ExtractWebhooks   []string
	ExtractWebhooksRE []string
	Template          RouteTemplate

	extractPatterns []*regexp.Regexp
}

// ExtractPatterns returns compiled extract_webhooks_re patterns.
func (r Route) ExtractPatterns() []*regexp.Regexp {
	if len(r.extractPatterns) == len(r.ExtractWebhooksRE) {
		return r.extractPatterns
	}
	return compilePatterns(r.ExtractWebhooksRE)
}

// RouteTemplate customizes the rendered delivery body.
// Params: optional body template, content type, and escalation body template.
// Returns: rendering options for one route.
type RouteTemplate struct {
	Body        string `toml:"body" yaml:"body"`
	ContentType string `toml:"content_type" yaml:"content_type"`
	ErrorBody   string `toml:"error_body" yaml:"error_body"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// Path returns the file or directory watched for reloads.
func (s ConfigSource) Path() string {
	if s.File != "" {
		return s.File
	}
	return s.Dir
}

// LoadSnapshot loads, defaults, validates and compiles configuration.
// Params: source selects file or directory mode.
// Returns: ready-to-use config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if err := compileConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeRawConfig converts one decoded document into runtime config.
// Params: decoded raw config from one file.
// Returns: config with routes sorted by name.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service: raw.Service,
		Log:     raw.Log,
		Ingest:  raw.Ingest,
		Routing: Routing{
			Remove:   raw.Routing.Remove,
			Add:      raw.Routing.Add,
			Override: raw.Routing.Override,
			Sending:  raw.Routing.Sending,
		},
	}
	if len(raw.Routing.Route) == 0 {
		return cfg, nil
	}

	names := make([]string, 0, len(raw.Routing.Route))
	for name := range raw.Routing.Route {
		names = append(names, name)
	}
	sort.Strings(names)
	cfg.Routing.Routes = make([]Route, 0, len(names))
	for _, name := range names {
		body := raw.Routing.Route[name]
		if strings.TrimSpace(body.Name) != "" {
			return Config{}, fmt.Errorf("routing.route.%s.name is not supported; use [routing.route.%s] key as route name", name, name)
		}
		catch := true
		if body.Catch != nil {
			catch = *body.Catch
		}
		cfg.Routing.Routes = append(cfg.Routing.Routes, Route{
			Name:              strings.ToLower(strings.TrimSpace(name)),
			Catch:             catch,
			Remove:            body.Remove,
			Add:               body.Add,
			Override:          body.Override,
			SplitBy:           body.SplitBy,
			Targets:           body.Targets,
			Sending:           body.Sending,
			ExtractWebhooks:   body.ExtractWebhooks,
			ExtractWebhooksRE: body.ExtractWebhooksRE,
			Template:          body.Template,
		})
	}
	return cfg, nil
}

// decodeDocument decodes TOML or YAML according to file extension.
// Params: file path and body.
// Returns: raw document or decode error.
func decodeDocument(path string, body []byte) (rawConfig, error) {
	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(body))
		decoder.KnownFields(true)
		if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return rawConfig{}, err
		}
	default:
		decoder := toml.NewDecoder(bytes.NewReader(body))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&raw); err != nil {
			return rawConfig{}, err
		}
	}
	return raw, nil
}

// loadFile reads one TOML or YAML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	raw, err := decodeDocument(path, body)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges config fragments from one directory.
// Params: directory containing .toml/.yaml/.yml fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".toml", ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no config files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays one fragment onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if hasHTTPIngestConfig(src.Ingest.HTTP) {
		dst.Ingest.HTTP = src.Ingest.HTTP
	}
	if hasNATSIngestConfig(src.Ingest.NATS) {
		dst.Ingest.NATS = src.Ingest.NATS
	}
	dst.Routing.Remove = MergeRemove(dst.Routing.Remove, src.Routing.Remove)
	dst.Routing.Add = MergeAdd(dst.Routing.Add, src.Routing.Add)
	dst.Routing.Override = MergeOverride(dst.Routing.Override, src.Routing.Override)
	dst.Routing.Sending = OverlaySending(dst.Routing.Sending, src.Routing.Sending)
	if len(src.Routing.Routes) > 0 {
		dst.Routing.Routes = append(dst.Routing.Routes, src.Routing.Routes...)
	}
}

func hasHTTPIngestConfig(cfg HTTPIngestConfig) bool {
	return cfg != (HTTPIngestConfig{})
}

func hasNATSIngestConfig(cfg NATSIngestConfig) bool {
	return cfg.Enabled || len(cfg.URL) > 0 || cfg.SubjectPrefix != "" || cfg.QueueGroup != ""
}

// applyDefaults fills omitted settings and synthesizes the generic route.
// Params: config to mutate.
// Returns: none.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.ReloadDebounceMS <= 0 {
		cfg.Service.ReloadDebounceMS = defaultReloadDebounceMS
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.MetricsPath) == "" {
		cfg.Ingest.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.RoutePrefix) == "" {
		cfg.Ingest.HTTP.RoutePrefix = defaultRoutePrefix
	}
	cfg.Ingest.HTTP.RoutePrefix = "/" + strings.Trim(cfg.Ingest.HTTP.RoutePrefix, "/")
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Ingest.NATS.SubjectPrefix) == "" {
		cfg.Ingest.NATS.SubjectPrefix = defaultNATSSubjectPrefix
	}
	if strings.TrimSpace(cfg.Ingest.NATS.QueueGroup) == "" {
		cfg.Ingest.NATS.QueueGroup = defaultNATSQueueGroup
	}

	for i := range cfg.Routing.Routes {
		route := &cfg.Routing.Routes[i]
		if route.Template.ContentType == "" {
			route.Template.ContentType = defaultContentType
		}
	}
	if _, ok := cfg.Routing.Route(GenericRouteName); !ok {
		cfg.Routing.Routes = append(cfg.Routing.Routes, Route{
			Name:     GenericRouteName,
			Catch:    true,
			Template: RouteTemplate{ContentType: defaultContentType},
		})
	}
}

// validateConfig validates normalized configuration.
// Params: config snapshot after defaults.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if cfg.Service.ReloadDebounceMS < 0 {
		return errors.New("service.reload_debounce_ms must be >=0")
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	for _, endpoint := range []struct{ key, value string }{
		{"ingest.http.health_path", cfg.Ingest.HTTP.HealthPath},
		{"ingest.http.ready_path", cfg.Ingest.HTTP.ReadyPath},
		{"ingest.http.metrics_path", cfg.Ingest.HTTP.MetricsPath},
	} {
		if !strings.HasPrefix(endpoint.value, "/") {
			return fmt.Errorf("%s must start with /", endpoint.key)
		}
	}
	if cfg.Ingest.HTTP.RoutePrefix == "/" {
		return errors.New("ingest.http.route_prefix must not be /")
	}
	if cfg.Ingest.NATS.Enabled {
		for i, natsURL := range cfg.Ingest.NATS.URL {
			if strings.TrimSpace(natsURL) == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
		if strings.ContainsAny(cfg.Ingest.NATS.SubjectPrefix, "*> ") {
			return errors.New("ingest.nats.subject_prefix must not contain wildcards or spaces")
		}
	}

	if err := validateSending("routing.sending", cfg.Routing.Sending); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Routing.Routes))
	for _, route := range cfg.Routing.Routes {
		if _, exists := seen[route.Name]; exists {
			return fmt.Errorf("duplicate route name %q", route.Name)
		}
		seen[route.Name] = struct{}{}
		if err := validateRoute(route); err != nil {
			return err
		}
	}
	return nil
}

// validateRoute validates one route definition.
// Params: route to validate.
// Returns: validation error prefixed with route path.
func validateRoute(route Route) error {
	path := "routing.route." + route.Name
	if !routeNamePattern.MatchString(route.Name) {
		return fmt.Errorf("%s: route name must match %s", path, routeNamePattern.String())
	}
	if route.SplitBy != nil {
		switch strings.ToLower(strings.TrimSpace(route.SplitBy.Target)) {
		case SplitTargetLabel, SplitTargetAnnotation:
		default:
			return fmt.Errorf("%s.split_by.target must be %q or %q, got %q", path, SplitTargetLabel, SplitTargetAnnotation, route.SplitBy.Target)
		}
		if strings.TrimSpace(route.SplitBy.Value) == "" {
			return fmt.Errorf("%s.split_by.value is required", path)
		}
	}
	if err := validateSending(path+".sending", route.Sending); err != nil {
		return err
	}
	for i, target := range route.Targets {
		targetPath := fmt.Sprintf("%s.targets[%d]", path, i)
		if !target.hasURLSource() {
			return fmt.Errorf("%s: one of url, expansion_url, url_from_label, url_from_annotation is required", targetPath)
		}
		if strings.TrimSpace(target.URL) != "" {
			if err := ValidateHTTPURL(target.URL); err != nil {
				return fmt.Errorf("%s.url: %w", targetPath, err)
			}
		}
		if target.ExpansionURL != "" {
			if _, err := templatefmt.ParseURLTemplate(targetPath, target.ExpansionURL); err != nil {
				return fmt.Errorf("%s.expansion_url: %w", targetPath, err)
			}
		}
		if target.Sending != nil {
			if err := validateSending(targetPath+".sending", *target.Sending); err != nil {
				return err
			}
		}
	}
	if route.Template.Body != "" {
		if _, err := templatefmt.ParseBodyTemplate(path+".template.body", route.Template.Body); err != nil {
			return fmt.Errorf("%s.template.body: %w", path, err)
		}
	}
	if route.Template.ErrorBody != "" {
		if _, err := templatefmt.ParseBodyTemplate(path+".template.error_body", route.Template.ErrorBody); err != nil {
			return fmt.Errorf("%s.template.error_body: %w", path, err)
		}
	}
	return nil
}

// validateSending checks optional sending fields that are set.
// Params: config path and sparse sending scope.
// Returns: validation error.
func validateSending(path string, sending Sending) error {
	if sending.Retries != nil && *sending.Retries < 0 {
		return fmt.Errorf("%s.retries must be >=0", path)
	}
	if sending.BackoffFactor != nil && *sending.BackoffFactor < 0 {
		return fmt.Errorf("%s.backoff_factor must be >=0", path)
	}
	if sending.TimeoutSec != nil && *sending.TimeoutSec <= 0 {
		return fmt.Errorf("%s.timeout_sec must be >0", path)
	}
	if sending.Workers != nil && *sending.Workers <= 0 {
		return fmt.Errorf("%s.workers must be >0", path)
	}
	if sending.FallbackURL != nil && strings.TrimSpace(*sending.FallbackURL) != "" {
		if err := ValidateHTTPURL(*sending.FallbackURL); err != nil {
			return fmt.Errorf("%s.fallback_url: %w", path, err)
		}
	}
	return nil
}

// validateHTTPURL requires an absolute http(s) URL.
func ValidateHTTPURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// compileConfig caches compiled patterns and url templates on validated config.
// Params: config to mutate.
// Returns: pattern compile error.
func compileConfig(cfg *Config) error {
	if err := cfg.Routing.Remove.compile("routing.remove"); err != nil {
		return err
	}
	for i := range cfg.Routing.Routes {
		route := &cfg.Routing.Routes[i]
		path := "routing.route." + route.Name
		if err := route.Remove.compile(path + ".remove"); err != nil {
			return err
		}
		patterns, err := compilePatternsStrict(path+".extract_webhooks_re", route.ExtractWebhooksRE)
		if err != nil {
			return err
		}
		route.extractPatterns = patterns
		for j := range route.Targets {
			target := &route.Targets[j]
			if target.ExpansionURL == "" {
				continue
			}
			tmpl, err := templatefmt.ParseURLTemplate(fmt.Sprintf("%s.targets[%d].expansion_url", path, j), target.ExpansionURL)
			if err != nil {
				return err
			}
			target.expansion = tmpl
		}
	}
	return nil
}

func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, item := range urls {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
