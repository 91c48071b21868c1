package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"text/template"
	"time"

	"alertrelay/internal/domain"
	"alertrelay/internal/templatefmt"
)

const (
	defaultRetries       = 3
	defaultBackoffFactor = 0.3
	defaultHandleFailure = true
	defaultTimeoutSec    = 10.0
	defaultWorkers       = 4

	// MaxBackoff caps one retry wait.
	MaxBackoff = 120 * time.Second

	// SplitTargetLabel splits a group by one label value.
	SplitTargetLabel = "label"
	// SplitTargetAnnotation splits a group by one annotation value.
	SplitTargetAnnotation = "annotation"
)

// Remove lists keys and key patterns deleted from common maps and every alert.
// Params: exact keys and regular expressions per field.
// Returns: remove rule for one scope (routing or route).
type Remove struct {
	Labels        []string `toml:"labels" yaml:"labels"`
	Annotations   []string `toml:"annotations" yaml:"annotations"`
	ReLabels      []string `toml:"re_labels" yaml:"re_labels"`
	ReAnnotations []string `toml:"re_annotations" yaml:"re_annotations"`

	compiledLabels      []*regexp.Regexp
	compiledAnnotations []*regexp.Regexp
}

// Keys returns exact keys for field.
// Params: field selector.
// Returns: configured key list.
func (r Remove) Keys(field domain.Field) []string {
	if field == domain.FieldAnnotations {
		return r.Annotations
	}
	return r.Labels
}

// Patterns returns compiled key patterns for field.
// Params: field selector.
// Returns: compiled regexps; invalid patterns are skipped (load-time validation rejects them).
func (r Remove) Patterns(field domain.Field) []*regexp.Regexp {
	raw, compiled := r.ReLabels, r.compiledLabels
	if field == domain.FieldAnnotations {
		raw, compiled = r.ReAnnotations, r.compiledAnnotations
	}
	if len(compiled) == len(raw) {
		return compiled
	}
	return compilePatterns(raw)
}

// compile validates and caches key patterns.
// Params: path prefix used in error messages.
// Returns: first compile error.
func (r *Remove) compile(path string) error {
	labels, err := compilePatternsStrict(path+".re_labels", r.ReLabels)
	if err != nil {
		return err
	}
	annotations, err := compilePatternsStrict(path+".re_annotations", r.ReAnnotations)
	if err != nil {
		return err
	}
	r.compiledLabels = labels
	r.compiledAnnotations = annotations
	return nil
}

// Add lists key/value pairs added to alerts that lack the key.
type Add struct {
	Labels      map[string]string `toml:"labels" yaml:"labels"`
	Annotations map[string]string `toml:"annotations" yaml:"annotations"`
}

// Pairs returns configured pairs for field.
func (a Add) Pairs(field domain.Field) map[string]string {
	if field == domain.FieldAnnotations {
		return a.Annotations
	}
	return a.Labels
}

// Override lists key/value pairs forced onto common maps and every alert.
type Override struct {
	Labels      map[string]string `toml:"labels" yaml:"labels"`
	Annotations map[string]string `toml:"annotations" yaml:"annotations"`
}

// Pairs returns configured pairs for field.
func (o Override) Pairs(field domain.Field) map[string]string {
	if field == domain.FieldAnnotations {
		return o.Annotations
	}
	return o.Labels
}

// SplitBy selects the label or annotation whose value partitions a group.
type SplitBy struct {
	Target string `toml:"target" yaml:"target"`
	Value  string `toml:"value" yaml:"value"`
}

// Field maps split target into domain field selector.
// Params: none.
// Returns: labels for "label", annotations for "annotation".
func (s SplitBy) Field() domain.Field {
	if strings.ToLower(strings.TrimSpace(s.Target)) == SplitTargetAnnotation {
		return domain.FieldAnnotations
	}
	return domain.FieldLabels
}

// Target describes one delivery destination and how its URL is resolved.
// Params: static url, expansion template, or label/annotation lookups plus optional sending override.
// Returns: target entry consumed by URL resolver and sender.
type Target struct {
	URL               string   `toml:"url" yaml:"url"`
	ExpansionURL      string   `toml:"expansion_url" yaml:"expansion_url"`
	URLFromLabel      string   `toml:"url_from_label" yaml:"url_from_label"`
	URLFromAnnotation string   `toml:"url_from_annotation" yaml:"url_from_annotation"`
	Sending           *Sending `toml:"sending" yaml:"sending"`

	expansion *template.Template
}

// ExpansionTemplate returns the parsed expansion_url template.
// Params: none.
// Returns: template compiled at load time, or parsed now for targets built outside a snapshot.
func (t Target) ExpansionTemplate() (*template.Template, error) {
	if t.expansion != nil {
		return t.expansion, nil
	}
	return templatefmt.ParseURLTemplate("expansion_url", t.ExpansionURL)
}

// Clone returns a copy that shares no pointers with t.
func (t Target) Clone() Target {
	out := t
	if t.Sending != nil {
		sending := t.Sending.clone()
		out.Sending = &sending
	}
	return out
}

// hasURLSource reports whether at least one URL source is configured.
func (t Target) hasURLSource() bool {
	return strings.TrimSpace(t.URL) != "" ||
		strings.TrimSpace(t.ExpansionURL) != "" ||
		strings.TrimSpace(t.URLFromLabel) != "" ||
		strings.TrimSpace(t.URLFromAnnotation) != ""
}

// CloneTargets copies a target list for request-scoped use.
// Params: shared target list from config snapshot.
// Returns: independent slice with deep-copied entries.
func CloneTargets(targets []Target) []Target {
	out := make([]Target, len(targets))
	for i, target := range targets {
		out[i] = target.Clone()
	}
	return out
}

// Sending is a sparse delivery policy; nil fields inherit from the outer scope.
// Params: retry budget, backoff, escalation switches, per-attempt timeout, fan-out workers.
// Returns: one scope of policy passed to MergeSending.
type Sending struct {
	Retries       *int     `toml:"retries" yaml:"retries"`
	BackoffFactor *float64 `toml:"backoff_factor" yaml:"backoff_factor"`
	HandleFailure *bool    `toml:"handle_failure" yaml:"handle_failure"`
	FallbackURL   *string  `toml:"fallback_url" yaml:"fallback_url"`
	TimeoutSec    *float64 `toml:"timeout_sec" yaml:"timeout_sec"`
	Workers       *int     `toml:"workers" yaml:"workers"`
}

func (s Sending) clone() Sending {
	out := Sending{}
	if s.Retries != nil {
		out.Retries = ptr(*s.Retries)
	}
	if s.BackoffFactor != nil {
		out.BackoffFactor = ptr(*s.BackoffFactor)
	}
	if s.HandleFailure != nil {
		out.HandleFailure = ptr(*s.HandleFailure)
	}
	if s.FallbackURL != nil {
		out.FallbackURL = ptr(*s.FallbackURL)
	}
	if s.TimeoutSec != nil {
		out.TimeoutSec = ptr(*s.TimeoutSec)
	}
	if s.Workers != nil {
		out.Workers = ptr(*s.Workers)
	}
	return out
}

// SendingPolicy is the resolved delivery policy for one target.
type SendingPolicy struct {
	Retries       int
	BackoffFactor float64
	HandleFailure bool
	FallbackURL   string
	Timeout       time.Duration
	Workers       int
}

// Backoff returns the wait before retry number n (1-based).
// Params: retry ordinal.
// Returns: backoff_factor * 2^(n-1) seconds capped at MaxBackoff; zero for n<1.
func (p SendingPolicy) Backoff(retry int) time.Duration {
	if retry < 1 || p.BackoffFactor <= 0 {
		return 0
	}
	seconds := p.BackoffFactor * math.Pow(2, float64(retry-1))
	if seconds >= MaxBackoff.Seconds() {
		return MaxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// DefaultSendingPolicy returns built-in delivery defaults.
func DefaultSendingPolicy() SendingPolicy {
	return SendingPolicy{
		Retries:       defaultRetries,
		BackoffFactor: defaultBackoffFactor,
		HandleFailure: defaultHandleFailure,
		Timeout:       time.Duration(defaultTimeoutSec * float64(time.Second)),
		Workers:       defaultWorkers,
	}
}

// MergeSending overlays sparse scopes onto defaults in the given order.
// Params: scopes from outermost (routing) to innermost (target).
// Returns: resolved policy where later scopes win field by field.
func MergeSending(scopes ...Sending) SendingPolicy {
	policy := DefaultSendingPolicy()
	for _, scope := range scopes {
		if scope.Retries != nil {
			policy.Retries = *scope.Retries
		}
		if scope.BackoffFactor != nil {
			policy.BackoffFactor = *scope.BackoffFactor
		}
		if scope.HandleFailure != nil {
			policy.HandleFailure = *scope.HandleFailure
		}
		if scope.FallbackURL != nil {
			policy.FallbackURL = strings.TrimSpace(*scope.FallbackURL)
		}
		if scope.TimeoutSec != nil {
			policy.Timeout = time.Duration(*scope.TimeoutSec * float64(time.Second))
		}
		if scope.Workers != nil {
			policy.Workers = *scope.Workers
		}
	}
	return policy
}

// OverlaySending merges sparse src into dst keeping dst fields src leaves unset.
// Params: outer scope and inner scope.
// Returns: sparse scope still subject to defaults in MergeSending.
func OverlaySending(dst Sending, src Sending) Sending {
	out := dst.clone()
	if src.Retries != nil {
		out.Retries = ptr(*src.Retries)
	}
	if src.BackoffFactor != nil {
		out.BackoffFactor = ptr(*src.BackoffFactor)
	}
	if src.HandleFailure != nil {
		out.HandleFailure = ptr(*src.HandleFailure)
	}
	if src.FallbackURL != nil {
		out.FallbackURL = ptr(*src.FallbackURL)
	}
	if src.TimeoutSec != nil {
		out.TimeoutSec = ptr(*src.TimeoutSec)
	}
	if src.Workers != nil {
		out.Workers = ptr(*src.Workers)
	}
	return out
}

// MergeRemove unions routing and route remove rules.
// Params: global (routing) rule first, route rule second.
// Returns: rule with deduplicated keys and both pattern lists.
func MergeRemove(global, route Remove) Remove {
	out := Remove{
		Labels:        unionStrings(global.Labels, route.Labels),
		Annotations:   unionStrings(global.Annotations, route.Annotations),
		ReLabels:      unionStrings(global.ReLabels, route.ReLabels),
		ReAnnotations: unionStrings(global.ReAnnotations, route.ReAnnotations),
	}
	out.compiledLabels = mergePatterns(global, route, domain.FieldLabels)
	out.compiledAnnotations = mergePatterns(global, route, domain.FieldAnnotations)
	return out
}

// MergeAdd overlays route pairs onto routing pairs; route values win.
func MergeAdd(global, route Add) Add {
	return Add{
		Labels:      overlayMap(global.Labels, route.Labels),
		Annotations: overlayMap(global.Annotations, route.Annotations),
	}
}

// MergeOverride overlays route pairs onto routing pairs; route values win.
func MergeOverride(global, route Override) Override {
	return Override{
		Labels:      overlayMap(global.Labels, route.Labels),
		Annotations: overlayMap(global.Annotations, route.Annotations),
	}
}

func mergePatterns(global, route Remove, field domain.Field) []*regexp.Regexp {
	seen := make(map[string]struct{})
	var out []*regexp.Regexp
	for _, scope := range [][]*regexp.Regexp{global.Patterns(field), route.Patterns(field)} {
		for _, pattern := range scope {
			if _, ok := seen[pattern.String()]; ok {
				continue
			}
			seen[pattern.String()] = struct{}{}
			out = append(out, pattern)
		}
	}
	return out
}

func overlayMap(base, top map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(top))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range top {
		out[key] = value
	}
	return out
}

func unionStrings(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, item := range list {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

func compilePatterns(raw []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, pattern := range raw {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		out = append(out, compiled)
	}
	return out
}

func compilePatternsStrict(path string, raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for i, pattern := range raw {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: invalid pattern %q: %w", path, i, pattern, err)
		}
		out = append(out, compiled)
	}
	return out, nil
}

func ptr[T any](value T) *T {
	return &value
}
