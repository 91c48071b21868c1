package domain

import (
	"fmt"
	"strings"
	"time"
)

// Field selects one of the two key/value collections carried by alerts and groups.
// Params: FieldLabels or FieldAnnotations.
// Returns: explicit accessor selector used by mutation rules and splitting.
type Field int

const (
	// FieldLabels selects labels / common_labels.
	FieldLabels Field = iota
	// FieldAnnotations selects annotations / common_annotations.
	FieldAnnotations
)

// ParseField maps configuration target names to Field.
// Params: "label", "labels", "annotation" or "annotations" (case-insensitive).
// Returns: field selector or error for unknown names.
func ParseField(value string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "label", "labels":
		return FieldLabels, nil
	case "annotation", "annotations":
		return FieldAnnotations, nil
	default:
		return FieldLabels, fmt.Errorf("unsupported field %q", value)
	}
}

func (f Field) String() string {
	if f == FieldAnnotations {
		return "annotations"
	}
	return "labels"
}

// Alert is one firing or resolved condition inside a group.
// Params: Alertmanager alert fields in internal naming plus derived specific fields.
// Returns: mutable alert model for the preprocessing pipeline.
type Alert struct {
	Fingerprint         string            `json:"fingerprint"`
	Status              string            `json:"status"`
	StartsAt            time.Time         `json:"starts_at"`
	EndsAt              time.Time         `json:"ends_at"`
	GeneratorURL        string            `json:"generator_url"`
	Labels              map[string]string `json:"labels"`
	Annotations         map[string]string `json:"annotations"`
	SpecificLabels      map[string]string `json:"specific_labels"`
	SpecificAnnotations map[string]string `json:"specific_annotations"`
}

// Pairs returns the writable collection selected by field.
// Params: field selector.
// Returns: labels or annotations map, allocated when nil.
func (a *Alert) Pairs(field Field) map[string]string {
	if field == FieldAnnotations {
		if a.Annotations == nil {
			a.Annotations = make(map[string]string)
		}
		return a.Annotations
	}
	if a.Labels == nil {
		a.Labels = make(map[string]string)
	}
	return a.Labels
}

// SetSpecific stores the derived per-alert subset for field.
// Params: field selector and subset map.
// Returns: none.
func (a *Alert) SetSpecific(field Field, pairs map[string]string) {
	if field == FieldAnnotations {
		a.SpecificAnnotations = pairs
		return
	}
	a.SpecificLabels = pairs
}

// AlertGroup is one Alertmanager notification batch.
// Params: group metadata, common collections and ordered alerts.
// Returns: batch that mutation rules and the splitter operate on.
type AlertGroup struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"group_key"`
	TruncatedAlerts   int               `json:"truncated_alerts"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"group_labels"`
	CommonLabels      map[string]string `json:"common_labels"`
	CommonAnnotations map[string]string `json:"common_annotations"`
	ExternalURL       string            `json:"external_url"`
	Alerts            []Alert           `json:"alerts"`
}

// Common returns the writable common collection selected by field.
// Params: field selector.
// Returns: common_labels or common_annotations, allocated when nil.
func (g *AlertGroup) Common(field Field) map[string]string {
	if field == FieldAnnotations {
		if g.CommonAnnotations == nil {
			g.CommonAnnotations = make(map[string]string)
		}
		return g.CommonAnnotations
	}
	if g.CommonLabels == nil {
		g.CommonLabels = make(map[string]string)
	}
	return g.CommonLabels
}

// SetCommon replaces the common collection selected by field.
// Params: field selector and new common map.
// Returns: none.
func (g *AlertGroup) SetCommon(field Field, pairs map[string]string) {
	if pairs == nil {
		pairs = make(map[string]string)
	}
	if field == FieldAnnotations {
		g.CommonAnnotations = pairs
		return
	}
	g.CommonLabels = pairs
}

// Clone returns a deep copy that shares no maps or slices with g.
func (g AlertGroup) Clone() AlertGroup {
	out := g
	out.GroupLabels = CloneMap(g.GroupLabels)
	out.CommonLabels = CloneMap(g.CommonLabels)
	out.CommonAnnotations = CloneMap(g.CommonAnnotations)
	out.Alerts = make([]Alert, len(g.Alerts))
	for i, alert := range g.Alerts {
		out.Alerts[i] = alert.Clone()
	}
	return out
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	out := a
	out.Labels = CloneMap(a.Labels)
	out.Annotations = CloneMap(a.Annotations)
	if a.SpecificLabels != nil {
		out.SpecificLabels = CloneMap(a.SpecificLabels)
	}
	if a.SpecificAnnotations != nil {
		out.SpecificAnnotations = CloneMap(a.SpecificAnnotations)
	}
	return out
}

// CloneMap copies one string map; nil input yields an empty map.
func CloneMap(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for key, value := range src {
		out[key] = value
	}
	return out
}
