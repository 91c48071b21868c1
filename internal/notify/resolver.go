package notify

import (
	"log/slog"
	"strings"

	"alertrelay/internal/config"
	"alertrelay/internal/templatefmt"
)

// urlTemplateData is the expansion_url template context.
type urlTemplateData struct {
	CommonLabels      map[string]string
	CommonAnnotations map[string]string
}

// ExtractURL resolves the delivery URL of target.
// Params: target, batch common labels/annotations, optional logger for fall-through diagnostics.
// Returns: first match of expansion_url, url_from_label, url_from_annotation, url; false when none resolves.
func ExtractURL(target config.Target, commonLabels, commonAnnotations map[string]string, logger *slog.Logger) (string, bool) {
	if target.ExpansionURL != "" {
		resolved, err := expandURL(target, urlTemplateData{
			CommonLabels:      commonLabels,
			CommonAnnotations: commonAnnotations,
		})
		if err == nil && resolved != "" {
			return resolved, true
		}
		if logger != nil {
			attrs := []any{"expansion_url", target.ExpansionURL}
			if err != nil {
				attrs = append(attrs, "error", err.Error())
			}
			logger.Error("expansion_url could not be rendered; trying next url source", attrs...)
		}
	}
	if target.URLFromLabel != "" {
		if value := strings.TrimSpace(commonLabels[target.URLFromLabel]); value != "" {
			return value, true
		}
	}
	if target.URLFromAnnotation != "" {
		if value := strings.TrimSpace(commonAnnotations[target.URLFromAnnotation]); value != "" {
			return value, true
		}
	}
	if value := strings.TrimSpace(target.URL); value != "" {
		return value, true
	}
	return "", false
}

// expandURL renders the target's expansion_url template.
func expandURL(target config.Target, data urlTemplateData) (string, error) {
	tmpl, err := target.ExpansionTemplate()
	if err != nil {
		return "", err
	}
	rendered, err := templatefmt.Execute(tmpl, data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(rendered)), nil
}
