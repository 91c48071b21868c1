package engine

import (
	"strings"

	"alertrelay/internal/config"
	"alertrelay/internal/domain"
)

// Batch is one enriched alert group ready for rendering and delivery.
// Params: processed group, owning route name, and request-private targets.
// Returns: unit handed to renderer and dispatcher.
type Batch struct {
	Route   string            `json:"route"`
	Group   domain.AlertGroup `json:"group"`
	Targets []config.Target   `json:"-"`
}

// Preprocess runs the full pipeline for one webhook payload.
// Params: routing snapshot, resolved route, and decoded payload (never mutated).
// Returns: one batch, or one per split value, each with its own target copy.
func Preprocess(routing config.Routing, route config.Route, payload domain.WebhookPayload) []Batch {
	group := payload.Normalize()
	ApplyActions(routing, route, &group)

	groups := []domain.AlertGroup{group}
	if route.SplitBy != nil {
		groups = Split(route.SplitBy.Field(), route.SplitBy.Value, group)
	}

	batches := make([]Batch, 0, len(groups))
	for _, item := range groups {
		AddSpecific(&item)
		targets := config.CloneTargets(route.Targets)
		targets = append(targets, ExtractWebhookTargets(route, item)...)
		batches = append(batches, Batch{
			Route:   route.Name,
			Group:   item,
			Targets: targets,
		})
	}
	return batches
}

// AddSpecific stores, per alert, the pairs whose key is absent from the
// group's common map or whose value differs from it.
func AddSpecific(group *domain.AlertGroup) {
	for _, field := range fields {
		common := group.Common(field)
		for i := range group.Alerts {
			specific := make(map[string]string)
			for key, value := range group.Alerts[i].Pairs(field) {
				if commonValue, ok := common[key]; !ok || commonValue != value {
					specific[key] = value
				}
			}
			group.Alerts[i].SetSpecific(field, specific)
		}
	}
}

// ExtractWebhookTargets builds static targets from common annotations named
// in extract_webhooks or matching extract_webhooks_re.
// Params: route options and processed group.
// Returns: targets in annotation-name order; empty values are ignored.
func ExtractWebhookTargets(route config.Route, group domain.AlertGroup) []config.Target {
	patterns := route.ExtractPatterns()
	if len(route.ExtractWebhooks) == 0 && len(patterns) == 0 {
		return nil
	}
	names := make(map[string]struct{}, len(route.ExtractWebhooks))
	for _, name := range route.ExtractWebhooks {
		names[name] = struct{}{}
	}

	var out []config.Target
	for _, key := range sortedKeys(group.CommonAnnotations) {
		value := strings.TrimSpace(group.CommonAnnotations[key])
		if value == "" {
			continue
		}
		_, listed := names[key]
		if !listed {
			for _, pattern := range patterns {
				if pattern.MatchString(key) {
					listed = true
					break
				}
			}
		}
		if listed {
			out = append(out, config.Target{URL: value})
		}
	}
	return out
}
