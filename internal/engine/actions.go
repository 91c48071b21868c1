package engine

import (
	"sort"

	"alertrelay/internal/config"
	"alertrelay/internal/domain"
)

var fields = [...]domain.Field{domain.FieldLabels, domain.FieldAnnotations}

// ApplyActions applies Remove, Add and Override in this fixed order.
// Params: routing-level scope, route scope, and group mutated in place.
// Returns: none.
func ApplyActions(routing config.Routing, route config.Route, group *domain.AlertGroup) {
	ApplyRemove(routing.Remove, route.Remove, group)
	ApplyAdd(routing.Add, route.Add, group)
	ApplyOverride(routing.Override, route.Override, group)
}

// ApplyRemove deletes the union of routing and route keys plus every key
// matched (unanchored search) by any pattern, from common maps and all alerts.
// Missing keys are no-ops, so the operation is idempotent.
func ApplyRemove(global, route config.Remove, group *domain.AlertGroup) {
	merged := config.MergeRemove(global, route)
	for _, field := range fields {
		keys := merged.Keys(field)
		patterns := merged.Patterns(field)
		if len(keys) == 0 && len(patterns) == 0 {
			continue
		}

		common := group.Common(field)
		for _, key := range keys {
			delete(common, key)
		}
		for i := range group.Alerts {
			pairs := group.Alerts[i].Pairs(field)
			for _, key := range keys {
				delete(pairs, key)
			}
		}

		for _, pattern := range patterns {
			for key := range common {
				if pattern.MatchString(key) {
					delete(common, key)
				}
			}
			for i := range group.Alerts {
				pairs := group.Alerts[i].Pairs(field)
				for key := range pairs {
					if pattern.MatchString(key) {
						delete(pairs, key)
					}
				}
			}
		}
	}
}

// ApplyAdd sets each configured pair on alerts that lack the key; existing
// alert values are kept. The pair reaches the common map only when every
// alert ends up holding exactly the added value. Route values win over routing values.
func ApplyAdd(global, route config.Add, group *domain.AlertGroup) {
	merged := config.MergeAdd(global, route)
	for _, field := range fields {
		pairs := merged.Pairs(field)
		if len(pairs) == 0 {
			continue
		}
		common := group.Common(field)
		for _, key := range sortedKeys(pairs) {
			value := pairs[key]
			allEqual := len(group.Alerts) > 0
			for i := range group.Alerts {
				alertPairs := group.Alerts[i].Pairs(field)
				current, ok := alertPairs[key]
				if !ok {
					alertPairs[key] = value
					current = value
				}
				if current != value {
					allEqual = false
				}
			}
			if allEqual {
				common[key] = value
			}
		}
	}
}

// ApplyOverride sets each configured pair on the common map and every alert unconditionally.
func ApplyOverride(global, route config.Override, group *domain.AlertGroup) {
	merged := config.MergeOverride(global, route)
	for _, field := range fields {
		pairs := merged.Pairs(field)
		if len(pairs) == 0 {
			continue
		}
		common := group.Common(field)
		for key, value := range pairs {
			common[key] = value
			for i := range group.Alerts {
				group.Alerts[i].Pairs(field)[key] = value
			}
		}
	}
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
