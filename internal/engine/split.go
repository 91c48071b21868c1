package engine

import "alertrelay/internal/domain"

// Split partitions group by the value of key in field.
// Params: field selector, key name, and source group (not mutated).
// Returns: the group itself for one alert; otherwise the no-value group first
// (when non-empty) and then one group per distinct value in first-seen order,
// each with recomputed common maps and pruned group labels.
func Split(field domain.Field, key string, group domain.AlertGroup) []domain.AlertGroup {
	if len(group.Alerts) <= 1 {
		return []domain.AlertGroup{group}
	}

	var missing []domain.Alert
	order := make([]string, 0)
	buckets := make(map[string][]domain.Alert)
	for _, alert := range group.Alerts {
		value, ok := alert.Pairs(field)[key]
		if !ok {
			missing = append(missing, alert)
			continue
		}
		if _, seen := buckets[value]; !seen {
			order = append(order, value)
		}
		buckets[value] = append(buckets[value], alert)
	}

	out := make([]domain.AlertGroup, 0, len(order)+1)
	if len(missing) > 0 {
		out = append(out, newSubgroup(group, missing))
	}
	for _, value := range order {
		out = append(out, newSubgroup(group, buckets[value]))
	}
	return out
}

// newSubgroup copies group metadata and recomputes common fields for alerts.
func newSubgroup(base domain.AlertGroup, alerts []domain.Alert) domain.AlertGroup {
	sub := domain.AlertGroup{
		Version:         base.Version,
		GroupKey:        base.GroupKey,
		TruncatedAlerts: base.TruncatedAlerts,
		Status:          base.Status,
		Receiver:        base.Receiver,
		ExternalURL:     base.ExternalURL,
		Alerts:          make([]domain.Alert, len(alerts)),
	}
	for i, alert := range alerts {
		sub.Alerts[i] = alert.Clone()
	}
	for _, field := range fields {
		sub.SetCommon(field, commonPairs(sub.Alerts, field))
	}

	sub.GroupLabels = make(map[string]string, len(base.GroupLabels))
	for key, value := range base.GroupLabels {
		if _, ok := sub.CommonLabels[key]; ok {
			sub.GroupLabels[key] = value
		}
	}
	return sub
}

// commonPairs returns keys present in every alert with one identical value.
func commonPairs(alerts []domain.Alert, field domain.Field) map[string]string {
	if len(alerts) == 0 {
		return map[string]string{}
	}
	common := domain.CloneMap(alerts[0].Pairs(field))
	for _, alert := range alerts[1:] {
		pairs := alert.Pairs(field)
		for key, value := range common {
			if other, ok := pairs[key]; !ok || other != value {
				delete(common, key)
			}
		}
	}
	return common
}
