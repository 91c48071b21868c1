package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WebhookAlert is one alert in Alertmanager wire format.
type WebhookAlert struct {
	Fingerprint  string            `json:"fingerprint"`
	Status       string            `json:"status"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
}

// WebhookPayload is the Alertmanager webhook body.
// Params: camelCase fields as posted by Alertmanager; truncatedAlerts is optional.
// Returns: transport model converted by Normalize before rule application.
type WebhookPayload struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	TruncatedAlerts   int               `json:"truncatedAlerts"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []WebhookAlert    `json:"alerts"`
}

// DecodeWebhook decodes and validates one Alertmanager webhook body.
// Params: JSON document bytes.
// Returns: validated payload or decode/validation error.
func DecodeWebhook(raw []byte) (WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return WebhookPayload{}, fmt.Errorf("decode webhook: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return WebhookPayload{}, err
	}
	return payload, nil
}

// Validate checks required webhook fields.
// Params: payload decoded from transport.
// Returns: validation error when the Alertmanager contract is violated.
func (p WebhookPayload) Validate() error {
	if strings.TrimSpace(p.Receiver) == "" {
		return errors.New("receiver is required")
	}
	if strings.TrimSpace(p.Status) == "" {
		return errors.New("status is required")
	}
	if strings.TrimSpace(p.GroupKey) == "" {
		return errors.New("groupKey is required")
	}
	if p.TruncatedAlerts < 0 {
		return errors.New("truncatedAlerts must be >=0")
	}
	if len(p.Alerts) == 0 {
		return errors.New("alerts must contain at least one alert")
	}
	for i, alert := range p.Alerts {
		if strings.TrimSpace(alert.Status) == "" {
			return fmt.Errorf("alerts[%d]: status is required", i)
		}
		if alert.StartsAt.IsZero() {
			return fmt.Errorf("alerts[%d]: startsAt is required", i)
		}
	}
	return nil
}

// Normalize converts wire naming into the internal group model.
// Params: validated webhook payload.
// Returns: deep-copied group with non-nil maps; p is never aliased.
func (p WebhookPayload) Normalize() AlertGroup {
	group := AlertGroup{
		Version:           p.Version,
		GroupKey:          p.GroupKey,
		TruncatedAlerts:   p.TruncatedAlerts,
		Status:            p.Status,
		Receiver:          p.Receiver,
		GroupLabels:       CloneMap(p.GroupLabels),
		CommonLabels:      CloneMap(p.CommonLabels),
		CommonAnnotations: CloneMap(p.CommonAnnotations),
		ExternalURL:       p.ExternalURL,
		Alerts:            make([]Alert, 0, len(p.Alerts)),
	}
	for _, alert := range p.Alerts {
		group.Alerts = append(group.Alerts, Alert{
			Fingerprint:  alert.Fingerprint,
			Status:       alert.Status,
			StartsAt:     alert.StartsAt,
			EndsAt:       alert.EndsAt,
			GeneratorURL: alert.GeneratorURL,
			Labels:       CloneMap(alert.Labels),
			Annotations:  CloneMap(alert.Annotations),
		})
	}
	return group
}
