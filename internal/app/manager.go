package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"alertrelay/internal/config"
	"alertrelay/internal/engine"
	"alertrelay/internal/ingest"
	"alertrelay/internal/notify"
	"alertrelay/internal/render"
)

var (
	// ErrUnknownRoute reports a request for a route absent from the snapshot.
	ErrUnknownRoute = ingest.ErrUnknownRoute
	// ErrDynamicWebhookNotAllowed reports a dynamic webhook sent to a non-catch route.
	ErrDynamicWebhookNotAllowed = ingest.ErrDynamicWebhookNotAllowed
)

// Recorder counts pipeline progress; *metrics.Metrics implements it.
type Recorder interface {
	GroupReceived(route string)
	BatchesProduced(route string, count int)
}

// Sender delivers rendered payloads; *notify.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, payloads []notify.Payload, sending config.Sending, parser notify.ErrorParser) []notify.Outcome
}

// Manager runs the relay pipeline for ingest requests against the current config snapshot.
// Params: initial config, logger, sender, renderer and optional recorder.
// Returns: ingest sink whose snapshot can be swapped at runtime.
type Manager struct {
	cfg      atomic.Pointer[config.Config]
	logger   *slog.Logger
	sender   Sender
	renderer *render.Renderer
	recorder Recorder
}

// NewManager creates manager with initial configuration.
// Params: initial config, logger, sender, renderer, and optional recorder.
// Returns: initialized manager.
func NewManager(cfg config.Config, logger *slog.Logger, sender Sender, renderer *render.Renderer, recorder Recorder) *Manager {
	if renderer == nil {
		renderer = render.NewRenderer(logger)
	}
	manager := &Manager{
		logger:   logger,
		sender:   sender,
		renderer: renderer,
		recorder: recorder,
	}
	manager.ApplyConfig(cfg)
	return manager
}

// ApplyConfig swaps the active snapshot; in-flight requests keep the snapshot they started with.
func (m *Manager) ApplyConfig(cfg config.Config) {
	snapshot := cfg
	m.cfg.Store(&snapshot)
}

// Config returns the active snapshot.
func (m *Manager) Config() config.Config {
	return *m.cfg.Load()
}

// Handle processes one webhook end to end.
// Params: context bounding delivery and the decoded request.
// Returns: delivery outcomes; ErrUnknownRoute, ErrDynamicWebhookNotAllowed or render errors.
// Delivery failures are reported in outcomes, never as errors.
func (m *Manager) Handle(ctx context.Context, request ingest.Request) ([]notify.Outcome, error) {
	cfg := m.Config()
	route, ok := cfg.Routing.Route(request.Route)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, request.Route)
	}
	if request.WebhookURL != "" && !route.Catch {
		return nil, fmt.Errorf("%w: %q", ErrDynamicWebhookNotAllowed, route.Name)
	}

	logger := m.logger.With(
		"request_id", request.ID,
		"route", route.Name,
		"group_key", request.Payload.GroupKey,
	)
	if m.recorder != nil {
		m.recorder.GroupReceived(route.Name)
	}

	batches := engine.Preprocess(cfg.Routing, route, request.Payload)
	if m.recorder != nil {
		m.recorder.BatchesProduced(route.Name, len(batches))
	}

	payloads := make([]notify.Payload, 0, len(batches))
	var parser notify.ErrorParser
	for _, batch := range batches {
		if request.WebhookURL != "" {
			batch.Targets = append(batch.Targets, config.Target{URL: request.WebhookURL})
		}
		payload, batchParser, err := m.renderer.Render(route, batch)
		if err != nil {
			logger.Error("batch render failed", "error", err.Error())
			return nil, err
		}
		parser = batchParser
		payloads = append(payloads, payload)
	}

	sending := config.OverlaySending(cfg.Routing.Sending, route.Sending)
	outcomes := m.sender.Send(ctx, payloads, sending, parser)
	m.logSummary(logger, request, len(batches), outcomes)
	return outcomes, nil
}

func (m *Manager) logSummary(logger *slog.Logger, request ingest.Request, batches int, outcomes []notify.Outcome) {
	failed := 0
	escalated := 0
	for _, outcome := range outcomes {
		if outcome.Escalation {
			escalated++
			continue
		}
		if !outcome.OK() {
			failed++
		}
	}
	attrs := []any{
		"transport", request.Transport,
		"alerts", len(request.Payload.Alerts),
		"batches", batches,
		"calls", len(outcomes),
		"failed", failed,
		"escalated", escalated,
	}
	if failed > 0 {
		logger.Warn("webhook processed with delivery failures", attrs...)
		return
	}
	logger.Info("webhook processed", attrs...)
}
