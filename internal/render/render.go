package render

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"text/template"

	"alertrelay/internal/config"
	"alertrelay/internal/engine"
	"alertrelay/internal/notify"
	"alertrelay/internal/templatefmt"
)

const defaultContentType = "application/json"

// ErrorData is the template context of route.template.error_body.
type ErrorData struct {
	Route      string
	GroupKey   string
	URL        string
	StatusCode int
	Body       string
	Error      string
	Retries    int
	Payload    string
}

// Renderer turns batches into delivery payloads.
// Params: logger for escalation template failures.
// Returns: renderer with per-template cache safe for concurrent use.
type Renderer struct {
	logger    *slog.Logger
	templates sync.Map
}

// NewRenderer creates a renderer.
func NewRenderer(logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{logger: logger}
}

// Render builds the delivery payload and optional error parser for one batch.
// Params: resolved route and processed batch.
// Returns: payload carrying the batch targets, parser when error_body is set, or render error.
func (r *Renderer) Render(route config.Route, batch engine.Batch) (notify.Payload, notify.ErrorParser, error) {
	data, err := r.renderBody(route, batch)
	if err != nil {
		return notify.Payload{}, nil, fmt.Errorf("render route %q body: %w", route.Name, err)
	}

	contentType := route.Template.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	payload := notify.Payload{
		Route:             batch.Route,
		GroupKey:          batch.Group.GroupKey,
		Data:              data,
		ContentType:       contentType,
		Targets:           batch.Targets,
		CommonLabels:      batch.Group.CommonLabels,
		CommonAnnotations: batch.Group.CommonAnnotations,
	}

	if route.Template.ErrorBody == "" {
		return payload, nil, nil
	}
	errorTemplate, err := r.template(route.Name+".error_body", route.Template.ErrorBody)
	if err != nil {
		return notify.Payload{}, nil, fmt.Errorf("parse route %q error_body: %w", route.Name, err)
	}
	return payload, r.errorParser(errorTemplate), nil
}

// renderBody renders route.template.body or the batch group as JSON.
func (r *Renderer) renderBody(route config.Route, batch engine.Batch) ([]byte, error) {
	if route.Template.Body == "" {
		return json.Marshal(batch.Group)
	}
	tmpl, err := r.template(route.Name+".body", route.Template.Body)
	if err != nil {
		return nil, err
	}
	return templatefmt.Execute(tmpl, batch)
}

// errorParser wraps a compiled error_body template; render failures decline so escalation falls back to GET.
func (r *Renderer) errorParser(tmpl *template.Template) notify.ErrorParser {
	return func(failure notify.Failure) ([]byte, bool) {
		data := ErrorData{
			Route:      failure.Payload.Route,
			GroupKey:   failure.Payload.GroupKey,
			URL:        failure.URL,
			StatusCode: failure.StatusCode,
			Body:       failure.Body,
			Retries:    failure.Policy.Retries,
			Payload:    string(failure.Payload.Data),
		}
		if failure.Err != nil {
			data.Error = failure.Err.Error()
		}
		body, err := templatefmt.Execute(tmpl, data)
		if err != nil {
			r.logger.Error("error_body render failed; escalating without body",
				"route", data.Route,
				"error", err.Error(),
			)
			return nil, false
		}
		return body, true
	}
}

// template returns the cached template for body, parsing it on first use.
func (r *Renderer) template(name, body string) (*template.Template, error) {
	if cached, ok := r.templates.Load(body); ok {
		return cached.(*template.Template), nil
	}
	parsed, err := templatefmt.ParseBodyTemplate(name, body)
	if err != nil {
		return nil, err
	}
	actual, _ := r.templates.LoadOrStore(body, parsed)
	return actual.(*template.Template), nil
}
