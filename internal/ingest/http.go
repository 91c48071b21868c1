package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"alertrelay/internal/domain"
)

const requestIDHeader = "X-Request-Id"

// HTTPHandler decodes Alertmanager webhooks posted to `{prefix}/{route}[/{base64url}]`.
// Params: sink receives validated requests, route prefix, max body limits payload size.
// Returns: HTTP handler for route endpoints.
type HTTPHandler struct {
	sink        Sink
	prefix      string
	maxBodySize int64
	logger      *slog.Logger
}

// NewHTTPHandler creates route ingest handler.
// Params: sink, route prefix, max request body size in bytes and logger.
// Returns: configured handler.
func NewHTTPHandler(sink Sink, prefix string, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		sink:        sink,
		prefix:      "/" + strings.Trim(prefix, "/"),
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// Pattern returns the mux pattern covering every route below the prefix.
func (h *HTTPHandler) Pattern() string {
	return strings.TrimSuffix(h.prefix, "/") + "/"
}

type response struct {
	Status     string `json:"status"`
	RequestID  string `json:"request_id"`
	Deliveries int    `json:"deliveries,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ServeHTTP handles one webhook request.
// Params: HTTP request/response writer pair.
// Returns: 200 once processed (delivery failures included); 400/404/405/413 on request errors.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	requestID := request.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = NewRequestID()
	}
	writer.Header().Set(requestIDHeader, requestID)

	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writeJSON(writer, http.StatusMethodNotAllowed, response{Status: "error", RequestID: requestID, Error: "method not allowed"})
		return
	}

	routeName, suffix, ok := h.splitPath(request.URL.Path)
	if !ok {
		writeJSON(writer, http.StatusNotFound, response{Status: "error", RequestID: requestID, Error: "route not found"})
		return
	}
	webhookURL, err := DecodeWebhookURL(suffix)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, response{Status: "error", RequestID: requestID, Error: err.Error()})
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(writer, status, response{Status: "error", RequestID: requestID, Error: err.Error()})
		return
	}

	payload, err := domain.DecodeWebhook(body)
	if err != nil {
		h.logger.Warn("webhook rejected", "request_id", requestID, "route", routeName, "error", err.Error())
		writeJSON(writer, http.StatusBadRequest, response{Status: "error", RequestID: requestID, Error: err.Error()})
		return
	}

	ctx := context.WithoutCancel(request.Context())
	outcomes, err := h.sink.Handle(ctx, Request{
		ID:         requestID,
		Transport:  "http",
		Route:      routeName,
		Payload:    payload,
		WebhookURL: webhookURL,
	})
	switch {
	case errors.Is(err, ErrUnknownRoute), errors.Is(err, ErrDynamicWebhookNotAllowed):
		writeJSON(writer, http.StatusNotFound, response{Status: "error", RequestID: requestID, Error: err.Error()})
	case err != nil:
		h.logger.Error("webhook processing failed", "request_id", requestID, "route", routeName, "error", err.Error())
		writeJSON(writer, http.StatusInternalServerError, response{Status: "error", RequestID: requestID, Error: err.Error()})
	default:
		writeJSON(writer, http.StatusOK, response{Status: "ok", RequestID: requestID, Deliveries: len(outcomes)})
	}
}

// splitPath extracts route name and optional base64 suffix below the prefix.
func (h *HTTPHandler) splitPath(path string) (string, string, bool) {
	rest, found := strings.CutPrefix(path, strings.TrimSuffix(h.prefix, "/")+"/")
	if !found {
		return "", "", false
	}
	name, suffix, _ := strings.Cut(rest, "/")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, suffix, true
}

func writeJSON(writer http.ResponseWriter, status int, body response) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
