package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"alertrelay/internal/config"
	"alertrelay/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	// WebhookURLHeader carries an optional base64 dynamic webhook on NATS messages.
	WebhookURLHeader = "Webhook-Url"
	// RequestIDHeader carries an optional caller-provided request id on NATS messages.
	RequestIDHeader = "Request-Id"
)

// NATSSubscriber consumes webhooks from a core NATS queue group.
// Params: NATS connection, queue subscription on `{prefix}.>`, and sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	sink   Sink
	logger *slog.Logger
}

// NewNATSSubscriber connects and subscribes to route subjects.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink Sink, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("alertrelay-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}

	subscriber := &NATSSubscriber{nc: nc, sink: sink, logger: logger}
	subject := strings.TrimSuffix(cfg.SubjectPrefix, ".") + ".>"
	sub, err := nc.QueueSubscribe(subject, cfg.QueueGroup, subscriber.handleMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", subject, cfg.QueueGroup, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("flush nats subscription: %w", err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handleMessage decodes one message and hands it to the sink.
// Params: NATS message whose last subject token names the route.
// Returns: none; invalid messages are logged and dropped.
func (s *NATSSubscriber) handleMessage(message *nats.Msg) {
	request, err := DecodeNATSMessage(message)
	if err != nil {
		s.logger.Warn("nats webhook rejected", "subject", message.Subject, "error", err.Error())
		s.reply(message, "error: "+err.Error())
		return
	}

	outcomes, err := s.sink.Handle(context.Background(), request)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrUnknownRoute) || errors.Is(err, ErrDynamicWebhookNotAllowed) {
			level = slog.LevelWarn
		}
		s.logger.Log(context.Background(), level, "nats webhook processing failed",
			"request_id", request.ID,
			"route", request.Route,
			"error", err.Error(),
		)
		s.reply(message, "error: "+err.Error())
		return
	}
	s.reply(message, fmt.Sprintf("ok: %d deliveries", len(outcomes)))
}

// reply answers request-reply publishers; plain publishes are ignored.
func (s *NATSSubscriber) reply(message *nats.Msg, body string) {
	if message.Reply == "" {
		return
	}
	if err := message.Respond([]byte(body)); err != nil {
		s.logger.Warn("nats reply failed", "subject", message.Subject, "error", err.Error())
	}
}

// DecodeNATSMessage builds a request from a NATS message.
// Params: message with webhook JSON body, optional Webhook-Url and Request-Id headers.
// Returns: validated request or decode error.
func DecodeNATSMessage(message *nats.Msg) (Request, error) {
	subject := message.Subject
	route := strings.ToLower(subject[strings.LastIndex(subject, ".")+1:])
	if route == "" || route == ">" || route == "*" {
		return Request{}, fmt.Errorf("subject %q has no route token", subject)
	}

	payload, err := domain.DecodeWebhook(message.Data)
	if err != nil {
		return Request{}, err
	}

	request := Request{
		ID:        NewRequestID(),
		Transport: "nats",
		Route:     route,
		Payload:   payload,
	}
	if message.Header != nil {
		if id := strings.TrimSpace(message.Header.Get(RequestIDHeader)); id != "" {
			request.ID = id
		}
		webhookURL, err := DecodeWebhookURL(message.Header.Get(WebhookURLHeader))
		if err != nil {
			return Request{}, err
		}
		request.WebhookURL = webhookURL
	}
	return request, nil
}

// Close drains the subscription and closes the connection.
// Params: none.
// Returns: drain error.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
