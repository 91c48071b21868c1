package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"alertrelay/internal/domain"
	"alertrelay/internal/notify"

	"github.com/google/uuid"
)

var (
	// ErrUnknownRoute is returned by sinks for names absent from the routing snapshot.
	ErrUnknownRoute = errors.New("unknown route")
	// ErrDynamicWebhookNotAllowed is returned when a non-catch route receives a webhook suffix.
	ErrDynamicWebhookNotAllowed = errors.New("route does not accept dynamic webhooks")
	// ErrInvalidWebhook marks undecodable dynamic webhook suffixes.
	ErrInvalidWebhook = errors.New("invalid dynamic webhook")
)

// Request is one decoded webhook addressed to a route.
// Params: request id, transport, route name, payload and optional dynamic webhook URL.
// Returns: unit handed to Sink.
type Request struct {
	ID         string
	Transport  string
	Route      string
	Payload    domain.WebhookPayload
	WebhookURL string
}

// Sink processes decoded requests.
type Sink interface {
	Handle(ctx context.Context, request Request) ([]notify.Outcome, error)
}

// NewRequestID returns a random request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// DecodeWebhookURL decodes a base64 dynamic webhook suffix.
// Params: standard or URL-safe base64, padded or not.
// Returns: absolute http(s) URL or ErrInvalidWebhook.
func DecodeWebhookURL(encoded string) (string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", nil
	}

	var (
		decoded []byte
		err     error
	)
	for _, encoding := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		decoded, err = encoding.DecodeString(encoded)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	raw := strings.TrimSpace(string(decoded))
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidWebhook, raw)
	}
	return raw, nil
}
