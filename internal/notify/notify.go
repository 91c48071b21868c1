package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"alertrelay/internal/clock"
	"alertrelay/internal/config"
	"alertrelay/internal/permanent"

	"golang.org/x/sync/errgroup"
)

const (
	maxResponseBodyBytes   = 4 << 10
	escalationContentType  = "application/json"
	defaultPayloadMIMEType = "application/json"
)

// DeliveryState is the terminal state of one delivery or escalation call.
type DeliveryState string

const (
	// StateSentOK marks a primary delivery answered with status <300.
	StateSentOK DeliveryState = "sent_ok"
	// StateSentFailed marks a primary delivery that failed after retries.
	StateSentFailed DeliveryState = "sent_failed"
	// StateEscalatedOK marks a successful escalation call.
	StateEscalatedOK DeliveryState = "escalated_ok"
	// StateEscalatedFailed marks a failed escalation call.
	StateEscalatedFailed DeliveryState = "escalated_failed"
)

// Payload is one rendered body with the targets it must reach.
// Params: rendered data, content type, request-private targets, and common maps for URL resolution.
// Returns: unit of work for Dispatcher.Send.
type Payload struct {
	Route             string
	GroupKey          string
	Data              []byte
	ContentType       string
	Targets           []config.Target
	CommonLabels      map[string]string
	CommonAnnotations map[string]string
}

// Failure describes a failed primary delivery for error parsers.
// Params: resolved URL, final status/body or transport error, policy, target and payload.
// Returns: input of ErrorParser.
type Failure struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
	Policy     config.SendingPolicy
	Target     config.Target
	Payload    Payload
}

// ErrorParser builds the escalation body for a failed delivery.
// Returns: body and true to POST it; false falls back to a bodiless GET.
type ErrorParser func(failure Failure) ([]byte, bool)

// Outcome records one HTTP call made for a target.
type Outcome struct {
	Route      string
	GroupKey   string
	Payload    int
	Target     int
	URL        string
	Method     string
	Escalation bool
	StatusCode int
	Attempts   int
	Duration   time.Duration
	State      DeliveryState
	Err        error
}

// OK reports whether the call ended in a success state.
func (o Outcome) OK() bool {
	return o.State == StateSentOK || o.State == StateEscalatedOK
}

// Observer receives every recorded outcome.
type Observer interface {
	ObserveOutcome(outcome Outcome)
}

// Dispatcher delivers payloads with retry, backoff and failure escalation.
// Params: shared HTTP client, clock for backoff waits, logger and optional observer.
// Returns: stateless sender safe for concurrent requests.
type Dispatcher struct {
	client   *http.Client
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
}

// Option customizes Dispatcher construction.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithClock replaces the clock used for backoff waits and durations.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) {
		if clk != nil {
			d.clock = clk
		}
	}
}

// WithObserver registers an outcome observer such as metrics.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// NewDispatcher creates a dispatcher.
// Params: logger and options.
// Returns: dispatcher with a default client that relies on per-attempt context timeouts.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		client: &http.Client{},
		clock:  clock.RealClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// deliveryJob is one (payload, target) pair with its resolved URL.
type deliveryJob struct {
	payloadIndex int
	targetIndex  int
	payload      Payload
	target       config.Target
	url          string
	policy       config.SendingPolicy
}

// Send delivers every payload to every resolvable target.
// Params: context, payloads, sparse sending scope (routing overlaid with route), optional error parser.
// Returns: outcomes ordered by payload, then target, primary before escalation.
func (d *Dispatcher) Send(ctx context.Context, payloads []Payload, sending config.Sending, parser ErrorParser) []Outcome {
	jobs := d.resolveJobs(payloads, sending)
	if len(jobs) == 0 {
		return nil
	}

	workers := config.MergeSending(sending).Workers
	if workers <= 0 {
		workers = 1
	}
	results := make([][]Outcome, len(jobs))
	var group errgroup.Group
	group.SetLimit(workers)
	for i := range jobs {
		job := jobs[i]
		group.Go(func() error {
			results[i] = d.deliver(ctx, job, parser)
			return nil
		})
	}
	_ = group.Wait()

	outcomes := make([]Outcome, 0, len(jobs))
	for _, items := range results {
		outcomes = append(outcomes, items...)
	}
	return outcomes
}

// resolveJobs resolves URLs and per-target policies, skipping unresolvable targets.
func (d *Dispatcher) resolveJobs(payloads []Payload, sending config.Sending) []deliveryJob {
	var jobs []deliveryJob
	for payloadIndex, payload := range payloads {
		for targetIndex, target := range payload.Targets {
			url, ok := ExtractURL(target, payload.CommonLabels, payload.CommonAnnotations, d.logger)
			if !ok {
				d.logger.Warn("target has no resolvable url; skipping",
					"route", payload.Route,
					"group_key", payload.GroupKey,
					"target", targetIndex,
				)
				continue
			}
			if err := config.ValidateHTTPURL(url); err != nil {
				d.logger.Warn("target resolved to an invalid url; skipping",
					"route", payload.Route,
					"group_key", payload.GroupKey,
					"target", targetIndex,
					"url", url,
					"error", err.Error(),
				)
				continue
			}
			scopes := []config.Sending{sending}
			if target.Sending != nil {
				scopes = append(scopes, *target.Sending)
			}
			jobs = append(jobs, deliveryJob{
				payloadIndex: payloadIndex,
				targetIndex:  targetIndex,
				payload:      payload,
				target:       target,
				url:          url,
				policy:       config.MergeSending(scopes...),
			})
		}
	}
	return jobs
}

// deliver performs the primary call and optional escalation for one job.
func (d *Dispatcher) deliver(ctx context.Context, job deliveryJob, parser ErrorParser) []Outcome {
	contentType := job.payload.ContentType
	if contentType == "" {
		contentType = defaultPayloadMIMEType
	}

	started := d.clock.Now()
	result := d.sendWithRetry(ctx, job.url, job.payload.Data, contentType, job.policy)
	primary := Outcome{
		Route:      job.payload.Route,
		GroupKey:   job.payload.GroupKey,
		Payload:    job.payloadIndex,
		Target:     job.targetIndex,
		URL:        job.url,
		Method:     http.MethodPost,
		StatusCode: result.status,
		Attempts:   result.attempts,
		Duration:   d.clock.Now().Sub(started),
		Err:        result.err,
		State:      StateSentOK,
	}
	if !result.ok() {
		primary.State = StateSentFailed
		if primary.Err == nil {
			primary.Err = fmt.Errorf("unexpected status %d", result.status)
		}
	}
	d.record(primary)

	outcomes := []Outcome{primary}
	if primary.State == StateSentFailed && job.policy.HandleFailure {
		outcomes = append(outcomes, d.escalate(ctx, job, result, parser))
	}
	return outcomes
}

// escalate sends one failure notification without retries.
func (d *Dispatcher) escalate(ctx context.Context, job deliveryJob, primary attemptResult, parser ErrorParser) Outcome {
	destination := job.policy.FallbackURL
	if destination == "" {
		destination = job.url
	}

	method := http.MethodGet
	var body []byte
	if parser != nil {
		failure := Failure{
			URL:        job.url,
			StatusCode: primary.status,
			Body:       primary.body,
			Err:        primary.err,
			Policy:     job.policy,
			Target:     job.target,
			Payload:    job.payload,
		}
		if parsed, ok := parser(failure); ok {
			method = http.MethodPost
			body = parsed
		}
	}

	started := d.clock.Now()
	status, _, err := d.doRequest(ctx, method, destination, body, escalationContentType, job.policy.Timeout)
	outcome := Outcome{
		Route:      job.payload.Route,
		GroupKey:   job.payload.GroupKey,
		Payload:    job.payloadIndex,
		Target:     job.targetIndex,
		URL:        destination,
		Method:     method,
		Escalation: true,
		StatusCode: status,
		Attempts:   1,
		Duration:   d.clock.Now().Sub(started),
		Err:        err,
		State:      StateEscalatedOK,
	}
	if err != nil || status >= http.StatusMultipleChoices {
		outcome.State = StateEscalatedFailed
		if outcome.Err == nil {
			outcome.Err = fmt.Errorf("unexpected status %d", status)
		}
	}
	d.record(outcome)
	return outcome
}

// record logs one outcome and forwards it to the observer.
func (d *Dispatcher) record(outcome Outcome) {
	attrs := []any{
		"route", outcome.Route,
		"group_key", outcome.GroupKey,
		"url", outcome.URL,
		"method", outcome.Method,
		"status", outcome.StatusCode,
		"attempts", outcome.Attempts,
		"state", string(outcome.State),
	}
	if outcome.Err != nil {
		attrs = append(attrs, "error", outcome.Err.Error())
	}
	switch outcome.State {
	case StateSentOK:
		d.logger.Debug("payload delivered", attrs...)
	case StateSentFailed:
		d.logger.Warn("payload delivery failed", attrs...)
	case StateEscalatedOK:
		d.logger.Warn("delivery failure escalated", attrs...)
	case StateEscalatedFailed:
		d.logger.Error("delivery failure escalation failed", attrs...)
	}
	if d.observer != nil {
		d.observer.ObserveOutcome(outcome)
	}
}

// attemptResult is the final observation of a retried call.
type attemptResult struct {
	status   int
	body     string
	err      error
	attempts int
}

func (r attemptResult) ok() bool {
	return r.err == nil && r.status > 0 && r.status < http.StatusMultipleChoices
}

// sendWithRetry POSTs data, retrying transport errors and 500/502/504.
// Params: context, url, body, content type and resolved policy.
// Returns: final response status/body or terminal error with attempt count.
func (d *Dispatcher) sendWithRetry(ctx context.Context, url string, data []byte, contentType string, policy config.SendingPolicy) attemptResult {
	attempt := 0
	for {
		attempt++
		status, body, err := d.doRequest(ctx, http.MethodPost, url, data, contentType, policy.Timeout)
		result := attemptResult{status: status, body: body, err: err, attempts: attempt}
		if !shouldRetry(ctx, status, err) || attempt > policy.Retries {
			return result
		}

		reason := fmt.Sprintf("status=%d", status)
		if err != nil {
			reason = err.Error()
		}
		wait := policy.Backoff(attempt)
		d.logger.Warn("delivery attempt failed; retrying",
			"url", url,
			"attempt", attempt,
			"retries", policy.Retries,
			"backoff", wait.String(),
			"reason", reason,
		)
		if sleepErr := d.clock.Sleep(ctx, wait); sleepErr != nil {
			result.err = fmt.Errorf("retry wait interrupted: %w", sleepErr)
			return result
		}
	}
}

// shouldRetry reports whether a call result is retryable.
func shouldRetry(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		return !permanent.Is(err)
	}
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// doRequest performs one HTTP call bounded by timeout.
// Params: context, method, url, optional body, content type, per-attempt timeout.
// Returns: status code, truncated response body, transport or permanent request error.
func (d *Dispatcher) doRequest(ctx context.Context, method, url string, body []byte, contentType string, timeout time.Duration) (int, string, error) {
	if timeout <= 0 {
		timeout = config.DefaultSendingPolicy().Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return 0, "", permanent.Errorf("build %s request: %w", method, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := d.client.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, "", fmt.Errorf("%s %s: attempt timed out after %s", method, url, timeout)
		}
		return 0, "", fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	_, _ = io.Copy(io.Discard, response.Body)
	return response.StatusCode, strings.TrimSpace(string(raw)), nil
}
