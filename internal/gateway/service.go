package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ems/backend/internal/audit"
	"github.com/ems/backend/internal/config"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/ids"
	"github.com/ems/backend/internal/metrics"
)

// Service consumes insurer.request and insurer.request.retry, executes the
// outbound call through a protocol strategy, audits every attempt, and
// always answers on the outcome topic.
type Service struct {
	registry     *StrategyRegistry
	audit        audit.Store
	producer     events.Producer
	outcomeTopic string
	gateways     map[string]config.GatewayEntry
	timeout      int
	metrics      *metrics.Metrics
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewService(registry *StrategyRegistry, auditStore audit.Store, producer events.Producer, outcomeTopic string, insurerCfg config.InsurerConfig, m *metrics.Metrics) *Service {
	return &Service{
		registry:     registry,
		audit:        auditStore,
		producer:     producer,
		outcomeTopic: outcomeTopic,
		gateways:     insurerCfg.Gateways,
		timeout:      insurerCfg.TimeoutSeconds,
		metrics:      m,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// SetClock overrides the clock and sleeper for tests.
func (s *Service) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	s.now = now
	s.sleep = sleep
}

func (s *Service) Name() string { return "gateway.dispatch" }

func (s *Service) Handle(ctx context.Context, msg events.Message, interim *events.InterimOutput) (*events.InterimOutput, error) {
	var event events.InsurerRequestEvent
	if err := msg.Decode(&event); err != nil {
		return interim, err
	}

	if err := s.honorDelay(ctx, msg, &event); err != nil {
		return interim, err
	}

	insurerID := resolveInsurerID(&event)
	if insurerID == "" {
		return interim, s.shortCircuit(ctx, &event, insurerID, "INSURER_ID_MISSING",
			"no insurer id in payload or event")
	}
	gatewayCfg, ok := s.gateways[insurerID]
	if !ok {
		return interim, s.shortCircuit(ctx, &event, insurerID, "GATEWAY_CONFIG_MISSING",
			"no gateway configured for insurer "+insurerID)
	}

	request := s.buildRequest(&event, insurerID, &gatewayCfg)
	strategy, registered := s.registry.Get(gatewayCfg.Protocol)
	if !registered && gatewayCfg.Protocol != "" && gatewayCfg.Protocol != ProtocolREST {
		slog.Warn("unknown gateway protocol, using REST",
			"insurer_id", insurerID, "protocol", gatewayCfg.Protocol)
	}

	start := s.now()
	response := strategy.Execute(ctx, request)
	latency := s.now().Sub(start)

	s.recordAttempt(ctx, &event, insurerID, strategy.Protocol(), request, response, latency)
	s.observe(insurerID, strategy.Protocol(), response, latency)

	return interim, s.publishOutcome(ctx, &event, insurerID, response)
}

// honorDelay suspends delivery until the message's visibility point. The
// visible_after header survives worker crashes because the message stays on
// the broker; retry_delay_seconds is the fallback for messages without it.
func (s *Service) honorDelay(ctx context.Context, msg events.Message, event *events.InsurerRequestEvent) error {
	var wait time.Duration
	if raw := msg.Header(events.HeaderVisibleAfter); raw != "" {
		if visibleAfter, err := strconv.ParseInt(raw, 10, 64); err == nil {
			wait = time.Unix(visibleAfter, 0).Sub(s.now())
		}
	} else if event.RetryDelaySeconds > 0 {
		wait = time.Duration(event.RetryDelaySeconds) * time.Second
	}
	if wait <= 0 {
		return nil
	}
	slog.Info("delaying insurer retry",
		"endorsement_id", event.EndorsementID,
		"retry", event.RetryCount,
		"wait", wait)
	return s.sleep(ctx, wait)
}

func (s *Service) buildRequest(event *events.InsurerRequestEvent, insurerID string, gatewayCfg *config.GatewayEntry) *Request {
	headers := make(map[string]string, len(gatewayCfg.Headers)+4)
	for name, value := range gatewayCfg.Headers {
		headers[name] = value
	}
	headers["Content-Type"] = "application/json"
	headers["X-Trace-Id"] = event.TraceID
	headers["X-Employer-Id"] = event.EmployerID
	headers["X-Idempotency-Key"] = IdempotencyKey(event.EndorsementID, insurerID, event.RetryCount)

	method := gatewayCfg.Method
	if method == "" {
		method = "POST"
	}
	timeout := gatewayCfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.timeout
	}

	return &Request{
		EndorsementID:  event.EndorsementID,
		EmployerID:     event.EmployerID,
		TraceID:        event.TraceID,
		RetryCount:     event.RetryCount,
		URL:            strings.ReplaceAll(gatewayCfg.URL, "{insurer_id}", insurerID),
		Method:         method,
		Headers:        headers,
		Body:           event.Payload,
		TimeoutSeconds: timeout,
	}
}

// IdempotencyKey is the dedup handle insurers use across retries.
func IdempotencyKey(endorsementID, insurerID string, retryCount int) string {
	return endorsementID + "-" + insurerID + "-" + strconv.Itoa(retryCount)
}

// shortCircuit answers FAILURE/TECHNICAL without an outbound call. The
// attempt is still audited.
func (s *Service) shortCircuit(ctx context.Context, event *events.InsurerRequestEvent, insurerID, code, message string) error {
	response := &Response{
		Status:    events.OutcomeFailure,
		ErrorType: events.ErrorTypeTechnical,
		Error:     &events.ErrorDetail{Code: code, Message: message},
	}
	s.recordAttempt(ctx, event, insurerID, ProtocolREST, &Request{
		EndorsementID: event.EndorsementID,
		EmployerID:    event.EmployerID,
		TraceID:       event.TraceID,
		RetryCount:    event.RetryCount,
		Body:          event.Payload,
	}, response, 0)
	s.observe(insurerID, ProtocolREST, response, 0)
	return s.publishOutcome(ctx, event, insurerID, response)
}

// recordAttempt writes exactly one audit document per outbound attempt.
// Audit failures are logged, never propagated; the pipeline does not stall
// on the document store.
func (s *Service) recordAttempt(ctx context.Context, event *events.InsurerRequestEvent, insurerID, protocol string, request *Request, response *Response, latency time.Duration) {
	status := audit.StatusFailure
	switch {
	case response.Status == events.OutcomeSuccess:
		status = audit.StatusSuccess
	case response.TimedOut:
		status = audit.StatusTimeout
	}

	doc := &audit.Document{
		ID:              ids.New(),
		EndorsementID:   event.EndorsementID,
		EmployerID:      event.EmployerID,
		TraceID:         event.TraceID,
		InsurerID:       insurerID,
		InteractionType: protocol,
		Attempt:         event.RetryCount,
		Status:          status,
		LatencyMillis:   latency.Milliseconds(),
		IdempotencyKey:  request.Headers["X-Idempotency-Key"],
		Request: audit.RequestSnapshot{
			URL:     request.URL,
			Method:  request.Method,
			Headers: SanitizeHeaders(request.Headers),
			Body:    MaskBody(request.Body),
		},
		Timestamp: s.now().UTC(),
	}
	if response.Insurer != nil {
		doc.Response = &audit.ResponseSnapshot{
			StatusCode: response.Insurer.StatusCode,
			Headers:    SanitizeHeaders(response.Insurer.Headers),
			Body:       response.Insurer.Body,
		}
	}
	if response.Error != nil {
		doc.Error = &audit.ErrorSnapshot{Code: response.Error.Code, Message: response.Error.Message}
	}

	if err := s.audit.Append(ctx, doc); err != nil {
		slog.Error("audit append failed",
			"endorsement_id", event.EndorsementID, "error", err)
	}
}

func (s *Service) observe(insurerID, protocol string, response *Response, latency time.Duration) {
	s.metrics.InsurerRequests.WithLabelValues(insurerID, protocol, response.Status).Inc()
	if response.Status != events.OutcomeSuccess {
		s.metrics.InsurerFailures.WithLabelValues(insurerID, protocol, response.ErrorType).Inc()
	}
	s.metrics.InsurerDuration.WithLabelValues(insurerID, protocol).Observe(latency.Seconds())
}

func (s *Service) publishOutcome(ctx context.Context, event *events.InsurerRequestEvent, insurerID string, response *Response) error {
	outcome := events.InsurerOutcomeEvent{
		EndorsementID:   event.EndorsementID,
		EmployerID:      event.EmployerID,
		RequestType:     event.RequestType,
		TraceID:         event.TraceID,
		Payload:         event.Payload,
		LedgerContext:   event.LedgerContext,
		InsurerID:       insurerID,
		Status:          response.Status,
		Error:           response.Error,
		ErrorType:       response.ErrorType,
		RetryCount:      event.RetryCount,
		InsurerResponse: response.Insurer,
	}
	headers := events.BaseHeaders("gateway", event.TraceID, event.EmployerID)
	if err := events.PublishJSON(ctx, s.producer, s.outcomeTopic, event.EndorsementID, outcome, headers); err != nil {
		return err
	}
	s.metrics.MessagesProduced.WithLabelValues(s.outcomeTopic).Inc()
	return nil
}

// resolveInsurerID follows the resolution chain: payload.coverage.insurer_id,
// then payload.insurer_id, then the event-level field.
func resolveInsurerID(event *events.InsurerRequestEvent) string {
	if coverage, ok := event.Payload["coverage"].(map[string]interface{}); ok {
		if id, ok := coverage["insurer_id"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := event.Payload["insurer_id"].(string); ok && id != "" {
		return id
	}
	return event.InsurerID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
