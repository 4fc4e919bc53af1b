package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ems/backend/internal/events"
)

// responseBodyLimit caps the stored insurer response snapshot.
const responseBodyLimit = 16 << 10

// HTTPStrategy is the default REST dispatch: 2xx SUCCESS, 4xx
// FAILURE/BUSINESS, 5xx and transport failures FAILURE/TECHNICAL.
type HTTPStrategy struct {
	client *http.Client
}

// NewHTTPStrategy builds the REST strategy. The client timeout is the upper
// bound; per-request timeouts from gateway config tighten it via context.
func NewHTTPStrategy(timeout time.Duration) *HTTPStrategy {
	return &HTTPStrategy{client: &http.Client{Timeout: timeout}}
}

func (s *HTTPStrategy) Protocol() string { return ProtocolREST }

func (s *HTTPStrategy) Execute(ctx context.Context, req *Request) *Response {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return &Response{
			Status:    events.OutcomeFailure,
			ErrorType: events.ErrorTypeTechnical,
			Error:     &events.ErrorDetail{Code: "MARSHAL_ERROR", Message: err.Error()},
		}
	}

	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(body))
	if err != nil {
		return &Response{
			Status:    events.OutcomeFailure,
			ErrorType: events.ErrorTypeTechnical,
			Error:     &events.ErrorDetail{Code: "REQUEST_BUILD_ERROR", Message: err.Error()},
		}
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded
		code := "TRANSPORT_ERROR"
		if timedOut {
			code = "TIMEOUT"
		}
		return &Response{
			Status:    events.OutcomeFailure,
			ErrorType: events.ErrorTypeTechnical,
			Error:     &events.ErrorDetail{Code: code, Message: err.Error()},
			TimedOut:  timedOut,
		}
	}
	defer resp.Body.Close()

	snapshot := snapshotResponse(resp)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{Status: events.OutcomeSuccess, ErrorType: events.ErrorTypeNone, Insurer: snapshot}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &Response{
			Status:    events.OutcomeFailure,
			ErrorType: events.ErrorTypeBusiness,
			Error:     httpError(resp.StatusCode),
			Insurer:   snapshot,
		}
	default:
		return &Response{
			Status:    events.OutcomeFailure,
			ErrorType: events.ErrorTypeTechnical,
			Error:     httpError(resp.StatusCode),
			Insurer:   snapshot,
		}
	}
}

func httpError(statusCode int) *events.ErrorDetail {
	return &events.ErrorDetail{
		Code:    fmt.Sprintf("HTTP_%d", statusCode),
		Message: http.StatusText(statusCode),
	}
}

func snapshotResponse(resp *http.Response) *events.InsurerResponse {
	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	return &events.InsurerResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(body),
	}
}
