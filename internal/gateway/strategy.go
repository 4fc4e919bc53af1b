// Package gateway implements the Insurer Gateway: pluggable outbound
// protocol strategies, business/technical error classification, idempotent
// dispatch, sanitised audit logging, and the outcome event.
package gateway

import (
	"context"
	"sync"

	"github.com/ems/backend/internal/events"
)

// ProtocolREST is the default protocol strategy name. The audit schema
// anticipates SOAP and SFTP strategies registered under their own names.
const ProtocolREST = "REST_API"

// Request is the strategy input, fully resolved by the service: final URL,
// merged headers, serialisable body.
type Request struct {
	EndorsementID  string
	EmployerID     string
	TraceID        string
	RetryCount     int
	URL            string
	Method         string
	Headers        map[string]string
	Body           map[string]interface{}
	TimeoutSeconds int
}

// Response is the classified strategy outcome. Status is SUCCESS or FAILURE;
// ErrorType refines failures into BUSINESS (semantic rejection, not
// retryable) and TECHNICAL (transport or insurer transient, retryable).
type Response struct {
	Status    string
	ErrorType string
	Error     *events.ErrorDetail
	Insurer   *events.InsurerResponse
	TimedOut  bool
}

// Strategy executes one outbound attempt. Failures are encoded in the
// Response, never returned as errors, so every attempt can be audited and
// answered uniformly.
type Strategy interface {
	Protocol() string
	Execute(ctx context.Context, req *Request) *Response
}

// StrategyRegistry maps protocol names to strategies.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{strategies: make(map[string]Strategy)}
}

func (r *StrategyRegistry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Protocol()] = s
}

// Get returns the strategy for protocol, falling back to REST_API. The
// second return reports whether the protocol itself was registered.
func (r *StrategyRegistry) Get(protocol string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[protocol]; ok {
		return s, true
	}
	return r.strategies[ProtocolREST], false
}
