package core

// legalTransitions is the lifecycle DAG. SENT -> SENT covers the technical
// retry path (retry_count increments alongside).
var legalTransitions = map[string][]string{
	StatusReceived:    {StatusValidated, StatusFailed},
	StatusValidated:   {StatusFundsLocked, StatusOnHold, StatusFailed},
	StatusFundsLocked: {StatusSent, StatusFailed},
	StatusSent:        {StatusConfirmed, StatusSent, StatusFailed},
	StatusConfirmed:   {StatusActive},
	StatusOnHold:      {StatusValidated},
}

// CanTransition reports whether moving from -> to is legal in the lifecycle
// DAG. Terminal states admit nothing.
func CanTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
