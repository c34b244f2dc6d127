package state

import "errors"

// Error taxonomy shared across the coordinator. Names are contracts:
// callers match with errors.Is and map them to API responses.
var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidState     = errors.New("invalid lifecycle state")
	ErrNoCandidates     = errors.New("no placement candidates")
	ErrAgentUnreachable = errors.New("agent unreachable")
	ErrTimeout          = errors.New("deadline exceeded")
	ErrRuleSyntax       = errors.New("rule syntax error")
	ErrDurableStore     = errors.New("durable store error")
)
