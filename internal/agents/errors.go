package agents

import (
	"errors"
	"fmt"

	"github.com/norvand/pathlight-backend/internal/services"
)

/*
AgentError wraps a failure from one agent with enough context for the
coordinator to decide between retry and abort. Transient failures (provider
timeouts, 429s, 5xx) are safe to redispatch; fatal ones (schema refusals,
malformed output after retries) terminate the stage.
*/
type AgentError struct {
	Agent     string
	Transient bool
	Err       error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Agent, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

func wrapErr(agent string, err error) error {
	if err == nil {
		return nil
	}
	return &AgentError{
		Agent:     agent,
		Transient: services.IsRetryableLLMError(err),
		Err:       err,
	}
}

// Transient reports whether err carries a retryable agent failure.
func Transient(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}
