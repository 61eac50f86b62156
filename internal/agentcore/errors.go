package agentcore

import "fmt"

// AgentErrorKind classifies a fatal, turn-ending error. These are
// kinds, not Go type names: tool errors and user denials are never
// represented this way, since they're recorded as TOOL_RESULT data and
// don't end the agent's ability to keep running.
type AgentErrorKind string

const (
	ErrorKindConfiguration    AgentErrorKind = "configuration"
	ErrorKindProviderProtocol AgentErrorKind = "provider_protocol"
	ErrorKindPersistence      AgentErrorKind = "persistence"
)

// AgentError is a fatal error that terminates the current turn with a
// user-visible message. The agent itself survives: it returns to idle
// and remains able to accept the next send_message.
type AgentError struct {
	Kind    AgentErrorKind
	Message string
	Cause   error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("agent: %s: %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Cause }
