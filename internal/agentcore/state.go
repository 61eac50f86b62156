package agentcore

// State is the Agent's top-level lifecycle state. Exactly one state is
// active at a time, and every transition between them is reported via
// EventStateChanged.
//
//	┌──────┐  user msg   ┌──────────┐  model starts   ┌────────────┐
//	│ idle │────────────▶│ thinking │────────────────▶│  streaming │
//	└──────┘             └──────────┘                 └────────────┘
//	   ▲                                                     │
//	   │                                                tool calls
//	   │              ┌───────────────┐                     │
//	   └──────────────│ tool_execution│◀────────────────────┘
//	   │              └───────────────┘
//	   │                      │
//	   │                 more turns
//	   │                      │
//	   │              ┌─────────────┐
//	   └──────────────│ compacting  │ (budget exceeded, cooldown elapsed)
//	                  └─────────────┘
//	   stop() from any state ──────▶ stopped
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateToolExecution State = "tool_execution"
	StateCompacting    State = "compacting"
	StateStopped       State = "stopped"
)
