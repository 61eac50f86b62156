package agentcore

import (
	"context"
	"time"

	"github.com/obra/lace/pkg/events"
)

// EventType identifies the kind of an agent-observable Event. The set is
// closed: turn_started, turn_completed, token, thinking_token,
// tool_use_start, tool_use_complete, state_changed, message_queued,
// retry_attempt, retry_exhausted, compaction_started,
// compaction_completed, and thread_event_added.
type EventType string

const (
	EventThreadEventAdded    EventType = "thread_event_added"
	EventTurnStarted         EventType = "turn_started"
	EventTurnCompleted       EventType = "turn_completed"
	EventToken               EventType = "token"
	EventThinkingToken       EventType = "thinking_token"
	EventToolUseStart        EventType = "tool_use_start"
	EventToolUseComplete     EventType = "tool_use_complete"
	EventStateChanged        EventType = "state_changed"
	EventMessageQueued       EventType = "message_queued"
	EventRetryAttempt        EventType = "retry_attempt"
	EventRetryExhausted      EventType = "retry_exhausted"
	EventCompactionStarted   EventType = "compaction_started"
	EventCompactionCompleted EventType = "compaction_completed"
)

// Event is a single observable the Agent emits during its lifecycle.
// Payload fields are only populated for the EventType they apply to, a
// sum type expressed with optional fields rather than an interface,
// matching how the teacher's own AgentEvent carries per-kind payloads.
type Event struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"thread_id"`
	Time     time.Time `json:"time"`

	// EventThreadEventAdded
	ThreadEvent *events.Event `json:"thread_event,omitempty"`

	// EventStateChanged
	PreviousState State `json:"previous_state,omitempty"`
	NewState      State `json:"new_state,omitempty"`

	// EventToken / EventThinkingToken
	Text string `json:"text,omitempty"`

	// EventToolUseStart / EventToolUseComplete
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// EventMessageQueued
	QueueLength int `json:"queue_length,omitempty"`

	// EventRetryAttempt / EventRetryExhausted
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Err         error         `json:"-"`

	// EventCompactionStarted / EventCompactionCompleted
	Compaction *events.CompactionData `json:"compaction,omitempty"`
}

// Sink receives Agent events. Implementations must be safe for
// concurrent use: the Agent calls Emit from its own goroutine, possibly
// interleaved with per-tool goroutines during a batch.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// MultiSink fans an event out to every non-nil sink it wraps.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a MultiSink, dropping nil sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit implements Sink.
func (s *MultiSink) Emit(ctx context.Context, e Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// ChanSink delivers events to a channel. Emit never blocks: when the
// channel cannot take the event at once (full, or unbuffered with no
// reader waiting) or the context is done, the event is dropped rather
// than stalling the turn loop.
type ChanSink struct {
	ch chan<- Event
}

// NewChanSink wraps ch as a Sink. ch should be buffered; an unbuffered
// or full channel causes Emit to drop the event.
func NewChanSink(ch chan<- Event) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit implements Sink.
func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// CallbackSink adapts a plain function to Sink.
type CallbackSink struct {
	fn func(context.Context, Event)
}

// NewCallbackSink wraps fn as a Sink.
func NewCallbackSink(fn func(context.Context, Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit implements Sink.
func (s *CallbackSink) Emit(ctx context.Context, e Event) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards every event. Useful as a default when no observer is
// wired up.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) {}
