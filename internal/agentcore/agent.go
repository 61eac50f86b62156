package agentcore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obra/lace/internal/backoff"
	"github.com/obra/lace/internal/budget"
	"github.com/obra/lace/internal/executor"
	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/internal/registry"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/pkg/events"
)

// Config wires together everything one Agent needs: it never reaches
// into globals, matching the "explicit configuration passed into the
// Agent constructor" design note.
type Config struct {
	ThreadID string
	Threads  *thread.Manager

	Provider provider.Provider
	Model    string

	Registry *registry.Registry
	Executor *executor.Executor

	// Compactor and Budget may both be zero-valued; a nil Compactor
	// disables automatic compaction entirely.
	Compactor *budget.Compactor
	Budget    budget.TokenBudget

	Sink Sink

	// SystemPrompt re-renders the session+project context; called fresh
	// on every turn per spec.
	SystemPrompt func() string

	// SupportsThinking controls whether AGENT_MESSAGE <think> blocks are
	// kept (passed through to a thinking-capable provider) or stripped.
	SupportsThinking bool

	RetryPolicy backoff.Policy

	WorkingDirectory string
	ToolTempDir      string
}

// Agent is lace's per-conversation state machine: the sole driver of a
// thread's turn loop, tool dispatch, and compaction.
type Agent struct {
	threadID         string
	threads          *thread.Manager
	provider         provider.Provider
	model            string
	registry         *registry.Registry
	executor         *executor.Executor
	compactor        *budget.Compactor
	budget           budget.TokenBudget
	sink             Sink
	systemPromptFunc func() string
	supportsThinking bool
	retryPolicy      backoff.Policy
	workingDirectory string
	toolTempDir      string
	fileTracker      *FileReadTracker
	queue            *MessageQueue

	mu         sync.Mutex
	state      State
	stopped    bool
	turn       int64
	lastUsage  int
	turnCancel context.CancelFunc
	lastErr    error
}

// NewAgent constructs an Agent and subscribes it to cfg.Threads so it
// re-publishes every append to its own thread as EventThreadEventAdded.
func NewAgent(cfg Config) *Agent {
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = backoff.DefaultPolicy()
	}

	a := &Agent{
		threadID:         cfg.ThreadID,
		threads:          cfg.Threads,
		provider:         cfg.Provider,
		model:            cfg.Model,
		registry:         cfg.Registry,
		executor:         cfg.Executor,
		compactor:        cfg.Compactor,
		budget:           cfg.Budget,
		sink:             sink,
		systemPromptFunc: cfg.SystemPrompt,
		supportsThinking: cfg.SupportsThinking,
		retryPolicy:      policy,
		workingDirectory: cfg.WorkingDirectory,
		toolTempDir:      cfg.ToolTempDir,
		fileTracker:      NewFileReadTracker(),
		queue:            NewMessageQueue(),
		state:            StateIdle,
	}
	cfg.Threads.Subscribe(a)
	return a
}

// FileTracker exposes the agent's read-tracking state so callers can
// wire registry.FileReadTool{Recorder: ...} against the same agent
// handle passed in registry.Context.
func (a *Agent) FileTracker() *FileReadTracker { return a.fileTracker }

// SendOptions modifies how SendMessage handles an incoming message.
type SendOptions struct {
	// Queue forces enqueueing even if the agent is currently idle.
	Queue    bool
	Priority Priority
	Metadata map[string]any
}

// SendMessage is the send_message input. If the agent is idle and
// Queue isn't set, it starts a turn loop immediately; otherwise the
// message is enqueued for delivery once the agent returns to idle.
func (a *Agent) SendMessage(ctx context.Context, text string, opts SendOptions) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	busy := a.state != StateIdle
	if busy || opts.Queue {
		a.mu.Unlock()
		qlen := a.queue.Enqueue(QueuedMessage{ID: uuid.NewString(), Text: text, Priority: opts.Priority})
		a.emit(ctx, Event{Type: EventMessageQueued, QueueLength: qlen})
		return
	}
	a.mu.Unlock()
	go a.runTurnLoop(ctx, text)
}

// ApprovalResponse is the approval_response input: it forwards to the
// Tool Executor's external submit_approval contract.
func (a *Agent) ApprovalResponse(ctx context.Context, callID string, decision events.ApprovalDecision) error {
	return a.executor.SubmitApproval(ctx, a.threadID, callID, decision)
}

// Stop cancels any in-flight turn, discards every queued message
// without processing it, and moves the agent to StateStopped. Stopped
// is terminal: SendMessage becomes a no-op afterward.
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	cancel := a.turnCancel
	a.stopped = true
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.queue.DrainAll()
	a.setState(ctx, StateStopped)
}

// CancelCurrentTurn cancels the in-flight provider request and any
// running tool executions, via the turn's cancel token. Partial state
// already written to the event log is retained. The agent returns to
// idle and keeps accepting new messages.
func (a *Agent) CancelCurrentTurn() {
	a.mu.Lock()
	cancel := a.turnCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State reports the agent's current top-level state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent fatal AgentError, or nil.
func (a *Agent) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// QueueStats is the {queueLength, highPriorityCount} observable.
type QueueStats struct {
	QueueLength       int
	HighPriorityCount int
}

// QueueStats reports the message queue's current occupancy.
func (a *Agent) QueueStats() QueueStats {
	return QueueStats{
		QueueLength:       a.queue.Len(),
		HighPriorityCount: a.queue.HighPriorityCount(),
	}
}

// ThreadEventAdded implements thread.Listener: it re-publishes every
// event appended to this agent's own thread as EventThreadEventAdded.
// The Agent is the sole public observer surface; the Thread Manager's
// own fan-out stays internal.
func (a *Agent) ThreadEventAdded(t events.Thread, ev events.Event) {
	if t.ID != a.threadID {
		return
	}
	e := ev
	a.emit(context.Background(), Event{Type: EventThreadEventAdded, ThreadEvent: &e})
}

func (a *Agent) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *Agent) setState(ctx context.Context, s State) {
	a.mu.Lock()
	if a.stopped && s != StateStopped {
		a.mu.Unlock()
		return
	}
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev == s {
		return
	}
	a.emit(ctx, Event{Type: EventStateChanged, PreviousState: prev, NewState: s})
}

func (a *Agent) renderSystemPrompt() string {
	if a.systemPromptFunc == nil {
		return ""
	}
	return a.systemPromptFunc()
}

func (a *Agent) emit(ctx context.Context, e Event) {
	e.ThreadID = a.threadID
	e.Time = time.Now()
	a.sink.Emit(ctx, e)
}

func (a *Agent) fail(ctx context.Context, kind AgentErrorKind, message string, cause error) {
	ae := &AgentError{Kind: kind, Message: message, Cause: cause}
	a.mu.Lock()
	a.lastErr = ae
	a.mu.Unlock()
	slog.Error("agent turn failed", "thread_id", a.threadID, "kind", kind, "error", ae)
	a.emit(ctx, Event{Type: EventTurnCompleted})
	a.setState(ctx, StateIdle)
}
