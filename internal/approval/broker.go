// Package approval implements the Approval Broker: it bridges
// asynchronous human decisions, persisted as TOOL_APPROVAL_RESPONSE
// events, to the in-flight tool call awaiting them. The broker itself
// never appends events — that's the Thread Manager's job — it only
// resolves a pending future once Resolve is told a decision landed.
package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/obra/lace/pkg/events"
)

// Decision is the closed set of answers a human can give to a pending
// tool call; an alias of events.ApprovalDecision so broker callers and
// TOOL_APPROVAL_RESPONSE payloads share one vocabulary.
type Decision = events.ApprovalDecision

const (
	AllowOnce    = events.DecisionAllowOnce
	AllowSession = events.DecisionAllowSession
	Deny         = events.DecisionDeny
)

// ErrUnknownCall is returned by Resolve when no one is waiting on the
// given call_id — most commonly because it already resolved, which is
// the expected outcome for a duplicate TOOL_APPROVAL_RESPONSE event.
var ErrUnknownCall = fmt.Errorf("approval: no pending request for this call_id")

type pending struct {
	resolved chan struct{}
	once     sync.Once
	decision Decision
}

// Broker holds pending futures keyed by call_id and a per-thread
// session allow-list populated by ALLOW_SESSION decisions.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending // keyed by call_id

	sessionMu sync.RWMutex
	session   map[string]map[string]bool // thread_id -> tool_name -> allowed
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{
		pending: make(map[string]*pending),
		session: make(map[string]map[string]bool),
	}
}

// Await registers a pending future for call_id and blocks until Resolve
// is called for it or ctx is cancelled. The broker holds one future per
// in-flight call: a second Await for the same call_id before the first
// resolves waits on that same future, and both receive the one decision.
func (b *Broker) Await(ctx context.Context, callID string) (Decision, error) {
	b.mu.Lock()
	p, ok := b.pending[callID]
	if !ok {
		p = &pending{resolved: make(chan struct{})}
		b.pending[callID] = p
	}
	b.mu.Unlock()

	select {
	case <-p.resolved:
		return p.decision, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers a decision appended as a TOOL_APPROVAL_RESPONSE
// event for call_id. It resolves the matching future exactly once:
// a second Resolve call for the same call_id (a duplicate event, or a
// late response after the event log already deduplicated one) is a
// no-op returning ErrUnknownCall, never a panic or double-delivery.
func (b *Broker) Resolve(threadID, toolName, callID string, decision Decision) error {
	b.mu.Lock()
	p, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownCall
	}

	resolvedNow := false
	p.once.Do(func() {
		p.decision = decision
		close(p.resolved)
		resolvedNow = true
	})
	if !resolvedNow {
		return ErrUnknownCall
	}

	if decision == AllowSession {
		b.allowSession(threadID, toolName)
	}
	return nil
}

func (b *Broker) allowSession(threadID, toolName string) {
	if threadID == "" || toolName == "" {
		return
	}
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	tools, ok := b.session[threadID]
	if !ok {
		tools = make(map[string]bool)
		b.session[threadID] = tools
	}
	tools[toolName] = true
}

// IsSessionAllowed reports whether toolName has a standing
// ALLOW_SESSION grant for threadID, letting the executor auto-append
// an ALLOW_ONCE response for future calls of that tool without
// prompting again.
func (b *Broker) IsSessionAllowed(threadID, toolName string) bool {
	b.sessionMu.RLock()
	defer b.sessionMu.RUnlock()
	return b.session[threadID][toolName]
}

// Cancel abandons a pending future without a decision, used when the
// enclosing turn is cancelled while a tool call is awaiting approval.
// Any Await blocked on callID unblocks via ctx cancellation instead;
// Cancel just removes the bookkeeping so a late Resolve is a no-op.
func (b *Broker) Cancel(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, callID)
}
