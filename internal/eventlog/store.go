// Package eventlog implements the append-only, per-thread Event Log
// described in spec.md §4.1: it owns all events, assigns monotonic
// sequence numbers, and enforces the uniqueness invariant that at most
// one TOOL_APPROVAL_RESPONSE and one TOOL_RESULT exist per (thread_id,
// call_id).
package eventlog

import (
	"context"
	"errors"

	"github.com/obra/lace/pkg/events"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("eventlog: store is closed")

// Store is the Event Log's public contract. Implementations must be
// safe for concurrent use: appends for a given thread are serialized,
// reads are lock-free snapshots.
type Store interface {
	// Append assigns a monotonic sequence number and persists the event.
	// If a duplicate append is attempted for a (thread_id, call_id, type)
	// pair constrained by the uniqueness invariant, Append returns the
	// existing event instead of erroring (the database-layer defense
	// against duplicate approval responses / tool results).
	Append(ctx context.Context, threadID string, typ events.Type, data events.Data) (events.Event, error)

	// Events returns every event in a thread in sequence order.
	Events(ctx context.Context, threadID string) ([]events.Event, error)

	// EventsAfter returns every event in a thread with Sequence > after,
	// in sequence order.
	EventsAfter(ctx context.Context, threadID string, after int64) ([]events.Event, error)

	// ExistsEvent reports whether an event of the given type and call_id
	// already exists in the thread. Used by the approval broker and tool
	// executor to decide whether a tool call has already been decided or
	// executed.
	ExistsEvent(ctx context.Context, threadID string, typ events.Type, callID string) (bool, error)

	// CreateThread registers a new thread. Idempotent: creating a thread
	// that already exists is a no-op and returns nil.
	CreateThread(ctx context.Context, thread events.Thread) error

	// GetThread returns a thread by ID, or (events.Thread{}, false, nil)
	// if it does not exist.
	GetThread(ctx context.Context, threadID string) (events.Thread, bool, error)

	// UpdateThreadMetadata persists metadata changes for an existing
	// thread.
	UpdateThreadMetadata(ctx context.Context, threadID string, meta events.ThreadMetadata) error

	// Close flushes any buffers and releases underlying resources.
	Close() error
}

// callKeyTypes is the set of event types constrained by the
// at-most-one-per-(thread_id, call_id) uniqueness invariant (spec.md §3
// invariant 1).
var callKeyTypes = map[events.Type]bool{
	events.TypeApprovalResponse: true,
	events.TypeToolResult:       true,
}

// callIDOf extracts the call_id a uniqueness-constrained event carries,
// or "" if the type isn't constrained or the data doesn't carry one.
func callIDOf(typ events.Type, data events.Data) string {
	switch typ {
	case events.TypeApprovalResponse:
		if d, ok := data.(events.ApprovalResponseData); ok {
			return d.CallID
		}
	case events.TypeToolResult:
		if d, ok := data.(events.ToolResultData); ok {
			return d.CallID
		}
	}
	return ""
}
