// Package thread implements the Thread Manager: the sole writer of the
// Event Log, responsible for thread identity, per-thread write
// serialization, and fanning out newly appended events to subscribers
// (the Agent Core's EventSink family).
package thread

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obra/lace/internal/eventlog"
	"github.com/obra/lace/pkg/events"
)

// ErrUnknownThread is returned by ResumeOrCreate when an explicit thread
// id is given but no such thread exists.
var ErrUnknownThread = errors.New("thread: unknown thread id")

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewThreadID generates a thread identifier of the exact shape
// "<prefix>_YYYYMMDD_<6 lowercase alnum>" (events.ThreadIDPattern).
func NewThreadID(prefix string) (string, error) {
	suffix, err := randomAlnum(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%s", prefix, time.Now().UTC().Format("20060102"), suffix), nil
}

func randomAlnum(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("thread: generate id suffix: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

// Listener receives every event appended to any thread the Manager
// owns, in append order. Implementations must not block for long: the
// Manager calls listeners synchronously from within Append.
type Listener interface {
	ThreadEventAdded(thread events.Thread, event events.Event)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(events.Thread, events.Event)

// ThreadEventAdded implements Listener.
func (f ListenerFunc) ThreadEventAdded(t events.Thread, e events.Event) { f(t, e) }

// Manager is the Thread Manager. It is the only component permitted to
// call eventlog.Store.Append: all other components append through it,
// and it is not concurrency-safe across processes — within a process it
// serializes appends per thread with a mutex keyed by thread id,
// matching the Event Log's own per-thread locking.
type Manager struct {
	store eventlog.Store

	mu        sync.RWMutex
	locks     map[string]*sync.Mutex
	listeners []Listener
}

// NewManager creates a Thread Manager backed by store.
func NewManager(store eventlog.Store) *Manager {
	return &Manager{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers a Listener that will be notified of every event
// appended through this Manager, across all threads.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) threadLock(threadID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[threadID] = lock
	}
	return lock
}

// CreateThread starts a brand-new thread with a freshly generated id
// under the given prefix (e.g. "lace").
func (m *Manager) CreateThread(ctx context.Context, prefix, sessionID string, meta events.ThreadMetadata) (events.Thread, error) {
	id, err := NewThreadID(prefix)
	if err != nil {
		return events.Thread{}, err
	}
	t := events.Thread{
		ID:        id,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		Metadata:  meta,
	}
	if err := m.store.CreateThread(ctx, t); err != nil {
		return events.Thread{}, fmt.Errorf("thread: create: %w", err)
	}
	return t, nil
}

// ResumeOrCreate resumes an existing thread by id, or — if threadID is
// empty — creates a new one. An explicit, unknown threadID is an error
// (ErrUnknownThread), never silently treated as "create new".
func (m *Manager) ResumeOrCreate(ctx context.Context, threadID, prefix, sessionID string, meta events.ThreadMetadata) (events.Thread, bool, error) {
	if threadID == "" {
		t, err := m.CreateThread(ctx, prefix, sessionID, meta)
		return t, false, err
	}
	t, found, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return events.Thread{}, false, fmt.Errorf("thread: resume: %w", err)
	}
	if !found {
		return events.Thread{}, false, ErrUnknownThread
	}
	return t, true, nil
}

// Append assigns the next sequence number to an event, persists it via
// the Event Log, and notifies subscribers. It is the single choke point
// through which every event in lace is written.
func (m *Manager) Append(ctx context.Context, threadID string, typ events.Type, data events.Data) (events.Event, error) {
	lock := m.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	event, err := m.store.Append(ctx, threadID, typ, data)
	if err != nil {
		return events.Event{}, err
	}

	t, _, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return events.Event{}, fmt.Errorf("thread: append: load thread: %w", err)
	}

	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l.ThreadEventAdded(t, event)
	}
	return event, nil
}

// Events returns every event in a thread in sequence order.
func (m *Manager) Events(ctx context.Context, threadID string) ([]events.Event, error) {
	return m.store.Events(ctx, threadID)
}

// EventsAfter returns every event with Sequence > after, in sequence
// order.
func (m *Manager) EventsAfter(ctx context.Context, threadID string, after int64) ([]events.Event, error) {
	return m.store.EventsAfter(ctx, threadID, after)
}

// ExistsEvent reports whether an event of the given type/call_id
// already exists in the thread.
func (m *Manager) ExistsEvent(ctx context.Context, threadID string, typ events.Type, callID string) (bool, error) {
	return m.store.ExistsEvent(ctx, threadID, typ, callID)
}

// GetThread returns a thread's identity and metadata.
func (m *Manager) GetThread(ctx context.Context, threadID string) (events.Thread, bool, error) {
	return m.store.GetThread(ctx, threadID)
}

// Compact atomically replaces the events in [firstSeq, lastSeq] with a
// single COMPACTION event carrying summaryText. The replaced events
// remain physically present in the Event Log (the append-only
// invariant is never violated); the Compaction event's range tells
// readers to skip them when reconstructing state.
func (m *Manager) Compact(ctx context.Context, threadID string, firstSeq, lastSeq int64, summaryText string) (events.Event, error) {
	return m.Append(ctx, threadID, events.TypeCompaction, events.CompactionData{
		SummaryText:   summaryText,
		FirstSequence: firstSeq,
		LastSequence:  lastSeq,
	})
}
