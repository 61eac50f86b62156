package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obra/lace/pkg/events"
)

// MemoryStore is an in-process Store implementation for tests and
// single-instance ephemeral runs. It serializes appends per thread with
// a mutex keyed by thread id, matching spec.md §4.2's statement that the
// Thread Manager "is not concurrency-safe across processes; within a
// process it serializes appends per thread with a mutex keyed by thread
// id".
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]events.Thread
	logs     map[string][]events.Event
	seq      map[string]int64
	byCallID map[string]map[string]int // threadID -> "<type>:<call_id>" -> index into logs[threadID]
	locks    map[string]*sync.Mutex
	closed   bool
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]events.Thread),
		logs:     make(map[string][]events.Event),
		seq:      make(map[string]int64),
		byCallID: make(map[string]map[string]int),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) threadLock(threadID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[threadID] = lock
	}
	return lock
}

func callKey(typ events.Type, callID string) string {
	return string(typ) + ":" + callID
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, threadID string, typ events.Type, data events.Data) (events.Event, error) {
	if m.isClosed() {
		return events.Event{}, ErrClosed
	}

	lock := m.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if callKeyTypes[typ] {
		if callID := callIDOf(typ, data); callID != "" {
			m.mu.RLock()
			idx, exists := m.byCallID[threadID][callKey(typ, callID)]
			var existing events.Event
			if exists {
				existing = m.logs[threadID][idx]
			}
			m.mu.RUnlock()
			if exists {
				return existing, nil
			}
		}
	}

	m.mu.Lock()
	m.seq[threadID]++
	event := events.Event{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Sequence:  m.seq[threadID],
		Timestamp: time.Now(),
		Type:      typ,
		Data:      data,
	}
	m.logs[threadID] = append(m.logs[threadID], event)
	if callKeyTypes[typ] {
		if callID := callIDOf(typ, data); callID != "" {
			if m.byCallID[threadID] == nil {
				m.byCallID[threadID] = make(map[string]int)
			}
			m.byCallID[threadID][callKey(typ, callID)] = len(m.logs[threadID]) - 1
		}
	}
	m.mu.Unlock()

	return event, nil
}

// Events implements Store.
func (m *MemoryStore) Events(ctx context.Context, threadID string) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.logs[threadID]
	out := make([]events.Event, len(src))
	copy(out, src)
	return out, nil
}

// EventsAfter implements Store.
func (m *MemoryStore) EventsAfter(ctx context.Context, threadID string, after int64) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []events.Event
	for _, e := range m.logs[threadID] {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExistsEvent implements Store.
func (m *MemoryStore) ExistsEvent(ctx context.Context, threadID string, typ events.Type, callID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byCallID[threadID][callKey(typ, callID)]
	if ok {
		return true, nil
	}
	// Fall back to a linear scan for types not indexed by call_id
	// uniqueness (e.g. TOOL_CALL, TOOL_APPROVAL_REQUEST).
	for _, e := range m.logs[threadID] {
		if e.Type != typ {
			continue
		}
		if eventCallID(e) == callID {
			return true, nil
		}
	}
	return false, nil
}

func eventCallID(e events.Event) string {
	switch d := e.Data.(type) {
	case events.ToolCallData:
		return d.CallID
	case events.ToolResultData:
		return d.CallID
	case events.ApprovalRequestData:
		return d.CallID
	case events.ApprovalResponseData:
		return d.CallID
	}
	return ""
}

// CreateThread implements Store.
func (m *MemoryStore) CreateThread(ctx context.Context, thread events.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[thread.ID]; ok {
		return nil
	}
	m.threads[thread.ID] = thread
	return nil
}

// GetThread implements Store.
func (m *MemoryStore) GetThread(ctx context.Context, threadID string) (events.Thread, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	return t, ok, nil
}

// UpdateThreadMetadata implements Store.
func (m *MemoryStore) UpdateThreadMetadata(ctx context.Context, threadID string, meta events.ThreadMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	t.Metadata = meta
	m.threads[threadID] = t
	return nil
}

func (m *MemoryStore) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
