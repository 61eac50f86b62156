package agentcore

import "sync"

// FileReadTracker is the per-agent set of absolute paths read so far in
// the owning thread's lifetime. It implements both registry.AgentHandle
// (the read-side view mutating tools consult before a write) and
// registry.ReadRecorder (the write-side view reading tools update) over
// one shared set, rather than the source's cyclic Agent<->ToolContext
// back-reference.
type FileReadTracker struct {
	mu   sync.Mutex
	read map[string]bool
}

// NewFileReadTracker creates an empty tracker.
func NewFileReadTracker() *FileReadTracker {
	return &FileReadTracker{read: make(map[string]bool)}
}

// HasFileBeenRead implements registry.AgentHandle.
func (t *FileReadTracker) HasFileBeenRead(absolutePath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read[absolutePath]
}

// RecordRead implements registry.ReadRecorder.
func (t *FileReadTracker) RecordRead(absolutePath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read[absolutePath] = true
}
