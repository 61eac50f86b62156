package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/pkg/events"
)

// KeepLastTurns is how many trailing user turns a compaction leaves
// untouched, summarizing everything before them.
const KeepLastTurns = 2

// DefaultCooldownTurns is how many turns must elapse between
// compactions on the same thread.
const DefaultCooldownTurns = 1

// Summarizer produces a concise text summary of the events a
// compaction is about to replace. Implementations typically call the
// provider abstraction with a dedicated, cheaper summarization prompt.
type Summarizer interface {
	Summarize(ctx context.Context, events []events.Event) (string, error)
}

// SummarizerFunc adapts a function to a Summarizer.
type SummarizerFunc func(ctx context.Context, events []events.Event) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, evs []events.Event) (string, error) {
	return f(ctx, evs)
}

// Compactor decides when a thread has crossed its token budget's
// warning threshold and, subject to a cooldown, summarizes its older
// events into a single COMPACTION event.
type Compactor struct {
	threads    *thread.Manager
	summarizer Summarizer
	cooldown   int64
	keepLast   int

	mu       sync.Mutex
	lastTurn map[string]int64 // thread_id -> turn number at last compaction
}

// NewCompactor creates a Compactor. cooldownTurns and keepLastTurns fall
// back to DefaultCooldownTurns and KeepLastTurns when zero.
func NewCompactor(threads *thread.Manager, summarizer Summarizer, cooldownTurns, keepLastTurns int64) *Compactor {
	if cooldownTurns <= 0 {
		cooldownTurns = DefaultCooldownTurns
	}
	if keepLastTurns <= 0 {
		keepLastTurns = KeepLastTurns
	}
	return &Compactor{
		threads:    threads,
		summarizer: summarizer,
		cooldown:   cooldownTurns,
		keepLast:   int(keepLastTurns),
		lastTurn:   make(map[string]int64),
	}
}

// ShouldTrigger reports whether, given the budget's warning threshold,
// usedTokens on turn `turn` of threadID warrants entering "compacting".
// It does not itself record anything; Compact does that once it
// succeeds, so a failed compaction may be retried on the next turn.
func (c *Compactor) ShouldTrigger(budget TokenBudget, usedTokens int, threadID string, turn int64) bool {
	if !budget.ShouldWarn(usedTokens) {
		return false
	}
	c.mu.Lock()
	last, ok := c.lastTurn[threadID]
	c.mu.Unlock()
	if !ok {
		return true
	}
	return turn-last >= c.cooldown
}

// Compact summarizes every event in threadID since the last compaction
// (or since the start of the thread, if none), except the trailing
// keepLastTurns user turns, and appends the resulting COMPACTION event.
//
// On summarization failure, Compact logs at warn level and returns the
// error; the caller's turn continues unmodified, per the "failure is
// logged, not fatal" policy — it does not record a last-compaction
// turn, so the next eligible turn retries.
func (c *Compactor) Compact(ctx context.Context, threadID string, turn int64) (events.Event, bool, error) {
	all, err := c.threads.Events(ctx, threadID)
	if err != nil {
		return events.Event{}, false, fmt.Errorf("budget: compact: load events: %w", err)
	}

	candidates := afterLastCompaction(all)
	firstSeq, lastSeq, ok := cutPoint(candidates, c.keepLast)
	if !ok {
		return events.Event{}, false, nil
	}

	toSummarize := make([]events.Event, 0, len(candidates))
	for _, ev := range candidates {
		if ev.Sequence >= firstSeq && ev.Sequence <= lastSeq {
			toSummarize = append(toSummarize, ev)
		}
	}

	summary, err := c.summarizer.Summarize(ctx, toSummarize)
	if err != nil {
		slog.Warn("compaction summarization failed, turn continues unmodified",
			"thread_id", threadID, "error", err)
		return events.Event{}, false, err
	}

	ev, err := c.threads.Compact(ctx, threadID, firstSeq, lastSeq, summary)
	if err != nil {
		return events.Event{}, false, fmt.Errorf("budget: compact: append: %w", err)
	}

	c.mu.Lock()
	c.lastTurn[threadID] = turn
	c.mu.Unlock()

	return ev, true, nil
}

// afterLastCompaction returns the suffix of evs following the most
// recent COMPACTION event's replaced range, or all of evs if none
// exists. A prior compaction's summary already stands in for
// everything at or before its range, so a later compaction must never
// re-summarize it.
func afterLastCompaction(evs []events.Event) []events.Event {
	var lastReplacedSeq int64 = -1
	for _, ev := range evs {
		if ev.Type != events.TypeCompaction {
			continue
		}
		if d, ok := ev.Data.(events.CompactionData); ok && d.LastSequence > lastReplacedSeq {
			lastReplacedSeq = d.LastSequence
		}
	}
	if lastReplacedSeq < 0 {
		return evs
	}
	out := make([]events.Event, 0, len(evs))
	for _, ev := range evs {
		if ev.Sequence > lastReplacedSeq {
			out = append(out, ev)
		}
	}
	return out
}

// cutPoint finds the [firstSeq, lastSeq] range to replace: everything
// in candidates up to, but not including, the keepLastTurns-th USER_MESSAGE
// counted from the end. Returns ok=false if there's nothing worth
// compacting (fewer than keepLastTurns+1 user turns present).
func cutPoint(candidates []events.Event, keepLastTurns int) (first, last int64, ok bool) {
	userTurnSeqs := make([]int64, 0)
	for _, ev := range candidates {
		if ev.Type == events.TypeUserMessage {
			userTurnSeqs = append(userTurnSeqs, ev.Sequence)
		}
	}
	if len(userTurnSeqs) <= keepLastTurns {
		return 0, 0, false
	}

	cutoffSeq := userTurnSeqs[len(userTurnSeqs)-keepLastTurns]

	first = -1
	last = -1
	for _, ev := range candidates {
		if ev.Sequence >= cutoffSeq {
			break
		}
		if first == -1 {
			first = ev.Sequence
		}
		last = ev.Sequence
	}
	if first == -1 {
		return 0, 0, false
	}
	return first, last, true
}
