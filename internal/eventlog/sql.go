package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/obra/lace/pkg/events"
)

// SQLStore is a database/sql-backed Store, implementing the persistence
// layout from spec.md §6: threads(id, session_id, metadata_json,
// created_at) and events(sequence, thread_id, type, data_json,
// created_at), with a partial unique index enforcing invariant 1.
//
// It is grounded on the teacher's database/sql usage pattern
// (prepared statement style, context-scoped queries, sql.ErrNoRows
// handling) adapted from CockroachDB/Postgres to sqlite via
// github.com/mattn/go-sqlite3.
type SQLStore struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	sequence INTEGER NOT NULL,
	thread_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	call_id TEXT,
	data_json TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (thread_id, sequence)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_call_unique
	ON events (thread_id, call_id, type)
	WHERE call_id IS NOT NULL AND type IN ('TOOL_APPROVAL_RESPONSE', 'TOOL_RESULT');

CREATE INDEX IF NOT EXISTS idx_events_thread_seq ON events (thread_id, sequence);
`

// OpenSQLStore opens (creating if necessary) a sqlite-backed Store at
// path and applies the schema.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStoreFromDB wraps an already-open *sql.DB (used by tests with
// github.com/DATA-DOG/go-sqlmock).
func NewSQLStoreFromDB(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func marshalEventData(typ events.Type, data events.Data) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data for %s: %w", typ, err)
	}
	return b, nil
}

func unmarshalEventData(typ events.Type, raw []byte) (events.Data, error) {
	switch typ {
	case events.TypeUserMessage:
		var d events.UserMessageData
		err := json.Unmarshal(raw, &d)
		return d, err
	case events.TypeAgentMessage:
		var d events.AgentMessageData
		err := json.Unmarshal(raw, &d)
		return d, err
	case events.TypeToolCall:
		var d events.ToolCallData
		err := json.Unmarshal(raw, &d)
		return d, err
	case events.TypeToolResult:
		var d events.ToolResultData
		err := json.Unmarshal(raw, &d)
		return d, err
	case events.TypeApprovalRequest:
		var d events.ApprovalRequestData
		err := json.Unmarshal(raw, &d)
		return d, err
	case events.TypeApprovalResponse:
		var d events.ApprovalResponseData
		err := json.Unmarshal(raw, &d)
		return d, err
	case events.TypeCompaction:
		var d events.CompactionData
		err := json.Unmarshal(raw, &d)
		return d, err
	case events.TypeSystemPrompt:
		var d events.SystemPromptData
		err := json.Unmarshal(raw, &d)
		return d, err
	default:
		return nil, fmt.Errorf("unknown event type: %s", typ)
	}
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, threadID string, typ events.Type, data events.Data) (events.Event, error) {
	callID := callIDOf(typ, data)

	if callKeyTypes[typ] && callID != "" {
		existing, found, err := s.findByCallID(ctx, threadID, typ, callID)
		if err != nil {
			return events.Event{}, err
		}
		if found {
			return existing, nil
		}
	}

	payload, err := marshalEventData(typ, data)
	if err != nil {
		return events.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.Event{}, fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE thread_id = ?`, threadID,
	).Scan(&maxSeq); err != nil {
		return events.Event{}, fmt.Errorf("eventlog: read max sequence: %w", err)
	}
	nextSeq := maxSeq.Int64 + 1

	event := events.Event{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Sequence:  nextSeq,
		Timestamp: time.Now(),
		Type:      typ,
		Data:      data,
	}

	var callIDCol any
	if callID != "" {
		callIDCol = callID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (sequence, thread_id, event_id, type, call_id, data_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Sequence, event.ThreadID, event.ID, string(event.Type), callIDCol, payload, event.Timestamp,
	)
	if err != nil {
		// A concurrent append for the same call_id may have won the
		// unique index race between our check and insert; re-read and
		// return the winner rather than erroring, matching the Append
		// contract's "return existing event" duplicate handling.
		if callKeyTypes[typ] && callID != "" {
			if existing, found, ferr := s.findByCallID(ctx, threadID, typ, callID); ferr == nil && found {
				return existing, nil
			}
		}
		return events.Event{}, fmt.Errorf("eventlog: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return events.Event{}, fmt.Errorf("eventlog: commit: %w", err)
	}
	return event, nil
}

func (s *SQLStore) findByCallID(ctx context.Context, threadID string, typ events.Type, callID string) (events.Event, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, event_id, data_json, created_at FROM events
		 WHERE thread_id = ? AND type = ? AND call_id = ?`,
		threadID, string(typ), callID,
	)
	var seq int64
	var id string
	var raw []byte
	var createdAt time.Time
	if err := row.Scan(&seq, &id, &raw, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return events.Event{}, false, nil
		}
		return events.Event{}, false, fmt.Errorf("eventlog: find by call_id: %w", err)
	}
	data, err := unmarshalEventData(typ, raw)
	if err != nil {
		return events.Event{}, false, err
	}
	return events.Event{
		ID:        id,
		ThreadID:  threadID,
		Sequence:  seq,
		Timestamp: createdAt,
		Type:      typ,
		Data:      data,
	}, true, nil
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var seq int64
		var threadID, id, typ string
		var raw []byte
		var createdAt time.Time
		if err := rows.Scan(&seq, &threadID, &id, &typ, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		data, err := unmarshalEventData(events.Type(typ), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, events.Event{
			ID:        id,
			ThreadID:  threadID,
			Sequence:  seq,
			Timestamp: createdAt,
			Type:      events.Type(typ),
			Data:      data,
		})
	}
	return out, rows.Err()
}

// Events implements Store.
func (s *SQLStore) Events(ctx context.Context, threadID string) ([]events.Event, error) {
	return s.queryEvents(ctx,
		`SELECT sequence, thread_id, event_id, type, data_json, created_at
		 FROM events WHERE thread_id = ? ORDER BY sequence ASC`, threadID)
}

// EventsAfter implements Store.
func (s *SQLStore) EventsAfter(ctx context.Context, threadID string, after int64) ([]events.Event, error) {
	return s.queryEvents(ctx,
		`SELECT sequence, thread_id, event_id, type, data_json, created_at
		 FROM events WHERE thread_id = ? AND sequence > ? ORDER BY sequence ASC`, threadID, after)
}

// ExistsEvent implements Store.
func (s *SQLStore) ExistsEvent(ctx context.Context, threadID string, typ events.Type, callID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE thread_id = ? AND type = ? AND call_id = ?`,
		threadID, string(typ), callID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("eventlog: exists event: %w", err)
	}
	return count > 0, nil
}

// CreateThread implements Store.
func (s *SQLStore) CreateThread(ctx context.Context, thread events.Thread) error {
	meta, err := json.Marshal(thread.Metadata)
	if err != nil {
		return fmt.Errorf("eventlog: marshal thread metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (id, session_id, metadata_json, created_at) VALUES (?, ?, ?, ?)`,
		thread.ID, thread.SessionID, meta, thread.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("eventlog: create thread: %w", err)
	}
	return nil
}

// GetThread implements Store.
func (s *SQLStore) GetThread(ctx context.Context, threadID string) (events.Thread, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, metadata_json, created_at FROM threads WHERE id = ?`, threadID)
	var t events.Thread
	var sessionID sql.NullString
	var meta []byte
	if err := row.Scan(&t.ID, &sessionID, &meta, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return events.Thread{}, false, nil
		}
		return events.Thread{}, false, fmt.Errorf("eventlog: get thread: %w", err)
	}
	t.SessionID = sessionID.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return events.Thread{}, false, fmt.Errorf("eventlog: unmarshal thread metadata: %w", err)
		}
	}
	return t, true, nil
}

// UpdateThreadMetadata implements Store.
func (s *SQLStore) UpdateThreadMetadata(ctx context.Context, threadID string, meta events.ThreadMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("eventlog: marshal thread metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE threads SET metadata_json = ? WHERE id = ?`, raw, threadID)
	if err != nil {
		return fmt.Errorf("eventlog: update thread metadata: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
