package eventlog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/obra/lace/pkg/events"
)

func TestSQLStoreAppendAssignsNextSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSQLStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM events WHERE thread_id = \?`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs(int64(5), "t1", sqlmock.AnyArg(), string(events.TypeUserMessage), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event, err := store.Append(context.Background(), "t1", events.TypeUserMessage, events.UserMessageData{Text: "hi"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if event.Sequence != 5 {
		t.Fatalf("expected sequence 5, got %d", event.Sequence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreAppendReturnsExistingOnDuplicateCallID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSQLStoreFromDB(db)

	createdAt := time.Now()
	mock.ExpectQuery(`SELECT sequence, event_id, data_json, created_at FROM events`).
		WithArgs("t1", string(events.TypeToolResult), "call-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "event_id", "data_json", "created_at"}).
			AddRow(int64(3), "evt-1", []byte(`{"call_id":"call-1","content":null,"is_error":false}`), createdAt))

	result := events.ToolResultData{CallID: "call-1", Content: []events.ContentBlock{events.TextBlock("done")}}
	event, err := store.Append(context.Background(), "t1", events.TypeToolResult, result)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if event.Sequence != 3 || event.ID != "evt-1" {
		t.Fatalf("expected the existing event to be returned, got %+v", event)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreGetThreadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSQLStoreFromDB(db)

	mock.ExpectQuery(`SELECT id, session_id, metadata_json, created_at FROM threads`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := store.GetThread(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a missing thread")
	}
}

func TestSQLStoreCreateThreadInsertsOrIgnores(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSQLStoreFromDB(db)

	mock.ExpectExec(`INSERT OR IGNORE INTO threads`).
		WithArgs("t1", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	th := events.Thread{ID: "t1", CreatedAt: time.Now()}
	if err := store.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

