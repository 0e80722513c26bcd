package store

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewForTesting(db, zerolog.Nop()), mock, func() { db.Close() }
}

func TestPersistNewMessage(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	msg := Message{MessageID: "m1", Channel: "general", Body: "hi", SenderProfileID: "p1"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM messages WHERE message_id = \?`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO deliveries`).
		WithArgs("m1", "p2", StatePending).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Persist(msg, []string{"p2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM messages WHERE message_id = \?`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	if err := s.Persist(Message{MessageID: "m1"}, nil); err != nil {
		t.Fatalf("expected idempotent no-op, got error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkDeliveredSkipsNonexistentDelivery(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM deliveries WHERE message_id = \? AND recipient_profile_id = \?`).
		WithArgs("m1", "p1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if err := s.MarkDelivered("m1", "p1"); err != nil {
		t.Fatalf("expected nil for nonexistent delivery, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransitionRejectsRegression(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	// Delivery already at ack_app; a late "delivered" transition must be a
	// silent no-op rather than downgrading the recorded state.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM deliveries WHERE message_id = \? AND recipient_profile_id = \?`).
		WithArgs("m1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(StateAckApp))
	mock.ExpectRollback()

	if err := s.MarkDelivered("m1", "p1"); err != nil {
		t.Fatalf("expected no error on regression no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSubscribersOfReturnsDurableMirror(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT profile_id FROM subscriptions WHERE channel = \?`).
		WithArgs("general").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id"}).AddRow("p1").AddRow("p2"))

	got, err := s.SubscribersOf("general")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "p1" || got[1] != "p2" {
		t.Fatalf("expected [p1 p2], got %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordAckAppIsTerminal(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM deliveries WHERE message_id = \? AND recipient_profile_id = \?`).
		WithArgs("m1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(StateDelivered))
	mock.ExpectExec(`UPDATE deliveries SET state = \?, acked_at = \? WHERE message_id = \? AND recipient_profile_id = \?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RecordAck("m1", "p1", "app"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Once at ack_app, a later client-level ack is a successful no-op.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM deliveries WHERE message_id = \? AND recipient_profile_id = \?`).
		WithArgs("m1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(StateAckApp))
	mock.ExpectRollback()

	if err := s.RecordAck("m1", "p1", "client"); err != nil {
		t.Fatalf("expected no-op ack after ack_app, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
