package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/warmup-engine/internal/planner"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func testPairs() []planner.ExchangePair {
	return []planner.ExchangePair{
		{Sender: "a@example.com", Receiver: "b@example.com", Direction: planner.DirectionOutbound, Round: 1, ReplyRate: 0.1},
	}
}

func TestPublish(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	visibleAt := time.Now().Add(2 * time.Minute)
	mock.ExpectExec("INSERT INTO warmup_jobs").
		WithArgs(sqlmock.AnyArg(), 1, sqlmock.AnyArg(), visibleAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewPostgresQueue(db, 5, 10*time.Minute)
	id, err := q.Publish(context.Background(), 1, testPairs(), visibleAt)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Error("Publish returned empty job id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimReturnsJob(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	payload, _ := json.Marshal(testPairs())
	rows := sqlmock.NewRows([]string{"id", "round", "payload", "attempts"}).
		AddRow("job-1", 1, payload, 0)
	mock.ExpectQuery("UPDATE warmup_jobs(.+)FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	q := NewPostgresQueue(db, 5, 10*time.Minute)
	job, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job == nil {
		t.Fatal("Claim returned nil job")
	}
	if job.ID != "job-1" || job.Round != 1 {
		t.Errorf("claimed job = %+v", job)
	}
	if len(job.Pairs) != 1 || job.Pairs[0].Sender != "a@example.com" {
		t.Errorf("payload not decoded: %+v", job.Pairs)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE warmup_jobs(.+)FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	q := NewPostgresQueue(db, 5, 10*time.Minute)
	job, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Claim on empty queue errored: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil job, got %+v", job)
	}
}

func TestAck(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE warmup_jobs(.+)status = 'completed'").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewPostgresQueue(db, 5, 10*time.Minute)
	if err := q.Ack(context.Background(), "job-1"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestNack(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE warmup_jobs(.+)attempts = attempts \\+ 1").
		WithArgs("job-1", "smtp timeout", 5, 30).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewPostgresQueue(db, 5, 10*time.Minute)
	if err := q.Nack(context.Background(), "job-1", 30*time.Second, "smtp timeout"); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPendingCount(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT(.+)FROM warmup_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	q := NewPostgresQueue(db, 5, 10*time.Minute)
	n, err := q.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 7 {
		t.Errorf("pending count = %d, want 7", n)
	}
}
