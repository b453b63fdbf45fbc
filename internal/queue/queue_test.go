package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/domain"
	"excursion-sync-service/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.SQLStore) {
	t.Helper()
	s, err := store.NewSQLStore(config.StoreConfig{Type: "sqlite", FilePath: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, 0), s
}

func checkInPayload(id string) CheckInPayload {
	return CheckInPayload{domain.CheckIn{
		LocalRecord: domain.NewLocalRecord(id, time.Now()),
		ExcursionID: "exc-1",
		StudentID:   "stu-1",
		StudentName: "Ada",
		Status:      domain.StatusAtDestination,
	}}
}

func TestDefaultPriority(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    Priority
	}{
		{"alert", AlertPayload{}, PriorityCritical},
		{"check-in", CheckInPayload{}, PriorityHigh},
		{"help", HelpRequestPayload{}, PriorityHigh},
		{"sos", HelpRequestPayload{domain.HelpRequest{SOS: true}}, PriorityCritical},
		{"capture", CapturePayload{}, PriorityNormal},
		{"feedback", FeedbackPayload{}, PriorityNormal},
		{"progress started", TaskProgressPayload{domain.TaskProgress{Status: domain.ProgressStarted}}, PriorityLow},
		{"progress completed", TaskProgressPayload{domain.TaskProgress{Status: domain.ProgressCompleted}}, PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultPriority(tt.payload); got != tt.want {
				t.Errorf("DefaultPriority() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := DecodePayload("analytics", json.RawMessage(`{}`)); err == nil {
		t.Error("Expected unknown sync type to be rejected")
	}
}

func TestEnqueueSnapshotsPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	p := checkInPayload("ci-1")
	item, err := q.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Mutating the caller's copy after enqueue must not leak into the queue.
	p.StudentName = "Changed"

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := got.Decode()
	if err != nil {
		t.Fatal(err)
	}
	ci, ok := decoded.(CheckInPayload)
	if !ok {
		t.Fatalf("Expected CheckInPayload, got %T", decoded)
	}
	if ci.StudentName != "Ada" || ci.LocalID != "ci-1" {
		t.Errorf("Unexpected snapshot: %+v", ci.CheckIn)
	}
	if got.Priority != PriorityHigh || got.EntityType != EntityCheckIn || got.ExcursionID != "exc-1" {
		t.Errorf("Unexpected item: %+v", got)
	}
	if got.MaxRetries != DefaultMaxRetries {
		t.Errorf("Expected default max retries %d, got %d", DefaultMaxRetries, got.MaxRetries)
	}
}

func TestEnqueueOptions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, checkInPayload("ci-found"),
		WithPriority(PriorityCritical),
		WithMaxRetries(3),
		WithDependsOn("a", "b"),
	)
	if err != nil {
		t.Fatal(err)
	}

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != PriorityCritical || got.MaxRetries != 3 || len(got.DependsOn) != 2 {
		t.Errorf("Options not applied: %+v", got)
	}
}

func TestRecordAttemptParksAtCeiling(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, checkInPayload("ci-1"), WithMaxRetries(2))
	if err != nil {
		t.Fatal(err)
	}

	cause := errors.New("status 503")
	for i := 0; i < 2; i++ {
		if err := q.RecordAttempt(ctx, item, cause); err != nil {
			t.Fatal(err)
		}
	}
	if !item.Parked {
		t.Fatal("Expected item to be parked after reaching max retries")
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected parked item to be skipped, got %d pending", len(pending))
	}

	stats, _ := q.Stats(ctx)
	if stats.Total != 1 || stats.Parked != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	n, err := q.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed = %d, %v", n, err)
	}
	got, _ := q.Get(ctx, item.ID)
	if got.Parked || got.Attempts != 0 || got.LastError != "status 503" {
		t.Errorf("Unexpected item after RetryFailed: %+v", got)
	}
}

func TestCriticalItemsNeverPark(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	alert := AlertPayload{domain.MissingStudentAlert{
		LocalRecord: domain.NewLocalRecord("alert-1", time.Now()),
		ExcursionID: "exc-1",
		StudentIDs:  []string{"stu-1"},
	}}
	item, err := q.Enqueue(ctx, alert, WithMaxRetries(1))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := q.RecordAttempt(ctx, item, errors.New("timeout")); err != nil {
			t.Fatal(err)
		}
	}
	if item.Parked {
		t.Error("Critical item must never be parked")
	}

	stats, _ := q.Stats(ctx)
	if stats.Critical != 1 {
		t.Errorf("Expected 1 critical item, got %+v", stats)
	}
}

func TestEnqueueTxRollsBack(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Store) error {
		if _, err := q.EnqueueTx(ctx, tx, checkInPayload("ci-1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	n, err := q.CountForExcursion(ctx, "exc-1")
	if err != nil || n != 0 {
		t.Errorf("Expected rolled back queue, got %d (%v)", n, err)
	}
}
