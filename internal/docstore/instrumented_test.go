package docstore

import (
	"context"
	"errors"
	"testing"
)

type recordedCall struct {
	op         string
	collection string
	success    bool
}

type mockMetricsRecorder struct {
	calls []recordedCall
}

func (m *mockMetricsRecorder) RecordOperation(op, collection string, _ float64, success bool) {
	m.calls = append(m.calls, recordedCall{op, collection, success})
}

// stubStore implements Store with canned results.
type stubStore struct {
	getErr    error
	deleteErr error
}

func (s *stubStore) GetByID(context.Context, string, string) (Document, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return Document{"_id": "x"}, nil
}

func (s *stubStore) DeleteByID(context.Context, string, string) (int, error) {
	return 1, s.deleteErr
}

func (s *stubStore) UpdateByID(context.Context, string, string, Document) error { return nil }
func (s *stubStore) Upsert(context.Context, string, Document) error             { return nil }
func (s *stubStore) Query(context.Context, string, QueryOptions) ([]Document, error) {
	return nil, nil
}
func (s *stubStore) Count(context.Context, string, Filter) (int64, error) { return 0, nil }
func (s *stubStore) Close(context.Context) error                          { return nil }

func TestInstrumentedStoreRecordsOperations(t *testing.T) {
	rec := &mockMetricsRecorder{}
	store := NewInstrumentedStore(&stubStore{getErr: ErrNotFound, deleteErr: errors.New("boom")}, rec)
	ctx := context.Background()

	if _, err := store.GetByID(ctx, "members", "m1"); !IsNotFound(err) {
		t.Fatalf("GetByID err = %v", err)
	}
	if _, err := store.DeleteByID(ctx, "reservations", "r1"); err == nil {
		t.Fatal("expected delete error")
	}

	if len(rec.calls) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(rec.calls))
	}
	if rec.calls[0] != (recordedCall{"get", "members", true}) {
		t.Errorf("get call = %+v", rec.calls[0])
	}
	if rec.calls[1] != (recordedCall{"delete", "reservations", false}) {
		t.Errorf("delete call = %+v", rec.calls[1])
	}
}

func TestInstrumentedStoreJoinUnavailable(t *testing.T) {
	rec := &mockMetricsRecorder{}
	store := NewInstrumentedStore(&stubStore{}, rec)

	_, err := store.JoinOnMissing(context.Background(), JoinRequest{Collection: "reservations"})
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("err = %v, want ErrCapabilityUnavailable", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("unavailable join should not be recorded, got %+v", rec.calls)
	}
}

func TestInstrumentedStoreNilMetrics(t *testing.T) {
	store := NewInstrumentedStore(&stubStore{}, nil)
	if _, err := store.GetByID(context.Background(), "members", "m1"); err != nil {
		t.Fatalf("GetByID: %v", err)
	}
}

func TestStoreErrorUnwrap(t *testing.T) {
	err := &StoreError{Op: "delete", Collection: "reservations", ID: "r1", Err: ErrStoreClosed}
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatal("expected errors.Is to see through StoreError")
	}
	if got := err.Error(); got != "docstore: delete reservations/r1: docstore: store closed" {
		t.Errorf("Error() = %q", got)
	}
}
