package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestObjectErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *ObjectError
		expected string
	}{
		{
			name:     "get not found",
			err:      &ObjectError{Op: "Get", Key: "reports/scan/2026/10/16/run-1.json", Err: ErrNotFound},
			expected: `objectstore: Get "reports/scan/2026/10/16/run-1.json": object not found`,
		},
		{
			name:     "put access denied",
			err:      &ObjectError{Op: "Put", Key: "reports/cascade/2026/10/16/run-2.parquet", Err: ErrAccessDenied},
			expected: `objectstore: Put "reports/cascade/2026/10/16/run-2.parquet": access denied`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ObjectError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestObjectErrorUnwrap(t *testing.T) {
	err := &ObjectError{Op: "Get", Key: "test/key", Err: ErrNotFound}
	if !errors.Is(err, ErrNotFound) {
		t.Error("ObjectError should unwrap to ErrNotFound")
	}
	if errors.Is(err, ErrAccessDenied) {
		t.Error("ObjectError should not match ErrAccessDenied")
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := map[string]string{
		"s3://bucket/reports/a.json": "reports/a.json",
		"reports/a.json":             "reports/a.json",
		"s3://bucket":                "s3://bucket",
	}
	for in, want := range tests {
		if got := NormalizeKey(in); got != want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url    string
		bucket string
		prefix string
		ok     bool
	}{
		{"s3://archive/reconcile/reports/", "archive", "reconcile/reports", true},
		{"s3://archive", "archive", "", true},
		{"s3:///reports", "", "", false},
		{"file:///tmp", "", "", false},
	}
	for _, tt := range tests {
		bucket, prefix, err := ParseURL(tt.url)
		if tt.ok != (err == nil) {
			t.Fatalf("ParseURL(%q) err = %v, want ok=%v", tt.url, err, tt.ok)
		}
		if bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("ParseURL(%q) = (%q, %q), want (%q, %q)", tt.url, bucket, prefix, tt.bucket, tt.prefix)
		}
	}
}

func TestJoinKey(t *testing.T) {
	if got := JoinKey("", "/prefix/", "reports", "a.json"); got != "prefix/reports/a.json" {
		t.Errorf("JoinKey = %q", got)
	}
	if got := JoinKey(); got != "" {
		t.Errorf("JoinKey() = %q, want empty", got)
	}
}

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	body := []byte(`{"total":3}`)
	err := store.PutWithOptions(ctx, "reports/a.json", bytes.NewReader(body), int64(len(body)), "application/json",
		PutOptions{Metadata: map[string]string{"kind": "scan"}, IfNoneMatch: "*"})
	if err != nil {
		t.Fatalf("PutWithOptions: %v", err)
	}

	err = store.PutWithOptions(ctx, "reports/a.json", bytes.NewReader(body), int64(len(body)), "application/json",
		PutOptions{IfNoneMatch: "*"})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("second create-only put: err = %v, want ErrPreconditionFailed", err)
	}

	rc, err := store.Get(ctx, "reports/a.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, body) {
		t.Errorf("Get = %q, want %q", got, body)
	}

	meta, err := store.Head(ctx, "reports/a.json")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if meta.Size != int64(len(body)) || meta.Metadata["kind"] != "scan" || meta.ContentType != "application/json" {
		t.Errorf("Head = %+v", meta)
	}

	if _, err := store.Get(ctx, "reports/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}

	if err := store.Delete(ctx, "reports/a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "reports/a.json"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if len(store.Keys()) != 0 {
		t.Errorf("Keys after delete = %v", store.Keys())
	}
}

func TestMockStoreListSorted(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	for _, k := range []string{"reports/b", "reports/a", "other/c"} {
		if err := store.Put(ctx, k, bytes.NewReader(nil), 0, "application/json"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Key != "reports/a" || got[1].Key != "reports/b" {
		t.Errorf("List = %+v", got)
	}
}

func TestMockStoreFailWith(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	boom := errors.New("boom")
	store.FailWith(boom)
	if err := store.Put(ctx, "k", bytes.NewReader(nil), 0, ""); !errors.Is(err, boom) {
		t.Errorf("Put err = %v, want boom", err)
	}
	store.FailWith(nil)
	if err := store.Put(ctx, "k", bytes.NewReader(nil), 0, ""); err != nil {
		t.Errorf("Put after clear: %v", err)
	}
}
