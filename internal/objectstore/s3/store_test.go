package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sornon/member-sub002/internal/objectstore"
)

// Integration tests run against MinIO. Either point S3_ENDPOINT at a running
// instance or place a minio binary at /tmp/minio.
var (
	testEndpoint     string
	testMinioProc    *os.Process
	testMinioDir     string
	minioSkipMessage string
)

func TestMain(m *testing.M) {
	if ep := os.Getenv("S3_ENDPOINT"); ep != "" {
		testEndpoint = ep
	} else if err := startMinio(); err != nil {
		minioSkipMessage = fmt.Sprintf("MinIO not available: %v", err)
	}
	code := m.Run()
	stopMinio()
	os.Exit(code)
}

func startMinio() error {
	const minioPath = "/tmp/minio"
	const port = "19000"
	if _, err := os.Stat(minioPath); err != nil {
		return fmt.Errorf("minio binary not found at %s", minioPath)
	}

	dataDir, err := os.MkdirTemp("", "minio-data-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	testMinioDir = dataDir

	cmd := exec.Command(minioPath, "server", dataDir, "--address", ":"+port, "--quiet")
	cmd.Env = append(os.Environ(), "MINIO_ROOT_USER=minioadmin", "MINIO_ROOT_PASSWORD=minioadmin")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return fmt.Errorf("failed to start minio: %w", err)
	}
	testMinioProc = cmd.Process
	testEndpoint = "http://localhost:" + port

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		store, err := New(ctx, testConfig("probe"))
		if err == nil {
			_, err = store.client.ListBuckets(ctx, &s3.ListBucketsInput{})
			store.Close()
		}
		cancel()
		if err == nil {
			return nil
		}
	}
	return errors.New("minio did not become ready")
}

func stopMinio() {
	if testMinioProc != nil {
		testMinioProc.Kill()
		testMinioProc.Wait()
	}
	if testMinioDir != "" {
		os.RemoveAll(testMinioDir)
	}
}

func testConfig(bucket string) Config {
	return Config{
		Bucket:          bucket,
		Endpoint:        testEndpoint,
		Region:          "us-east-1",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		UsePathStyle:    true,
	}
}

func testStore(t *testing.T, bucket string) *Store {
	t.Helper()
	if testEndpoint == "" {
		t.Skip(minioSkipMessage)
	}
	ctx := context.Background()

	store, err := New(ctx, testConfig(bucket))
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx))

	t.Cleanup(func() {
		objects, _ := store.List(ctx, "")
		for _, obj := range objects {
			store.Delete(ctx, obj.Key)
		}
		store.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		store.Close()
	})
	return store
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestNewDoesNotDial(t *testing.T) {
	store, err := New(context.Background(), Config{
		Bucket:          "reports",
		Endpoint:        "http://127.0.0.1:1",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "reports", store.Bucket())
	require.NoError(t, store.Close())
}

func TestClosedStore(t *testing.T) {
	store, err := New(context.Background(), Config{Bucket: "reports", Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)
	store.Close()

	ctx := context.Background()
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, errClosed)
	assert.ErrorIs(t, store.Put(ctx, "k", bytes.NewReader([]byte("x")), 1, "text/plain"), errClosed)
	_, err = store.Head(ctx, "k")
	assert.ErrorIs(t, err, errClosed)
	_, err = store.List(ctx, "")
	assert.ErrorIs(t, err, errClosed)
	assert.ErrorIs(t, store.Delete(ctx, "k"), errClosed)
	assert.ErrorIs(t, store.EnsureBucket(ctx), errClosed)
}

func TestPutGetHead(t *testing.T) {
	store := testStore(t, "test-put-get")
	ctx := context.Background()

	key := "reports/scan/2026/10/16/run-1.json"
	data := []byte(`{"kind":"scan","total":4}`)
	err := store.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json",
		objectstore.PutOptions{Metadata: map[string]string{"kind": "scan"}})
	require.NoError(t, err)

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta, err := store.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Equal(t, "application/json", meta.ContentType)
	assert.Equal(t, "scan", meta.Metadata["kind"])
	assert.NotZero(t, meta.LastModified)
}

func TestCreateOnlyPut(t *testing.T) {
	store := testStore(t, "test-create-only")
	ctx := context.Background()
	opts := objectstore.PutOptions{IfNoneMatch: "*"}

	require.NoError(t, store.PutWithOptions(ctx, "k", bytes.NewReader([]byte("a")), 1, "text/plain", opts))
	err := store.PutWithOptions(ctx, "k", bytes.NewReader([]byte("b")), 1, "text/plain", opts)
	assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)
}

func TestNotFound(t *testing.T) {
	store := testStore(t, "test-not-found")
	ctx := context.Background()

	_, err := store.Get(ctx, "missing.json")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	_, err = store.Head(ctx, "missing.json")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "missing.json"))
}

func TestListByPrefix(t *testing.T) {
	store := testStore(t, "test-list")
	ctx := context.Background()

	keys := []string{
		"reports/scan/2026/10/16/b.json",
		"reports/scan/2026/10/16/a.json",
		"reports/cascade/2026/10/16/c.json",
	}
	for _, k := range keys {
		require.NoError(t, store.Put(ctx, k, bytes.NewReader([]byte("{}")), 2, "application/json"))
	}

	got, err := store.List(ctx, "reports/scan/")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "reports/scan/2026/10/16/a.json", got[0].Key)
	assert.Equal(t, "reports/scan/2026/10/16/b.json", got[1].Key)
}
