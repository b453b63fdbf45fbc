package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/store"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLStore(config.StoreConfig{Type: "sqlite", FilePath: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    bool
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = data
	if params.ContentType != nil {
		f.types[*params.Key] = *params.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func TestBlobStoreCompressesAtRest(t *testing.T) {
	s := newTestStore(t)
	b := NewBlobStore(s)
	ctx := context.Background()

	raw := bytes.Repeat([]byte("heron "), 500)
	key, err := b.Put(ctx, "exc-1", "cap-1", "text/plain", raw)
	if err != nil {
		t.Fatal(err)
	}
	if key != "media-cap-1" {
		t.Errorf("Unexpected key %s", key)
	}

	stored, err := s.GetMedia(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Data) >= len(raw) || stored.Size != int64(len(raw)) {
		t.Errorf("Expected compressed data with raw size, got %d bytes (size %d)", len(stored.Data), stored.Size)
	}

	got, meta, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) || meta.ContentType != "text/plain" {
		t.Error("Round trip through the blob store changed the data")
	}
}

func TestUploadPending(t *testing.T) {
	s := newTestStore(t)
	b := NewBlobStore(s)
	ctx := context.Background()

	b.Put(ctx, "exc-1", "cap-1", "image/jpeg", []byte{0xff, 0xd8, 0xff})
	b.Put(ctx, "exc-1", "cap-2", "", []byte("note"))

	client := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	u := NewUploaderWithClient(client, "bucket", "media/", s)

	n, err := u.UploadPending(ctx)
	if err != nil || n != 2 {
		t.Fatalf("UploadPending = %d, %v", n, err)
	}
	if !bytes.Equal(client.objects["media/exc-1/media-cap-1"], []byte{0xff, 0xd8, 0xff}) {
		t.Errorf("Expected decompressed object, got %v", client.objects)
	}
	if client.types["media/exc-1/media-cap-1"] != "image/jpeg" {
		t.Errorf("Expected content type to be forwarded, got %v", client.types)
	}

	n, err = u.UploadPending(ctx)
	if err != nil || n != 0 {
		t.Errorf("Expected nothing left to upload, got %d, %v", n, err)
	}
}

func TestUploadFailureLeavesBlobPending(t *testing.T) {
	s := newTestStore(t)
	b := NewBlobStore(s)
	ctx := context.Background()
	b.Put(ctx, "exc-1", "cap-1", "image/png", []byte{1})

	u := NewUploaderWithClient(&fakeS3{fail: true}, "bucket", "", s)
	if _, err := u.UploadPending(ctx); err == nil {
		t.Fatal("Expected upload error")
	}
	pending, _ := s.ListPendingMedia(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("Expected blob to stay pending, got %d", len(pending))
	}
}

func TestNewS3UploaderRequiresBucket(t *testing.T) {
	if _, err := NewS3Uploader(config.MediaConfig{}, nil); err == nil {
		t.Error("Expected missing bucket to be rejected")
	}
}

func TestCorruptBlobDoesNotBlockUploads(t *testing.T) {
	s := newTestStore(t)
	b := NewBlobStore(s)
	ctx := context.Background()

	corrupt := &store.MediaBlob{
		ID:          Key("cap-0"),
		ExcursionID: "exc-1",
		CaptureID:   "cap-0",
		Data:        []byte{0xff, 0xff, 0xff, 0xff, 0xff},
		Size:        5,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	if err := s.PutMedia(ctx, corrupt); err != nil {
		t.Fatal(err)
	}
	b.Put(ctx, "exc-1", "cap-1", "text/plain", []byte("note"))

	client := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	u := NewUploaderWithClient(client, "bucket", "", s)

	n, err := u.UploadPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("UploadPending = %d, %v", n, err)
	}
	if _, ok := client.objects["exc-1/media-cap-1"]; !ok {
		t.Errorf("Expected the good blob behind the corrupt one to upload, got %v", client.objects)
	}

	got, err := s.GetMedia(ctx, corrupt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UploadError.Valid || got.UploadedAt.Valid {
		t.Errorf("Expected corrupt blob marked failed, got %+v", got)
	}
	if pending, _ := s.ListPendingMedia(ctx, 10); len(pending) != 0 {
		t.Errorf("Expected nothing pending, got %d", len(pending))
	}
}
