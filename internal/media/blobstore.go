// Package media keeps captured media out of the structured records and
// ships it to object storage separately.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"excursion-sync-service/internal/store"
)

// Key derives the media store key for a capture.
func Key(captureID string) string {
	return "media-" + captureID
}

// BlobStore holds media snappy-compressed at rest. Size is the raw length.
type BlobStore struct {
	store store.Store
	now   func() time.Time
}

func NewBlobStore(s store.Store) *BlobStore {
	return &BlobStore{store: s, now: func() time.Time { return time.Now().UTC() }}
}

func (b *BlobStore) Put(ctx context.Context, excursionID, captureID, contentType string, data []byte) (string, error) {
	return b.PutTx(ctx, b.store, excursionID, captureID, contentType, data)
}

// PutTx writes through s so the blob can commit with its capture record.
func (b *BlobStore) PutTx(ctx context.Context, s store.Store, excursionID, captureID, contentType string, data []byte) (string, error) {
	key := Key(captureID)
	blob := &store.MediaBlob{
		ID:          key,
		ExcursionID: excursionID,
		CaptureID:   captureID,
		ContentType: contentType,
		Data:        snappy.Encode(nil, data),
		Size:        int64(len(data)),
		CreatedAt:   b.now(),
	}
	if err := s.PutMedia(ctx, blob); err != nil {
		return "", fmt.Errorf("store media %s: %w", key, err)
	}
	return key, nil
}

// Get returns the decompressed bytes and the blob's metadata.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, *store.MediaBlob, error) {
	blob, err := b.store.GetMedia(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	data, err := decode(blob)
	if err != nil {
		return nil, nil, err
	}
	return data, blob, nil
}

// DeleteForExcursionTx drops every blob of an excursion through s.
func (b *BlobStore) DeleteForExcursionTx(ctx context.Context, s store.Store, excursionID string) (int64, error) {
	return s.DeleteMediaByExcursion(ctx, excursionID)
}

func decode(blob *store.MediaBlob) ([]byte, error) {
	data, err := snappy.Decode(nil, blob.Data)
	if err != nil {
		return nil, fmt.Errorf("decompress media %s: %w", blob.ID, err)
	}
	return data, nil
}
