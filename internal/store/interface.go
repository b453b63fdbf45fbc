package store

import (
	"context"
	"errors"
	"time"

	"excursion-sync-service/internal/domain"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	// Records
	PutRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, coll Collection, id string) (*Record, error)
	DeleteRecord(ctx context.Context, coll Collection, id string) error
	QueryRecords(ctx context.Context, coll Collection, idx Index, value string) ([]*Record, error)
	DeleteRecords(ctx context.Context, coll Collection, idx Index, value string) (int64, error)
	MarkSynced(ctx context.Context, coll Collection, id, serverID string, serverVersion *int64, at time.Time) error
	SetSyncStatus(ctx context.Context, coll Collection, id string, status domain.SyncStatus) error

	// Sync queue
	EnqueueItem(ctx context.Context, row *QueueRow) error
	GetQueueItem(ctx context.Context, id string) (*QueueRow, error)
	ListQueue(ctx context.Context) ([]*QueueRow, error)
	UpdateQueueItem(ctx context.Context, row *QueueRow) error
	RemoveQueueItem(ctx context.Context, id string) error
	CountQueueForExcursion(ctx context.Context, excursionID string) (int, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id, resolution, resolvedBy string, resolvedData []byte, at time.Time) error

	// Metadata
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error

	// Media blobs
	PutMedia(ctx context.Context, blob *MediaBlob) error
	GetMedia(ctx context.Context, id string) (*MediaBlob, error)
	ListPendingMedia(ctx context.Context, limit int) ([]*MediaBlob, error)
	MarkMediaUploaded(ctx context.Context, id string, at time.Time) error
	MarkMediaFailed(ctx context.Context, id, reason string) error
	DeleteMediaByExcursion(ctx context.Context, excursionID string) (int64, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	WithTx(ctx context.Context, fn func(tx Store) error) error
	RequestPersistence(ctx context.Context) error
	Close() error
}
