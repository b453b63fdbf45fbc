package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"excursion-sync-service/internal/domain"
)

// Entity is a domain record carrying LocalRecord bookkeeping.
type Entity interface {
	Local() *domain.LocalRecord
}

// PutEntity persists a locally authored entity. Column bookkeeping is taken
// from the entity's LocalRecord.
func PutEntity(ctx context.Context, s Store, coll Collection, excursionID, refID string, e Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", coll, err)
	}
	lr := e.Local()

	rec := &Record{
		Collection:      coll,
		ID:              lr.LocalID,
		ExcursionID:     excursionID,
		RefID:           refID,
		SyncStatus:      lr.SyncStatus,
		LocalModifiedAt: lr.LocalModifiedAt,
		Version:         lr.Version,
		Data:            data,
	}
	if lr.ServerID != nil {
		rec.ServerID = sql.NullString{String: *lr.ServerID, Valid: true}
	}
	if lr.SyncedAt != nil {
		rec.SyncedAt = sql.NullTime{Time: *lr.SyncedAt, Valid: true}
	}
	if lr.ServerVersion != nil {
		rec.ServerVersion = sql.NullInt64{Int64: *lr.ServerVersion, Valid: true}
	}
	return s.PutRecord(ctx, rec)
}

// GetEntity loads an entity and overlays the authoritative bookkeeping columns.
func GetEntity(ctx context.Context, s Store, coll Collection, id string, e Entity) error {
	rec, err := s.GetRecord(ctx, coll, id)
	if err != nil {
		return err
	}
	return DecodeEntity(rec, e)
}

func DecodeEntity(rec *Record, e Entity) error {
	if err := json.Unmarshal(rec.Data, e); err != nil {
		return fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
	}
	lr := e.Local()
	lr.LocalID = rec.ID
	lr.SyncStatus = rec.SyncStatus
	lr.LocalModifiedAt = rec.LocalModifiedAt
	lr.Version = rec.Version
	lr.ServerID = nil
	if rec.ServerID.Valid {
		v := rec.ServerID.String
		lr.ServerID = &v
	}
	lr.SyncedAt = nil
	if rec.SyncedAt.Valid {
		v := rec.SyncedAt.Time
		lr.SyncedAt = &v
	}
	lr.ServerVersion = nil
	if rec.ServerVersion.Valid {
		v := rec.ServerVersion.Int64
		lr.ServerVersion = &v
	}
	return nil
}

// PutDoc stores a server-sourced document (excursion, roster, itinerary).
// Such documents are synced by definition: their server id is their id.
func PutDoc(ctx context.Context, s Store, coll Collection, id, excursionID, refID string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", coll, err)
	}
	now := time.Now().UTC()
	return s.PutRecord(ctx, &Record{
		Collection:      coll,
		ID:              id,
		ExcursionID:     excursionID,
		RefID:           refID,
		SyncStatus:      domain.SyncSynced,
		ServerID:        sql.NullString{String: id, Valid: true},
		LocalModifiedAt: now,
		SyncedAt:        sql.NullTime{Time: now, Valid: true},
		Version:         1,
		Data:            data,
	})
}

func GetDoc(ctx context.Context, s Store, coll Collection, id string, out any) error {
	rec, err := s.GetRecord(ctx, coll, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return nil
}

// ListDocs decodes every document matching the index into T.
func ListDocs[T any](ctx context.Context, s Store, coll Collection, idx Index, value string) ([]T, error) {
	records, err := s.QueryRecords(ctx, coll, idx, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", coll, rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
