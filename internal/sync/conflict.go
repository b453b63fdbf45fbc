package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"excursion-sync-service/internal/domain"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/queue"
	"excursion-sync-service/internal/store"
	"excursion-sync-service/internal/transport"
)

type Resolution string

const (
	ServerWins Resolution = "server-wins"
	LocalWins  Resolution = "local-wins"
	Merged     Resolution = "merged"
	Manual     Resolution = "manual"
)

const ResolvedByAuto = "auto"

// Policy is the fixed resolution per entity type. Anything unlisted is server-wins.
var Policy = map[string]Resolution{
	queue.EntityCheckIn:      ServerWins,
	queue.EntityCapture:      LocalWins,
	queue.EntityMissingAlert: Merged,
}

func PolicyFor(entityType string) Resolution {
	if r, ok := Policy[entityType]; ok {
		return r
	}
	return ServerWins
}

const conflictPageSize = 100

type ConflictManager struct {
	store store.Store
	queue *queue.Queue
	now   func() time.Time
}

func NewConflictManager(s store.Store, q *queue.Queue) *ConflictManager {
	return &ConflictManager{
		store: s,
		queue: q,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RecordConflict stores a 409 outcome and retires the queue item it superseded.
func (cm *ConflictManager) RecordConflict(ctx context.Context, item *queue.Item, info *transport.ConflictInfo) (*store.Conflict, error) {
	conflict := &store.Conflict{
		ID:          uuid.New().String(),
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		QueueItemID: item.ID,
		Priority:    int(item.Priority),
		LocalData:   item.Payload,
		ServerData:  info.ServerVersion,
		DetectedAt:  cm.now(),
	}
	conflict.ConflictFields = info.ConflictFields
	if conflict.ConflictFields == nil {
		conflict.ConflictFields = []string{}
	}

	err := cm.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateConflict(ctx, conflict); err != nil {
			return err
		}
		if coll, ok := queue.CollectionFor(item.EntityType); ok {
			err := tx.SetSyncStatus(ctx, coll, item.EntityID, domain.SyncConflict)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return cm.queue.RemoveTx(ctx, tx, item.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("record conflict for %s: %w", item.ID, err)
	}
	return conflict, nil
}

// ResolvePending applies the policy table to every unresolved conflict.
func (cm *ConflictManager) ResolvePending(ctx context.Context) ([]*store.Conflict, error) {
	var resolved []*store.Conflict
	for {
		open, err := cm.store.ListConflicts(ctx, false, conflictPageSize, 0)
		if err != nil {
			return resolved, err
		}
		if len(open) == 0 {
			return resolved, nil
		}
		for _, c := range open {
			if _, err := cm.Resolve(ctx, c); err != nil {
				return resolved, err
			}
			resolved = append(resolved, c)
		}
		if len(open) < conflictPageSize {
			return resolved, nil
		}
	}
}

// Resolve settles one conflict and stamps it resolvedBy=auto.
func (cm *ConflictManager) Resolve(ctx context.Context, c *store.Conflict) (Resolution, error) {
	resolution := PolicyFor(c.EntityType)
	at := cm.now()

	err := cm.store.WithTx(ctx, func(tx store.Store) error {
		data, err := cm.apply(ctx, tx, c, resolution, at)
		if err != nil {
			return err
		}
		return tx.ResolveConflict(ctx, c.ID, string(resolution), ResolvedByAuto, data, at)
	})
	if err != nil {
		return "", fmt.Errorf("resolve conflict %s: %w", c.ID, err)
	}

	c.Resolution.String, c.Resolution.Valid = string(resolution), true
	c.ResolvedBy.String, c.ResolvedBy.Valid = ResolvedByAuto, true
	c.ResolvedAt.Time, c.ResolvedAt.Valid = at, true

	logger.Log.Info("Resolved conflict",
		zap.String("conflict", c.ID),
		zap.String("entityType", c.EntityType),
		zap.String("entity", c.EntityID),
		zap.String("resolution", string(resolution)),
	)
	return resolution, nil
}

func (cm *ConflictManager) apply(ctx context.Context, tx store.Store, c *store.Conflict, resolution Resolution, at time.Time) (json.RawMessage, error) {
	coll, known := queue.CollectionFor(c.EntityType)

	var rec *store.Record
	if known {
		r, err := tx.GetRecord(ctx, coll, c.EntityID)
		switch {
		case err == nil:
			rec = r
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	local := c.LocalData
	if rec != nil {
		local = rec.Data
	}

	switch resolution {
	case LocalWins:
		return local, cm.requeue(ctx, tx, c, rec, local, at)

	case Merged:
		merged, err := mergeDocs(local, c.ServerData)
		if err != nil {
			return nil, err
		}
		return merged, cm.requeue(ctx, tx, c, rec, merged, at)
	}

	// Server wins: adopt the server's fields and treat the record as synced.
	data, err := overlay(local, c.ServerData)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return data, nil
	}
	rec.Data = data
	rec.Version++
	rec.LocalModifiedAt = at
	if err := tx.PutRecord(ctx, rec); err != nil {
		return nil, err
	}
	serverID := c.EntityID
	if rec.ServerID.Valid && rec.ServerID.String != "" {
		serverID = rec.ServerID.String
	}
	return data, tx.MarkSynced(ctx, coll, c.EntityID, serverID, serverVersionOf(c.ServerData), at)
}

// requeue writes the resolved document back as pending and enqueues it so
// the next pass delivers it.
func (cm *ConflictManager) requeue(ctx context.Context, tx store.Store, c *store.Conflict, rec *store.Record, data json.RawMessage, at time.Time) error {
	if rec != nil {
		rec.Data = data
		rec.SyncStatus = domain.SyncPending
		rec.Version++
		rec.LocalModifiedAt = at
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
	}

	t, ok := queue.SyncTypeFor(c.EntityType)
	if !ok {
		logger.Log.Warn("No sync type for conflicted entity, not re-queued", zap.String("entityType", c.EntityType))
		return nil
	}
	payload, err := queue.DecodePayload(t, data)
	if err != nil {
		return err
	}
	_, err = cm.queue.EnqueueTx(ctx, tx, payload, queue.WithPriority(queue.Priority(c.Priority)))
	return err
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if out == nil {
		out = map[string]json.RawMessage{}
	}
	return out, nil
}

// overlay copies every server field over the local document.
func overlay(local, server json.RawMessage) (json.RawMessage, error) {
	l, err := decodeObject(local)
	if err != nil {
		return nil, err
	}
	s, err := decodeObject(server)
	if err != nil {
		return nil, err
	}
	for k, v := range s {
		l[k] = v
	}
	return json.Marshal(l)
}

// mergeDocs keeps local scalars, fills fields only the server has and
// unions fields that are arrays on both sides.
func mergeDocs(local, server json.RawMessage) (json.RawMessage, error) {
	l, err := decodeObject(local)
	if err != nil {
		return nil, err
	}
	s, err := decodeObject(server)
	if err != nil {
		return nil, err
	}
	for k, sv := range s {
		lv, ok := l[k]
		if !ok {
			l[k] = sv
			continue
		}
		if u, ok := unionArrays(lv, sv); ok {
			l[k] = u
		}
	}
	return json.Marshal(l)
}

func unionArrays(a, b json.RawMessage) (json.RawMessage, bool) {
	var left, right []json.RawMessage
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return nil, false
	}
	seen := make(map[string]bool, len(left)+len(right))
	out := make([]json.RawMessage, 0, len(left)+len(right))
	for _, v := range append(left, right...) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, false
		}
		key := buf.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, json.RawMessage(key))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return data, true
}

func serverVersionOf(server json.RawMessage) *int64 {
	var doc struct {
		Version *int64 `json:"version"`
	}
	if json.Unmarshal(server, &doc) != nil {
		return nil
	}
	return doc.Version
}
