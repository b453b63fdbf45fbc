package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/store"
)

const DefaultMaxRetries = 10

// Queue persists items through the local store. Writes that must land
// together with a domain record go through EnqueueTx with the tx-bound store.
type Queue struct {
	store      store.Store
	maxRetries int
	now        func() time.Time
}

func New(s store.Store, defaultMaxRetries int) *Queue {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = DefaultMaxRetries
	}
	return &Queue{
		store:      s,
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type enqueueOptions struct {
	priority   *Priority
	maxRetries int
	dependsOn  []string
}

type Option func(*enqueueOptions)

// WithPriority overrides the payload's default band.
func WithPriority(p Priority) Option {
	return func(o *enqueueOptions) { o.priority = &p }
}

func WithMaxRetries(n int) Option {
	return func(o *enqueueOptions) { o.maxRetries = n }
}

func WithDependsOn(ids ...string) Option {
	return func(o *enqueueOptions) { o.dependsOn = append(o.dependsOn, ids...) }
}

func (q *Queue) Enqueue(ctx context.Context, p Payload, opts ...Option) (*Item, error) {
	return q.EnqueueTx(ctx, q.store, p, opts...)
}

// EnqueueTx snapshots p and appends it to the queue through s.
func (q *Queue) EnqueueTx(ctx context.Context, s store.Store, p Payload, opts ...Option) (*Item, error) {
	o := enqueueOptions{maxRetries: q.maxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}

	priority := DefaultPriority(p)
	if o.priority != nil {
		priority = *o.priority
	}

	item := &Item{
		ID:          uuid.New().String(),
		Type:        p.SyncType(),
		Priority:    priority,
		EntityType:  p.EntityType(),
		EntityID:    p.EntityID(),
		ExcursionID: p.ExcursionID(),
		Payload:     data,
		CreatedAt:   q.now(),
		MaxRetries:  o.maxRetries,
		DependsOn:   o.dependsOn,
	}

	row, err := ToRow(item)
	if err != nil {
		return nil, err
	}
	if err := s.EnqueueItem(ctx, row); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", item.Type, err)
	}

	logger.Log.Debug("Enqueued sync item",
		zap.String("item", item.ID),
		zap.String("type", string(item.Type)),
		zap.Stringer("priority", item.Priority),
	)
	return item, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	row, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return FromRow(row)
}

// All returns every queued item in priority then queue order, parked included.
func (q *Queue) All(ctx context.Context) ([]*Item, error) {
	rows, err := q.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(rows))
	for _, row := range rows {
		item, err := FromRow(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Pending returns the items a pass may attempt: everything not parked.
func (q *Queue) Pending(ctx context.Context) ([]*Item, error) {
	all, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, item := range all {
		if !item.Parked {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

// RecordAttempt counts one failed try against the item and parks it once a
// non-critical item reaches its retry ceiling.
func (q *Queue) RecordAttempt(ctx context.Context, item *Item, cause error) error {
	at := q.now()
	item.Attempts++
	item.LastAttemptAt = &at
	if cause != nil {
		item.LastError = cause.Error()
	}
	if item.Exhausted() && !item.Parked {
		item.Parked = true
		logger.Log.Warn("Sync item reached retry ceiling, parking",
			zap.String("item", item.ID),
			zap.Int("attempts", item.Attempts),
			zap.Int("maxRetries", item.MaxRetries),
		)
	}
	return q.update(ctx, item)
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.RemoveTx(ctx, q.store, id)
}

func (q *Queue) RemoveTx(ctx context.Context, s store.Store, id string) error {
	if err := s.RemoveQueueItem(ctx, id); err != nil {
		return fmt.Errorf("remove queue item %s: %w", id, err)
	}
	return nil
}

// RetryFailed returns parked items to the pending set with a fresh budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	all, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range all {
		if !item.Parked {
			continue
		}
		item.Parked = false
		item.Attempts = 0
		if err := q.update(ctx, item); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logger.Log.Info("Re-queued parked sync items", zap.Int("count", n))
	}
	return n, nil
}

type Stats struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Parked   int `json:"parked"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	all, err := q.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, item := range all {
		s.Total++
		if item.Priority == PriorityCritical {
			s.Critical++
		}
		if item.Parked {
			s.Parked++
		}
	}
	return s, nil
}

func (q *Queue) CountForExcursion(ctx context.Context, excursionID string) (int, error) {
	return q.store.CountQueueForExcursion(ctx, excursionID)
}

func (q *Queue) update(ctx context.Context, item *Item) error {
	row, err := ToRow(item)
	if err != nil {
		return err
	}
	if err := q.store.UpdateQueueItem(ctx, row); err != nil {
		return fmt.Errorf("update queue item %s: %w", item.ID, err)
	}
	return nil
}

func ToRow(item *Item) (*store.QueueRow, error) {
	row := &store.QueueRow{
		ID:          item.ID,
		SyncType:    string(item.Type),
		Priority:    int(item.Priority),
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		ExcursionID: item.ExcursionID,
		Payload:     item.Payload,
		CreatedAt:   item.CreatedAt,
		Attempts:    item.Attempts,
		MaxRetries:  item.MaxRetries,
		Status:      store.QueuePending,
	}
	if item.Parked {
		row.Status = store.QueueParked
	}
	if item.LastAttemptAt != nil {
		row.LastAttemptAt = sql.NullTime{Time: *item.LastAttemptAt, Valid: true}
	}
	if item.LastError != "" {
		row.LastError = sql.NullString{String: item.LastError, Valid: true}
	}
	if len(item.DependsOn) > 0 {
		deps, err := json.Marshal(item.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("encode depends_on: %w", err)
		}
		row.DependsOn = deps
	}
	return row, nil
}

func FromRow(row *store.QueueRow) (*Item, error) {
	item := &Item{
		ID:          row.ID,
		Type:        SyncType(row.SyncType),
		Priority:    Priority(row.Priority),
		EntityType:  row.EntityType,
		EntityID:    row.EntityID,
		ExcursionID: row.ExcursionID,
		Payload:     row.Payload,
		CreatedAt:   row.CreatedAt,
		Attempts:    row.Attempts,
		LastError:   row.LastError.String,
		MaxRetries:  row.MaxRetries,
		Parked:      row.Status == store.QueueParked,
	}
	if row.LastAttemptAt.Valid {
		t := row.LastAttemptAt.Time
		item.LastAttemptAt = &t
	}
	if len(row.DependsOn) > 0 {
		if err := json.Unmarshal(row.DependsOn, &item.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for %s: %w", row.ID, err)
		}
	}
	return item, nil
}

var entityCollections = map[string]store.Collection{
	EntityCheckIn:      store.CheckIns,
	EntityCapture:      store.Captures,
	EntityMissingAlert: store.Alerts,
	EntityTaskProgress: store.TaskProgress,
	EntityHelpRequest:  store.HelpRequests,
	EntityFeedback:     store.Feedback,
}

var entitySyncTypes = map[string]SyncType{
	EntityCheckIn:      TypeCheckIn,
	EntityCapture:      TypeCapture,
	EntityMissingAlert: TypeAlert,
	EntityTaskProgress: TypeTaskProgress,
	EntityHelpRequest:  TypeHelpRequest,
	EntityFeedback:     TypeFeedback,
}

// CollectionFor maps an entity type to the collection holding its records.
func CollectionFor(entityType string) (store.Collection, bool) {
	c, ok := entityCollections[entityType]
	return c, ok
}

func SyncTypeFor(entityType string) (SyncType, bool) {
	t, ok := entitySyncTypes[entityType]
	return t, ok
}
