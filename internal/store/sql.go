package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/database"
	"excursion-sync-service/internal/domain"
	"excursion-sync-service/internal/logger"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLStore struct {
	db   *database.Database
	q    querier
	inTx bool
}

func NewSQLStore(cfg config.StoreConfig) (*SQLStore, error) {
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Log.Info("Local store ready", zap.String("driver", db.Driver))

	return &SQLStore{db: db, q: db.DB}, nil
}

func (s *SQLStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return fn(&SQLStore{db: s.db, q: tx, inTx: true})
	})
}

func (s *SQLStore) RequestPersistence(ctx context.Context) error {
	return s.db.RequestDurability(ctx)
}

// ── Records ───────────────────────────────────────────────

const recordColumns = `collection, id, excursion_id, ref_id, sync_status, server_id, local_modified_at, synced_at, version, server_version, data`

func (s *SQLStore) PutRecord(ctx context.Context, rec *Record) error {
	query := `REPLACE INTO records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.q.ExecContext(ctx, query,
		string(rec.Collection),
		rec.ID,
		rec.ExcursionID,
		rec.RefID,
		string(rec.SyncStatus),
		rec.ServerID,
		toMillis(rec.LocalModifiedAt),
		nullMillis(rec.SyncedAt),
		rec.Version,
		rec.ServerVersion,
		string(rec.Data),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (s *SQLStore) GetRecord(ctx context.Context, coll Collection, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE collection = ? AND id = ?`

	rec, err := scanRecord(s.q.QueryRowContext(ctx, query, string(coll), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", coll, id, err)
	}
	return rec, nil
}

func (s *SQLStore) DeleteRecord(ctx context.Context, coll Collection, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, string(coll), id)
	return err
}

func (s *SQLStore) QueryRecords(ctx context.Context, coll Collection, idx Index, value string) ([]*Record, error) {
	col, err := indexColumn(idx)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM records WHERE collection = ? AND ` + col + ` = ? ORDER BY local_modified_at, id`

	rows, err := s.q.QueryContext(ctx, query, string(coll), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) DeleteRecords(ctx context.Context, coll Collection, idx Index, value string) (int64, error) {
	col, err := indexColumn(idx)
	if err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND `+col+` = ?`, string(coll), value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) MarkSynced(ctx context.Context, coll Collection, id, serverID string, serverVersion *int64, at time.Time) error {
	if serverID == "" {
		return fmt.Errorf("mark %s/%s synced: server id is required", coll, id)
	}
	var sv sql.NullInt64
	if serverVersion != nil {
		sv = sql.NullInt64{Int64: *serverVersion, Valid: true}
	}
	query := `UPDATE records SET sync_status = ?, server_id = ?, synced_at = ?, server_version = COALESCE(?, server_version)
			  WHERE collection = ? AND id = ?`

	res, err := s.q.ExecContext(ctx, query, string(domain.SyncSynced), serverID, toMillis(at), sv, string(coll), id)
	if err != nil {
		return err
	}
	return expectRow(res, coll, id)
}

func (s *SQLStore) SetSyncStatus(ctx context.Context, coll Collection, id string, status domain.SyncStatus) error {
	res, err := s.q.ExecContext(ctx, `UPDATE records SET sync_status = ? WHERE collection = ? AND id = ?`,
		string(status), string(coll), id)
	if err != nil {
		return err
	}
	return expectRow(res, coll, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec      Record
		coll     string
		status   string
		modified int64
		synced   sql.NullInt64
		data     string
	)
	err := sc.Scan(
		&coll,
		&rec.ID,
		&rec.ExcursionID,
		&rec.RefID,
		&status,
		&rec.ServerID,
		&modified,
		&synced,
		&rec.Version,
		&rec.ServerVersion,
		&data,
	)
	if err != nil {
		return nil, err
	}
	rec.Collection = Collection(coll)
	rec.SyncStatus = domain.SyncStatus(status)
	rec.LocalModifiedAt = fromMillis(modified)
	rec.SyncedAt = fromNullMillis(synced)
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

func indexColumn(idx Index) (string, error) {
	switch idx {
	case ByExcursion, ByRef:
		return string(idx), nil
	}
	return "", fmt.Errorf("unknown index %q", idx)
}

func expectRow(res sql.Result, coll Collection, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", coll, id, ErrNotFound)
	}
	return nil
}

// ── Sync queue ────────────────────────────────────────────

const queueColumns = `id, seq, sync_type, priority, entity_type, entity_id, excursion_id, payload, created_at, attempts, last_attempt_at, last_error, max_retries, depends_on, status`

func (s *SQLStore) EnqueueItem(ctx context.Context, row *QueueRow) error {
	return s.WithTx(ctx, func(tx Store) error {
		t := tx.(*SQLStore)

		var seq int64
		if err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_queue`).Scan(&seq); err != nil {
			return fmt.Errorf("next queue seq: %w", err)
		}
		row.Seq = seq
		if row.Status == "" {
			row.Status = QueuePending
		}

		query := `INSERT INTO sync_queue (` + queueColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := t.q.ExecContext(ctx, query,
			row.ID,
			row.Seq,
			row.SyncType,
			row.Priority,
			row.EntityType,
			row.EntityID,
			row.ExcursionID,
			string(row.Payload),
			toMillis(row.CreatedAt),
			row.Attempts,
			nullMillis(row.LastAttemptAt),
			row.LastError,
			row.MaxRetries,
			nullJSON(row.DependsOn),
			string(row.Status),
		)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", row.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) GetQueueItem(ctx context.Context, id string) (*QueueRow, error) {
	row, err := scanQueueRow(s.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return row, err
}

func (s *SQLStore) ListQueue(ctx context.Context) ([]*QueueRow, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY priority DESC, seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueRow
	for rows.Next() {
		row, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLStore) UpdateQueueItem(ctx context.Context, row *QueueRow) error {
	query := `UPDATE sync_queue SET attempts = ?, last_attempt_at = ?, last_error = ?, max_retries = ?, status = ? WHERE id = ?`

	res, err := s.q.ExecContext(ctx, query,
		row.Attempts,
		nullMillis(row.LastAttemptAt),
		row.LastError,
		row.MaxRetries,
		string(row.Status),
		row.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "sync_queue", row.ID)
}

func (s *SQLStore) RemoveQueueItem(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "sync_queue", id)
}

func (s *SQLStore) CountQueueForExcursion(ctx context.Context, excursionID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE excursion_id = ?`, excursionID).Scan(&n)
	return n, err
}

func scanQueueRow(sc scanner) (*QueueRow, error) {
	var (
		row       QueueRow
		payload   string
		created   int64
		attempted sql.NullInt64
		depends   sql.NullString
		status    string
	)
	err := sc.Scan(
		&row.ID,
		&row.Seq,
		&row.SyncType,
		&row.Priority,
		&row.EntityType,
		&row.EntityID,
		&row.ExcursionID,
		&payload,
		&created,
		&row.Attempts,
		&attempted,
		&row.LastError,
		&row.MaxRetries,
		&depends,
		&status,
	)
	if err != nil {
		return nil, err
	}
	row.Payload = json.RawMessage(payload)
	row.CreatedAt = fromMillis(created)
	row.LastAttemptAt = fromNullMillis(attempted)
	if depends.Valid {
		row.DependsOn = json.RawMessage(depends.String)
	}
	row.Status = QueueStatus(status)
	return &row, nil
}

// ── Conflicts ─────────────────────────────────────────────

const conflictColumns = `id, entity_type, entity_id, queue_item_id, priority, local_data, server_data, conflict_fields, detected_at, resolution, resolved_at, resolved_by, resolved_data`

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	fields, err := json.Marshal(conflict.ConflictFields)
	if err != nil {
		return err
	}
	query := `INSERT INTO conflicts (id, entity_type, entity_id, queue_item_id, priority, local_data, server_data, conflict_fields, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	_, err = s.q.ExecContext(ctx, query,
		conflict.ID,
		conflict.EntityType,
		conflict.EntityID,
		conflict.QueueItemID,
		conflict.Priority,
		string(conflict.LocalData),
		string(conflict.ServerData),
		string(fields),
		toMillis(conflict.DetectedAt),
	)
	return err
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	c, err := scanConflict(s.q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE resolved = ? ORDER BY detected_at, id LIMIT ? OFFSET ?`

	rows, err := s.q.QueryContext(ctx, query, boolInt(resolved), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id, resolution, resolvedBy string, resolvedData []byte, at time.Time) error {
	query := `UPDATE conflicts SET resolved = 1, resolution = ?, resolved_by = ?, resolved_data = ?, resolved_at = ? WHERE id = ?`

	res, err := s.q.ExecContext(ctx, query, resolution, resolvedBy, string(resolvedData), toMillis(at), id)
	if err != nil {
		return err
	}
	return expectRow(res, "conflicts", id)
}

func scanConflict(sc scanner) (*Conflict, error) {
	var (
		c          Conflict
		local      string
		server     string
		fields     string
		detected   int64
		resolvedAt sql.NullInt64
		resolved   sql.NullString
	)
	err := sc.Scan(
		&c.ID,
		&c.EntityType,
		&c.EntityID,
		&c.QueueItemID,
		&c.Priority,
		&local,
		&server,
		&fields,
		&detected,
		&c.Resolution,
		&resolvedAt,
		&c.ResolvedBy,
		&resolved,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = json.RawMessage(local)
	c.ServerData = json.RawMessage(server)
	if err := json.Unmarshal([]byte(fields), &c.ConflictFields); err != nil {
		return nil, fmt.Errorf("decode conflict fields: %w", err)
	}
	c.DetectedAt = fromMillis(detected)
	c.ResolvedAt = fromNullMillis(resolvedAt)
	if resolved.Valid {
		c.ResolvedData = json.RawMessage(resolved.String)
	}
	return &c, nil
}

// ── Metadata ──────────────────────────────────────────────

func (s *SQLStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT meta_value FROM metadata WHERE meta_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `REPLACE INTO metadata (meta_key, meta_value) VALUES (?, ?)`, key, value)
	return err
}

func (s *SQLStore) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM metadata WHERE meta_key = ?`, key)
	return err
}

// ── Media ─────────────────────────────────────────────────

const mediaColumns = `id, excursion_id, capture_id, content_type, data, size, created_at, uploaded_at, upload_error`

func (s *SQLStore) PutMedia(ctx context.Context, blob *MediaBlob) error {
	query := `REPLACE INTO media (` + mediaColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		blob.ID,
		blob.ExcursionID,
		blob.CaptureID,
		blob.ContentType,
		blob.Data,
		blob.Size,
		toMillis(blob.CreatedAt),
		nullMillis(blob.UploadedAt),
		blob.UploadError,
	)
	return err
}

func (s *SQLStore) GetMedia(ctx context.Context, id string) (*MediaBlob, error) {
	blob, err := scanMedia(s.q.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (s *SQLStore) ListPendingMedia(ctx context.Context, limit int) ([]*MediaBlob, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE uploaded_at IS NULL AND upload_error IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blobs []*MediaBlob
	for rows.Next() {
		blob, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, rows.Err()
}

func (s *SQLStore) MarkMediaUploaded(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE media SET uploaded_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return err
	}
	return expectRow(res, "media", id)
}

// MarkMediaFailed takes a blob out of the pending set for good.
func (s *SQLStore) MarkMediaFailed(ctx context.Context, id, reason string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE media SET upload_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return err
	}
	return expectRow(res, "media", id)
}

func (s *SQLStore) DeleteMediaByExcursion(ctx context.Context, excursionID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM media WHERE excursion_id = ?`, excursionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMedia(sc scanner) (*MediaBlob, error) {
	var (
		blob     MediaBlob
		created  int64
		uploaded sql.NullInt64
	)
	err := sc.Scan(
		&blob.ID,
		&blob.ExcursionID,
		&blob.CaptureID,
		&blob.ContentType,
		&blob.Data,
		&blob.Size,
		&created,
		&uploaded,
		&blob.UploadError,
	)
	if err != nil {
		return nil, err
	}
	blob.CreatedAt = fromMillis(created)
	blob.UploadedAt = fromNullMillis(uploaded)
	return &blob, nil
}

// ── History ───────────────────────────────────────────────

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, trigger_source, total_items, synced, failed, conflicts_detected, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.q.ExecContext(ctx, query,
		history.ID,
		toMillis(history.StartedAt),
		nullMillis(history.CompletedAt),
		history.Trigger,
		history.TotalItems,
		history.Synced,
		history.Failed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
	)
	return err
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, total_items = ?, synced = ?, failed = ?, conflicts_detected = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.q.ExecContext(ctx, query,
		nullMillis(history.CompletedAt),
		history.TotalItems,
		history.Synced,
		history.Failed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)
	return err
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, trigger_source, total_items, synced, failed, conflicts_detected, status, error_message
			  FROM sync_history ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`

	rows, err := s.q.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h         SyncHistory
			started   int64
			completed sql.NullInt64
		)
		err := rows.Scan(
			&h.ID,
			&started,
			&completed,
			&h.Trigger,
			&h.TotalItems,
			&h.Synced,
			&h.Failed,
			&h.ConflictsDetected,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		h.StartedAt = fromMillis(started)
		h.CompletedAt = fromNullMillis(completed)
		history = append(history, &h)
	}
	return history, rows.Err()
}

// ── Helpers ───────────────────────────────────────────────

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t sql.NullTime) sql.NullInt64 {
	if !t.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Time.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) sql.NullTime {
	if !v.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: fromMillis(v.Int64), Valid: true}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
