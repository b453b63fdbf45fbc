package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/connectivity"
	"excursion-sync-service/internal/domain"
	"excursion-sync-service/internal/events"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/queue"
	"excursion-sync-service/internal/store"
	"excursion-sync-service/internal/transport"
)

const MetaLastSyncAt = "last_sync_at"

// Sender delivers one queue item to the server.
type Sender interface {
	Deliver(ctx context.Context, item *queue.Item) transport.Result
}

type FallbackSender interface {
	Send(ctx context.Context, item *queue.Item) error
}

type Connectivity interface {
	IsOnline() bool
	CheckReachability(ctx context.Context) bool
	Subscribe(fn connectivity.Listener) func()
}

// MediaUploader pushes captured media out of band.
type MediaUploader interface {
	UploadPending(ctx context.Context) (int, error)
}

type Options struct {
	CriticalAttempts int
	DefaultAttempts  int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	FallbackTimeout  time.Duration
	AutoInterval     string
	Workers          int
	Waiter           Waiter
}

func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		CriticalAttempts: cfg.CriticalAttempts,
		DefaultAttempts:  cfg.DefaultAttempts,
		BaseDelay:        cfg.GetBaseDelay(),
		MaxDelay:         cfg.GetMaxDelay(),
		FallbackTimeout:  cfg.GetFallbackTimeout(),
		AutoInterval:     cfg.CronSpec(),
	}
}

func (o *Options) setDefaults() {
	if o.CriticalAttempts <= 0 {
		o.CriticalAttempts = 5
	}
	if o.DefaultAttempts <= 0 {
		o.DefaultAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = 10 * time.Second
	}
	if o.Waiter == nil {
		o.Waiter = TimerWaiter{}
	}
}

type Deps struct {
	Store        store.Store
	Queue        *queue.Queue
	Sender       Sender
	Fallback     FallbackSender
	Connectivity Connectivity
	Bus          *events.Bus
	Media        MediaUploader
}

// Manager drains the sync queue band by band. At most one pass runs at a time.
type Manager struct {
	store     store.Store
	queue     *queue.Queue
	sender    Sender
	fallback  FallbackSender
	conn      Connectivity
	bus       *events.Bus
	media     MediaUploader
	conflicts *ConflictManager
	pool      *WorkerPool
	scheduler *Scheduler
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	status      PassState
	lastSyncAt  *time.Time
	lastError   string
	inflight    map[string]struct{}
	uploading   bool
	wasOnline   bool
	started     bool
	unsubscribe func()

	background sync.WaitGroup
}

func NewManager(deps Deps, opts Options) *Manager {
	opts.setDefaults()
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	m := &Manager{
		store:     deps.Store,
		queue:     deps.Queue,
		sender:    deps.Sender,
		fallback:  deps.Fallback,
		conn:      deps.Connectivity,
		bus:       deps.Bus,
		media:     deps.Media,
		conflicts: NewConflictManager(deps.Store, deps.Queue),
		pool:      NewWorkerPool(opts.Workers, 0),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		status:    StateIdle,
		inflight:  make(map[string]struct{}),
	}
	m.scheduler = NewScheduler(opts.AutoInterval, m)
	m.pool.Start()
	return m
}

// Start enables auto-sync: the interval schedule plus one pass on every
// offline to online transition.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	logger.Log.Info("Starting sync manager")

	unsub := m.conn.Subscribe(m.onConnectivity)
	m.mu.Lock()
	m.unsubscribe = unsub
	m.mu.Unlock()

	m.scheduler.Start()
}

// Stop halts timers and subscriptions. An in-flight pass and detached jobs
// are allowed to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	logger.Log.Info("Stopping sync manager")

	if unsub != nil {
		unsub()
	}
	m.scheduler.Stop()
}

// Close stops the manager and waits for background work to drain.
func (m *Manager) Close() {
	m.Stop()
	m.background.Wait()
	m.pool.Stop()
}

// Wait blocks until triggered passes and detached jobs have finished.
func (m *Manager) Wait() {
	m.background.Wait()
	m.pool.Wait()
}

func (m *Manager) Bus() *events.Bus { return m.bus }

func (m *Manager) onConnectivity(s connectivity.State) {
	online := s.Online()

	m.mu.Lock()
	rising := online && !m.wasOnline
	m.wasOnline = online
	m.mu.Unlock()

	m.bus.Publish(events.ConnectivityChange, s)

	if rising {
		logger.Log.Info("Connectivity restored, triggering sync")
		m.TriggerSync(TriggerReconnect)
	}
}

// TriggerSync starts a pass in the background if online.
func (m *Manager) TriggerSync(trigger Trigger) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		_, err := m.RunPass(context.Background(), trigger)
		switch {
		case err == nil, errors.Is(err, ErrAlreadySyncing), errors.Is(err, ErrOffline):
		default:
			logger.Log.Error("Background sync failed", zap.String("trigger", string(trigger)), zap.Error(err))
		}
	}()
}

// ForceSync re-probes the server and then runs a full pass.
func (m *Manager) ForceSync(ctx context.Context) (*PassResult, error) {
	m.conn.CheckReachability(ctx)
	return m.RunPass(ctx, TriggerForce)
}

func (m *Manager) IsSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StateSyncing
}

func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	st := Status{
		State:           m.status,
		LastSyncAt:      m.lastSyncAt,
		LastError:       m.lastError,
		Pending:         stats.Total,
		CriticalPending: stats.Critical,
		Parked:          stats.Parked,
	}
	m.mu.Unlock()

	st.Online = m.conn.IsOnline()
	if st.LastSyncAt == nil {
		st.LastSyncAt = m.storedLastSync(ctx)
	}
	return st, nil
}

func (m *Manager) History(ctx context.Context, limit int) ([]*store.SyncHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.store.GetSyncHistory(ctx, limit, 0)
}

func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	return m.queue.RetryFailed(ctx)
}

func (m *Manager) storedLastSync(ctx context.Context) *time.Time {
	v, ok, err := m.store.GetMeta(ctx, MetaLastSyncAt)
	if err != nil || !ok {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StateSyncing {
		return ErrAlreadySyncing
	}
	m.status = StateSyncing
	return nil
}

// RunPass drains one snapshot of the queue: CRITICAL, HIGH and NORMAL in
// order and awaited, LOW handed to the detached pool. Conflicts recorded
// during the pass are resolved before it completes.
func (m *Manager) RunPass(ctx context.Context, trigger Trigger) (*PassResult, error) {
	if !m.conn.IsOnline() {
		return nil, ErrOffline
	}
	if err := m.begin(); err != nil {
		logger.Log.Debug("Sync pass requested while one is running", zap.String("trigger", string(trigger)))
		return nil, err
	}
	defer func() {
		m.mu.Lock()
		m.status = StateIdle
		m.mu.Unlock()
	}()

	result := &PassResult{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		StartedAt: m.now(),
	}
	history := &store.SyncHistory{
		ID:        result.ID,
		StartedAt: result.StartedAt,
		Trigger:   string(trigger),
		Status:    string(StateSyncing),
	}
	if err := m.store.CreateSyncHistory(ctx, history); err != nil {
		return nil, fmt.Errorf("failed to record sync history: %w", err)
	}

	snapshot, err := m.snapshot(ctx)
	if err != nil {
		m.finishHistory(ctx, history, result, err)
		return nil, err
	}
	result.Total = len(snapshot)

	logger.Log.Info("Starting sync pass",
		zap.String("pass", result.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("items", result.Total),
	)
	m.bus.Publish(events.SyncStarted, result)

	bands := partition(snapshot)
	completed := 0
	for _, band := range []queue.Priority{queue.PriorityCritical, queue.PriorityHigh, queue.PriorityNormal} {
		for _, item := range bands[band] {
			m.bus.Publish(events.SyncProgress, Progress{
				Phase:       band.String(),
				Total:       result.Total,
				Completed:   completed,
				CurrentItem: item.ID,
			})
			outcome, err := m.syncItem(ctx, item)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.ID, err))
			}
			result.count(outcome)
			completed++
		}
	}

	for _, item := range bands[queue.PriorityLow] {
		if m.detach(item) {
			result.Detached++
		}
	}
	m.detachMedia()

	resolved, err := m.conflicts.ResolvePending(ctx)
	result.Resolved = len(resolved)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("resolve conflicts: %v", err))
	}

	result.CompletedAt = m.now()
	m.mu.Lock()
	completedAt := result.CompletedAt
	m.lastSyncAt = &completedAt
	m.lastError = ""
	if n := len(result.Errors); n > 0 {
		m.lastError = result.Errors[n-1]
	}
	m.mu.Unlock()

	if err := m.store.SetMeta(ctx, MetaLastSyncAt, strconv.FormatInt(completedAt.UnixMilli(), 10)); err != nil {
		logger.Log.Warn("Failed to persist last sync time", zap.Error(err))
	}
	m.finishHistory(ctx, history, result, nil)

	m.bus.Publish(events.SyncProgress, Progress{Phase: "complete", Total: result.Total, Completed: completed})
	m.bus.Publish(events.SyncCompleted, result)

	logger.Log.Info("Sync pass completed",
		zap.String("pass", result.ID),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed+result.Rejected),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("detached", result.Detached),
	)
	return result, nil
}

func (r *PassResult) count(o itemOutcome) {
	switch o {
	case outcomeSynced:
		r.Synced++
	case outcomeConflict:
		r.Conflicts++
	case outcomeRejected:
		r.Rejected++
	default:
		r.Failed++
	}
}

func (m *Manager) finishHistory(ctx context.Context, h *store.SyncHistory, r *PassResult, passErr error) {
	h.CompletedAt = sql.NullTime{Time: m.now(), Valid: true}
	h.TotalItems = r.Total
	h.Synced = r.Synced
	h.Failed = r.Failed + r.Rejected
	h.ConflictsDetected = r.Conflicts
	h.Status = "completed"
	switch {
	case passErr != nil:
		h.Status = "failed"
		h.ErrorMessage = sql.NullString{String: passErr.Error(), Valid: true}
	case len(r.Errors) > 0:
		h.Status = "completed_with_errors"
		h.ErrorMessage = sql.NullString{String: r.Errors[len(r.Errors)-1], Valid: true}
	}
	if err := m.store.UpdateSyncHistory(ctx, h); err != nil {
		logger.Log.Warn("Failed to update sync history", zap.String("pass", h.ID), zap.Error(err))
	}
}

// snapshot is the pending set at pass start minus items a detached job
// still owns.
func (m *Manager) snapshot(ctx context.Context) ([]*queue.Item, error) {
	pending, err := m.queue.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := pending[:0]
	for _, item := range pending {
		if _, busy := m.inflight[item.ID]; !busy {
			out = append(out, item)
		}
	}
	return out, nil
}

func partition(items []*queue.Item) map[queue.Priority][]*queue.Item {
	bands := make(map[queue.Priority][]*queue.Item, len(queue.Bands))
	for _, item := range items {
		p := item.Priority
		switch {
		case p > queue.PriorityCritical:
			p = queue.PriorityCritical
		case p < queue.PriorityLow:
			p = queue.PriorityLow
		}
		bands[p] = append(bands[p], item)
	}
	return bands
}

func (m *Manager) detach(item *queue.Item) bool {
	m.mu.Lock()
	m.inflight[item.ID] = struct{}{}
	m.mu.Unlock()

	ok := m.pool.Submit(Job{
		Name: "low:" + item.ID,
		Run: func(ctx context.Context) {
			defer m.release(item.ID)
			if _, err := m.syncItem(ctx, item); err != nil {
				logger.Log.Warn("Detached sync item failed", zap.String("item", item.ID), zap.Error(err))
			}
		},
	})
	if !ok {
		m.release(item.ID)
		logger.Log.Debug("Deferred low priority item to next pass", zap.String("item", item.ID))
	}
	return ok
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// detachMedia hands one upload run to the pool. A run still in flight
// from an earlier pass suppresses a new one.
func (m *Manager) detachMedia() {
	if m.media == nil {
		return
	}
	m.mu.Lock()
	if m.uploading {
		m.mu.Unlock()
		return
	}
	m.uploading = true
	m.mu.Unlock()

	ok := m.pool.Submit(Job{
		Name: "media-upload",
		Run: func(ctx context.Context) {
			defer m.doneUploading()
			n, err := m.media.UploadPending(ctx)
			if err != nil {
				logger.Log.Warn("Media upload failed", zap.Int("uploaded", n), zap.Error(err))
				return
			}
			if n > 0 {
				logger.Log.Info("Uploaded media", zap.Int("count", n))
			}
		},
	})
	if !ok {
		m.doneUploading()
	}
}

func (m *Manager) doneUploading() {
	m.mu.Lock()
	m.uploading = false
	m.mu.Unlock()
}

func (m *Manager) attemptsFor(item *queue.Item) int {
	if item.Priority == queue.PriorityCritical {
		return m.opts.CriticalAttempts
	}
	n := m.opts.DefaultAttempts
	if item.MaxRetries > 0 {
		if remaining := item.MaxRetries - item.Attempts; remaining < n {
			n = remaining
		}
	}
	return n
}

// syncItem runs the single-item protocol. The returned error is the last
// delivery or bookkeeping failure, for reporting only.
func (m *Manager) syncItem(ctx context.Context, item *queue.Item) (itemOutcome, error) {
	coll, known := queue.CollectionFor(item.EntityType)
	if known {
		m.setRecordStatus(ctx, coll, item.EntityID, domain.SyncSyncing)
	}

	attempts := m.attemptsFor(item)
	var lastErr error
	for n := 0; n < attempts; n++ {
		res := m.sender.Deliver(ctx, item)

		switch res.Outcome {
		case transport.Accepted:
			if err := m.markSynced(ctx, item, res); err != nil {
				return outcomeFailed, err
			}
			logger.Log.Debug("Synced item", zap.String("item", item.ID), zap.String("type", string(item.Type)))
			return outcomeSynced, nil

		case transport.Conflicted:
			conflict, err := m.conflicts.RecordConflict(ctx, item, res.Conflict)
			if err != nil {
				return outcomeFailed, err
			}
			logger.Log.Info("Sync conflict recorded",
				zap.String("item", item.ID),
				zap.String("entityType", item.EntityType),
				zap.Strings("fields", conflict.ConflictFields),
			)
			m.bus.Publish(events.SyncConflict, conflict)
			return outcomeConflict, nil

		case transport.Rejected:
			logger.Log.Warn("Server rejected sync item",
				zap.String("item", item.ID),
				zap.Int("status", res.StatusCode),
				zap.Error(res.Err),
			)
			if err := m.queue.RecordAttempt(ctx, item, res.Err); err != nil {
				return outcomeRejected, err
			}
			if known {
				m.setRecordStatus(ctx, coll, item.EntityID, domain.SyncFailed)
			}
			return outcomeRejected, res.Err
		}

		lastErr = res.Err
		logger.Log.Debug("Transient sync failure",
			zap.String("item", item.ID),
			zap.Int("attempt", n+1),
			zap.Int("maxAttempts", attempts),
			zap.Error(res.Err),
		)
		if err := m.queue.RecordAttempt(ctx, item, res.Err); err != nil {
			return outcomeFailed, err
		}
		if n == attempts-1 {
			break
		}
		if err := m.opts.Waiter.Wait(ctx, Backoff(n, m.opts.BaseDelay, m.opts.MaxDelay)); err != nil {
			lastErr = err
			break
		}
	}

	if known {
		m.setRecordStatus(ctx, coll, item.EntityID, domain.SyncFailed)
	}
	logger.Log.Warn("Sync item exhausted attempts",
		zap.String("item", item.ID),
		zap.String("priority", item.Priority.String()),
		zap.Int("attempts", item.Attempts),
		zap.Error(lastErr),
	)
	if item.Type == queue.TypeAlert && m.fallback != nil {
		m.sendFallback(item)
	}
	return outcomeFailed, lastErr
}

func (m *Manager) markSynced(ctx context.Context, item *queue.Item, res transport.Result) error {
	serverID := res.ServerID
	if serverID == "" {
		serverID = item.EntityID
	}
	return m.store.WithTx(ctx, func(tx store.Store) error {
		if coll, ok := queue.CollectionFor(item.EntityType); ok {
			err := tx.MarkSynced(ctx, coll, item.EntityID, serverID, res.ServerVersion, m.now())
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return m.queue.RemoveTx(ctx, tx, item.ID)
	})
}

func (m *Manager) setRecordStatus(ctx context.Context, coll store.Collection, id string, status domain.SyncStatus) {
	err := m.store.SetSyncStatus(ctx, coll, id, status)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Log.Warn("Failed to update record sync status",
			zap.String("collection", string(coll)),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}

// sendFallback fires the alert down the side channel on its own goroutine,
// outside the worker pool. The item stays queued for confirmed delivery on
// a later pass.
func (m *Manager) sendFallback(item *queue.Item) {
	logger.Log.Warn("Escalating alert to fallback channel", zap.String("item", item.ID))
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.FallbackTimeout)
		defer cancel()
		if err := m.fallback.Send(ctx, item); err != nil {
			logger.Log.Error("Fallback delivery failed", zap.String("item", item.ID), zap.Error(err))
			return
		}
		logger.Log.Info("Fallback delivery sent", zap.String("item", item.ID))
	}()
}
