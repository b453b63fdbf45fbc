// Package preflight caches everything an excursion needs before staff
// leave coverage, and purges it afterwards.
package preflight

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"excursion-sync-service/internal/domain"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/store"
)

// MetaPrefix prefixes the per-excursion cache marker key.
const MetaPrefix = "excursion_cache:"

func CacheKey(excursionID string) string {
	return MetaPrefix + excursionID
}

// Source is the server side of a preflight download.
type Source interface {
	FetchExcursion(ctx context.Context, id string) (*domain.Excursion, error)
	FetchStudents(ctx context.Context, excursionID string) ([]domain.Student, error)
	FetchCheckpoints(ctx context.Context, excursionID string) ([]domain.Checkpoint, error)
	FetchTasks(ctx context.Context, excursionID string) ([]domain.Task, error)
}

// ProgressFunc receives a phase name and a 0-100 percentage.
type ProgressFunc func(phase string, pct int)

const (
	PhaseExcursion   = "excursion"
	PhaseStudents    = "students"
	PhaseCheckpoints = "checkpoints"
	PhaseTasks       = "tasks"
	PhasePersist     = "persist"
	PhaseDone        = "done"
)

type Result struct {
	ExcursionID string    `json:"excursionId"`
	Students    int       `json:"students"`
	Checkpoints int       `json:"checkpoints"`
	Tasks       int       `json:"tasks"`
	CachedAt    time.Time `json:"cachedAt"`
}

type Loader struct {
	store  store.Store
	source Source
	now    func() time.Time
}

func NewLoader(s store.Store, src Source) *Loader {
	return &Loader{
		store:  s,
		source: src,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load fetches the excursion, roster, checkpoints and tasks in sequence.
// Each phase is written as soon as it arrives, so a failure part way
// leaves the earlier phases usable. The cache marker is only stamped once
// every phase has landed.
func (l *Loader) Load(ctx context.Context, excursionID string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string, int) {}
	}
	log := logger.Log.With(zap.String("excursion", excursionID))
	res := &Result{ExcursionID: excursionID}

	progress(PhaseExcursion, 0)
	exc, err := l.source.FetchExcursion(ctx, excursionID)
	if err != nil {
		return res, fmt.Errorf("preflight %s: fetch excursion: %w", excursionID, err)
	}
	if err := store.PutDoc(ctx, l.store, store.Excursions, excursionID, excursionID, excursionID, exc); err != nil {
		return res, fmt.Errorf("preflight %s: store excursion: %w", excursionID, err)
	}

	progress(PhaseStudents, 20)
	students, err := l.source.FetchStudents(ctx, excursionID)
	if err != nil {
		return res, fmt.Errorf("preflight %s: fetch students: %w", excursionID, err)
	}
	for i := range students {
		st := &students[i]
		if st.ExcursionID == "" {
			st.ExcursionID = excursionID
		}
		if st.Status == "" {
			st.Status = domain.StatusNotCheckedIn
		}
		if err := store.PutDoc(ctx, l.store, store.Students, st.ID, excursionID, st.ID, st); err != nil {
			return res, fmt.Errorf("preflight %s: store student %s: %w", excursionID, st.ID, err)
		}
	}
	res.Students = len(students)

	progress(PhaseCheckpoints, 45)
	checkpoints, err := l.source.FetchCheckpoints(ctx, excursionID)
	if err != nil {
		return res, fmt.Errorf("preflight %s: fetch checkpoints: %w", excursionID, err)
	}
	for i := range checkpoints {
		cp := &checkpoints[i]
		if cp.ExcursionID == "" {
			cp.ExcursionID = excursionID
		}
		if err := store.PutDoc(ctx, l.store, store.Checkpoints, cp.ID, excursionID, cp.ID, cp); err != nil {
			return res, fmt.Errorf("preflight %s: store checkpoint %s: %w", excursionID, cp.ID, err)
		}
	}
	res.Checkpoints = len(checkpoints)

	progress(PhaseTasks, 70)
	tasks, err := l.source.FetchTasks(ctx, excursionID)
	if err != nil {
		return res, fmt.Errorf("preflight %s: fetch tasks: %w", excursionID, err)
	}
	for i := range tasks {
		t := &tasks[i]
		if t.ExcursionID == "" {
			t.ExcursionID = excursionID
		}
		if err := store.PutDoc(ctx, l.store, store.Tasks, t.ID, excursionID, t.ID, t); err != nil {
			return res, fmt.Errorf("preflight %s: store task %s: %w", excursionID, t.ID, err)
		}
	}
	res.Tasks = len(tasks)

	progress(PhasePersist, 90)
	if err := l.store.RequestPersistence(ctx); err != nil {
		log.Warn("Persistent storage request failed", zap.Error(err))
	}

	res.CachedAt = l.now()
	if err := l.store.SetMeta(ctx, CacheKey(excursionID), strconv.FormatInt(res.CachedAt.UnixMilli(), 10)); err != nil {
		return res, fmt.Errorf("preflight %s: stamp cache marker: %w", excursionID, err)
	}
	progress(PhaseDone, 100)

	log.Info("Excursion cached for offline use",
		zap.Int("students", res.Students),
		zap.Int("checkpoints", res.Checkpoints),
		zap.Int("tasks", res.Tasks),
	)
	return res, nil
}

// IsCached reports whether the cache marker exists.
func (l *Loader) IsCached(ctx context.Context, excursionID string) (bool, error) {
	_, ok, err := l.store.GetMeta(ctx, CacheKey(excursionID))
	return ok, err
}

// CachedAt returns when the excursion was cached, if it is.
func (l *Loader) CachedAt(ctx context.Context, excursionID string) (*time.Time, error) {
	v, ok, err := l.store.GetMeta(ctx, CacheKey(excursionID))
	if err != nil || !ok {
		return nil, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad cache marker for %s: %w", excursionID, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

var cachedCollections = []store.Collection{store.Students, store.Checkpoints, store.Tasks, store.Excursions}

// Clear removes the cached excursion, roster, checkpoints and tasks and the
// marker. Clearing an excursion that is not cached is a no-op.
func (l *Loader) Clear(ctx context.Context, excursionID string) error {
	return l.ClearTx(ctx, l.store, excursionID)
}

// ClearTx is Clear through s, for callers already inside a transaction.
func (l *Loader) ClearTx(ctx context.Context, s store.Store, excursionID string) error {
	var removed int64
	for _, coll := range cachedCollections {
		n, err := s.DeleteRecords(ctx, coll, store.ByExcursion, excursionID)
		if err != nil {
			return fmt.Errorf("clear %s for %s: %w", coll, excursionID, err)
		}
		removed += n
	}
	if err := s.DeleteMeta(ctx, CacheKey(excursionID)); err != nil {
		return fmt.Errorf("clear cache marker for %s: %w", excursionID, err)
	}
	logger.Log.Info("Cleared excursion cache", zap.String("excursion", excursionID), zap.Int64("rows", removed))
	return nil
}
