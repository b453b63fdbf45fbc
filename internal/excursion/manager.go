// Package excursion is the façade every domain write goes through. Each
// operation persists its record and queue item together, then nudges the
// sync engine.
package excursion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"excursion-sync-service/internal/domain"
	"excursion-sync-service/internal/events"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/media"
	"excursion-sync-service/internal/preflight"
	"excursion-sync-service/internal/queue"
	"excursion-sync-service/internal/store"
	engine "excursion-sync-service/internal/sync"
)

// Syncer is the part of the sync engine the façade drives.
type Syncer interface {
	TriggerSync(trigger engine.Trigger)
	ForceSync(ctx context.Context) (*engine.PassResult, error)
	GetStatus(ctx context.Context) (engine.Status, error)
	Close()
}

type Connectivity interface {
	IsOnline() bool
	StopPeriodicChecks()
}

type Deps struct {
	Store        store.Store
	Queue        *queue.Queue
	Sync         Syncer
	Connectivity Connectivity
	Bus          *events.Bus
	Media        *media.BlobStore
	Cache        *preflight.Loader
}

type Manager struct {
	store store.Store
	queue *queue.Queue
	sync  Syncer
	conn  Connectivity
	bus   *events.Bus
	media *media.BlobStore
	cache *preflight.Loader
	now   func() time.Time
	newID func() string

	destroyOnce sync.Once
}

func NewManager(deps Deps) *Manager {
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Media == nil {
		deps.Media = media.NewBlobStore(deps.Store)
	}
	if deps.Cache == nil {
		deps.Cache = preflight.NewLoader(deps.Store, nil)
	}
	return &Manager{
		store: deps.Store,
		queue: deps.Queue,
		sync:  deps.Sync,
		conn:  deps.Connectivity,
		bus:   deps.Bus,
		media: deps.Media,
		cache: deps.Cache,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// CheckInStudent records one attendance change and queues it at HIGH.
func (m *Manager) CheckInStudent(ctx context.Context, in CheckInInput) (*domain.CheckIn, error) {
	ci, err := m.recordCheckIn(ctx, in)
	if err != nil {
		return nil, err
	}
	m.triggerIfOnline()
	return ci, nil
}

// MarkStudentMissing records the missing check-in together with a CRITICAL
// alert naming the student, then blocks on a forced sync pass. Delivery
// failures are logged, not returned: the alert is already durable.
func (m *Manager) MarkStudentMissing(ctx context.Context, in CheckInInput) (*MissingResult, error) {
	in.Status = domain.StatusMissing

	res := &MissingResult{}
	var alertItem *queue.Item
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		ci, err := m.checkIn(ctx, tx, in)
		if err != nil {
			return err
		}
		res.CheckIn = ci
		res.Alert, alertItem, err = m.raiseAlert(ctx, tx, in.ExcursionID, in.CheckpointID, in.CheckpointName,
			[]string{ci.StudentID}, []string{ci.StudentName}, in.Actor, in.Location)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.bus.Publish(events.StudentCheckedIn, res.CheckIn)
	m.bus.Publish(events.StudentsMissing, res.Alert)
	logger.Log.Warn("Student marked missing",
		zap.String("excursion", in.ExcursionID),
		zap.String("student", res.CheckIn.StudentID),
		zap.String("alert", res.Alert.LocalID),
	)

	res.Delivered = m.forceSync(ctx, alertItem.ID)
	return res, nil
}

// MarkStudentFound records a found check-in at CRITICAL so the all-clear
// travels as fast as the alert did.
func (m *Manager) MarkStudentFound(ctx context.Context, in CheckInInput) (*domain.CheckIn, error) {
	if in.Status == "" || in.Status == domain.StatusMissing {
		in.Status = domain.StatusAtDestination
	}
	in.Method = domain.MethodFound

	var (
		ci   *domain.CheckIn
		item *queue.Item
	)
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		ci, item, err = m.writeCheckIn(ctx, tx, in, queue.WithPriority(queue.PriorityCritical))
		return err
	})
	if err != nil {
		return nil, err
	}

	m.bus.Publish(events.StudentFound, ci)
	logger.Log.Info("Student found", zap.String("excursion", in.ExcursionID), zap.String("student", ci.StudentID))
	m.forceSync(ctx, item.ID)
	return ci, nil
}

// CheckpointRollCall applies each entry as a check-in. Everyone reported
// missing is covered by one consolidated alert, committed with the
// check-ins.
func (m *Manager) CheckpointRollCall(ctx context.Context, in RollCallInput) (*RollCallResult, error) {
	if in.ExcursionID == "" || in.CheckpointID == "" {
		return nil, fmt.Errorf("%w: excursion and checkpoint are required", ErrInvalidInput)
	}
	for _, e := range in.Entries {
		if e.StudentID == "" || !e.Status.Valid() {
			return nil, fmt.Errorf("%w: roll call entry %q", ErrInvalidInput, e.StudentID)
		}
	}

	var cp domain.Checkpoint
	err := store.GetDoc(ctx, m.store, store.Checkpoints, in.CheckpointID, &cp)
	switch {
	case err == nil:
		if in.CheckpointName == "" {
			in.CheckpointName = cp.Name
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	var (
		res          *RollCallResult
		checkIns     []*domain.CheckIn
		alertItem    *queue.Item
		missingNames []string
	)
	err = m.store.WithTx(ctx, func(tx store.Store) error {
		res = &RollCallResult{CheckpointID: in.CheckpointID, Missing: []string{}}
		checkIns, missingNames, alertItem = nil, nil, nil
		present := 0
		for _, e := range in.Entries {
			ci, err := m.checkIn(ctx, tx, CheckInInput{
				ExcursionID:    in.ExcursionID,
				CheckpointID:   in.CheckpointID,
				CheckpointName: in.CheckpointName,
				StudentID:      e.StudentID,
				StudentName:    e.StudentName,
				Status:         e.Status,
				Actor:          in.Actor,
				Method:         methodOr(e.Method, domain.MethodRoll),
				Location:       in.Location,
				Notes:          e.Notes,
			})
			if err != nil {
				return err
			}
			checkIns = append(checkIns, ci)
			res.CheckedIn++
			switch ci.Status {
			case domain.StatusMissing:
				res.Missing = append(res.Missing, ci.StudentID)
				missingNames = append(missingNames, ci.StudentName)
			case domain.StatusNotCheckedIn:
			default:
				present++
			}
		}

		if cp.RequiresFullCount {
			expected, err := m.expectedCount(ctx, tx, in.ExcursionID)
			if err != nil {
				return err
			}
			missing := expected - present
			if missing < 0 {
				missing = 0
			}
			res.MissingCount = &missing
		}

		if len(res.Missing) == 0 {
			return nil
		}
		var err error
		res.Alert, alertItem, err = m.raiseAlert(ctx, tx, in.ExcursionID, in.CheckpointID, in.CheckpointName,
			res.Missing, missingNames, in.Actor, in.Location)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, ci := range checkIns {
		m.bus.Publish(events.StudentCheckedIn, ci)
	}
	if res.Alert != nil {
		m.bus.Publish(events.StudentsMissing, res.Alert)
		logger.Log.Warn("Roll call found missing students",
			zap.String("excursion", in.ExcursionID),
			zap.String("checkpoint", in.CheckpointID),
			zap.Strings("students", res.Missing),
		)
	}

	m.bus.Publish(events.CheckpointCompleted, res)

	if alertItem != nil {
		m.forceSync(ctx, alertItem.ID)
	} else {
		m.triggerIfOnline()
	}
	return res, nil
}

// recordCheckIn is CheckInStudent without the sync nudge.
func (m *Manager) recordCheckIn(ctx context.Context, in CheckInInput) (*domain.CheckIn, error) {
	var ci *domain.CheckIn
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		ci, err = m.checkIn(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.bus.Publish(events.StudentCheckedIn, ci)
	return ci, nil
}

// QuickHeadCount compares a physical count with the enrolled students who
// have not left early. A discrepancy is reported, never persisted.
func (m *Manager) QuickHeadCount(ctx context.Context, excursionID string, actual int) (*HeadCountResult, error) {
	if excursionID == "" || actual < 0 {
		return nil, fmt.Errorf("%w: head count for %q", ErrInvalidInput, excursionID)
	}
	expected, err := m.expectedCount(ctx, m.store, excursionID)
	if err != nil {
		return nil, err
	}
	res := &HeadCountResult{
		ExcursionID: excursionID,
		Expected:    expected,
		Actual:      actual,
		Discrepancy: expected - actual,
	}
	res.Alert = res.Discrepancy != 0
	if res.Alert {
		logger.Log.Warn("Head count discrepancy",
			zap.String("excursion", excursionID),
			zap.Int("expected", expected),
			zap.Int("actual", actual),
		)
		m.bus.Publish(events.HeadCountDiscrepancy, res)
	}
	return res, nil
}

// SubmitCapture stores media in the blob store and queues the capture
// record, which only references it.
func (m *Manager) SubmitCapture(ctx context.Context, in CaptureInput) (*domain.Capture, error) {
	if in.ExcursionID == "" || in.TaskID == "" || !in.Type.Valid() {
		return nil, fmt.Errorf("%w: capture %q for task %q", ErrInvalidInput, in.Type, in.TaskID)
	}
	now := m.now()
	c := &domain.Capture{
		LocalRecord:   domain.NewLocalRecord(m.newID(), now),
		ExcursionID:   in.ExcursionID,
		TaskID:        in.TaskID,
		ParticipantID: in.ParticipantID,
		Type:          in.Type,
		TextContent:   in.TextContent,
		Tags:          in.Tags,
		Location:      in.Location,
		CapturedAt:    now,
	}
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		if len(in.Media) > 0 {
			key, err := m.media.PutTx(ctx, tx, in.ExcursionID, c.LocalID, in.MediaType, in.Media)
			if err != nil {
				return err
			}
			c.MediaRef = key
			c.MediaType = in.MediaType
		}
		return m.persist(ctx, tx, store.Captures, in.TaskID, c, queue.CapturePayload{Capture: *c})
	})
	if err != nil {
		return nil, err
	}

	m.bus.Publish(events.CaptureSubmitted, c)
	m.triggerIfOnline()
	return c, nil
}

func (m *Manager) UpdateTaskProgress(ctx context.Context, in ProgressInput) (*domain.TaskProgress, error) {
	if in.ExcursionID == "" || in.TaskID == "" {
		return nil, fmt.Errorf("%w: task progress needs excursion and task", ErrInvalidInput)
	}
	switch in.Status {
	case domain.ProgressStarted, domain.ProgressInProgress:
	case domain.ProgressCompleted:
		in.Percent = 100
	default:
		return nil, fmt.Errorf("%w: progress status %q", ErrInvalidInput, in.Status)
	}
	in.Percent = min(max(in.Percent, 0), 100)

	now := m.now()
	p := &domain.TaskProgress{
		LocalRecord:   domain.NewLocalRecord(m.newID(), now),
		ExcursionID:   in.ExcursionID,
		TaskID:        in.TaskID,
		ParticipantID: in.ParticipantID,
		Status:        in.Status,
		Percent:       in.Percent,
		UpdatedAt:     now,
	}
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		return m.persist(ctx, tx, store.TaskProgress, in.TaskID, p, queue.TaskProgressPayload{TaskProgress: *p})
	})
	if err != nil {
		return nil, err
	}
	m.triggerIfOnline()
	return p, nil
}

// RequestHelp queues a help request. An SOS request is CRITICAL and
// force-synced like a missing-student alert.
func (m *Manager) RequestHelp(ctx context.Context, in HelpInput) (*domain.HelpRequest, error) {
	if in.ExcursionID == "" || in.ParticipantID == "" {
		return nil, fmt.Errorf("%w: help request needs excursion and participant", ErrInvalidInput)
	}
	now := m.now()
	h := &domain.HelpRequest{
		LocalRecord:   domain.NewLocalRecord(m.newID(), now),
		ExcursionID:   in.ExcursionID,
		ParticipantID: in.ParticipantID,
		Message:       in.Message,
		SOS:           in.SOS,
		Location:      in.Location,
		RequestedAt:   now,
	}
	var item *queue.Item
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		if err := store.PutEntity(ctx, tx, store.HelpRequests, in.ExcursionID, in.ParticipantID, h); err != nil {
			return err
		}
		var err error
		item, err = m.queue.EnqueueTx(ctx, tx, queue.HelpRequestPayload{HelpRequest: *h})
		return err
	})
	if err != nil {
		return nil, err
	}

	if in.SOS {
		logger.Log.Warn("SOS raised", zap.String("excursion", in.ExcursionID), zap.String("participant", in.ParticipantID))
		m.forceSync(ctx, item.ID)
	} else {
		m.triggerIfOnline()
	}
	return h, nil
}

func (m *Manager) SubmitFeedback(ctx context.Context, in FeedbackInput) (*domain.Feedback, error) {
	if in.ExcursionID == "" || in.Rating < 1 || in.Rating > 5 {
		return nil, fmt.Errorf("%w: feedback rating %d", ErrInvalidInput, in.Rating)
	}
	now := m.now()
	f := &domain.Feedback{
		LocalRecord:   domain.NewLocalRecord(m.newID(), now),
		ExcursionID:   in.ExcursionID,
		ParticipantID: in.ParticipantID,
		Rating:        in.Rating,
		Comment:       in.Comment,
		SubmittedAt:   now,
	}
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		return m.persist(ctx, tx, store.Feedback, in.ParticipantID, f, queue.FeedbackPayload{Feedback: *f})
	})
	if err != nil {
		return nil, err
	}
	m.triggerIfOnline()
	return f, nil
}

var excursionCollections = []store.Collection{
	store.CheckIns, store.Captures, store.Alerts,
	store.TaskProgress, store.HelpRequests, store.Feedback,
}

// CleanupExcursion deletes everything recorded for a concluded excursion.
// It refuses while queue items for the excursion remain unless force is set,
// in which case those items are dropped too.
func (m *Manager) CleanupExcursion(ctx context.Context, excursionID string, force bool) error {
	if excursionID == "" {
		return fmt.Errorf("%w: excursion id is required", ErrInvalidInput)
	}
	pending, err := m.queue.CountForExcursion(ctx, excursionID)
	if err != nil {
		return err
	}
	if pending > 0 && !force {
		return fmt.Errorf("%w: %d queued items for excursion %s", ErrUnsyncedData, pending, excursionID)
	}

	var drop []string
	if pending > 0 {
		items, err := m.queue.All(ctx)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.ExcursionID == excursionID {
				drop = append(drop, item.ID)
			}
		}
	}

	err = m.store.WithTx(ctx, func(tx store.Store) error {
		for _, id := range drop {
			if err := m.queue.RemoveTx(ctx, tx, id); err != nil {
				return err
			}
		}
		for _, coll := range excursionCollections {
			if _, err := tx.DeleteRecords(ctx, coll, store.ByExcursion, excursionID); err != nil {
				return fmt.Errorf("cleanup %s: %w", coll, err)
			}
		}
		if _, err := m.media.DeleteForExcursionTx(ctx, tx, excursionID); err != nil {
			return fmt.Errorf("cleanup media: %w", err)
		}
		return m.cache.ClearTx(ctx, tx, excursionID)
	})
	if err != nil {
		return err
	}

	logger.Log.Info("Excursion cleaned up",
		zap.String("excursion", excursionID),
		zap.Bool("forced", force),
		zap.Int("droppedItems", len(drop)),
	)
	return nil
}

func (m *Manager) Subscribe(t events.Type, h events.Handler) func() {
	return m.bus.Subscribe(t, h)
}

func (m *Manager) GetSyncStatus(ctx context.Context) (engine.Status, error) {
	return m.sync.GetStatus(ctx)
}

func (m *Manager) ForceSync(ctx context.Context) (*engine.PassResult, error) {
	return m.sync.ForceSync(ctx)
}

func (m *Manager) IsOnline() bool {
	return m.conn.IsOnline()
}

// Destroy stops auto-sync and reachability checks and closes the store.
// Only the first call has any effect.
func (m *Manager) Destroy() error {
	var err error
	m.destroyOnce.Do(func() {
		logger.Log.Info("Shutting down excursion manager")
		m.sync.Close()
		m.conn.StopPeriodicChecks()
		m.bus.Reset()
		err = m.store.Close()
	})
	return err
}

// checkIn writes the check-in through tx and queues it at its default band.
func (m *Manager) checkIn(ctx context.Context, tx store.Store, in CheckInInput) (*domain.CheckIn, error) {
	ci, _, err := m.writeCheckIn(ctx, tx, in)
	return ci, err
}

func (m *Manager) writeCheckIn(ctx context.Context, tx store.Store, in CheckInInput, opts ...queue.Option) (*domain.CheckIn, *queue.Item, error) {
	if in.ExcursionID == "" || in.StudentID == "" || !in.Status.Valid() {
		return nil, nil, fmt.Errorf("%w: check-in for student %q with status %q", ErrInvalidInput, in.StudentID, in.Status)
	}
	now := m.now()

	var student domain.Student
	cached := true
	if err := store.GetDoc(ctx, tx, store.Students, in.StudentID, &student); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		cached = false
	}
	if in.StudentName == "" {
		in.StudentName = student.Name
	}

	ci := &domain.CheckIn{
		LocalRecord:    domain.NewLocalRecord(m.newID(), now),
		ExcursionID:    in.ExcursionID,
		CheckpointID:   in.CheckpointID,
		CheckpointName: in.CheckpointName,
		StudentID:      in.StudentID,
		StudentName:    in.StudentName,
		Status:         in.Status,
		Timestamp:      now,
		ActorID:        in.Actor.ID,
		ActorName:      in.Actor.Name,
		Method:         methodOr(in.Method, domain.MethodManual),
		Location:       in.Location,
		Notes:          in.Notes,
	}
	if err := store.PutEntity(ctx, tx, store.CheckIns, in.ExcursionID, in.StudentID, ci); err != nil {
		return nil, nil, err
	}

	if cached {
		student.Status = in.Status
		if in.Status != domain.StatusMissing {
			student.LastSeenAt = &now
		}
		if err := store.PutDoc(ctx, tx, store.Students, student.ID, student.ExcursionID, student.ID, &student); err != nil {
			return nil, nil, fmt.Errorf("update student %s: %w", student.ID, err)
		}
	}

	item, err := m.queue.EnqueueTx(ctx, tx, queue.CheckInPayload{CheckIn: *ci}, opts...)
	if err != nil {
		return nil, nil, err
	}
	return ci, item, nil
}

func (m *Manager) raiseAlert(ctx context.Context, tx store.Store, excursionID, checkpointID, checkpointName string,
	studentIDs, studentNames []string, reporter Actor, loc *domain.Location) (*domain.MissingStudentAlert, *queue.Item, error) {
	now := m.now()
	alert := &domain.MissingStudentAlert{
		LocalRecord:    domain.NewLocalRecord(m.newID(), now),
		ExcursionID:    excursionID,
		CheckpointID:   checkpointID,
		CheckpointName: checkpointName,
		StudentIDs:     studentIDs,
		StudentNames:   studentNames,
		ReporterID:     reporter.ID,
		ReporterName:   reporter.Name,
		Timestamp:      now,
		Location:       loc,
	}
	if err := store.PutEntity(ctx, tx, store.Alerts, excursionID, checkpointID, alert); err != nil {
		return nil, nil, err
	}
	item, err := m.queue.EnqueueTx(ctx, tx, queue.AlertPayload{MissingStudentAlert: *alert}, queue.WithPriority(queue.PriorityCritical))
	if err != nil {
		return nil, nil, err
	}
	return alert, item, nil
}

func (m *Manager) persist(ctx context.Context, tx store.Store, coll store.Collection, refID string, e store.Entity, p queue.Payload) error {
	if err := store.PutEntity(ctx, tx, coll, p.ExcursionID(), refID, e); err != nil {
		return err
	}
	_, err := m.queue.EnqueueTx(ctx, tx, p)
	return err
}

// expectedCount is the number of enrolled students who have not left early.
func (m *Manager) expectedCount(ctx context.Context, s store.Store, excursionID string) (int, error) {
	students, err := store.ListDocs[domain.Student](ctx, s, store.Students, store.ByExcursion, excursionID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range students {
		if s.Enrolled && s.Status != domain.StatusEarlyDeparture {
			n++
		}
	}
	return n, nil
}

func (m *Manager) triggerIfOnline() {
	if m.conn.IsOnline() {
		m.sync.TriggerSync(engine.TriggerWrite)
	}
}

// forceSync runs a blocking pass and reports whether itemID left the queue.
func (m *Manager) forceSync(ctx context.Context, itemID string) bool {
	result, err := m.sync.ForceSync(ctx)
	switch {
	case errors.Is(err, engine.ErrOffline):
		logger.Log.Info("Offline, critical item stays queued", zap.String("item", itemID))
		return false
	case errors.Is(err, engine.ErrAlreadySyncing):
		logger.Log.Info("Sync already running, critical item queued for next pass", zap.String("item", itemID))
		return false
	case err != nil:
		logger.Log.Error("Forced sync failed", zap.String("item", itemID), zap.Error(err))
		return false
	}

	if _, err := m.queue.Get(ctx, itemID); errors.Is(err, store.ErrNotFound) {
		return true
	}
	logger.Log.Warn("Critical item not yet delivered",
		zap.String("item", itemID),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
	)
	return false
}

func methodOr(m, fallback domain.CheckInMethod) domain.CheckInMethod {
	if m == "" {
		return fallback
	}
	return m
}
