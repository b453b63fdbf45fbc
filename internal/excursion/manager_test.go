package excursion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/domain"
	"excursion-sync-service/internal/events"
	"excursion-sync-service/internal/media"
	"excursion-sync-service/internal/preflight"
	"excursion-sync-service/internal/queue"
	"excursion-sync-service/internal/store"
	engine "excursion-sync-service/internal/sync"
)

type fakeSyncer struct {
	mu       sync.Mutex
	triggers []engine.Trigger
	forced   int
	closed   int
	forceErr error
}

func (f *fakeSyncer) TriggerSync(trigger engine.Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
}

func (f *fakeSyncer) ForceSync(ctx context.Context) (*engine.PassResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	if f.forceErr != nil {
		return nil, f.forceErr
	}
	return &engine.PassResult{}, nil
}

func (f *fakeSyncer) GetStatus(ctx context.Context) (engine.Status, error) {
	return engine.Status{State: engine.StateIdle}, nil
}

func (f *fakeSyncer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

type fakeConn struct {
	online  bool
	stopped int
}

func (c *fakeConn) IsOnline() bool { return c.online }
func (c *fakeConn) StopPeriodicChecks() { c.stopped++ }

type harness struct {
	manager *Manager
	store   *store.SQLStore
	queue   *queue.Queue
	syncer  *fakeSyncer
	conn    *fakeConn
	bus     *events.Bus
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	s, err := store.NewSQLStore(config.StoreConfig{Type: "sqlite", FilePath: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	h := &harness{
		store:  s,
		queue:  queue.New(s, 0),
		syncer: &fakeSyncer{forceErr: engine.ErrOffline},
		conn:   &fakeConn{online: online},
		bus:    events.NewBus(),
	}
	h.manager = NewManager(Deps{
		Store:        s,
		Queue:        h.queue,
		Sync:         h.syncer,
		Connectivity: h.conn,
		Bus:          h.bus,
	})
	t.Cleanup(func() { h.manager.Destroy() })
	return h
}

// seed caches a roster of n enrolled students plus one checkpoint.
func (h *harness) seed(t *testing.T, n int, requiresFullCount bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		st := domain.Student{
			ID:          "stu-" + string(rune('a'+i)),
			ExcursionID: "exc-1",
			Name:        "Student " + string(rune('A'+i)),
			Enrolled:    true,
			Status:      domain.StatusNotCheckedIn,
		}
		if err := store.PutDoc(ctx, h.store, store.Students, st.ID, "exc-1", st.ID, st); err != nil {
			t.Fatal(err)
		}
	}
	cp := domain.Checkpoint{ID: "cp-1", ExcursionID: "exc-1", Name: "Lunch", RequiresFullCount: requiresFullCount}
	if err := store.PutDoc(ctx, h.store, store.Checkpoints, cp.ID, "exc-1", cp.ID, cp); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) collect(t events.Type) *[]events.Event {
	var got []events.Event
	h.bus.Subscribe(t, func(e events.Event) { got = append(got, e) })
	return &got
}

func (h *harness) items(t *testing.T) []*queue.Item {
	t.Helper()
	items, err := h.queue.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func checkIn(student string, status domain.CheckInStatus) CheckInInput {
	return CheckInInput{
		ExcursionID:  "exc-1",
		CheckpointID: "cp-1",
		StudentID:    student,
		Status:       status,
		Actor:        Actor{ID: "staff-1", Name: "Ms Lovelace"},
	}
}

func TestCheckInStudent(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, 2, false)
	ctx := context.Background()
	checkedIn := h.collect(events.StudentCheckedIn)

	ci, err := h.manager.CheckInStudent(ctx, checkIn("stu-a", domain.StatusAtDestination))
	if err != nil {
		t.Fatalf("CheckInStudent failed: %v", err)
	}
	if ci.StudentName != "Student A" || ci.Method != domain.MethodManual || ci.SyncStatus != domain.SyncPending {
		t.Errorf("Unexpected check-in: %+v", ci)
	}

	items := h.items(t)
	if len(items) != 1 || items[0].Priority != queue.PriorityHigh || items[0].EntityID != ci.LocalID {
		t.Fatalf("Expected one HIGH item for the check-in, got %+v", items)
	}

	var st domain.Student
	if err := store.GetDoc(ctx, h.store, store.Students, "stu-a", &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.StatusAtDestination || st.LastSeenAt == nil {
		t.Errorf("Expected cached student to be updated, got %+v", st)
	}

	if len(*checkedIn) != 1 {
		t.Errorf("Expected one student-checked-in event, got %d", len(*checkedIn))
	}
	if len(h.syncer.triggers) != 1 || h.syncer.triggers[0] != engine.TriggerWrite {
		t.Errorf("Expected one write-triggered sync, got %v", h.syncer.triggers)
	}
}

func TestCheckInOfflineDoesNotTrigger(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.manager.CheckInStudent(context.Background(), checkIn("stu-x", domain.StatusDeparted)); err != nil {
		t.Fatal(err)
	}
	if len(h.syncer.triggers) != 0 {
		t.Errorf("Expected no trigger while offline, got %v", h.syncer.triggers)
	}
	if len(h.items(t)) != 1 {
		t.Error("Expected the check-in to be queued while offline")
	}
}

func TestCheckInRejectsInvalidStatus(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.manager.CheckInStudent(context.Background(), checkIn("stu-a", "teleported"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if len(h.items(t)) != 0 {
		t.Error("Invalid check-in must not be queued")
	}
}

func TestMarkStudentMissing(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, 3, false)
	missing := h.collect(events.StudentsMissing)

	res, err := h.manager.MarkStudentMissing(context.Background(), checkIn("stu-b", domain.StatusAtDestination))
	if err != nil {
		t.Fatalf("MarkStudentMissing failed: %v", err)
	}
	if res.CheckIn.Status != domain.StatusMissing {
		t.Errorf("Expected missing check-in, got %s", res.CheckIn.Status)
	}
	if len(res.Alert.StudentIDs) != 1 || res.Alert.StudentIDs[0] != "stu-b" {
		t.Errorf("Expected alert for stu-b, got %v", res.Alert.StudentIDs)
	}
	if res.Delivered {
		t.Error("Offline alert cannot be delivered")
	}

	var alerts, checkIns int
	for _, item := range h.items(t) {
		switch item.Type {
		case queue.TypeAlert:
			alerts++
			if item.Priority != queue.PriorityCritical {
				t.Errorf("Alert must be CRITICAL, got %s", item.Priority)
			}
		case queue.TypeCheckIn:
			checkIns++
		}
	}
	if alerts != 1 || checkIns != 1 {
		t.Errorf("Expected one alert and one check-in queued, got %d and %d", alerts, checkIns)
	}
	if len(*missing) != 1 {
		t.Errorf("Expected one students-missing event, got %d", len(*missing))
	}
	if h.syncer.forced != 1 || len(h.syncer.triggers) != 0 {
		t.Errorf("Expected one forced sync and no background trigger, got %d / %v", h.syncer.forced, h.syncer.triggers)
	}
}

func TestMarkStudentFoundIsCritical(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, 1, false)
	found := h.collect(events.StudentFound)

	ci, err := h.manager.MarkStudentFound(context.Background(), checkIn("stu-a", domain.StatusMissing))
	if err != nil {
		t.Fatal(err)
	}
	if ci.Method != domain.MethodFound || ci.Status != domain.StatusAtDestination {
		t.Errorf("Unexpected found check-in: %+v", ci)
	}
	items := h.items(t)
	if len(items) != 1 || items[0].Priority != queue.PriorityCritical || items[0].Type != queue.TypeCheckIn {
		t.Errorf("Expected one CRITICAL check-in, got %+v", items)
	}
	if len(*found) != 1 || h.syncer.forced != 1 {
		t.Errorf("Expected student-found event and forced sync, got %d / %d", len(*found), h.syncer.forced)
	}
}

func TestRollCallConsolidatesAlert(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, 4, true)
	completed := h.collect(events.CheckpointCompleted)

	res, err := h.manager.CheckpointRollCall(context.Background(), RollCallInput{
		ExcursionID:  "exc-1",
		CheckpointID: "cp-1",
		Actor:        Actor{ID: "staff-1"},
		Entries: []RollCallEntry{
			{StudentID: "stu-a", Status: domain.StatusAtDestination},
			{StudentID: "stu-b", Status: domain.StatusMissing},
			{StudentID: "stu-c", Status: domain.StatusMissing},
		},
	})
	if err != nil {
		t.Fatalf("CheckpointRollCall failed: %v", err)
	}
	if res.CheckedIn != 3 || len(res.Missing) != 2 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if res.MissingCount == nil || *res.MissingCount != 3 {
		t.Errorf("Expected missing count 3 for a full-count checkpoint, got %v", res.MissingCount)
	}
	if res.Alert == nil || len(res.Alert.StudentIDs) != 2 || res.Alert.CheckpointName != "Lunch" {
		t.Fatalf("Expected one alert covering both students, got %+v", res.Alert)
	}

	alerts := 0
	for _, item := range h.items(t) {
		if item.Type == queue.TypeAlert {
			alerts++
		}
	}
	if alerts != 1 {
		t.Errorf("Expected exactly one alert queued, got %d", alerts)
	}
	if len(*completed) != 1 || h.syncer.forced != 1 {
		t.Errorf("Expected checkpoint-completed event and forced sync, got %d / %d", len(*completed), h.syncer.forced)
	}
}

// alertWriteFails fails any transaction that tries to write an alert.
type alertWriteFails struct {
	*store.SQLStore
}

func (s alertWriteFails) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.SQLStore.WithTx(ctx, func(tx store.Store) error {
		return fn(failingAlertTx{tx})
	})
}

type failingAlertTx struct {
	store.Store
}

func (tx failingAlertTx) PutRecord(ctx context.Context, rec *store.Record) error {
	if rec.Collection == store.Alerts {
		return errors.New("disk full")
	}
	return tx.Store.PutRecord(ctx, rec)
}

func TestRollCallAlertFailureCommitsNothing(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, 2, false)
	checkedIn := h.collect(events.StudentCheckedIn)

	m := NewManager(Deps{
		Store:        alertWriteFails{h.store},
		Queue:        h.queue,
		Sync:         h.syncer,
		Connectivity: h.conn,
		Bus:          h.bus,
	})
	_, err := m.CheckpointRollCall(context.Background(), RollCallInput{
		ExcursionID:  "exc-1",
		CheckpointID: "cp-1",
		Entries: []RollCallEntry{
			{StudentID: "stu-a", Status: domain.StatusMissing},
			{StudentID: "stu-b", Status: domain.StatusAtDestination},
		},
	})
	if err == nil {
		t.Fatal("Expected roll call to fail when the alert cannot be written")
	}

	if items := h.items(t); len(items) != 0 {
		t.Errorf("Expected nothing queued, got %d items", len(items))
	}
	recs, err := h.store.QueryRecords(context.Background(), store.CheckIns, store.ByExcursion, "exc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("Expected no check-ins without their alert, got %d", len(recs))
	}
	var st domain.Student
	if err := store.GetDoc(context.Background(), h.store, store.Students, "stu-a", &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.StatusNotCheckedIn {
		t.Errorf("Expected cached student untouched, got %s", st.Status)
	}
	if len(*checkedIn) != 0 || h.syncer.forced != 0 {
		t.Errorf("Expected no events or sync after rollback, got %d events, %d forced", len(*checkedIn), h.syncer.forced)
	}
}

func TestRollCallWithoutFullCount(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, 2, false)

	res, err := h.manager.CheckpointRollCall(context.Background(), RollCallInput{
		ExcursionID:  "exc-1",
		CheckpointID: "cp-1",
		Entries: []RollCallEntry{
			{StudentID: "stu-a", Status: domain.StatusAtDestination},
			{StudentID: "stu-b", Status: domain.StatusAtDestination},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.MissingCount != nil || res.Alert != nil {
		t.Errorf("Expected no count and no alert, got %+v", res)
	}
	if h.syncer.forced != 0 || len(h.syncer.triggers) != 1 {
		t.Errorf("Expected a single background trigger, got forced=%d triggers=%v", h.syncer.forced, h.syncer.triggers)
	}
}

func TestQuickHeadCount(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, 25, false)
	ctx := context.Background()

	var st domain.Student
	store.GetDoc(ctx, h.store, store.Students, "stu-a", &st)
	st.Status = domain.StatusEarlyDeparture
	store.PutDoc(ctx, h.store, store.Students, st.ID, "exc-1", st.ID, st)

	discrepancies := h.collect(events.HeadCountDiscrepancy)

	tests := []struct {
		actual      int
		discrepancy int
		alert       bool
	}{
		{22, 2, true},
		{24, 0, false},
	}
	for _, tt := range tests {
		res, err := h.manager.QuickHeadCount(ctx, "exc-1", tt.actual)
		if err != nil {
			t.Fatal(err)
		}
		if res.Expected != 24 || res.Discrepancy != tt.discrepancy || res.Alert != tt.alert {
			t.Errorf("QuickHeadCount(%d) = %+v", tt.actual, res)
		}
	}

	if len(*discrepancies) != 1 {
		t.Errorf("Expected one discrepancy event, got %d", len(*discrepancies))
	}
	if len(h.items(t)) != 0 {
		t.Error("Head count must not queue anything")
	}
}

func TestSubmitCaptureKeepsMediaOutOfPayload(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	submitted := h.collect(events.CaptureSubmitted)

	photo := []byte("\xff\xd8\xff\xe0 pretend jpeg")
	c, err := h.manager.SubmitCapture(ctx, CaptureInput{
		ExcursionID:   "exc-1",
		TaskID:        "task-1",
		ParticipantID: "stu-a",
		Type:          domain.CapturePhoto,
		Media:         photo,
		MediaType:     "image/jpeg",
	})
	if err != nil {
		t.Fatalf("SubmitCapture failed: %v", err)
	}
	if c.MediaRef != media.Key(c.LocalID) {
		t.Errorf("Unexpected media ref %q", c.MediaRef)
	}

	items := h.items(t)
	if len(items) != 1 || items[0].Priority != queue.PriorityNormal {
		t.Fatalf("Expected one NORMAL item, got %+v", items)
	}
	if len(items[0].Payload) >= len(photo)+200 {
		t.Errorf("Payload looks like it carries media: %s", items[0].Payload)
	}
	decoded, _ := items[0].Decode()
	if cp := decoded.(queue.CapturePayload); cp.MediaRef != c.MediaRef {
		t.Errorf("Expected payload to reference the media, got %+v", cp.Capture)
	}

	data, blob, err := media.NewBlobStore(h.store).Get(ctx, c.MediaRef)
	if err != nil || string(data) != string(photo) || blob.CaptureID != c.LocalID {
		t.Errorf("Media not stored: %v", err)
	}
	if len(*submitted) != 1 {
		t.Errorf("Expected capture-submitted event, got %d", len(*submitted))
	}
}

func TestOtherSyncTypes(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	if _, err := h.manager.UpdateTaskProgress(ctx, ProgressInput{ExcursionID: "exc-1", TaskID: "task-1", Status: domain.ProgressStarted, Percent: 150}); err != nil {
		t.Fatal(err)
	}
	p, err := h.manager.UpdateTaskProgress(ctx, ProgressInput{ExcursionID: "exc-1", TaskID: "task-1", Status: domain.ProgressCompleted})
	if err != nil || p.Percent != 100 {
		t.Fatalf("Completed progress = %+v, %v", p, err)
	}
	if _, err := h.manager.RequestHelp(ctx, HelpInput{ExcursionID: "exc-1", ParticipantID: "stu-a", Message: "lost", SOS: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.SubmitFeedback(ctx, FeedbackInput{ExcursionID: "exc-1", ParticipantID: "stu-a", Rating: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.SubmitFeedback(ctx, FeedbackInput{ExcursionID: "exc-1", Rating: 9}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected rating 9 to be rejected, got %v", err)
	}

	want := map[queue.SyncType]queue.Priority{
		queue.TypeHelpRequest: queue.PriorityCritical,
		queue.TypeFeedback:    queue.PriorityNormal,
	}
	var low, normal int
	for _, item := range h.items(t) {
		if item.Type == queue.TypeTaskProgress {
			switch item.Priority {
			case queue.PriorityLow:
				low++
			case queue.PriorityNormal:
				normal++
			}
			continue
		}
		if item.Priority != want[item.Type] {
			t.Errorf("%s queued at %s, want %s", item.Type, item.Priority, want[item.Type])
		}
	}
	if low != 1 || normal != 1 {
		t.Errorf("Expected one LOW and one NORMAL progress item, got %d and %d", low, normal)
	}
	if h.syncer.forced != 1 {
		t.Errorf("Expected SOS to force a sync, got %d", h.syncer.forced)
	}
}

func TestCleanupExcursion(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	loader := preflight.NewLoader(h.store, nil)
	h.seed(t, 2, false)
	h.store.SetMeta(ctx, preflight.CacheKey("exc-1"), "1")

	if _, err := h.manager.SubmitCapture(ctx, CaptureInput{
		ExcursionID: "exc-1", TaskID: "task-1", Type: domain.CapturePhoto, Media: []byte("img"),
	}); err != nil {
		t.Fatal(err)
	}

	err := h.manager.CleanupExcursion(ctx, "exc-1", false)
	if !errors.Is(err, ErrUnsyncedData) {
		t.Fatalf("Expected ErrUnsyncedData, got %v", err)
	}
	if cached, _ := loader.IsCached(ctx, "exc-1"); !cached {
		t.Fatal("Refused cleanup must not touch the cache")
	}

	if err := h.manager.CleanupExcursion(ctx, "exc-1", true); err != nil {
		t.Fatalf("Forced cleanup failed: %v", err)
	}
	if len(h.items(t)) != 0 {
		t.Error("Expected forced cleanup to drop queued items")
	}
	recs, _ := h.store.QueryRecords(ctx, store.Captures, store.ByExcursion, "exc-1")
	students, _ := h.store.QueryRecords(ctx, store.Students, store.ByExcursion, "exc-1")
	if len(recs) != 0 || len(students) != 0 {
		t.Errorf("Expected records to be purged, got %d captures and %d students", len(recs), len(students))
	}
	if cached, _ := loader.IsCached(ctx, "exc-1"); cached {
		t.Error("Expected cache marker to be cleared")
	}
	if pending, _ := h.store.ListPendingMedia(ctx, 10); len(pending) != 0 {
		t.Errorf("Expected media to be purged, got %d", len(pending))
	}

	// Nothing left, so a plain cleanup now succeeds.
	if err := h.manager.CleanupExcursion(ctx, "exc-1", false); err != nil {
		t.Errorf("Expected idempotent cleanup, got %v", err)
	}
}

func TestDestroyRunsOnce(t *testing.T) {
	h := newHarness(t, true)
	calls := 0
	h.manager.Subscribe(events.StudentCheckedIn, func(e events.Event) { calls++ })
	if err := h.manager.Destroy(); err != nil {
		t.Fatal(err)
	}
	h.manager.Destroy()
	if h.syncer.closed != 1 || h.conn.stopped != 1 {
		t.Errorf("Expected teardown exactly once, got close=%d stop=%d", h.syncer.closed, h.conn.stopped)
	}
	h.bus.Publish(events.StudentCheckedIn, nil)
	if calls != 0 {
		t.Errorf("Expected listeners dropped on destroy, got %d calls", calls)
	}
}
