package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"

	"github.com/steveyegge/kbsync/internal/db"
	"github.com/steveyegge/kbsync/internal/publish"
)

// memStore is an in-memory RecordStore.
type memStore struct {
	mu      sync.Mutex
	records map[recordKey]db.FileRecord
	gets    int
	puts    int
	getErr  error
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[recordKey]db.FileRecord)}
}

func (s *memStore) GetFileContext(_ context.Context, filePath, knowledgeID string) (db.FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return db.FileRecord{}, false, &db.StoreError{Op: "get", FilePath: filePath, KnowledgeID: knowledgeID, Err: s.getErr}
	}
	rec, ok := s.records[recordKey{filePath, knowledgeID}]
	return rec, ok, nil
}

func (s *memStore) UpsertFileContext(_ context.Context, rec db.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return &db.StoreError{Op: "upsert", FilePath: rec.FilePath, KnowledgeID: rec.KnowledgeID, Err: s.putErr}
	}
	s.puts++
	s.records[recordKey{rec.FilePath, rec.KnowledgeID}] = rec
	return nil
}

func (s *memStore) get(filePath, knowledgeID string) (db.FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{filePath, knowledgeID}]
	return rec, ok
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type publishCall struct {
	Path        string
	KnowledgeID string
}

// fakePublisher records calls and hands out sequential file ids.
type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	seq   int

	// fail returns a non-nil error to make the publish of path fail.
	fail func(path, knowledgeID string) error
	// during runs inside Publish before the result is decided.
	during func(ctx context.Context)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *fakePublisher) Publish(ctx context.Context, filePath, knowledgeID string) (string, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if p.during != nil {
		p.during(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{Path: filePath, KnowledgeID: knowledgeID})
	if p.fail != nil {
		if err := p.fail(filePath, knowledgeID); err != nil {
			return "", err
		}
	}
	p.seq++
	return fmt.Sprintf("file-%d", p.seq), nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePublisher) paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.Path)
	}
	return out
}

// recordingObserver keeps every event it sees.
type recordingObserver struct {
	mu      sync.Mutex
	events  []Event
	reports []*SyncReport
}

func (o *recordingObserver) OnFileReconciled(e Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) OnPassComplete(r *SyncReport) {
	o.mu.Lock()
	o.reports = append(o.reports, r)
	o.mu.Unlock()
}

var fixedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func mtime(sec int64) time.Time {
	return time.Unix(sec, 0)
}

func newTestReconciler(t testing.TB, cfg Config) *Reconciler {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = newMemStore()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = &fakePublisher{}
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewMemMapFs()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedAt }
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return r
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Store: newMemStore(), Publisher: &fakePublisher{}}, false},
		{"missing store", Config{Publisher: &fakePublisher{}}, true},
		{"missing publisher", Config{Store: newMemStore()}, true},
		{"bad pattern", Config{Store: newMemStore(), Publisher: &fakePublisher{}, Exclude: []string{"[z-a"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAction_String(t *testing.T) {
	tests := map[Action]string{
		ActionSkipped:      "skipped",
		ActionPublished:    "published",
		ActionWouldPublish: "would-publish",
		ActionFailed:       "failed",
		Action(42):         "unknown",
	}
	for a, want := range tests {
		if got := a.String(); got != want {
			t.Errorf("Action(%d).String() = %q, want %q", int(a), got, want)
		}
	}
}

func TestFormatModTime_KeepsPrecision(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if FormatModTime(base) == FormatModTime(base.Add(time.Nanosecond)) {
		t.Error("FormatModTime collapsed a one-nanosecond difference")
	}
	local := base.In(time.FixedZone("east", 3*3600))
	if FormatModTime(base) != FormatModTime(local) {
		t.Error("FormatModTime depends on the time zone of its argument")
	}
}

func TestReconcileFile_PublishesNewFile(t *testing.T) {
	store := newMemStore()
	pub := &fakePublisher{}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub})

	action, err := r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(100))
	if err != nil {
		t.Fatalf("ReconcileFile() failed: %v", err)
	}
	if action != ActionPublished {
		t.Errorf("action = %v, want published", action)
	}

	rec, ok := store.get("/data/a.txt", "K")
	if !ok {
		t.Fatal("record was not written")
	}
	want := db.FileRecord{
		FilePath:     "/data/a.txt",
		KnowledgeID:  "K",
		FileID:       "file-1",
		LastModified: FormatModTime(mtime(100)),
		SyncedAt:     fixedAt,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileFile_Idempotent(t *testing.T) {
	store := newMemStore()
	pub := &fakePublisher{}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub})
	ctx := context.Background()

	if _, err := r.ReconcileFile(ctx, "/data/a.txt", "K", mtime(100)); err != nil {
		t.Fatalf("first ReconcileFile() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		action, err := r.ReconcileFile(ctx, "/data/a.txt", "K", mtime(100))
		if err != nil {
			t.Fatalf("repeat ReconcileFile() failed: %v", err)
		}
		if action != ActionSkipped {
			t.Errorf("repeat %d: action = %v, want skipped", i, action)
		}
	}

	if got := pub.count(); got != 1 {
		t.Errorf("publish calls = %d, want 1", got)
	}
	if store.puts != 1 {
		t.Errorf("store writes = %d, want 1", store.puts)
	}
}

func TestReconcileFile_ChangeDetection(t *testing.T) {
	tests := []struct {
		name string
		next time.Time
	}{
		{"newer", mtime(200)},
		{"older", mtime(50)},
		{"one nanosecond", mtime(100).Add(time.Nanosecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			pub := &fakePublisher{}
			r := newTestReconciler(t, Config{Store: store, Publisher: pub})
			ctx := context.Background()

			if _, err := r.ReconcileFile(ctx, "/data/a.txt", "K", mtime(100)); err != nil {
				t.Fatalf("initial ReconcileFile() failed: %v", err)
			}
			action, err := r.ReconcileFile(ctx, "/data/a.txt", "K", tt.next)
			if err != nil {
				t.Fatalf("ReconcileFile() failed: %v", err)
			}
			if action != ActionPublished {
				t.Errorf("action = %v, want published", action)
			}

			rec, _ := store.get("/data/a.txt", "K")
			if rec.LastModified != FormatModTime(tt.next) {
				t.Errorf("LastModified = %q, want %q", rec.LastModified, FormatModTime(tt.next))
			}
			if rec.FileID != "file-2" {
				t.Errorf("FileID = %q, want file-2", rec.FileID)
			}
		})
	}
}

func TestReconcileFile_PublishFailureLeavesStoreUntouched(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{
			name: "upload",
			err:  &publish.PublishError{Step: publish.StepUpload, Err: errors.New("boom")},
			is:   publish.IsUploadError,
		},
		{
			name: "attach",
			err:  &publish.PublishError{Step: publish.StepAttach, FileID: "orphan", Err: errors.New("boom")},
			is:   publish.IsAttachError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			prior := db.FileRecord{FilePath: "/data/a.txt", KnowledgeID: "K", FileID: "old", LastModified: FormatModTime(mtime(100))}
			store.records[recordKey{"/data/a.txt", "K"}] = prior

			pub := &fakePublisher{fail: func(string, string) error { return tt.err }}
			r := newTestReconciler(t, Config{Store: store, Publisher: pub})

			action, err := r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(200))
			if err == nil {
				t.Fatal("ReconcileFile() succeeded, want error")
			}
			if !tt.is(err) {
				t.Errorf("error %v has wrong publish step", err)
			}
			if action != ActionFailed {
				t.Errorf("action = %v, want failed", action)
			}

			rec, _ := store.get("/data/a.txt", "K")
			if diff := cmp.Diff(prior, rec); diff != "" {
				t.Errorf("record changed after failed publish (-want +got):\n%s", diff)
			}

			// The file is still stale, so the next pass retries it.
			pub.fail = nil
			action, err = r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(200))
			if err != nil || action != ActionPublished {
				t.Errorf("retry = (%v, %v), want published", action, err)
			}
		})
	}
}

func TestReconcileFile_NeverSyncedFailureWritesNothing(t *testing.T) {
	store := newMemStore()
	pub := &fakePublisher{fail: func(string, string) error {
		return &publish.PublishError{Step: publish.StepAttach, Err: errors.New("404")}
	}}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub})

	if _, err := r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(100)); err == nil {
		t.Fatal("ReconcileFile() succeeded, want error")
	}
	if store.len() != 0 {
		t.Errorf("store has %d records, want 0", store.len())
	}
}

func TestReconcileFile_StoreReadErrorAborts(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("disk on fire")
	pub := &fakePublisher{}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub})

	_, err := r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(100))
	var storeErr *db.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("error = %v, want *db.StoreError", err)
	}
	if pub.count() != 0 {
		t.Errorf("publish calls = %d, want 0 after a store read failure", pub.count())
	}
}

func TestReconcileFile_StoreWriteErrorSurfaces(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("read-only")
	r := newTestReconciler(t, Config{Store: store})

	_, err := r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(100))
	var storeErr *db.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("error = %v, want *db.StoreError", err)
	}
}

func TestReconcileFile_KeyIndependence(t *testing.T) {
	store := newMemStore()
	pub := &fakePublisher{}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub})
	ctx := context.Background()

	for _, kid := range []string{"K1", "K2"} {
		action, err := r.ReconcileFile(ctx, "/data/a.txt", kid, mtime(100))
		if err != nil {
			t.Fatalf("ReconcileFile(%s) failed: %v", kid, err)
		}
		if action != ActionPublished {
			t.Errorf("ReconcileFile(%s) = %v, want published", kid, action)
		}
	}

	r1, _ := store.get("/data/a.txt", "K1")
	r2, _ := store.get("/data/a.txt", "K2")
	if r1.FileID == r2.FileID {
		t.Errorf("both collections share file id %q", r1.FileID)
	}
}

func TestReconcileFile_RequiresKey(t *testing.T) {
	r := newTestReconciler(t, Config{})
	if _, err := r.ReconcileFile(context.Background(), "", "K", mtime(1)); err == nil {
		t.Error("empty path accepted")
	}
	if _, err := r.ReconcileFile(context.Background(), "/data/a.txt", "", mtime(1)); err == nil {
		t.Error("empty knowledge id accepted")
	}
}

func TestReconcileFile_DryRun(t *testing.T) {
	store := newMemStore()
	store.records[recordKey{"/data/same.txt", "K"}] = db.FileRecord{
		FilePath: "/data/same.txt", KnowledgeID: "K", FileID: "f", LastModified: FormatModTime(mtime(100)),
	}
	pub := &fakePublisher{}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub, DryRun: true})
	ctx := context.Background()

	action, err := r.ReconcileFile(ctx, "/data/new.txt", "K", mtime(100))
	if err != nil || action != ActionWouldPublish {
		t.Errorf("new file = (%v, %v), want would-publish", action, err)
	}
	action, err = r.ReconcileFile(ctx, "/data/same.txt", "K", mtime(100))
	if err != nil || action != ActionSkipped {
		t.Errorf("unchanged file = (%v, %v), want skipped", action, err)
	}
	if pub.count() != 0 {
		t.Errorf("publish calls = %d, want 0 in dry run", pub.count())
	}
	if store.puts != 0 {
		t.Errorf("store writes = %d, want 0 in dry run", store.puts)
	}
}

func TestReconcileFile_SerializesSameKey(t *testing.T) {
	store := newMemStore()
	pub := &fakePublisher{during: func(context.Context) { time.Sleep(5 * time.Millisecond) }}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(100)); err != nil {
				t.Errorf("ReconcileFile() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := pub.count(); got != 1 {
		t.Errorf("publish calls = %d, want 1 for concurrent reconciles of one key", got)
	}
	if got := pub.maxInFlight.Load(); got != 1 {
		t.Errorf("max in-flight publishes = %d, want 1", got)
	}
	if r.locks.size() != 0 {
		t.Errorf("key locks leaked: %d", r.locks.size())
	}
}

func TestReconcileFile_InFlightPublishSurvivesCancel(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pubCtxErr error
	pub := &fakePublisher{during: func(pubCtx context.Context) {
		cancel()
		pubCtxErr = pubCtx.Err()
	}}
	r := newTestReconciler(t, Config{Store: store, Publisher: pub})

	action, err := r.ReconcileFile(ctx, "/data/a.txt", "K", mtime(100))
	if err != nil {
		t.Fatalf("ReconcileFile() failed: %v", err)
	}
	if action != ActionPublished {
		t.Errorf("action = %v, want published", action)
	}
	if pubCtxErr != nil {
		t.Errorf("publish context was cancelled: %v", pubCtxErr)
	}
	if _, ok := store.get("/data/a.txt", "K"); !ok {
		t.Error("record not written after cancel during publish")
	}
}

func TestReconcileFile_CancelledBeforeStart(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestReconciler(t, Config{Publisher: pub})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.ReconcileFile(ctx, "/data/a.txt", "K", mtime(100)); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if pub.count() != 0 {
		t.Errorf("publish calls = %d, want 0", pub.count())
	}
}

func TestReconcileFile_PublishTimeout(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	pub := &fakePublisher{during: func(ctx context.Context) {
		deadline, hasDeadline = ctx.Deadline()
	}}
	r := newTestReconciler(t, Config{Publisher: pub, PublishTimeout: time.Minute})

	if _, err := r.ReconcileFile(context.Background(), "/data/a.txt", "K", mtime(1)); err != nil {
		t.Fatalf("ReconcileFile() failed: %v", err)
	}
	if !hasDeadline {
		t.Fatal("publish context has no deadline")
	}
	if until := time.Until(deadline); until <= 0 || until > time.Minute {
		t.Errorf("deadline in %v, want within one minute", until)
	}
}

func TestReconcileFile_NotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	r := newTestReconciler(t, Config{Observer: obs})
	ctx := WithRunID(context.Background(), "run-1")

	if _, err := r.ReconcileFile(ctx, "/data/a.txt", "K", mtime(100)); err != nil {
		t.Fatalf("ReconcileFile() failed: %v", err)
	}

	if len(obs.events) != 1 {
		t.Fatalf("events = %d, want 1", len(obs.events))
	}
	want := Event{RunID: "run-1", Path: "/data/a.txt", KnowledgeID: "K", Action: ActionPublished, FileID: "file-1"}
	if diff := cmp.Diff(want, obs.events[0], cmpopts.IgnoreFields(Event{}, "Duration")); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := Observers{a, b}

	obs.OnFileReconciled(Event{Path: "x"})
	obs.OnPassComplete(&SyncReport{Root: "/"})

	for i, o := range []*recordingObserver{a, b} {
		if len(o.events) != 1 || len(o.reports) != 1 {
			t.Errorf("observer %d got %d events, %d reports; want 1 and 1", i, len(o.events), len(o.reports))
		}
	}
}

func TestKeyLocker_ReleasesEntries(t *testing.T) {
	l := newKeyLocker()
	unlockA := l.Lock(recordKey{"a", "K"})
	unlockB := l.Lock(recordKey{"a", "K2"})
	if l.size() != 2 {
		t.Errorf("size = %d, want 2", l.size())
	}
	unlockA()
	unlockB()
	if l.size() != 0 {
		t.Errorf("size = %d after unlock, want 0", l.size())
	}
}

func TestKeyLocker_BlocksSameKey(t *testing.T) {
	l := newKeyLocker()
	unlock := l.Lock(recordKey{"a", "K"})

	acquired := make(chan struct{})
	go func() {
		u := l.Lock(recordKey{"a", "K"})
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock of the same key did not block")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after unlock")
	}
}
