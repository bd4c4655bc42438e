package syncservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
	"github.com/studysync/syncengine/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	svc    *Service
	mem    *store.Memory
	clock  *clock
	phone  string
	laptop string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.SetPlan("alice", device.TierPremium)

	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := New(mem, nil)
	svc.Now = clk.now
	svc.Devices.Now = clk.now

	ctx := context.Background()
	reg := func(name string) string {
		d, err := svc.Devices.Register(ctx, "alice", device.RegisterInfo{
			Name: name, Type: device.TypeMobile, Platform: "ios", AppVersion: "1.0.0",
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		return d.ID
	}
	return &fixture{svc: svc, mem: mem, clock: clk, phone: reg("Phone"), laptop: reg("Laptop")}
}

func (f *fixture) push(t *testing.T, deviceID string, changes ...Change) *ApplyResult {
	t.Helper()
	res, err := f.svc.ApplyChanges(context.Background(), "alice", deviceID, changes)
	if err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	return res
}

func (f *fixture) record(t *testing.T, table, id string) *store.Record {
	t.Helper()
	r, err := f.mem.GetRecord(context.Background(), "alice", table, id)
	if err != nil {
		t.Fatalf("GetRecord(%s, %s): %v", table, id, err)
	}
	return r
}

func upsert(table, id string, version int64, data conflict.Record) Change {
	op := store.OpUpdate
	if version == 0 {
		op = store.OpInsert
	}
	return Change{TableName: table, RecordID: id, Operation: op, Data: data, SyncVersion: version}
}

func TestApplyChanges_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyChanges(context.Background(), "alice", "not-a-device", nil)
	if !errors.Is(err, device.ErrInvalidDeviceAccess) {
		t.Fatalf("got %v, want ErrInvalidDeviceAccess", err)
	}
	_, err = f.svc.ApplyChanges(context.Background(), "bob", f.phone, nil)
	if !errors.Is(err, device.ErrInvalidDeviceAccess) {
		t.Fatalf("foreign device: got %v, want ErrInvalidDeviceAccess", err)
	}
}

func TestApplyChanges_ValidationErrorsDoNotStopBatch(t *testing.T) {
	f := newFixture(t)

	res := f.push(t, f.phone,
		Change{TableName: "notes", Operation: store.OpInsert, Data: conflict.Record{"content": "x"}},
		Change{TableName: "notes", RecordID: "n1", Operation: "UPSERT", Data: conflict.Record{}},
		Change{TableName: "notes", RecordID: "n2", Operation: store.OpUpdate},
		upsert("notes", "n3", 0, conflict.Record{"content": "kept"}),
	)

	if res.AppliedCount != 1 {
		t.Errorf("AppliedCount = %d, want 1", res.AppliedCount)
	}
	if len(res.Errors) != 3 {
		t.Fatalf("Errors = %+v, want 3", res.Errors)
	}
	for _, e := range res.Errors {
		if e.ErrorType != ErrorTypeValidation || e.Retryable {
			t.Errorf("unexpected error %+v", e)
		}
	}
	if got := f.record(t, "notes", "n3").Data["content"]; got != "kept" {
		t.Errorf("n3 content = %v", got)
	}
}

func TestApplyChanges_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := upsert("notes", "n1", 0, conflict.Record{"content": "hello", "tags": []any{"bio"}})

	f.push(t, f.phone, ch)
	res := f.push(t, f.phone, ch)
	if res.AppliedCount != 1 || len(res.Conflicts) != 0 || len(res.Errors) != 0 {
		t.Errorf("resubmission: %+v", res)
	}

	counts, err := f.mem.CountChanges(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 1 || counts.Synced != 1 {
		t.Errorf("change log total=%d synced=%d, want 1/1", counts.Total, counts.Synced)
	}
	if v := f.record(t, "notes", "n1").Version; v != 1 {
		t.Errorf("Version = %d, want 1", v)
	}
}

func TestApplyChanges_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, f.laptop, upsert("notes", "n1", 0, conflict.Record{"content": "bye"}))
	res := f.push(t, f.phone, Change{TableName: "notes", RecordID: "n1", Operation: store.OpDelete, SyncVersion: 1})
	if res.AppliedCount != 1 {
		t.Fatalf("delete not applied: %+v", res)
	}
	if _, err := f.mem.GetRecord(ctx, "alice", "notes", "n1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}

	page, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Changes) != 1 || page.Changes[0].Operation != store.OpDelete {
		t.Errorf("laptop feed = %+v", page.Changes)
	}
}

func TestApplyChanges_StaleDeleteConflicts(t *testing.T) {
	f := newFixture(t)

	f.push(t, f.laptop, upsert("notes", "n1", 0, conflict.Record{"status": "open"}))
	f.push(t, f.laptop, upsert("notes", "n1", 1, conflict.Record{"status": "done"}))

	res := f.push(t, f.phone, Change{TableName: "notes", RecordID: "n1", Operation: store.OpDelete, SyncVersion: 1})
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected a delete conflict, got %+v", res)
	}
	c := res.Conflicts[0]
	if c.ConflictType != conflict.DeleteConflict || c.AutoResolvable {
		t.Errorf("unexpected conflict %s auto=%v", c.ConflictType, c.AutoResolvable)
	}
	if got := f.record(t, "notes", "n1").Data["status"]; got != "done" {
		t.Errorf("record changed before resolution: %v", got)
	}
}

// study_sessions: two devices record different scores for one session.
func TestApplyChanges_AutoResolvesLowSeverity(t *testing.T) {
	tests := []struct {
		name      string
		tablePref conflict.Strategy
		want      float64
	}{
		{"content aware keeps the newer server score", "", 90},
		{"table preference merges", conflict.Merge, 92.5},
		{"field merge keeps the best score", conflict.FieldMerge, 95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.tablePref != "" {
				_, err := f.svc.UpdatePreferences(ctx, "alice", PreferencesPatch{
					TablePreferences: map[string]conflict.Strategy{"study_sessions": tt.tablePref},
				})
				if err != nil {
					t.Fatal(err)
				}
			}

			f.push(t, f.laptop, upsert("study_sessions", "s1", 0, conflict.Record{"score": float64(80)}))
			f.push(t, f.laptop, upsert("study_sessions", "s1", 1, conflict.Record{"score": float64(90)}))

			stale := upsert("study_sessions", "s1", 1, conflict.Record{"score": float64(95)})
			res := f.push(t, f.phone, stale)
			if res.AppliedCount != 1 || len(res.Conflicts) != 0 {
				t.Fatalf("expected auto-resolution, got %+v", res)
			}

			// A retried batch is absorbed by the recorded resolution
			res = f.push(t, f.phone, stale)
			if res.AppliedCount != 1 || len(res.Conflicts) != 0 {
				t.Fatalf("resubmission: %+v", res)
			}

			rec := f.record(t, "study_sessions", "s1")
			if rec.Data["score"] != tt.want {
				t.Errorf("score = %v, want %v", rec.Data["score"], tt.want)
			}
			if rec.Version != 3 {
				t.Errorf("Version = %d, want 3", rec.Version)
			}

			stats, err := f.svc.Stats(ctx, "alice")
			if err != nil {
				t.Fatal(err)
			}
			if stats.Conflicts.Total != 1 || stats.Conflicts.AutoResolved != 1 || stats.Conflicts.Unresolved != 0 {
				t.Errorf("conflict stats = %+v", stats.Conflicts)
			}
			if stats.Conflicts.ByType[conflict.VersionConflict] != 1 {
				t.Errorf("ByType = %v, want one version_conflict", stats.Conflicts.ByType)
			}
		})
	}
}

func TestApplyChanges_ResubmittedStaleChangeReusesConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, f.laptop, upsert("flashcards", "card-1", 0, conflict.Record{"front_text": "Q1", "difficulty": float64(3)}))
	f.push(t, f.phone, upsert("flashcards", "card-1", 1, conflict.Record{"front_text": "Q1-phone", "difficulty": float64(4)}))
	stale := upsert("flashcards", "card-1", 1, conflict.Record{"front_text": "Q1-laptop", "difficulty": float64(5)})

	first := f.push(t, f.laptop, stale)
	second := f.push(t, f.laptop, stale)
	if len(first.Conflicts) != 1 || len(second.Conflicts) != 1 {
		t.Fatalf("conflicts = %d then %d, want 1 each", len(first.Conflicts), len(second.Conflicts))
	}
	if second.Conflicts[0].ID != first.Conflicts[0].ID {
		t.Errorf("resubmission opened conflict %s, want %s", second.Conflicts[0].ID, first.Conflicts[0].ID)
	}

	list, err := f.svc.ListConflicts(ctx, store.ConflictFilter{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if list.TotalCount != 1 || list.UnresolvedCount != 1 {
		t.Errorf("total=%d unresolved=%d, want 1/1", list.TotalCount, list.UnresolvedCount)
	}

	// Once resolved, the same retry is already applied
	if r := f.svc.ResolveConflict(ctx, "alice", first.Conflicts[0].ID, conflict.LastWriteWins, nil, false); !r.Success {
		t.Fatalf("resolve: %+v", r)
	}
	before, err := f.mem.CountChanges(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	version := f.record(t, "flashcards", "card-1").Version

	third := f.push(t, f.laptop, stale)
	if third.AppliedCount != 1 || len(third.Conflicts) != 0 {
		t.Errorf("retry after resolution: %+v", third)
	}
	after, err := f.mem.CountChanges(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if after.Total != before.Total || f.record(t, "flashcards", "card-1").Version != version {
		t.Errorf("retry wrote again: changes %d -> %d", before.Total, after.Total)
	}
	if list, _ = f.svc.ListConflicts(ctx, store.ConflictFilter{UserID: "alice"}); list.TotalCount != 1 {
		t.Errorf("conflicts after retry = %d, want 1", list.TotalCount)
	}
}

// notes: the phone saves, then the laptop pushes an edit made on the older
// version without any timestamp.
func TestApplyChanges_VersionOnlyConflictKeepsNewerServerWrite(t *testing.T) {
	f := newFixture(t)

	f.push(t, f.laptop, upsert("notes", "n1", 0, conflict.Record{"content": "draft"}))
	f.push(t, f.phone, upsert("notes", "n1", 1, conflict.Record{"content": "phone edit"}))
	f.push(t, f.laptop, upsert("notes", "n1", 1, conflict.Record{"content": "laptop edit"}))

	if got := f.record(t, "notes", "n1").Data["content"]; got != "phone edit" {
		t.Errorf("content = %v, want the phone's newer write", got)
	}
}

func TestRemoteInfoTimestamp(t *testing.T) {
	f := newFixture(t)
	local := conflict.DeviceInfo{DeviceID: "phone", Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	createdAt := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ch   Change
		want time.Time
	}{
		{
			"updated_at in data",
			Change{Data: conflict.Record{"updated_at": "2024-03-01T12:00:00Z"}, CreatedAt: &createdAt},
			time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{"change created_at", Change{Data: conflict.Record{}, CreatedAt: &createdAt}, createdAt},
		{"no timestamp is older than the stored write", Change{Data: conflict.Record{}}, local.Timestamp.Add(-time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.svc.remoteInfo("laptop", tt.ch, local)
			if !got.Timestamp.Equal(tt.want) || got.DeviceID != "laptop" {
				t.Errorf("remoteInfo() = %+v, want timestamp %v", got, tt.want)
			}
		})
	}
}

// flashcards: both devices edit the question text of the same card.
func TestFlashcardConflictLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, f.laptop, upsert("flashcards", "card-1", 0, conflict.Record{"front_text": "Q1", "difficulty": float64(3)}))
	f.push(t, f.phone, upsert("flashcards", "card-1", 1, conflict.Record{"front_text": "Q1-phone", "difficulty": float64(4)}))

	res := f.push(t, f.laptop, upsert("flashcards", "card-1", 1, conflict.Record{"front_text": "Q1-edited", "difficulty": float64(5)}))
	if res.AppliedCount != 0 || len(res.Conflicts) != 1 {
		t.Fatalf("expected one pending conflict, got %+v", res)
	}
	pending := res.Conflicts[0]
	if pending.Severity != conflict.SeverityMedium || pending.AutoResolvable || pending.ConflictType != conflict.FieldConflictT {
		t.Errorf("unexpected classification %s/%s/%v", pending.ConflictType, pending.Severity, pending.AutoResolvable)
	}
	if got := f.record(t, "flashcards", "card-1").Data["front_text"]; got != "Q1-phone" {
		t.Errorf("server copy changed before resolution: %v", got)
	}

	health, err := f.svc.Health(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if health.Status != HealthHealthy || health.UnresolvedConflicts != 1 {
		t.Errorf("health = %+v", health)
	}

	list, err := f.svc.ListConflicts(ctx, store.ConflictFilter{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if list.TotalCount != 1 || list.UnresolvedCount != 1 || list.Conflicts[0].ID != pending.ID {
		t.Errorf("list = %+v", list)
	}

	preview, err := f.svc.PreviewConflictResolution(ctx, "alice", pending.ID, conflict.LastWriteWins, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(preview.Warnings) == 0 {
		t.Error("expected a warning for resolving front_text without user input")
	}

	// Nobody else can see or resolve the conflict
	if r := f.svc.ResolveConflict(ctx, "bob", pending.ID, conflict.LastWriteWins, nil, false); r.ErrorType != ErrorTypeNotFound {
		t.Errorf("foreign resolve: %+v", r)
	}

	hints := conflict.FieldResolutions{"front_text": {Choice: conflict.ChoiceLocal}}
	r := f.svc.ResolveConflict(ctx, "alice", pending.ID, conflict.UserChoice, hints, true)
	if !r.Success {
		t.Fatalf("resolve failed: %+v", r)
	}
	if r.ResolvedData["front_text"] != "Q1-phone" || r.ResolvedData["difficulty"] != 4.5 {
		t.Errorf("ResolvedData = %v", r.ResolvedData)
	}
	if r.Metadata.ResolvedBy != resolvedByUser || r.Metadata.Strategy != conflict.UserChoice {
		t.Errorf("Metadata = %+v", r.Metadata)
	}

	rec := f.record(t, "flashcards", "card-1")
	if rec.Version != 3 || rec.Data["difficulty"] != 4.5 {
		t.Errorf("stored record = %+v", rec)
	}

	stored, err := f.svc.GetConflict(ctx, "alice", pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Resolved || stored.ResolvedAt == nil || stored.Resolution == nil {
		t.Errorf("stored conflict not closed: %+v", stored)
	}

	again := f.svc.ResolveConflict(ctx, "alice", pending.ID, conflict.LastWriteWins, nil, false)
	if again.Success || again.ErrorType != ErrorTypeAlreadyResolved {
		t.Errorf("second resolve: %+v", again)
	}

	prefs, err := f.svc.GetPreferences(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if prefs.TablePreferences["flashcards"] != conflict.UserChoice {
		t.Errorf("table preference not saved: %v", prefs.TablePreferences)
	}

	// Both devices pull the resolved card
	for _, dev := range []string{f.phone, f.laptop} {
		page, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: dev})
		if err != nil {
			t.Fatal(err)
		}
		last := page.Changes[len(page.Changes)-1]
		if last.Data["difficulty"] != 4.5 {
			t.Errorf("device %s last change = %+v", dev, last)
		}
	}
}

func TestResolveConflict_UserChoiceNeedsInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := storeConflict(t, f, "notes", conflict.Record{"status": "open"}, conflict.Record{"status": "done"})
	r := f.svc.ResolveConflict(ctx, "alice", c.ID, conflict.UserChoice, nil, false)
	if r.Success || r.ErrorType != ErrorTypeResolution {
		t.Errorf("got %+v", r)
	}

	stored, _ := f.svc.GetConflict(ctx, "alice", c.ID)
	if stored.Resolved {
		t.Error("failed resolution must leave the conflict open")
	}
}

// staleConflicts serves conflicts as they were loaded before another
// request resolved them.
type staleConflicts struct {
	*store.Memory
	snapshot map[string]*conflict.SyncConflict
}

func (s *staleConflicts) GetConflict(ctx context.Context, id string) (*conflict.SyncConflict, error) {
	if c, ok := s.snapshot[id]; ok {
		cp := *c
		return &cp, nil
	}
	return s.Memory.GetConflict(ctx, id)
}

type failingWrites struct{ *store.Memory }

func (failingWrites) PutRecord(context.Context, *store.Record, int64) (int64, error) {
	return 0, errors.New("disk full")
}

func TestResolveConflict_LoserOfConcurrentResolveWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := storeConflict(t, f, "notes", conflict.Record{"status": "open"}, conflict.Record{"status": "done"})
	snapshot, err := f.mem.GetConflict(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r := f.svc.ResolveConflict(ctx, "alice", c.ID, conflict.LastWriteWins, nil, false); !r.Success {
		t.Fatalf("first resolve: %+v", r)
	}
	before, err := f.mem.CountChanges(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	version := f.record(t, "notes", c.RecordID).Version

	f.svc.Store = &staleConflicts{Memory: f.mem, snapshot: map[string]*conflict.SyncConflict{c.ID: snapshot}}
	r := f.svc.ResolveConflict(ctx, "alice", c.ID, conflict.LastWriteWins, nil, false)
	if r.Success || r.ErrorType != ErrorTypeAlreadyResolved {
		t.Fatalf("second resolve: %+v", r)
	}

	after, err := f.mem.CountChanges(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if after.Total != before.Total {
		t.Errorf("change log grew from %d to %d", before.Total, after.Total)
	}
	if v := f.record(t, "notes", c.RecordID).Version; v != version {
		t.Errorf("Version = %d, want %d", v, version)
	}
}

func TestResolveConflict_FailedWriteReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := storeConflict(t, f, "notes", conflict.Record{"status": "open"}, conflict.Record{"status": "done"})

	f.svc.Store = failingWrites{f.mem}
	r := f.svc.ResolveConflict(ctx, "alice", c.ID, conflict.LastWriteWins, nil, false)
	if r.Success || r.ErrorType != ErrorTypeApplication {
		t.Fatalf("resolve with failing store: %+v", r)
	}
	got, err := f.mem.GetConflict(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Resolved || got.Resolution != nil {
		t.Errorf("conflict left closed after failed write: %+v", got)
	}

	f.svc.Store = f.mem
	if r := f.svc.ResolveConflict(ctx, "alice", c.ID, conflict.LastWriteWins, nil, false); !r.Success {
		t.Errorf("resolve after recovery: %+v", r)
	}
}

func storeConflict(t *testing.T, f *fixture, table string, local, remote conflict.Record) *conflict.SyncConflict {
	t.Helper()
	c := conflict.Detect(conflict.DetectInput{
		UserID:    "alice",
		TableName: table,
		RecordID:  "r-" + f.clock.now().Format("150405"),
		Local:     local,
		Remote:    remote,
		Now:       f.clock.now(),
	})
	if c == nil {
		t.Fatal("expected a conflict")
	}
	if err := f.mem.InsertConflict(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBatchResolveConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := storeConflict(t, f, "content_items", conflict.Record{"title": "A"}, conflict.Record{"title": "B"})
	b := storeConflict(t, f, "content_items", conflict.Record{"title": "C"}, conflict.Record{"title": "D"})
	if err := f.svc.DismissConflict(ctx, "alice", b.ID); err != nil {
		t.Fatal(err)
	}

	out := f.svc.BatchResolveConflicts(ctx, "alice", []string{a.ID, b.ID}, conflict.LastWriteWins, false)
	if out.ResolvedCount != 1 || out.FailedCount != 1 || len(out.Results) != 2 {
		t.Fatalf("batch = %+v", out)
	}
	if !out.Results[0].Success || out.Results[1].ErrorType != ErrorTypeNotFound {
		t.Errorf("results = %+v", out.Results)
	}
	// Ties go to the remote version
	if got := f.record(t, "content_items", a.RecordID).Data["title"]; got != "B" {
		t.Errorf("title = %v, want B", got)
	}
}

func TestDismissConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := storeConflict(t, f, "notes", conflict.Record{"status": "a"}, conflict.Record{"status": "b"})
	if err := f.svc.DismissConflict(ctx, "bob", c.ID); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("foreign dismiss: %v", err)
	}

	r := f.svc.ResolveConflict(ctx, "alice", c.ID, conflict.LastWriteWins, nil, false)
	if !r.Success {
		t.Fatal(r.Error)
	}
	if err := f.svc.DismissConflict(ctx, "alice", c.ID); !errors.Is(err, store.ErrAlreadyResolved) {
		t.Errorf("dismissing a resolved conflict: %v", err)
	}
}

func TestAutoResolveConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := storeConflict(t, f, "study_sessions", conflict.Record{"score": float64(70)}, conflict.Record{"score": float64(80)})
	high := storeConflict(t, f, "content_items", conflict.Record{"tags": []any{"a"}}, conflict.Record{"tags": []any{"b"}})

	off := false
	if _, err := f.svc.UpdatePreferences(ctx, "alice", PreferencesPatch{AutoResolveLowSeverity: &off}); err != nil {
		t.Fatal(err)
	}
	n, err := f.svc.AutoResolveConflicts(ctx, "alice")
	if err != nil || n != 0 {
		t.Fatalf("with auto-resolve off: n=%d err=%v", n, err)
	}

	on := true
	if _, err := f.svc.UpdatePreferences(ctx, "alice", PreferencesPatch{AutoResolveLowSeverity: &on}); err != nil {
		t.Fatal(err)
	}
	n, err = f.svc.AutoResolveConflicts(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("with auto-resolve on: n=%d err=%v", n, err)
	}

	got, _ := f.svc.GetConflict(ctx, "alice", low.ID)
	if !got.Resolved || got.Resolution.ResolvedBy != resolvedByAuto {
		t.Errorf("low conflict = %+v", got)
	}
	got, _ = f.svc.GetConflict(ctx, "alice", high.ID)
	if got.Resolved {
		t.Error("high severity conflict must stay open")
	}
}

func TestListConflicts_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	storeConflict(t, f, "notes", conflict.Record{"status": "a"}, conflict.Record{"status": "b"})
	storeConflict(t, f, "content_items", conflict.Record{"title": "A"}, conflict.Record{"title": "B"})
	storeConflict(t, f, "content_items", conflict.Record{"title": "C"}, conflict.Record{"title": "D"})

	list, err := f.svc.ListConflicts(ctx, store.ConflictFilter{UserID: "alice", Severity: conflict.SeverityHigh, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if list.TotalCount != 2 || len(list.Conflicts) != 1 || list.UnresolvedCount != 3 {
		t.Errorf("list = total %d, page %d, unresolved %d", list.TotalCount, len(list.Conflicts), list.UnresolvedCount)
	}

	if _, err := f.svc.ListConflicts(ctx, store.ConflictFilter{UserID: "alice", Severity: "urgent"}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown severity: %v", err)
	}
}

func TestGetChangesSince_PriorityAndPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, f.phone,
		upsert("study_sessions", "s1", 0, conflict.Record{"score": float64(1)}),
		upsert("notes", "n1", 0, conflict.Record{"content": "a"}),
		upsert("summaries", "m1", 0, conflict.Record{"content": "b"}),
		upsert("notes", "n2", 0, conflict.Record{"content": "c"}),
		upsert("study_sessions", "s2", 0, conflict.Record{"score": float64(2)}),
	)

	own, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.phone})
	if err != nil {
		t.Fatal(err)
	}
	if len(own.Changes) != 0 || own.LatestTimestamp != nil {
		t.Errorf("device should not receive its own changes: %+v", own.Changes)
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		page, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop, Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		pages++
		for _, c := range page.Changes {
			got = append(got, c.RecordID)
		}
		if !page.HasMore {
			if page.NextCursor != "" {
				t.Error("last page should not carry a cursor")
			}
			break
		}
		cursor = page.NextCursor
	}

	want := []string{"n1", "n2", "m1", "s1", "s2"}
	if pages != 3 || len(got) != len(want) {
		t.Fatalf("pages=%d got=%v", pages, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	filtered, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop, Tables: []string{"summaries"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered.Changes) != 1 || filtered.Changes[0].RecordID != "m1" {
		t.Errorf("filtered = %+v", filtered.Changes)
	}

	if _, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop, Cursor: "%%%"}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad cursor: %v", err)
	}
}

// A lower-tier change older than the first page must survive a client that
// polls again from latest_timestamp instead of following the cursor.
func TestGetChangesSince_LatestTimestampOnPartialPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mark := f.clock.now()

	f.push(t, f.phone, upsert("study_sessions", "s1", 0, conflict.Record{"score": float64(70)}))
	f.push(t, f.phone, upsert("flashcards", "c1", 0, conflict.Record{"front_text": "Q"}))

	first, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop, Since: mark, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Changes) != 1 || first.Changes[0].RecordID != "c1" || !first.HasMore {
		t.Fatalf("first page = %+v", first)
	}
	if first.LatestTimestamp == nil || !first.LatestTimestamp.Equal(mark) {
		t.Fatalf("LatestTimestamp = %v, want %v", first.LatestTimestamp, mark)
	}

	next, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop, Since: *first.LatestTimestamp})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range next.Changes {
		if c.RecordID == "s1" {
			found = true
		}
	}
	if !found {
		t.Errorf("s1 lost after polling from latest_timestamp: %+v", next.Changes)
	}
	if next.HasMore || next.LatestTimestamp == nil || !next.LatestTimestamp.Equal(first.Changes[0].CreatedAt) {
		t.Errorf("complete page: has_more=%v latest=%v", next.HasMore, next.LatestTimestamp)
	}

	noSince, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !noSince.HasMore || noSince.LatestTimestamp != nil {
		t.Errorf("partial page without since: has_more=%v latest=%v", noSince.HasMore, noSince.LatestTimestamp)
	}
}

func TestGetChangesSince_Since(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, f.phone, upsert("notes", "n1", 0, conflict.Record{"content": "old"}))
	mark := f.clock.now()
	f.push(t, f.phone, upsert("notes", "n2", 0, conflict.Record{"content": "new"}))

	page, err := f.svc.GetChangesSince(ctx, ChangesQuery{UserID: "alice", DeviceID: f.laptop, Since: mark})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Changes) != 1 || page.Changes[0].RecordID != "n2" {
		t.Errorf("changes since mark = %+v", page.Changes)
	}
	if page.LatestTimestamp == nil || !page.LatestTimestamp.After(mark) {
		t.Errorf("LatestTimestamp = %v", page.LatestTimestamp)
	}
}

func TestPreferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.GetPreferences(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.DefaultStrategy != conflict.LastWriteWins || !p.AutoResolveLowSeverity {
		t.Errorf("defaults = %+v", p)
	}

	bad := conflict.Strategy("coin_flip")
	if _, err := f.svc.UpdatePreferences(ctx, "alice", PreferencesPatch{DefaultStrategy: &bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("invalid default strategy: %v", err)
	}
	if _, err := f.svc.UpdatePreferences(ctx, "alice", PreferencesPatch{
		FieldPreferences: map[string]conflict.Strategy{"": conflict.Merge},
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty field key: %v", err)
	}

	fm := conflict.FieldMerge
	if _, err := f.svc.UpdatePreferences(ctx, "alice", PreferencesPatch{
		DefaultStrategy:  &fm,
		FieldPreferences: map[string]conflict.Strategy{"tags": conflict.Merge},
	}); err != nil {
		t.Fatal(err)
	}

	p, _ = f.svc.GetPreferences(ctx, "alice")
	if p.DefaultStrategy != conflict.FieldMerge || p.FieldPreferences["tags"] != conflict.Merge || !p.AutoResolveLowSeverity {
		t.Errorf("after patch = %+v", p)
	}
}

func TestAutoStrategy(t *testing.T) {
	low := &conflict.SyncConflict{TableName: "notes", Severity: conflict.SeverityLow, AutoResolvable: true}
	medium := &conflict.SyncConflict{TableName: "notes", Severity: conflict.SeverityMedium}

	tests := []struct {
		name  string
		prefs *store.Preferences
		c     *conflict.SyncConflict
		want  conflict.Strategy
	}{
		{"low auto defaults to content aware", store.DefaultPreferences("u"), low, conflict.ContentAware},
		{"table preference wins", &store.Preferences{TablePreferences: map[string]conflict.Strategy{"notes": conflict.Merge}}, low, conflict.Merge},
		{"user choice table preference ignored", &store.Preferences{TablePreferences: map[string]conflict.Strategy{"notes": conflict.UserChoice}, DefaultStrategy: conflict.FieldMerge}, medium, conflict.FieldMerge},
		{"user choice default falls back", &store.Preferences{DefaultStrategy: conflict.UserChoice}, medium, conflict.LastWriteWins},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := autoStrategy(tt.prefs, tt.c); got != tt.want {
				t.Errorf("autoStrategy() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFieldHints(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &conflict.SyncConflict{
		ConflictingFields: []string{"tags", "status", "color"},
		LocalDeviceInfo:   conflict.DeviceInfo{Timestamp: t0.Add(time.Hour)},
		RemoteDeviceInfo:  conflict.DeviceInfo{Timestamp: t0},
	}
	prefs := &store.Preferences{FieldPreferences: map[string]conflict.Strategy{
		"tags":   conflict.Merge,
		"status": conflict.LastWriteWins,
		"color":  conflict.UserChoice,
	}}

	hints := fieldHints(prefs, c)
	if len(hints) != 2 {
		t.Fatalf("hints = %v", hints)
	}
	if hints["tags"].Choice != conflict.ChoiceMerged || hints["status"].Choice != conflict.ChoiceLocal {
		t.Errorf("hints = %v", hints)
	}
	if fieldHints(store.DefaultPreferences("u"), c) != nil {
		t.Error("no field preferences should yield nil hints")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.svc.Health(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != HealthHealthy || len(h.Issues) != 0 {
		t.Errorf("fresh user health = %+v", h)
	}

	storeConflict(t, f, "content_items", conflict.Record{"title": "A"}, conflict.Record{"title": "B"})
	h, _ = f.svc.Health(ctx, "alice")
	if h.Status != HealthUnhealthy || h.HighSeverityUnresolved != 1 {
		t.Errorf("with high conflict = %+v", h)
	}

	g := newFixture(t)
	g.clock.t = g.clock.t.Add(StaleDeviceAfter + time.Hour)
	h, _ = g.svc.Health(ctx, "alice")
	if h.Status != HealthDegraded || len(h.StaleDevices) != 2 {
		t.Errorf("stale devices health = %+v", h)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, f.phone,
		upsert("notes", "n1", 0, conflict.Record{"content": "a"}),
		upsert("flashcards", "c1", 0, conflict.Record{"front_text": "Q"}),
	)
	if err := f.svc.Devices.Deactivate(ctx, "alice", f.laptop); err != nil {
		t.Fatal(err)
	}

	s, err := f.svc.Stats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalChanges != 2 || s.SyncedChanges != 2 || s.PendingChanges != 0 {
		t.Errorf("change stats = %+v", s)
	}
	if s.ChangesByTable["notes"] != 1 || s.ChangesByTable["flashcards"] != 1 {
		t.Errorf("ChangesByTable = %v", s.ChangesByTable)
	}
	if s.ActiveDevices != 1 || s.TotalDevices != 2 || s.LastSync == nil || s.LastChange == nil {
		t.Errorf("device stats = %+v", s)
	}
}
