package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
)

// Memory is an in-process Store. Values are deep-copied through JSON on the
// way in and out so callers observe the same shapes Postgres returns.
type Memory struct {
	mu        sync.RWMutex
	records   map[string]*Record
	changes   []ChangeEntry
	conflicts map[string]*conflict.SyncConflict
	prefs     map[string]*Preferences
	devices   map[string]*device.Device
	plans     map[string]device.Tier
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string]*Record),
		conflicts: make(map[string]*conflict.SyncConflict),
		prefs:     make(map[string]*Preferences),
		devices:   make(map[string]*device.Device),
		plans:     make(map[string]device.Tier),
	}
}

func recordKey(userID, table, id string) string {
	return userID + "\x00" + table + "\x00" + id
}

// deepCopy round-trips v through JSON into out
func deepCopy(v, out any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: value is not JSON-encodable: " + err.Error())
	}
	if err := json.Unmarshal(b, out); err != nil {
		panic("store: " + err.Error())
	}
}

func copyRecord(r conflict.Record) conflict.Record {
	if r == nil {
		return nil
	}
	var out conflict.Record
	deepCopy(r, &out)
	return out
}

func copyConflict(c *conflict.SyncConflict) *conflict.SyncConflict {
	var out conflict.SyncConflict
	deepCopy(c, &out)
	return &out
}

// SetPlan assigns a subscription tier to a user
func (m *Memory) SetPlan(userID string, tier device.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[userID] = tier
}

// ---------------------------------------------------------------------------
// Records

func (m *Memory) GetRecord(_ context.Context, userID, table, recordID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[recordKey(userID, table, recordID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	out.Data = copyRecord(r.Data)
	return &out, nil
}

func (m *Memory) PutRecord(_ context.Context, rec *Record, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(rec.UserID, rec.TableName, rec.RecordID)
	var current int64
	if existing, ok := m.records[key]; ok {
		current = existing.Version
	}
	if current != expected {
		return 0, ErrVersionConflict
	}

	stored := *rec
	stored.Data = copyRecord(rec.Data)
	stored.Version = current + 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	m.records[key] = &stored
	return stored.Version, nil
}

func (m *Memory) DeleteRecord(_ context.Context, userID, table, recordID string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(userID, table, recordID)
	existing, ok := m.records[key]
	if !ok {
		if expected == 0 {
			return nil
		}
		return ErrVersionConflict
	}
	if existing.Version != expected {
		return ErrVersionConflict
	}
	delete(m.records, key)
	return nil
}

// ---------------------------------------------------------------------------
// Change log

func (m *Memory) AppendChange(_ context.Context, e *ChangeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	stored := *e
	stored.Data = copyRecord(e.Data)
	m.changes = append(m.changes, stored)
	return nil
}

func (m *Memory) MarkSynced(_ context.Context, userID string, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range m.changes {
		if m.changes[i].UserID == userID && want[m.changes[i].ID] {
			m.changes[i].Synced = true
		}
	}
	return nil
}

func (m *Memory) ListChanges(_ context.Context, q ChangeQuery) ([]ChangeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tables := make(map[string]bool, len(q.Tables))
	for _, t := range q.Tables {
		tables[t] = true
	}

	var out []ChangeEntry
	for _, c := range m.changes {
		if c.UserID != q.UserID || !c.CreatedAt.After(q.Since) {
			continue
		}
		if q.ExcludeDevice != "" && c.DeviceID == q.ExcludeDevice {
			continue
		}
		if len(tables) > 0 && !tables[c.TableName] {
			continue
		}
		if !q.After.IsZero() && !q.After.After(q.TierOf(c.TableName), c.CreatedAt.UnixMilli(), c.ID) {
			continue
		}
		entry := c
		entry.Data = copyRecord(c.Data)
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := q.TierOf(out[i].TableName), q.TierOf(out[j].TableName)
		if ti != tj {
			return ti < tj
		}
		mi, mj := out[i].CreatedAt.UnixMilli(), out[j].CreatedAt.UnixMilli()
		if mi != mj {
			return mi < mj
		}
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) CountChanges(_ context.Context, userID string) (*ChangeCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := &ChangeCounts{ByTable: map[string]int{}}
	for _, c := range m.changes {
		if c.UserID != userID {
			continue
		}
		counts.Total++
		if c.Synced {
			counts.Synced++
		}
		counts.ByTable[c.TableName]++
		if counts.Latest == nil || c.CreatedAt.After(*counts.Latest) {
			t := c.CreatedAt
			counts.Latest = &t
		}
	}
	return counts, nil
}

// ---------------------------------------------------------------------------
// Conflicts

func (m *Memory) InsertConflict(_ context.Context, c *conflict.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ID] = copyConflict(c)
	return nil
}

func (m *Memory) GetConflict(_ context.Context, id string) (*conflict.SyncConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConflict(c), nil
}

func (m *Memory) DeleteConflict(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conflicts, id)
	return nil
}

func (m *Memory) ListConflicts(_ context.Context, f ConflictFilter) ([]conflict.SyncConflict, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tables := make(map[string]bool, len(f.Tables))
	for _, t := range f.Tables {
		tables[t] = true
	}

	var matched []conflict.SyncConflict
	for _, c := range m.conflicts {
		if c.UserID != f.UserID {
			continue
		}
		if f.Resolved != nil && c.Resolved != *f.Resolved {
			continue
		}
		if f.Severity != "" && c.Severity != f.Severity {
			continue
		}
		if f.AutoResolvable != nil && c.AutoResolvable != *f.AutoResolvable {
			continue
		}
		if len(tables) > 0 && !tables[c.TableName] {
			continue
		}
		if f.RecordID != "" && c.RecordID != f.RecordID {
			continue
		}
		matched = append(matched, *copyConflict(c))
	}

	// newest first, matching the Postgres ordering
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if f.Offset >= total {
		return []conflict.SyncConflict{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *Memory) CountConflicts(_ context.Context, userID string) (*ConflictCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := newConflictCounts()
	for _, c := range m.conflicts {
		if c.UserID != userID {
			continue
		}
		var by string
		var ms int64
		if c.Resolution != nil {
			by, ms = c.Resolution.ResolvedBy, c.Resolution.ResolutionTimeMs
		}
		counts.add(c.Severity, c.ConflictType, c.Resolved, by, 1, ms)
	}
	return counts, nil
}

func (m *Memory) MarkResolved(_ context.Context, id string, data conflict.Record, meta conflict.ResolutionMetadata, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	if c.Resolved {
		return ErrAlreadyResolved
	}
	c.Resolved = true
	c.ResolvedData = copyRecord(data)
	if c.ResolvedData == nil {
		c.ResolvedData = conflict.Record{}
	}
	metaCopy := meta
	c.Resolution = &metaCopy
	resolvedAt := at
	c.ResolvedAt = &resolvedAt
	return nil
}

func (m *Memory) ReopenConflict(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	c.Resolved = false
	c.ResolvedData = nil
	c.Resolution = nil
	c.ResolvedAt = nil
	return nil
}

// ---------------------------------------------------------------------------
// Preferences

func (m *Memory) GetPreferences(_ context.Context, userID string) (*Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	var out Preferences
	deepCopy(p, &out)
	out.UserID = userID
	return &out, nil
}

func (m *Memory) PutPreferences(_ context.Context, p *Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored Preferences
	deepCopy(p, &stored)
	stored.UserID = p.UserID
	m.prefs[p.UserID] = &stored
	return nil
}

// ---------------------------------------------------------------------------
// Devices and plans

func (m *Memory) InsertDevice(_ context.Context, d *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *d
	m.devices[d.ID] = &stored
	return nil
}

func (m *Memory) GetDevice(_ context.Context, id string) (*device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (m *Memory) ListDevices(_ context.Context, userID string) ([]device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []device.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountActiveDevices(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.devices {
		if d.UserID == userID && d.Active {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeactivateDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	d.Active = false
	return nil
}

func (m *Memory) TouchDevice(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	t := at
	d.LastSync = &t
	return nil
}

func (m *Memory) Plan(_ context.Context, userID string) (device.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return device.PlanFor(m.plans[userID]), nil
}

var _ Store = (*Memory)(nil)
