package syncservice

import (
	"context"
	"fmt"
	"time"

	"github.com/studysync/syncengine/internal/conflict"
)

// Health thresholds
const (
	StaleDeviceAfter        = 7 * 24 * time.Hour
	DegradedUnresolvedCount = 10
)

// Health statuses
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// ConflictStats rolls up a user's conflicts
type ConflictStats struct {
	Total           int                       `json:"total"`
	Unresolved      int                       `json:"unresolved"`
	Resolved        int                       `json:"resolved"`
	AutoResolved    int                       `json:"auto_resolved"`
	BySeverity      map[conflict.Severity]int `json:"by_severity"`
	ByType          map[conflict.Type]int     `json:"by_type"`
	AvgResolutionMs float64                   `json:"avg_resolution_ms"`
}

// SyncStats is the aggregate sync state of one user
type SyncStats struct {
	TotalChanges   int            `json:"total_changes"`
	SyncedChanges  int            `json:"synced_changes"`
	PendingChanges int            `json:"pending_changes"`
	ChangesByTable map[string]int `json:"changes_by_table"`
	Conflicts      ConflictStats  `json:"conflicts"`
	ActiveDevices  int            `json:"active_devices"`
	TotalDevices   int            `json:"total_devices"`
	LastSync       *time.Time     `json:"last_sync"`
	LastChange     *time.Time     `json:"last_change"`
}

// Stats aggregates the user's change log, conflicts and devices
func (s *Service) Stats(ctx context.Context, userID string) (*SyncStats, error) {
	changes, err := s.Store.CountChanges(ctx, userID)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.Store.CountConflicts(ctx, userID)
	if err != nil {
		return nil, err
	}
	devices, err := s.Store.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &SyncStats{
		TotalChanges:   changes.Total,
		SyncedChanges:  changes.Synced,
		PendingChanges: changes.Total - changes.Synced,
		ChangesByTable: changes.ByTable,
		LastChange:     changes.Latest,
		TotalDevices:   len(devices),
		Conflicts: ConflictStats{
			Total:           conflicts.Total,
			Unresolved:      conflicts.Unresolved,
			Resolved:        conflicts.Resolved(),
			AutoResolved:    conflicts.AutoResolved,
			BySeverity:      conflicts.BySeverity,
			ByType:          conflicts.ByType,
			AvgResolutionMs: conflicts.AvgResolutionMs(),
		},
	}
	for _, d := range devices {
		if d.Active {
			out.ActiveDevices++
		}
		if d.LastSync != nil && (out.LastSync == nil || d.LastSync.After(*out.LastSync)) {
			t := *d.LastSync
			out.LastSync = &t
		}
	}
	return out, nil
}

// SyncHealth is a coarse verdict over the user's sync state
type SyncHealth struct {
	Status                 string   `json:"status"`
	UnresolvedConflicts    int      `json:"unresolved_conflicts"`
	HighSeverityUnresolved int      `json:"high_severity_unresolved"`
	PendingChanges         int      `json:"pending_changes"`
	StaleDevices           []string `json:"stale_devices"`
	Issues                 []string `json:"issues"`
}

// Health is unhealthy while any high or critical conflict is open, and
// degraded when open conflicts pile up or an active device stops syncing.
func (s *Service) Health(ctx context.Context, userID string) (*SyncHealth, error) {
	changes, err := s.Store.CountChanges(ctx, userID)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.Store.CountConflicts(ctx, userID)
	if err != nil {
		return nil, err
	}
	devices, err := s.Store.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	h := &SyncHealth{
		Status:              HealthHealthy,
		UnresolvedConflicts: conflicts.Unresolved,
		HighSeverityUnresolved: conflicts.UnresolvedBySeverity[conflict.SeverityHigh] +
			conflicts.UnresolvedBySeverity[conflict.SeverityCritical],
		PendingChanges: changes.Total - changes.Synced,
		StaleDevices:   []string{},
		Issues:         []string{},
	}

	now := s.Now()
	for _, d := range devices {
		if !d.Active {
			continue
		}
		last := d.CreatedAt
		if d.LastSync != nil {
			last = *d.LastSync
		}
		if now.Sub(last) > StaleDeviceAfter {
			h.StaleDevices = append(h.StaleDevices, d.ID)
		}
	}

	if h.HighSeverityUnresolved > 0 {
		h.Status = HealthUnhealthy
		h.Issues = append(h.Issues, fmt.Sprintf("%d high-severity conflicts need review", h.HighSeverityUnresolved))
	}
	if h.UnresolvedConflicts > DegradedUnresolvedCount {
		h.Issues = append(h.Issues, fmt.Sprintf("%d unresolved conflicts", h.UnresolvedConflicts))
	}
	if len(h.StaleDevices) > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d devices have not synced in 7 days", len(h.StaleDevices)))
	}
	if h.Status == HealthHealthy && len(h.Issues) > 0 {
		h.Status = HealthDegraded
	}
	return h, nil
}
