// Package device owns device identity, activation state and the per-plan
// limit on how many devices a user may keep active.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound means no device exists with the given id
	ErrNotFound = errors.New("device not found")

	// ErrAccessDenied means the device belongs to another user
	ErrAccessDenied = errors.New("device belongs to another user")

	// ErrInvalidDeviceAccess means the device is missing, inactive or not owned by the caller
	ErrInvalidDeviceAccess = errors.New("invalid device access")

	// ErrDeviceLimitExceeded means the user's plan allows no more active devices
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")

	// ErrInvalidInfo means required registration fields are missing or malformed
	ErrInvalidInfo = errors.New("invalid device info")
)

// Type is the device form factor
type Type string

const (
	TypeMobile Type = "mobile"
	TypeTablet Type = "tablet"
	TypeWeb    Type = "web"
)

// Device is a registered client endpoint of one user
type Device struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"device_name"`
	Type        Type       `json:"device_type"`
	Platform    string     `json:"platform"`
	AppVersion  string     `json:"app_version"`
	Fingerprint *string    `json:"device_fingerprint,omitempty"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	Active      bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RegisterInfo is what a client supplies when registering
type RegisterInfo struct {
	Name        string  `json:"device_name"`
	Type        Type    `json:"device_type"`
	Platform    string  `json:"platform"`
	AppVersion  string  `json:"app_version"`
	Fingerprint *string `json:"device_fingerprint,omitempty"`
}

// Validate checks the required registration fields
func (i RegisterInfo) Validate() error {
	var missing []string
	if strings.TrimSpace(i.Name) == "" {
		missing = append(missing, "device_name")
	}
	if i.Platform == "" {
		missing = append(missing, "platform")
	}
	if i.AppVersion == "" {
		missing = append(missing, "app_version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInfo, strings.Join(missing, ", "))
	}
	switch i.Type {
	case TypeMobile, TypeTablet, TypeWeb:
		return nil
	}
	return fmt.Errorf("%w: device_type must be mobile, tablet or web", ErrInvalidInfo)
}

// Store persists devices
type Store interface {
	InsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	CountActiveDevices(ctx context.Context, userID string) (int, error)
	DeactivateDevice(ctx context.Context, id string) error
	TouchDevice(ctx context.Context, id string, at time.Time) error
}

// Registry enforces device ownership and plan limits on top of a Store
type Registry struct {
	Store Store
	Plans PlanLookup
	Now   func() time.Time
}

// NewRegistry creates a Registry
func NewRegistry(store Store, plans PlanLookup) *Registry {
	return &Registry{Store: store, Plans: plans, Now: func() time.Time { return time.Now().UTC() }}
}

// Register adds a new active device for the user, failing with
// ErrDeviceLimitExceeded when the plan's cap is reached. A fingerprint
// matching one of the user's active devices returns that device instead.
//
// The count-then-insert is not atomic; two concurrent registrations can
// both pass the cap check.
func (r *Registry) Register(ctx context.Context, userID string, info RegisterInfo) (*Device, error) {
	logger := log.Ctx(ctx).With().Str("userId", userID).Logger()

	if err := info.Validate(); err != nil {
		return nil, err
	}

	if info.Fingerprint != nil && *info.Fingerprint != "" {
		existing, err := r.Store.ListDevices(ctx, userID)
		if err != nil {
			return nil, err
		}
		for i := range existing {
			d := existing[i]
			if d.Active && d.Fingerprint != nil && *d.Fingerprint == *info.Fingerprint {
				logger.Info().Str("deviceId", d.ID).Msg("device re-registered by fingerprint")
				return &d, nil
			}
		}
	}

	plan, err := r.Plans.Plan(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("plan lookup: %w", err)
	}

	active, err := r.Store.CountActiveDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !plan.Allows(active + 1) {
		logger.Warn().
			Str("plan", string(plan.Tier)).
			Int("activeDevices", active).
			Msg("device limit reached")
		return nil, ErrDeviceLimitExceeded
	}

	d := &Device{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        strings.TrimSpace(info.Name),
		Type:        info.Type,
		Platform:    info.Platform,
		AppVersion:  info.AppVersion,
		Fingerprint: info.Fingerprint,
		Active:      true,
		CreatedAt:   r.Now(),
	}
	if err := r.Store.InsertDevice(ctx, d); err != nil {
		return nil, err
	}

	logger.Info().Str("deviceId", d.ID).Str("type", string(d.Type)).Msg("device registered")
	return d, nil
}

// Deactivate permanently disables a device. Deactivating an already
// inactive device is a no-op; another user's device is ErrAccessDenied.
func (r *Registry) Deactivate(ctx context.Context, userID, deviceID string) error {
	d, err := r.Store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.UserID != userID {
		return ErrAccessDenied
	}
	if !d.Active {
		return nil
	}
	if err := r.Store.DeactivateDevice(ctx, deviceID); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("userId", userID).Str("deviceId", deviceID).Msg("device deactivated")
	return nil
}

// ValidateAccess returns the device if it exists, is active and belongs to userID
func (r *Registry) ValidateAccess(ctx context.Context, userID, deviceID string) (*Device, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceAccess
	}
	d, err := r.Store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidDeviceAccess
		}
		return nil, err
	}
	if d.UserID != userID || !d.Active {
		return nil, ErrInvalidDeviceAccess
	}
	return d, nil
}

// List is the device overview returned to clients
type List struct {
	Devices    []Device `json:"devices"`
	MaxDevices *int     `json:"max_devices"`
	IsPremium  bool     `json:"is_premium"`
}

// List returns the user's devices along with their plan limit.
// MaxDevices is nil for unlimited plans.
func (r *Registry) List(ctx context.Context, userID string) (*List, error) {
	devices, err := r.Store.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := r.Plans.Plan(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("plan lookup: %w", err)
	}

	out := &List{Devices: devices, IsPremium: plan.Tier == TierPremium}
	if out.Devices == nil {
		out.Devices = []Device{}
	}
	if plan.MaxDevices >= 0 {
		limit := plan.MaxDevices
		out.MaxDevices = &limit
	}
	return out, nil
}

// TouchLastSync records a successful sync for the device
func (r *Registry) TouchLastSync(ctx context.Context, deviceID string) error {
	return r.Store.TouchDevice(ctx, deviceID, r.Now())
}
