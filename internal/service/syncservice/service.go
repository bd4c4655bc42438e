// Package syncservice applies incoming device changes, detects and resolves
// conflicts, and serves the change feed and sync statistics.
package syncservice

import (
	"errors"
	"fmt"
	"time"

	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
	"github.com/studysync/syncengine/internal/store"
)

var (
	// ErrValidation wraps malformed request input
	ErrValidation = errors.New("validation error")

	// ErrConflictNotFound means no conflict with the id exists for the user
	ErrConflictNotFound = errors.New("conflict not found")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Per-change and per-conflict error categories reported to clients
const (
	ErrorTypeValidation      = "validation_error"
	ErrorTypeApplication     = "application_error"
	ErrorTypeVersionConflict = "version_conflict"
	ErrorTypeNotFound        = "not_found"
	ErrorTypeResolution      = "resolution_failure"
	ErrorTypeAlreadyResolved = "already_resolved"
)

// Service is the sync engine. Every operation runs synchronously on the
// caller's goroutine; there is no background scheduler.
type Service struct {
	Store   store.Store
	Devices *device.Registry
	Engine  *conflict.Engine
	Now     func() time.Time

	// PageLimit bounds one page of GetChangesSince
	PageLimit int
}

// New wires a Service over a store and resolution engine
func New(st store.Store, engine *conflict.Engine) *Service {
	if engine == nil {
		engine = conflict.NewEngine(nil)
	}
	return &Service{
		Store:     st,
		Devices:   device.NewRegistry(st, st),
		Engine:    engine,
		Now:       func() time.Time { return time.Now().UTC() },
		PageLimit: 500,
	}
}
