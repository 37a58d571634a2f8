// Package admin holds the owner principal and the pause switch.
//
// Both ledgers take a Guard and consult it at the top of every mutating call:
// WhenNotPaused before anything else, CheckOwner on owner-only operations.
package admin

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/metrics"
)

var (
	ErrNotOwner      = apperr.New(apperr.Authorization, "caller is not the owner")
	ErrPaused        = apperr.New(apperr.State, "paused")
	ErrNotPaused     = apperr.New(apperr.State, "not paused")
	ErrInvalidOwner  = apperr.New(apperr.Validation, "new owner is the zero address")
	ErrAlreadyPaused = apperr.New(apperr.State, "already paused")
)

// Guard is what the ledgers consult.
type Guard interface {
	WhenNotPaused() error
	CheckOwner(caller common.Address) error
}

// Controller owns the owner address and the pause flag.
type Controller struct {
	mu     sync.RWMutex
	owner  common.Address
	paused atomic.Bool
	events events.Emitter
	logger *slog.Logger
}

// NewController creates a controller for owner. A nil emitter discards events.
func NewController(owner common.Address, emitter events.Emitter, logger *slog.Logger) *Controller {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{owner: owner, events: emitter, logger: logger}
}

// Owner returns the current owner.
func (c *Controller) Owner() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// CheckOwner fails unless caller is the owner.
func (c *Controller) CheckOwner(caller common.Address) error {
	if caller != c.Owner() {
		return ErrNotOwner
	}
	return nil
}

// Paused reports whether mutating calls are blocked.
func (c *Controller) Paused() bool {
	return c.paused.Load()
}

// WhenNotPaused fails while paused.
func (c *Controller) WhenNotPaused() error {
	if c.paused.Load() {
		return ErrPaused
	}
	return nil
}

// Pause blocks mutating calls. Owner only.
func (c *Controller) Pause(ctx context.Context, caller common.Address) error {
	if err := c.CheckOwner(caller); err != nil {
		return err
	}
	if !c.paused.CompareAndSwap(false, true) {
		return ErrAlreadyPaused
	}
	metrics.Paused.Set(1)
	c.logger.Warn("platform paused", "by", hexAddr(caller))
	c.events.Emit(ctx, &events.Event{
		Name: events.Paused, Source: events.SourceAccess, Subject: hexAddr(caller),
	})
	return nil
}

// Unpause resumes mutating calls. Owner only.
func (c *Controller) Unpause(ctx context.Context, caller common.Address) error {
	if err := c.CheckOwner(caller); err != nil {
		return err
	}
	if !c.paused.CompareAndSwap(true, false) {
		return ErrNotPaused
	}
	metrics.Paused.Set(0)
	c.logger.Info("platform unpaused", "by", hexAddr(caller))
	c.events.Emit(ctx, &events.Event{
		Name: events.Unpaused, Source: events.SourceAccess, Subject: hexAddr(caller),
	})
	return nil
}

// SetPaused forces the flag at startup, without an owner check or event.
func (c *Controller) SetPaused(paused bool) {
	c.paused.Store(paused)
	if paused {
		metrics.Paused.Set(1)
	} else {
		metrics.Paused.Set(0)
	}
}

// TransferOwnership hands the owner role to newOwner. Owner only.
func (c *Controller) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return ErrInvalidOwner
	}
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNotOwner
	}
	previous := c.owner
	c.owner = newOwner
	c.mu.Unlock()

	c.logger.Warn("ownership transferred", "from", hexAddr(previous), "to", hexAddr(newOwner))
	c.events.Emit(ctx, &events.Event{
		Name:    events.OwnershipTransferred,
		Source:  events.SourceAccess,
		Subject: hexAddr(newOwner),
		Data:    map[string]string{"previousOwner": hexAddr(previous), "newOwner": hexAddr(newOwner)},
	})
	return nil
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

var _ Guard = (*Controller)(nil)
