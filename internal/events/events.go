// Package events records the events the registry and payment processor emit
// and fans them out to live subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/metrics"
)

// Name identifies an event.
type Name string

const (
	AgentRegistered             Name = "AgentRegistered"
	AgentUpdated                Name = "AgentUpdated"
	AgentProfileUpdated         Name = "AgentProfileUpdated"
	AgentDeactivated            Name = "AgentDeactivated"
	TrustScoreUpdated           Name = "TrustScoreUpdated"
	ReputationFeedbackSubmitted Name = "ReputationFeedbackSubmitted"
	A2AInteractionInitiated     Name = "A2AInteractionInitiated"
	A2AInteractionCompleted     Name = "A2AInteractionCompleted"
	TrustEstablished            Name = "TrustEstablished"

	EscrowCreated   Name = "EscrowCreated"
	EscrowCompleted Name = "EscrowCompleted"
	EscrowRefunded  Name = "EscrowRefunded"
	EscrowDisputed  Name = "EscrowDisputed"
	EscrowExpired   Name = "EscrowExpired"

	Paused               Name = "Paused"
	Unpaused             Name = "Unpaused"
	OwnershipTransferred Name = "OwnershipTransferred"
)

// Source names the ledger that emitted an event.
const (
	SourceRegistry = "registry"
	SourceEscrow   = "escrow"
	SourceAccess   = "access"
)

// Event is an immutable record of a completed state change. Data values are
// strings: addresses in hex, amounts in base 10.
type Event struct {
	Seq       int64             `json:"seq"`
	Name      Name              `json:"name"`
	Source    string            `json:"source"`
	Subject   string            `json:"subject"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store persists events. Append assigns Seq.
type Store interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) ([]*Event, error)
}

// Filter selects events after a sequence number.
type Filter struct {
	After   int64
	Source  string
	Subject string
	Limit   int
}

// Sink receives events after they are stored.
type Sink interface {
	Publish(event *Event)
}

// Emitter is what the ledgers depend on.
type Emitter interface {
	Emit(ctx context.Context, event *Event)
}

// Log stores events and forwards them to sinks.
type Log struct {
	store  Store
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewLog creates an event log over store.
func NewLog(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger}
}

// Subscribe adds a sink.
func (l *Log) Subscribe(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Emit records an event for a state change that has already been committed.
// A store failure cannot undo that change, so it is logged rather than
// returned.
func (l *Log) Emit(ctx context.Context, event *Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := l.store.Append(ctx, event); err != nil {
		l.logger.Error("failed to persist event",
			"event", event.Name, "subject", event.Subject, "error", err)
	}
	metrics.EventsEmittedTotal.WithLabelValues(string(event.Name)).Inc()

	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(event)
	}
}

// List reads events from the store.
func (l *Log) List(ctx context.Context, filter Filter) ([]*Event, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return l.store.List(ctx, filter)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(context.Context, *Event) {}
