package registry

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/pagination"
	"github.com/mbd888/agora/internal/reputation"
	"github.com/mbd888/agora/internal/syncutil"
	"github.com/mbd888/agora/internal/traces"
	"github.com/mbd888/agora/internal/validation"
)

const interactionPrefix = "a2a_"

// Service implements the agent registry. Mutating calls are serialized and
// checked against the pause switch before anything else.
type Service struct {
	store  Store
	guard  admin.Guard
	events events.Emitter
	limits Limits
	logger *slog.Logger
	serial *syncutil.Serializer
	seq    atomic.Uint64
	now    func() time.Time
}

// NewService creates a new registry service.
func NewService(store Store, guard admin.Guard, emitter events.Emitter, logger *slog.Logger) *Service {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		guard:  guard,
		events: emitter,
		limits: DefaultLimits(),
		logger: logger,
		serial: syncutil.NewSerializer(),
		now:    time.Now,
	}
}

// WithLimits overrides the default input limits.
func (s *Service) WithLimits(l Limits) *Service {
	s.limits = l
	return s
}

// Limits returns the active input limits.
func (s *Service) Limits() Limits {
	return s.limits
}

// begin runs the pause check, enters the serializer and opens a span. The
// returned done must be deferred with a pointer to the named error result.
func (s *Service) begin(ctx context.Context, op string, caller common.Address) (context.Context, func(*error), error) {
	if err := s.guard.WhenNotPaused(); err != nil {
		metrics.RejectedCallsTotal.WithLabelValues("registry", apperr.KindOf(err).String()).Inc()
		return ctx, nil, err
	}
	ctx, release, err := s.serial.Enter(ctx)
	if err != nil {
		return ctx, nil, err
	}
	ctx, span := traces.Call(ctx, "registry", op, hexAddr(caller))
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			metrics.RejectedCallsTotal.WithLabelValues("registry", apperr.KindOf(err).String()).Inc()
			traces.Fail(span, err)
		}
		span.End()
		release()
	}, nil
}

// activeAgent loads addr and requires it to be active.
func (s *Service) activeAgent(ctx context.Context, addr common.Address) (*Agent, error) {
	a, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// -----------------------------------------------------------------------------
// Registration and profile
// -----------------------------------------------------------------------------

// Register creates an agent for caller. A deactivated agent may register
// again; its record is replaced and its counters reset.
func (s *Service) Register(ctx context.Context, caller common.Address, req RegisterRequest) (agent *Agent, err error) {
	ctx, done, err := s.begin(ctx, "Register", caller)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	if caller == (common.Address{}) {
		return nil, validation.ErrZeroAddress
	}
	existing, err := s.store.GetAgent(ctx, caller)
	switch {
	case err == nil && existing.IsActive:
		return nil, ErrAlreadyRegistered
	case err != nil && !apperr.Is(err, apperr.NotFound):
		return nil, err
	}
	if err := validateProfile(req.Name, req.Metadata, s.limits); err != nil {
		return nil, err
	}
	if err := ValidateCapabilities(req.Capabilities, s.limits); err != nil {
		return nil, err
	}

	agent = &Agent{
		Address:      caller,
		Name:         req.Name,
		Capabilities: append([]string(nil), req.Capabilities...),
		Metadata:     req.Metadata,
		TrustScore:   reputation.InitialScore(req.Capabilities, req.Metadata),
		RegisteredAt: s.now(),
		IsActive:     true,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	metrics.AgentsRegisteredTotal.Inc()
	metrics.TrustScoreUpdates.WithLabelValues("registration").Observe(float64(agent.TrustScore))
	s.emit(ctx, events.AgentRegistered, caller, map[string]string{
		"agent":        hexAddr(caller),
		"name":         agent.Name,
		"capabilities": strings.Join(agent.Capabilities, ","),
		"trustScore":   strconv.Itoa(agent.TrustScore),
	})
	s.logger.Info("agent registered", "address", hexAddr(caller), "trust_score", agent.TrustScore)
	return agent, nil
}

// UpdateCapabilities replaces the caller's capability set and rebuilds its
// index entries.
func (s *Service) UpdateCapabilities(ctx context.Context, caller common.Address, caps []string) (agent *Agent, err error) {
	ctx, done, err := s.begin(ctx, "UpdateCapabilities", caller)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	agent, err = s.activeAgent(ctx, caller)
	if err != nil {
		return nil, err
	}
	if err := ValidateCapabilities(caps, s.limits); err != nil {
		return nil, err
	}

	agent.Capabilities = append([]string(nil), caps...)
	if err := s.store.ReindexAgent(ctx, agent); err != nil {
		return nil, err
	}

	s.emit(ctx, events.AgentUpdated, caller, map[string]string{
		"agent":        hexAddr(caller),
		"capabilities": strings.Join(agent.Capabilities, ","),
	})
	return agent, nil
}

// UpdateProfile overwrites the caller's name and metadata. Score and
// capabilities are untouched.
func (s *Service) UpdateProfile(ctx context.Context, caller common.Address, name, metadata string) (agent *Agent, err error) {
	ctx, done, err := s.begin(ctx, "UpdateProfile", caller)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	agent, err = s.activeAgent(ctx, caller)
	if err != nil {
		return nil, err
	}
	if err := validateProfile(name, metadata, s.limits); err != nil {
		return nil, err
	}

	agent.Name = name
	agent.Metadata = metadata
	if err := s.store.UpdateAgents(ctx, agent); err != nil {
		return nil, err
	}

	s.emit(ctx, events.AgentProfileUpdated, caller, map[string]string{
		"agent": hexAddr(caller),
		"name":  name,
	})
	return agent, nil
}

// -----------------------------------------------------------------------------
// Owner operations
// -----------------------------------------------------------------------------

// UpdateTrustScore overrides an agent's score. Owner only.
func (s *Service) UpdateTrustScore(ctx context.Context, caller, target common.Address, score int) (agent *Agent, err error) {
	ctx, done, err := s.begin(ctx, "UpdateTrustScore", caller)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	if err := s.guard.CheckOwner(caller); err != nil {
		return nil, err
	}
	if score < reputation.MinScore || score > reputation.MaxScore {
		return nil, ErrInvalidScore
	}
	agent, err = s.activeAgent(ctx, target)
	if err != nil {
		return nil, err
	}

	old := agent.TrustScore
	agent.TrustScore = score
	if err := s.store.UpdateAgents(ctx, agent); err != nil {
		return nil, err
	}

	s.trustUpdated(ctx, agent, old, "owner")
	return agent, nil
}

// Deactivate soft-deletes an agent: it leaves every capability index entry
// and reads through Get stop returning it. Owner only.
func (s *Service) Deactivate(ctx context.Context, caller, target common.Address) (err error) {
	ctx, done, err := s.begin(ctx, "Deactivate", caller)
	if err != nil {
		return err
	}
	defer done(&err)

	if err := s.guard.CheckOwner(caller); err != nil {
		return err
	}
	agent, err := s.activeAgent(ctx, target)
	if err != nil {
		return err
	}

	agent.IsActive = false
	if err := s.store.ReindexAgent(ctx, agent); err != nil {
		return err
	}

	metrics.AgentsDeactivatedTotal.Inc()
	s.emit(ctx, events.AgentDeactivated, target, map[string]string{
		"agent": hexAddr(target),
	})
	s.logger.Info("agent deactivated", "address", hexAddr(target))
	return nil
}

// -----------------------------------------------------------------------------
// Reputation
// -----------------------------------------------------------------------------

// SubmitFeedback records a rating and overwrites the target's score with the
// running average of all its ratings on the 0-100 scale. The payment
// reference is stored as given; nothing checks that it names a real payment.
func (s *Service) SubmitFeedback(ctx context.Context, caller common.Address, req FeedbackRequest) (fb *Feedback, err error) {
	ctx, done, err := s.begin(ctx, "SubmitFeedback", caller)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	if !reputation.ValidRating(req.Rating) {
		return nil, ErrInvalidRating
	}
	if len(req.Comment) > s.limits.MaxCommentLength {
		return nil, ErrInvalidComment
	}
	if caller == req.To {
		return nil, ErrSelfReference
	}
	if _, err := s.activeAgent(ctx, caller); err != nil {
		return nil, err
	}
	target, err := s.activeAgent(ctx, req.To)
	if err != nil {
		return nil, err
	}

	old := target.TrustScore
	target.FeedbackCount++
	target.TrustScore = reputation.FeedbackAverage(old, target.FeedbackCount, req.Rating)

	fb = &Feedback{
		ID:         idgen.WithPrefix("fb_"),
		From:       caller,
		To:         req.To,
		Rating:     req.Rating,
		Comment:    req.Comment,
		PaymentRef: req.PaymentRef,
		CreatedAt:  s.now(),
	}
	if err := s.store.AddFeedback(ctx, fb, target); err != nil {
		return nil, err
	}

	metrics.FeedbackTotal.WithLabelValues(strconv.Itoa(req.Rating)).Inc()
	s.emit(ctx, events.ReputationFeedbackSubmitted, req.To, map[string]string{
		"from":       hexAddr(caller),
		"to":         hexAddr(req.To),
		"rating":     strconv.Itoa(req.Rating),
		"paymentRef": fb.PaymentRef.Hex(),
	})
	s.trustUpdated(ctx, target, old, "feedback")
	return fb, nil
}

// InitiateInteraction opens an interaction from caller to target over a
// capability label. Targets below the trust floor cannot receive one.
func (s *Service) InitiateInteraction(ctx context.Context, caller, to common.Address, capability string) (in *Interaction, err error) {
	ctx, done, err := s.begin(ctx, "InitiateInteraction", caller)
	if err != nil {
		return nil, err
	}
	defer done(&err)
	traces.Annotate(ctx, traces.Capability(capability))

	if caller == to {
		return nil, ErrSelfReference
	}
	if capability == "" || len(capability) > s.limits.MaxCapabilityLength {
		return nil, ErrInvalidCapability
	}
	if _, err := s.activeAgent(ctx, caller); err != nil {
		return nil, err
	}
	target, err := s.activeAgent(ctx, to)
	if err != nil {
		return nil, err
	}
	if !reputation.CanReceiveInteraction(target.TrustScore) {
		return nil, ErrLowTrust
	}

	now := s.now()
	in = &Interaction{
		ID:         s.interactionID(caller, to, capability, now),
		From:       caller,
		To:         to,
		Capability: capability,
		CreatedAt:  now,
	}
	traces.Annotate(ctx, traces.InteractionID(in.ID))
	if err := s.store.CreateInteraction(ctx, in); err != nil {
		return nil, err
	}

	metrics.InteractionsTotal.WithLabelValues("initiated").Inc()
	s.emit(ctx, events.A2AInteractionInitiated, caller, map[string]string{
		"id":         in.ID,
		"from":       hexAddr(caller),
		"to":         hexAddr(to),
		"capability": capability,
	})
	return in, nil
}

// CompleteInteraction marks an interaction completed and boosts both
// participants by one point.
func (s *Service) CompleteInteraction(ctx context.Context, caller common.Address, id string) (in *Interaction, err error) {
	ctx, done, err := s.begin(ctx, "CompleteInteraction", caller)
	if err != nil {
		return nil, err
	}
	defer done(&err)
	traces.Annotate(ctx, traces.InteractionID(id))

	in, err = s.store.GetInteraction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !in.HasParticipant(caller) {
		return nil, ErrNotParticipant
	}
	if in.Completed {
		return nil, ErrAlreadyCompleted
	}

	from, err := s.store.GetAgent(ctx, in.From)
	if err != nil {
		return nil, err
	}
	to, err := s.store.GetAgent(ctx, in.To)
	if err != nil {
		return nil, err
	}
	oldFrom, oldTo := from.TrustScore, to.TrustScore
	from.TrustScore = reputation.Boost(from.TrustScore, reputation.InteractionBoost)
	to.TrustScore = reputation.Boost(to.TrustScore, reputation.InteractionBoost)

	now := s.now()
	in.Completed = true
	in.CompletedAt = &now
	if err := s.store.CompleteInteraction(ctx, in, from, to); err != nil {
		return nil, err
	}

	metrics.InteractionsTotal.WithLabelValues("completed").Inc()
	s.emit(ctx, events.A2AInteractionCompleted, caller, map[string]string{
		"id":   in.ID,
		"from": hexAddr(in.From),
		"to":   hexAddr(in.To),
	})
	s.trustUpdated(ctx, from, oldFrom, "interaction")
	s.trustUpdated(ctx, to, oldTo, "interaction")
	return in, nil
}

// EstablishTrust credits a successful payment between two agents: both
// counters go up and both scores get a saturating +2. The caller must be one
// of the two. txRef is caller-asserted and is not checked against any
// payment record.
func (s *Service) EstablishTrust(ctx context.Context, caller, agent1, agent2 common.Address, txRef common.Hash) (err error) {
	ctx, done, err := s.begin(ctx, "EstablishTrust", caller)
	if err != nil {
		return err
	}
	defer done(&err)

	if caller != agent1 && caller != agent2 {
		return ErrNotParticipant
	}
	if agent1 == agent2 {
		return ErrSelfReference
	}
	a1, err := s.activeAgent(ctx, agent1)
	if err != nil {
		return err
	}
	a2, err := s.activeAgent(ctx, agent2)
	if err != nil {
		return err
	}

	old1, old2 := a1.TrustScore, a2.TrustScore
	a1.SuccessfulTransactions++
	a2.SuccessfulTransactions++
	a1.TrustScore = reputation.Boost(a1.TrustScore, reputation.PaymentBoost)
	a2.TrustScore = reputation.Boost(a2.TrustScore, reputation.PaymentBoost)
	if err := s.store.UpdateAgents(ctx, a1, a2); err != nil {
		return err
	}

	s.emit(ctx, events.TrustEstablished, caller, map[string]string{
		"agent1": hexAddr(agent1),
		"agent2": hexAddr(agent2),
		"txRef":  txRef.Hex(),
	})
	s.trustUpdated(ctx, a1, old1, "payment")
	s.trustUpdated(ctx, a2, old2, "payment")
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns an active agent. Deactivated and unknown agents are NotFound.
func (s *Service) Get(ctx context.Context, addr common.Address) (*Agent, error) {
	return s.activeAgent(ctx, addr)
}

// SearchByCapability returns the agents indexed under exactly capability.
func (s *Service) SearchByCapability(ctx context.Context, capability string) ([]common.Address, error) {
	return s.store.SearchByCapability(ctx, capability)
}

// List returns a page of agent addresses in registration order, inactive
// agents included, plus the total count.
func (s *Service) List(ctx context.Context, offset, limit int) (pagination.Page[common.Address], error) {
	limit = pagination.ClampLimit(limit, s.limits.MaxPageSize)
	items, total, err := s.store.ListAgents(ctx, max(offset, 0), limit)
	if err != nil {
		return pagination.Page[common.Address]{}, err
	}
	return newPage(items, total, offset, limit), nil
}

// ListAll returns every registered address. Unbounded; prefer List.
func (s *Service) ListAll(ctx context.Context) ([]common.Address, error) {
	return s.store.AllAgents(ctx)
}

// GetFeedback returns a page of feedback received by agent, oldest first.
func (s *Service) GetFeedback(ctx context.Context, agent common.Address, offset, limit int) (pagination.Page[*Feedback], error) {
	limit = pagination.ClampLimit(limit, s.limits.MaxPageSize)
	items, total, err := s.store.ListFeedback(ctx, agent, max(offset, 0), limit)
	if err != nil {
		return pagination.Page[*Feedback]{}, err
	}
	return newPage(items, total, offset, limit), nil
}

// GetInteraction returns an interaction by ID.
func (s *Service) GetInteraction(ctx context.Context, id string) (*Interaction, error) {
	return s.store.GetInteraction(ctx, id)
}

// ListInteractions returns a page of interactions agent takes part in.
func (s *Service) ListInteractions(ctx context.Context, agent common.Address, offset, limit int) (pagination.Page[*Interaction], error) {
	limit = pagination.ClampLimit(limit, s.limits.MaxPageSize)
	items, total, err := s.store.ListInteractions(ctx, agent, max(offset, 0), limit)
	if err != nil {
		return pagination.Page[*Interaction]{}, err
	}
	return newPage(items, total, offset, limit), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// interactionID hashes the participants, capability, time and a registry
// sequence number.
func (s *Service) interactionID(from, to common.Address, capability string, now time.Time) string {
	h := idgen.Derive(
		from.Bytes(),
		to.Bytes(),
		[]byte(capability),
		idgen.Int64(now.UnixNano()),
		idgen.Uint64(s.seq.Add(1)),
	)
	return interactionPrefix + hex.EncodeToString(h.Bytes())
}

func (s *Service) trustUpdated(ctx context.Context, agent *Agent, old int, cause string) {
	metrics.TrustScoreUpdates.WithLabelValues(cause).Observe(float64(agent.TrustScore))
	s.emit(ctx, events.TrustScoreUpdated, agent.Address, map[string]string{
		"agent":    hexAddr(agent.Address),
		"oldScore": strconv.Itoa(old),
		"newScore": strconv.Itoa(agent.TrustScore),
		"cause":    cause,
	})
}

func (s *Service) emit(ctx context.Context, name events.Name, subject common.Address, data map[string]string) {
	s.events.Emit(ctx, &events.Event{
		Name:    name,
		Source:  events.SourceRegistry,
		Subject: hexAddr(subject),
		Data:    data,
	})
}

func newPage[T any](items []T, total, offset, limit int) pagination.Page[T] {
	if items == nil {
		items = []T{}
	}
	if offset < 0 {
		offset = 0
	}
	return pagination.Page[T]{Items: items, Total: total, Offset: offset, Limit: limit}
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}
