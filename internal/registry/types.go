// Package registry implements agent registration, discovery and the trust
// records that feed each agent's score.
package registry

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/reputation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrAgentNotFound       = apperr.New(apperr.NotFound, "agent not found")
	ErrAlreadyRegistered   = apperr.New(apperr.State, "agent already registered")
	ErrInteractionNotFound = apperr.New(apperr.NotFound, "interaction not found")
	ErrAlreadyCompleted    = apperr.New(apperr.State, "interaction already completed")
	ErrNotParticipant      = apperr.New(apperr.Authorization, "caller is not a participant")
	ErrSelfReference       = apperr.New(apperr.Validation, "an agent cannot target itself")
	ErrLowTrust            = apperr.New(apperr.State, "target trust score below interaction floor")

	ErrInvalidName       = apperr.New(apperr.Validation, "invalid name")
	ErrInvalidMetadata   = apperr.New(apperr.Validation, "metadata too long")
	ErrInvalidCapability = apperr.New(apperr.Validation, "invalid capability")
	ErrNoCapabilities    = apperr.New(apperr.Validation, "at least one capability required")
	ErrTooManyCaps       = apperr.New(apperr.Validation, "too many capabilities")
	ErrDuplicateCap      = apperr.New(apperr.Validation, "duplicate capability")
	ErrInvalidRating     = apperr.New(apperr.Validation, "rating must be between 1 and 5")
	ErrInvalidComment    = apperr.New(apperr.Validation, "comment too long")
	ErrInvalidScore      = apperr.New(apperr.Validation, "trust score must be between 0 and 100")
	ErrInvalidPaymentRef = apperr.New(apperr.Validation, "payment reference must be a 32-byte hex hash")
)

// -----------------------------------------------------------------------------
// Limits
// -----------------------------------------------------------------------------

// Limits bounds the sizes of registry inputs.
type Limits struct {
	MaxNameLength       int
	MaxCapabilities     int
	MaxCapabilityLength int
	MaxMetadataLength   int
	MaxCommentLength    int
	MaxPageSize         int
}

// DefaultLimits returns the registry's standard limits.
func DefaultLimits() Limits {
	return Limits{
		MaxNameLength:       100,
		MaxCapabilities:     10,
		MaxCapabilityLength: 50,
		MaxMetadataLength:   500,
		MaxCommentLength:    500,
		MaxPageSize:         100,
	}
}

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Agent is a registered principal. Records are never removed; deactivation
// clears IsActive and drops the agent from the capability index.
type Agent struct {
	Address      common.Address `json:"address"`
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities"`
	Metadata     string         `json:"metadata"`
	TrustScore   int            `json:"trustScore"`
	RegisteredAt time.Time      `json:"registeredAt"`
	IsActive     bool           `json:"isActive"`

	FeedbackCount          int `json:"feedbackCount"`
	SuccessfulTransactions int `json:"successfulTransactions"`
}

// Tier is the display band for the agent's current score.
func (a *Agent) Tier() reputation.Tier {
	return reputation.TierFor(a.TrustScore)
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

// Feedback is an append-only rating of one agent by another. PaymentRef is
// asserted by the caller and never verified against a real payment.
type Feedback struct {
	ID         string         `json:"id"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Rating     int            `json:"rating"`
	Comment    string         `json:"comment,omitempty"`
	PaymentRef common.Hash    `json:"paymentRef"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Interaction is an agent-to-agent handshake over a capability.
type Interaction struct {
	ID          string         `json:"id"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Capability  string         `json:"capability"`
	CreatedAt   time.Time      `json:"createdAt"`
	Completed   bool           `json:"completed"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// HasParticipant reports whether addr is either side of the interaction.
func (i *Interaction) HasParticipant(addr common.Address) bool {
	return i.From == addr || i.To == addr
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Metadata     string   `json:"metadata"`
}

// FeedbackRequest is the input to SubmitFeedback.
type FeedbackRequest struct {
	To         common.Address
	Rating     int
	Comment    string
	PaymentRef common.Hash
}
