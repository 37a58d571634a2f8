package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store defines the persistence interface for the registry. Each method is
// atomic on its own; the Service serializes the read-modify-write sequences
// that span several calls.
type Store interface {
	// CreateAgent inserts a new agent or replaces an inactive record for the
	// same address, and indexes its capabilities. The registration order
	// position of a replaced record is kept.
	CreateAgent(ctx context.Context, agent *Agent) error
	// GetAgent returns the record whether active or not.
	GetAgent(ctx context.Context, addr common.Address) (*Agent, error)
	// UpdateAgents writes scalar fields (profile, score, counters). The
	// capability index is untouched.
	UpdateAgents(ctx context.Context, agents ...*Agent) error
	// ReindexAgent writes the agent and rebuilds its capability index
	// entries. An inactive agent ends up with none.
	ReindexAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, offset, limit int) ([]common.Address, int, error)
	AllAgents(ctx context.Context) ([]common.Address, error)
	SearchByCapability(ctx context.Context, capability string) ([]common.Address, error)

	// AddFeedback appends fb and writes the target's new score and count.
	AddFeedback(ctx context.Context, fb *Feedback, target *Agent) error
	ListFeedback(ctx context.Context, agent common.Address, offset, limit int) ([]*Feedback, int, error)

	CreateInteraction(ctx context.Context, in *Interaction) error
	GetInteraction(ctx context.Context, id string) (*Interaction, error)
	// CompleteInteraction marks in completed and writes both participants.
	CompleteInteraction(ctx context.Context, in *Interaction, participants ...*Agent) error
	ListInteractions(ctx context.Context, agent common.Address, offset, limit int) ([]*Interaction, int, error)
}
