package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. Registration order is the
// agents.seq column; the capability index is the agent_capabilities table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// -----------------------------------------------------------------------------
// Agent Operations
// -----------------------------------------------------------------------------

func (p *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// An active row for the address makes the upsert match nothing.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO agents (address, name, capabilities, metadata, trust_score,
			registered_at, is_active, feedback_count, successful_transactions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0)
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name,
			capabilities = EXCLUDED.capabilities,
			metadata = EXCLUDED.metadata,
			trust_score = EXCLUDED.trust_score,
			registered_at = EXCLUDED.registered_at,
			is_active = EXCLUDED.is_active,
			feedback_count = 0,
			successful_transactions = 0
		WHERE agents.is_active = FALSE
	`, hexAddr(agent.Address), agent.Name, pq.Array(agent.Capabilities), agent.Metadata,
		agent.TrustScore, agent.RegisteredAt, agent.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAlreadyRegistered
	}

	if err := reindex(ctx, tx, agent); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetAgent(ctx context.Context, addr common.Address) (*Agent, error) {
	var (
		agent   Agent
		address string
		caps    pq.StringArray
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT address, name, capabilities, metadata, trust_score, registered_at,
			is_active, feedback_count, successful_transactions
		FROM agents WHERE address = $1
	`, hexAddr(addr)).Scan(&address, &agent.Name, &caps, &agent.Metadata, &agent.TrustScore,
		&agent.RegisteredAt, &agent.IsActive, &agent.FeedbackCount, &agent.SuccessfulTransactions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	agent.Address = common.HexToAddress(address)
	agent.Capabilities = []string(caps)
	return &agent, nil
}

func (p *PostgresStore) UpdateAgents(ctx context.Context, agents ...*Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range agents {
		if err := updateAgent(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ReindexAgent(ctx context.Context, agent *Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateAgent(ctx, tx, agent); err != nil {
		return err
	}
	if err := reindex(ctx, tx, agent); err != nil {
		return err
	}
	return tx.Commit()
}

func updateAgent(ctx context.Context, db execer, a *Agent) error {
	result, err := db.ExecContext(ctx, `
		UPDATE agents SET
			name = $2,
			capabilities = $3,
			metadata = $4,
			trust_score = $5,
			is_active = $6,
			feedback_count = $7,
			successful_transactions = $8
		WHERE address = $1
	`, hexAddr(a.Address), a.Name, pq.Array(a.Capabilities), a.Metadata, a.TrustScore,
		a.IsActive, a.FeedbackCount, a.SuccessfulTransactions)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// reindex replaces the agent's index rows. ON CONFLICT drops repeated
// capabilities the same way the in-memory duplicate set does.
func reindex(ctx context.Context, db execer, a *Agent) error {
	if _, err := db.ExecContext(ctx,
		`DELETE FROM agent_capabilities WHERE agent_address = $1`, hexAddr(a.Address)); err != nil {
		return fmt.Errorf("failed to clear capability index: %w", err)
	}
	if !a.IsActive {
		return nil
	}
	for _, c := range a.Capabilities {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO agent_capabilities (capability, agent_address)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, c, hexAddr(a.Address)); err != nil {
			return fmt.Errorf("failed to index capability: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) ListAgents(ctx context.Context, offset, limit int) ([]common.Address, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count agents: %w", err)
	}
	if offset >= total {
		return []common.Address{}, total, nil
	}
	addrs, err := p.queryAddresses(ctx,
		`SELECT address FROM agents ORDER BY seq LIMIT $1 OFFSET $2`, limit, offset)
	return addrs, total, err
}

func (p *PostgresStore) AllAgents(ctx context.Context) ([]common.Address, error) {
	return p.queryAddresses(ctx, `SELECT address FROM agents ORDER BY seq`)
}

func (p *PostgresStore) SearchByCapability(ctx context.Context, capability string) ([]common.Address, error) {
	return p.queryAddresses(ctx, `
		SELECT agent_address FROM agent_capabilities
		WHERE capability = $1
		ORDER BY seq
	`, capability)
}

func (p *PostgresStore) queryAddresses(ctx context.Context, query string, args ...any) ([]common.Address, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []common.Address{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Feedback
// -----------------------------------------------------------------------------

func (p *PostgresStore) AddFeedback(ctx context.Context, fb *Feedback, target *Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO feedback (id, from_address, to_address, rating, comment, payment_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, fb.ID, hexAddr(fb.From), hexAddr(fb.To), fb.Rating, fb.Comment, fb.PaymentRef.Hex(), fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	if err := updateAgent(ctx, tx, target); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListFeedback(ctx context.Context, agent common.Address, offset, limit int) ([]*Feedback, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE to_address = $1`, hexAddr(agent)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count feedback: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, from_address, to_address, rating, comment, payment_ref, created_at
		FROM feedback WHERE to_address = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3
	`, hexAddr(agent), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Feedback
	for rows.Next() {
		var fb Feedback
		var from, to, ref string
		if err := rows.Scan(&fb.ID, &from, &to, &fb.Rating, &fb.Comment, &ref, &fb.CreatedAt); err != nil {
			return nil, 0, err
		}
		fb.From = common.HexToAddress(from)
		fb.To = common.HexToAddress(to)
		fb.PaymentRef = common.HexToHash(ref)
		out = append(out, &fb)
	}
	return out, total, rows.Err()
}

// -----------------------------------------------------------------------------
// Interactions
// -----------------------------------------------------------------------------

func (p *PostgresStore) CreateInteraction(ctx context.Context, in *Interaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO interactions (id, from_address, to_address, capability, created_at, completed)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`, in.ID, hexAddr(in.From), hexAddr(in.To), in.Capability, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create interaction: %w", err)
	}
	return nil
}

const interactionColumns = `id, from_address, to_address, capability, created_at, completed, completed_at`

func (p *PostgresStore) GetInteraction(ctx context.Context, id string) (*Interaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE id = $1`, id)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInteractionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return in, nil
}

func (p *PostgresStore) CompleteInteraction(ctx context.Context, in *Interaction, participants ...*Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE interactions SET completed = TRUE, completed_at = $2
		WHERE id = $1 AND completed = FALSE
	`, in.ID, in.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to complete interaction: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAlreadyCompleted
	}
	for _, a := range participants {
		if err := updateAgent(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListInteractions(ctx context.Context, agent common.Address, offset, limit int) ([]*Interaction, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interactions WHERE from_address = $1 OR to_address = $1
	`, hexAddr(agent)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count interactions: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE from_address = $1 OR to_address = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3
	`, hexAddr(agent), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, in)
	}
	return out, total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(sc scanner) (*Interaction, error) {
	var (
		in          Interaction
		from, to    string
		completedAt sql.NullTime
	)
	if err := sc.Scan(&in.ID, &from, &to, &in.Capability, &in.CreatedAt, &in.Completed, &completedAt); err != nil {
		return nil, err
	}
	in.From = common.HexToAddress(from)
	in.To = common.HexToAddress(to)
	if completedAt.Valid {
		t := completedAt.Time
		in.CompletedAt = &t
	}
	return &in, nil
}
