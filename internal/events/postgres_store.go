package events

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO events (name, source, subject, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		string(event.Name), event.Source, event.Subject, data, event.CreatedAt,
	).Scan(&event.Seq)
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, name, source, subject, data, created_at
		FROM events
		WHERE seq > $1
		  AND ($2 = '' OR source = $2)
		  AND ($3 = '' OR subject = $3)
		ORDER BY seq
		LIMIT $4`,
		filter.After, filter.Source, filter.Subject, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var (
			name string
			data []byte
		)
		if err := rows.Scan(&e.Seq, &name, &e.Source, &e.Subject, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Name = Name(name)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, err
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
