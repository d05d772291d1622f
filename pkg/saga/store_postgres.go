package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/goclaw/fulfilment/pkg/storage"
)

// PostgresSagaStore keeps saga projections in the saga_instances table. The
// state and terminal columns mirror the JSON document so listing and
// recovery are answered from indexes.
type PostgresSagaStore struct {
	db *sqlx.DB
}

func NewPostgresSagaStore(db *sqlx.DB) (*PostgresSagaStore, error) {
	if db == nil {
		return nil, errors.New("postgres db cannot be nil")
	}
	return &PostgresSagaStore{db: db}, nil
}

const upsertSagaSQL = `
INSERT INTO saga_instances (id, state, terminal, created_at, updated_at, data)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	state      = EXCLUDED.state,
	terminal   = EXCLUDED.terminal,
	updated_at = EXCLUDED.updated_at,
	data       = EXCLUDED.data`

func (s *PostgresSagaStore) Save(ctx context.Context, instance *SagaInstance) error {
	if instance == nil {
		return errors.New("saga instance cannot be nil")
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal", Key: instance.ID, Cause: err}
	}

	_, err = s.db.ExecContext(ctx, upsertSagaSQL,
		instance.ID,
		instance.State.String(),
		instance.State.IsTerminal(),
		instance.CreatedAt,
		instance.UpdatedAt,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("save saga %s: %w", instance.ID, err)
	}
	return nil
}

func (s *PostgresSagaStore) Get(ctx context.Context, sagaID string) (*SagaInstance, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM saga_instances WHERE id = $1`, sagaID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrSagaNotFound
	case err != nil:
		return nil, fmt.Errorf("get saga %s: %w", sagaID, err)
	}
	return unmarshalInstance(sagaID, data)
}

// List returns matching instances oldest first together with the number of
// matches before paging.
func (s *PostgresSagaStore) List(ctx context.Context, filter SagaListFilter) ([]*SagaInstance, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		args = append(args, filter.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.NonTerminal {
		where = append(where, "NOT terminal")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM saga_instances`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count sagas: %w", err)
	}

	query := `SELECT id, data FROM saga_instances` + clause + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []struct {
		ID   string `db:"id"`
		Data []byte `db:"data"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sagas: %w", err)
	}

	page := make([]*SagaInstance, 0, len(rows))
	for _, row := range rows {
		inst, err := unmarshalInstance(row.ID, row.Data)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, inst)
	}
	return page, total, nil
}

func (s *PostgresSagaStore) Delete(ctx context.Context, sagaID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saga_instances WHERE id = $1`, sagaID)
	if err != nil {
		return fmt.Errorf("delete saga %s: %w", sagaID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete saga %s: %w", sagaID, err)
	}
	if n == 0 {
		return ErrSagaNotFound
	}
	return nil
}

func unmarshalInstance(id string, data []byte) (*SagaInstance, error) {
	var inst SagaInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Key: id, Cause: err}
	}
	return &inst, nil
}
