package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collabtex/collabtex/collab"
)

// PgStore backs the persisted record store, the membership directory and
// the audit log with postgres. See schema.sql for the tables.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, databaseUrl string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{
		pool: pool,
	}, nil
}

func (self *PgStore) Close() {
	self.pool.Close()
}

func (self *PgStore) Ping(ctx context.Context) error {
	return self.pool.Ping(ctx)
}

func (self *PgStore) GetRecord(ctx context.Context, key collab.DocKey) (*collab.PersistedRecord, error) {
	record := &collab.PersistedRecord{}
	err := self.pool.QueryRow(
		ctx,
		`SELECT state, state_vector, saved_at
		FROM document_states
		WHERE namespace = $1 AND project_id = $2 AND file_path = $3`,
		key.Namespace,
		key.ProjectId,
		key.FilePath,
	).Scan(&record.State, &record.StateVector, &record.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, collab.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *PgStore) PutRecord(
	ctx context.Context,
	key collab.DocKey,
	state []byte,
	stateVector []byte,
	savedAt time.Time,
) error {
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO document_states (namespace, project_id, file_path, state, state_vector, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, project_id, file_path)
		DO UPDATE SET state = $4, state_vector = $5, saved_at = $6`,
		key.Namespace,
		key.ProjectId,
		key.FilePath,
		state,
		stateVector,
		savedAt,
	)
	return err
}

func (self *PgStore) Membership(ctx context.Context, projectId string, userId string) (collab.Role, error) {
	var isOwner bool
	err := self.pool.QueryRow(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM projects WHERE project_id = $1 AND owner_id = $2
		)`,
		projectId,
		userId,
	).Scan(&isOwner)
	if err != nil {
		return "", err
	}
	if isOwner {
		return collab.RoleOwner, nil
	}

	var role string
	err = self.pool.QueryRow(
		ctx,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectId,
		userId,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", collab.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	switch collab.Role(role) {
	case collab.RoleEditor, collab.RoleViewer:
		return collab.Role(role), nil
	default:
		return "", fmt.Errorf("unknown role %q for user %s on project %s", role, userId, projectId)
	}
}

func (self *PgStore) Connected(ctx context.Context, key collab.DocKey, userId string, at time.Time) error {
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO collab_audit (audit_id, namespace, project_id, file_path, user_id, connected_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(),
		key.Namespace,
		key.ProjectId,
		key.FilePath,
		userId,
		at,
	)
	return err
}

func (self *PgStore) Disconnected(ctx context.Context, key collab.DocKey, userId string, at time.Time) error {
	_, err := self.pool.Exec(
		ctx,
		`UPDATE collab_audit SET disconnected_at = $5
		WHERE audit_id = (
			SELECT audit_id FROM collab_audit
			WHERE namespace = $1 AND project_id = $2 AND file_path = $3
				AND user_id = $4 AND disconnected_at IS NULL
			ORDER BY connected_at DESC
			LIMIT 1
		)`,
		key.Namespace,
		key.ProjectId,
		key.FilePath,
		userId,
		at,
	)
	return err
}
