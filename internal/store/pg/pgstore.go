package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"staffportal.org/internal/ids"
	"staffportal.org/internal/workspace"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ workspace.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the connection; it backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const selectWorkspace = `
	select w.id, w.name, w.group_id, w.owner_id, w.is_deleted, w.created_at,
		coalesce((select json_agg(m.principal_id order by m.added_at, m.principal_id)
			from workspace_members m where m.workspace_id = w.id), '[]'),
		coalesce((select json_agg(r.rank_id order by r.rank_id)
			from workspace_allowed_ranks r where r.workspace_id = w.id), '[]')
	from workspaces w`

func scanWorkspace(row interface{ Scan(...any) error }) (workspace.Workspace, error) {
	var (
		ws             workspace.Workspace
		members, ranks []byte
	)
	if err := row.Scan(&ws.ID, &ws.Name, &ws.GroupID, &ws.OwnerID, &ws.IsDeleted, &ws.CreatedAt, &members, &ranks); err != nil {
		return workspace.Workspace{}, err
	}
	if err := json.Unmarshal(members, &ws.Members); err != nil {
		return workspace.Workspace{}, fmt.Errorf("decode members: %w", err)
	}
	if err := json.Unmarshal(ranks, &ws.AllowedRanks); err != nil {
		return workspace.Workspace{}, fmt.Errorf("decode allowed ranks: %w", err)
	}
	return ws, nil
}

func (s *Store) queryWorkspaces(ctx context.Context, query string, args ...any) ([]workspace.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Find(ctx context.Context, id string) (workspace.Workspace, error) {
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, selectWorkspace+` where w.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return workspace.Workspace{}, workspace.ErrNotFound
	}
	if err != nil {
		return workspace.Workspace{}, err
	}
	return ws, nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]workspace.Workspace, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.queryWorkspaces(ctx, selectWorkspace+`
		order by w.created_at desc, w.id desc
		limit $1`, limit)
}

func (s *Store) ListForPrincipal(ctx context.Context, principalID string) ([]workspace.Workspace, error) {
	return s.queryWorkspaces(ctx, selectWorkspace+`
		where w.owner_id = $1
			or exists (select 1 from workspace_members m where m.workspace_id = w.id and m.principal_id = $1)
		order by w.created_at desc, w.id desc`, principalID)
}

// Grant adds the principal to the workspace and the workspace to the
// principal's list in one transaction. Both inserts ignore existing rows.
func (s *Store) Grant(ctx context.Context, workspaceID, principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return workspace.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into workspace_members (workspace_id, principal_id)
		values ($1, $2)
		on conflict do nothing
	`, workspaceID, principalID); err != nil {
		return mapWorkspaceErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into principal_workspaces (principal_id, workspace_id)
		values ($1, $2)
		on conflict do nothing
	`, principalID, workspaceID); err != nil {
		return mapWorkspaceErr(err)
	}
	return tx.Commit()
}

// Create inserts a workspace with its members and allowed ranks.
func (s *Store) Create(ctx context.Context, ws workspace.Workspace) (workspace.Workspace, error) {
	if strings.TrimSpace(ws.OwnerID) == "" {
		return workspace.Workspace{}, workspace.ErrInvalidInput
	}
	if ws.ID == "" {
		ws.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workspace.Workspace{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		insert into workspaces (id, name, group_id, owner_id, is_deleted)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, ws.ID, ws.Name, ws.GroupID, ws.OwnerID, ws.IsDeleted).Scan(&ws.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return workspace.Workspace{}, fmt.Errorf("%w: workspace %s exists", workspace.ErrInvalidInput, ws.ID)
		}
		return workspace.Workspace{}, err
	}
	for _, m := range ws.Members {
		if _, err := tx.ExecContext(ctx, `
			insert into workspace_members (workspace_id, principal_id) values ($1, $2)
			on conflict do nothing
		`, ws.ID, m); err != nil {
			return workspace.Workspace{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into principal_workspaces (principal_id, workspace_id) values ($1, $2)
			on conflict do nothing
		`, m, ws.ID); err != nil {
			return workspace.Workspace{}, err
		}
	}
	for _, r := range ws.AllowedRanks {
		if _, err := tx.ExecContext(ctx, `
			insert into workspace_allowed_ranks (workspace_id, rank_id) values ($1, $2)
			on conflict do nothing
		`, ws.ID, r); err != nil {
			return workspace.Workspace{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return workspace.Workspace{}, err
	}
	return ws, nil
}

// MarkDeleted soft-deletes a workspace.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update workspaces set is_deleted = true where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workspace.ErrNotFound
	}
	return nil
}

func mapWorkspaceErr(err error) error {
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return workspace.ErrNotFound
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
