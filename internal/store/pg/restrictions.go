package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"staffportal.org/internal/ids"
	"staffportal.org/internal/restriction"
)

// Restrictions implements restriction.Store on the workspace_restrictions
// table. It shares the workspace store's handle.
type Restrictions struct {
	db *sql.DB
}

var _ restriction.Store = (*Restrictions)(nil)

func (s *Store) Restrictions() *Restrictions { return &Restrictions{db: s.db} }

const restrictionColumns = `id, workspace_id, features, reason, duration, applied_by, applied_at, expires_at, is_active`

func scanRestriction(row interface{ Scan(...any) error }) (restriction.Restriction, error) {
	var (
		r        restriction.Restriction
		features []byte
		expires  sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.WorkspaceID, &features, &r.Reason, &r.Duration, &r.AppliedBy, &r.AppliedAt, &expires, &r.Active); err != nil {
		return restriction.Restriction{}, err
	}
	if err := json.Unmarshal(features, &r.Features); err != nil {
		return restriction.Restriction{}, fmt.Errorf("decode features: %w", err)
	}
	if expires.Valid {
		t := expires.Time.UTC()
		r.ExpiresAt = &t
	}
	r.AppliedAt = r.AppliedAt.UTC()
	return r, nil
}

func (s *Restrictions) Get(ctx context.Context, workspaceID string) (*restriction.Restriction, error) {
	r, err := scanRestriction(s.db.QueryRowContext(ctx,
		`select `+restrictionColumns+` from workspace_restrictions where workspace_id = $1`, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, restriction.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Merge upserts the slot. Null parameters keep the stored column, except a
// stored expiry at or before p.StaleBefore, which is dropped with its
// duration text when no new expiry is given.
func (s *Restrictions) Merge(ctx context.Context, workspaceID string, p restriction.Patch) (restriction.Restriction, error) {
	var features sql.NullString
	if p.Features != nil {
		list := *p.Features
		if list == nil {
			list = []restriction.Feature{}
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return restriction.Restriction{}, fmt.Errorf("encode features: %w", err)
		}
		features = sql.NullString{String: string(raw), Valid: true}
	}
	var appliedAt, expiresAt, staleBefore sql.NullTime
	if !p.StaleBefore.IsZero() {
		staleBefore = sql.NullTime{Time: p.StaleBefore, Valid: true}
	}
	if !p.AppliedAt.IsZero() {
		appliedAt = sql.NullTime{Time: p.AppliedAt, Valid: true}
	}
	if p.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *p.ExpiresAt, Valid: true}
	}
	var active sql.NullBool
	if p.Active != nil {
		active = sql.NullBool{Bool: *p.Active, Valid: true}
	}

	r, err := scanRestriction(s.db.QueryRowContext(ctx, `
		insert into workspace_restrictions (workspace_id, id, features, reason, duration, applied_by, applied_at, expires_at, is_active)
		values ($1, $2, coalesce($3::jsonb, '[]'::jsonb), coalesce($4, ''), coalesce($5, ''), coalesce($6, ''), coalesce($7, now()), $8, coalesce($9, true))
		on conflict (workspace_id) do update set
			features = coalesce($3::jsonb, workspace_restrictions.features),
			reason = coalesce($4, workspace_restrictions.reason),
			duration = case
				when $8::timestamptz is null and workspace_restrictions.expires_at <= $10::timestamptz
					then coalesce($5, '')
				else coalesce($5, workspace_restrictions.duration)
			end,
			applied_by = coalesce($6, workspace_restrictions.applied_by),
			applied_at = coalesce($7, workspace_restrictions.applied_at),
			expires_at = case
				when $8::timestamptz is null and workspace_restrictions.expires_at <= $10::timestamptz
					then null
				else coalesce($8, workspace_restrictions.expires_at)
			end,
			is_active = coalesce($9, workspace_restrictions.is_active)
		returning `+restrictionColumns,
		workspaceID, ids.Prefixed("rst"), features, nullString(p.Reason), nullString(p.Duration),
		nullIfEmpty(p.AppliedBy), appliedAt, expiresAt, active, staleBefore))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return restriction.Restriction{}, fmt.Errorf("%w: workspace %s", restriction.ErrNotFound, workspaceID)
		}
		return restriction.Restriction{}, err
	}
	return r, nil
}

func (s *Restrictions) Delete(ctx context.Context, workspaceID string) error {
	res, err := s.db.ExecContext(ctx, `delete from workspace_restrictions where workspace_id = $1`, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return restriction.ErrNotFound
	}
	return nil
}

func (s *Restrictions) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select workspace_id from workspace_restrictions
		where expires_at is not null and expires_at <= $1
		order by workspace_id
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
