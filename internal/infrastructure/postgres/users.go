package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-rxverify/internal/directory"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

// UserDirectory reads the users table maintained by the account service.
// Wrap it in directory.Cached before handing it to the engine.
type UserDirectory struct {
	db Querier
}

// NewUserDirectory creates a directory over pool
func NewUserDirectory(pool *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{db: pool}
}

// Find matches identifier against id, email (case-insensitive) or mobile.
func (d *UserDirectory) Find(ctx context.Context, identifier string) (directory.UserRef, error) {
	key := directory.NormalizeIdentifier(identifier)
	if key == "" {
		return directory.UserRef{}, prescription.ErrNotFound
	}
	u, err := scanUser(d.db.QueryRow(ctx, `
		SELECT id, role, name, COALESCE(email, ''), COALESCE(mobile, '')
		FROM users
		WHERE lower(id) = $1 OR lower(email) = $1 OR mobile = $1
		ORDER BY (lower(id) = $1) DESC
		LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.UserRef{}, prescription.ErrNotFound
	}
	if err != nil {
		return directory.UserRef{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// Doctors returns up to limit doctors ordered by id.
func (d *UserDirectory) Doctors(ctx context.Context, limit int) ([]directory.UserRef, error) {
	rows, err := d.db.Query(ctx, `
		SELECT id, role, name, COALESCE(email, ''), COALESCE(mobile, '')
		FROM users
		WHERE role = $1
		ORDER BY id
		LIMIT $2`, string(prescription.RoleDoctor), limit)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	defer rows.Close()

	var out []directory.UserRef
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan doctor: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Upsert writes u, replacing any row with the same id.
func (d *UserDirectory) Upsert(ctx context.Context, u directory.UserRef) error {
	_, err := d.db.Exec(ctx, `
		INSERT INTO users (id, role, name, email, mobile)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		ON CONFLICT (id) DO UPDATE
		SET role = EXCLUDED.role, name = EXCLUDED.name, email = EXCLUDED.email, mobile = EXCLUDED.mobile`,
		u.ID, string(u.Role), u.Name, u.Email, u.Mobile)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

func scanUser(row pgx.Row) (directory.UserRef, error) {
	var (
		u    directory.UserRef
		role string
	)
	if err := row.Scan(&u.ID, &role, &u.Name, &u.Email, &u.Mobile); err != nil {
		return directory.UserRef{}, err
	}
	r, ok := prescription.ParseRole(role)
	if !ok {
		return directory.UserRef{}, fmt.Errorf("user %s has unknown role %q", u.ID, role)
	}
	u.Role = r
	return u, nil
}
