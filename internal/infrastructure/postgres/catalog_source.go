package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-rxverify/internal/domain/catalog"
)

// CatalogSource loads active dangerous-drug entries in insertion order.
type CatalogSource struct {
	db Querier
}

// NewCatalogSource creates a catalog source over pool
func NewCatalogSource(pool *pgxpool.Pool) *CatalogSource {
	return &CatalogSource{db: pool}
}

func (s *CatalogSource) Load(ctx context.Context) ([]catalog.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, reason FROM dangerous_drugs
		WHERE active
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query dangerous drugs: %w", err)
	}
	defer rows.Close()

	var out []catalog.Entry
	for rows.Next() {
		var e catalog.Entry
		if err := rows.Scan(&e.Name, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan dangerous drug: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Seed inserts entries that are not yet present, keeping existing rows and
// their order. It returns how many rows were added.
func (s *CatalogSource) Seed(ctx context.Context, entries []catalog.Entry) (int, error) {
	added := 0
	for _, e := range catalog.New(entries).Entries() {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO dangerous_drugs (name, reason) VALUES ($1, $2)
			ON CONFLICT (lower(btrim(name))) DO NOTHING`, e.Name, e.Reason)
		if err != nil {
			return added, fmt.Errorf("seed %q: %w", e.Name, err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}
