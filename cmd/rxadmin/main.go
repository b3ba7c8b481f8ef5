// Package main provides rxadmin, the operator CLI for database migrations,
// Kafka topics, the dangerous-drug catalog and test tokens.
package main

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/infrastructure/postgres"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rxadmin",
		Short:        "Prescription verification service administration",
		SilenceUsage: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(topicsCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(usersCmd())
	root.AddCommand(tokenCmd())
	return root
}

// connect opens a pool using DATABASE_URL.
func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	pcfg := postgres.DefaultPoolConfig()
	pcfg.URL = cfg.DatabaseURL
	pcfg.MaxConns = 2
	pcfg.MinConns = 0
	return postgres.Connect(ctx, pcfg)
}
