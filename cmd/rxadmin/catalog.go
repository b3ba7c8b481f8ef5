package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxverify/internal/domain/catalog"
	"github.com/drfirst/go-rxverify/internal/infrastructure/postgres"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and load the dangerous-drug catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a catalog file and print its normalized entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readCatalog(args[0])
			if err != nil {
				return err
			}
			c := catalog.New(entries)
			out := cmd.OutOrStdout()
			for _, e := range c.Entries() {
				fmt.Fprintf(out, "%-30s %s\n", e.Name, e.Reason)
			}
			if dropped := len(entries) - c.Len(); dropped > 0 {
				fmt.Fprintf(out, "%d blank or duplicate entr(ies) ignored\n", dropped)
			}
			fmt.Fprintf(out, "%d entries\n", c.Len())
			return nil
		},
	})

	seed := &cobra.Command{
		Use:   "seed [file]",
		Short: "Insert catalog entries into the database, keeping existing ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := catalog.DefaultEntries()
			if len(args) == 1 {
				var err error
				if entries, err = readCatalog(args[0]); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			added, err := postgres.NewCatalogSource(pool).Seed(ctx, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d entr(ies).\n", added)
			return nil
		},
	}
	cmd.AddCommand(seed)
	return cmd
}

func readCatalog(path string) ([]catalog.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return catalog.ParseEntries(data)
}
