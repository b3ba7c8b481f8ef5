package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxverify/internal/directory"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/infrastructure/postgres"
)

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the local user directory",
	}

	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := userFromFlags(cmd, args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.NewUserDirectory(pool).Upsert(ctx, u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s).\n", u.ID, u.Role)
			return nil
		},
	}
	add.Flags().String("role", "", "patient, doctor, pharmacist or admin")
	add.Flags().String("name", "", "Display name")
	add.Flags().String("email", "", "Email address")
	add.Flags().String("mobile", "", "Mobile number")
	cmd.AddCommand(add)
	return cmd
}

func userFromFlags(cmd *cobra.Command, id string) (directory.UserRef, error) {
	roleName, _ := cmd.Flags().GetString("role")
	role, ok := prescription.ParseRole(roleName)
	if !ok {
		return directory.UserRef{}, fmt.Errorf("unknown role %q", roleName)
	}
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	mobile, _ := cmd.Flags().GetString("mobile")
	return directory.UserRef{ID: id, Role: role, Name: name, Email: email, Mobile: mobile}, nil
}
