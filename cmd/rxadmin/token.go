package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxverify/internal/auth"
	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with access tokens",
	}

	issue := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Sign an access token with JWT_SIGNING_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleName, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			role, ok := prescription.ParseRole(roleName)
			if !ok {
				return fmt.Errorf("unknown role %q", roleName)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireSigningKey(); err != nil {
				return err
			}
			token, err := auth.NewVerifier([]byte(cfg.JWTSigningKey), cfg.JWTIssuer).
				Issue(prescription.ActorRef{ID: args[0], Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().String("role", "doctor", "patient, doctor, pharmacist or admin")
	issue.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.AddCommand(issue)
	return cmd
}
