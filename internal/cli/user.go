// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

func newCreateUserCmd() *cobra.Command {
	var (
		noInput bool
		admin   bool
		super   bool
	)
	cmd := &cobra.Command{
		Use:   "create-user <username>",
		Short: "Create an API user and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			ok, err := confirm(fmt.Sprintf("Create user %s?", username), noInput)
			if err != nil || !ok {
				return err
			}
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				user := &models.User{
					Username:    username,
					IsActive:    true,
					IsAdmin:     admin || super,
					IsSuperuser: super,
				}
				if err := app.DB.CreateUser(ctx, user); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User %s created with API key:\n%s\n", user.Username, user.APIKey)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not prompt for confirmation")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().BoolVar(&super, "super", false, "grant the superuser role (implies --admin)")
	return cmd
}
