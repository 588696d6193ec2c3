package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zari-lab/labdata/app"
)

func createAdminCommand(rt *runtime) *cobra.Command {
	var email, username, password string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Ensure the default ultra superuser exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			bc := rt.cfg.Bootstrap
			if email != "" {
				bc.Email = email
			}
			if username != "" {
				bc.Username = username
			}
			if password != "" {
				bc.Password = password
			}

			deps, err := app.NewDependencies(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize dependencies: %w", err)
			}
			defer deps.Close(context.Background())

			created, err := deps.Accounts.BootstrapAdmin(cmd.Context(), bc)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "created ultra superuser %s <%s>\n", bc.Username, bc.Email)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "ultra superuser %s already exists\n", bc.Email)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "admin email (default BOOTSTRAP_ADMIN_EMAIL)")
	cmd.Flags().StringVar(&username, "username", "", "admin username (default BOOTSTRAP_ADMIN_USERNAME)")
	cmd.Flags().StringVar(&password, "password", "", "admin password (default BOOTSTRAP_ADMIN_PASSWORD)")
	return cmd
}
