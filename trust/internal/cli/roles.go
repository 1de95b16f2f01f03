package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssdp-platform/trust/trust/internal/middleware"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/rbac"
	"github.com/ssdp-platform/trust/trust/internal/service"
)

func newRolesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the role table",
	}
	cmd.AddCommand(newRolesListCommand(), newRolesCheckCommand())
	return cmd
}

// roleTable loads the configured role file, or the built-in table.
func roleTable(cmd *cobra.Command) (*rbac.RoleTable, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.RBAC.RolesFile == "" {
		return rbac.DefaultRoleTable(), nil
	}
	return rbac.LoadRoleTable(cfg.RBAC.RolesFile)
}

type roleView struct {
	Role        models.Role `json:"role"`
	SelfService bool        `json:"self_service"`
	Permissions []string    `json:"permissions"`
}

func newRolesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list [role]",
		Aliases: []string{"ls"},
		Short:   "List roles and their permissions",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, err := roleTable(cmd)
			if err != nil {
				return err
			}

			names := roles.Roles()
			if len(args) == 1 {
				role := models.Role(args[0])
				if !roles.Known(role) {
					return fmt.Errorf("unknown role %q", args[0])
				}
				names = []models.Role{role}
			}

			views := make([]roleView, 0, len(names))
			for _, r := range names {
				views = append(views, roleView{
					Role:        r,
					SelfService: roles.IsSelfService(r),
					Permissions: roles.Permissions(r),
				})
			}

			p := newPrinter(cmd)
			if outputFormat(cmd) == "json" {
				return p.JSON(views)
			}

			t := newTable("Role", "Self-service", "Permissions")
			for _, v := range views {
				selfService := ""
				if v.SelfService {
					selfService = "yes"
				}
				t.AddRow(string(v.Role), selfService, strings.Join(v.Permissions, ", "))
			}
			t.Render(p.out)
			return nil
		},
	}
}

func newRolesCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <role> <permission>",
		Short: "Check whether a role holds a permission",
		Long: `Check whether a role holds a permission string such as read:invoice.
Ownership is not consulted; self-service roles still need an ownership fact
at request time.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, err := roleTable(cmd)
			if err != nil {
				return err
			}
			guard := rbac.NewGuard(roles, nil)

			p := newPrinter(cmd)
			if guard.HasPermission(args[0], args[1]) {
				p.Success("%s has %s", args[0], args[1])
				return nil
			}
			p.Error("%s does not have %s", args[0], args[1])
			return fmt.Errorf("permission %s not granted to %s", args[1], args[0])
		},
	}
}

func newOwnershipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ownership",
		Short: "Manage ownership facts used by self-service roles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <user-id> <resource-type> <resource-id>",
		Short: "Record a user as owner of a resource",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType := models.ResourceType(args[1])
			if !resourceType.Valid() {
				return fmt.Errorf("unknown resource type %q", args[1])
			}
			p := newPrinter(cmd)

			return withRuntime(cmd, func(ctx context.Context, rt *service.Runtime) error {
				if err := rt.GrantOwnership(ctx, args[0], resourceType, args[2]); err != nil {
					return err
				}
				p.Success("%s now owns %s/%s", args[0], args[1], args[2])
				return nil
			})
		},
	})
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer tokens accepted by trustd",
	}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			roles, err := roleTable(cmd)
			if err != nil {
				return err
			}
			if !roles.Known(models.Role(role)) {
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			token, err := middleware.NewTokenVerifier(cfg.Auth.JWTSecret).Issue(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().String("user", "", "user id (subject)")
	issue.Flags().String("role", "", "role claim")
	issue.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("user")
	_ = issue.MarkFlagRequired("role")
	cmd.AddCommand(issue)
	return cmd
}
