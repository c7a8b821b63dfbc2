package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aftflow/internal/app"
	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/repo"
)

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage actors and granted roles"}
	actor.AddCommand(actorBootstrapCmd())
	actor.AddCommand(actorAddCmd())
	actor.AddCommand(actorListCmd())
	actor.AddCommand(actorRoleCmd("grant", "Grant a role to an actor", func(ctx context.Context, r repo.Repo, id string, role domain.Role) error {
		return r.GrantRole(ctx, nil, id, role)
	}))
	actor.AddCommand(actorRoleCmd("revoke", "Revoke a granted role (the primary role stays)", func(ctx context.Context, r repo.Repo, id string, role domain.Role) error {
		return r.RevokeRole(ctx, nil, id, role)
	}))
	return actor
}

func actorBootstrapCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create --actor-id as the first admin, or grant it admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := app.EnsureAdmin(ctx, r, viper.GetString("actor-id"), name, time.Now())
				if err != nil {
					return err
				}
				return printActors([]domain.Actor{a})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func actorAddCmd() *cobra.Command {
	var id, name, email, primary string
	var roles []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an actor (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			for _, r := range append([]string{primary}, roles...) {
				if !domain.ValidRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireAdminActor(ctx, e); err != nil {
					return err
				}
				a := domain.Actor{
					ID:          id,
					DisplayName: name,
					Email:       email,
					PrimaryRole: domain.Role(primary),
					CreatedAt:   e.Now().UTC().Format(time.RFC3339),
				}
				if a.DisplayName == "" {
					a.DisplayName = id
				}
				for _, r := range roles {
					a.Roles = append(a.Roles, domain.Role(r))
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				created, err := e.Repo.GetActor(ctx, id)
				if err != nil {
					return err
				}
				return printActors([]domain.Actor{created})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&primary, "primary-role", string(domain.RoleRequestor), "primary role")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "additional granted roles")
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actors, err := r.ListActors(ctx)
				if err != nil {
					return err
				}
				return printActors(actors)
			})
		},
	}
}

func actorRoleCmd(use, short string, apply func(context.Context, repo.Repo, string, domain.Role) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <actor-id> <role>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(args[1]) {
				return fmt.Errorf("unknown role %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireAdminActor(ctx, e); err != nil {
					return err
				}
				if _, err := e.Repo.GetActor(ctx, args[0]); err != nil {
					return fmt.Errorf("actor %s: %w", args[0], err)
				}
				if err := apply(ctx, e.Repo, args[0], domain.Role(args[1])); err != nil {
					return err
				}
				a, err := e.Repo.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printActors([]domain.Actor{a})
			})
		},
	}
}

func printActors(actors []domain.Actor) error {
	if viper.GetBool("json") {
		return printJSON(actors)
	}
	tw := newTable(table.Row{"ID", "Name", "Primary", "Roles", "Email"})
	for _, a := range actors {
		roles := make([]string, 0, len(a.Roles))
		for _, r := range a.Roles {
			roles = append(roles, string(r))
		}
		tw.AppendRow(table.Row{a.ID, a.DisplayName, a.PrimaryRole, strings.Join(roles, ","), a.Email})
	}
	tw.Render()
	return nil
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name, owner string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				target := a.ID
				if owner != "" && owner != a.ID {
					if !a.IsAdmin() {
						return fmt.Errorf("only admins can issue keys for other actors")
					}
					if _, err := e.Repo.GetActor(ctx, owner); err != nil {
						return fmt.Errorf("actor %s: %w", owner, err)
					}
					target = owner
				}
				key, plain, err := e.Repo.IssueAPIKey(ctx, target, name, e.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringVar(&owner, "for", "", "issue for another actor (admin only)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				filter := a.ID
				if a.IsAdmin() {
					filter = ""
				}
				items, err := e.Repo.ListAPIKeys(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				if !a.IsAdmin() {
					owned, err := e.Repo.ListAPIKeys(ctx, a.ID)
					if err != nil {
						return err
					}
					found := false
					for _, k := range owned {
						found = found || k.ID == args[0]
					}
					if !found {
						return fmt.Errorf("api key %s: %w", args[0], repo.ErrNotFound)
					}
				}
				if err := e.Repo.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}
