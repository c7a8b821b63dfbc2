package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aftflow/internal/app"
	"aftflow/internal/config"
	"aftflow/internal/db"
	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/engine/auth"
	"aftflow/internal/idempotency"
	"aftflow/internal/migrate"
	"aftflow/internal/repo"
	"aftflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "aft",
	Short: "Assured File Transfer workflow CLI",
	Long: `aft moves Assured File Transfer requests from draft to disposition.
Core concepts:
- Request: one planned transfer of files across a classification boundary (low-to-low,
  low-to-high, high-to-low, high-to-high). It walks draft -> submitted -> approvals ->
  pending_dta -> transfer signatures -> completed/disposed; rejected and cancelled are exits.
- Approvals: high-to-low needs DAO, ISSM approver and CPSO signatures; every other type
  skips the DAO. Each slot is signed once.
- Transfer: the DTA signs first, then an SME (technical validation) or a second DTA
  (transfer completion) countersigns. The Section IV form is the other way through.
- Roles: an actor holds granted roles and picks one per command with --role.
- Audit: every change appends a hash-chained entry; 'aft audit verify' checks the chain.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "active role (defaults to the actor's primary role)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage aft.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default aft.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cfgCmd.AddCommand(initCmd, showCmd)
	return cfgCmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				v, _, err := migrate.Version(r.DB)
				if err != nil {
					return err
				}
				fmt.Printf("schema at version %d\n", v)
				return nil
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version without migrating",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			v, dirty, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": v, "dirty": dirty})
			}
			fmt.Printf("version=%d dirty=%t\n", v, dirty)
			return nil
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, bootstrapAdmin string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger := config.SetupLogger(cfg, os.Stderr)
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg, logger)
			if bootstrapAdmin != "" {
				a, err := app.EnsureAdmin(cmd.Context(), e.Repo, bootstrapAdmin, "", e.Now())
				if err != nil {
					return err
				}
				logger.Info("admin ready", "actor_id", a.ID)
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				TokenTTL:               cfg.TokenTTL(),
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("AFT_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    basePath,
				Auth:        authCfg,
				DevLogin:    devLogin,
				Idempotency: idempotency.New(cfg.Idempotency.Size, cfg.IdempotencyTTL()),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()
			logger.Info("serving AFT API", "addr", addr, "base_path", basePath, "dev_login", devLogin)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path, then /v1)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().StringVar(&bootstrapAdmin, "bootstrap-admin", "", "create or promote this actor to admin before serving")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger := config.SetupLogger(cfg, os.Stderr)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, logger))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// currentActor resolves --actor-id and --role against the actors table.
func currentActor(ctx context.Context, e engine.Engine) (auth.Actor, error) {
	actorID := viper.GetString("actor-id")
	role := viper.GetString("role")
	if role != "" && !domain.ValidRole(role) {
		return auth.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	a, err := auth.Service{DB: e.DB}.Resolve(ctx, actorID, domain.Role(role))
	if errors.Is(err, auth.ErrUnknownActor) {
		return auth.Actor{}, fmt.Errorf("actor %q not found (create it with 'aft actor add')", actorID)
	}
	return a, err
}

func requireAdminActor(ctx context.Context, e engine.Engine) error {
	a, err := currentActor(ctx, e)
	if err != nil {
		return err
	}
	if !a.IsAdmin() {
		return auth.ForbiddenError{Operation: "administer", Role: a.EffectiveRole()}
	}
	return nil
}

// requestRef accepts a numeric id or a request number such as AFT-20260302-1A2B3C4D.
func requestRef(ctx context.Context, e engine.Engine, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	req, err := e.Repo.GetRequestByNumber(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", ref, err)
	}
	return req.ID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}
