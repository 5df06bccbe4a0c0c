package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"klawfield/internal/config"
	"klawfield/internal/db"
	"klawfield/internal/domain"
	"klawfield/internal/engine"
	"klawfield/internal/migrate"
	"klawfield/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "klaw",
	Short: "Klawfield CLI",
	Long: `Klawfield runs the story submission and moderation service.
Users post one story per UTC day; admins assign verification tasks, owners
submit proof links, and admins approve or reject. Every decision lands in an
append-only event log.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KLAWFIELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(storiesCmd())
	rootCmd.AddCommand(dbCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("jwt secret is required: set auth.jwt_secret or KLAWFIELD_JWT_SECRET")
			}
			if raddr := viper.GetString("redis-addr"); raddr != "" {
				cfg.Redis.Addr = raddr
			}
			var rdb *redis.Client
			if cfg.Redis.Addr != "" {
				rdb = redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer rdb.Close()
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: cfg.Auth.JWTSecret,
					TokenTTL:  cfg.TokenTTL(),
				},
				Redis: rdb,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Klawfield API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default klawfield.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			c.Auth.JWTSecret = "" // never print secrets
			return printJSON(c)
		},
	})
	return cfg
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{Use: "admin", Short: "Administrative operations"}
	admin.AddCommand(adminBootstrapCmd())
	return admin
}

func adminBootstrapCmd() *cobra.Command {
	var email, password, xUsername string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create or update the admin account",
		Long: `Creates the admin account if it does not exist, otherwise resets its
password, and pins the profile's X username. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				identity, created, err := e.Bootstrap(ctx, email, password, xUsername)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("created %s (%s)\n", identity.Email, identity.ID)
				} else {
					fmt.Printf("updated %s (%s)\n", identity.Email, identity.ID)
				}
				if !e.Config.IsAdminEmail(identity.Email) {
					fmt.Printf("note: add %s to auth.admin_emails in klawfield.yml to grant admin access\n", identity.Email)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	cmd.Flags().StringVar(&xUsername, "x-username", "lobstar", "admin profile X username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func storiesCmd() *cobra.Command {
	stories := &cobra.Command{Use: "stories", Short: "Inspect the moderation queue"}
	stories.AddCommand(storiesListCmd())
	stories.AddCommand(storiesShowCmd())
	return stories
}

func storiesListCmd() *cobra.Command {
	var q, status string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListStories(ctx, q, status, page, pageSize)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "X Username", "Status", "Task State", "Submitted"})
				for _, item := range list.Items {
					state := ""
					if item.Task != nil {
						state = string(item.Task.State)
					}
					tw.AppendRow(table.Row{item.Story.ID, item.Story.XUsername, item.Story.Status, state, item.Story.SubmittedAt})
				}
				tw.Render()
				fmt.Printf("page %d/%d items, total %d (normal %d, pending %d, approved %d, rejected %d)\n",
					list.Page, len(list.Items), list.Total,
					list.Counts.Normal, list.Counts.Pending, list.Counts.Approved, list.Counts.Rejected)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q, "q", "", "search by X username")
	cmd.Flags().StringVar(&status, "status", "all", "status filter (all, normal, pending, approved, rejected)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "page size (max 50)")
	return cmd
}

func storiesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <story-id>",
		Short: "Show one story with its task and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.GetStory(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := e.StoryEvents(ctx, args[0], 50)
				if err != nil {
					return err
				}
				out := struct {
					Story  domain.Story       `json:"story"`
					Task   *domain.StoryTask  `json:"task"`
					Events []domain.TaskEvent `json:"events"`
				}{Story: item.Story, Task: item.Task, Events: events}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func dbCmd() *cobra.Command {
	dbc := &cobra.Command{Use: "db", Short: "Database utilities"}
	dbc.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Probe the schema and report missing relations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			report := migrate.Health(conn)
			if viper.GetBool("json") {
				return printJSON(report)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Target", "Kind", "OK", "Message"})
			for _, c := range report.Checks {
				tw.AppendRow(table.Row{c.Target, c.Kind, c.OK, c.Message})
			}
			tw.Render()
			if report.Recommendation != "" {
				fmt.Println(report.Recommendation)
			}
			return nil
		},
	})
	return dbc
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
