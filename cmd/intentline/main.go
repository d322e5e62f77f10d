package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"intentline/internal/app"
	"intentline/internal/config"
	"intentline/internal/db"
	"intentline/internal/domain"
	"intentline/internal/index"
	"intentline/internal/migrate"
	"intentline/internal/pending"
	"intentline/internal/repo"
	"intentline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "intentline",
	Short: "Intentline runtime CLI",
	Long: `Intentline executes typed intents and tracks the artifacts they produce.
Core concepts:
- Intent: a typed request (intent_type, tenant_id, session_id, parameters) validated against its realm schema.
- Execution: one run of an intent; pending -> running -> completed/failed/cancelled, with an ordered event log.
- Artifact: an immutable output with lineage (parent_artifacts) and a lifecycle PENDING -> READY -> ACTIVE -> ARCHIVED, TERMINATED from anywhere.
- Pending intent: a follow-up staged against an artifact, resumed when the matching intent runs.
- Idempotency: identical intents share one live execution; windowed intents dedupe for a fixed period.
- Workspace: a directory holding intentline.yml, .env and the .intentline database and blobs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := app.LoadEnv(workspace); err != nil {
			return err
		}
		slog.SetDefault(newLogger(cmd.Name() == "serve"))
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
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INTENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/intentline.yml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(executionsCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger(jsonOutput bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runtime and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			if err := rt.Start(ctx); err != nil {
				return err
			}
			cfg := rt.Config
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			auth := server.AuthConfig{
				Enabled:   cfg.Server.AuthEnabled(),
				JWTSecret: cfg.Server.JWTSecret,
				Keys:      &repo.Repo{DB: rt.DB},
				Logger:    slog.Default(),
			}
			if auth.Enabled && auth.JWTSecret == "" {
				slog.Warn("auth enabled without jwt_secret; only API keys are accepted")
			}
			handler, err := server.New(server.Config{
				Engine:    rt.Engine,
				Artifacts: rt.Artifacts,
				Pending:   rt.Pending,
				Index:     rt.Index,
				BasePath:  basePath,
				Auth:      auth,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, rt.DB, cfg.Webhooks, slog.Default())

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			slog.Info("serving", "addr", addr, "base_path", basePath, "auth", auth.Enabled, "webhooks", len(cfg.Webhooks))
			fmt.Printf("Serving Intentline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func submitCmd() *cobra.Command {
	var session, paramsJSON string
	var params, meta []string
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit <intent-type>",
		Short: "Submit an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := parseParams(paramsJSON, params)
			if err != nil {
				return err
			}
			metadata, err := parseParams("", meta)
			if err != nil {
				return err
			}
			return withStartedRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sub, err := rt.Engine.Submit(ctx, domain.Intent{
					IntentType: args[0],
					TenantID:   viper.GetString("tenant"),
					SessionID:  session,
					Parameters: parameters,
					Metadata:   metadata,
				})
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(sub)
				}
				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				st, err := rt.Engine.Await(waitCtx, sub.ExecutionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "cli", "session id")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "parameters as a JSON object")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter key=value (value parsed as JSON when possible)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the execution to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "maximum time to wait")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution with its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("%s %s [%s]\n", st.ExecutionID, st.IntentType, st.Status)
				if st.Error != nil {
					fmt.Printf("error: %s %s\n", st.Error.Code, st.Error.Message)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Timestamp"})
				for _, evt := range st.Events {
					tw.AppendRow(table.Row{evt.Seq, evt.Type, evt.TS})
				}
				tw.Render()
				if len(st.Artifacts) > 0 {
					at := table.NewWriter()
					at.SetOutputMirror(os.Stdout)
					at.AppendHeader(table.Row{"Name", "Artifact", "Type", "State"})
					for name, ref := range st.Artifacts {
						at.AppendRow(table.Row{name, ref.ArtifactID, ref.ArtifactType, ref.LifecycleState})
					}
					at.SortBy([]table.SortBy{{Name: "Name"}})
					at.Render()
				}
				return nil
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				exec, err := rt.Engine.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
}

func executionsCmd() *cobra.Command {
	ex := &cobra.Command{Use: "executions", Short: "Inspect executions"}
	ex.AddCommand(executionsListCmd())
	return ex
}

func executionsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.List(ctx, viper.GetString("tenant"), domain.ExecutionStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Intent", "Status", "Session", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.IntentType, e.Status, e.SessionID, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func artifactsCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifacts", Short: "Browse the artifact registry"}
	art.AddCommand(artifactsListCmd())
	art.AddCommand(artifactsShowCmd())
	art.AddCommand(artifactsLineageCmd())
	return art
}

func artifactsListCmd() *cobra.Command {
	var q index.Query
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts from the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Index.Rebuild(ctx); err != nil {
					return err
				}
				q.TenantID = viper.GetString("tenant")
				q.LifecycleState = domain.LifecycleState(strings.ToUpper(state))
				page, err := rt.Index.List(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Updated"})
				for _, a := range page.Items {
					tw.AppendRow(table.Row{a.ID, a.ArtifactType, a.LifecycleState, a.UpdatedAt})
				}
				tw.AppendFooter(table.Row{"", "", "total", page.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.ArtifactType, "type", "", "artifact type filter")
	cmd.Flags().StringVar(&state, "state", "", "lifecycle state filter")
	cmd.Flags().StringVar(&q.EligibleFor, "eligible-for", "", "only artifacts this intent type may act on")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "page offset")
	return cmd
}

func artifactsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <artifact-id>",
		Short: "Show one artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Artifacts.Resolve(ctx, viper.GetString("tenant"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func artifactsLineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <artifact-id>",
		Short: "Show ancestors and lifecycle history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tenant := viper.GetString("tenant")
				ancestors, err := rt.Artifacts.Ancestors(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				history, err := rt.Artifacts.Transitions(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"artifact_id": args[0], "ancestors": ancestors, "transitions": history})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Ancestors")
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Produced by"})
				for _, a := range ancestors {
					tw.AppendRow(table.Row{a.ID, a.ArtifactType, a.LifecycleState, a.ProducedBy.IntentType})
				}
				tw.Render()
				ht := table.NewWriter()
				ht.SetOutputMirror(os.Stdout)
				ht.SetTitle("Transitions")
				ht.AppendHeader(table.Row{"From", "To", "Intent", "Execution", "At"})
				for _, tr := range history {
					ht.AppendRow(table.Row{tr.From, tr.To, tr.ByIntent, tr.ByExecution, tr.TS})
				}
				ht.Render()
				return nil
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	p := &cobra.Command{Use: "pending", Short: "Manage staged follow-up intents"}
	p.AddCommand(pendingListCmd())
	p.AddCommand(pendingCreateCmd())
	return p
}

func pendingListCmd() *cobra.Command {
	var f pending.Filter
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				st, err := pending.ParseStatus(s)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			f.TenantID = viper.GetString("tenant")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, total, err := rt.Pending.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Intent", "Target", "Status", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.IntentType, p.TargetArtifactID, p.Status, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.IntentType, "intent", "", "intent type filter")
	cmd.Flags().StringVar(&f.TargetArtifactID, "target", "", "target artifact filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (pending, in_progress, completed, failed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func pendingCreateCmd() *cobra.Command {
	var in pending.CreateInput
	var ctxParams []string
	cmd := &cobra.Command{
		Use:   "create <intent-type> <target-artifact-id>",
		Short: "Stage an intent against an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			staged, err := parseParams("", ctxParams)
			if err != nil {
				return err
			}
			in.IntentType, in.TargetArtifactID = args[0], args[1]
			in.TenantID = viper.GetString("tenant")
			in.Context = staged
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Pending.Create(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&in.UserID, "user", "", "user id")
	cmd.Flags().StringArrayVar(&ctxParams, "context", nil, "context key=value")
	return cmd
}

func indexCmd() *cobra.Command {
	ix := &cobra.Command{Use: "index", Short: "Maintain the artifact index"}
	ix.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Recompute the index from the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Index.Rebuild(ctx); err != nil {
					return err
				}
				fmt.Println("index rebuilt")
				return nil
			})
		},
	})
	return ix
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": version, "path": db.Path(workspace)})
			}
			fmt.Printf("schema at version %d (%s)\n", version, db.Path(workspace))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect runtime config",
		Long:  "Config (intentline.yml) sets worker counts, deadlines, rate limits, per-intent idempotency, role capabilities, storage, telemetry and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default intentline.yml",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage tenant API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.CreateAPIKey(ctx, viper.GetString("tenant"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "tenant_id": key.TenantID, "name": key.Name, "key": secret})
				}
				fmt.Printf("id:     %s\ntenant: %s\nkey:    %s\n", key.ID, key.TenantID, secret)
				fmt.Println("store the key now; it cannot be shown again")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.ListAPIKeys(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.TenantID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for --tenant signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			tenant := viper.GetString("tenant")
			if tenant == "" {
				return fmt.Errorf("--tenant required")
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, subject, tenant, role)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringVar(&role, "role", "", "agent role claim")
	return cmd
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     slog.Default(),
	})
}

func closeRuntime(rt *app.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		slog.Error("close runtime", "err", err)
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)
	return fn(ctx, rt)
}

func withStartedRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		if err := rt.Start(ctx); err != nil {
			return err
		}
		return fn(ctx, rt)
	})
}

// parseParams merges a JSON object with key=value pairs. Values that parse as
// JSON keep their type; anything else is a string.
func parseParams(raw string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--params: %w", err)
		}
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			val = v
		}
		out[strings.TrimSpace(k)] = val
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
