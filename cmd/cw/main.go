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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codeweft/internal/config"
	"codeweft/internal/coordinate"
	"codeweft/internal/db"
	"codeweft/internal/engine"
	"codeweft/internal/graph"
	"codeweft/internal/migrate"
	"codeweft/internal/outbox"
	"codeweft/internal/queue"
	"codeweft/internal/repo"
	"codeweft/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Codeweft CLI",
	Long: `Codeweft turns a source tree into a knowledge graph of code relationships.
A run walks the tree, fans analysis out over files, directories and the whole
scope, collects findings through a transactional outbox, seals evidence in a
manifest, scores confidence, and merges what survives into the graph store.`,
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
	viper.SetEnvPrefix("CODEWEFT")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default codeweft.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage analysis runs",
		Long:  "A run analyzes one source tree end to end: discovery, the analysis DAG, evidence sealing, and confidence scoring.",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Analyze a source tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				return fmt.Errorf("--root required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, root)
				if err != nil {
					return err
				}
				fmt.Println("run", run.ID, "created, analyzing", run.Root)
				if err := e.RunPipeline(ctx, run.ID); err != nil {
					return err
				}
				status, err := e.Status(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				renderStatus(status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "source tree to analyze")
	return cmd
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Status", "Threshold", "Root", "Created"})
				for _, run := range runs {
					t.AppendRow(table.Row{run.ID, run.Status, run.Threshold, run.Root, run.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs to list")
	return cmd
}

func statusCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a run's pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.Status(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				renderStatus(status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	return cmd
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{
		Use:   "outbox",
		Short: "Transactional outbox",
	}
	ob.AddCommand(outboxPublishCmd())
	return ob
}

func outboxPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run one outbox publish cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q := queue.New(e.DB)
				pub := outbox.NewPublisher(e.DB, coordinate.Sink{Queue: q})
				n, err := pub.PublishPending(ctx)
				if err != nil {
					return err
				}
				fmt.Println("published", n, "events")
				return nil
			})
		},
	}
	return cmd
}

func graphCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "graph",
		Short: "Knowledge graph",
	}
	g.AddCommand(graphBuildCmd())
	return g
}

func graphBuildCmd() *cobra.Command {
	var runID string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Merge a run's relationships into the graph store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var store graph.Store
				if dryRun || e.Config.Graph.URI == "" {
					store = graph.NewMemStore()
					fmt.Println("no graph uri configured, building in memory")
				} else {
					s, err := graph.NewNeo4jStore(ctx, e.Config.Graph)
					if err != nil {
						return err
					}
					defer s.Close(ctx)
					store = s
				}
				stats, err := e.BuildGraph(ctx, runID, store)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Relationships", "Nodes", "Edges"})
				t.AppendRow(table.Row{stats.Relationships, stats.Nodes, stats.Edges})
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "build into an in-memory store")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Time", "Type", "Run", "Entity"})
				for _, evt := range events {
					t.AppendRow(table.Row{evt.TS, evt.Type, evt.RunID, evt.EntityID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func cleanCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Purge a run from the staging store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.CleanRun(ctx, runID); err != nil {
					return err
				}
				fmt.Println("run", runID, "purged")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					APIKey:   os.Getenv("CODEWEFT_API_KEY"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Codeweft API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func renderStatus(status engine.RunStatus) {
	fmt.Printf("Run: %s (%s)\n", status.Run.ID, status.Run.Status)
	fmt.Printf("Root: %s  threshold: %.0f\n", status.Run.Root, status.Run.Threshold)
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Stage", "State", "Count"})
	for state, n := range status.Jobs {
		t.AppendRow(table.Row{"jobs", state, n})
	}
	for state, n := range status.Manifest {
		t.AppendRow(table.Row{"manifest", state, n})
	}
	for state, n := range status.Outbox {
		t.AppendRow(table.Row{"outbox", state, n})
	}
	t.AppendRow(table.Row{"relationships", "reconciled", status.Relationships})
	t.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
