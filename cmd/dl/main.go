package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dagline/internal/app"
	"dagline/internal/config"
	"dagline/internal/domain"
	"dagline/internal/engine"
	"dagline/internal/migrate"
	"dagline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "dagline CLI",
	Long: `dagline runs the tasks of a workspace in dependency order.
- Workspace: a named group of tasks; runs never cross workspaces.
- Task: a unit of work with dependencies on other tasks of the same workspace.
  Status goes pending -> running -> done or failed; dl task reset puts it back to pending.
- Run: every pending task of a workspace, started as soon as its dependencies are done.
  Failed attempts are retried with exponential backoff; a cycle rejects the whole run.
- Event log: every change is recorded, view it with 'dl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("DAGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".", "directory holding .dagline/")
	rootCmd.PersistentFlags().String("config", "", "config file (default <data-dir>/.dagline/dagline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	for _, name := range []string{"data-dir", "config", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runTaskCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory, config file and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := viper.GetString("data-dir")
			path, err := config.Write(dataDir, config.Default())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"config": path, "schema_version": version})
			})
		},
	}
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Aliases: []string{"ws"}, Short: "Manage workspaces"}
	ws.AddCommand(workspaceCreateCmd())
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceShowCmd())
	ws.AddCommand(workspaceRenameCmd())
	return ws
}

func workspaceCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <key>",
		Short: "Create a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Repo.CreateWorkspace(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the key)")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Key", "Name", "Created"})
				for _, ws := range items {
					tw.AppendRow(table.Row{ws.Key, ws.Name, ws.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workspaceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show a workspace with task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Repo.GetWorkspace(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := a.Repo.CountTasksByStatus(ctx, ws.Key)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"workspace": ws, "task_counts": counts})
			})
		},
	}
}

func workspaceRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <key> <name>",
		Short: "Rename a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Repo.RenameWorkspace(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskResultsCmd())
	task.AddCommand(taskResetCmd())
	task.AddCommand(taskDepsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in repo.NewTask
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.CreateTask(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&in.WorkspaceKey, "workspace", "w", "", "workspace key")
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description (the command line for the shell executor)")
	cmd.Flags().StringSliceVar(&in.Dependencies, "depends-on", nil, "ids of tasks that must be done first")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetWorkspace(ctx, f.WorkspaceKey); err != nil {
					return err
				}
				tasks, err := a.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&f.WorkspaceKey, "workspace", "w", "", "workspace key")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Search, "search", "", "title or description contains")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <id>",
		Short: "List recorded attempts of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetTask(ctx, args[0]); err != nil {
					return err
				}
				results, err := a.Repo.ListResults(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable(table.Row{"Attempt", "Status", "Started", "Completed", "Output / Error"})
				for _, r := range results {
					completed := ""
					if r.CompletedAt != nil {
						completed = r.CompletedAt.Format(time.RFC3339)
					}
					detail := r.Output
					if r.ErrorMessage != "" {
						detail = r.ErrorMessage
					}
					tw.AppendRow(table.Row{r.RetryCount, r.Status, r.StartedAt.Format(time.RFC3339), completed, truncate(detail, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskResetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Return a done or failed task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.ResetTask(ctx, args[0], force)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also reset a task stuck in running after a crash")
	return cmd
}

func taskDepsCmd() *cobra.Command {
	deps := &cobra.Command{Use: "deps", Short: "Manage task dependencies"}
	deps.AddCommand(&cobra.Command{
		Use:   "add <id> <dependency-id>...",
		Short: "Add dependencies to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.AddDependencies(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	return deps
}

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <workspace>",
		Short: "Show pending tasks in the order a run would start them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Order(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <workspace>",
		Short: "Execute every pending task of a workspace and wait for the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.RunWorkspace(ctx, args[0])
				if err != nil {
					return err
				}
				return waitAndReport(ctx, a, run, timeout)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run after this long; cancelled tasks end failed (0 waits for the run)")
	return cmd
}

func runTaskCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run-task <id>",
		Short: "Execute one pending task now, ignoring its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.RunTask(ctx, args[0])
				if err != nil {
					return err
				}
				return waitAndReport(ctx, a, run, timeout)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run after this long; cancelled tasks end failed (0 waits for the run)")
	return cmd
}

func waitAndReport(ctx context.Context, a *app.App, run *engine.Run, timeout time.Duration) error {
	if !viper.GetBool("json") {
		fmt.Fprintln(os.Stderr, run.Message())
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sum, err := run.Wait(ctx)
	if err != nil {
		// Closing the app cancels the run and records how its tasks ended.
		return fmt.Errorf("run %s cancelled: %w", run.ID, err)
	}
	if viper.GetBool("json") {
		return printJSON(sum)
	}
	tw := newTable(table.Row{"Task", "Status", "Attempts", "Error"})
	for _, o := range sum.Outcomes {
		tw.AppendRow(table.Row{o.TaskID, o.Status, o.Attempts, truncate(o.Error, 60)})
	}
	for _, id := range sum.Blocked {
		tw.AppendRow(table.Row{id, domain.TaskPending, 0, "dependency did not finish"})
	}
	tw.Render()
	if n := sum.Count(domain.TaskFailed); n > 0 {
		return fmt.Errorf("%d task(s) failed", n)
	}
	return nil
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <workspace>",
		Short: "Show task and attempt statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.Metrics(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := newTable(table.Row{"Metric", "Value"})
				tw.AppendRow(table.Row{"total tasks", m.TotalTasks})
				for _, s := range []domain.TaskStatus{domain.TaskPending, domain.TaskRunning, domain.TaskDone, domain.TaskFailed} {
					tw.AppendRow(table.Row{"tasks " + string(s), m.TasksByStatus[string(s)]})
				}
				for _, s := range []domain.ResultStatus{domain.ResultSuccess, domain.ResultFailure, domain.ResultRetry} {
					tw.AppendRow(table.Row{"results " + string(s), m.ExecutionResults[string(s)]})
				}
				tw.AppendRow(table.Row{"total duration (s)", fmt.Sprintf("%.2f", m.TotalDurationSeconds)})
				tw.AppendRow(table.Row{"avg duration (s)", fmt.Sprintf("%.2f", m.AvgTaskDuration)})
				tw.AppendRow(table.Row{"retries", m.TotalRetries})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVarP(&f.WorkspaceKey, "workspace", "w", "", "workspace filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		DataDir:    viper.GetString("data-dir"),
		ConfigFile: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
		LogOutput:  os.Stderr,
	}
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("data-dir"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func renderTasks(tasks []domain.Task) {
	tw := newTable(table.Row{"ID", "Title", "Status", "Depends on"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, strings.Join(t.Dependencies, ", ")})
	}
	tw.Render()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
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
