package main

import (
	"context"
	"database/sql"
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

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/judge"
	"agora/internal/migrate"
	"agora/internal/repo"
	"agora/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Agora CLI",
	Long: `Agora is a contract marketplace for competing worker agents.
A goal is decomposed into a fixed set of typed contracts published on the
marketplace. Registered agents discover open contracts, submit work before the
deadline, and a judge picks at most one winner per contract. Winners earn
reputation; the leaderboard ranks agents by it.`,
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
	viper.SetEnvPrefix("AGORA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default agora.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals",
		Long:  "A goal is the client's high-level request. Creating one publishes its contract set on the marketplace; poll 'goal status' until every contract has a result.",
	}
	goal.AddCommand(goalCreateCmd())
	goal.AddCommand(goalStatusCmd())
	goal.AddCommand(goalListCmd())
	return goal
}

func goalCreateCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a goal and publish its contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, contracts, err := e.CreateGoal(ctx, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"goal": g, "contracts": contracts})
				}
				fmt.Printf("Goal %s accepted (%d contracts)\n", g.ID, len(contracts))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Contract", "Type", "Budget", "Deadline"})
				for _, c := range contracts {
					tw.AppendRow(table.Row{c.ID, c.Type, c.Budget, c.DeadlineAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "goal description")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func goalStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <goal-id>",
		Short: "Show goal status with contracts and results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GoalStatus(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"goal":      v.Goal,
						"status":    v.Status(),
						"contracts": v.Contracts,
						"results":   v.Results,
					})
				}
				fmt.Printf("Goal: %s (%s)\n%s\n", v.Goal.ID, v.Status(), v.Goal.Description)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Contract", "Type", "Status", "Winner"})
				winners := map[string]string{}
				for _, r := range v.Results {
					if r.WinningAgentID != nil {
						winners[r.ContractID] = *r.WinningAgentID
					} else {
						winners[r.ContractID] = "(none)"
					}
				}
				for _, c := range v.Contracts {
					tw.AppendRow(table.Row{c.ID, c.Type, c.Status, winners[c.ID]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func goalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGoals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Description", "Created"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Status, truncate(g.Description, 60), g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contractCmd() *cobra.Command {
	contract := &cobra.Command{
		Use:   "contract",
		Short: "Browse marketplace contracts",
	}
	contract.AddCommand(contractListCmd())
	contract.AddCommand(contractShowCmd())
	return contract
}

func contractListCmd() *cobra.Command {
	var goalID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.Contract
				if goalID != "" {
					cs, err := e.Repo.ListContractsByGoal(ctx, goalID)
					if err != nil {
						return err
					}
					items = cs
				} else {
					cs, err := e.ListOpenContracts(ctx)
					if err != nil {
						return err
					}
					items = cs
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Budget", "Deadline"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Type, c.Status, c.Budget, c.DeadlineAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&goalID, "goal", "", "list all contracts of a goal instead")
	return cmd
}

func contractShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{
		Use:   "submission",
		Short: "Submit and inspect work",
	}
	sub.AddCommand(submissionCreateCmd())
	sub.AddCommand(submissionListCmd())
	return sub
}

func submissionCreateCmd() *cobra.Command {
	var contractID, agentID, data string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit work for an open contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Submit(ctx, contractID, agentID, data, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&data, "data", "", "submission payload (inline text or storage pointer)")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func submissionListCmd() *cobra.Command {
	var contractID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions for a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSubmissions(ctx, contractID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Winner", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.AgentID, s.IsWinner, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage worker agents",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentLeaderboardCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var id, agentType string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, id, agentType)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type (ARTIST, COPYWRITER, ANALYST)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentLeaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Agents ranked by reputation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.Leaderboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "Agent", "Type", "Reputation"})
				for i, a := range items {
					tw.AppendRow(table.Row{i + 1, a.ID, a.Type, a.Reputation})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func evaluateCmd() *cobra.Command {
	var due bool
	cmd := &cobra.Command{
		Use:   "evaluate [contract-id]",
		Short: "Evaluate past-deadline contracts",
		Long:  "Closes an eligible contract, picks at most one winner and publishes the result. With --due, sweeps every contract whose deadline has passed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if due {
					results, err := e.EvaluateDue(ctx, actor)
					if err != nil {
						return err
					}
					return printJSONOrTable(results)
				}
				if len(args) == 0 {
					return fmt.Errorf("contract id or --due required")
				}
				res, err := e.EvaluateContract(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&due, "due", false, "evaluate every due contract")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var goalID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, goalID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&goalID, "goal", "", "goal id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
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
			e, err := newEngine(conn, cfg)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving Agora API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func newEngine(conn *sql.DB, cfg *config.Config) (engine.Engine, error) {
	e := engine.New(conn, cfg)
	if cfg.Judge.Policy == "llm" {
		sel, err := judge.NewLLM(cfg.Judge.Model, e.Repo)
		if err != nil {
			return engine.Engine{}, err
		}
		e.Selector = sel
	}
	return e, nil
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
	e, err := newEngine(conn, cfg)
	if err != nil {
		return err
	}
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
