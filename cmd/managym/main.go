package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"managym/internal/agent"
	"managym/internal/comms"
	"managym/internal/config"
	"managym/internal/domain"
	"managym/internal/engine"
	"managym/internal/eval"
	"managym/internal/llm"
	"managym/internal/manager"
	sqlitestore "managym/internal/store/sqlite"
	"managym/internal/workflow"
)

var (
	configPath   string
	dbPathFlag   string
	seedFlag     int64
	maxTimesteps int
)

var rootCmd = &cobra.Command{
	Use:   "managym",
	Short: "Discrete-timestep workflow bench for manager agents",
	Long: `managym runs a project workflow through discrete timesteps: a manager
agent takes one action per step, simulated workers execute tasks, a
stakeholder reacts, and a rubric engine scores the run against weighted
preferences. Runs are persisted to sqlite for inspection.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.managym/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "sqlite database path override")
	rootCmd.PersistentFlags().Int64Var(&seedFlag, "seed", 0, "random seed override")
	rootCmd.PersistentFlags().IntVar(&maxTimesteps, "max-timesteps", 0, "timestep cap override")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(demoCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var managerKind string
	var useLLM bool
	var noPersist bool
	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "Execute a workflow definition end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)

			def, err := config.LoadDefinition(args[0])
			if err != nil {
				return err
			}

			seed := cfg.Run.Seed
			if seedFlag != 0 {
				seed = seedFlag
			}

			svc := comms.NewService(logger)
			setup, err := def.Build(svc, logger, seed)
			if err != nil {
				return err
			}

			var scorer eval.LLMScorer
			var decomposer manager.Decomposer = manager.StaticDecomposer{}
			if useLLM {
				if cfg.LLM.BaseURL == "" {
					return fmt.Errorf("--llm requires llm.base_url in %s", cfg.Path)
				}
				client, err := llm.NewClient(llm.ClientConfig{
					BaseURL:      cfg.LLM.BaseURL,
					AuthToken:    os.Getenv(cfg.LLM.APIKeyEnv),
					DefaultModel: cfg.LLM.Model,
					Timeout:      time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
					Retries:      cfg.LLM.MaxRetries,
					Logger:       logger,
				})
				if err != nil {
					return err
				}
				scorer = llm.NewScorer(client)
				decomposer = llm.NewDecomposer(client, cfg.LLM.Model)
			}

			validator := eval.NewEngine(eval.EngineConfig{
				MaxConcurrentRubrics: int64(cfg.Eval.MaxConcurrentRubrics),
				RubricTimeout:        time.Duration(cfg.Eval.RubricTimeoutMS) * time.Millisecond,
				Seed:                 seed,
				SelectedTimesteps:    cfg.Eval.SelectedTimesteps,
			}, scorer, logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var serializer engine.Serializer
			if !noPersist {
				store, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() {
					_ = store.Close()
				}()
				serializer = store
			}

			mgr, err := buildManager(managerKind)
			if err != nil {
				return err
			}

			eng, err := engine.New(engine.Config{
				MaxTimesteps:     pickInt(maxTimesteps, cfg.Run.MaxTimesteps),
				TaskBatchTimeout: time.Duration(cfg.Run.TaskBatchTimeoutMS) * time.Millisecond,
				Seed:             seed,
			}, engine.Deps{
				Workflow:    setup.Workflow,
				Manager:     mgr,
				Registry:    setup.Registry,
				Comms:       svc,
				Validator:   validator,
				Stakeholder: setup.Stakeholder,
				Preferences: setup.Preferences,
				Decomposer:  decomposer,
				Serializer:  serializer,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			summary, err := eng.RunFullExecution(ctx)
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&managerKind, "manager", "random", "manager policy: random or delegate")
	cmd.Flags().BoolVar(&useLLM, "llm", false, "score llm rubrics and decompose tasks via the configured endpoint")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "skip the sqlite store")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "", 0)
			svc := comms.NewService(logger)
			setup, err := def.Build(svc, logger, 1)
			if err != nil {
				return err
			}
			counts := setup.Workflow.StatusCounts()
			total := 0
			for _, n := range counts {
				total += n
			}
			fmt.Printf("definition %q ok: %d tasks, %d agents, %d preferences\n",
				def.Name, total, len(def.Agents), len(def.Preferences))
			return nil
		},
	}
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a built-in two-task workflow with a delegating manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "", log.LstdFlags)
			svc := comms.NewService(logger)

			w := workflow.New("demo-launch", "Draft and review a launch note")
			draft := workflow.NewTask("draft", "Write the launch note")
			draft.EstimatedDurationHours = 1
			review := workflow.NewTask("review", "Review and polish the note", draft.ID)
			review.EstimatedDurationHours = 1
			w.AddTask(draft)
			w.AddTask(review)

			registry := agent.NewRegistry(logger)
			for i, id := range []string{"writer-1", "writer-2"} {
				registry.Register(agent.NewSimulatedAgent(agent.SimulatedConfig{
					ID:         id,
					Type:       "writer",
					WorkHours:  1,
					HourlyRate: 60,
					Seed:       int64(i + 1),
				}, svc, logger))
			}

			fn, _ := eval.BuiltinRubricFn("completion_fraction")
			prefs := eval.NewPreferenceWeights(&eval.Preference{
				Name:   "completion",
				Weight: 1,
				Evaluator: &eval.Evaluator{
					Name: "completion_eval",
					Rubrics: []*eval.Rubric{{
						Name:         "fraction_complete",
						MaxScore:     1,
						Fn:           fn,
						RunCondition: eval.RunBoth,
					}},
				},
			})

			validator := eval.NewEngine(eval.EngineConfig{Seed: 1}, nil, logger)
			eng, err := engine.New(engine.Config{MaxTimesteps: 10, Seed: 1}, engine.Deps{
				Workflow:    w,
				Manager:     manager.NewOneShotDelegateManager("manager"),
				Registry:    registry,
				Comms:       svc,
				Validator:   validator,
				Preferences: prefs,
				Decomposer:  manager.StaticDecomposer{},
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			summary, err := eng.RunFullExecution(ctx)
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}
}

func pickInt(override, v int) int {
	if override > 0 {
		return override
	}
	return v
}

func buildManager(kind string) (manager.Manager, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "random":
		return manager.NewRandomManager("manager"), nil
	case "delegate":
		return manager.NewOneShotDelegateManager("manager"), nil
	default:
		return nil, fmt.Errorf("unknown manager policy %q (want random or delegate)", kind)
	}
}

func openStore(ctx context.Context, cfg config.Config) (*sqlitestore.Store, error) {
	dbPath := cfg.Run.DBPath
	if dbPathFlag != "" {
		dbPath = dbPathFlag
	}
	dbPath = filepath.Clean(dbPath)
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func printSummary(s *engine.RunSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Run " + s.RunID)
	tw.AppendRow(table.Row{"Workflow", s.WorkflowName})
	tw.AppendRow(table.Row{"Manager", s.ManagerID})
	tw.AppendRow(table.Row{"Final state", s.FinalState})
	if s.EndReason != "" {
		tw.AppendRow(table.Row{"End reason", s.EndReason})
	}
	tw.AppendRow(table.Row{"Timesteps", s.Timesteps})
	tw.AppendRow(table.Row{"Total cost", fmt.Sprintf("%.2f", s.TotalCost)})
	tw.AppendRow(table.Row{"Simulated hours", fmt.Sprintf("%.2f", s.TotalSimulatedHours)})
	tw.AppendRow(table.Row{"Task counts", taskCountsLine(s)})
	tw.AppendRow(table.Row{"Messages", s.Comms.TotalMessages})
	tw.AppendRow(table.Row{"Duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)})
	tw.Render()

	if s.FinalEvaluation == nil || len(s.FinalEvaluation.PreferenceScores) == 0 {
		return
	}
	pt := table.NewWriter()
	pt.SetOutputMirror(os.Stdout)
	pt.AppendHeader(table.Row{"Preference", "Weight", "Score"})
	for _, ps := range s.FinalEvaluation.PreferenceScores {
		pt.AppendRow(table.Row{ps.Name, fmt.Sprintf("%.2f", ps.Weight), fmt.Sprintf("%.3f", ps.Score)})
	}
	pt.AppendFooter(table.Row{"", "weighted total", fmt.Sprintf("%.3f", s.FinalEvaluation.WeightedPreferenceTotal)})
	pt.Render()
}

func taskCountsLine(s *engine.RunSummary) string {
	keys := make([]domain.TaskStatus, 0, len(s.TaskCounts))
	for status := range s.TaskCounts {
		keys = append(keys, status)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.TaskCounts[k]))
	}
	return strings.Join(parts, " ")
}
