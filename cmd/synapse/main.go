// Synapse is the AI response orchestration service: one inbound message
// becomes one reply, enriched with per-user semantic memory and able to
// trigger remote automations via inline action markers.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/synapse/internal/config"
	"github.com/normanking/synapse/internal/data"
	"github.com/normanking/synapse/internal/llm"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/memory"
	"github.com/normanking/synapse/internal/orchestrator"
	"github.com/normanking/synapse/internal/workflow"
	"github.com/normanking/synapse/pkg/types"
)

var version = "0.3.0"

var (
	cfgPath      string
	userID       string
	providerName string
	verbose      bool

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synapse",
		Short: "Synapse - AI assistant with semantic memory and workflow automation",
		Long: `Synapse turns a single message into an assistant reply, augmented with
long-term semantic memory and automations triggered by the model's own
output.

One-shot chat:       synapse chat "turn on the lights"
Memory maintenance:  synapse memory purge --days 90
Workflow catalog:    synapse workflows list`,
		PersistentPreRunE: initApp,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.synapse/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "local", "user identifier that partitions memory and executions")
	rootCmd.PersistentFlags().StringVar(&providerName, "provider", "", "model backend (openai or ollama, default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Synapse v%s\n", version)
		},
	})

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(workflowsCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initApp loads the configuration and wires the global logger before any
// subcommand runs.
func initApp(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Setup(logging.Config{
		Level:  level,
		File:   cfg.Logging.File,
		Pretty: cfg.Logging.Pretty,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVICE WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// services holds the wired collaborators behind one CLI invocation.
type services struct {
	store     *data.Store
	memory    *memory.Store
	workflows *workflow.Client
	responder *orchestrator.Responder
	kind      llm.Kind
}

// initServices wires the full pipeline. The semantic memory store needs a
// reachable vector index; when it is down the pipeline runs without
// context enrichment instead of refusing to start.
func initServices(ctx context.Context) (*services, func(), error) {
	kind, err := llm.ParseKind(providerName, llm.Kind(cfg.LLM.DefaultProvider))
	if err != nil {
		return nil, nil, err
	}

	provider, err := llm.FromConfig(kind, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize provider %s: %w", kind, err)
	}

	store, err := data.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() { store.Close() }

	mem := initMemory(ctx, provider)

	wf := workflow.NewClient(cfg.Workflow, store)

	providers := map[llm.Kind]llm.Provider{kind: provider}
	var memStore orchestrator.MemoryStore
	if mem != nil {
		memStore = mem
	}
	responder := orchestrator.NewResponder(&orchestrator.ResponderConfig{
		Providers:    providers,
		Memory:       memStore,
		Workflows:    wf,
		ContextLimit: cfg.Memory.SearchLimit,
	})

	return &services{
		store:     store,
		memory:    mem,
		workflows: wf,
		responder: responder,
		kind:      kind,
	}, cleanup, nil
}

// initMemory builds the semantic memory store, preferring the configured
// embedding provider and falling back to the chat provider.
func initMemory(ctx context.Context, chatProvider llm.Provider) *memory.Store {
	log := logging.For("main")

	embedder := llm.Provider(chatProvider)
	if cfg.Memory.EmbeddingProvider != "" && cfg.Memory.EmbeddingProvider != chatProvider.Name() {
		kind, err := llm.ParseKind(cfg.Memory.EmbeddingProvider, "")
		if err == nil {
			if p, err := llm.FromConfig(kind, cfg); err == nil {
				embedder = p
			}
		}
	}

	mem, err := memory.New(ctx, cfg.Memory, embedder)
	if err != nil {
		log.Warn().Err(err).Msg("semantic memory unavailable, continuing without context enrichment")
		return nil
	}
	return mem
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT
// ═══════════════════════════════════════════════════════════════════════════════

func chatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message through the full orchestration pipeline",
		Long: `Send a message and print the assistant reply. Recent turns from the
named conversation are replayed as history, and both new turns are
persisted afterwards.

Examples:
  synapse chat "turn on the living room lights"
  synapse chat --provider ollama "what did I ask you yesterday?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			svc, cleanup, err := initServices(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			convID, err := svc.store.EnsureConversation(ctx, conversationID, userID, message)
			if err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}

			history, err := svc.store.RecentTurns(ctx, convID, 50)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}

			res, err := svc.responder.Respond(ctx, message, history, userID, svc.kind)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			if err := svc.store.AppendTurns(ctx, convID,
				types.ConversationTurn{Role: types.RoleUser, Content: message, CreatedAt: now},
				types.ConversationTurn{Role: types.RoleAssistant, Content: res.Text, CreatedAt: now},
			); err != nil {
				return fmt.Errorf("persist turns: %w", err)
			}

			fmt.Println(res.Text)

			if verbose {
				fmt.Fprintf(os.Stderr, "\nintent=%s context_used=%v degraded=%v\n",
					res.Intent, res.ContextUsed, res.Degraded)
				for _, ar := range res.ActionResults {
					status := "ok"
					if !ar.Success {
						status = "failed: " + ar.Error
					}
					fmt.Fprintf(os.Stderr, "action %s: %s\n", ar.WorkflowName, status)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue (default: new conversation)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY
// ═══════════════════════════════════════════════════════════════════════════════

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage semantic memory",
	}

	var purgeDays int
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete memory records older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, cleanup, err := requireMemory(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := mem.Purge(cmd.Context(), userID, purgeDays)
			if err != nil {
				return fmt.Errorf("purge memory: %w", err)
			}
			fmt.Printf("Deleted %d memory record(s) older than %d day(s)\n", deleted, purgeDays)
			return nil
		},
	}
	purge.Flags().IntVar(&purgeDays, "days", 90, "delete records older than this many days")
	cmd.AddCommand(purge)

	cmd.AddCommand(&cobra.Command{
		Use:   "remember [content]",
		Short: "Store a knowledge record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, cleanup, err := requireMemory(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := mem.StoreKnowledge(cmd.Context(), userID, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("store knowledge: %w", err)
			}
			fmt.Printf("Stored knowledge record %s\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prefer [content]",
		Short: "Store a preference record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, cleanup, err := requireMemory(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := mem.StorePreference(cmd.Context(), userID, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("store preference: %w", err)
			}
			fmt.Printf("Stored preference record %s\n", id)
			return nil
		},
	})

	var searchLimit int
	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memory records semantically",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, cleanup, err := requireMemory(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			hits, err := mem.Search(cmd.Context(), userID, strings.Join(args, " "), searchLimit)
			if err != nil {
				return fmt.Errorf("search memory: %w", err)
			}
			if len(hits) == 0 {
				fmt.Println("No matching memory records.")
				return nil
			}
			for _, hit := range hits {
				fmt.Printf("%.3f  [%v]  %s\n", hit.Score, hit.Payload["type"], hit.Content)
			}
			return nil
		},
	}
	search.Flags().IntVar(&searchLimit, "limit", 5, "maximum results")
	cmd.AddCommand(search)

	return cmd
}

// requireMemory wires only the pieces the memory subcommands need. Unlike
// chat, these commands are useless without a reachable vector index, so
// failure here is fatal.
func requireMemory(ctx context.Context) (*memory.Store, func(), error) {
	embedKind, err := llm.ParseKind(cfg.Memory.EmbeddingProvider, llm.Kind(cfg.LLM.DefaultProvider))
	if err != nil {
		return nil, nil, err
	}
	embedder, err := llm.FromConfig(embedKind, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize embedding provider: %w", err)
	}

	mem, err := memory.New(ctx, cfg.Memory, embedder)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to memory store: %w", err)
	}
	return mem, func() {}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// WORKFLOWS
// ═══════════════════════════════════════════════════════════════════════════════

func workflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect the workflow engine",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflows available on the remote engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := data.NewDB(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			client := workflow.NewClient(cfg.Workflow, store)
			workflows, err := client.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list workflows: %w", err)
			}
			if len(workflows) == 0 {
				fmt.Println("No workflows found.")
				return nil
			}
			for _, wf := range workflows {
				state := "inactive"
				if wf.Active {
					state = "active"
				}
				fmt.Printf("%-30s %-10s %s\n", wf.Name, state, wf.ID)
			}
			return nil
		},
	})

	var historyLimit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent workflow executions for this user",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := data.NewDB(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			records, err := store.ListExecutions(cmd.Context(), userID, historyLimit)
			if err != nil {
				return fmt.Errorf("list executions: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("No executions recorded.")
				return nil
			}
			for _, rec := range records {
				line := fmt.Sprintf("%s  %-8s %-24s %s",
					rec.StartedAt.Format(time.RFC3339), rec.Status, rec.WorkflowName, rec.ID)
				if rec.ErrorMessage != "" {
					line += "  (" + rec.ErrorMessage + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 20, "maximum executions to show")
	cmd.AddCommand(history)

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROVIDERS AND CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured and usable model backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			available := llm.AvailableProviders(cfg)
			if len(available) == 0 {
				fmt.Println("No usable providers. Set an API key or start a local Ollama server.")
				return nil
			}
			for _, name := range available {
				marker := " "
				if name == cfg.LLM.DefaultProvider {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, name)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Synapse Configuration:")
			fmt.Println("──────────────────────")
			fmt.Printf("Default Provider: %s\n", cfg.LLM.DefaultProvider)
			fmt.Printf("Memory URL:       %s\n", cfg.Memory.URL)
			fmt.Printf("Collection:       %s (%d dims)\n", cfg.Memory.Collection, cfg.Memory.VectorSize)
			fmt.Printf("Workflow URL:     %s\n", cfg.Workflow.URL)
			fmt.Printf("Poll Deadline:    %s\n", time.Duration(cfg.Workflow.MaxPollAttempts)*cfg.Workflow.PollInterval)
			fmt.Printf("Database Path:    %s\n", cfg.Database.Path)
			fmt.Printf("Log Level:        %s\n", cfg.Logging.Level)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, _ := os.UserHomeDir()
			fmt.Println(home + "/.synapse/config.yaml")
		},
	})

	return cmd
}
