package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newsletter-agent/internal/ai"
	"github.com/newsletter-agent/internal/brain"
	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/internal/chat/noop"
	slacktransport "github.com/newsletter-agent/internal/chat/slack"
	"github.com/newsletter-agent/internal/compose"
	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/contacts"
	"github.com/newsletter-agent/internal/deadletter"
	"github.com/newsletter-agent/internal/draft"
	"github.com/newsletter-agent/internal/listeners"
	"github.com/newsletter-agent/internal/orchestrator"
	"github.com/newsletter-agent/internal/render"
	"github.com/newsletter-agent/internal/research"
	"github.com/newsletter-agent/internal/sender"
	"github.com/newsletter-agent/internal/source"
	"github.com/newsletter-agent/internal/source/hackernews"
	"github.com/newsletter-agent/internal/source/rss"
	"github.com/newsletter-agent/internal/source/trending"
	"github.com/newsletter-agent/internal/storage"
	"github.com/newsletter-agent/internal/storage/sqlite"
	"github.com/newsletter-agent/pkg/logger"
	"github.com/newsletter-agent/pkg/ratelimit"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	repo    storage.Repository
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "newsletter-agent",
		Short: "Weekly AI newsletter agent",
		Long: `Generates, reviews, and sends a weekly AI newsletter: research
aggregation, draft composition, approval workflow, and broadcast delivery.`,
		PersistentPreRunE: initializeApp,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(contactsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	repo, err = sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// buildOrchestrator wires the full workflow stack. Draft previews go to the
// review channel when a bot token is configured, otherwise to the dry-run
// transport.
func buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	limiter := ratelimit.NewDefaultLimiter()
	aiClient := ai.NewClient(cfg.Anthropic, cfg.Research.MaxExternalRetries, limiter, log)

	var transport chat.Transport
	if cfg.Slack.BotToken != "" {
		transport = slacktransport.New(cfg.Slack, cfg.Research.MaxExternalRetries, limiter, log)
	} else {
		transport = noop.New(log)
	}

	sourceManager := source.NewManager()
	if cfg.Sources.RSS.Enabled {
		for _, src := range rss.NewMultiple(cfg.Sources.RSS, limiter, log) {
			sourceManager.Register(src)
		}
	}
	if cfg.Sources.HackerNews.Enabled {
		sourceManager.Register(hackernews.New(cfg.Sources.HackerNews, cfg.Research.MaxExternalRetries, limiter, log))
	}

	var trendingResearcher research.TrendingResearcher
	if r := trending.New(cfg.Sources.Trending, aiClient, log); r != nil {
		trendingResearcher = r
	}

	reader := chat.NewReader(transport, cfg.Slack.NewsletterChannel)
	pipeline := research.NewPipeline(reader, sourceManager, trendingResearcher,
		cfg.Research.DedupLookbackWeeks, cfg.Research.MaxPlanningStories, log)

	deadLetters := deadletter.NewWriter(cfg.Newsletter.FailureLogDir)
	planner := compose.NewPlanner(aiClient, deadLetters, cfg.Research.MaxExternalRetries, log)
	writer := compose.NewWriter(aiClient, deadLetters, cfg.Research.MaxExternalRetries, log)

	renderer, err := render.New()
	if err != nil {
		return nil, fmt.Errorf("failed to build renderer: %w", err)
	}

	brainStore := brain.NewStore(cfg.Newsletter.BrainFilePath)
	if err := brainStore.Ensure(); err != nil {
		return nil, fmt.Errorf("failed to prepare brain file: %w", err)
	}

	broadcaster := sender.New(cfg.Resend, cfg.Research.MaxExternalRetries, limiter, log)

	contextState, err := orchestrator.LoadConversationState(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}

	drafts := draft.NewManager(repo, cfg.Newsletter.MaxDraftVersions, cfg.Newsletter.DraftStaleHours)

	return orchestrator.New(cfg, repo, drafts, contextState, pipeline,
		planner, writer, renderer, brainStore, deadLetters, broadcaster, transport, log), nil
}

func printOutcome(outcome orchestrator.Outcome) {
	fmt.Printf("\nAccepted: %v\n", outcome.Accepted)
	fmt.Printf("Reason:   %s\n", outcome.Reason)
	if outcome.RunID != "" {
		fmt.Printf("Run ID:   %s\n", outcome.RunID)
	}
	if outcome.DraftVersion > 0 {
		fmt.Printf("Draft:    v%d\n", outcome.DraftVersion)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Trigger a full research and draft generation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			orch, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			printOutcome(orch.TriggerRun(ctx, "manual", "cli"))
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the current draft and trigger a fresh run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			orch, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			printOutcome(orch.ResetAndTriggerRun(ctx, "cli"))
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Resume a run from its recorded stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			orch, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			printOutcome(orch.ReplayRun(ctx, args[0]))
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve",
		Short: "Approve the latest pending draft and run the send pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			orch, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}

			handler := listeners.NewApprovalHandler(orch.Drafts())
			approval, err := handler.HandleDirect(ctx)
			if err != nil {
				return err
			}
			if !approval.Accepted {
				fmt.Printf("Approval rejected: %s\n", approval.Reason)
				return nil
			}

			fmt.Printf("Draft approved (run %s), starting send pipeline\n", approval.RunID)
			printOutcome(orch.SendApprovedRun(ctx, approval.RunID))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current draft and incomplete runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			drafts := draft.NewManager(repo, cfg.Newsletter.MaxDraftVersions, cfg.Newsletter.DraftStaleHours)
			current, err := drafts.GetCurrent(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Current Draft ===\n")
			if current == nil {
				fmt.Println("No active draft.")
			} else {
				fmt.Printf("Run ID:   %s\n", current.RunID)
				fmt.Printf("Version:  v%d\n", current.Version)
				fmt.Printf("Status:   %s\n", current.Status)
				fmt.Printf("Updated:  %s\n", current.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			}

			incomplete, err := repo.ListIncompleteRuns(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Incomplete Runs ===\n")
			if len(incomplete) == 0 {
				fmt.Println("None.")
			}
			for _, run := range incomplete {
				fmt.Printf("%-40s %-20s %s\n", run.RunID, run.Stage, run.UpdatedAt.Format("2006-01-02 15:04"))
				if run.LastError != "" {
					fmt.Printf("  last error: %s\n", run.LastError)
				}
			}

			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List all runs in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := repo.ListRuns(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("\n%-40s %-20s %s\n", "RUN ID", "STAGE", "UPDATED")
			for _, run := range runs {
				fmt.Printf("%-40s %-20s %s\n", run.RunID, run.Stage, run.UpdatedAt.Format("2006-01-02 15:04"))
			}
			fmt.Printf("\nTotal: %d\n", len(runs))
			return nil
		},
	}
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Audience contact commands",
	}
	cmd.AddCommand(contactsImportCmd())
	return cmd
}

func contactsImportCmd() *cobra.Command {
	var (
		emails  string
		csvFile string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import subscriber emails into the broadcast audience",
		RunE: func(cmd *cobra.Command, args []string) error {
			if emails == "" && csvFile == "" {
				return fmt.Errorf("provide --emails or --file")
			}

			var valid, invalid []string
			if csvFile != "" {
				f, err := os.Open(csvFile)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", csvFile, err)
				}
				defer f.Close()

				valid, invalid, err = contacts.ParseCSV(f)
				if err != nil {
					return fmt.Errorf("failed to parse %s: %w", csvFile, err)
				}
			} else {
				valid, invalid = contacts.ParseInline(emails)
			}

			for _, email := range invalid {
				fmt.Printf("Skipping invalid email: %s\n", email)
			}
			if len(valid) == 0 {
				fmt.Println("No valid emails to import.")
				return nil
			}

			limiter := ratelimit.NewDefaultLimiter()
			broadcaster := sender.New(cfg.Resend, cfg.Research.MaxExternalRetries, limiter, log)
			importer := contacts.NewImporter(broadcaster, log)

			result := importer.Import(context.Background(), valid)

			fmt.Printf("\n=== Import Results ===\n")
			fmt.Printf("Imported:   %d\n", result.Imported)
			fmt.Printf("Duplicates: %d\n", result.Duplicates)
			fmt.Printf("Failures:   %d\n", result.Failures)
			for _, email := range result.FailedEmails {
				fmt.Printf("  failed: %s\n", email)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&emails, "emails", "", "comma or whitespace separated emails")
	cmd.Flags().StringVar(&csvFile, "file", "", "CSV file with an email column")
	return cmd
}
