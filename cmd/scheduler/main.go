package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/newsletter-agent/internal/ai"
	"github.com/newsletter-agent/internal/brain"
	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/internal/chat/noop"
	slacktransport "github.com/newsletter-agent/internal/chat/slack"
	"github.com/newsletter-agent/internal/compose"
	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/deadletter"
	"github.com/newsletter-agent/internal/draft"
	"github.com/newsletter-agent/internal/listeners"
	"github.com/newsletter-agent/internal/orchestrator"
	"github.com/newsletter-agent/internal/render"
	"github.com/newsletter-agent/internal/research"
	"github.com/newsletter-agent/internal/scheduler"
	"github.com/newsletter-agent/internal/sender"
	"github.com/newsletter-agent/internal/signup"
	"github.com/newsletter-agent/internal/source"
	"github.com/newsletter-agent/internal/source/hackernews"
	"github.com/newsletter-agent/internal/source/rss"
	"github.com/newsletter-agent/internal/source/trending"
	"github.com/newsletter-agent/internal/storage/sqlite"
	"github.com/newsletter-agent/pkg/logger"
	"github.com/newsletter-agent/pkg/ratelimit"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "newsletter-scheduler",
		Short: "Background daemon for the newsletter agent",
		Long: `Runs the weekly research trigger, the review-channel listener, and the
signup endpoint as a long-lived service.`,
		RunE: runDaemon,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting newsletter agent")

	repo, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := ratelimit.NewDefaultLimiter()
	aiClient := ai.NewClient(cfg.Anthropic, cfg.Research.MaxExternalRetries, limiter, log)

	// The chat transport falls back to a dry-run recorder when no app-level
	// token is configured, so the pipeline can run headless.
	var transport chat.Transport
	socketMode := cfg.Slack.AppToken != ""
	if socketMode {
		transport = slacktransport.New(cfg.Slack, cfg.Research.MaxExternalRetries, limiter, log)
	} else {
		log.Warn().Msg("No Slack app token configured, using dry-run chat transport")
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

	// An interface holding a typed nil would dodge the pipeline's nil check,
	// so only assign when the researcher is actually enabled.
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
		return fmt.Errorf("failed to build renderer: %w", err)
	}

	brainStore := brain.NewStore(cfg.Newsletter.BrainFilePath)
	if err := brainStore.Ensure(); err != nil {
		return fmt.Errorf("failed to prepare brain file: %w", err)
	}

	broadcaster := sender.New(cfg.Resend, cfg.Research.MaxExternalRetries, limiter, log)

	contextState, err := orchestrator.LoadConversationState(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to load conversation state: %w", err)
	}

	drafts := draft.NewManager(repo, cfg.Newsletter.MaxDraftVersions, cfg.Newsletter.DraftStaleHours)

	orch := orchestrator.New(cfg, repo, drafts, contextState, pipeline,
		planner, writer, renderer, brainStore, deadLetters, broadcaster, transport, log)

	botUserID, err := transport.BotUserID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not resolve bot user ID, self-message filter degraded")
	}

	approvalHandler := listeners.NewApprovalHandler(drafts)
	feedbackHandler := listeners.NewFeedbackHandler(drafts, orch.BuildFeedbackRevision)
	updateHandler := listeners.NewTeamUpdateHandler(aiClient, contextState)

	dispatcher := listeners.NewDispatcher(botUserID, drafts, contextState,
		approvalHandler, feedbackHandler, updateHandler,
		func(ctx context.Context) orchestrator.Outcome {
			return orch.TriggerRun(ctx, "manual", "channel")
		},
		func(ctx context.Context) orchestrator.Outcome {
			return orch.ResetAndTriggerRun(ctx, "channel")
		},
		func(ctx context.Context, runID string) orchestrator.Outcome {
			return orch.ReplayRun(ctx, runID)
		},
		func(ctx context.Context, threadTS string) orchestrator.Outcome {
			return orch.IncludeLateUpdate(ctx, threadTS)
		},
	)

	messages := listeners.NewMessageHandler(dispatcher, orch, transport, cfg.Slack.NewsletterChannel, log)

	if socketMode {
		eventLoop := slacktransport.NewEventLoop(cfg.Slack, messages.HandleEvent, log)
		go func() {
			if err := eventLoop.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Slack event loop stopped")
			}
		}()
	}

	var signupServer *signup.Server
	if cfg.Signup.Enabled {
		signupServer = signup.NewServer(cfg.Signup, broadcaster, log)
		go func() {
			if err := signupServer.Start(); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Signup server stopped")
			}
		}()
	}

	runtime := scheduler.NewRuntime(cfg, orch, log)
	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	log.Info().
		Str("channel", cfg.Slack.NewsletterChannel).
		Bool("dry_run", cfg.Resend.DryRun).
		Msg("Newsletter agent started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down")
	cancel()
	runtime.Stop()
	if signupServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := signupServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Signup server shutdown failed")
		}
	}

	return nil
}
