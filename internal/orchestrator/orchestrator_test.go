package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsletter-agent/internal/ai"
	"github.com/newsletter-agent/internal/brain"
	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/internal/compose"
	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/deadletter"
	"github.com/newsletter-agent/internal/draft"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/render"
	"github.com/newsletter-agent/internal/research"
	"github.com/newsletter-agent/internal/sender"
	"github.com/newsletter-agent/internal/storage"
	"github.com/newsletter-agent/internal/storage/sqlite"
	"github.com/newsletter-agent/pkg/logger"
)

const testPlanJSON = `{
  "team_section": {"items": [{"title": "Importer shipped", "summary": "CSV import works."}]},
  "industry_section": {"items": [{
    "headline": "OpenAI ships agents",
    "hook": "Agents arrive.",
    "why_it_matters": "Big shift for digital labor.",
    "source_url": "https://openai.com/blog/agents",
    "source_name": "OpenAI Blog",
    "published_at": "2026-08-25",
    "confidence": "high"
  }]},
  "cta": {"text": "Subscribe and share."}
}`

const testNewsletterJSON = `{
  "newsletter_name": "This Week in AI",
  "issue_date": "2026-08-28",
  "subject_line": "Agents everywhere",
  "preheader": "The week in one line",
  "intro": "Welcome back.",
  "team_updates": [{"title": "Importer shipped", "summary": "CSV import works."}],
  "industry_stories": [{
    "headline": "OpenAI ships agents",
    "hook": "Agents arrive.",
    "why_it_matters": "Big shift for digital labor.",
    "source_url": "https://openai.com/blog/agents",
    "source_name": "OpenAI Blog",
    "published_at": "2026-08-25",
    "confidence": "high"
  }],
  "cta": {"text": "Subscribe and share."}
}`

type sequencedGenerator struct {
	responses []string
	calls     int
}

func (g *sequencedGenerator) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (*ai.Result, error) {
	idx := g.calls
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	g.calls++
	return &ai.Result{Content: g.responses[idx]}, nil
}

type stubUpdates struct{}

func (stubUpdates) CollectWeeklyUpdates(ctx context.Context, startAt, endAt time.Time) ([]models.TeamUpdate, error) {
	return []models.TeamUpdate{{MessageTS: "1.1", UserID: "U1", Text: "Shipped the importer"}}, nil
}

type stubStories struct{}

func (stubStories) Collect(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, error) {
	published := time.Now().UTC().Add(-48 * time.Hour)
	return []models.StoryCandidate{{
		Title:       "OpenAI ships agents",
		SourceURL:   "https://openai.com/blog/agents",
		SourceName:  "OpenAI Blog",
		PublishedAt: &published,
		Confidence:  models.ConfidenceHigh,
		SourceTier:  models.Tier1,
		Summary:     "Agents arrive for real workloads.",
	}}, nil
}

type recordingBroadcaster struct {
	created int
	sent    int
	sentIDs []string
}

func (b *recordingBroadcaster) CreateBroadcast(ctx context.Context, subject, html string) (*sender.BroadcastResult, error) {
	b.created++
	return &sender.BroadcastResult{BroadcastID: fmt.Sprintf("bc-%d", b.created)}, nil
}

func (b *recordingBroadcaster) SendBroadcast(ctx context.Context, broadcastID string) (*sender.SendResult, error) {
	b.sent++
	b.sentIDs = append(b.sentIDs, broadcastID)
	return &sender.SendResult{BroadcastID: broadcastID, Status: "queued"}, nil
}

type recordingTransport struct {
	posts   []string
	replies []string
	nextTS  int
}

func (t *recordingTransport) PostMessage(ctx context.Context, channel, text string) (string, error) {
	t.posts = append(t.posts, text)
	t.nextTS++
	return fmt.Sprintf("%d.000001", 1_000_000+t.nextTS), nil
}

func (t *recordingTransport) PostThreadReply(ctx context.Context, channel, threadTS, text string) (string, error) {
	t.replies = append(t.replies, text)
	t.nextTS++
	return fmt.Sprintf("%d.000001", 1_000_000+t.nextTS), nil
}

func (t *recordingTransport) ChannelHistory(ctx context.Context, channel string, startAt, endAt time.Time) ([]chat.Message, error) {
	return nil, nil
}

func (t *recordingTransport) ThreadReplies(ctx context.Context, channel, threadTS string) ([]chat.Message, error) {
	return nil, nil
}

func (t *recordingTransport) BotUserID(ctx context.Context) (string, error) {
	return "UBOT", nil
}

type orchestratorFixture struct {
	orch        *Orchestrator
	repo        storage.Repository
	drafts      *draft.Manager
	state       *ConversationState
	gen         *sequencedGenerator
	broadcaster *recordingBroadcaster
	transport   *recordingTransport
	brainPath   string
}

func newOrchestratorFixture(t *testing.T, responses ...string) *orchestratorFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := &config.Config{
		Database: config.DatabaseConfig{DSN: filepath.Join(dir, "newsletter.db")},
		Slack:    config.SlackConfig{NewsletterChannel: "C-NEWS"},
		Newsletter: config.NewsletterConfig{
			Name:             "This Week in AI",
			Timezone:         "UTC",
			BrainFilePath:    filepath.Join(dir, "brain", "published_stories.md"),
			FailureLogDir:    filepath.Join(dir, "failures"),
			MaxDraftVersions: 3,
			DraftStaleHours:  48,
		},
	}

	repo, err := sqlite.New(cfg.Database.DSN)
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })

	state, err := LoadConversationState(ctx, repo)
	require.NoError(t, err)

	if len(responses) == 0 {
		responses = []string{testPlanJSON, testNewsletterJSON}
	}
	gen := &sequencedGenerator{responses: responses}
	log := logger.New(logger.Config{Level: "error", Output: os.DevNull})
	deadLetters := deadletter.NewWriter(cfg.Newsletter.FailureLogDir)

	renderer, err := render.New()
	require.NoError(t, err)

	f := &orchestratorFixture{
		repo:        repo,
		state:       state,
		gen:         gen,
		broadcaster: &recordingBroadcaster{},
		transport:   &recordingTransport{},
		brainPath:   cfg.Newsletter.BrainFilePath,
	}
	f.drafts = draft.NewManager(repo, cfg.Newsletter.MaxDraftVersions, cfg.Newsletter.DraftStaleHours)
	f.orch = New(cfg, repo, f.drafts, state,
		research.NewPipeline(stubUpdates{}, stubStories{}, nil, 8, 5, log),
		compose.NewPlanner(gen, deadLetters, 2, log),
		compose.NewWriter(gen, deadLetters, 2, log),
		renderer, brain.NewStore(cfg.Newsletter.BrainFilePath), deadLetters,
		f.broadcaster, f.transport, log)
	return f
}

func TestTriggerRunProducesDraft(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	outcome := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, outcome.Accepted)
	assert.Equal(t, ReasonRunCompleted, outcome.Reason)
	assert.Equal(t, 1, outcome.DraftVersion)

	run, err := f.repo.GetRun(ctx, outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDraftReady, run.Stage)
	assert.Equal(t, "Agents everywhere", run.Payload.String("subject_line"))
	assert.NotEmpty(t, run.Payload.String("draft_ts"))

	current, err := f.drafts.GetCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, outcome.RunID, current.RunID)
	assert.Equal(t, models.DraftStatusPendingReview, current.Status)
	assert.NotEmpty(t, current.HTML)

	// Preview thread was posted to the review channel.
	assert.NotEmpty(t, f.transport.posts)
	// The lock released on the way out; another run can start.
	assert.Zero(t, f.broadcaster.created)
}

func TestTriggerRunRejectedWhileLocked(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	acquired, err := f.repo.TryAcquireRunLock(ctx, "other-holder")
	require.NoError(t, err)
	require.True(t, acquired)

	outcome := f.orch.TriggerRun(ctx, "manual", "cli")
	assert.False(t, outcome.Accepted)
	assert.Equal(t, "run_locked:other-holder", outcome.Reason)
}

func TestSendApprovedRunWalksEveryStage(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	trigger := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, trigger.Accepted)

	_, err := f.drafts.MarkStatus(ctx, models.DraftStatusApproved)
	require.NoError(t, err)

	outcome := f.orch.SendApprovedRun(ctx, trigger.RunID)
	require.True(t, outcome.Accepted)
	assert.Equal(t, ReasonSent, outcome.Reason)

	run, err := f.repo.GetRun(ctx, trigger.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StageBrainUpdated, run.Stage)
	assert.Equal(t, "bc-1", run.Payload.String("broadcast_id"))
	assert.Equal(t, "queued", run.Payload.String("broadcast_send_status"))

	assert.Equal(t, 1, f.broadcaster.created)
	assert.Equal(t, []string{"bc-1"}, f.broadcaster.sentIDs)

	current, err := f.drafts.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusSent, current.Status)

	published, err := brain.NewStore(f.brainPath).ReadPublished()
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "OpenAI ships agents", published[0].Title)
}

func TestSendApprovedRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	trigger := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, trigger.Accepted)
	_, err := f.drafts.MarkStatus(ctx, models.DraftStatusApproved)
	require.NoError(t, err)

	first := f.orch.SendApprovedRun(ctx, trigger.RunID)
	require.Equal(t, ReasonSent, first.Reason)

	second := f.orch.SendApprovedRun(ctx, trigger.RunID)
	assert.Equal(t, ReasonAlreadySent, second.Reason)
	assert.False(t, second.Accepted)

	// No second broadcast was created or sent.
	assert.Equal(t, 1, f.broadcaster.created)
	assert.Equal(t, 1, f.broadcaster.sent)
}

func TestSendApprovedRunRequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	trigger := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, trigger.Accepted)

	outcome := f.orch.SendApprovedRun(ctx, trigger.RunID)
	assert.Equal(t, ReasonSendNotAllowed, outcome.Reason)

	run, err := f.repo.GetRun(ctx, trigger.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDraftReady, run.Stage)
	assert.Zero(t, f.broadcaster.created)
}

func TestSendApprovedRunValidationFailureThenReplay(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	trigger := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, trigger.Accepted)
	_, err := f.drafts.MarkStatus(ctx, models.DraftStatusApproved)
	require.NoError(t, err)

	// Corrupt the stored HTML so the post-approval audit fails.
	current, err := f.repo.GetDraft(ctx, trigger.RunID)
	require.NoError(t, err)
	goodHTML := current.HTML
	current.HTML = "<html><body><h2>Industry News</h2></body></html>"
	_, err = f.repo.UpsertDraft(ctx, current)
	require.NoError(t, err)

	outcome := f.orch.SendApprovedRun(ctx, trigger.RunID)
	assert.Equal(t, ReasonRenderValidationFailed, outcome.Reason)

	run, err := f.repo.GetRun(ctx, trigger.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StageSendRequested, run.Stage)
	assert.NotEmpty(t, run.LastError)
	assert.Zero(t, f.broadcaster.created)

	// Restore the draft; replay resumes from SEND_REQUESTED and finishes.
	current.HTML = goodHTML
	_, err = f.repo.UpsertDraft(ctx, current)
	require.NoError(t, err)

	replay := f.orch.ReplayRun(ctx, trigger.RunID)
	require.True(t, replay.Accepted)
	assert.Equal(t, ReasonSent, replay.Reason)

	run, err = f.repo.GetRun(ctx, trigger.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StageBrainUpdated, run.Stage)
	assert.Empty(t, run.LastError)
}

func TestReplayRunNotFound(t *testing.T) {
	f := newOrchestratorFixture(t)
	outcome := f.orch.ReplayRun(context.Background(), "2020-01-01-manual-000000")
	assert.Equal(t, ReasonRunNotFound, outcome.Reason)
}

func TestResumeIncompleteRunsWaitsForApproval(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	trigger := f.orch.TriggerRun(ctx, "scheduled", "scheduler")
	require.True(t, trigger.Accepted)

	// Pending review: nothing resumes.
	outcomes := f.orch.ResumeIncompleteRuns(ctx)
	assert.Empty(t, outcomes)
	assert.Zero(t, f.broadcaster.created)

	_, err := f.drafts.MarkStatus(ctx, models.DraftStatusApproved)
	require.NoError(t, err)

	outcomes = f.orch.ResumeIncompleteRuns(ctx)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ReasonSent, outcomes[0].Reason)
}

func TestBuildFeedbackRevision(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, testPlanJSON, testNewsletterJSON, testNewsletterJSON)

	trigger := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, trigger.Accepted)

	revised, err := f.orch.BuildFeedbackRevision(ctx, "tighten the intro")
	require.NoError(t, err)
	assert.Equal(t, 2, revised.Version)
	assert.Equal(t, models.DraftStatusPendingReview, revised.Status)
	assert.Equal(t, 3, f.gen.calls)
}

func TestIncludeLateUpdateRevisesDraft(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	trigger := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, trigger.Accepted)

	f.state.RecordLateUpdate(ctx, "99.1", "We closed the Acme deal on Friday")

	outcome := f.orch.IncludeLateUpdate(ctx, "99.1")
	require.True(t, outcome.Accepted)
	assert.Equal(t, ReasonIncluded, outcome.Reason)
	assert.Equal(t, 2, outcome.DraftVersion)

	current, err := f.drafts.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Contains(t, current.HTML, "Late Team Update")
	assert.Contains(t, current.HTML, "We closed the Acme deal on Friday")

	// The pending intent was consumed.
	assert.False(t, f.state.IsPendingLateInclude("99.1"))
	repeat := f.orch.IncludeLateUpdate(ctx, "99.1")
	assert.Equal(t, ReasonNoLateUpdate, repeat.Reason)
}

func TestIncludeLateUpdateGuards(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)

	outcome := f.orch.IncludeLateUpdate(ctx, "99.1")
	assert.Equal(t, ReasonNoActiveDraft, outcome.Reason)

	trigger := f.orch.TriggerRun(ctx, "manual", "cli")
	require.True(t, trigger.Accepted)
	_, err := f.drafts.MarkStatus(ctx, models.DraftStatusApproved)
	require.NoError(t, err)

	f.state.RecordLateUpdate(ctx, "99.1", "Too late")
	outcome = f.orch.IncludeLateUpdate(ctx, "99.1")
	assert.Equal(t, ReasonDraftNotPending, outcome.Reason)
	// The guard rejected before consuming the update, so it can retry.
	assert.True(t, f.state.IsPendingLateInclude("99.1"))
}

func TestGenerateRunID(t *testing.T) {
	at := time.Date(2026, 8, 28, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "2026-08-28-manual-093005", generateRunID("manual", at))
	assert.Equal(t, "2026-08-28-run-093005", generateRunID("???", at))
	assert.Equal(t, "2026-08-28-my-trigger-093005", generateRunID("My Trigger", at))
}

func TestSquashText(t *testing.T) {
	assert.Equal(t, "a b c", squashText("  a\n b\t c ", 280))
	long := squashText("word word word word word", 12)
	assert.Equal(t, "word word...", long)
	assert.LessOrEqual(t, len(long), 12)
}
