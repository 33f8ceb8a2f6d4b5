// Package orchestrator coordinates weekly runs end to end: research,
// composition, review, the approved send pipeline, and crash recovery.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

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
	"github.com/newsletter-agent/internal/validate"
	"github.com/newsletter-agent/pkg/logger"
)

// Outcome reason codes surfaced to command handlers.
const (
	ReasonRunCompleted           = "run_completed"
	ReasonRunFailed              = "run_failed"
	ReasonRunNotFound            = "run_not_found"
	ReasonAlreadySent            = "already_sent"
	ReasonSendNotAllowed         = "send_not_allowed"
	ReasonSendFailed             = "send_failed"
	ReasonRenderValidationFailed = "render_validation_failed"
	ReasonSent                   = "sent"
	ReasonNoActiveDraft          = "no_active_draft"
	ReasonDraftNotPending        = "draft_not_pending"
	ReasonMaxRevisionsReached    = "max_revisions_reached"
	ReasonNoLateUpdate           = "no_late_update"
	ReasonIncluded               = "included"
)

// Outcome is the result of a command: either accepted, or rejected with a
// machine-readable reason. Guardrail rejections are values, not errors.
type Outcome struct {
	Accepted     bool
	Reason       string
	RunID        string
	DraftVersion int
}

// Orchestrator wires the run ledger, draft lifecycle, research pipeline,
// composition stages, and delivery into the weekly workflow.
type Orchestrator struct {
	cfg         *config.Config
	repo        storage.Repository
	drafts      *draft.Manager
	contextSt   *ConversationState
	pipeline    *research.Pipeline
	planner     *compose.Planner
	writer      *compose.Writer
	renderer    *render.Renderer
	brainStore  *brain.Store
	deadLetters *deadletter.Writer
	broadcaster sender.Broadcaster
	transport   chat.Transport
	log         *logger.Logger
}

// New assembles the orchestrator.
func New(cfg *config.Config, repo storage.Repository, drafts *draft.Manager,
	contextState *ConversationState, pipeline *research.Pipeline,
	planner *compose.Planner, writer *compose.Writer, renderer *render.Renderer,
	brainStore *brain.Store, deadLetters *deadletter.Writer,
	broadcaster sender.Broadcaster, transport chat.Transport, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		repo:        repo,
		drafts:      drafts,
		contextSt:   contextState,
		pipeline:    pipeline,
		planner:     planner,
		writer:      writer,
		renderer:    renderer,
		brainStore:  brainStore,
		deadLetters: deadLetters,
		broadcaster: broadcaster,
		transport:   transport,
		log:         log.WithComponent("orchestrator"),
	}
}

// ContextState exposes the conversation state for listeners.
func (o *Orchestrator) ContextState() *ConversationState {
	return o.contextSt
}

// Drafts exposes the draft manager for listeners.
func (o *Orchestrator) Drafts() *draft.Manager {
	return o.drafts
}

// TriggerRun starts a fresh research-and-draft run if the run lock is free.
// The lock covers generation only; the send phase is guarded by the ledger.
func (o *Orchestrator) TriggerRun(ctx context.Context, trigger, requestedBy string) Outcome {
	runID := generateRunID(trigger, time.Now().UTC())

	acquired, err := o.repo.TryAcquireRunLock(ctx, runID)
	if err != nil {
		o.log.Error().Err(err).Msg("Run lock acquisition failed")
		return Outcome{Reason: ReasonRunFailed, RunID: runID}
	}
	if !acquired {
		holder, _ := o.repo.GetLockHolder(ctx)
		if holder == "" {
			holder = "unknown"
		}
		return Outcome{Reason: "run_locked:" + holder, RunID: holder}
	}
	defer func() {
		if err := o.repo.ReleaseRunLock(ctx, runID); err != nil {
			o.log.Error().Str("run_id", runID).Err(err).Msg("Run lock release failed")
		}
	}()

	log := o.log.WithRunID(runID)
	_, err = o.repo.CreateRun(ctx, runID, models.StageDraftReady, models.JSON{
		"trigger":      trigger,
		"requested_by": requestedBy,
		"started_at":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Error().Err(err).Msg("Run creation failed")
		return Outcome{Reason: ReasonRunFailed, RunID: runID}
	}
	log.Info().Str("trigger", trigger).Str("requested_by", requestedBy).Msg("Run started")

	outcome, err := o.executeDraftGeneration(ctx, runID)
	if err != nil {
		log.Error().Err(err).Msg("Run failed")
		o.recordFailure(runID, "run", err, map[string]interface{}{"trigger": trigger})
		o.postStatus(ctx, fmt.Sprintf("Run `%s` failed during draft generation: %v", runID, err))
		return Outcome{Reason: ReasonRunFailed, RunID: runID}
	}
	return outcome
}

// ResetAndTriggerRun clears active draft state and starts a fresh run.
func (o *Orchestrator) ResetAndTriggerRun(ctx context.Context, requestedBy string) Outcome {
	if _, err := o.drafts.ClearCurrent(ctx); err != nil {
		o.log.Error().Err(err).Msg("Draft clear failed during reset")
		return Outcome{Reason: ReasonRunFailed}
	}
	o.contextSt.MarkNotSent(ctx)
	return o.TriggerRun(ctx, "reset", requestedBy)
}

func (o *Orchestrator) executeDraftGeneration(ctx context.Context, runID string) (Outcome, error) {
	now := time.Now().UTC()
	startAt := now.AddDate(0, 0, -7)
	o.contextSt.MarkNotSent(ctx)
	o.contextSt.SetCollectionCutoff(ctx, now)
	o.postStatus(ctx, fmt.Sprintf("Run `%s`: research started.", runID))

	published, err := o.brainStore.ReadPublished()
	if err != nil {
		return Outcome{}, err
	}

	bundle, err := o.pipeline.RunWeekly(ctx, startAt, now, published)
	if err != nil {
		return Outcome{}, err
	}

	plan, err := o.planner.CreatePlan(ctx, bundle.TeamUpdates, bundle.PlanningInputs)
	if err != nil {
		return Outcome{}, err
	}

	issueDate := o.issueDate(now)
	payload, err := o.writer.WriteNewsletter(ctx, runID, o.cfg.Newsletter.Name, issueDate, plan)
	if err != nil {
		return Outcome{}, err
	}

	html, err := o.renderer.Render(payload)
	if err != nil {
		return Outcome{}, err
	}

	draftTS, err := o.postDraftPreview(ctx, payload,
		fmt.Sprintf("Newsletter Draft - Week of %s", issueDate),
		"Review this draft. Reply with feedback to request changes, or say *approved* to send.")
	if err != nil {
		return Outcome{}, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, err
	}
	created, err := o.drafts.CreateOrReplace(ctx, runID, draftTS, string(payloadJSON), html)
	if err != nil {
		return Outcome{}, err
	}
	if err := o.patchRunFromNewsletter(ctx, runID, payload, draftTS); err != nil {
		return Outcome{}, err
	}

	o.log.WithRunID(runID).Info().
		Int("draft_version", created.Version).
		Int("story_candidates", len(bundle.CandidateStories)).
		Int("ranked_stories", len(bundle.RankedStories)).
		Msg("Draft ready")
	o.postStatus(ctx, fmt.Sprintf("Run `%s`: draft v%d posted for review.", runID, created.Version))

	return Outcome{
		Accepted:     true,
		Reason:       ReasonRunCompleted,
		RunID:        runID,
		DraftVersion: created.Version,
	}, nil
}

// BuildFeedbackRevision regenerates the draft applying reviewer feedback and
// posts the new version for review.
func (o *Orchestrator) BuildFeedbackRevision(ctx context.Context, feedbackText string) (*models.Draft, error) {
	current, err := o.drafts.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.JSON == "" {
		return nil, draft.ErrNoActiveDraft
	}

	currentPayload, err := parseJSONObject(current.JSON)
	if err != nil {
		return nil, err
	}

	revised, err := o.writer.ReviseNewsletter(ctx, current.RunID, currentPayload, feedbackText)
	if err != nil {
		return nil, err
	}
	html, err := o.renderer.Render(revised)
	if err != nil {
		return nil, err
	}

	draftTS, err := o.postDraftPreview(ctx, revised,
		fmt.Sprintf("Newsletter Draft v%d - Week of %s", current.Version+1, revised.String("issue_date")),
		"Revision based on feedback. Reply with more feedback or say *approved* to send.")
	if err != nil {
		return nil, err
	}

	revisedJSON, err := json.Marshal(revised)
	if err != nil {
		return nil, err
	}
	updated, err := o.drafts.CreateRevision(ctx, draftTS, string(revisedJSON), html)
	if err != nil {
		return nil, err
	}
	if err := o.patchRunFromNewsletter(ctx, updated.RunID, revised, draftTS); err != nil {
		return nil, err
	}
	return updated, nil
}

// IncludeLateUpdate injects a pending late team update into the active
// draft and posts the revision. Guards run before the update is consumed
// so a rejected attempt can be retried.
func (o *Orchestrator) IncludeLateUpdate(ctx context.Context, threadTS string) Outcome {
	current, err := o.drafts.GetCurrent(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("Draft lookup failed for late include")
		return Outcome{Reason: ReasonRunFailed}
	}
	if current == nil || current.JSON == "" {
		return Outcome{Reason: ReasonNoActiveDraft}
	}
	if current.Status != models.DraftStatusPendingReview {
		return Outcome{Reason: ReasonDraftNotPending}
	}

	hasCapacity, err := o.drafts.HasRevisionCapacity(ctx)
	if err != nil {
		return Outcome{Reason: ReasonRunFailed}
	}
	if !hasCapacity {
		if _, err := o.drafts.MarkStatus(ctx, models.DraftStatusMaxRevisionsReached); err != nil {
			o.log.Error().Err(err).Msg("Failed to mark revision cap")
		}
		return Outcome{Reason: ReasonMaxRevisionsReached}
	}

	lateText, ok := o.contextSt.PopLateUpdate(ctx, threadTS)
	if !ok {
		return Outcome{Reason: ReasonNoLateUpdate}
	}

	payload, err := parseJSONObject(current.JSON)
	if err != nil {
		return Outcome{Reason: ReasonRunFailed}
	}

	updates, _ := payload["team_updates"].([]interface{})
	updates = append(updates, map[string]interface{}{
		"title":   "Late Team Update",
		"summary": squashText(lateText, 280),
	})
	payload["team_updates"] = updates

	html, err := o.renderer.Render(payload)
	if err != nil {
		o.log.Error().Err(err).Msg("Late-update render failed")
		return Outcome{Reason: ReasonRunFailed}
	}

	draftTS, err := o.postDraftPreview(ctx, payload,
		fmt.Sprintf("Newsletter Draft v%d - Week of %s", current.Version+1, payload.String("issue_date")),
		"Late update included. Reply with more feedback or say *approved* to send.")
	if err != nil {
		return Outcome{Reason: ReasonRunFailed}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Reason: ReasonRunFailed}
	}
	updated, err := o.drafts.CreateRevision(ctx, draftTS, string(payloadJSON), html)
	if err != nil {
		return Outcome{Reason: ReasonRunFailed}
	}
	if err := o.patchRunFromNewsletter(ctx, updated.RunID, payload, draftTS); err != nil {
		return Outcome{Reason: ReasonRunFailed}
	}

	return Outcome{
		Accepted:     true,
		Reason:       ReasonIncluded,
		RunID:        updated.RunID,
		DraftVersion: updated.Version,
	}
}

// SendApprovedRun executes the send pipeline from the run's current stage.
func (o *Orchestrator) SendApprovedRun(ctx context.Context, runID string) Outcome {
	return o.resumeSendPipeline(ctx, runID)
}

// ReplayRun resumes a stalled run: regenerates the draft if it vanished at
// DRAFT_READY, otherwise continues the send pipeline.
func (o *Orchestrator) ReplayRun(ctx context.Context, runID string) Outcome {
	run, err := o.repo.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		return Outcome{Reason: ReasonRunNotFound, RunID: runID}
	}
	if err != nil {
		return Outcome{Reason: ReasonRunFailed, RunID: runID}
	}

	acquired, err := o.repo.TryAcquireRunLock(ctx, runID)
	if err != nil || !acquired {
		return Outcome{Reason: "run_locked", RunID: runID}
	}
	defer func() {
		if err := o.repo.ReleaseRunLock(ctx, runID); err != nil {
			o.log.Error().Str("run_id", runID).Err(err).Msg("Run lock release failed")
		}
	}()

	if run.Stage == models.StageDraftReady {
		existing, err := o.repo.GetDraft(ctx, runID)
		if errors.Is(err, storage.ErrDraftNotFound) || (err == nil && existing == nil) {
			outcome, genErr := o.executeDraftGeneration(ctx, runID)
			if genErr != nil {
				o.log.WithRunID(runID).Error().Err(genErr).Msg("Replay draft generation failed")
				o.recordFailure(runID, "run", genErr, nil)
				return Outcome{Reason: ReasonRunFailed, RunID: runID}
			}
			return outcome
		}
	}
	return o.resumeSendPipeline(ctx, runID)
}

// ResumeIncompleteRuns restarts non-terminal runs at startup. Runs still at
// DRAFT_READY resume only once their draft is approved; everything past
// that stage is mid-send and always resumes.
func (o *Orchestrator) ResumeIncompleteRuns(ctx context.Context) []Outcome {
	runs, err := o.repo.ListIncompleteRuns(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to list incomplete runs")
		return nil
	}

	var outcomes []Outcome
	for _, run := range runs {
		if run.Stage == models.StageDraftReady {
			existing, err := o.repo.GetDraft(ctx, run.RunID)
			if err != nil || existing == nil {
				continue
			}
			if existing.Status != models.DraftStatusApproved {
				continue
			}
		}
		outcomes = append(outcomes, o.ReplayRun(ctx, run.RunID))
	}
	return outcomes
}

// Heartbeat posts a liveness notice to the heartbeat channel.
func (o *Orchestrator) Heartbeat(ctx context.Context, nextRunAt *time.Time) {
	if o.cfg.Slack.HeartbeatChannelID == "" {
		return
	}
	nextRunText := "unknown"
	if nextRunAt != nil {
		nextRunText = nextRunAt.Format(time.RFC3339)
	}
	text := fmt.Sprintf("Heartbeat: newsletter agent is alive. Next scheduled run: %s.", nextRunText)
	if _, err := o.transport.PostMessage(ctx, o.cfg.Slack.HeartbeatChannelID, text); err != nil {
		o.log.Warn().Err(err).Msg("Heartbeat post failed")
	}
}

func (o *Orchestrator) resumeSendPipeline(ctx context.Context, runID string) Outcome {
	run, err := o.repo.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		return Outcome{Reason: ReasonRunNotFound, RunID: runID}
	}
	if err != nil {
		return Outcome{Reason: ReasonRunFailed, RunID: runID}
	}
	if run.Stage == models.StageBrainUpdated {
		return Outcome{Reason: ReasonAlreadySent, RunID: runID}
	}

	log := o.log.WithRunID(runID)

	outcome, err := o.advanceSendPipeline(ctx, run)
	if err != nil {
		if _, setErr := o.repo.SetRunError(ctx, runID, err.Error()); setErr != nil {
			log.Error().Err(setErr).Msg("Failed to record run error")
		}
		o.recordFailure(runID, "send", err, nil)
		log.Error().Err(err).Msg("Send failed")
		o.postStatus(ctx, fmt.Sprintf("Run `%s` send failed: %v", runID, err))
		return Outcome{Reason: ReasonSendFailed, RunID: runID}
	}
	return outcome
}

// advanceSendPipeline walks the run through each send stage in order. Every
// step executes only when the ledger is at that exact stage, which makes
// replay after a crash idempotent.
func (o *Orchestrator) advanceSendPipeline(ctx context.Context, run *models.Run) (Outcome, error) {
	runID := run.RunID

	if run.Stage == models.StageDraftReady {
		advanced, err := o.ensureSendRequested(ctx, run)
		if err != nil {
			return Outcome{}, err
		}
		if advanced == nil {
			return Outcome{Reason: ReasonSendNotAllowed, RunID: runID}, nil
		}
		run = advanced
	}

	if run.Stage == models.StageSendRequested {
		problems, err := o.validateDraftForSend(ctx, runID)
		if err != nil {
			return Outcome{}, err
		}
		if len(problems) > 0 {
			message := strings.Join(problems, "; ")
			if _, setErr := o.repo.SetRunError(ctx, runID, message); setErr != nil {
				return Outcome{}, setErr
			}
			o.recordFailure(runID, "render_validation", errors.New(message),
				map[string]interface{}{"errors": problems})
			o.postStatus(ctx, fmt.Sprintf("Run `%s` validation failed after approval: %s", runID, message))
			return Outcome{Reason: ReasonRenderValidationFailed, RunID: runID}, nil
		}

		advanced, err := o.repo.TransitionRun(ctx, runID, models.StageRenderValidated, nil)
		if err != nil {
			return Outcome{}, err
		}
		run = advanced
		o.postStatus(ctx, fmt.Sprintf("Run `%s`: render validated.", runID))
	}

	if run.Stage == models.StageRenderValidated {
		current, err := o.repo.GetDraft(ctx, runID)
		if err != nil || current == nil || current.HTML == "" {
			return Outcome{}, errors.New("draft HTML missing for broadcast creation")
		}

		subject := run.Payload.String("subject_line")
		if subject == "" {
			subject = o.cfg.Newsletter.Name
		}
		created, err := o.broadcaster.CreateBroadcast(ctx, subject, current.HTML)
		if err != nil {
			return Outcome{}, err
		}

		advanced, err := o.repo.TransitionRun(ctx, runID, models.StageBroadcastCreated, models.JSON{
			"broadcast_id": created.BroadcastID,
			"dry_run":      created.DryRun,
		})
		if err != nil {
			return Outcome{}, err
		}
		run = advanced
		o.postStatus(ctx, fmt.Sprintf("Run `%s`: broadcast created (%s).", runID, created.BroadcastID))
	}

	if run.Stage == models.StageBroadcastCreated {
		broadcastID := strings.TrimSpace(run.Payload.String("broadcast_id"))
		if broadcastID == "" {
			return Outcome{}, errors.New("missing broadcast_id in run payload")
		}

		sent, err := o.broadcaster.SendBroadcast(ctx, broadcastID)
		if err != nil {
			return Outcome{}, err
		}

		advanced, err := o.repo.TransitionRun(ctx, runID, models.StageBroadcastSent, models.JSON{
			"broadcast_send_status": sent.Status,
		})
		if err != nil {
			return Outcome{}, err
		}
		run = advanced
		o.postStatus(ctx, fmt.Sprintf("Run `%s`: broadcast sent.", runID))
	}

	if run.Stage == models.StageBroadcastSent {
		if err := o.appendBrainEntries(ctx, runID); err != nil {
			return Outcome{}, err
		}
		advanced, err := o.repo.TransitionRun(ctx, runID, models.StageBrainUpdated, nil)
		if err != nil {
			return Outcome{}, err
		}
		run = advanced

		if _, err := o.drafts.MarkStatus(ctx, models.DraftStatusSent); err != nil {
			o.log.WithRunID(runID).Warn().Err(err).Msg("Failed to mark draft sent")
		}
		o.contextSt.MarkSent(ctx)

		issueDate := run.Payload.String("issue_date")
		dbBackup, err := brain.BackupDatabase(o.cfg.Database.DSN)
		if err != nil {
			o.log.WithRunID(runID).Warn().Err(err).Msg("Database backup failed")
		}
		brainBackup, err := o.brainStore.SnapshotBrain(issueDate)
		if err != nil {
			o.log.WithRunID(runID).Warn().Err(err).Msg("Brain snapshot failed")
		}

		o.postStatus(ctx, fmt.Sprintf("Run `%s` complete. Newsletter sent and brain updated.", runID))
		o.log.WithRunID(runID).Info().
			Str("db_backup", dbBackup).
			Str("brain_backup", brainBackup).
			Msg("Run completed")
	}

	return Outcome{Accepted: true, Reason: ReasonSent, RunID: runID}, nil
}

// ensureSendRequested advances DRAFT_READY to SEND_REQUESTED if, and only
// if, the run's draft is approved. Returns nil when sending is not allowed.
func (o *Orchestrator) ensureSendRequested(ctx context.Context, run *models.Run) (*models.Run, error) {
	current, err := o.repo.GetDraft(ctx, run.RunID)
	if errors.Is(err, storage.ErrDraftNotFound) || (err == nil && current == nil) {
		if _, setErr := o.repo.SetRunError(ctx, run.RunID, "no draft found for run"); setErr != nil {
			return nil, setErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if current.Status != models.DraftStatusApproved {
		return nil, nil
	}

	advanced, err := o.repo.TransitionRun(ctx, run.RunID, models.StageSendRequested, nil)
	if err != nil {
		return nil, err
	}
	o.postStatus(ctx, fmt.Sprintf("Run `%s`: send requested after approval.", run.RunID))
	return advanced, nil
}

func (o *Orchestrator) validateDraftForSend(ctx context.Context, runID string) ([]string, error) {
	current, err := o.repo.GetDraft(ctx, runID)
	if errors.Is(err, storage.ErrDraftNotFound) || (err == nil && current == nil) {
		return []string{"draft state missing"}, nil
	}
	if err != nil {
		return nil, err
	}

	var problems []string
	if current.HTML == "" {
		problems = append(problems, "draft HTML missing")
	} else {
		problems = append(problems, validate.ValidateRenderedHTML(current.HTML)...)
	}
	if current.JSON == "" {
		problems = append(problems, "draft JSON missing")
	} else {
		payload, err := parseJSONObject(current.JSON)
		if err != nil {
			problems = append(problems, "draft JSON unparseable: "+err.Error())
		} else {
			problems = append(problems, validate.ValidateHTTPSLinks(payload)...)
		}
	}
	return problems, nil
}

func (o *Orchestrator) appendBrainEntries(ctx context.Context, runID string) error {
	current, err := o.repo.GetDraft(ctx, runID)
	if err != nil || current == nil || current.JSON == "" {
		return errors.New("no draft JSON available for brain update")
	}

	payload, err := parseJSONObject(current.JSON)
	if err != nil {
		return err
	}

	issueDate := payload.String("issue_date")
	if issueDate == "" {
		issueDate = time.Now().UTC().Format("2006-01-02")
	}

	var entries []models.PublishedStory
	if stories, ok := payload["industry_stories"].([]interface{}); ok {
		for _, raw := range stories {
			story, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			title, _ := story["headline"].(string)
			url, _ := story["source_url"].(string)
			title = strings.TrimSpace(title)
			url = strings.TrimSpace(url)
			if title != "" && url != "" {
				entries = append(entries, models.PublishedStory{
					IssueDate: issueDate,
					Title:     title,
					URL:       url,
				})
			}
		}
	}
	return o.brainStore.AppendPublished(issueDate, entries)
}

// postDraftPreview posts the preview messages and the full markdown draft
// in a thread, returning the root timestamp as the draft correlation key.
func (o *Orchestrator) postDraftPreview(ctx context.Context, payload models.JSON, header, footer string) (string, error) {
	chunks := chat.FormatPreview(payload)

	rootTS := ""
	for i, chunk := range chunks {
		text := chunk
		if i == 0 {
			text = "*" + header + "*\n\n" + chunk + "\n\n" + footer
		}
		if rootTS == "" {
			ts, err := o.transport.PostMessage(ctx, o.cfg.Slack.NewsletterChannel, text)
			if err != nil {
				return "", err
			}
			rootTS = ts
			continue
		}
		if _, err := o.transport.PostThreadReply(ctx, o.cfg.Slack.NewsletterChannel, rootTS, text); err != nil {
			return "", err
		}
	}
	return rootTS, nil
}

func (o *Orchestrator) patchRunFromNewsletter(ctx context.Context, runID string, payload models.JSON, draftTS string) error {
	subject := strings.TrimSpace(payload.String("subject_line"))
	if subject == "" {
		subject = o.cfg.Newsletter.Name
	}
	_, err := o.repo.PatchRunPayload(ctx, runID, models.JSON{
		"subject_line": subject,
		"issue_date":   payload.String("issue_date"),
		"draft_ts":     draftTS,
	})
	return err
}

func (o *Orchestrator) recordFailure(runID, stage string, cause error, payload map[string]interface{}) {
	if _, err := o.deadLetters.Save(deadletter.Record{
		RunID:   runID,
		Stage:   stage,
		Error:   cause.Error(),
		Payload: payload,
	}); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist dead letter")
	}
}

func (o *Orchestrator) postStatus(ctx context.Context, text string) {
	if _, err := o.transport.PostMessage(ctx, o.cfg.Slack.NewsletterChannel, text); err != nil {
		o.log.Warn().Err(err).Msg("Status post failed")
	}
}

func (o *Orchestrator) issueDate(now time.Time) string {
	loc, err := time.LoadLocation(o.cfg.Newsletter.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

var runIDSanitizeRe = regexp.MustCompile(`[^a-z0-9_-]+`)

func generateRunID(trigger string, now time.Time) string {
	safe := strings.Trim(runIDSanitizeRe.ReplaceAllString(strings.ToLower(trigger), "-"), "-")
	if safe == "" {
		safe = "run"
	}
	return fmt.Sprintf("%s-%s-%s", now.Format("2006-01-02"), safe, now.Format("150405"))
}

func parseJSONObject(raw string) (models.JSON, error) {
	var payload models.JSON
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("expected JSON object payload: %w", err)
	}
	return payload, nil
}

func squashText(value string, maxChars int) string {
	compact := strings.Join(strings.Fields(value), " ")
	if len(compact) <= maxChars {
		return compact
	}
	return strings.TrimRight(compact[:maxChars-3], " ") + "..."
}
