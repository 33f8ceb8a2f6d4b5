package models

import (
	"time"
)

// RunStage represents a checkpoint in the fixed delivery pipeline.
type RunStage string

const (
	StageDraftReady       RunStage = "draft_ready"
	StageSendRequested    RunStage = "send_requested"
	StageRenderValidated  RunStage = "render_validated"
	StageBroadcastCreated RunStage = "broadcast_created"
	StageBroadcastSent    RunStage = "broadcast_sent"
	StageBrainUpdated     RunStage = "brain_updated"
)

// AllowedTransitions maps each stage to its permitted successors. The
// pipeline is a strict chain: no skipping, no going back.
var AllowedTransitions = map[RunStage][]RunStage{
	StageDraftReady:       {StageSendRequested},
	StageSendRequested:    {StageRenderValidated},
	StageRenderValidated:  {StageBroadcastCreated},
	StageBroadcastCreated: {StageBroadcastSent},
	StageBroadcastSent:    {StageBrainUpdated},
	StageBrainUpdated:     {},
}

// IsTerminal reports whether the stage ends the pipeline.
func (s RunStage) IsTerminal() bool {
	return s == StageBrainUpdated
}

// CanTransitionTo reports whether next is an allowed successor of s.
func (s RunStage) CanTransitionTo(next RunStage) bool {
	for _, allowed := range AllowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DraftStatus represents the newsletter draft lifecycle status.
type DraftStatus string

const (
	DraftStatusPendingReview       DraftStatus = "pending_review"
	DraftStatusApproved            DraftStatus = "approved"
	DraftStatusSent                DraftStatus = "sent"
	DraftStatusMaxRevisionsReached DraftStatus = "max_revisions_reached"
)

// Run is a persistent run ledger row.
type Run struct {
	RunID     string    `gorm:"primaryKey" json:"run_id"`
	Stage     RunStage  `gorm:"not null;index" json:"stage"`
	Payload   JSON      `gorm:"type:json;not null" json:"payload"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Draft is the persistent draft state row, at most one per run.
type Draft struct {
	RunID     string      `gorm:"primaryKey" json:"run_id"`
	Version   int         `gorm:"not null" json:"draft_version"`
	Status    DraftStatus `gorm:"not null" json:"draft_status"`
	ThreadTS  string      `json:"draft_ts"` // correlation handle for the review thread
	JSON      string      `gorm:"type:text" json:"draft_json"`
	HTML      string      `gorm:"type:text" json:"draft_html"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// RunLock is the singleton mutex row guarding the research/synthesis phase.
type RunLock struct {
	LockID     int       `gorm:"primaryKey;check:lock_id = 1" json:"lock_id"`
	RunID      string    `gorm:"not null" json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ContextState is the durable conversation context row (singleton).
type ContextState struct {
	ID                  int         `gorm:"primaryKey;check:id = 1" json:"id"`
	CollectionCutoffAt  *time.Time  `json:"collection_cutoff_at"`
	NewsletterSent      bool        `json:"newsletter_sent"`
	TeamUpdateRoots     StringSlice `gorm:"type:json" json:"team_update_roots"`
	TeamUpdateBodies    JSON        `gorm:"type:json" json:"team_update_bodies"`
	PendingLateIncludes StringSlice `gorm:"type:json" json:"pending_late_includes"`
	LateUpdates         JSON        `gorm:"type:json" json:"late_updates"`
	UpdatedAt           time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}
