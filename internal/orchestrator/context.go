package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/storage"
)

// ConversationState tracks thread routing context and late-update intents.
// Fields that matter across restarts persist through the repository; the
// clarification buffer is in-memory only.
type ConversationState struct {
	mu sync.Mutex

	teamUpdateRoots     map[string]bool
	teamUpdateBodies    map[string]string
	clarificationReplies map[string][]string
	lateUpdates         map[string]string
	pendingLateIncludes map[string]bool
	collectionCutoffAt  *time.Time
	newsletterSent      bool

	repo storage.Repository
}

// NewConversationState creates an empty in-memory state.
func NewConversationState() *ConversationState {
	return &ConversationState{
		teamUpdateRoots:      make(map[string]bool),
		teamUpdateBodies:     make(map[string]string),
		clarificationReplies: make(map[string][]string),
		lateUpdates:          make(map[string]string),
		pendingLateIncludes:  make(map[string]bool),
	}
}

// LoadConversationState restores persisted context from the repository.
func LoadConversationState(ctx context.Context, repo storage.Repository) (*ConversationState, error) {
	record, err := repo.LoadContextState(ctx)
	if err != nil {
		return nil, err
	}

	state := NewConversationState()
	state.repo = repo
	state.collectionCutoffAt = record.CollectionCutoffAt
	state.newsletterSent = record.NewsletterSent
	for _, root := range record.TeamUpdateRoots {
		state.teamUpdateRoots[root] = true
	}
	for key, value := range record.TeamUpdateBodies {
		if text, ok := value.(string); ok {
			state.teamUpdateBodies[key] = text
		}
	}
	for _, ts := range record.PendingLateIncludes {
		state.pendingLateIncludes[ts] = true
	}
	for key, value := range record.LateUpdates {
		if text, ok := value.(string); ok {
			state.lateUpdates[key] = text
		}
	}
	return state, nil
}

// persist saves durable fields; callers hold the mutex.
func (s *ConversationState) persist(ctx context.Context) {
	if s.repo == nil {
		return
	}

	record := &models.ContextState{
		ID:                 1,
		CollectionCutoffAt: s.collectionCutoffAt,
		NewsletterSent:     s.newsletterSent,
		TeamUpdateBodies:   models.JSON{},
		LateUpdates:        models.JSON{},
	}
	for root := range s.teamUpdateRoots {
		record.TeamUpdateRoots = append(record.TeamUpdateRoots, root)
	}
	for key, text := range s.teamUpdateBodies {
		record.TeamUpdateBodies[key] = text
	}
	for ts := range s.pendingLateIncludes {
		record.PendingLateIncludes = append(record.PendingLateIncludes, ts)
	}
	for key, text := range s.lateUpdates {
		record.LateUpdates[key] = text
	}

	// Context persistence is best effort; routing still works from memory.
	_ = s.repo.SaveContextState(ctx, record)
}

// RecordTeamUpdateRoot marks a message as a team-update thread root.
func (s *ConversationState) RecordTeamUpdateRoot(ctx context.Context, messageTS, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamUpdateRoots[messageTS] = true
	s.teamUpdateBodies[messageTS] = text
	s.persist(ctx)
}

// IsTeamUpdateThread reports whether the thread root is a known team update.
func (s *ConversationState) IsTeamUpdateThread(threadTS string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teamUpdateRoots[threadTS]
}

// AddClarificationReply buffers a reply in a team-update thread.
func (s *ConversationState) AddClarificationReply(threadTS, text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clarificationReplies[threadTS] = append(s.clarificationReplies[threadTS], trimmed)
}

// RecordLateUpdate stores a post-cutoff update awaiting an include decision.
func (s *ConversationState) RecordLateUpdate(ctx context.Context, messageTS, text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lateUpdates[messageTS] = trimmed
	s.pendingLateIncludes[messageTS] = true
	s.persist(ctx)
}

// GetLateUpdate reads a late update without consuming it.
func (s *ConversationState) GetLateUpdate(threadTS string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.lateUpdates[threadTS]
	return text, ok
}

// PopLateUpdate consumes a late update and resolves its pending intent.
func (s *ConversationState) PopLateUpdate(ctx context.Context, threadTS string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.lateUpdates[threadTS]
	if ok {
		delete(s.lateUpdates, threadTS)
	}
	delete(s.pendingLateIncludes, threadTS)
	s.persist(ctx)
	return text, ok
}

// IsPendingLateInclude reports whether a late-update thread still awaits an
// include/skip decision.
func (s *ConversationState) IsPendingLateInclude(threadTS string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLateIncludes[threadTS]
}

// ResolveLateInclude marks a late-update thread decided without consuming it.
func (s *ConversationState) ResolveLateInclude(ctx context.Context, threadTS string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingLateIncludes, threadTS)
	s.persist(ctx)
}

// SetCollectionCutoff records when research stopped collecting.
func (s *ConversationState) SetCollectionCutoff(ctx context.Context, cutoff time.Time) {
	utc := cutoff.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectionCutoffAt = &utc
	s.persist(ctx)
}

// MarkSent records that the current issue went out.
func (s *ConversationState) MarkSent(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newsletterSent = true
	s.persist(ctx)
}

// MarkNotSent re-opens the issue window for a fresh run.
func (s *ConversationState) MarkNotSent(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newsletterSent = false
	s.persist(ctx)
}

// IsLateUpdate reports whether a message arrived after the collection
// cutoff but before the issue was sent.
func (s *ConversationState) IsLateUpdate(messageTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collectionCutoffAt == nil || s.newsletterSent {
		return false
	}
	return messageTime.UTC().After(*s.collectionCutoffAt)
}
