package models

import (
	"time"
)

// Confidence classifies how far a source claim can be trusted.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

var confidenceRank = map[Confidence]int{
	ConfidenceLow:    0,
	ConfidenceMedium: 1,
	ConfidenceHigh:   2,
}

// Max returns the higher of the two confidence levels.
func (c Confidence) Max(other Confidence) Confidence {
	if confidenceRank[c] >= confidenceRank[other] {
		return c
	}
	return other
}

// SourceTier is a coarse source-credibility rank.
type SourceTier int

const (
	Tier1 SourceTier = 1 // primary-source blogs
	Tier2 SourceTier = 2 // recognized trade press
	Tier3 SourceTier = 3 // everything else
)

// StoryCandidate is a normalized unit of external news content flowing
// through the research pipeline. Pipeline stages never mutate a candidate
// in place; each stage produces a refined copy.
type StoryCandidate struct {
	Title       string
	SourceURL   string
	SourceName  string
	PublishedAt *time.Time
	Confidence  Confidence
	SourceTier  SourceTier
	Summary     string
	Metadata    map[string]interface{}
}

// WithMetadata returns a copy of the candidate with the given key set.
func (s StoryCandidate) WithMetadata(key string, value interface{}) StoryCandidate {
	meta := make(map[string]interface{}, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		meta[k] = v
	}
	meta[key] = value
	s.Metadata = meta
	return s
}

// TeamUpdate is an internal update captured from the chat channel.
type TeamUpdate struct {
	MessageTS     string
	UserID        string
	Text          string
	ThreadReplies []string
}

// PublishedStory is one entry in the published-story memory file.
type PublishedStory struct {
	IssueDate string
	Title     string
	URL       string
}
